package memory

import "errors"

var (
	// ErrMalformedInput rejects a turn that is empty, oversized or out of order.
	// No state is mutated when it is returned.
	ErrMalformedInput = errors.New("memory: malformed input")

	// ErrStoreUnavailable is returned once store retries are exhausted.
	ErrStoreUnavailable = errors.New("memory: store unavailable")

	// ErrEmbeddingUnavailable marks an embedder failure. Public APIs never
	// return it; callers fall back to sparse scoring.
	ErrEmbeddingUnavailable = errors.New("memory: embedding unavailable")

	ErrNotFound = errors.New("memory: not found")

	// ErrConsolidationInProgress is returned when a user already has a
	// session-end pass in flight.
	ErrConsolidationInProgress = errors.New("memory: consolidation in progress")
)
