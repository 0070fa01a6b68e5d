package memory

import (
	"context"
	"time"
)

type EventQuery struct {
	From          time.Time
	To            time.Time
	PromotedOnly  bool
	WithOpenLoops bool
	Limit         int
}

type CommitmentQuery struct {
	// Status filters by lifecycle state; empty matches all.
	Status CommitmentStatus
	Limit  int
}

type FactQuery struct {
	MinWeight   float64
	CreatedFrom time.Time
	CreatedTo   time.Time
	Limit       int
}

// Store persists the five per-user collections. Get methods return
// ErrNotFound when the record is absent. List methods return events newest
// first, commitments oldest first and facts by weight descending.
type Store interface {
	Close() error
	ListUsers(ctx context.Context) ([]string, error)

	UpsertEvent(ctx context.Context, ev EventRecord) error
	GetEvent(ctx context.Context, userID, id string) (EventRecord, error)
	ListEvents(ctx context.Context, userID string, q EventQuery) ([]EventRecord, error)

	UpsertCommitment(ctx context.Context, c Commitment) error
	GetCommitment(ctx context.Context, userID, id string) (Commitment, error)
	ListCommitments(ctx context.Context, userID string, q CommitmentQuery) ([]Commitment, error)

	UpsertFact(ctx context.Context, f SemanticFact) error
	GetFact(ctx context.Context, userID, id string) (SemanticFact, error)
	DeleteFact(ctx context.Context, userID, id string) error
	ListFacts(ctx context.Context, userID string, q FactQuery) ([]SemanticFact, error)

	UpsertDigest(ctx context.Context, d DailyDigest) error
	GetDigest(ctx context.Context, userID, date string) (DailyDigest, error)

	// GetRelationship returns DefaultRelationship when nothing is stored.
	GetRelationship(ctx context.Context, userID string) (RelationshipState, error)
	UpsertRelationship(ctx context.Context, r RelationshipState) error
}

// Extractor turns one user/agent exchange into structured signals.
// Implementations must be side-effect free.
type Extractor interface {
	Extract(pair TurnPair) Signals
	// Answers reports whether reply addresses the open loop description.
	Answers(loop, reply string) bool
}

// Embedder computes dense vectors. A failed or disabled embedder returns
// NoVector and possibly an error; neither is fatal to any caller.
type Embedder interface {
	ModelID() string
	Embed(ctx context.Context, text string) (Vector, error)
}
