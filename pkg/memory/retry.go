package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jodaltro/tamagotchi/pkg/logger"
)

// RetryPolicy bounds every store call with a timeout and exponential backoff.
type RetryPolicy struct {
	Timeout         time.Duration
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Timeout:         2 * time.Second,
		MaxTries:        4,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
		MaxElapsed:      5 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.Timeout <= 0 {
		p.Timeout = def.Timeout
	}
	if p.MaxTries == 0 {
		p.MaxTries = def.MaxTries
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = def.MaxInterval
	}
	if p.MaxElapsed <= 0 {
		p.MaxElapsed = def.MaxElapsed
	}
	return p
}

// ResilientStore decorates a Store with per-call timeouts and retries.
// ErrNotFound is never retried. Exhausted retries surface as ErrStoreUnavailable.
type ResilientStore struct {
	inner  Store
	policy RetryPolicy
}

var _ Store = (*ResilientStore)(nil)

func NewResilientStore(inner Store, policy RetryPolicy) *ResilientStore {
	return &ResilientStore{inner: inner, policy: policy.withDefaults()}
}

// Unwrap returns the decorated store.
func (s *ResilientStore) Unwrap() Store { return s.inner }

func retryCall[T any](ctx context.Context, s *ResilientStore, op string, fn func(context.Context) (T, error)) (T, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.policy.InitialInterval
	eb.MaxInterval = s.policy.MaxInterval

	attempt := 0
	out, err := backoff.Retry[T](ctx, func() (T, error) {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, s.policy.Timeout)
		defer cancel()
		v, err := fn(callCtx)
		if err == nil {
			return v, nil
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(s.policy.MaxTries),
		backoff.WithMaxElapsedTime(s.policy.MaxElapsed),
	)
	if err == nil {
		return out, nil
	}
	if errors.Is(err, ErrNotFound) {
		return out, err
	}
	logger.WarnCF("memory", "Store call failed", map[string]interface{}{
		"op":       op,
		"attempts": attempt,
		"error":    err.Error(),
	})
	return out, fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

func retryDo(ctx context.Context, s *ResilientStore, op string, fn func(context.Context) error) error {
	_, err := retryCall(ctx, s, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func (s *ResilientStore) Close() error { return s.inner.Close() }

func (s *ResilientStore) ListUsers(ctx context.Context) ([]string, error) {
	return retryCall(ctx, s, "list_users", s.inner.ListUsers)
}

func (s *ResilientStore) UpsertEvent(ctx context.Context, ev EventRecord) error {
	return retryDo(ctx, s, "upsert_event", func(ctx context.Context) error { return s.inner.UpsertEvent(ctx, ev) })
}

func (s *ResilientStore) GetEvent(ctx context.Context, userID, id string) (EventRecord, error) {
	return retryCall(ctx, s, "get_event", func(ctx context.Context) (EventRecord, error) {
		return s.inner.GetEvent(ctx, userID, id)
	})
}

func (s *ResilientStore) ListEvents(ctx context.Context, userID string, q EventQuery) ([]EventRecord, error) {
	return retryCall(ctx, s, "list_events", func(ctx context.Context) ([]EventRecord, error) {
		return s.inner.ListEvents(ctx, userID, q)
	})
}

func (s *ResilientStore) UpsertCommitment(ctx context.Context, c Commitment) error {
	return retryDo(ctx, s, "upsert_commitment", func(ctx context.Context) error { return s.inner.UpsertCommitment(ctx, c) })
}

func (s *ResilientStore) GetCommitment(ctx context.Context, userID, id string) (Commitment, error) {
	return retryCall(ctx, s, "get_commitment", func(ctx context.Context) (Commitment, error) {
		return s.inner.GetCommitment(ctx, userID, id)
	})
}

func (s *ResilientStore) ListCommitments(ctx context.Context, userID string, q CommitmentQuery) ([]Commitment, error) {
	return retryCall(ctx, s, "list_commitments", func(ctx context.Context) ([]Commitment, error) {
		return s.inner.ListCommitments(ctx, userID, q)
	})
}

func (s *ResilientStore) UpsertFact(ctx context.Context, f SemanticFact) error {
	return retryDo(ctx, s, "upsert_fact", func(ctx context.Context) error { return s.inner.UpsertFact(ctx, f) })
}

func (s *ResilientStore) GetFact(ctx context.Context, userID, id string) (SemanticFact, error) {
	return retryCall(ctx, s, "get_fact", func(ctx context.Context) (SemanticFact, error) {
		return s.inner.GetFact(ctx, userID, id)
	})
}

func (s *ResilientStore) DeleteFact(ctx context.Context, userID, id string) error {
	return retryDo(ctx, s, "delete_fact", func(ctx context.Context) error { return s.inner.DeleteFact(ctx, userID, id) })
}

func (s *ResilientStore) ListFacts(ctx context.Context, userID string, q FactQuery) ([]SemanticFact, error) {
	return retryCall(ctx, s, "list_facts", func(ctx context.Context) ([]SemanticFact, error) {
		return s.inner.ListFacts(ctx, userID, q)
	})
}

func (s *ResilientStore) UpsertDigest(ctx context.Context, d DailyDigest) error {
	return retryDo(ctx, s, "upsert_digest", func(ctx context.Context) error { return s.inner.UpsertDigest(ctx, d) })
}

func (s *ResilientStore) GetDigest(ctx context.Context, userID, date string) (DailyDigest, error) {
	return retryCall(ctx, s, "get_digest", func(ctx context.Context) (DailyDigest, error) {
		return s.inner.GetDigest(ctx, userID, date)
	})
}

func (s *ResilientStore) GetRelationship(ctx context.Context, userID string) (RelationshipState, error) {
	return retryCall(ctx, s, "get_relationship", func(ctx context.Context) (RelationshipState, error) {
		return s.inner.GetRelationship(ctx, userID)
	})
}

func (s *ResilientStore) UpsertRelationship(ctx context.Context, r RelationshipState) error {
	return retryDo(ctx, s, "upsert_relationship", func(ctx context.Context) error { return s.inner.UpsertRelationship(ctx, r) })
}
