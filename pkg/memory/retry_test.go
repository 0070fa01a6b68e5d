package memory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// countingStore fails the first failures GetFact calls, then delegates.
type countingStore struct {
	Store
	calls    atomic.Int32
	failures int32
}

func (c *countingStore) GetFact(ctx context.Context, userID, id string) (SemanticFact, error) {
	n := c.calls.Add(1)
	if n <= c.failures {
		return SemanticFact{}, errInjected
	}
	return c.Store.GetFact(ctx, userID, id)
}

func testRetryPolicy(tries uint) RetryPolicy {
	return RetryPolicy{
		Timeout:         time.Second,
		MaxTries:        tries,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		MaxElapsed:      time.Second,
	}
}

func TestResilientStoreRecovers(t *testing.T) {
	inner := &countingStore{Store: newBadgerTestStore(t), failures: 2}
	if err := inner.UpsertFact(context.Background(), SemanticFact{ID: "f1", UserID: "u1", Weight: 0.5}); err != nil {
		t.Fatal(err)
	}
	s := NewResilientStore(inner, testRetryPolicy(4))
	f, err := s.GetFact(context.Background(), "u1", "f1")
	if err != nil {
		t.Fatalf("expected recovery after transient failures, got %v", err)
	}
	if f.ID != "f1" || inner.calls.Load() != 3 {
		t.Fatalf("unexpected result %+v after %d calls", f, inner.calls.Load())
	}
}

func TestResilientStoreGivesUp(t *testing.T) {
	inner := &countingStore{Store: newBadgerTestStore(t), failures: 100}
	s := NewResilientStore(inner, testRetryPolicy(3))
	_, err := s.GetFact(context.Background(), "u1", "f1")
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("want ErrStoreUnavailable, got %v", err)
	}
	if inner.calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", inner.calls.Load())
	}
}

func TestResilientStoreNotFoundIsPermanent(t *testing.T) {
	inner := &countingStore{Store: newBadgerTestStore(t)}
	s := NewResilientStore(inner, testRetryPolicy(5))
	_, err := s.GetFact(context.Background(), "u1", "missing")
	if !errors.Is(err, ErrNotFound) || errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("want bare ErrNotFound, got %v", err)
	}
	if inner.calls.Load() != 1 {
		t.Fatalf("not found must not be retried, got %d calls", inner.calls.Load())
	}
}

func TestResilientStoreWritesSurfaceUnavailable(t *testing.T) {
	flaky := &flakyStore{Store: newBadgerTestStore(t)}
	flaky.down.Store(true)
	s := NewResilientStore(flaky, testRetryPolicy(2))
	err := s.UpsertEvent(context.Background(), EventRecord{ID: "e1", UserID: "u1"})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("want ErrStoreUnavailable, got %v", err)
	}
	flaky.down.Store(false)
	if err := s.UpsertEvent(context.Background(), EventRecord{ID: "e1", UserID: "u1"}); err != nil {
		t.Fatalf("store back up: %v", err)
	}
}
