package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var errInjected = errors.New("injected store failure")

// flakyStore fails writes and lists while down is set.
type flakyStore struct {
	Store
	down   atomic.Bool
	writes atomic.Int32
}

func (f *flakyStore) fail() error {
	if f.down.Load() {
		return errInjected
	}
	return nil
}

func (f *flakyStore) UpsertEvent(ctx context.Context, ev EventRecord) error {
	if err := f.fail(); err != nil {
		return err
	}
	f.writes.Add(1)
	return f.Store.UpsertEvent(ctx, ev)
}

func (f *flakyStore) UpsertCommitment(ctx context.Context, c Commitment) error {
	if err := f.fail(); err != nil {
		return err
	}
	f.writes.Add(1)
	return f.Store.UpsertCommitment(ctx, c)
}

func (f *flakyStore) UpsertFact(ctx context.Context, fact SemanticFact) error {
	if err := f.fail(); err != nil {
		return err
	}
	f.writes.Add(1)
	return f.Store.UpsertFact(ctx, fact)
}

func (f *flakyStore) ListFacts(ctx context.Context, userID string, q FactQuery) ([]SemanticFact, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.Store.ListFacts(ctx, userID, q)
}

func (f *flakyStore) ListEvents(ctx context.Context, userID string, q EventQuery) ([]EventRecord, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.Store.ListEvents(ctx, userID, q)
}

// failingEmbedder rejects every request.
type failingEmbedder struct {
	calls atomic.Int32
}

func (e *failingEmbedder) ModelID() string { return "failing-test-embedder" }

func (e *failingEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	e.calls.Add(1)
	return NoVector(), errors.New("embedding backend down")
}

// testClock is a settable clock shared with the service under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{now: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newBadgerTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := NewBadgerStore(BadgerOptions{InMemory: true})
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// fastRetry keeps failing-store tests quick.
var fastRetry = RetryPolicy{
	Timeout:         time.Second,
	MaxTries:        1,
	InitialInterval: time.Millisecond,
	MaxInterval:     time.Millisecond,
	MaxElapsed:      50 * time.Millisecond,
}

func newTestService(t *testing.T, store Store, clock *testClock, embedder Embedder) *Service {
	t.Helper()
	svc := NewService(store, embedder, Config{Retry: fastRetry}, WithClock(clock.Now))
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

var day0 = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
