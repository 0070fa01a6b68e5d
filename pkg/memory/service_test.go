package memory

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestService_SingleTopicBecomesOneEvent(t *testing.T) {
	ctx := context.Background()
	store := newBadgerTestStore(t)
	clock := newTestClock(day0)
	svc := newTestService(t, store, clock, nil)

	turns := []TurnPair{
		{User: "I love cooking pasta", Agent: "Pasta is a great choice!"},
		{User: "Which sauce goes with pasta?", Agent: "A tomato sauce goes well with pasta."},
		{User: "How long should pasta boil?", Agent: "Pasta should boil for about ten minutes."},
		{User: "I made carbonara yesterday", Agent: "Carbonara sounds delicious."},
		{User: "Thanks for the tips", Agent: "Anytime, enjoy your pasta!"},
	}
	at := day0
	for i, pair := range turns {
		pair.At = at
		res, err := svc.ProcessTurn(ctx, "u1", pair)
		if err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
		if res.EventsCreated != 0 {
			t.Fatalf("turn %d: no boundary expected, got %+v", i, res)
		}
		at = at.Add(time.Minute)
	}
	clock.Set(at)

	report, err := svc.EndSession(ctx, "u1")
	if err != nil {
		t.Fatalf("end session: %v", err)
	}
	if report.EventsCreated != 1 {
		t.Fatalf("expected exactly one event, got %+v", report)
	}
	events, err := store.ListEvents(ctx, "u1", EventQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one stored event, got %d", len(events))
	}
	ev := events[0]
	if ev.HasOpenLoops() {
		t.Fatalf("every question was answered, got loops %+v", ev.OpenLoops)
	}
	if ev.TurnCount != 5 || ev.Title == "" || ev.Summary == "" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if m := svc.GetMetrics("u1"); m.TurnsProcessed != 5 || m.LoopsClosed != 2 {
		t.Fatalf("unexpected metrics %+v", m)
	}
	rel, _ := store.GetRelationship(ctx, "u1")
	if rel.Interactions != 5 {
		t.Fatalf("relationship should count the session turns, got %+v", rel)
	}
}

func TestService_CommitmentDetected(t *testing.T) {
	ctx := context.Background()
	store := newBadgerTestStore(t)
	svc := newTestService(t, store, newTestClock(day0), nil)

	res, err := svc.ProcessTurn(ctx, "u1", TurnPair{
		User:  "I always forget groceries",
		Agent: "I'll remind you tomorrow to buy milk",
		At:    day0,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.CommitmentDetected {
		t.Fatalf("expected a commitment, got %+v", res)
	}

	active, err := svc.ListCommitments(ctx, "u1", CommitmentActive)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 {
		t.Fatalf("expected one active commitment, got %+v", active)
	}
	c := active[0]
	if !strings.Contains(c.Description, "remind") || !strings.Contains(c.Description, "buy milk") {
		t.Fatalf("unexpected description %q", c.Description)
	}
	want := []int{1, 3, 7, 30}
	if len(c.ReactivationSchedule) != len(want) {
		t.Fatalf("unexpected schedule %v", c.ReactivationSchedule)
	}
	for i, days := range want {
		if !c.ReactivationSchedule[i].Equal(day0.AddDate(0, 0, days)) {
			t.Fatalf("schedule[%d] = %v, want +%dd", i, c.ReactivationSchedule[i], days)
		}
	}

	if _, err := svc.EndSession(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetCommitment(ctx, "u1", c.ID)
	if got.EvidenceEventID == "" {
		t.Fatal("commitment should point at the event it was made in")
	}
	if _, err := store.GetEvent(ctx, "u1", got.EvidenceEventID); err != nil {
		t.Fatalf("evidence event must exist: %v", err)
	}
}

func TestService_RepeatedPromiseReinforces(t *testing.T) {
	ctx := context.Background()
	store := newBadgerTestStore(t)
	clock := newTestClock(day0)
	svc := newTestService(t, store, clock, nil)

	pair := TurnPair{User: "ok", Agent: "I'll check on your plants", At: day0}
	if _, err := svc.ProcessTurn(ctx, "u1", pair); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.EndSession(ctx, "u1"); err != nil {
		t.Fatal(err)
	}

	later := day0.AddDate(0, 0, 2)
	clock.Set(later)
	pair.At = later
	if _, err := svc.ProcessTurn(ctx, "u1", pair); err != nil {
		t.Fatal(err)
	}
	active, _ := svc.ListCommitments(ctx, "u1", CommitmentActive)
	if len(active) != 1 {
		t.Fatalf("a repeated promise must not duplicate the commitment, got %d", len(active))
	}
	if active[0].MentionCount != 2 || !active[0].ReactivationSchedule[0].Equal(later.AddDate(0, 0, 1)) {
		t.Fatalf("commitment should be reinforced, got %+v", active[0])
	}
	if m := svc.GetMetrics("u1"); m.CommitmentsMade != 1 {
		t.Fatalf("reinforcement is not a new commitment, got %+v", m)
	}
}

func TestService_CorrectionSupersedesFact(t *testing.T) {
	ctx := context.Background()
	store := newBadgerTestStore(t)
	clock := newTestClock(day0)
	svc := newTestService(t, store, clock, nil)

	if _, err := svc.ProcessTurn(ctx, "u1", TurnPair{User: "My name is Ana", Agent: "Nice to meet you, Ana.", At: day0}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.EndSession(ctx, "u1"); err != nil {
		t.Fatal(err)
	}

	next := day0.Add(2 * time.Hour)
	clock.Set(next)
	res, err := svc.ProcessTurn(ctx, "u1", TurnPair{User: "Actually, my name is Maria", Agent: "Sorry, Maria!", At: next})
	if err != nil {
		t.Fatal(err)
	}
	if !res.CorrectionDetected {
		t.Fatalf("expected a correction, got %+v", res)
	}

	id := FactID(Triple{Subject: "user", Relation: "name"})
	f, err := store.GetFact(ctx, "u1", id)
	if err != nil {
		t.Fatal(err)
	}
	if f.Triple.Object != "maria" || f.Importance != CorrectionImportance {
		t.Fatalf("unexpected fact %+v", f)
	}

	bundle, err := svc.Retrieve(ctx, "u1", "what is my name", ConfiguredBudget)
	if err != nil {
		t.Fatal(err)
	}
	joined := strings.Join(bundle.Facts, "\n")
	if !strings.Contains(joined, "user name maria") || strings.Contains(joined, "ana") {
		t.Fatalf("retrieval should only know the corrected name, got %v", bundle.Facts)
	}
}

func TestService_DecayedFactForgotten(t *testing.T) {
	ctx := context.Background()
	store := newBadgerTestStore(t)
	clock := newTestClock(day0)
	svc := newTestService(t, store, clock, nil)

	f := SemanticFact{
		ID:             "f1",
		UserID:         "u1",
		Triple:         Triple{Subject: "user", Relation: "likes", Object: "opera"},
		Importance:     CorrectionImportance,
		Weight:         CorrectionImportance,
		CreatedAt:      day0,
		LastReinforced: day0,
		AccessCount:    1,
	}
	if err := store.UpsertFact(ctx, f); err != nil {
		t.Fatal(err)
	}

	clock.Set(day0.AddDate(0, 0, 40))
	bundle, err := svc.Retrieve(ctx, "u1", "opera", ConfiguredBudget)
	if err != nil {
		t.Fatal(err)
	}
	if len(bundle.Facts) != 0 {
		t.Fatalf("a fact below the floor must not be retrieved, got %v", bundle.Facts)
	}
	if _, err := svc.RolloverDay(ctx, "u1", day0.AddDate(0, 0, 39)); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetFact(ctx, "u1", "f1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("fact should be gone from the store, got %v", err)
	}
}

func TestService_MalformedInput(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newBadgerTestStore(t), newTestClock(day0), nil)

	cases := map[string]struct {
		user string
		pair TurnPair
	}{
		"no user id":    {"", TurnPair{User: "hi", At: day0}},
		"empty text":    {"u1", TurnPair{User: "   ", Agent: "hello", At: day0}},
		"oversized":     {"u1", TurnPair{User: strings.Repeat("x", 8001), At: day0}},
		"agent too big": {"u1", TurnPair{User: "hi", Agent: strings.Repeat("y", 8001), At: day0}},
	}
	for name, tc := range cases {
		if _, err := svc.ProcessTurn(ctx, tc.user, tc.pair); !errors.Is(err, ErrMalformedInput) {
			t.Fatalf("%s: want ErrMalformedInput, got %v", name, err)
		}
	}

	if _, err := svc.ProcessTurn(ctx, "u1", TurnPair{User: "first", At: day0.Add(time.Minute)}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ProcessTurn(ctx, "u1", TurnPair{User: "earlier", At: day0}); !errors.Is(err, ErrMalformedInput) {
		t.Fatalf("out-of-order turn: want ErrMalformedInput, got %v", err)
	}
	if m := svc.GetMetrics("u1"); m.TurnsProcessed != 1 {
		t.Fatalf("rejected turns must not be counted, got %+v", m)
	}
	report, err := svc.EndSession(ctx, "u1")
	if err != nil || report.EventsCreated != 1 {
		t.Fatalf("the session should hold only the accepted turn: %+v, %v", report, err)
	}
}

func TestService_StoreOutageDefersWrites(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{Store: newBadgerTestStore(t)}
	svc := newTestService(t, flaky, newTestClock(day0), nil)

	flaky.down.Store(true)
	res, err := svc.ProcessTurn(ctx, "u1", TurnPair{User: "hi", Agent: "I'll remind you to water the plants", At: day0})
	if err != nil {
		t.Fatalf("a store outage must not fail ingestion: %v", err)
	}
	if !res.CommitmentDetected {
		t.Fatalf("signals are still extracted, got %+v", res)
	}
	if _, err := svc.EndSession(ctx, "u1"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("want ErrStoreUnavailable while the store is down, got %v", err)
	}
	if flaky.writes.Load() != 0 {
		t.Fatalf("no write should have landed, got %d", flaky.writes.Load())
	}

	flaky.down.Store(false)
	report, err := svc.EndSession(ctx, "u1")
	if err != nil {
		t.Fatalf("retry after recovery: %v", err)
	}
	if report.EventsCreated != 1 {
		t.Fatalf("the buffered turn should become an event, got %+v", report)
	}
	active, _ := flaky.ListCommitments(ctx, "u1", CommitmentQuery{Status: CommitmentActive})
	if len(active) != 1 || active[0].EvidenceEventID == "" {
		t.Fatalf("queued commitment should be persisted with its evidence, got %+v", active)
	}
}

func TestService_EndSessionAsync(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newBadgerTestStore(t), newTestClock(day0), nil)
	if _, err := svc.ProcessTurn(ctx, "u1", TurnPair{User: "hello there", Agent: "hi", At: day0}); err != nil {
		t.Fatal(err)
	}

	st := svc.user("u1")
	st.mu.Lock()
	first := svc.EndSessionAsync("u1")
	second := <-svc.EndSessionAsync("u1")
	st.mu.Unlock()

	if !errors.Is(second.Err, ErrConsolidationInProgress) {
		t.Fatalf("second call should report in progress, got %v", second.Err)
	}
	select {
	case out := <-first:
		if out.Err != nil || out.Report.EventsCreated != 1 {
			t.Fatalf("unexpected outcome %+v", out)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("async consolidation did not finish")
	}

	out := <-svc.EndSessionAsync("u1")
	if out.Err != nil || out.Report.EventsCreated != 0 {
		t.Fatalf("ending an already-ended session is a no-op, got %+v", out)
	}
}

func TestService_MarkCommitmentDone(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newBadgerTestStore(t), newTestClock(day0), nil)
	if _, err := svc.ProcessTurn(ctx, "u1", TurnPair{User: "hi", Agent: "I'll send you the recipe", At: day0}); err != nil {
		t.Fatal(err)
	}
	active, _ := svc.ListCommitments(ctx, "u1", CommitmentActive)
	if len(active) != 1 {
		t.Fatalf("expected one commitment, got %d", len(active))
	}
	id := active[0].ID

	ok, err := svc.MarkCommitmentDone(ctx, "u1", id)
	if err != nil || !ok {
		t.Fatalf("first completion: ok=%v err=%v", ok, err)
	}
	ok, err = svc.MarkCommitmentDone(ctx, "u1", id)
	if err != nil || ok {
		t.Fatalf("second completion should be a no-op: ok=%v err=%v", ok, err)
	}
	if _, err := svc.MarkCommitmentDone(ctx, "u1", "cmt-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown commitment: want ErrNotFound, got %v", err)
	}

	if m := svc.GetMetrics("u1"); m.CommitmentsFulfilled != 1 || m.CommitmentResolution != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
	done, _ := svc.ListCommitments(ctx, "u1", CommitmentDone)
	if len(done) != 1 || len(done[0].ReactivationSchedule) != 0 {
		t.Fatalf("done commitment should have no schedule, got %+v", done)
	}
}

func TestService_RetrieveAcknowledgesResurfaced(t *testing.T) {
	ctx := context.Background()
	store := newBadgerTestStore(t)
	svc := newTestService(t, store, newTestClock(day0), nil)

	c := Commitment{ID: "c1", UserID: "u1", Description: "ask about the exam", MadeAt: day0, Status: CommitmentActive,
		Resurface: true, ReactivationSchedule: []time.Time{day0.AddDate(0, 0, 3)}}
	f := SemanticFact{ID: "f1", UserID: "u1", Triple: Triple{Subject: "user", Relation: "studies", Object: "law"},
		Importance: 0.6, Weight: 0.6, LastReinforced: day0, Resurface: true}
	if err := store.UpsertCommitment(ctx, c); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertFact(ctx, f); err != nil {
		t.Fatal(err)
	}

	bundle, err := svc.Retrieve(ctx, "u1", "exam", ConfiguredBudget)
	if err != nil {
		t.Fatal(err)
	}
	if len(bundle.Commitments) != 1 || len(bundle.Facts) != 1 {
		t.Fatalf("unexpected bundle %+v", bundle)
	}
	gotC, _ := store.GetCommitment(ctx, "u1", "c1")
	if gotC.Resurface {
		t.Fatal("surfaced commitment flag should be cleared")
	}
	gotF, _ := store.GetFact(ctx, "u1", "f1")
	if gotF.Resurface || gotF.AccessCount != 1 || !gotF.LastAccessed.Equal(day0) {
		t.Fatalf("fact access not recorded: %+v", gotF)
	}
	if m := svc.GetMetrics("u1"); m.RetrievalSamples != 1 || m.AvgBundleTokens != float64(bundle.EstimatedTokens) {
		t.Fatalf("token usage not recorded: %+v", m)
	}
	if _, err := svc.Retrieve(ctx, "", "x", 0); !errors.Is(err, ErrMalformedInput) {
		t.Fatalf("empty user id: want ErrMalformedInput, got %v", err)
	}
}

func TestService_GetDailyDigest(t *testing.T) {
	ctx := context.Background()
	store := newBadgerTestStore(t)
	svc := newTestService(t, store, newTestClock(day0), nil)

	if _, err := svc.GetDailyDigest(ctx, "u1", "10/03/2026"); !errors.Is(err, ErrMalformedInput) {
		t.Fatalf("bad date: want ErrMalformedInput, got %v", err)
	}
	d, err := svc.GetDailyDigest(ctx, "u1", "2026-03-10")
	if err != nil {
		t.Fatal(err)
	}
	if d.Date != "2026-03-10" || !strings.HasPrefix(d.Card, "Day 2026-03-10.") {
		t.Fatalf("unexpected digest %+v", d)
	}
	if _, err := store.GetDigest(ctx, "u1", "2026-03-10"); err != nil {
		t.Fatalf("a built digest should be stored: %v", err)
	}
}

func TestService_IdleSessions(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newBadgerTestStore(t), newTestClock(day0), nil)
	if _, err := svc.ProcessTurn(ctx, "u1", TurnPair{User: "hello", At: day0}); err != nil {
		t.Fatal(err)
	}
	if ids := svc.IdleSessions(day0.Add(10 * time.Minute)); len(ids) != 0 {
		t.Fatalf("session is still active, got %v", ids)
	}
	if ids := svc.IdleSessions(day0.Add(31 * time.Minute)); len(ids) != 1 || ids[0] != "u1" {
		t.Fatalf("expected u1 idle, got %v", ids)
	}
}

func TestService_PersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "state", "memory.db")
	clock := newTestClock(day0)

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	svc := NewService(store, nil, Config{Retry: fastRetry}, WithClock(clock.Now))
	if _, err := svc.ProcessTurn(ctx, "u1", TurnPair{User: "I live in Lisbon now", Agent: "Lovely city!", At: day0}); err != nil {
		t.Fatal(err)
	}
	// Close ends the open session before closing the store.
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store2, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	svc2 := NewService(store2, nil, Config{Retry: fastRetry}, WithClock(clock.Now))
	defer svc2.Close()

	bundle, err := svc2.Retrieve(ctx, "u1", "where do I live", ConfiguredBudget)
	if err != nil {
		t.Fatal(err)
	}
	if len(bundle.Facts) != 1 || bundle.Facts[0] != "user lives in lisbon now" {
		t.Fatalf("fact should survive a restart, got %v", bundle.Facts)
	}
	users, _ := svc2.ListUsers(ctx)
	if len(users) != 1 || users[0] != "u1" {
		t.Fatalf("unexpected users %v", users)
	}
}

func TestService_LocalEmbedderDoesNotBreakSegmentation(t *testing.T) {
	ctx := context.Background()
	emb, err := NewLocalEmbedder("chargram")
	if err != nil {
		t.Fatal(err)
	}
	store := newBadgerTestStore(t)
	svc := newTestService(t, store, newTestClock(day0), emb)

	at := day0
	for i := 0; i < 12; i++ {
		if _, err := svc.ProcessTurn(ctx, "u1", TurnPair{User: "tell me about dogs", Agent: "dogs are loyal", At: at}); err != nil {
			t.Fatal(err)
		}
		at = at.Add(time.Minute)
	}
	report, err := svc.EndSession(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if report.EventsCreated != 2 {
		t.Fatalf("12 identical turns split at the size cap into 2 events, got %+v", report)
	}
	evs, _ := store.ListEvents(ctx, "u1", EventQuery{})
	for _, ev := range evs {
		if !ev.Embedding.Present() {
			t.Fatalf("event %s should carry the centroid embedding", ev.ID)
		}
	}
}

func TestService_TurnTokensWithoutRetrieval(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newBadgerTestStore(t), newTestClock(day0), nil)

	turns := []TurnPair{
		{User: "hello", Agent: "hi there"},   // 13 chars, 4 tokens
		{User: "how are you", Agent: "fine"}, // 15 chars, 4 tokens
		{User: "bye", Agent: "see you"},      // 10 chars, 3 tokens
	}
	at := day0
	for _, pair := range turns {
		pair.At = at
		if _, err := svc.ProcessTurn(ctx, "u1", pair); err != nil {
			t.Fatal(err)
		}
		at = at.Add(time.Minute)
	}

	m := svc.GetMetrics("u1")
	if m.TurnsProcessed != 3 || m.TurnTokens != 11 || m.AvgTokensPerTurn != 11.0/3 {
		t.Fatalf("turn tokens not recorded: %+v", m)
	}
	if m.RetrievalSamples != 0 || m.AvgBundleTokens != 0 {
		t.Fatalf("no bundle was served, got %+v", m)
	}
}

func TestService_LoopsOpenedCounted(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newBadgerTestStore(t), newTestClock(day0), nil)

	if _, err := svc.ProcessTurn(ctx, "u1", TurnPair{User: "Which seeds should I buy?", Agent: "Let me think.", At: day0}); err != nil {
		t.Fatal(err)
	}
	if m := svc.GetMetrics("u1"); m.LoopsOpened != 1 || m.LoopsClosed != 0 {
		t.Fatalf("expected one open loop, got %+v", m)
	}
}

func TestService_SessionSpanningRollover(t *testing.T) {
	ctx := context.Background()
	store := newBadgerTestStore(t)
	clock := newTestClock(day0)
	svc := newTestService(t, store, clock, nil)

	if _, err := svc.ProcessTurn(ctx, "u1", TurnPair{User: "hi", Agent: "I'll send you the recipe", At: day0}); err != nil {
		t.Fatal(err)
	}
	active, _ := svc.ListCommitments(ctx, "u1", CommitmentActive)
	if len(active) != 1 {
		t.Fatalf("expected one commitment, got %d", len(active))
	}
	id := active[0].ID

	// The session stays open while every reactivation date passes.
	later := day0.AddDate(0, 0, 40)
	clock.Set(later)
	if _, err := svc.RolloverDay(ctx, "u1", later.AddDate(0, 0, -1)); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetCommitment(ctx, "u1", id)
	if got.Status != CommitmentActive || !got.Resurface || len(got.ReactivationSchedule) != 0 {
		t.Fatalf("rollover should consume the schedule and flag the commitment, got %+v", got)
	}

	if _, err := svc.Retrieve(ctx, "u1", "recipe", ConfiguredBudget); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetCommitment(ctx, "u1", id)
	if got.Resurface {
		t.Fatal("retrieval should clear the flag the rollover set")
	}

	if _, err := svc.RolloverDay(ctx, "u1", later); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetCommitment(ctx, "u1", id)
	if got.Status != CommitmentExpired {
		t.Fatalf("acknowledged commitment with no schedule left should expire, got %+v", got)
	}

	ok, err := svc.MarkCommitmentDone(ctx, "u1", id)
	if err != nil || ok {
		t.Fatalf("an expired commitment cannot be completed: ok=%v err=%v", ok, err)
	}
	if m := svc.GetMetrics("u1"); m.CommitmentsFulfilled != 0 || m.CommitmentsExpired != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}

	if _, err := svc.ProcessTurn(ctx, "u1", TurnPair{User: "ok", Agent: "I'll send you the recipe", At: later}); err != nil {
		t.Fatal(err)
	}
	active, _ = svc.ListCommitments(ctx, "u1", CommitmentActive)
	if len(active) != 1 || active[0].ID == id {
		t.Fatalf("a promise after expiry starts a new commitment, got %+v", active)
	}
}

func TestService_FailingEmbedderFallsBackToSparse(t *testing.T) {
	ctx := context.Background()
	store := newBadgerTestStore(t)
	emb := &failingEmbedder{}
	svc := newTestService(t, store, newTestClock(day0), emb)

	at := day0
	for i := 0; i < 11; i++ {
		res, err := svc.ProcessTurn(ctx, "u1", TurnPair{User: "tell me about dogs", Agent: "dogs are loyal", At: at})
		if err != nil {
			t.Fatalf("turn %d: an embedding failure must not fail ingestion: %v", i, err)
		}
		if i == 9 && res.EventsCreated != 1 {
			t.Fatalf("the size cap should still flush at turn 10, got %+v", res)
		}
		at = at.Add(time.Minute)
	}

	res, err := svc.ProcessTurn(ctx, "u1", TurnPair{User: "Actually, my name is Maria", Agent: "Sorry, Maria!", At: at.Add(25 * time.Minute)})
	if err != nil {
		t.Fatal(err)
	}
	if res.EventsCreated != 1 {
		t.Fatalf("the time gap should still flush, got %+v", res)
	}

	report, err := svc.EndSession(ctx, "u1")
	if err != nil {
		t.Fatalf("end session: %v", err)
	}
	if report.EventsCreated != 3 {
		t.Fatalf("expected 3 events, got %+v", report)
	}
	evs, _ := store.ListEvents(ctx, "u1", EventQuery{})
	for _, ev := range evs {
		if ev.Embedding.Present() {
			t.Fatalf("event %s should carry no embedding", ev.ID)
		}
	}

	bundle, err := svc.Retrieve(ctx, "u1", "what is my name", ConfiguredBudget)
	if err != nil {
		t.Fatalf("retrieval must fall back to keyword ranking: %v", err)
	}
	if !strings.Contains(strings.Join(bundle.Facts, "\n"), "user name maria") {
		t.Fatalf("keyword ranking should still find the name, got %v", bundle.Facts)
	}
	if emb.calls.Load() == 0 {
		t.Fatal("the embedder should have been tried")
	}
}
