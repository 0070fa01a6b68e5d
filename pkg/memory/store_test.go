package memory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func storeBackends(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state", "memory.db"))
			if err != nil {
				t.Fatalf("new sqlite store: %v", err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		"badger": func(t *testing.T) Store { return newBadgerTestStore(t) },
	}
}

func TestStoreContract(t *testing.T) {
	for name, open := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("events", func(t *testing.T) { testStoreEvents(t, open(t)) })
			t.Run("commitments", func(t *testing.T) { testStoreCommitments(t, open(t)) })
			t.Run("facts", func(t *testing.T) { testStoreFacts(t, open(t)) })
			t.Run("digests and relationship", func(t *testing.T) { testStoreDigestRelationship(t, open(t)) })
			t.Run("users", func(t *testing.T) { testStoreUsers(t, open(t)) })
		})
	}
}

func testStoreEvents(t *testing.T, s Store) {
	ctx := context.Background()
	if _, err := s.GetEvent(ctx, "u1", "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing event: want ErrNotFound, got %v", err)
	}
	evs := []EventRecord{
		{ID: "e1", UserID: "u1", Title: "one", Start: day0, End: day0.Add(time.Minute)},
		{ID: "e2", UserID: "u1", Title: "two", Start: day0.Add(time.Hour), End: day0.Add(time.Hour + time.Minute), Promoted: true,
			OpenLoops: []OpenLoop{{ID: "l1", Description: "open?", Status: LoopOpen, OpenedAt: day0}},
			Embedding: SomeVector([]float32{0.5, 0.5})},
		{ID: "e3", UserID: "u1", Title: "three", Start: day0.AddDate(0, 0, 1), End: day0.AddDate(0, 0, 1), Promoted: true},
		{ID: "x1", UserID: "u2", Title: "other user", Start: day0, End: day0},
	}
	for _, ev := range evs {
		if err := s.UpsertEvent(ctx, ev); err != nil {
			t.Fatalf("upsert %s: %v", ev.ID, err)
		}
	}

	all, err := s.ListEvents(ctx, "u1", EventQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != "e3" || all[2].ID != "e1" {
		t.Fatalf("events should be newest first and scoped to the user, got %v", eventIDs(all))
	}

	promoted, _ := s.ListEvents(ctx, "u1", EventQuery{PromotedOnly: true, Limit: 1})
	if len(promoted) != 1 || promoted[0].ID != "e3" {
		t.Fatalf("promoted+limit: got %v", eventIDs(promoted))
	}
	loops, _ := s.ListEvents(ctx, "u1", EventQuery{WithOpenLoops: true})
	if len(loops) != 1 || loops[0].ID != "e2" {
		t.Fatalf("open loops filter: got %v", eventIDs(loops))
	}
	day, _ := s.ListEvents(ctx, "u1", EventQuery{From: day0, To: day0.AddDate(0, 0, 1)})
	if len(day) != 2 {
		t.Fatalf("range filter is [From, To) on End: got %v", eventIDs(day))
	}

	got, err := s.GetEvent(ctx, "u1", "e2")
	if err != nil {
		t.Fatal(err)
	}
	if vec, ok := got.Embedding.Get(); !ok || len(vec) != 2 {
		t.Fatalf("embedding should round-trip, got %v %v", vec, ok)
	}
	if !got.End.Equal(evs[1].End) || got.OpenLoops[0].Status != LoopOpen {
		t.Fatalf("event did not round-trip: %+v", got)
	}
	if plain, _ := s.GetEvent(ctx, "u1", "e1"); plain.Embedding.Present() {
		t.Fatal("absent embedding must stay absent")
	}

	got.OpenLoops[0].Status = LoopClosed
	if err := s.UpsertEvent(ctx, got); err != nil {
		t.Fatal(err)
	}
	loops, _ = s.ListEvents(ctx, "u1", EventQuery{WithOpenLoops: true})
	if len(loops) != 0 {
		t.Fatalf("upsert should replace the record, got %v", eventIDs(loops))
	}
}

func testStoreCommitments(t *testing.T, s Store) {
	ctx := context.Background()
	cs := []Commitment{
		{ID: "c2", UserID: "u1", Description: "second", MadeAt: day0.Add(time.Hour), Status: CommitmentActive},
		{ID: "c1", UserID: "u1", Description: "first", MadeAt: day0, Status: CommitmentActive, Due: day0.AddDate(0, 0, 1)},
		{ID: "c3", UserID: "u1", Description: "done", MadeAt: day0, Status: CommitmentDone},
	}
	for _, c := range cs {
		if err := s.UpsertCommitment(ctx, c); err != nil {
			t.Fatal(err)
		}
	}
	active, err := s.ListCommitments(ctx, "u1", CommitmentQuery{Status: CommitmentActive})
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 || active[0].ID != "c1" || active[1].ID != "c2" {
		t.Fatalf("active commitments oldest first, got %+v", active)
	}
	all, _ := s.ListCommitments(ctx, "u1", CommitmentQuery{})
	if len(all) != 3 {
		t.Fatalf("empty status matches all, got %d", len(all))
	}
	got, err := s.GetCommitment(ctx, "u1", "c1")
	if err != nil || !got.HasDue() {
		t.Fatalf("due date should round-trip: %+v %v", got, err)
	}
	if _, err := s.GetCommitment(ctx, "u1", "zzz"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing commitment: %v", err)
	}
}

func testStoreFacts(t *testing.T, s Store) {
	ctx := context.Background()
	fs := []SemanticFact{
		{ID: "f1", UserID: "u1", Triple: Triple{"user", "likes", "tea"}, Weight: 0.9, CreatedAt: day0},
		{ID: "f2", UserID: "u1", Triple: Triple{"user", "likes", "jazz"}, Weight: 0.05, CreatedAt: day0.AddDate(0, 0, -2)},
		{ID: "f3", UserID: "u1", Triple: Triple{"user", "name", "ana"}, Weight: 0.5, CreatedAt: day0.Add(time.Hour)},
	}
	for _, f := range fs {
		if err := s.UpsertFact(ctx, f); err != nil {
			t.Fatal(err)
		}
	}
	list, err := s.ListFacts(ctx, "u1", FactQuery{MinWeight: 0.1})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != "f1" || list[1].ID != "f3" {
		t.Fatalf("facts by weight above the minimum, got %+v", list)
	}
	created, _ := s.ListFacts(ctx, "u1", FactQuery{CreatedFrom: day0, CreatedTo: day0.AddDate(0, 0, 1)})
	if len(created) != 2 {
		t.Fatalf("created range filter, got %d", len(created))
	}

	if err := s.DeleteFact(ctx, "u1", "f1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetFact(ctx, "u1", "f1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted fact: %v", err)
	}
	if err := s.DeleteFact(ctx, "u1", "f1"); err != nil {
		t.Fatalf("deleting a missing fact is a no-op, got %v", err)
	}
}

func testStoreDigestRelationship(t *testing.T, s Store) {
	ctx := context.Background()
	if _, err := s.GetDigest(ctx, "u1", "2026-03-10"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing digest: %v", err)
	}
	d := DailyDigest{UserID: "u1", Date: "2026-03-10", Card: "Day 2026-03-10.", NewFacts: []string{"a"}}
	if err := s.UpsertDigest(ctx, d); err != nil {
		t.Fatal(err)
	}
	d.Card = "replaced"
	if err := s.UpsertDigest(ctx, d); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetDigest(ctx, "u1", "2026-03-10")
	if err != nil || got.Card != "replaced" {
		t.Fatalf("digest upsert should replace: %+v %v", got, err)
	}

	rel, err := s.GetRelationship(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if rel.Stage != StageStranger || rel.UserID != "u1" {
		t.Fatalf("unknown user should get the default relationship, got %+v", rel)
	}
	rel.Stage = StageFriend
	rel.Familiarity = 0.3
	if err := s.UpsertRelationship(ctx, rel); err != nil {
		t.Fatal(err)
	}
	rel, _ = s.GetRelationship(ctx, "u1")
	if rel.Stage != StageFriend || rel.Familiarity != 0.3 {
		t.Fatalf("relationship did not persist: %+v", rel)
	}
}

func testStoreUsers(t *testing.T, s Store) {
	ctx := context.Background()
	_ = s.UpsertEvent(ctx, EventRecord{ID: "e", UserID: "bob", Start: day0, End: day0})
	_ = s.UpsertCommitment(ctx, Commitment{ID: "c", UserID: "alice", MadeAt: day0, Status: CommitmentActive})
	_ = s.UpsertFact(ctx, SemanticFact{ID: "f", UserID: "bob", Weight: 0.5})
	users, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 || users[0] != "alice" || users[1] != "bob" {
		t.Fatalf("expected sorted distinct users, got %v", users)
	}
}

func eventIDs(evs []EventRecord) []string {
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.ID)
	}
	return out
}
