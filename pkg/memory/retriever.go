package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jodaltro/tamagotchi/pkg/logger"
	"golang.org/x/sync/errgroup"
)

const (
	keywordWeight    = 0.6
	importanceWeight = 0.4
	denseBoostWeight = 0.15
	eventCandidates  = 50
	eventFallback    = 10
)

// HybridRetriever assembles a token-bounded bundle from commitments, facts
// and events in that strict order.
type HybridRetriever struct {
	store    Store
	embedder Embedder
	cfg      Config
}

// retrievalAck lists what a bundle surfaced so the caller can clear
// reactivation flags and count fact accesses.
type retrievalAck struct {
	commitments []string
	facts       []string
}

func (a retrievalAck) empty() bool {
	return len(a.commitments) == 0 && len(a.facts) == 0
}

func NewHybridRetriever(store Store, embedder Embedder, cfg Config) *HybridRetriever {
	return &HybridRetriever{store: store, embedder: embedder, cfg: cfg.withDefaults()}
}

type scoredFact struct {
	fact   SemanticFact
	weight float64
	score  float64
}

type scoredEvent struct {
	event EventRecord
	score float64
}

// Retrieve never fails on store errors: a pool that cannot be read is
// skipped and reported in DegradedPools.
func (r *HybridRetriever) Retrieve(ctx context.Context, userID, query string, budget int, now time.Time) (ContextBundle, retrievalAck, error) {
	if budget < 0 {
		budget = r.cfg.TokenBudget
	}
	bundle := ContextBundle{
		Commitments: []string{},
		Facts:       []string{},
		Events:      []string{},
		Budget:      budget,
	}

	var (
		commitments []Commitment
		facts       []SemanticFact
		events      []EventRecord
		queryVec    Vector
		mu          sync.Mutex
	)
	degrade := func(pool string, err error) {
		mu.Lock()
		bundle.DegradedPools = append(bundle.DegradedPools, pool)
		mu.Unlock()
		logger.WarnCF("memory", "Retrieval pool skipped", map[string]interface{}{
			"user_id": userID,
			"pool":    pool,
			"error":   err.Error(),
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cs, err := r.store.ListCommitments(gctx, userID, CommitmentQuery{Status: CommitmentActive})
		if err != nil {
			degrade("commitments", err)
			return nil
		}
		commitments = cs
		return nil
	})
	g.Go(func() error {
		fs, err := r.store.ListFacts(gctx, userID, FactQuery{MinWeight: r.cfg.FactMinWeight})
		if err != nil {
			degrade("facts", err)
			return nil
		}
		facts = fs
		return nil
	})
	g.Go(func() error {
		evs, err := r.store.ListEvents(gctx, userID, EventQuery{PromotedOnly: true, Limit: eventCandidates})
		if err != nil {
			degrade("events", err)
			return nil
		}
		events = evs
		return nil
	})
	g.Go(func() error {
		v, err := embedOrAbsent(gctx, r.embedder, query)
		if err != nil {
			logger.DebugCF("memory", "Query embedding unavailable, using keyword ranking", map[string]interface{}{
				"error": err.Error(),
			})
		}
		queryVec = v
		return nil
	})
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return ContextBundle{}, retrievalAck{}, err
	}
	sort.Strings(bundle.DegradedPools)

	queryKeys := keywords(query)
	orderedCommitments := rankCommitments(commitments)
	rankedFacts := r.rankFacts(facts, queryKeys, queryVec, now)
	rankedEvents := r.rankEvents(events, queryKeys, queryVec, now)

	tb := newTokenBudget(budget, r.cfg.CharsPerToken)
	var ack retrievalAck
	for _, c := range orderedCommitments {
		line := formatCommitment(c)
		if !tb.admit(line) {
			break
		}
		bundle.Commitments = append(bundle.Commitments, line)
		if c.Resurface {
			ack.commitments = append(ack.commitments, c.ID)
		}
	}
	for _, sf := range rankedFacts {
		line := formatFact(sf.fact)
		if !tb.admit(line) {
			break
		}
		bundle.Facts = append(bundle.Facts, line)
		ack.facts = append(ack.facts, sf.fact.ID)
	}
	for _, se := range rankedEvents {
		line := formatEvent(se.event)
		if !tb.admit(line) {
			break
		}
		bundle.Events = append(bundle.Events, line)
	}
	bundle.EstimatedTokens = tb.used
	bundle.Truncated = tb.exhausted

	logger.DebugCF("memory", "Context bundle assembled", map[string]interface{}{
		"user_id":     userID,
		"commitments": len(bundle.Commitments),
		"facts":       len(bundle.Facts),
		"events":      len(bundle.Events),
		"tokens":      bundle.EstimatedTokens,
		"budget":      budget,
		"truncated":   bundle.Truncated,
	})
	return bundle, ack, nil
}

// rankCommitments puts flagged commitments first, then those with the
// earliest due date, then the oldest.
func rankCommitments(in []Commitment) []Commitment {
	out := append([]Commitment(nil), in...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Resurface != b.Resurface {
			return a.Resurface
		}
		if a.HasDue() != b.HasDue() {
			return a.HasDue()
		}
		if a.HasDue() && !a.Due.Equal(b.Due) {
			return a.Due.Before(b.Due)
		}
		if !a.MadeAt.Equal(b.MadeAt) {
			return a.MadeAt.Before(b.MadeAt)
		}
		return a.ID < b.ID
	})
	return out
}

func (r *HybridRetriever) rankFacts(in []SemanticFact, queryKeys []string, queryVec Vector, now time.Time) []scoredFact {
	decay := r.cfg.decay()
	scored := make([]scoredFact, 0, len(in))
	for _, f := range in {
		w := decay.Weight(&f, now)
		if w < decay.Floor {
			continue
		}
		s := keywordWeight*keywordOverlap(queryKeys, factText(f)) + importanceWeight*w
		if sim, ok := Similarity(queryVec, f.Embedding); ok {
			s += denseBoostWeight * (sim + 1) / 2
		}
		scored = append(scored, scoredFact{fact: f, weight: w, score: s})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.fact.Resurface != b.fact.Resurface {
			return a.fact.Resurface
		}
		if a.score != b.score {
			return a.score > b.score
		}
		if !a.fact.LastReinforced.Equal(b.fact.LastReinforced) {
			return a.fact.LastReinforced.After(b.fact.LastReinforced)
		}
		return a.fact.ID < b.fact.ID
	})
	if len(scored) > r.cfg.FactTopK {
		scored = scored[:r.cfg.FactTopK]
	}
	return scored
}

// rankEvents prefers events inside the recent window and falls back to the
// latest events when the window is empty.
func (r *HybridRetriever) rankEvents(in []EventRecord, queryKeys []string, queryVec Vector, now time.Time) []scoredEvent {
	windowStart := now.Add(-r.cfg.EventWindow)
	var inWindow, older []EventRecord
	for _, ev := range in {
		if !ev.End.Before(windowStart) {
			inWindow = append(inWindow, ev)
		} else {
			older = append(older, ev)
		}
	}
	candidates := inWindow
	if len(candidates) == 0 {
		candidates = older
		if len(candidates) > eventFallback {
			candidates = candidates[:eventFallback]
		}
	}

	scored := make([]scoredEvent, 0, len(candidates))
	for _, ev := range candidates {
		text := ev.Title + " " + ev.Summary + " " + strings.Join(ev.Entities, " ")
		s := keywordWeight*keywordOverlap(queryKeys, text) + importanceWeight*ev.Salience
		if sim, ok := Similarity(queryVec, ev.Embedding); ok {
			s += denseBoostWeight * (sim + 1) / 2
		}
		scored = append(scored, scoredEvent{event: ev, score: s})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].event.End.After(scored[j].event.End)
	})
	if len(scored) > r.cfg.EventTopK {
		scored = scored[:r.cfg.EventTopK]
	}
	return scored
}

func formatCommitment(c Commitment) string {
	line := "Commitment: " + c.Description
	if c.HasDue() {
		line += " (due " + c.Due.Format(dateLayout) + ")"
	}
	return line
}

func factText(f SemanticFact) string {
	return strings.Join([]string{
		f.Triple.Subject,
		strings.ReplaceAll(f.Triple.Relation, "_", " "),
		f.Triple.Object,
	}, " ")
}

func formatFact(f SemanticFact) string {
	return factText(f)
}

func formatEvent(ev EventRecord) string {
	return fmt.Sprintf("Event: %s - %s", ev.Title, ev.Summary)
}
