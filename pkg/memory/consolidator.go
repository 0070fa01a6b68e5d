package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/jodaltro/tamagotchi/pkg/logger"
)

// DecayConfig parameterizes fact forgetting.
type DecayConfig struct {
	Rate       float64
	Window     time.Duration
	Saturation time.Duration
	AccessK    float64
	Floor      float64
}

const decayUnit = 7 * 24 * time.Hour

// Weight is the decayed weight of f at now. It is a pure function of the
// fact's importance, last reinforcement and access count, so repeated
// passes never compound. Facts reinforced within the window keep their
// full importance.
func (d DecayConfig) Weight(f *SemanticFact, now time.Time) float64 {
	elapsed := now.Sub(f.LastReinforced)
	if elapsed <= d.Window {
		return clamp01(f.Importance)
	}
	decayFactor := float64(elapsed) / float64(decayUnit)
	accessFactor := 1 / (1 + float64(f.AccessCount)*d.AccessK)
	timeFactor := math.Min(1, float64(elapsed)/float64(d.Saturation))
	return clamp01(f.Importance - d.Rate*decayFactor*accessFactor*timeFactor)
}

// ConsolidationEngine runs the session-end and day-rollover passes.
type ConsolidationEngine struct {
	store     Store
	scorer    *SalienceScorer
	scheduler *ReactivationScheduler
	cfg       Config
}

func NewConsolidationEngine(store Store, cfg Config) *ConsolidationEngine {
	cfg = cfg.withDefaults()
	return &ConsolidationEngine{
		store:     store,
		scorer:    NewSalienceScorer(cfg.Weights),
		scheduler: NewReactivationScheduler(cfg.ReactivationOffsets),
		cfg:       cfg,
	}
}

// sessionWork is what a session touched, handed over from ingestion.
type sessionWork struct {
	userID   string
	eventIDs []string
	factIDs  []string
	turns    []SegmentTurn
	// end is the last turn time; salience is computed relative to it so a
	// retried pass promotes the same set.
	end time.Time
}

// ConsolidateSession recomputes salience of the session's events and facts,
// promotes those above the threshold, checks commitment schedules and
// advances the relationship. Any error aborts the pass; it is safe to rerun
// it wholesale.
func (c *ConsolidationEngine) ConsolidateSession(ctx context.Context, w sessionWork, now time.Time, m *MetricsCollector) (SessionReport, error) {
	var report SessionReport

	events := make([]EventRecord, 0, len(w.eventIDs))
	for _, id := range w.eventIDs {
		ev, err := c.store.GetEvent(ctx, w.userID, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return report, fmt.Errorf("load session event: %w", err)
		}
		events = append(events, ev)
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Start.Before(events[j].Start) })

	seen, err := c.priorEntities(ctx, w.userID, events)
	if err != nil {
		return report, err
	}
	eventEmotion := map[string]float64{}
	for i := range events {
		ev := &events[i]
		novel := false
		for _, e := range ev.Entities {
			key := strings.ToLower(e)
			if _, ok := seen[key]; !ok {
				novel = true
				seen[key] = struct{}{}
			}
		}
		salience := c.scorer.scoreEvent(ev, w.end, novel)
		promoted := ev.Promoted || salience >= c.cfg.PromotionThreshold
		eventEmotion[ev.ID] = ev.MaxEmotion()
		if salience == ev.Salience && promoted == ev.Promoted {
			continue
		}
		ev.Salience = salience
		ev.Promoted = promoted
		if err := c.store.UpsertEvent(ctx, *ev); err != nil {
			return report, fmt.Errorf("promote event: %w", err)
		}
	}

	for _, id := range w.factIDs {
		f, err := c.store.GetFact(ctx, w.userID, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return report, fmt.Errorf("load session fact: %w", err)
		}
		emotion := 0.0
		for _, src := range f.SourceEventIDs {
			emotion = math.Max(emotion, eventEmotion[src])
		}
		salience := c.scorer.scoreFact(&f, w.end, emotion)
		newlyPromoted := !f.Promoted && salience >= c.cfg.PromotionThreshold
		if salience == f.Salience && !newlyPromoted {
			continue
		}
		f.Salience = salience
		f.Promoted = f.Promoted || newlyPromoted
		if err := c.store.UpsertFact(ctx, f); err != nil {
			return report, fmt.Errorf("promote fact: %w", err)
		}
		if newlyPromoted {
			report.FactsPromoted++
		}
	}

	checked, err := c.checkCommitments(ctx, w.userID, now, w.end, m)
	if err != nil {
		return report, err
	}
	report.CommitmentsChecked = checked

	rel, err := c.store.GetRelationship(ctx, w.userID)
	if err != nil {
		return report, fmt.Errorf("load relationship: %w", err)
	}
	rel.UserID = w.userID
	rel = advanceRelationship(rel, w.turns, events, now)
	if err := c.store.UpsertRelationship(ctx, rel); err != nil {
		return report, fmt.Errorf("save relationship: %w", err)
	}
	return report, nil
}

// priorEntities collects entities of events that ended before the session's
// first event, for the novelty factor.
func (c *ConsolidationEngine) priorEntities(ctx context.Context, userID string, events []EventRecord) (map[string]struct{}, error) {
	seen := map[string]struct{}{}
	if len(events) == 0 {
		return seen, nil
	}
	prior, err := c.store.ListEvents(ctx, userID, EventQuery{To: events[0].Start, Limit: 50})
	if err != nil {
		return nil, fmt.Errorf("load prior events: %w", err)
	}
	for _, ev := range prior {
		for _, e := range ev.Entities {
			seen[strings.ToLower(e)] = struct{}{}
		}
	}
	return seen, nil
}

// checkCommitments runs the reactivation check on every active commitment.
// When scoreAt is non-zero the commitment salience is refreshed as well.
func (c *ConsolidationEngine) checkCommitments(ctx context.Context, userID string, now, scoreAt time.Time, m *MetricsCollector) (int, error) {
	active, err := c.store.ListCommitments(ctx, userID, CommitmentQuery{Status: CommitmentActive})
	if err != nil {
		return 0, fmt.Errorf("load active commitments: %w", err)
	}
	for i := range active {
		cm := &active[i]
		changed := c.scheduler.CheckCommitment(cm, now)
		if !scoreAt.IsZero() {
			if s := c.scorer.scoreCommitment(cm, scoreAt); s != cm.Salience {
				cm.Salience = s
				changed = true
			}
		}
		if !changed {
			continue
		}
		if err := c.store.UpsertCommitment(ctx, *cm); err != nil {
			return 0, fmt.Errorf("update commitment: %w", err)
		}
		if cm.Status == CommitmentExpired {
			logger.InfoCF("memory", "Commitment expired", map[string]interface{}{
				"user_id":       userID,
				"commitment_id": cm.ID,
			})
			if m != nil {
				m.CommitmentExpired()
			}
		}
	}
	return len(active), nil
}

// dayBounds returns [start, end) of the calendar day containing day in loc.
func dayBounds(day time.Time, loc *time.Location) (time.Time, time.Time) {
	d := day.In(loc)
	start := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

// BuildDigest aggregates one calendar day into a DailyDigest without persisting it.
func (c *ConsolidationEngine) BuildDigest(ctx context.Context, userID string, day, now time.Time) (DailyDigest, error) {
	start, end := dayBounds(day, c.cfg.Location)
	date := start.Format(dateLayout)

	events, err := c.store.ListEvents(ctx, userID, EventQuery{From: start, To: end})
	if err != nil {
		return DailyDigest{}, fmt.Errorf("load day events: %w", err)
	}
	facts, err := c.store.ListFacts(ctx, userID, FactQuery{})
	if err != nil {
		return DailyDigest{}, fmt.Errorf("load facts: %w", err)
	}
	active, err := c.store.ListCommitments(ctx, userID, CommitmentQuery{Status: CommitmentActive})
	if err != nil {
		return DailyDigest{}, fmt.Errorf("load active commitments: %w", err)
	}

	inDay := func(t time.Time) bool { return !t.Before(start) && t.Before(end) }
	digest := DailyDigest{
		UserID:            userID,
		Date:              date,
		NewFacts:          []string{},
		ActiveCommitments: []string{},
		OpenTopics:        []string{},
		GeneratedAt:       now,
	}

	var dayFacts []SemanticFact
	for _, f := range facts {
		if inDay(f.CreatedAt) {
			digest.NewFacts = append(digest.NewFacts, factText(f))
		}
		if f.Promoted && (inDay(f.CreatedAt) || inDay(f.LastReinforced)) {
			dayFacts = append(dayFacts, f)
		}
	}
	sort.Strings(digest.NewFacts)
	for _, cm := range active {
		digest.ActiveCommitments = append(digest.ActiveCommitments, cm.Description)
	}

	var promoted []EventRecord
	seenTopic := map[string]struct{}{}
	// Events arrive newest first; walk oldest first so topics read chronologically.
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if ev.Promoted {
			promoted = append(promoted, ev)
		}
		for _, l := range ev.OpenLoops {
			if l.Status != LoopOpen {
				continue
			}
			if _, ok := seenTopic[l.Description]; ok {
				continue
			}
			seenTopic[l.Description] = struct{}{}
			digest.OpenTopics = append(digest.OpenTopics, l.Description)
		}
	}
	sort.SliceStable(promoted, func(i, j int) bool { return promoted[i].Salience > promoted[j].Salience })
	sort.SliceStable(dayFacts, func(i, j int) bool { return dayFacts[i].Salience > dayFacts[j].Salience })

	digest.Card = c.digestCard(date, promoted, dayFacts)
	switch {
	case len(active) > 0:
		digest.NextStep = "Follow up on: " + active[0].Description
	case len(digest.OpenTopics) > 0:
		digest.NextStep = "Return to: " + digest.OpenTopics[0]
	default:
		digest.NextStep = "Start a new conversation"
	}
	return digest, nil
}

func (c *ConsolidationEngine) digestCard(date string, events []EventRecord, facts []SemanticFact) string {
	tb := newTokenBudget(DigestCardTokens, c.cfg.CharsPerToken)
	header := "Day " + date + "."
	tb.admit(header)
	lines := []string{header}
	if len(events) == 0 && len(facts) == 0 {
		return header + " Nothing notable was consolidated."
	}
	for _, ev := range events {
		line := "- " + ev.Title + ": " + ev.Summary
		if !tb.admit("\n" + line) {
			return strings.Join(lines, "\n")
		}
		lines = append(lines, line)
	}
	for _, f := range facts {
		line := "- Learned: " + factText(f)
		if !tb.admit("\n" + line) {
			break
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// RolloverDay persists the digest for day (replacing any earlier one), then
// decays facts and runs the reactivation check.
func (c *ConsolidationEngine) RolloverDay(ctx context.Context, userID string, day, now time.Time, m *MetricsCollector) (DailyDigest, error) {
	digest, err := c.BuildDigest(ctx, userID, day, now)
	if err != nil {
		return DailyDigest{}, err
	}
	if err := c.store.UpsertDigest(ctx, digest); err != nil {
		return DailyDigest{}, fmt.Errorf("save digest: %w", err)
	}
	forgotten, err := c.decayFacts(ctx, userID, now)
	if err != nil {
		return digest, err
	}
	if _, err := c.checkCommitments(ctx, userID, now, time.Time{}, m); err != nil {
		return digest, err
	}
	logger.InfoCF("memory", "Day rolled over", map[string]interface{}{
		"user_id":   userID,
		"date":      digest.Date,
		"new_facts": len(digest.NewFacts),
		"forgotten": forgotten,
	})
	return digest, nil
}

// decayFacts recomputes fact weights, forgets facts under the floor and
// flags facts whose reactivation date has arrived.
func (c *ConsolidationEngine) decayFacts(ctx context.Context, userID string, now time.Time) (int, error) {
	decay := c.cfg.decay()
	facts, err := c.store.ListFacts(ctx, userID, FactQuery{})
	if err != nil {
		return 0, fmt.Errorf("load facts: %w", err)
	}
	forgotten := 0
	for i := range facts {
		f := &facts[i]
		w := decay.Weight(f, now)
		if w < decay.Floor {
			if err := c.forgetFact(ctx, f); err != nil {
				return forgotten, err
			}
			forgotten++
			continue
		}
		changed := c.scheduler.CheckFact(f, now)
		if w != f.Weight {
			f.Weight = w
			changed = true
		}
		if !changed {
			continue
		}
		if err := c.store.UpsertFact(ctx, *f); err != nil {
			return forgotten, fmt.Errorf("update fact weight: %w", err)
		}
	}
	return forgotten, nil
}

// forgetFact drops references to f from its source events before deleting
// it, so no event ever points at a missing fact.
func (c *ConsolidationEngine) forgetFact(ctx context.Context, f *SemanticFact) error {
	for _, evID := range f.SourceEventIDs {
		ev, err := c.store.GetEvent(ctx, f.UserID, evID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("load fact source event: %w", err)
		}
		refs := ev.FactRefs[:0:0]
		for _, ref := range ev.FactRefs {
			if ref != f.ID {
				refs = append(refs, ref)
			}
		}
		if len(refs) == len(ev.FactRefs) {
			continue
		}
		ev.FactRefs = refs
		if err := c.store.UpsertEvent(ctx, ev); err != nil {
			return fmt.Errorf("unlink forgotten fact: %w", err)
		}
	}
	if err := c.store.DeleteFact(ctx, f.UserID, f.ID); err != nil {
		return fmt.Errorf("delete forgotten fact: %w", err)
	}
	logger.DebugCF("memory", "Fact forgotten", map[string]interface{}{
		"user_id": f.UserID,
		"fact_id": f.ID,
	})
	return nil
}
