package memory

import (
	"time"
)

// DefaultReactivationOffsets is the spaced-repetition sequence.
var DefaultReactivationOffsets = []time.Duration{
	24 * time.Hour,
	3 * 24 * time.Hour,
	7 * 24 * time.Hour,
	30 * 24 * time.Hour,
}

// ReactivationScheduler computes and consumes spaced reactivation dates.
type ReactivationScheduler struct {
	offsets []time.Duration
}

func NewReactivationScheduler(offsets []time.Duration) *ReactivationScheduler {
	if len(offsets) == 0 {
		offsets = DefaultReactivationOffsets
	}
	cp := make([]time.Duration, len(offsets))
	copy(cp, offsets)
	return &ReactivationScheduler{offsets: cp}
}

// Schedule returns from+offset for every offset.
func (r *ReactivationScheduler) Schedule(from time.Time) []time.Time {
	out := make([]time.Time, 0, len(r.offsets))
	for _, off := range r.offsets {
		out = append(out, from.Add(off))
	}
	return out
}

// consume drops every date at or before now and reports whether any was due.
// Dates are only ever removed, never moved back.
func consume(schedule []time.Time, now time.Time) ([]time.Time, bool) {
	kept := schedule[:0:0]
	due := false
	for _, d := range schedule {
		if !d.After(now) {
			due = true
			continue
		}
		kept = append(kept, d)
	}
	return kept, due
}

// CheckCommitment consumes due dates of an active commitment. A due date
// flags it for the next retrieval; an exhausted schedule with no pending
// flag expires it. It reports whether the commitment changed.
func (r *ReactivationScheduler) CheckCommitment(c *Commitment, now time.Time) bool {
	if c.Status != CommitmentActive {
		return false
	}
	if len(c.ReactivationSchedule) == 0 {
		if c.Resurface {
			return false
		}
		c.Status = CommitmentExpired
		c.ClosedAt = now
		return true
	}
	kept, due := consume(c.ReactivationSchedule, now)
	if !due {
		return false
	}
	c.ReactivationSchedule = kept
	c.Resurface = true
	return true
}

// CheckFact consumes due dates of a fact and flags it when one has arrived.
func (r *ReactivationScheduler) CheckFact(f *SemanticFact, now time.Time) bool {
	if len(f.ReactivationSchedule) == 0 {
		return false
	}
	kept, due := consume(f.ReactivationSchedule, now)
	if !due {
		return false
	}
	f.ReactivationSchedule = kept
	f.Resurface = true
	return true
}

// ReinforceCommitment resets the schedule from the reinforcement time.
func (r *ReactivationScheduler) ReinforceCommitment(c *Commitment, at time.Time) {
	c.LastReinforced = at
	c.MentionCount++
	c.ReactivationSchedule = r.Schedule(at)
}

func (r *ReactivationScheduler) ReinforceFact(f *SemanticFact, at time.Time, highImportance float64) {
	f.LastReinforced = at
	f.MentionCount++
	if f.Importance >= highImportance {
		f.ReactivationSchedule = r.Schedule(at)
	}
}
