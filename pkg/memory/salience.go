package memory

import (
	"math"
	"time"
)

// SalienceWeights are the coefficients of the five salience factors.
type SalienceWeights struct {
	Recency    float64 `json:"recency" yaml:"recency"`
	Repetition float64 `json:"repetition" yaml:"repetition"`
	Novelty    float64 `json:"novelty" yaml:"novelty"`
	Emotion    float64 `json:"emotion" yaml:"emotion"`
	Explicit   float64 `json:"explicit" yaml:"explicit"`
}

func DefaultSalienceWeights() SalienceWeights {
	return SalienceWeights{
		Recency:    0.25,
		Repetition: 0.15,
		Novelty:    0.20,
		Emotion:    0.15,
		Explicit:   0.25,
	}
}

func (w SalienceWeights) sum() float64 {
	return w.Recency + w.Repetition + w.Novelty + w.Emotion + w.Explicit
}

// SalienceFactors are the normalized [0,1] inputs of the score.
type SalienceFactors struct {
	Recency    float64
	Repetition float64
	Novelty    float64
	Emotion    float64
	Explicit   float64
}

// SalienceFeatures are raw item features. Events, facts and commitments all
// map onto this shape before scoring.
type SalienceFeatures struct {
	SinceLastReference time.Duration
	Mentions           int
	Novel              bool
	EmotionIntensity   float64
	Explicit           bool
}

const recencyScale = 24 * time.Hour

// Normalize maps raw features onto [0,1] factors.
func (f SalienceFeatures) Normalize() SalienceFactors {
	elapsed := f.SinceLastReference
	if elapsed < 0 {
		elapsed = 0
	}
	out := SalienceFactors{
		Recency:    math.Exp(-float64(elapsed) / float64(recencyScale)),
		Repetition: repetitionFactor(f.Mentions),
		Emotion:    clamp01(f.EmotionIntensity),
	}
	if f.Novel {
		out.Novelty = 1
	}
	if f.Explicit {
		out.Explicit = 1
	}
	return out
}

func repetitionFactor(n int) float64 {
	if n <= 0 {
		return 0
	}
	return math.Min(1, math.Log(1+float64(n))/math.Log(10))
}

// SalienceScorer is a pure weighted combination of salience factors.
type SalienceScorer struct {
	w SalienceWeights
}

// NewSalienceScorer rescales weights to sum to one. Negative weights count
// as zero and an all-zero set falls back to the defaults.
func NewSalienceScorer(w SalienceWeights) *SalienceScorer {
	w.Recency = math.Max(0, w.Recency)
	w.Repetition = math.Max(0, w.Repetition)
	w.Novelty = math.Max(0, w.Novelty)
	w.Emotion = math.Max(0, w.Emotion)
	w.Explicit = math.Max(0, w.Explicit)
	total := w.sum()
	if total <= 0 {
		w = DefaultSalienceWeights()
		total = w.sum()
	}
	return &SalienceScorer{w: SalienceWeights{
		Recency:    w.Recency / total,
		Repetition: w.Repetition / total,
		Novelty:    w.Novelty / total,
		Emotion:    w.Emotion / total,
		Explicit:   w.Explicit / total,
	}}
}

func (s *SalienceScorer) Weights() SalienceWeights { return s.w }

// Combine scores already-normalized factors. Out-of-range factors are clamped.
func (s *SalienceScorer) Combine(f SalienceFactors) float64 {
	score := s.w.Recency*clamp01(f.Recency) +
		s.w.Repetition*clamp01(f.Repetition) +
		s.w.Novelty*clamp01(f.Novelty) +
		s.w.Emotion*clamp01(f.Emotion) +
		s.w.Explicit*clamp01(f.Explicit)
	return clamp01(score)
}

func (s *SalienceScorer) Score(f SalienceFeatures) float64 {
	return s.Combine(f.Normalize())
}

func (s *SalienceScorer) scoreEvent(ev *EventRecord, now time.Time, novel bool) float64 {
	return s.Score(SalienceFeatures{
		SinceLastReference: now.Sub(ev.End),
		Mentions:           ev.TurnCount,
		Novel:              novel,
		EmotionIntensity:   ev.MaxEmotion(),
		Explicit:           len(ev.CommitmentRefs) > 0 || len(ev.FactRefs) > 0,
	})
}

func (s *SalienceScorer) scoreFact(f *SemanticFact, now time.Time, emotion float64) float64 {
	return s.Score(SalienceFeatures{
		SinceLastReference: now.Sub(f.LastReinforced),
		Mentions:           f.MentionCount + f.AccessCount,
		Novel:              f.MentionCount <= 1,
		EmotionIntensity:   emotion,
		Explicit:           f.Importance >= CorrectionImportance,
	})
}

func (s *SalienceScorer) scoreCommitment(c *Commitment, now time.Time) float64 {
	return s.Score(SalienceFeatures{
		SinceLastReference: now.Sub(c.LastReinforced),
		Mentions:           c.MentionCount,
		Novel:              c.MentionCount <= 1,
		Explicit:           true,
	})
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
