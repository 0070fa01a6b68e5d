package memory

import (
	"time"
)

// Config configures the memory subsystem. Zero values take the defaults
// below.
type Config struct {
	// Segmentation.
	TopicThreshold   float64
	MaxGap           time.Duration
	MaxTurnsPerEvent int
	MinTopicTurns    int

	// Salience and promotion.
	Weights            SalienceWeights
	PromotionThreshold float64

	// Retrieval.
	TokenBudget   int
	CharsPerToken float64
	FactTopK      int
	EventTopK     int
	EventWindow   time.Duration
	FactMinWeight float64

	// Decay and forgetting.
	DecayRate       float64
	DecayWindow     time.Duration
	DecaySaturation time.Duration
	AccessK         float64
	ForgetFloor     float64

	// Reactivation.
	ReactivationOffsets []time.Duration
	HighImportance      float64

	// Lifecycle.
	SessionIdleTimeout   time.Duration
	ConsolidationTimeout time.Duration
	EmbedTimeout         time.Duration
	MaxTurnChars         int
	Retry                RetryPolicy

	// Location is used for calendar-day boundaries. Defaults to UTC.
	Location *time.Location
}

func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.TopicThreshold <= 0 {
		c.TopicThreshold = 0.3
	}
	if c.MaxGap <= 0 {
		c.MaxGap = 10 * time.Minute
	}
	if c.MaxTurnsPerEvent <= 0 {
		c.MaxTurnsPerEvent = 10
	}
	if c.MinTopicTurns <= 0 {
		c.MinTopicTurns = 3
	}
	if c.Weights.sum() <= 0 {
		c.Weights = DefaultSalienceWeights()
	}
	if c.PromotionThreshold <= 0 {
		c.PromotionThreshold = 0.6
	}
	if c.TokenBudget <= 0 {
		c.TokenBudget = DefaultTokenBudget
	}
	if c.CharsPerToken <= 0 {
		c.CharsPerToken = DefaultCharsPerToken
	}
	if c.FactTopK <= 0 {
		c.FactTopK = 10
	}
	if c.EventTopK <= 0 {
		c.EventTopK = 2
	}
	if c.EventWindow <= 0 {
		c.EventWindow = 14 * 24 * time.Hour
	}
	if c.DecayRate <= 0 {
		c.DecayRate = 0.2
	}
	if c.DecayWindow <= 0 {
		c.DecayWindow = 7 * 24 * time.Hour
	}
	if c.DecaySaturation <= 0 {
		c.DecaySaturation = 30 * 24 * time.Hour
	}
	if c.AccessK <= 0 {
		c.AccessK = 0.2
	}
	if c.ForgetFloor <= 0 {
		c.ForgetFloor = 0.1
	}
	if c.FactMinWeight <= 0 {
		c.FactMinWeight = c.ForgetFloor
	}
	if len(c.ReactivationOffsets) == 0 {
		c.ReactivationOffsets = DefaultReactivationOffsets
	}
	if c.HighImportance <= 0 {
		c.HighImportance = 0.8
	}
	if c.SessionIdleTimeout <= 0 {
		c.SessionIdleTimeout = 30 * time.Minute
	}
	if c.ConsolidationTimeout <= 0 {
		c.ConsolidationTimeout = 30 * time.Second
	}
	if c.EmbedTimeout <= 0 {
		c.EmbedTimeout = 3 * time.Second
	}
	if c.MaxTurnChars <= 0 {
		c.MaxTurnChars = 8000
	}
	c.Retry = c.Retry.withDefaults()
	if c.Location == nil {
		c.Location = time.UTC
	}
	return c
}

func (c Config) decay() DecayConfig {
	return DecayConfig{
		Rate:       c.DecayRate,
		Window:     c.DecayWindow,
		Saturation: c.DecaySaturation,
		AccessK:    c.AccessK,
		Floor:      c.ForgetFloor,
	}
}

func (c Config) segmenter() SegmenterConfig {
	return SegmenterConfig{
		TopicThreshold: c.TopicThreshold,
		MaxGap:         c.MaxGap,
		MaxTurns:       c.MaxTurnsPerEvent,
		MinTopicTurns:  c.MinTopicTurns,
	}
}
