package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jodaltro/tamagotchi/pkg/memory"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Memory    MemoryConfig    `json:"memory" yaml:"memory"`
	Store     StoreConfig     `json:"store" yaml:"store"`
	Embedding EmbeddingConfig `json:"embedding" yaml:"embedding"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	Log       LogConfig       `json:"log" yaml:"log"`
	mu        sync.RWMutex
}

type MemoryConfig struct {
	TokenBudget           int     `json:"token_budget" yaml:"token_budget" env:"TAMAGOTCHI_MEMORY_TOKEN_BUDGET"`
	CharsPerToken         float64 `json:"chars_per_token" yaml:"chars_per_token" env:"TAMAGOTCHI_MEMORY_CHARS_PER_TOKEN"`
	TopicThreshold        float64 `json:"topic_threshold" yaml:"topic_threshold" env:"TAMAGOTCHI_MEMORY_TOPIC_THRESHOLD"`
	MaxGapMinutes         int     `json:"max_gap_minutes" yaml:"max_gap_minutes" env:"TAMAGOTCHI_MEMORY_MAX_GAP_MINUTES"`
	MaxTurnsPerEvent      int     `json:"max_turns_per_event" yaml:"max_turns_per_event" env:"TAMAGOTCHI_MEMORY_MAX_TURNS_PER_EVENT"`
	MinTopicTurns         int     `json:"min_topic_turns" yaml:"min_topic_turns" env:"TAMAGOTCHI_MEMORY_MIN_TOPIC_TURNS"`
	PromotionThreshold    float64 `json:"promotion_threshold" yaml:"promotion_threshold" env:"TAMAGOTCHI_MEMORY_PROMOTION_THRESHOLD"`
	FactTopK              int     `json:"fact_top_k" yaml:"fact_top_k" env:"TAMAGOTCHI_MEMORY_FACT_TOP_K"`
	EventTopK             int     `json:"event_top_k" yaml:"event_top_k" env:"TAMAGOTCHI_MEMORY_EVENT_TOP_K"`
	EventWindowDays       int     `json:"event_window_days" yaml:"event_window_days" env:"TAMAGOTCHI_MEMORY_EVENT_WINDOW_DAYS"`
	DecayRate             float64 `json:"decay_rate" yaml:"decay_rate" env:"TAMAGOTCHI_MEMORY_DECAY_RATE"`
	DecayWindowDays       int     `json:"decay_window_days" yaml:"decay_window_days" env:"TAMAGOTCHI_MEMORY_DECAY_WINDOW_DAYS"`
	DecaySaturationDays   int     `json:"decay_saturation_days" yaml:"decay_saturation_days" env:"TAMAGOTCHI_MEMORY_DECAY_SATURATION_DAYS"`
	AccessK               float64 `json:"access_k" yaml:"access_k" env:"TAMAGOTCHI_MEMORY_ACCESS_K"`
	ForgetFloor           float64 `json:"forget_floor" yaml:"forget_floor" env:"TAMAGOTCHI_MEMORY_FORGET_FLOOR"`
	// ReactivationDays are offsets from creation or last reinforcement.
	ReactivationDays      []int   `json:"reactivation_days" yaml:"reactivation_days" env:"TAMAGOTCHI_MEMORY_REACTIVATION_DAYS"`
	MaxTurnChars          int     `json:"max_turn_chars" yaml:"max_turn_chars" env:"TAMAGOTCHI_MEMORY_MAX_TURN_CHARS"`
	SessionIdleMinutes    int     `json:"session_idle_minutes" yaml:"session_idle_minutes" env:"TAMAGOTCHI_MEMORY_SESSION_IDLE_MINUTES"`
	ConsolidationTimeoutS int     `json:"consolidation_timeout_seconds" yaml:"consolidation_timeout_seconds" env:"TAMAGOTCHI_MEMORY_CONSOLIDATION_TIMEOUT_SECONDS"`
	Timezone              string  `json:"timezone" yaml:"timezone" env:"TAMAGOTCHI_MEMORY_TIMEZONE"`

	Salience memory.SalienceWeights `json:"salience" yaml:"salience"`
}

type StoreConfig struct {
	// Backend is "sqlite" or "badger".
	Backend   string `json:"backend" yaml:"backend" env:"TAMAGOTCHI_STORE_BACKEND"`
	Path      string `json:"path" yaml:"path" env:"TAMAGOTCHI_STORE_PATH"`
	TimeoutMS int    `json:"timeout_ms" yaml:"timeout_ms" env:"TAMAGOTCHI_STORE_TIMEOUT_MS"`
	MaxTries  uint   `json:"max_tries" yaml:"max_tries" env:"TAMAGOTCHI_STORE_MAX_TRIES"`

	InitialIntervalMS int `json:"initial_interval_ms" yaml:"initial_interval_ms" env:"TAMAGOTCHI_STORE_INITIAL_INTERVAL_MS"`
	MaxIntervalMS     int `json:"max_interval_ms" yaml:"max_interval_ms" env:"TAMAGOTCHI_STORE_MAX_INTERVAL_MS"`
}

type EmbeddingConfig struct {
	// Provider is "none", "chargram", "hash" or "openai".
	Provider        string `json:"provider" yaml:"provider" env:"TAMAGOTCHI_EMBEDDING_PROVIDER"`
	Model           string `json:"model" yaml:"model" env:"TAMAGOTCHI_EMBEDDING_MODEL"`
	APIKey          string `json:"api_key" yaml:"api_key" env:"TAMAGOTCHI_EMBEDDING_API_KEY"`
	BaseURL         string `json:"base_url,omitempty" yaml:"base_url,omitempty" env:"TAMAGOTCHI_EMBEDDING_BASE_URL"`
	Dimensions      int    `json:"dimensions" yaml:"dimensions" env:"TAMAGOTCHI_EMBEDDING_DIMENSIONS"`
	CacheSize       int64  `json:"cache_size" yaml:"cache_size" env:"TAMAGOTCHI_EMBEDDING_CACHE_SIZE"`
	CacheTTLMinutes int    `json:"cache_ttl_minutes" yaml:"cache_ttl_minutes" env:"TAMAGOTCHI_EMBEDDING_CACHE_TTL_MINUTES"`
	TimeoutMS       int    `json:"timeout_ms" yaml:"timeout_ms" env:"TAMAGOTCHI_EMBEDDING_TIMEOUT_MS"`
	MaxTries        uint   `json:"max_tries" yaml:"max_tries" env:"TAMAGOTCHI_EMBEDDING_MAX_TRIES"`
}

type SchedulerConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled" env:"TAMAGOTCHI_SCHEDULER_ENABLED"`
	Cron        string `json:"cron" yaml:"cron" env:"TAMAGOTCHI_SCHEDULER_CRON"`
	PollSeconds int    `json:"poll_seconds" yaml:"poll_seconds" env:"TAMAGOTCHI_SCHEDULER_POLL_SECONDS"`
}

type LogConfig struct {
	Level string `json:"level" yaml:"level" env:"TAMAGOTCHI_LOG_LEVEL"`
	JSON  bool   `json:"json" yaml:"json" env:"TAMAGOTCHI_LOG_JSON"`
}

func DefaultConfig() *Config {
	return &Config{
		Memory: MemoryConfig{
			TokenBudget:           memory.DefaultTokenBudget,
			CharsPerToken:         memory.DefaultCharsPerToken,
			TopicThreshold:        0.3,
			MaxGapMinutes:         10,
			MaxTurnsPerEvent:      10,
			MinTopicTurns:         3,
			PromotionThreshold:    0.6,
			FactTopK:              10,
			EventTopK:             2,
			EventWindowDays:       14,
			DecayRate:             0.2,
			DecayWindowDays:       7,
			DecaySaturationDays:   30,
			AccessK:               0.2,
			ForgetFloor:           0.1,
			ReactivationDays:      []int{1, 3, 7, 30},
			MaxTurnChars:          8000,
			SessionIdleMinutes:    30,
			ConsolidationTimeoutS: 30,
			Timezone:              "UTC",
			Salience:              memory.DefaultSalienceWeights(),
		},
		Store: StoreConfig{
			Backend:   "sqlite",
			Path:      "~/.tamagotchi/memory.db",
			TimeoutMS: 2000,
			MaxTries:  4,

			InitialIntervalMS: 50,
			MaxIntervalMS:     1000,
		},
		Embedding: EmbeddingConfig{
			Provider:        "chargram",
			Model:           "text-embedding-3-small",
			Dimensions:      256,
			CacheSize:       10000,
			CacheTTLMinutes: 60,
			TimeoutMS:       3000,
			MaxTries:        3,
		},
		Scheduler: SchedulerConfig{
			Enabled:     true,
			Cron:        memory.DefaultRolloverCron,
			PollSeconds: 30,
		},
		Log: LogConfig{
			Level: "INFO",
		},
	}
}

// LoadConfig reads a JSON or YAML file (chosen by extension) over the
// defaults, then applies TAMAGOTCHI_* environment overrides. A missing
// file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "sqlite", "badger":
	default:
		return fmt.Errorf("store.backend must be sqlite or badger, got %q", c.Store.Backend)
	}
	switch c.Embedding.Provider {
	case "", "none", "chargram", "hash", "openai":
	default:
		return fmt.Errorf("embedding.provider %q is not supported", c.Embedding.Provider)
	}
	if c.Memory.Timezone != "" {
		if _, err := time.LoadLocation(c.Memory.Timezone); err != nil {
			return fmt.Errorf("memory.timezone: %w", err)
		}
	}
	return nil
}

func (c *Config) StorePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Store.Path)
}

// MemoryConfig converts the file settings into the memory package config.
func (c *Config) MemoryConfig() memory.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m := c.Memory
	loc := time.UTC
	if m.Timezone != "" {
		if l, err := time.LoadLocation(m.Timezone); err == nil {
			loc = l
		}
	}
	return memory.Config{
		TopicThreshold:       m.TopicThreshold,
		MaxGap:               time.Duration(m.MaxGapMinutes) * time.Minute,
		MaxTurnsPerEvent:     m.MaxTurnsPerEvent,
		MinTopicTurns:        m.MinTopicTurns,
		Weights:              m.Salience,
		PromotionThreshold:   m.PromotionThreshold,
		TokenBudget:          m.TokenBudget,
		CharsPerToken:        m.CharsPerToken,
		FactTopK:             m.FactTopK,
		EventTopK:            m.EventTopK,
		EventWindow:          days(m.EventWindowDays),
		DecayRate:            m.DecayRate,
		DecayWindow:          days(m.DecayWindowDays),
		DecaySaturation:      days(m.DecaySaturationDays),
		AccessK:              m.AccessK,
		ForgetFloor:          m.ForgetFloor,
		ReactivationOffsets:  offsets(m.ReactivationDays),
		MaxTurnChars:         m.MaxTurnChars,
		SessionIdleTimeout:   time.Duration(m.SessionIdleMinutes) * time.Minute,
		ConsolidationTimeout: time.Duration(m.ConsolidationTimeoutS) * time.Second,
		EmbedTimeout:         time.Duration(c.Embedding.TimeoutMS) * time.Millisecond,
		Retry: memory.RetryPolicy{
			Timeout:         time.Duration(c.Store.TimeoutMS) * time.Millisecond,
			MaxTries:        c.Store.MaxTries,
			InitialInterval: time.Duration(c.Store.InitialIntervalMS) * time.Millisecond,
			MaxInterval:     time.Duration(c.Store.MaxIntervalMS) * time.Millisecond,
		},
		Location: loc,
	}
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

// offsets drops non-positive entries; an empty result lets the memory
// package fall back to its default schedule.
func offsets(ds []int) []time.Duration {
	var out []time.Duration
	for _, d := range ds {
		if d > 0 {
			out = append(out, days(d))
		}
	}
	return out
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
