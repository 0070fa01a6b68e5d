package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestDefaultConfig_MemoryDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Memory.TokenBudget != 1200 {
		t.Errorf("TokenBudget = %d, want 1200", cfg.Memory.TokenBudget)
	}
	if cfg.Memory.PromotionThreshold != 0.6 {
		t.Errorf("PromotionThreshold = %v, want 0.6", cfg.Memory.PromotionThreshold)
	}
	if cfg.Memory.ForgetFloor != 0.1 {
		t.Errorf("ForgetFloor = %v, want 0.1", cfg.Memory.ForgetFloor)
	}
	if cfg.Store.Backend != "sqlite" {
		t.Errorf("Store.Backend = %q, want sqlite", cfg.Store.Backend)
	}
	if !cfg.Scheduler.Enabled {
		t.Error("scheduler should be enabled by default")
	}
}

func TestMemoryConfig_Conversion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Memory.MaxGapMinutes = 5
	cfg.Memory.Timezone = "UTC"
	cfg.Store.MaxTries = 2

	m := cfg.MemoryConfig()
	if m.MaxGap != 5*time.Minute {
		t.Fatalf("MaxGap = %v, want 5m", m.MaxGap)
	}
	if m.EventWindow != 14*24*time.Hour {
		t.Fatalf("EventWindow = %v, want 14d", m.EventWindow)
	}
	if m.Retry.MaxTries != 2 {
		t.Fatalf("Retry.MaxTries = %d, want 2", m.Retry.MaxTries)
	}
	if m.Location != time.UTC {
		t.Fatalf("Location = %v, want UTC", m.Location)
	}
}

func TestSaveConfig_FilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file permission bits are not enforced on Windows")
	}

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	cfg := DefaultConfig()
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}

	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("config file has permission %04o, want 0600", perm)
	}
}

func TestLoadConfig_YAMLRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.Store.Backend = "badger"
	cfg.Store.Path = "/tmp/tamagotchi-badger"
	cfg.Embedding.Provider = "hash"
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Store.Backend != "badger" {
		t.Fatalf("expected backend badger, got %q", loaded.Store.Backend)
	}
	if loaded.Embedding.Provider != "hash" {
		t.Fatalf("expected provider hash, got %q", loaded.Embedding.Provider)
	}
	if loaded.Memory.Salience.Explicit != 0.25 {
		t.Fatalf("expected salience weights to survive, got %+v", loaded.Memory.Salience)
	}
}

func TestLoadConfig_EnvOverridesWithoutFile(t *testing.T) {
	t.Setenv("TAMAGOTCHI_STORE_BACKEND", "badger")
	t.Setenv("TAMAGOTCHI_MEMORY_TOKEN_BUDGET", "600")
	path := filepath.Join(t.TempDir(), "missing-config.json")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if got := cfg.Store.Backend; got != "badger" {
		t.Fatalf("expected env override backend, got %q", got)
	}
	if got := cfg.Memory.TokenBudget; got != 600 {
		t.Fatalf("expected env override budget, got %d", got)
	}
}

func TestLoadConfig_RejectsUnknownBackend(t *testing.T) {
	t.Setenv("TAMAGOTCHI_STORE_BACKEND", "postgres")
	path := filepath.Join(t.TempDir(), "missing-config.json")

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for unknown store backend")
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandHome("~/x/memory.db"); got != home+"/x/memory.db" {
		t.Fatalf("expandHome = %q", got)
	}
	if got := expandHome("/abs/path"); got != "/abs/path" {
		t.Fatalf("expandHome changed an absolute path: %q", got)
	}
}

func TestMemoryConfig_ReactivationAndRetryKnobs(t *testing.T) {
	t.Setenv("TAMAGOTCHI_MEMORY_REACTIVATION_DAYS", "2,0,5")
	t.Setenv("TAMAGOTCHI_STORE_INITIAL_INTERVAL_MS", "10")
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	m := cfg.MemoryConfig()
	if len(m.ReactivationOffsets) != 2 || m.ReactivationOffsets[1] != 5*24*time.Hour {
		t.Fatalf("ReactivationOffsets = %v, want [48h 120h]", m.ReactivationOffsets)
	}
	if m.Retry.InitialInterval != 10*time.Millisecond || m.Retry.MaxInterval != time.Second {
		t.Fatalf("unexpected retry policy %+v", m.Retry)
	}
	if m.MinTopicTurns != 3 || m.DecaySaturation != 30*24*time.Hour || m.MaxTurnChars != 8000 {
		t.Fatalf("unexpected defaults %+v", m)
	}
}
