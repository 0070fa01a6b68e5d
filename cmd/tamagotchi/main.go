// Tamagotchi - long-term memory engine for conversational agents
// License: MIT
//
// Copyright (c) 2026 Tamagotchi contributors

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/jodaltro/tamagotchi/pkg/config"
	"github.com/jodaltro/tamagotchi/pkg/embedder"
	"github.com/jodaltro/tamagotchi/pkg/logger"
	"github.com/jodaltro/tamagotchi/pkg/memory"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const appName = "tamagotchi"

// formatVersion returns the version string with optional git commit
func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func formatBuildInfo() (build string, goVer string) {
	if buildTime != "" {
		build = buildTime
	}
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func printVersion() {
	fmt.Printf("%s %s\n", appName, formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		fmt.Printf("  Build: %s\n", build)
	}
	if goVer != "" {
		fmt.Printf("  Go: %s\n", goVer)
	}
}

func defaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".tamagotchi", "config.json")
}

// app holds everything a command needs after configuration is loaded.
type app struct {
	cfg *config.Config
	svc *memory.Service
}

func openApp(opts globalOptions) (*app, error) {
	path := opts.configPath
	if path == "" {
		path = defaultConfigPath()
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger.SetOutput(os.Stderr, cfg.Log.JSON)
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	if opts.debug {
		logger.SetLevel(logger.DEBUG)
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	emb, err := embedder.New(cfg.Embedding)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("embedder: %w", err)
	}
	return &app{cfg: cfg, svc: memory.NewService(store, emb, cfg.MemoryConfig())}, nil
}

func openStore(cfg *config.Config) (memory.Store, error) {
	path := cfg.StorePath()
	switch strings.ToLower(cfg.Store.Backend) {
	case "badger":
		s, err := memory.NewBadgerStore(memory.BadgerOptions{Dir: path})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
		s, err := memory.NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

func (a *app) Close() {
	if err := a.svc.Close(); err != nil {
		logger.WarnCF("cli", "Close failed", map[string]interface{}{"error": err.Error()})
	}
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
