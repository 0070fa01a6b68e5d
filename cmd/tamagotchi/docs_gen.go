package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/jodaltro/tamagotchi/pkg/config"
	"github.com/jodaltro/tamagotchi/pkg/memory"
	"github.com/spf13/cobra"
	cobraDoc "github.com/spf13/cobra/doc"
)

func newDocsCommand(rootFactory func() *cobra.Command) *cobra.Command {
	docsRoot := &cobra.Command{
		Use:    "docs",
		Short:  "Reference docs maintenance",
		Hidden: true,
	}

	var (
		outputDir string
		checkOnly bool
	)
	gen := &cobra.Command{
		Use:   "generate",
		Short: "Render the CLI, config and memory-model references",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(outputDir) == "" {
				return fmt.Errorf("--output must not be empty")
			}
			pages, err := renderReferences(rootFactory())
			if err != nil {
				return err
			}
			if checkOnly {
				return checkReferences(pages, outputDir)
			}
			return writeReferences(pages, outputDir)
		},
	}
	gen.Flags().StringVar(&outputDir, "output", "docs", "Docs directory root")
	gen.Flags().BoolVar(&checkOnly, "check", false, "Fail if the docs on disk are stale")

	docsRoot.AddCommand(gen)
	return docsRoot
}

// renderReferences returns every reference page keyed by its path relative
// to the docs root.
func renderReferences(root *cobra.Command) (map[string][]byte, error) {
	pages := map[string][]byte{}
	root.DisableAutoGenTag = true

	var walk func(cmd *cobra.Command) error
	walk = func(cmd *cobra.Command) error {
		if cmd.Hidden || cmd.Name() == "help" {
			return nil
		}
		cmd.DisableAutoGenTag = true
		base := strings.ReplaceAll(cmd.CommandPath(), " ", "_")

		var md bytes.Buffer
		fmt.Fprintf(&md, "# %s\n\n", cmd.CommandPath())
		if err := cobraDoc.GenMarkdownCustom(cmd, &md, func(name string) string { return name }); err != nil {
			return fmt.Errorf("markdown for %s: %w", cmd.CommandPath(), err)
		}
		pages[filepath.Join("reference", "cli", base+".md")] = md.Bytes()

		var man bytes.Buffer
		header := &cobraDoc.GenManHeader{Section: "1", Source: appName}
		if err := cobraDoc.GenMan(cmd, header, &man); err != nil {
			return fmt.Errorf("man page for %s: %w", cmd.CommandPath(), err)
		}
		pages[filepath.Join("reference", "man", base+".1")] = man.Bytes()

		for _, child := range cmd.Commands() {
			if err := walk(child); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}

	cfgRef, err := configReference()
	if err != nil {
		return nil, err
	}
	pages[filepath.Join("reference", "config.md")] = []byte(cfgRef)
	pages[filepath.Join("reference", "memory.md")] = []byte(memoryReference(memory.DefaultConfig()))
	return pages, nil
}

func writeReferences(pages map[string][]byte, outDir string) error {
	for rel, data := range pages {
		path := filepath.Join(outDir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func checkReferences(pages map[string][]byte, outDir string) error {
	rels := make([]string, 0, len(pages))
	for rel := range pages {
		rels = append(rels, rel)
	}
	sort.Strings(rels)
	for _, rel := range rels {
		current, err := os.ReadFile(filepath.Join(outDir, rel))
		if err != nil {
			return fmt.Errorf("docs out of date: missing %s", rel)
		}
		if !bytes.Equal(pages[rel], current) {
			return fmt.Errorf("docs out of date: %s differs; run `%s docs generate`", rel, appName)
		}
	}
	return nil
}

type configRow struct {
	Key     string
	Type    string
	Env     string
	Default string
}

// configReference renders one table per top-level config section, keyed by
// the YAML names accepted in config files.
func configReference() (string, error) {
	defaults, err := configDefaults()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("# Config Reference\n\n")
	b.WriteString("Files may be JSON or YAML. Every key can be overridden by its environment variable.\n")

	t := reflect.TypeOf(config.Config{})
	for i := 0; i < t.NumField(); i++ {
		section := t.Field(i)
		name := tagName(section, "yaml")
		if !section.IsExported() || name == "" {
			continue
		}
		var rows []configRow
		collectRows(section.Type, name, defaults, &rows)
		sort.Slice(rows, func(a, b int) bool { return rows[a].Key < rows[b].Key })

		fmt.Fprintf(&b, "\n## %s\n\n", name)
		b.WriteString("| Key | Type | Env | Default |\n| --- | --- | --- | --- |\n")
		for _, r := range rows {
			fmt.Fprintf(&b, "| `%s` | `%s` | `%s` | `%s` |\n", r.Key, r.Type, orDash(r.Env), orDash(r.Default))
		}
	}
	return b.String(), nil
}

func collectRows(t reflect.Type, prefix string, defaults map[string]string, rows *[]configRow) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name := tagName(f, "yaml")
		if !f.IsExported() || name == "" {
			continue
		}
		key := prefix + "." + name
		if f.Type.Kind() == reflect.Struct {
			collectRows(f.Type, key, defaults, rows)
			continue
		}
		*rows = append(*rows, configRow{
			Key:     key,
			Type:    typeName(f.Type),
			Env:     f.Tag.Get("env"),
			Default: defaults[key],
		})
	}
}

// configDefaults flattens DefaultConfig into dotted yaml keys. The json and
// yaml tags share names, so the json encoding is used as the source.
func configDefaults() (map[string]string, error) {
	data, err := json.Marshal(config.DefaultConfig())
	if err != nil {
		return nil, err
	}
	var tree map[string]interface{}
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	out := map[string]string{}
	var flatten func(prefix string, v interface{})
	flatten = func(prefix string, v interface{}) {
		if m, ok := v.(map[string]interface{}); ok {
			for k, child := range m {
				if prefix == "" {
					flatten(k, child)
				} else {
					flatten(prefix+"."+k, child)
				}
			}
			return
		}
		encoded, _ := json.Marshal(v)
		out[prefix] = string(encoded)
	}
	flatten("", tree)
	return out, nil
}

// memoryReference documents the effective memory-model constants.
func memoryReference(cfg memory.Config) string {
	var b strings.Builder
	b.WriteString("# Memory Model Defaults\n\n")

	b.WriteString("## Segmentation\n\n")
	fmt.Fprintf(&b, "- topic distance threshold: %.2f (after %d turns)\n", cfg.TopicThreshold, cfg.MinTopicTurns)
	fmt.Fprintf(&b, "- max gap between turns: %s\n", cfg.MaxGap)
	fmt.Fprintf(&b, "- max turns per event: %d\n", cfg.MaxTurnsPerEvent)

	w := cfg.Weights
	b.WriteString("\n## Salience\n\n")
	fmt.Fprintf(&b, "- weights: recency %.2f, repetition %.2f, novelty %.2f, emotion %.2f, explicit %.2f\n",
		w.Recency, w.Repetition, w.Novelty, w.Emotion, w.Explicit)
	fmt.Fprintf(&b, "- promotion threshold: %.2f\n", cfg.PromotionThreshold)

	b.WriteString("\n## Retrieval\n\n")
	fmt.Fprintf(&b, "- token budget: %d (%.1f chars per token)\n", cfg.TokenBudget, cfg.CharsPerToken)
	fmt.Fprintf(&b, "- pools: commitments, then top %d facts, then top %d events from the last %s\n",
		cfg.FactTopK, cfg.EventTopK, humanDays(cfg.EventWindow))

	b.WriteString("\n## Decay\n\n")
	fmt.Fprintf(&b, "- rate %.2f per week after a %s grace window, saturating at %s\n",
		cfg.DecayRate, humanDays(cfg.DecayWindow), humanDays(cfg.DecaySaturation))
	fmt.Fprintf(&b, "- access damping k: %.2f\n", cfg.AccessK)
	fmt.Fprintf(&b, "- forgetting floor: %.2f\n", cfg.ForgetFloor)

	b.WriteString("\n## Reactivation\n\n")
	offsets := make([]string, len(cfg.ReactivationOffsets))
	for i, d := range cfg.ReactivationOffsets {
		offsets[i] = "+" + humanDays(d)
	}
	fmt.Fprintf(&b, "- schedule: %s\n", strings.Join(offsets, ", "))
	fmt.Fprintf(&b, "- session idle timeout: %s\n", cfg.SessionIdleTimeout)
	return b.String()
}

func humanDays(d time.Duration) string {
	days := int(d / (24 * time.Hour))
	if days == 1 {
		return "1 day"
	}
	return fmt.Sprintf("%d days", days)
}

func tagName(f reflect.StructField, key string) string {
	name := strings.TrimSpace(strings.Split(f.Tag.Get(key), ",")[0])
	if name == "-" {
		return ""
	}
	return name
}

func typeName(t reflect.Type) string {
	switch t.Kind() {
	case reflect.Int, reflect.Int64, reflect.Uint:
		return "int"
	case reflect.Float64:
		return "float"
	case reflect.Slice:
		return "list<" + typeName(t.Elem()) + ">"
	default:
		return t.Kind().String()
	}
}

func orDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}
