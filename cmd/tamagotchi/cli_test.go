package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jodaltro/tamagotchi/pkg/memory"
)

func runRootCommandForTest(args ...string) (string, error) {
	root := buildRootCommand(false)
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestRootHelpListsCommands(t *testing.T) {
	output, err := runRootCommandForTest("--help")
	if err != nil {
		t.Fatalf("execute --help: %v\nOutput:\n%s", err, output)
	}
	for _, name := range []string{"chat", "turn", "recall", "digest", "rollover", "commitments", "scheduler", "version"} {
		if !strings.Contains(output, name) {
			t.Fatalf("root help is missing %q:\n%s", name, output)
		}
	}
	if strings.Contains(output, "docs") {
		t.Fatalf("docs command should not be registered without includeDocsCommand:\n%s", output)
	}
}

func TestCommitmentsHelpShowsDone(t *testing.T) {
	output, err := runRootCommandForTest("commitments", "--help")
	if err != nil {
		t.Fatalf("execute commitments --help: %v", err)
	}
	if !strings.Contains(output, "done") {
		t.Fatalf("commitments help is missing the done subcommand:\n%s", output)
	}
}

func TestRootRequiresSubcommand(t *testing.T) {
	if _, err := runRootCommandForTest(); err == nil {
		t.Fatal("expected an error when no subcommand is given")
	}
}

func newTestService(t *testing.T) *memory.Service {
	t.Helper()
	store, err := memory.NewBadgerStore(memory.BadgerOptions{InMemory: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	svc := memory.NewService(store, nil, memory.Config{})
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestHandleChatLine(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	out := &bytes.Buffer{}

	if quit := handleChatLine(ctx, svc, "maria", "Can you help me with groceries => I'll remind you tomorrow to buy milk", out); quit {
		t.Fatal("a turn must not end the chat")
	}
	if !strings.Contains(out.String(), "commitment") {
		t.Fatalf("expected commitment flag, got %q", out.String())
	}

	out.Reset()
	handleChatLine(ctx, svc, "maria", ":recall milk", out)
	if !strings.Contains(out.String(), "## Commitments") {
		t.Fatalf("expected recalled commitment, got %q", out.String())
	}

	out.Reset()
	handleChatLine(ctx, svc, "maria", ":metrics", out)
	if !strings.Contains(out.String(), "commitment_resolution_rate=0.00") {
		t.Fatalf("unexpected metrics output %q", out.String())
	}

	if quit := handleChatLine(ctx, svc, "maria", ":quit", out); !quit {
		t.Fatal(":quit should end the chat")
	}
}

func TestHandleChatLineReportsMalformedTurn(t *testing.T) {
	svc := newTestService(t)
	out := &bytes.Buffer{}

	handleChatLine(context.Background(), svc, "maria", "=> only the agent spoke", out)
	if !strings.Contains(out.String(), "Error:") {
		t.Fatalf("expected malformed input error, got %q", out.String())
	}
}

func TestRenderReferences(t *testing.T) {
	pages, err := renderReferences(buildRootCommand(false))
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, rel := range []string{
		filepath.Join("reference", "cli", "tamagotchi_recall.md"),
		filepath.Join("reference", "man", "tamagotchi_commitments_done.1"),
	} {
		if len(pages[rel]) == 0 {
			t.Fatalf("missing page %s", rel)
		}
	}
	cfgRef := string(pages[filepath.Join("reference", "config.md")])
	if !strings.Contains(cfgRef, "`memory.reactivation_days`") || !strings.Contains(cfgRef, "TAMAGOTCHI_STORE_BACKEND") {
		t.Fatalf("config reference is incomplete:\n%s", cfgRef)
	}
	memRef := string(pages[filepath.Join("reference", "memory.md")])
	if !strings.Contains(memRef, "schedule: +1 day, +3 days, +7 days, +30 days") {
		t.Fatalf("memory reference is missing the reactivation schedule:\n%s", memRef)
	}

	dir := t.TempDir()
	if err := checkReferences(pages, dir); err == nil {
		t.Fatal("check should fail against an empty docs dir")
	}
	if err := writeReferences(pages, dir); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := checkReferences(pages, dir); err != nil {
		t.Fatalf("freshly written docs should pass the check: %v", err)
	}
}
