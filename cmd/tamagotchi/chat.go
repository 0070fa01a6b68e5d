package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/jodaltro/tamagotchi/pkg/memory"
)

const turnSeparator = "=>"

func runChat(ctx context.Context, a *app, userID string, out io.Writer) error {
	fmt.Fprintf(out, "%s memory chat for %q. Type :quit to leave.\n\n", appName, userID)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".tamagotchi_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(out, "Error initializing readline: %v\n", err)
		fmt.Fprintln(out, "Falling back to simple input mode...")
		return simpleChat(ctx, a, userID, os.Stdin, out)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				break
			}
			fmt.Fprintf(out, "Error reading input: %v\n", err)
			continue
		}
		if quit := handleChatLine(ctx, a.svc, userID, line, out); quit {
			break
		}
	}
	return endChat(ctx, a.svc, userID, out)
}

func simpleChat(ctx context.Context, a *app, userID string, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "you> ")
		if !scanner.Scan() {
			break
		}
		if quit := handleChatLine(ctx, a.svc, userID, scanner.Text(), out); quit {
			break
		}
	}
	return endChat(ctx, a.svc, userID, out)
}

func endChat(ctx context.Context, svc *memory.Service, userID string, out io.Writer) error {
	report, err := svc.EndSession(ctx, userID)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	printSessionReport(out, report)
	fmt.Fprintln(out, "Goodbye!")
	return nil
}

// handleChatLine runs one REPL line and reports whether the session should end.
func handleChatLine(ctx context.Context, svc *memory.Service, userID, line string, out io.Writer) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return false
	}
	if input == "exit" || input == "quit" {
		return true
	}
	if strings.HasPrefix(input, ":") {
		return runChatCommand(ctx, svc, userID, input, out)
	}

	pair := memory.TurnPair{At: time.Now()}
	if i := strings.Index(input, turnSeparator); i >= 0 {
		pair.User = strings.TrimSpace(input[:i])
		pair.Agent = strings.TrimSpace(input[i+len(turnSeparator):])
	} else {
		pair.User = input
	}
	res, err := svc.ProcessTurn(ctx, userID, pair)
	if err != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
		return false
	}
	var flags []string
	if res.CommitmentDetected {
		flags = append(flags, "commitment")
	}
	if res.CorrectionDetected {
		flags = append(flags, "correction")
	}
	if res.OpenLoopDetected {
		flags = append(flags, "open loop")
	}
	if res.EventsCreated > 0 {
		flags = append(flags, fmt.Sprintf("%d event(s) written", res.EventsCreated))
	}
	if len(flags) > 0 {
		fmt.Fprintf(out, "  [%s]\n", strings.Join(flags, ", "))
	}
	return false
}

func runChatCommand(ctx context.Context, svc *memory.Service, userID, input string, out io.Writer) bool {
	name, arg, _ := strings.Cut(strings.TrimPrefix(input, ":"), " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "quit", "q", "exit":
		return true
	case "recall":
		bundle, err := svc.Retrieve(ctx, userID, arg, memory.ConfiguredBudget)
		if err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
			return false
		}
		printBundle(out, bundle)
	case "end":
		report, err := svc.EndSession(ctx, userID)
		if err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
			return false
		}
		printSessionReport(out, report)
	case "digest":
		date := arg
		if date == "" {
			date = time.Now().In(svc.Config().Location).Format("2006-01-02")
		}
		d, err := svc.GetDailyDigest(ctx, userID, date)
		if err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
			return false
		}
		printDigest(out, d)
	case "metrics":
		printMetrics(out, svc.GetMetrics(userID))
	case "done":
		changed, err := svc.MarkCommitmentDone(ctx, userID, arg)
		if err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
			return false
		}
		fmt.Fprintf(out, "  done: %t\n", changed)
	case "contradiction":
		svc.RecordContradiction(userID)
	case "useful", "useless":
		svc.RecordRecall(userID, name == "useful")
	default:
		fmt.Fprintf(out, "Unknown command :%s\n", name)
	}
	return false
}

func printBundle(out io.Writer, b memory.ContextBundle) {
	text := memory.FormatBundle(b)
	if text == "" {
		text = "(nothing recalled)"
	}
	fmt.Fprintln(out, text)
	fmt.Fprintf(out, "\n~%d/%d tokens", b.EstimatedTokens, b.Budget)
	if b.Truncated {
		fmt.Fprint(out, ", truncated")
	}
	if len(b.DegradedPools) > 0 {
		fmt.Fprintf(out, ", skipped pools: %s", strings.Join(b.DegradedPools, ", "))
	}
	fmt.Fprintln(out)
}

func printDigest(out io.Writer, d memory.DailyDigest) {
	fmt.Fprintf(out, "Digest %s\n\n%s\n\n", d.Date, d.Card)
	printList(out, "New facts", d.NewFacts)
	printList(out, "Active commitments", d.ActiveCommitments)
	printList(out, "Open topics", d.OpenTopics)
	fmt.Fprintf(out, "Next step: %s\n", d.NextStep)
}

func printList(out io.Writer, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(out, "%s:\n", title)
	for _, it := range items {
		fmt.Fprintf(out, "  - %s\n", it)
	}
}

func printSessionReport(out io.Writer, r memory.SessionReport) {
	fmt.Fprintf(out, "events_created=%d facts_promoted=%d commitments_checked=%d\n",
		r.EventsCreated, r.FactsPromoted, r.CommitmentsChecked)
}

func printMetrics(out io.Writer, m memory.MetricsSnapshot) {
	fmt.Fprintf(out, "commitment_resolution_rate=%.2f\n", m.CommitmentResolution)
	fmt.Fprintf(out, "thread_closure_latency_seconds=%.1f\n", m.ThreadClosureLatency)
	fmt.Fprintf(out, "self_consistency_per_100_turns=%.2f\n", m.SelfConsistencyPer100)
	fmt.Fprintf(out, "recall_utility=%.2f\n", m.RecallUtility)
	fmt.Fprintf(out, "avg_tokens_per_turn=%.1f\n", m.AvgTokensPerTurn)
	fmt.Fprintf(out, "avg_bundle_tokens=%.1f\n", m.AvgBundleTokens)
	fmt.Fprintf(out, "loops_opened=%d loops_closed=%d\n", m.LoopsOpened, m.LoopsClosed)
}
