package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jodaltro/tamagotchi/pkg/memory"
	"github.com/spf13/cobra"
)

type globalOptions struct {
	configPath string
	userID     string
	debug      bool
}

func executeCLI() error {
	root := buildRootCommand(true)
	if err := root.Execute(); err != nil {
		return err
	}
	return nil
}

func buildRootCommand(includeDocsCommand bool) *cobra.Command {
	var (
		showVersion bool
		opts        globalOptions
	)

	root := &cobra.Command{
		Use:   "tamagotchi",
		Short: "Long-term memory engine for conversational agents",
		Long: strings.TrimSpace(`tamagotchi turns a stream of conversation turns into durable memory:
commitments the agent made, facts about the user, and summarized episodes.

Use the CLI to feed turns interactively, inspect what would be recalled for a
query, generate daily digests, and run the background consolidation scheduler.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file (.json or .yaml); defaults to ~/.tamagotchi/config.json")
	root.PersistentFlags().StringVarP(&opts.userID, "user", "u", "default", "User id whose memory is used")
	root.PersistentFlags().BoolVarP(&opts.debug, "debug", "d", false, "Enable debug logging")

	root.AddCommand(newChatCommand(&opts))
	root.AddCommand(newTurnCommand(&opts))
	root.AddCommand(newRecallCommand(&opts))
	root.AddCommand(newDigestCommand(&opts))
	root.AddCommand(newRolloverCommand(&opts))
	root.AddCommand(newCommitmentsCommand(&opts))
	root.AddCommand(newSchedulerCommand(&opts))
	root.AddCommand(newVersionCommand())

	if includeDocsCommand {
		root.AddCommand(newDocsCommand(func() *cobra.Command { return buildRootCommand(false) }))
	}
	return root
}

func newChatCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Feed turns interactively and inspect recall",
		Long: strings.TrimSpace(`Start an interactive session. Each line is one exchange written as
"user text => agent reply"; the reply part is optional.

Lines starting with ":" are commands: :recall <query>, :end, :digest [date],
:metrics, :done <commitment-id>, :contradiction, :useful, :useless, :quit.`),
		Example: strings.Join([]string{
			"  tamagotchi chat",
			"  tamagotchi chat --user maria",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*opts)
			if err != nil {
				return err
			}
			defer a.Close()
			return runChat(cmd.Context(), a, opts.userID, cmd.OutOrStdout())
		},
	}
}

func newTurnCommand(opts *globalOptions) *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "turn <user-text> [agent-text]",
		Short: "Ingest one exchange and close the session",
		Args:  cobra.RangeArgs(1, 2),
		Example: strings.Join([]string{
			`  tamagotchi turn "Actually, my name is Maria" "Nice to meet you, Maria"`,
			`  tamagotchi turn "Can you remind me?" "I'll remind you tomorrow to buy milk"`,
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*opts)
			if err != nil {
				return err
			}
			defer a.Close()

			pair := memory.TurnPair{User: args[0]}
			if len(args) == 2 {
				pair.Agent = args[1]
			}
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				pair.At = t
			}
			ctx := cmd.Context()
			res, err := a.svc.ProcessTurn(ctx, opts.userID, pair)
			if err != nil {
				return err
			}
			report, err := a.svc.EndSession(ctx, opts.userID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "commitment_detected=%t correction_detected=%t open_loop_detected=%t\n",
				res.CommitmentDetected, res.CorrectionDetected, res.OpenLoopDetected)
			printSessionReport(out, report)
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "Turn timestamp (RFC3339); defaults to now")
	return cmd
}

func newRecallCommand(opts *globalOptions) *cobra.Command {
	var budget int

	cmd := &cobra.Command{
		Use:     "recall <query>",
		Short:   "Print the context bundle retrieved for a query",
		Args:    cobra.MinimumNArgs(1),
		Example: `  tamagotchi recall "what did I promise about milk" --budget 300`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*opts)
			if err != nil {
				return err
			}
			defer a.Close()

			bundle, err := a.svc.Retrieve(cmd.Context(), opts.userID, strings.Join(args, " "), budget)
			if err != nil {
				return err
			}
			printBundle(cmd.OutOrStdout(), bundle)
			return nil
		},
	}
	cmd.Flags().IntVarP(&budget, "budget", "b", memory.ConfiguredBudget, "Token budget (negative uses the configured default)")
	return cmd
}

func newDigestCommand(opts *globalOptions) *cobra.Command {
	var date string

	cmd := &cobra.Command{
		Use:     "digest",
		Short:   "Show the daily digest, generating it when missing",
		Example: "  tamagotchi digest --date 2026-03-14",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if date == "" {
				date = time.Now().In(a.svc.Config().Location).Format("2006-01-02")
			}
			d, err := a.svc.GetDailyDigest(cmd.Context(), opts.userID, date)
			if err != nil {
				return err
			}
			printDigest(cmd.OutOrStdout(), d)
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "Day as YYYY-MM-DD (defaults to today)")
	return cmd
}

func newRolloverCommand(opts *globalOptions) *cobra.Command {
	var (
		date string
		all  bool
	)

	cmd := &cobra.Command{
		Use:   "rollover",
		Short: "Run the end-of-day pass: digest, fact decay and reactivation",
		Example: strings.Join([]string{
			"  tamagotchi rollover",
			"  tamagotchi rollover --date 2026-03-14 --all",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*opts)
			if err != nil {
				return err
			}
			defer a.Close()

			loc := a.svc.Config().Location
			day := time.Now().In(loc).AddDate(0, 0, -1)
			if date != "" {
				day, err = time.ParseInLocation("2006-01-02", date, loc)
				if err != nil {
					return fmt.Errorf("--date: %w", err)
				}
			}
			out := cmd.OutOrStdout()
			if all {
				sched, err := memory.NewScheduler(a.svc, memory.SchedulerConfig{Cron: a.cfg.Scheduler.Cron})
				if err != nil {
					return err
				}
				n := sched.RolloverAll(cmd.Context(), day)
				fmt.Fprintf(out, "rolled over %d users for %s\n", n, day.Format("2006-01-02"))
				return nil
			}
			d, err := a.svc.RolloverDay(cmd.Context(), opts.userID, day)
			if err != nil {
				return err
			}
			printDigest(out, d)
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "Day as YYYY-MM-DD (defaults to yesterday)")
	cmd.Flags().BoolVar(&all, "all", false, "Roll over every stored user")
	return cmd
}

func newCommitmentsCommand(opts *globalOptions) *cobra.Command {
	var status string

	root := &cobra.Command{
		Use:     "commitments",
		Short:   "List and resolve agent commitments",
		Example: "  tamagotchi commitments --status active",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*opts)
			if err != nil {
				return err
			}
			defer a.Close()

			cs, err := a.svc.ListCommitments(cmd.Context(), opts.userID, memory.CommitmentStatus(status))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(cs) == 0 {
				fmt.Fprintln(out, "No commitments.")
				return nil
			}
			for _, c := range cs {
				due := "-"
				if c.HasDue() {
					due = c.Due.Format("2006-01-02")
				}
				fmt.Fprintf(out, "%s  %-7s  due %-10s  %s\n", c.ID, c.Status, due, c.Description)
			}
			return nil
		},
	}
	root.Flags().StringVarP(&status, "status", "s", "", "Filter by status: active, done or expired")

	root.AddCommand(&cobra.Command{
		Use:     "done <id>",
		Short:   "Mark a commitment fulfilled",
		Args:    cobra.ExactArgs(1),
		Example: "  tamagotchi commitments done cmt-1234",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*opts)
			if err != nil {
				return err
			}
			defer a.Close()

			changed, err := a.svc.MarkCommitmentDone(cmd.Context(), opts.userID, args[0])
			if err != nil {
				return err
			}
			if changed {
				fmt.Fprintf(cmd.OutOrStdout(), "Commitment %s marked done.\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Commitment %s was already closed.\n", args[0])
			}
			return nil
		},
	})
	return root
}

func newSchedulerCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "scheduler",
		Short:   "Run idle-session consolidation and the nightly rollover until interrupted",
		Example: "  tamagotchi scheduler --config ~/.tamagotchi/config.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*opts)
			if err != nil {
				return err
			}
			defer a.Close()

			sched, err := memory.NewScheduler(a.svc, memory.SchedulerConfig{
				Cron: a.cfg.Scheduler.Cron,
				Poll: time.Duration(a.cfg.Scheduler.PollSeconds) * time.Second,
			})
			if err != nil {
				return err
			}
			sched.Start()
			defer sched.Stop()

			fmt.Fprintf(cmd.OutOrStdout(), "Scheduler running (rollover cron %q). Press Ctrl+C to stop.\n", a.cfg.Scheduler.Cron)
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  tamagotchi version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion()
			return nil
		},
	}
}
