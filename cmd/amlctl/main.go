// Command amlctl is the operator CLI: one-off wallet checks, registering
// tracked addresses and running a single tracking cycle.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/prateushsharma/amlbot/internal/config"
	"github.com/prateushsharma/amlbot/internal/logging"
	"github.com/prateushsharma/amlbot/internal/server"
	"github.com/prateushsharma/amlbot/internal/tracking"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// errNoPersistentStore is returned by commands whose writes would vanish
// with the process.
var errNoPersistentStore = errors.New("no persistent store configured: set DATABASE_URL or BADGER_PATH")

type app struct {
	logLevel string
	jsonOut  bool
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "amlctl",
		Short:        "Wallet risk checks and tracking from the command line",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "print JSON instead of text")

	root.AddCommand(a.checkCmd(), a.trackCmd(), a.scanOnceCmd())
	return root
}

// build loads config and wires components. Extra options override the
// configured ones.
func (a *app) build(ctx context.Context, stderr io.Writer, opts ...server.BuildOption) (*server.Components, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	cfg.StreamEnabled = false // nobody can connect to a CLI process
	logger := logging.NewWithWriter(stderr, a.logLevel, "text")
	return server.Build(ctx, cfg, logger, opts...)
}

func (a *app) checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <chain> <address>",
		Short: "Score a wallet from its recent on-chain activity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			// A check never touches tracked state.
			c, err := a.build(ctx, cmd.ErrOrStderr(),
				server.WithStore(tracking.NewMemoryStore()),
				server.WithNotifier(tracking.NotifierFunc(func(context.Context, string, string) error { return nil })),
			)
			if err != nil {
				return err
			}
			defer c.Close()

			id, err := c.Catalog.Parse(args[0])
			if err != nil {
				return err
			}
			assessment, err := c.Evaluator.Evaluate(ctx, id, args[1])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if a.jsonOut {
				return writeJSON(out, assessment)
			}
			fmt.Fprintf(out, "Chain:   %s\n", assessment.Chain)
			fmt.Fprintf(out, "Address: %s\n", assessment.Address)
			fmt.Fprintf(out, "Level:   %s (score %d)\n", assessment.Level, assessment.Score)
			fmt.Fprintf(out, "Txs:     %d in %d blocks\n", assessment.TxCount, assessment.BlocksScanned)
			for _, r := range assessment.Reasons {
				fmt.Fprintf(out, "  - %s\n", r)
			}
			fmt.Fprintln(out, assessment.ExplorerURL)
			return nil
		},
	}
}

func (a *app) trackCmd() *cobra.Command {
	var req tracking.RegisterRequest
	cmd := &cobra.Command{
		Use:   "track",
		Short: "Register an address for periodic tracking",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, err := a.build(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer c.Close()

			if _, ok := c.Store.(*tracking.MemoryStore); ok {
				return errNoPersistentStore
			}

			t, err := c.Service.RegisterTracked(ctx, req)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if a.jsonOut {
				return writeJSON(out, t)
			}
			fmt.Fprintf(out, "Tracking %s on %s as %s (mode %s)\n", t.DisplayName(), t.Chain, t.ID, t.Mode)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&req.SubscriberID, "subscriber", "", "subscriber external id (chat id)")
	f.StringVar(&req.Chain, "chain", "", "chain id (eth, base, avax, ...)")
	f.StringVar(&req.Address, "address", "", "wallet address")
	f.StringVar(&req.Label, "label", "", "display label")
	f.StringVar(&req.MinAmount, "min-amount", "", "minimum amount that triggers an alert")
	f.BoolVar(&req.NotifyAny, "notify-any", false, "alert on every transaction regardless of amount")
	f.StringVar(&req.Mode, "mode", string(tracking.ModeTransactions), "transactions or risk_level")
	_ = cmd.MarkFlagRequired("subscriber")
	_ = cmd.MarkFlagRequired("chain")
	_ = cmd.MarkFlagRequired("address")
	return cmd
}

func (a *app) scanOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan-once",
		Short: "Run a single tracking cycle against the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, err := a.build(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer c.Close()

			report := c.Scheduler.RunCycle(ctx)

			out := cmd.OutOrStdout()
			if a.jsonOut {
				if err := writeJSON(out, reportView(report)); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "cycle %s: %d listed, %d scanned, %d failed, %d alerts, %d notify failures, %d redelivered, %d abandoned in %s\n",
					report.ID, report.Listed, report.Scanned, report.Failed,
					report.Alerts, report.NotifyFailures, report.Redelivered, report.Abandoned, report.Duration)
			}
			return report.Err
		},
	}
}

func reportView(r tracking.CycleReport) map[string]any {
	v := map[string]any{
		"id":             r.ID,
		"listed":         r.Listed,
		"scanned":        r.Scanned,
		"failed":         r.Failed,
		"alerts":         r.Alerts,
		"notifyFailures": r.NotifyFailures,
		"redelivered":    r.Redelivered,
		"abandoned":      r.Abandoned,
		"durationMs":     r.Duration.Milliseconds(),
	}
	if r.Err != nil {
		v["error"] = r.Err.Error()
	}
	return v
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
