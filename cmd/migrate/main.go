// Command migrate manages the PostgreSQL schema used by the tracking store.
//
//	migrate up
//	migrate down
//	migrate status
//	migrate up-to 1
//	migrate --database-url postgres://... version
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/prateushsharma/amlbot/internal/config"
	"github.com/prateushsharma/amlbot/internal/logging"
	"github.com/prateushsharma/amlbot/migrations"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var dsn string

	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Apply or inspect the tracking schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dsn, "database-url", "", "PostgreSQL DSN (default $DATABASE_URL)")

	run := func(command string, nargs int) *cobra.Command {
		use := command
		if nargs > 0 {
			use += " <version>"
		}
		return &cobra.Command{
			Use:   use,
			Short: "goose " + command,
			Args:  cobra.ExactArgs(nargs),
			RunE: func(cmd *cobra.Command, args []string) error {
				for _, a := range args {
					if _, err := strconv.ParseInt(a, 10, 64); err != nil {
						return fmt.Errorf("invalid version %q", a)
					}
				}
				err := migrate(cmd.Context(), dsn, command, args)
				if err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), "error:", err)
				}
				return err
			},
		}
	}
	root.AddCommand(
		run("up", 0),
		run("down", 0),
		run("redo", 0),
		run("status", 0),
		run("version", 0),
		run("up-to", 1),
		run("down-to", 1),
	)
	return root
}

func migrate(ctx context.Context, dsn, command string, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if dsn == "" {
		dsn = cfg.DatabaseURL
	}
	if dsn == "" {
		return errors.New("no database: set DATABASE_URL or --database-url")
	}
	logger := logging.NewWithWriter(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	start := time.Now()
	if err := migrations.Run(ctx, db, command, args...); err != nil {
		return err
	}
	logger.Info("migration command finished", "command", command, "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}
