package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/prateushsharma/amlbot/internal/chain"
	"github.com/prateushsharma/amlbot/internal/config"
	"github.com/prateushsharma/amlbot/internal/health"
	"github.com/prateushsharma/amlbot/internal/notify"
	"github.com/prateushsharma/amlbot/internal/realtime"
	"github.com/prateushsharma/amlbot/internal/risk"
	"github.com/prateushsharma/amlbot/internal/tracking"
	"github.com/prateushsharma/amlbot/migrations"
)

// Components is the dependency graph shared by the HTTP server and the
// operator CLI.
type Components struct {
	Catalog   *chain.Catalog
	Registry  *chain.Registry
	Reader    chain.Reader
	Store     tracking.Store
	Notifier  tracking.Notifier
	Evaluator *risk.Evaluator
	Service   *tracking.Service
	Scheduler *tracking.Scheduler
	Health    *health.Registry
	Stream    *realtime.Hub // nil unless ALERT_STREAM_ENABLED

	db     *sql.DB // nil unless DATABASE_URL is set
	badger *tracking.BadgerStore
	nats   *notify.NATS
	logger *slog.Logger
}

// BuildOption overrides a component, mostly for tests.
type BuildOption func(*buildOptions)

type buildOptions struct {
	reader   chain.Reader
	store    tracking.Store
	notifier tracking.Notifier
	getenv   func(string) string
}

// WithReader replaces the RPC-backed chain reader.
func WithReader(r chain.Reader) BuildOption {
	return func(o *buildOptions) { o.reader = r }
}

// WithStore replaces the configured tracking store.
func WithStore(s tracking.Store) BuildOption {
	return func(o *buildOptions) { o.store = s }
}

// WithNotifier replaces the configured notification sinks.
func WithNotifier(n tracking.Notifier) BuildOption {
	return func(o *buildOptions) { o.notifier = n }
}

// WithGetenv replaces os.Getenv for RPC endpoint lookup.
func WithGetenv(getenv func(string) string) BuildOption {
	return func(o *buildOptions) { o.getenv = getenv }
}

// Build wires every component from cfg. The caller owns the result and must
// Close it.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...BuildOption) (*Components, error) {
	o := buildOptions{getenv: os.Getenv}
	for _, opt := range opts {
		opt(&o)
	}

	catalog, err := chain.LoadCatalog(cfg.ChainsFile, o.getenv)
	if err != nil {
		return nil, err
	}

	pc := chain.DefaultProviderConfig()
	pc.Timeout = cfg.RPCTimeout
	pc.MaxRetries = cfg.RPCMaxRetries

	c := &Components{
		Catalog:  catalog,
		Registry: chain.NewRegistry(catalog, pc, logger),
		Health:   health.NewRegistry(),
		logger:   logger,
	}
	c.Reader = c.Registry
	if o.reader != nil {
		c.Reader = o.reader
	}

	if o.store != nil {
		c.Store = o.store
	} else if err := c.openStore(ctx, cfg); err != nil {
		_ = c.Close()
		return nil, err
	}

	if o.notifier != nil {
		c.Notifier = o.notifier
	} else if err := c.buildNotifier(cfg); err != nil {
		_ = c.Close()
		return nil, err
	}

	c.Evaluator = risk.NewEvaluator(c.Reader, catalog, logger,
		risk.WithWindow(cfg.RiskBlockWindow),
		risk.WithFetchConcurrency(cfg.RiskFetchConcurrency),
	)
	c.Service = tracking.NewService(c.Store, catalog, logger)

	policies := []tracking.AlertPolicy{
		tracking.NewTransactionPolicy(c.Reader, catalog, c.Store, c.Notifier,
			tracking.WithBacklog(cfg.ScanBacklog),
			tracking.WithMaxBlocks(cfg.ScanMaxBlocks),
		),
		tracking.NewRiskLevelPolicy(c.Evaluator, c.Store, c.Notifier),
	}
	c.Scheduler = tracking.NewScheduler(c.Store, policies, c.Notifier, catalog, tracking.SchedulerConfig{
		Interval:    cfg.ScanInterval,
		Concurrency: cfg.ScanConcurrency,
		ScanTimeout: cfg.ScanTimeout,
		Redeliver:   cfg.RedeliverAlerts,
	}, logger)

	c.Health.Register("store", storeChecker(c.Store))
	for _, info := range catalog.All() {
		c.Health.Register("chain:"+info.ID.String(), c.Registry.HealthChecker(info.ID), health.Optional())
	}

	return c, nil
}

// openStore picks PostgreSQL, then Badger, then memory.
func (c *Components) openStore(ctx context.Context, cfg *config.Config) error {
	switch {
	case cfg.DatabaseURL != "":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}

		if cfg.AutoMigrate {
			if err := migrations.Up(ctx, db); err != nil {
				_ = db.Close()
				return err
			}
		}

		c.db = db
		c.Store = tracking.NewPostgresStore(db)
		c.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

	case cfg.BadgerPath != "":
		b, err := tracking.OpenBadgerStore(cfg.BadgerPath)
		if err != nil {
			return err
		}
		c.badger = b
		c.Store = b
		c.logger.Info("using Badger storage", "path", cfg.BadgerPath)

	default:
		c.Store = tracking.NewMemoryStore()
		c.logger.Warn("using in-memory storage, tracked addresses are lost on restart")
	}
	return nil
}

// buildNotifier fans out to every configured sink, falling back to the log
// sink when no external transport is configured. The websocket stream is
// added on top when enabled.
func (c *Components) buildNotifier(cfg *config.Config) error {
	fanout := notify.NewFanout(c.logger)

	if cfg.TelegramBotToken != "" {
		tg, err := notify.NewTelegram(cfg.TelegramBotToken)
		if err != nil {
			return err
		}
		fanout.Add("telegram", tg)
		c.logger.Info("telegram notifications enabled")
	}

	if cfg.NATSURL != "" {
		n, err := notify.ConnectNATS(cfg.NATSURL, cfg.NATSSubject, c.logger)
		if err != nil {
			return err
		}
		c.nats = n
		fanout.Add("nats", n)
		c.logger.Info("NATS notifications enabled", "subject", cfg.NATSSubject)
	}

	if cfg.WebhookURL != "" {
		fanout.Add("webhook", notify.NewWebhook(cfg.WebhookURL, cfg.WebhookSecret))
		c.logger.Info("webhook notifications enabled", "signed", cfg.WebhookSecret != "")
	}

	if fanout.Len() == 0 {
		fanout.Add("log", notify.NewLog(c.logger))
		c.logger.Warn("no notification sink configured, alerts are only logged")
	}

	if cfg.StreamEnabled {
		c.Stream = realtime.NewHub(c.logger)
		fanout.Add("stream", c.Stream)
	}

	c.Notifier = fanout
	return nil
}

// DB returns the PostgreSQL pool, or nil.
func (c *Components) DB() *sql.DB {
	return c.db
}

// Close releases connections in reverse order of creation. Stop the
// scheduler first.
func (c *Components) Close() error {
	var errs []error
	if c.nats != nil {
		if err := c.nats.Close(); err != nil {
			errs = append(errs, fmt.Errorf("nats: %w", err))
		}
	}
	if c.badger != nil {
		if err := c.badger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("badger: %w", err))
		}
	}
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	if c.Registry != nil {
		if err := c.Registry.Close(); err != nil {
			errs = append(errs, fmt.Errorf("chain registry: %w", err))
		}
	}
	return errors.Join(errs...)
}

func storeChecker(store tracking.Store) health.Checker {
	return func(ctx context.Context) health.Status {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			return health.Status{Name: "store", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "store", Healthy: true}
	}
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
