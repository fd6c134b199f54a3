package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/prateushsharma/amlbot/internal/chain"
	"github.com/prateushsharma/amlbot/internal/idgen"
	"github.com/prateushsharma/amlbot/internal/logging"
	"github.com/prateushsharma/amlbot/internal/pagination"
	"github.com/prateushsharma/amlbot/internal/syncutil"
	"github.com/prateushsharma/amlbot/internal/traces"
)

// Clock abstracts time for the scheduler.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker is the subset of *time.Ticker the scheduler uses.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTicker(d time.Duration) Ticker { return realTicker{time.NewTicker(d)} }

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// SchedulerConfig tunes the scheduler.
type SchedulerConfig struct {
	Interval    time.Duration
	Concurrency int
	ScanTimeout time.Duration

	// Redeliver retries undelivered alert events after each cycle.
	Redeliver      bool
	RedeliverBatch int
}

// DefaultSchedulerConfig returns the production defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:       5 * time.Minute,
		Concurrency:    4,
		ScanTimeout:    2 * time.Minute,
		RedeliverBatch: 100,
	}
}

// CycleReport summarises one cycle.
type CycleReport struct {
	ID              string
	Listed          int
	Scanned         int
	Failed          int
	SkippedInFlight int
	Abandoned       int // records left unscanned because Stop was called
	Alerts          int
	NotifyFailures  int
	Redelivered     int
	Duration        time.Duration
	Err             error
}

// Scheduler runs a tracking cycle every interval. Each tick starts a cycle
// in its own goroutine, so a slow cycle never delays the next one. A record
// still being scanned by an earlier cycle is skipped, and the number of
// concurrent scans across all cycles is capped.
type Scheduler struct {
	store    Store
	policies policySet
	notifier Notifier
	catalog  *chain.Catalog
	cfg      SchedulerConfig
	clock    Clock
	logger   *slog.Logger

	sem      *semaphore.Weighted
	inflight *syncutil.InFlight
	cycles   sync.WaitGroup

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	running  atomic.Bool
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerClock replaces the wall clock.
func WithSchedulerClock(c Clock) SchedulerOption {
	return func(s *Scheduler) { s.clock = c }
}

// NewScheduler creates a scheduler dispatching each record to the policy for
// its mode. notifier and catalog are used for redelivery.
func NewScheduler(store Store, policies []AlertPolicy, notifier Notifier, catalog *chain.Catalog, cfg SchedulerConfig, logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	def := DefaultSchedulerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = def.ScanTimeout
	}
	if cfg.RedeliverBatch <= 0 {
		cfg.RedeliverBatch = def.RedeliverBatch
	}
	s := &Scheduler{
		store:    store,
		policies: newPolicySet(policies),
		notifier: notifier,
		catalog:  catalog,
		cfg:      cfg,
		clock:    realClock{},
		logger:   logger,
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		inflight: syncutil.NewInFlight(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Running reports whether the scheduler loop is actively running.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start runs the tick loop until ctx is done or Stop is called. Call in a
// goroutine. It returns after every cycle it started has finished.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	defer close(s.done)
	defer s.running.Store(false)

	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("tracking scheduler started",
		"interval", s.cfg.Interval, "concurrency", s.cfg.Concurrency)

	for {
		select {
		case <-ctx.Done():
			s.cycles.Wait()
			return
		case <-s.stop:
			s.cycles.Wait()
			return
		case <-ticker.C():
			s.cycles.Add(1)
			go func() {
				defer s.cycles.Done()
				s.safeRunCycle(ctx)
			}()
		}
	}
}

// Stop signals the loop to exit and waits for scans already running. Records
// a cycle has not started yet are abandoned. Cancel the context passed to
// Start to abort running scans instead.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.running.Load() {
		<-s.done
	}
}

func (s *Scheduler) stopping() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *Scheduler) safeRunCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in tracking cycle", "panic", fmt.Sprint(r))
		}
	}()
	s.RunCycle(ctx)
}

// RunCycle lists active records and scans each with its policy. A failure
// for one record never stops the others.
func (s *Scheduler) RunCycle(ctx context.Context) CycleReport {
	start := s.clock.Now()
	report := CycleReport{ID: idgen.WithPrefix("cyc_")}
	ctx = logging.WithCycleID(logging.WithLogger(ctx, s.logger), report.ID)
	log := logging.L(ctx)
	cyclesTotal.Inc()

	records, err := s.store.ListActiveTracked(ctx)
	if err != nil {
		log.Warn("failed to list tracked addresses", "error", err)
		report.Err = err
		report.Duration = s.clock.Now().Sub(start)
		return report
	}
	report.Listed = len(records)
	activeTracked.Set(float64(len(records)))

	// Records not yet started are abandoned once Stop is called.
	acquireCtx, cancelAcquire := context.WithCancel(ctx)
	defer cancelAcquire()
	go func() {
		select {
		case <-s.stop:
			cancelAcquire()
		case <-acquireCtx.Done():
		}
	}()

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for i, t := range records {
		if s.stopping() {
			report.Abandoned = len(records) - i
			break
		}
		policy, err := s.policies.forRecord(t)
		if err != nil {
			log.Warn("skipping tracked address", "trackedId", t.ID, "error", err)
			report.Failed++
			continue
		}
		if !s.inflight.TryAcquire(t.ID) {
			scansSkippedInFlight.Inc()
			report.SkippedInFlight++
			continue
		}
		if err := s.sem.Acquire(acquireCtx, 1); err != nil {
			s.inflight.Release(t.ID)
			if ctx.Err() != nil {
				report.Err = ctx.Err()
			} else {
				report.Abandoned = len(records) - i
			}
			break
		}
		if s.stopping() {
			s.sem.Release(1)
			s.inflight.Release(t.ID)
			report.Abandoned = len(records) - i
			break
		}

		wg.Add(1)
		go func(t *TrackedAddress) {
			defer wg.Done()
			defer s.sem.Release(1)
			defer s.inflight.Release(t.ID)

			res, err := s.scan(ctx, policy, t)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
			} else {
				report.Scanned++
			}
			report.Alerts += res.Alerts
			report.NotifyFailures += res.NotifyFailures
		}(t)
	}
	wg.Wait()

	if s.cfg.Redeliver && ctx.Err() == nil && !s.stopping() {
		report.Redelivered = s.redeliver(ctx, start)
	}

	report.Duration = s.clock.Now().Sub(start)
	log.Info("tracking cycle finished",
		"listed", report.Listed,
		"scanned", report.Scanned,
		"failed", report.Failed,
		"skipped", report.SkippedInFlight,
		"abandoned", report.Abandoned,
		"alerts", report.Alerts,
		"redelivered", report.Redelivered,
		"duration", report.Duration,
	)
	return report
}

// scan runs one policy under the per-address deadline. Panics are turned
// into errors so one record cannot take down the cycle.
func (s *Scheduler) scan(ctx context.Context, policy AlertPolicy, t *TrackedAddress) (res ScanResult, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	defer cancel()

	mode := string(policy.Mode())
	ctx, span := traces.StartSpan(ctx, "tracking.scan",
		traces.TrackedID(t.ID), traces.Chain(string(t.Chain)), traces.Mode(mode))
	defer span.End()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s policy: %v", mode, r)
		}
		result := "ok"
		if err != nil {
			result = "error"
			traces.Fail(span, err, "")
			logging.L(ctx).Warn("tracked address scan failed",
				"trackedId", t.ID, "chain", t.Chain, "mode", mode, "error", err)
		}
		span.SetAttributes(traces.BlockRange(res.From, res.To)...)
		scansTotal.WithLabelValues(mode, result).Inc()
		scanDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	}()

	return policy.Run(ctx, t)
}

// redeliver retries undelivered events of active records created before the
// cycle started, walking the backlog oldest first in RedeliverBatch pages so
// events that keep failing cannot starve the rest. Records currently held by
// a scan are left for a later cycle.
func (s *Scheduler) redeliver(ctx context.Context, cycleStart time.Time) int {
	log := logging.L(ctx)
	var (
		after     *pagination.Cursor
		delivered int
	)
	for ctx.Err() == nil && !s.stopping() {
		events, err := s.store.ListUndeliveredAlerts(ctx, after, s.cfg.RedeliverBatch)
		if err != nil {
			log.Warn("failed to list undelivered alerts", "error", err)
			return delivered
		}
		for _, e := range events {
			if !e.CreatedAt.Before(cycleStart) {
				return delivered
			}
			if s.redeliverOne(ctx, e) {
				delivered++
			}
		}
		if len(events) < s.cfg.RedeliverBatch {
			return delivered
		}
		last := events[len(events)-1]
		after = &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return delivered
}

func (s *Scheduler) redeliverOne(ctx context.Context, e *AlertEvent) bool {
	if !s.inflight.TryAcquire(e.TrackedID) {
		return false
	}
	defer s.inflight.Release(e.TrackedID)

	log := logging.L(ctx).With("alertId", e.ID, "trackedId", e.TrackedID)
	t, err := s.store.GetTrackedAddress(ctx, e.TrackedID)
	if err != nil {
		log.Warn("redelivery lookup failed", "error", err)
		return false
	}
	if !t.Active {
		return false
	}
	info, err := s.catalog.Lookup(t.Chain)
	if err != nil {
		log.Warn("redelivery for unknown chain", "error", err)
		return false
	}
	if err := s.notifier.Notify(ctx, t.SubscriberExternalID, FormatTransactionAlert(t, e, info)); err != nil {
		notifyFailures.Inc()
		log.Debug("redelivery failed", "error", err)
		return false
	}
	if err := s.store.MarkAlertDelivered(ctx, e.ID); err != nil {
		log.Warn("failed to mark alert delivered", "error", err)
	}
	alertsRedelivered.Inc()
	return true
}
