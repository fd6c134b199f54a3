package risk

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/prateushsharma/amlbot/internal/chain"
	"github.com/prateushsharma/amlbot/internal/metrics"
	"github.com/prateushsharma/amlbot/internal/traces"
)

// Evaluator computes assessments from chain data. It holds no per-call
// state and is safe for concurrent use.
type Evaluator struct {
	reader      chain.Reader
	catalog     *chain.Catalog
	logger      *slog.Logger
	window      uint64
	concurrency int
	now         func() time.Time
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithWindow sets how many trailing blocks are scanned.
func WithWindow(blocks uint64) Option {
	return func(e *Evaluator) {
		if blocks > 0 {
			e.window = blocks
		}
	}
}

// WithFetchConcurrency caps parallel block fetches within one evaluation.
func WithFetchConcurrency(n int) Option {
	return func(e *Evaluator) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithClock sets the evaluation time source.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// NewEvaluator creates an evaluator reading blocks through reader.
func NewEvaluator(reader chain.Reader, catalog *chain.Catalog, logger *slog.Logger, opts ...Option) *Evaluator {
	e := &Evaluator{
		reader:      reader,
		catalog:     catalog,
		logger:      logger,
		window:      DefaultWindow,
		concurrency: 8,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate scans the trailing window for transactions touching address and
// scores them. It fails with chain.ErrUnsupportedChain, chain.ErrInvalidAddress
// or a *chain.ProviderError.
func (e *Evaluator) Evaluate(ctx context.Context, id chain.Chain, address string) (*Assessment, error) {
	info, err := e.catalog.Lookup(id)
	if err != nil {
		return nil, err
	}
	addr, err := chain.CanonicalAddress(address)
	if err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "risk.Evaluate", traces.Chain(string(id)), traces.Address(addr))
	defer span.End()

	start := time.Now()
	now := e.now()

	blocks, err := e.fetchWindow(ctx, id)
	if err != nil {
		traces.Fail(span, err, "fetch window")
		metrics.RiskEvaluationErrors.WithLabelValues(string(id)).Inc()
		return nil, err
	}

	// Newest first, so the head of matches is the most recent activity.
	var matches []Activity
	scanned := 0
	for i := len(blocks) - 1; i >= 0; i-- {
		b := blocks[i]
		if b == nil {
			continue
		}
		scanned++
		for j := len(b.Transactions) - 1; j >= 0; j-- {
			tx := b.Transactions[j]
			if !tx.Touches(addr) {
				continue
			}
			matches = append(matches, Activity{
				Direction:   tx.DirectionFor(addr),
				Amount:      chain.FormatUnits(tx.Value, info.Decimals),
				Asset:       info.Symbol,
				TxHash:      tx.Hash,
				BlockNumber: b.Number,
				Timestamp:   b.Timestamp,
			})
		}
	}

	score, reasons := Score(matches, now)
	recent := matches
	if len(recent) > MaxRecentActivity {
		recent = recent[:MaxRecentActivity]
	}

	a := &Assessment{
		Chain:          id,
		Address:        addr,
		Score:          score,
		Level:          LevelFor(score),
		Reasons:        reasons,
		RecentActivity: append([]Activity{}, recent...),
		ExplorerURL:    info.ExplorerURL(addr),
		TxCount:        len(matches),
		BlocksScanned:  scanned,
		EvaluatedAt:    now,
	}

	metrics.RiskEvaluationsTotal.WithLabelValues(string(id), string(a.Level)).Inc()
	metrics.RiskEvaluationDuration.Observe(time.Since(start).Seconds())
	e.logger.Debug("wallet evaluated",
		"chain", id,
		"address", addr,
		"score", a.Score,
		"level", a.Level,
		"txCount", a.TxCount,
		"blocksScanned", scanned,
	)
	return a, nil
}

// fetchWindow returns blocks for the trailing window in ascending height
// order. Absent blocks are nil entries.
func (e *Evaluator) fetchWindow(ctx context.Context, id chain.Chain) ([]*chain.Block, error) {
	latest, err := e.reader.LatestHeight(ctx, id)
	if err != nil {
		return nil, err
	}

	var from uint64
	if latest+1 > e.window {
		from = latest + 1 - e.window
	}
	blocks := make([]*chain.Block, latest-from+1)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i := range blocks {
		h := from + uint64(i) //nolint:gosec // i is a non-negative slice index
		g.Go(func() error {
			b, err := e.reader.BlockWithTransactions(gctx, id, h)
			if err != nil {
				return err
			}
			blocks[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return blocks, nil
}
