package tracking

import (
	"context"
	"fmt"
	"time"

	"github.com/prateushsharma/amlbot/internal/chain"
	"github.com/prateushsharma/amlbot/internal/logging"
	"github.com/prateushsharma/amlbot/internal/risk"
)

// Defaults for TransactionPolicy.
const (
	DefaultBacklog   uint64 = 150
	DefaultMaxBlocks uint64 = 1000

	progressSaveTimeout = 5 * time.Second
)

// ScanResult summarises one policy run for one tracked address.
type ScanResult struct {
	Mode           Mode
	From, To       uint64 // heights (From, To] were scanned
	Alerts         int
	NotifyFailures int
	Level          string
	LevelChanged   bool
}

// AlertPolicy decides what to alert on for a tracked address. The scheduler
// never runs two policies for the same record at once.
type AlertPolicy interface {
	Mode() Mode
	Run(ctx context.Context, t *TrackedAddress) (ScanResult, error)
}

// TransactionPolicy walks the blocks after a record's cursor and alerts on
// transactions touching the address that meet its threshold.
type TransactionPolicy struct {
	reader    chain.Reader
	catalog   *chain.Catalog
	store     Store
	notifier  Notifier
	backlog   uint64
	maxBlocks uint64
}

// TransactionPolicyOption configures a TransactionPolicy.
type TransactionPolicyOption func(*TransactionPolicy)

// WithBacklog sets how many blocks a record without a cursor looks back.
func WithBacklog(blocks uint64) TransactionPolicyOption {
	return func(p *TransactionPolicy) { p.backlog = blocks }
}

// WithMaxBlocks caps the blocks scanned per record per cycle. Zero means
// no cap.
func WithMaxBlocks(blocks uint64) TransactionPolicyOption {
	return func(p *TransactionPolicy) { p.maxBlocks = blocks }
}

// NewTransactionPolicy creates the cursor-based transaction policy.
func NewTransactionPolicy(reader chain.Reader, catalog *chain.Catalog, store Store, notifier Notifier, opts ...TransactionPolicyOption) *TransactionPolicy {
	p := &TransactionPolicy{
		reader:    reader,
		catalog:   catalog,
		store:     store,
		notifier:  notifier,
		backlog:   DefaultBacklog,
		maxBlocks: DefaultMaxBlocks,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *TransactionPolicy) Mode() Mode { return ModeTransactions }

// scanWindow returns the range (from, to] to scan. to < from never happens;
// from == to means there is nothing new.
func scanWindow(cursor *uint64, latest, backlog, maxBlocks uint64) (from, to uint64) {
	if cursor == nil {
		if latest > backlog {
			from = latest - backlog
		}
	} else {
		from = *cursor
	}
	if latest <= from {
		return from, from
	}
	to = latest
	if maxBlocks > 0 && to-from > maxBlocks {
		to = from + maxBlocks
	}
	return from, to
}

// Run scans (cursor, head] in ascending height order. On a provider or store
// failure the cursor is moved to the last fully scanned height, never past
// the failing one.
func (p *TransactionPolicy) Run(ctx context.Context, t *TrackedAddress) (ScanResult, error) {
	res := ScanResult{Mode: ModeTransactions}
	log := logging.L(ctx).With("trackedId", t.ID, "chain", t.Chain)

	info, err := p.catalog.Lookup(t.Chain)
	if err != nil {
		return res, err
	}
	latest, err := p.reader.LatestHeight(ctx, t.Chain)
	if err != nil {
		return res, err
	}

	from, to := scanWindow(t.Cursor, latest, p.backlog, p.maxBlocks)
	res.From, res.To = from, to
	if from == to {
		if t.Cursor == nil {
			// First sight of the chain head: start watching from here.
			if err := p.store.UpdateCursor(ctx, t.ID, to); err != nil {
				return res, err
			}
		}
		return res, nil
	}

	for h := from + 1; h <= to; h++ {
		block, err := p.reader.BlockWithTransactions(ctx, t.Chain, h)
		if err != nil {
			p.saveProgress(ctx, t, from, h-1)
			res.To = h - 1
			return res, err
		}
		if block == nil {
			log.Debug("block absent, skipping", "height", h)
			continue
		}
		for _, tx := range block.Transactions {
			if !tx.Touches(t.Address) {
				continue
			}
			amount := chain.FormatUnits(tx.Value, info.Decimals)
			if !t.Qualifies(amount) {
				continue
			}
			e := &AlertEvent{
				TrackedID:   t.ID,
				Chain:       t.Chain,
				TxHash:      tx.Hash,
				BlockNumber: block.Number,
				Timestamp:   block.Timestamp,
				Direction:   tx.DirectionFor(t.Address),
				Amount:      amount,
				Asset:       info.Symbol,
			}
			if err := p.emit(ctx, t, e, info, &res); err != nil {
				p.saveProgress(ctx, t, from, h-1)
				res.To = h - 1
				return res, err
			}
		}
	}

	if err := p.store.UpdateCursor(ctx, t.ID, to); err != nil {
		return res, err
	}
	cursorLag.WithLabelValues(string(t.Chain)).Set(float64(latest - to))
	return res, nil
}

// emit records e unless it already exists and notifies the subscriber.
// Only store failures are returned; a failed notification leaves the event
// undelivered.
func (p *TransactionPolicy) emit(ctx context.Context, t *TrackedAddress, e *AlertEvent, info chain.Info, res *ScanResult) error {
	exists, err := p.store.AlertExists(ctx, t.ID, e.TxHash)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	inserted, err := p.store.InsertAlertEvent(ctx, e)
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}
	res.Alerts++
	alertsEmitted.WithLabelValues(string(t.Chain)).Inc()

	log := logging.L(ctx)
	if err := p.notifier.Notify(ctx, t.SubscriberExternalID, FormatTransactionAlert(t, e, info)); err != nil {
		res.NotifyFailures++
		notifyFailures.Inc()
		log.Warn("alert notification failed",
			"trackedId", t.ID, "alertId", e.ID, "txHash", e.TxHash, "error", err)
		return nil
	}
	if err := p.store.MarkAlertDelivered(ctx, e.ID); err != nil {
		log.Warn("failed to mark alert delivered", "alertId", e.ID, "error", err)
	}
	return nil
}

// saveProgress records last as the cursor when at least one height past
// from was fully scanned. It runs even when ctx is already done.
func (p *TransactionPolicy) saveProgress(ctx context.Context, t *TrackedAddress, from, last uint64) {
	if last <= from {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), progressSaveTimeout)
	defer cancel()
	if err := p.store.UpdateCursor(sctx, t.ID, last); err != nil {
		logging.L(ctx).Warn("failed to save partial scan progress",
			"trackedId", t.ID, "height", last, "error", err)
	}
}

// Assessor evaluates a wallet. *risk.Evaluator implements it.
type Assessor interface {
	Evaluate(ctx context.Context, id chain.Chain, address string) (*risk.Assessment, error)
}

// RiskLevelPolicy re-evaluates the wallet each cycle and alerts when its
// risk level differs from the last recorded one. The first evaluation only
// records a baseline. The level is swapped with a compare-and-set, so of two
// scans racing on one record (say a server and amlctl sharing a store) only
// the one that moved it notifies.
type RiskLevelPolicy struct {
	assessor Assessor
	store    Store
	notifier Notifier
}

// NewRiskLevelPolicy creates the risk-level-change policy.
func NewRiskLevelPolicy(assessor Assessor, store Store, notifier Notifier) *RiskLevelPolicy {
	return &RiskLevelPolicy{assessor: assessor, store: store, notifier: notifier}
}

func (p *RiskLevelPolicy) Mode() Mode { return ModeRiskLevel }

func (p *RiskLevelPolicy) Run(ctx context.Context, t *TrackedAddress) (ScanResult, error) {
	res := ScanResult{Mode: ModeRiskLevel}

	a, err := p.assessor.Evaluate(ctx, t.Chain, t.Address)
	if err != nil {
		return res, err
	}
	level := string(a.Level)
	res.Level = level
	if level == t.LastRiskLevel {
		return res, nil
	}

	previous := t.LastRiskLevel
	changed, err := p.store.UpdateRiskLevel(ctx, t.ID, previous, level)
	if err != nil {
		return res, err
	}
	if !changed {
		logging.L(ctx).Debug("risk level already updated by another scan", "trackedId", t.ID, "level", level)
		return res, nil
	}
	if previous == "" {
		logging.L(ctx).Debug("risk baseline recorded", "trackedId", t.ID, "level", level)
		return res, nil
	}

	res.LevelChanged = true
	if err := p.notifier.Notify(ctx, t.SubscriberExternalID, FormatRiskChange(t, previous, a)); err != nil {
		res.NotifyFailures++
		notifyFailures.Inc()
		logging.L(ctx).Warn("risk change notification failed",
			"trackedId", t.ID, "from", previous, "to", level, "error", err)
	}
	return res, nil
}

// policySet indexes policies by mode.
type policySet map[Mode]AlertPolicy

func newPolicySet(policies []AlertPolicy) policySet {
	set := make(policySet, len(policies))
	for _, p := range policies {
		set[p.Mode()] = p
	}
	return set
}

func (s policySet) forRecord(t *TrackedAddress) (AlertPolicy, error) {
	mode := t.Mode
	if mode == "" {
		mode = ModeTransactions
	}
	p, ok := s[mode]
	if !ok {
		return nil, fmt.Errorf("%w: no policy for %q", ErrInvalidMode, mode)
	}
	return p, nil
}
