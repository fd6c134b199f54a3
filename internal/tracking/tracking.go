// Package tracking keeps watch over registered wallet addresses.
//
// A Scheduler runs a cycle on a fixed period. Each cycle lists the active
// TrackedAddress records and runs the AlertPolicy selected by the record's
// Mode: TransactionPolicy walks new blocks since the record's cursor and
// alerts on qualifying transactions, RiskLevelPolicy re-evaluates the wallet
// and alerts when its risk level changes. Alert events are deduplicated by
// (tracked id, transaction hash) in the Store, which is the source of truth
// for at-most-once emission.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/prateushsharma/amlbot/internal/chain"
	"github.com/prateushsharma/amlbot/internal/pagination"
)

var (
	ErrTrackedNotFound = errors.New("tracked address not found")
	ErrAlreadyTracked  = errors.New("address is already tracked by this subscriber")
	ErrInvalidAmount   = errors.New("minimum amount must be a non-negative decimal")
	ErrInvalidMode     = errors.New("invalid tracking mode")
	ErrInvalidRequest  = errors.New("invalid tracking request")
	ErrStore           = errors.New("tracking store failure")

	errUnknownSubscriber = errors.New("unknown subscriber")
)

// StoreError wraps a persistence failure. It matches ErrStore with errors.Is.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStore }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// Mode selects the alert policy for a tracked address.
type Mode string

const (
	ModeTransactions Mode = "transactions"
	ModeRiskLevel    Mode = "risk_level"
)

// Valid reports whether m names a known policy.
func (m Mode) Valid() bool {
	return m == ModeTransactions || m == ModeRiskLevel
}

// Subscriber is the owner of tracked addresses. ExternalID is the
// front-end's identifier (a Telegram chat id, for instance).
type Subscriber struct {
	ID         string    `json:"id"`
	ExternalID string    `json:"externalId"`
	CreatedAt  time.Time `json:"createdAt"`
}

// TrackedAddress is a wallet a subscriber asked to be alerted about.
// Cursor is the highest block fully scanned, nil before the first scan.
type TrackedAddress struct {
	ID                   string          `json:"id"`
	SubscriberID         string          `json:"subscriberId"`
	SubscriberExternalID string          `json:"subscriberExternalId"`
	Chain                chain.Chain     `json:"chain"`
	Address              string          `json:"address"`
	Label                string          `json:"label,omitempty"`
	Mode                 Mode            `json:"mode"`
	MinAmount            decimal.Decimal `json:"minAmount"`
	NotifyAny            bool            `json:"notifyAny"`
	Active               bool            `json:"active"`
	Cursor               *uint64         `json:"cursor,omitempty"`
	LastRiskLevel        string          `json:"lastRiskLevel,omitempty"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

// DisplayName is the label when set, otherwise the address.
func (t *TrackedAddress) DisplayName() string {
	if t.Label != "" {
		return t.Label
	}
	return t.Address
}

// Qualifies reports whether a transaction of amount should alert.
// The threshold is inclusive.
func (t *TrackedAddress) Qualifies(amount decimal.Decimal) bool {
	return t.NotifyAny || amount.GreaterThanOrEqual(t.MinAmount)
}

// AlertEvent records one transaction alert. (TrackedID, TxHash) is unique.
type AlertEvent struct {
	ID          string          `json:"id"`
	TrackedID   string          `json:"trackedId"`
	Chain       chain.Chain     `json:"chain"`
	TxHash      string          `json:"txHash"`
	BlockNumber uint64          `json:"blockNumber"`
	Timestamp   time.Time       `json:"timestamp"`
	Direction   chain.Direction `json:"direction"`
	Amount      decimal.Decimal `json:"amount"`
	Asset       string          `json:"asset"`
	Delivered   bool            `json:"delivered"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Store persists subscribers, tracked addresses and alert events.
// Failures other than the sentinel errors are *StoreError.
type Store interface {
	UpsertSubscriber(ctx context.Context, externalID string) (*Subscriber, error)

	// CreateTrackedAddress assigns t.ID, t.CreatedAt and t.UpdatedAt. It
	// returns ErrAlreadyTracked when the subscriber already has an active
	// record for the same chain and address.
	CreateTrackedAddress(ctx context.Context, t *TrackedAddress) error
	GetTrackedAddress(ctx context.Context, id string) (*TrackedAddress, error)
	ListActiveTracked(ctx context.Context) ([]*TrackedAddress, error)
	ListTrackedBySubscriber(ctx context.Context, externalID string) ([]*TrackedAddress, error)
	DeactivateTracked(ctx context.Context, id string) error

	AlertExists(ctx context.Context, trackedID, txHash string) (bool, error)
	// InsertAlertEvent stores e unless an event for (e.TrackedID, e.TxHash)
	// exists, atomically. inserted is false for a duplicate.
	InsertAlertEvent(ctx context.Context, e *AlertEvent) (inserted bool, err error)
	MarkAlertDelivered(ctx context.Context, id string) error
	// ListUndeliveredAlerts returns undelivered events of active records,
	// oldest first, strictly after the cursor when one is given.
	ListUndeliveredAlerts(ctx context.Context, after *pagination.Cursor, limit int) ([]*AlertEvent, error)
	// ListAlerts returns events newest first, strictly before the cursor
	// when one is given.
	ListAlerts(ctx context.Context, trackedID string, before *pagination.Cursor, limit int) ([]*AlertEvent, error)

	// UpdateCursor never lowers an existing cursor.
	UpdateCursor(ctx context.Context, trackedID string, height uint64) error
	// UpdateRiskLevel sets the level to to only while it still equals from
	// ("" for none). changed is false when another writer got there first.
	UpdateRiskLevel(ctx context.Context, trackedID, from, to string) (changed bool, err error)

	Ping(ctx context.Context) error
}
