package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/prateushsharma/amlbot/internal/chain"
	"github.com/prateushsharma/amlbot/internal/pagination"
	"github.com/prateushsharma/amlbot/internal/validation"
)

const (
	maxLabelLength   = 64
	defaultListLimit = 50
	maxListLimit     = 500
)

// RegisterRequest asks to track an address for a subscriber.
type RegisterRequest struct {
	SubscriberID string `json:"subscriberId"`
	Chain        string `json:"chain"`
	Address      string `json:"address"`
	Label        string `json:"label,omitempty"`
	MinAmount    string `json:"minAmount,omitempty"`
	NotifyAny    bool   `json:"notifyAny"`
	Mode         string `json:"mode,omitempty"`
}

// Service implements registration and lookup of tracked addresses.
type Service struct {
	store   Store
	catalog *chain.Catalog
	logger  *slog.Logger
}

// NewService creates a new tracking service.
func NewService(store Store, catalog *chain.Catalog, logger *slog.Logger) *Service {
	return &Service{store: store, catalog: catalog, logger: logger}
}

// RegisterTracked validates req and creates an active tracked address.
// It fails with chain.ErrUnsupportedChain, chain.ErrInvalidAddress,
// ErrInvalidAmount, ErrInvalidMode, ErrInvalidRequest or ErrAlreadyTracked.
func (s *Service) RegisterTracked(ctx context.Context, req RegisterRequest) (*TrackedAddress, error) {
	externalID := strings.TrimSpace(req.SubscriberID)
	if externalID == "" {
		return nil, fmt.Errorf("%w: subscriberId is required", ErrInvalidRequest)
	}
	id, err := s.catalog.Parse(req.Chain)
	if err != nil {
		return nil, err
	}
	addr, err := chain.CanonicalAddress(req.Address)
	if err != nil {
		return nil, err
	}

	minAmount := decimal.Zero
	if m := strings.TrimSpace(req.MinAmount); m != "" {
		minAmount, err = decimal.NewFromString(m)
		if err != nil || minAmount.IsNegative() {
			return nil, ErrInvalidAmount
		}
	}

	mode := Mode(strings.TrimSpace(req.Mode))
	if mode == "" {
		mode = ModeTransactions
	}
	if !mode.Valid() {
		return nil, ErrInvalidMode
	}

	sub, err := s.store.UpsertSubscriber(ctx, externalID)
	if err != nil {
		return nil, err
	}

	t := &TrackedAddress{
		SubscriberID:         sub.ID,
		SubscriberExternalID: sub.ExternalID,
		Chain:                id,
		Address:              addr,
		Label:                validation.SanitizeString(req.Label, maxLabelLength),
		Mode:                 mode,
		MinAmount:            minAmount,
		NotifyAny:            req.NotifyAny,
	}
	if err := s.store.CreateTrackedAddress(ctx, t); err != nil {
		return nil, err
	}

	s.logger.Info("address tracked",
		"trackedId", t.ID,
		"subscriber", sub.ExternalID,
		"chain", t.Chain,
		"address", t.Address,
		"mode", t.Mode,
	)
	return t, nil
}

// Deactivate stops tracking id. A record owned by another subscriber is
// reported as not found.
func (s *Service) Deactivate(ctx context.Context, externalID, id string) error {
	t, err := s.store.GetTrackedAddress(ctx, id)
	if err != nil {
		return err
	}
	if t.SubscriberExternalID != externalID {
		return ErrTrackedNotFound
	}
	if !t.Active {
		return nil
	}
	if err := s.store.DeactivateTracked(ctx, id); err != nil {
		return err
	}
	s.logger.Info("address untracked", "trackedId", id, "subscriber", externalID)
	return nil
}

// ListForSubscriber returns every record, active or not, owned by externalID.
func (s *Service) ListForSubscriber(ctx context.Context, externalID string) ([]*TrackedAddress, error) {
	return s.store.ListTrackedBySubscriber(ctx, externalID)
}

// Get returns a tracked address by id.
func (s *Service) Get(ctx context.Context, id string) (*TrackedAddress, error) {
	return s.store.GetTrackedAddress(ctx, id)
}

// AlertPage is one page of alert history, newest first.
type AlertPage struct {
	Alerts     []*AlertEvent `json:"alerts"`
	NextCursor string        `json:"nextCursor,omitempty"`
	HasMore    bool          `json:"hasMore"`
}

// ListAlerts returns a page of alert events for a tracked address. cursor is
// the NextCursor of the previous page, or empty for the newest events.
func (s *Service) ListAlerts(ctx context.Context, trackedID, cursor string, limit int) (*AlertPage, error) {
	if _, err := s.store.GetTrackedAddress(ctx, trackedID); err != nil {
		return nil, err
	}
	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	alerts, err := s.store.ListAlerts(ctx, trackedID, before, limit+1)
	if err != nil {
		return nil, err
	}
	page, next, more := pagination.Page(alerts, limit, func(a *AlertEvent) (time.Time, string) {
		return a.CreatedAt, a.ID
	})
	return &AlertPage{Alerts: page, NextCursor: next, HasMore: more}, nil
}
