package tracking

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/prateushsharma/amlbot/internal/idgen"
	"github.com/prateushsharma/amlbot/internal/pagination"
)

// MemoryStore is an in-memory tracking store for demo/development mode.
type MemoryStore struct {
	mu          sync.RWMutex
	now         func() time.Time
	subscribers map[string]*Subscriber     // by ID
	byExternal  map[string]string          // externalID → subscriber ID
	tracked     map[string]*TrackedAddress // by ID
	alerts      map[string]*AlertEvent     // by ID
	alertKeys   map[alertKey]string        // (tracked, tx) → alert ID
}

type alertKey struct {
	trackedID string
	txHash    string
}

// NewMemoryStore creates a new in-memory tracking store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:         time.Now,
		subscribers: make(map[string]*Subscriber),
		byExternal:  make(map[string]string),
		tracked:     make(map[string]*TrackedAddress),
		alerts:      make(map[string]*AlertEvent),
		alertKeys:   make(map[alertKey]string),
	}
}

func (m *MemoryStore) UpsertSubscriber(_ context.Context, externalID string) (*Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byExternal[externalID]; ok {
		cp := *m.subscribers[id]
		return &cp, nil
	}
	s := &Subscriber{ID: idgen.WithPrefix("sub_"), ExternalID: externalID, CreatedAt: m.now()}
	m.subscribers[s.ID] = s
	m.byExternal[externalID] = s.ID
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) CreateTrackedAddress(_ context.Context, t *TrackedAddress) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subscribers[t.SubscriberID]
	if !ok {
		return storeErr("create tracked", errUnknownSubscriber)
	}
	for _, existing := range m.tracked {
		if existing.Active && existing.SubscriberID == t.SubscriberID &&
			existing.Chain == t.Chain && existing.Address == t.Address {
			return ErrAlreadyTracked
		}
	}

	now := m.now()
	t.ID = idgen.WithPrefix("trk_")
	t.SubscriberExternalID = sub.ExternalID
	t.Active = true
	t.CreatedAt = now
	t.UpdatedAt = now
	cp := *t
	m.tracked[t.ID] = &cp
	return nil
}

func (m *MemoryStore) GetTrackedAddress(_ context.Context, id string) (*TrackedAddress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tracked[id]
	if !ok {
		return nil, ErrTrackedNotFound
	}
	return copyTracked(t), nil
}

func (m *MemoryStore) ListActiveTracked(_ context.Context) ([]*TrackedAddress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*TrackedAddress
	for _, t := range m.tracked {
		if t.Active {
			out = append(out, copyTracked(t))
		}
	}
	sortTracked(out)
	return out, nil
}

func (m *MemoryStore) ListTrackedBySubscriber(_ context.Context, externalID string) ([]*TrackedAddress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*TrackedAddress{}
	for _, t := range m.tracked {
		if t.SubscriberExternalID == externalID {
			out = append(out, copyTracked(t))
		}
	}
	sortTracked(out)
	return out, nil
}

func (m *MemoryStore) DeactivateTracked(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tracked[id]
	if !ok {
		return ErrTrackedNotFound
	}
	t.Active = false
	t.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) AlertExists(_ context.Context, trackedID, txHash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.alertKeys[alertKey{trackedID, txHash}]
	return ok, nil
}

func (m *MemoryStore) InsertAlertEvent(_ context.Context, e *AlertEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := alertKey{e.TrackedID, e.TxHash}
	if _, ok := m.alertKeys[k]; ok {
		return false, nil
	}
	if e.ID == "" {
		e.ID = idgen.WithPrefix("alr_")
	}
	e.CreatedAt = m.now()
	cp := *e
	m.alerts[e.ID] = &cp
	m.alertKeys[k] = e.ID
	return true, nil
}

func (m *MemoryStore) MarkAlertDelivered(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a, ok := m.alerts[id]; ok {
		a.Delivered = true
	}
	return nil
}

func (m *MemoryStore) ListUndeliveredAlerts(_ context.Context, after *pagination.Cursor, limit int) ([]*AlertEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*AlertEvent
	for _, a := range m.alerts {
		if t, ok := m.tracked[a.TrackedID]; ok && t.Active && !a.Delivered && after.After(a.CreatedAt, a.ID) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sortAlertsOldestFirst(out)
	return limitAlerts(out, limit), nil
}

func (m *MemoryStore) ListAlerts(_ context.Context, trackedID string, before *pagination.Cursor, limit int) ([]*AlertEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*AlertEvent{}
	for _, a := range m.alerts {
		if a.TrackedID == trackedID && before.Before(a.CreatedAt, a.ID) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sortAlertsNewestFirst(out)
	return limitAlerts(out, limit), nil
}

func (m *MemoryStore) UpdateCursor(_ context.Context, trackedID string, height uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tracked[trackedID]
	if !ok {
		return ErrTrackedNotFound
	}
	if t.Cursor == nil || *t.Cursor < height {
		h := height
		t.Cursor = &h
		t.UpdatedAt = m.now()
	}
	return nil
}

func (m *MemoryStore) UpdateRiskLevel(_ context.Context, trackedID, from, to string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tracked[trackedID]
	if !ok {
		return false, ErrTrackedNotFound
	}
	if t.LastRiskLevel != from {
		return false, nil
	}
	t.LastRiskLevel = to
	t.UpdatedAt = m.now()
	return true, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func copyTracked(t *TrackedAddress) *TrackedAddress {
	cp := *t
	if t.Cursor != nil {
		c := *t.Cursor
		cp.Cursor = &c
	}
	return &cp
}

func sortTracked(ts []*TrackedAddress) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].CreatedAt.Before(ts[j].CreatedAt)
		}
		return ts[i].ID < ts[j].ID
	})
}

func sortAlertsOldestFirst(as []*AlertEvent) {
	sort.Slice(as, func(i, j int) bool {
		if !as[i].CreatedAt.Equal(as[j].CreatedAt) {
			return as[i].CreatedAt.Before(as[j].CreatedAt)
		}
		return as[i].ID < as[j].ID
	})
}

func sortAlertsNewestFirst(as []*AlertEvent) {
	sort.Slice(as, func(i, j int) bool {
		if !as[i].CreatedAt.Equal(as[j].CreatedAt) {
			return as[i].CreatedAt.After(as[j].CreatedAt)
		}
		return as[i].ID > as[j].ID
	})
}

func limitAlerts(as []*AlertEvent, limit int) []*AlertEvent {
	if limit > 0 && len(as) > limit {
		return as[:limit]
	}
	return as
}
