package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/prateushsharma/amlbot/internal/idgen"
	"github.com/prateushsharma/amlbot/internal/pagination"
	"github.com/prateushsharma/amlbot/internal/syncutil"
)

// Compile-time check that BadgerStore implements Store.
var _ Store = (*BadgerStore)(nil)

// Key layout:
//
//	sub/<externalID>                    Subscriber
//	trk/<id>                            TrackedAddress
//	uniq/<subscriberID>/<chain>/<addr>  id of the active record
//	alert/<id>                          AlertEvent
//	akey/<trackedID>/<txHash>           alert id (dedup index)
//	undelivered/<alertID>               marker
const (
	prefixSubscriber  = "sub/"
	prefixTracked     = "trk/"
	prefixUnique      = "uniq/"
	prefixAlert       = "alert/"
	prefixAlertKey    = "akey/"
	prefixUndelivered = "undelivered/"

	badgerConflictRetries = 5
)

// BadgerStore implements Store on an embedded Badger database, for single
// node deployments without PostgreSQL.
type BadgerStore struct {
	db    *badger.DB
	locks syncutil.ShardedMutex
	now   func() time.Time
}

// OpenBadgerStore opens (or creates) a store at path. An empty path opens
// an in-memory database.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, storeErr("open badger", err)
	}
	return &BadgerStore{db: db, now: time.Now}, nil
}

// Close releases the database.
func (b *BadgerStore) Close() error {
	return b.db.Close()
}

// update runs fn in a read-write transaction, retrying on write conflicts.
func (b *BadgerStore) update(op string, fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < badgerConflictRetries; i++ {
		err = b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	return b.wrap(op, err)
}

func (b *BadgerStore) view(op string, fn func(txn *badger.Txn) error) error {
	return b.wrap(op, b.db.View(fn))
}

// wrap leaves the package's sentinel errors untouched.
func (b *BadgerStore) wrap(op string, err error) error {
	if err == nil || errors.Is(err, ErrTrackedNotFound) || errors.Is(err, ErrAlreadyTracked) {
		return err
	}
	return storeErr(op, err)
}

func getJSON(txn *badger.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), data)
}

func (b *BadgerStore) getTracked(txn *badger.Txn, id string) (*TrackedAddress, error) {
	t := &TrackedAddress{}
	if err := getJSON(txn, prefixTracked+id, t); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrTrackedNotFound
		}
		return nil, err
	}
	return t, nil
}

func uniqueKey(t *TrackedAddress) string {
	return prefixUnique + t.SubscriberID + "/" + string(t.Chain) + "/" + t.Address
}

func alertIndexKey(trackedID, txHash string) string {
	return prefixAlertKey + trackedID + "/" + txHash
}

func (b *BadgerStore) UpsertSubscriber(_ context.Context, externalID string) (*Subscriber, error) {
	defer b.locks.Lock("sub:" + externalID)()

	s := &Subscriber{}
	err := b.update("upsert subscriber", func(txn *badger.Txn) error {
		err := getJSON(txn, prefixSubscriber+externalID, s)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		*s = Subscriber{ID: idgen.WithPrefix("sub_"), ExternalID: externalID, CreatedAt: b.now()}
		return setJSON(txn, prefixSubscriber+externalID, s)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// CreateTrackedAddress requires t.SubscriberExternalID to be set, since the
// subscriber record is keyed by it.
func (b *BadgerStore) CreateTrackedAddress(_ context.Context, t *TrackedAddress) error {
	return b.update("create tracked", func(txn *badger.Txn) error {
		sub := &Subscriber{}
		if err := getJSON(txn, prefixSubscriber+t.SubscriberExternalID, sub); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return errUnknownSubscriber
			}
			return err
		}
		if sub.ID != t.SubscriberID {
			return errUnknownSubscriber
		}

		if _, err := txn.Get([]byte(uniqueKey(t))); err == nil {
			return ErrAlreadyTracked
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		now := b.now()
		t.ID = idgen.WithPrefix("trk_")
		t.Active = true
		t.CreatedAt = now
		t.UpdatedAt = now
		if err := setJSON(txn, prefixTracked+t.ID, t); err != nil {
			return err
		}
		return txn.Set([]byte(uniqueKey(t)), []byte(t.ID))
	})
}

func (b *BadgerStore) GetTrackedAddress(_ context.Context, id string) (*TrackedAddress, error) {
	var t *TrackedAddress
	err := b.view("get tracked", func(txn *badger.Txn) error {
		var err error
		t, err = b.getTracked(txn, id)
		return err
	})
	return t, err
}

func (b *BadgerStore) listTracked(op string, keep func(*TrackedAddress) bool) ([]*TrackedAddress, error) {
	out := []*TrackedAddress{}
	err := b.view(op, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		p := []byte(prefixTracked)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			t := &TrackedAddress{}
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, t) }); err != nil {
				return err
			}
			if keep(t) {
				out = append(out, t)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortTracked(out)
	return out, nil
}

func (b *BadgerStore) ListActiveTracked(_ context.Context) ([]*TrackedAddress, error) {
	return b.listTracked("list active tracked", func(t *TrackedAddress) bool { return t.Active })
}

func (b *BadgerStore) ListTrackedBySubscriber(_ context.Context, externalID string) ([]*TrackedAddress, error) {
	return b.listTracked("list tracked by subscriber", func(t *TrackedAddress) bool {
		return t.SubscriberExternalID == externalID
	})
}

// mutateTracked applies fn to the record under its shard lock. fn returns
// false to skip the write.
func (b *BadgerStore) mutateTracked(op, id string, fn func(t *TrackedAddress, txn *badger.Txn) (bool, error)) error {
	defer b.locks.Lock("trk:" + id)()

	return b.update(op, func(txn *badger.Txn) error {
		t, err := b.getTracked(txn, id)
		if err != nil {
			return err
		}
		changed, err := fn(t, txn)
		if err != nil || !changed {
			return err
		}
		t.UpdatedAt = b.now()
		return setJSON(txn, prefixTracked+id, t)
	})
}

func (b *BadgerStore) DeactivateTracked(_ context.Context, id string) error {
	return b.mutateTracked("deactivate tracked", id, func(t *TrackedAddress, txn *badger.Txn) (bool, error) {
		if t.Active {
			if err := txn.Delete([]byte(uniqueKey(t))); err != nil {
				return false, err
			}
		}
		t.Active = false
		return true, nil
	})
}

func (b *BadgerStore) UpdateCursor(_ context.Context, trackedID string, height uint64) error {
	return b.mutateTracked("update cursor", trackedID, func(t *TrackedAddress, _ *badger.Txn) (bool, error) {
		if t.Cursor != nil && *t.Cursor >= height {
			return false, nil
		}
		h := height
		t.Cursor = &h
		return true, nil
	})
}

func (b *BadgerStore) UpdateRiskLevel(_ context.Context, trackedID, from, to string) (bool, error) {
	changed := false
	err := b.mutateTracked("update risk level", trackedID, func(t *TrackedAddress, _ *badger.Txn) (bool, error) {
		if t.LastRiskLevel != from {
			return false, nil
		}
		t.LastRiskLevel = to
		changed = true
		return true, nil
	})
	return changed, err
}

func (b *BadgerStore) AlertExists(_ context.Context, trackedID, txHash string) (bool, error) {
	exists := false
	err := b.view("alert exists", func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(alertIndexKey(trackedID, txHash)))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

func (b *BadgerStore) InsertAlertEvent(_ context.Context, e *AlertEvent) (bool, error) {
	defer b.locks.Lock("alert:" + e.TrackedID)()

	inserted := false
	err := b.update("insert alert", func(txn *badger.Txn) error {
		key := alertIndexKey(e.TrackedID, e.TxHash)
		if _, err := txn.Get([]byte(key)); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if e.ID == "" {
			e.ID = idgen.WithPrefix("alr_")
		}
		e.CreatedAt = b.now()
		if err := setJSON(txn, prefixAlert+e.ID, e); err != nil {
			return err
		}
		if err := txn.Set([]byte(key), []byte(e.ID)); err != nil {
			return err
		}
		if !e.Delivered {
			if err := txn.Set([]byte(prefixUndelivered+e.ID), nil); err != nil {
				return err
			}
		}
		inserted = true
		return nil
	})
	return inserted, err
}

func (b *BadgerStore) MarkAlertDelivered(_ context.Context, id string) error {
	return b.update("mark delivered", func(txn *badger.Txn) error {
		e := &AlertEvent{}
		if err := getJSON(txn, prefixAlert+id, e); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		e.Delivered = true
		if err := setJSON(txn, prefixAlert+id, e); err != nil {
			return err
		}
		return txn.Delete([]byte(prefixUndelivered + id))
	})
}

func (b *BadgerStore) ListUndeliveredAlerts(_ context.Context, after *pagination.Cursor, limit int) ([]*AlertEvent, error) {
	var out []*AlertEvent
	activeByID := map[string]bool{}
	err := b.view("list undelivered", func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefixUndelivered)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			id := string(it.Item().Key()[len(p):])
			e := &AlertEvent{}
			if err := getJSON(txn, prefixAlert+id, e); err != nil {
				return fmt.Errorf("load alert %s: %w", id, err)
			}
			if !after.After(e.CreatedAt, e.ID) {
				continue
			}
			active, ok := activeByID[e.TrackedID]
			if !ok {
				t := &TrackedAddress{}
				if err := getJSON(txn, prefixTracked+e.TrackedID, t); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
					return fmt.Errorf("load tracked %s: %w", e.TrackedID, err)
				}
				active = t.Active
				activeByID[e.TrackedID] = active
			}
			if active {
				out = append(out, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortAlertsOldestFirst(out)
	return limitAlerts(out, limit), nil
}

func (b *BadgerStore) ListAlerts(_ context.Context, trackedID string, before *pagination.Cursor, limit int) ([]*AlertEvent, error) {
	out := []*AlertEvent{}
	err := b.view("list alerts", func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		p := []byte(prefixAlertKey + trackedID + "/")
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			e := &AlertEvent{}
			if err := getJSON(txn, prefixAlert+string(id), e); err != nil {
				return fmt.Errorf("load alert %s: %w", id, err)
			}
			if before.Before(e.CreatedAt, e.ID) {
				out = append(out, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortAlertsNewestFirst(out)
	return limitAlerts(out, limit), nil
}

func (b *BadgerStore) Ping(context.Context) error {
	if b.db.IsClosed() {
		return storeErr("ping", errors.New("badger database is closed"))
	}
	return nil
}
