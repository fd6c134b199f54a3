package tracking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/prateushsharma/amlbot/internal/chain"
	"github.com/prateushsharma/amlbot/internal/idgen"
	"github.com/prateushsharma/amlbot/internal/pagination"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

const pqUniqueViolation = "23505"

// PostgresStore implements Store backed by PostgreSQL. The schema lives in
// the migrations package.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed tracking store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const trackedColumns = `
	t.id, t.subscriber_id, s.external_id, t.chain, t.address, t.label, t.mode,
	t.min_amount, t.notify_any, t.active, t.last_seen_cursor, t.last_risk_level,
	t.created_at, t.updated_at`

const alertColumns = `
	id, tracked_id, chain, tx_hash, block_number, block_time, direction,
	amount, asset, delivered, created_at`

func (p *PostgresStore) UpsertSubscriber(ctx context.Context, externalID string) (*Subscriber, error) {
	s := &Subscriber{}
	// The no-op update makes RETURNING yield the existing row on conflict.
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO subscribers (id, external_id)
		VALUES ($1, $2)
		ON CONFLICT (external_id) DO UPDATE SET external_id = EXCLUDED.external_id
		RETURNING id, external_id, created_at
	`, idgen.WithPrefix("sub_"), externalID).Scan(&s.ID, &s.ExternalID, &s.CreatedAt)
	if err != nil {
		return nil, storeErr("upsert subscriber", err)
	}
	return s, nil
}

func (p *PostgresStore) CreateTrackedAddress(ctx context.Context, t *TrackedAddress) error {
	t.ID = idgen.WithPrefix("trk_")
	err := p.db.QueryRowContext(ctx, `
		WITH ins AS (
			INSERT INTO tracked_addresses (
				id, subscriber_id, chain, address, label, mode, min_amount, notify_any
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING subscriber_id, active, created_at, updated_at
		)
		SELECT s.external_id, ins.active, ins.created_at, ins.updated_at
		FROM ins JOIN subscribers s ON s.id = ins.subscriber_id
	`,
		t.ID, t.SubscriberID, string(t.Chain), t.Address, t.Label, string(t.Mode),
		t.MinAmount, t.NotifyAny,
	).Scan(&t.SubscriberExternalID, &t.Active, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return ErrAlreadyTracked
		}
		return storeErr("create tracked", err)
	}
	return nil
}

func (p *PostgresStore) GetTrackedAddress(ctx context.Context, id string) (*TrackedAddress, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+trackedColumns+`
		FROM tracked_addresses t JOIN subscribers s ON s.id = t.subscriber_id
		WHERE t.id = $1
	`, id)

	t, err := scanTracked(row)
	if err == sql.ErrNoRows {
		return nil, ErrTrackedNotFound
	}
	if err != nil {
		return nil, storeErr("get tracked", err)
	}
	return t, nil
}

func (p *PostgresStore) ListActiveTracked(ctx context.Context) ([]*TrackedAddress, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+trackedColumns+`
		FROM tracked_addresses t JOIN subscribers s ON s.id = t.subscriber_id
		WHERE t.active
		ORDER BY t.created_at, t.id
	`)
	if err != nil {
		return nil, storeErr("list active tracked", err)
	}
	defer func() { _ = rows.Close() }()
	return scanTrackedRows(rows)
}

func (p *PostgresStore) ListTrackedBySubscriber(ctx context.Context, externalID string) ([]*TrackedAddress, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+trackedColumns+`
		FROM tracked_addresses t JOIN subscribers s ON s.id = t.subscriber_id
		WHERE s.external_id = $1
		ORDER BY t.created_at, t.id
	`, externalID)
	if err != nil {
		return nil, storeErr("list tracked by subscriber", err)
	}
	defer func() { _ = rows.Close() }()
	return scanTrackedRows(rows)
}

func (p *PostgresStore) DeactivateTracked(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE tracked_addresses SET active = FALSE, updated_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return storeErr("deactivate tracked", err)
	}
	return requireRow(res, "deactivate tracked")
}

func (p *PostgresStore) AlertExists(ctx context.Context, trackedID, txHash string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM alert_events WHERE tracked_id = $1 AND tx_hash = $2)
	`, trackedID, txHash).Scan(&exists)
	if err != nil {
		return false, storeErr("alert exists", err)
	}
	return exists, nil
}

func (p *PostgresStore) InsertAlertEvent(ctx context.Context, e *AlertEvent) (bool, error) {
	if e.ID == "" {
		e.ID = idgen.WithPrefix("alr_")
	}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO alert_events (
			id, tracked_id, chain, tx_hash, block_number, block_time,
			direction, amount, asset, delivered
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tracked_id, tx_hash) DO NOTHING
		RETURNING created_at
	`,
		e.ID, e.TrackedID, string(e.Chain), e.TxHash, int64(e.BlockNumber), //nolint:gosec // block heights fit in int64
		e.Timestamp, string(e.Direction), e.Amount, e.Asset, e.Delivered,
	).Scan(&e.CreatedAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, storeErr("insert alert", err)
	}
	return true, nil
}

func (p *PostgresStore) MarkAlertDelivered(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE alert_events SET delivered = TRUE WHERE id = $1`, id)
	return storeErr("mark delivered", err)
}

func (p *PostgresStore) ListUndeliveredAlerts(ctx context.Context, after *pagination.Cursor, limit int) ([]*AlertEvent, error) {
	var (
		afterAt any
		afterID string
	)
	if after != nil {
		afterAt, afterID = after.CreatedAt, after.ID
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+alertColumns+`
		FROM alert_events
		WHERE NOT delivered
		  AND tracked_id IN (SELECT id FROM tracked_addresses WHERE active)
		  AND ($1::timestamptz IS NULL OR (created_at, id) > ($1, $2))
		ORDER BY created_at, id
		LIMIT $3
	`, afterAt, afterID, limitOrAll(limit))
	if err != nil {
		return nil, storeErr("list undelivered", err)
	}
	defer func() { _ = rows.Close() }()
	return scanAlertRows(rows)
}

func (p *PostgresStore) ListAlerts(ctx context.Context, trackedID string, before *pagination.Cursor, limit int) ([]*AlertEvent, error) {
	var (
		beforeAt any
		beforeID string
	)
	if before != nil {
		beforeAt, beforeID = before.CreatedAt, before.ID
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+alertColumns+`
		FROM alert_events
		WHERE tracked_id = $1
		  AND ($2::timestamptz IS NULL OR (created_at, id) < ($2, $3))
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, trackedID, beforeAt, beforeID, limitOrAll(limit))
	if err != nil {
		return nil, storeErr("list alerts", err)
	}
	defer func() { _ = rows.Close() }()
	return scanAlertRows(rows)
}

func (p *PostgresStore) UpdateCursor(ctx context.Context, trackedID string, height uint64) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE tracked_addresses
		SET last_seen_cursor = $2, updated_at = NOW()
		WHERE id = $1 AND (last_seen_cursor IS NULL OR last_seen_cursor < $2)
	`, trackedID, int64(height)) //nolint:gosec // block heights fit in int64
	if err != nil {
		return storeErr("update cursor", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("update cursor", err)
	}
	if n == 0 {
		// Either the cursor is already at or past height, or the row is gone.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM tracked_addresses WHERE id = $1)`, trackedID,
		).Scan(&exists); err != nil {
			return storeErr("update cursor", err)
		}
		if !exists {
			return ErrTrackedNotFound
		}
	}
	return nil
}

func (p *PostgresStore) UpdateRiskLevel(ctx context.Context, trackedID, from, to string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE tracked_addresses SET last_risk_level = $3, updated_at = NOW()
		WHERE id = $1 AND COALESCE(last_risk_level, '') = $2
	`, trackedID, from, to)
	if err != nil {
		return false, storeErr("update risk level", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("update risk level", err)
	}
	if n == 1 {
		return true, nil
	}
	var exists bool
	err = p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM tracked_addresses WHERE id = $1)`, trackedID).Scan(&exists)
	if err != nil {
		return false, storeErr("update risk level", err)
	}
	if !exists {
		return false, ErrTrackedNotFound
	}
	return false, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return storeErr("ping", p.db.PingContext(ctx))
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTracked(row scanner) (*TrackedAddress, error) {
	t := &TrackedAddress{}
	var (
		chainID, mode string
		cursor        sql.NullInt64
	)
	err := row.Scan(
		&t.ID, &t.SubscriberID, &t.SubscriberExternalID, &chainID, &t.Address, &t.Label, &mode,
		&t.MinAmount, &t.NotifyAny, &t.Active, &cursor, &t.LastRiskLevel,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Chain = chain.Chain(chainID)
	t.Mode = Mode(mode)
	if cursor.Valid {
		c := uint64(cursor.Int64) //nolint:gosec // stored heights are non-negative
		t.Cursor = &c
	}
	return t, nil
}

func scanTrackedRows(rows *sql.Rows) ([]*TrackedAddress, error) {
	out := []*TrackedAddress{}
	for rows.Next() {
		t, err := scanTracked(rows)
		if err != nil {
			return nil, storeErr("scan tracked", err)
		}
		out = append(out, t)
	}
	return out, storeErr("iterate tracked", rows.Err())
}

func scanAlertRows(rows *sql.Rows) ([]*AlertEvent, error) {
	out := []*AlertEvent{}
	for rows.Next() {
		e := &AlertEvent{}
		var (
			chainID, dir string
			block        int64
		)
		if err := rows.Scan(
			&e.ID, &e.TrackedID, &chainID, &e.TxHash, &block, &e.Timestamp, &dir,
			&e.Amount, &e.Asset, &e.Delivered, &e.CreatedAt,
		); err != nil {
			return nil, storeErr("scan alert", err)
		}
		e.Chain = chain.Chain(chainID)
		e.Direction = chain.Direction(dir)
		e.BlockNumber = uint64(block) //nolint:gosec // stored heights are non-negative
		out = append(out, e)
	}
	return out, storeErr("iterate alerts", rows.Err())
}

func requireRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr(op, fmt.Errorf("rows affected: %w", err))
	}
	if n == 0 {
		return ErrTrackedNotFound
	}
	return nil
}

// limitOrAll maps a non-positive limit to NULL, which Postgres treats as
// LIMIT ALL.
func limitOrAll(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
