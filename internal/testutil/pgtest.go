// Package testutil holds helpers for the PostgreSQL integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"github.com/prateushsharma/amlbot/migrations"
)

// pgTables lists the tables emptied between tests, children first.
var pgTables = []string{"alert_events", "tracked_addresses", "subscribers"}

// PGTest connects to POSTGRES_URL, migrates the schema and returns an empty
// database. Tables are emptied again and the pool closed when t finishes.
// Without POSTGRES_URL the test is skipped.
func PGTest(t *testing.T) *sql.DB {
	t.Helper()

	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("pgtest: open: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: connect: %v", err)
	}
	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: migrate: %v", err)
	}
	if err := Truncate(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: truncate: %v", err)
	}

	t.Cleanup(func() {
		_ = Truncate(context.Background(), db)
		_ = db.Close()
	})
	return db
}

// Truncate empties every tracking table.
func Truncate(ctx context.Context, db *sql.DB) error {
	for _, table := range pgTables {
		if _, err := db.ExecContext(ctx, "DELETE FROM "+table); err != nil { // #nosec G202 -- fixed table names
			return err
		}
	}
	return nil
}
