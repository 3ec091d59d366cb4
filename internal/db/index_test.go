package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func TestIndexBaselineUtility(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "idx.db")
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close() //nolint:errcheck

	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	hash := strings.Repeat("a", 64)
	_, _ = db.ExecContext(ctx, `INSERT INTO apps(package_name, api_key_hash, created_at, updated_at) VALUES('p1', ?, ?, ?)`, hash, now, now)
	_, _ = db.ExecContext(ctx, `INSERT INTO registrations(registration_id, package_name, cloud_id, server_url, registered_at, last_heartbeat_at) VALUES('r1','p1','local','http://x',?,?)`, now, now)

	assertPlanUsesIndex(t, db, `EXPLAIN QUERY PLAN SELECT * FROM registrations WHERE last_heartbeat_at < '2000-01-01' ORDER BY last_heartbeat_at ASC`, "registrations_last_heartbeat_at")
}

func assertPlanUsesIndex(t *testing.T, db *sql.DB, query, expectedIndex string) {
	t.Helper()
	rows, err := db.Query(query)
	if err != nil {
		t.Fatalf("query plan failed: %v", err)
	}
	defer rows.Close()
	var matched bool
	for rows.Next() {
		var id, parent, notused int
		var detail string
		if err := rows.Scan(&id, &parent, &notused, &detail); err != nil {
			t.Fatalf("scan plan row: %v", err)
		}
		if strings.Contains(detail, expectedIndex) {
			matched = true
		}
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("plan rows error: %v", err)
	}
	if !matched {
		t.Fatalf("expected query plan to use index %q", expectedIndex)
	}
}
