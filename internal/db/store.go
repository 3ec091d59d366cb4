package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g960059/glasscloud/internal/model"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// UpsertApp creates or replaces a catalog entry. CreatedAt survives updates.
func (s *Store) UpsertApp(ctx context.Context, app model.App) error {
	if err := validatePackageName(app.PackageName); err != nil {
		return err
	}
	if err := validateWebhookURL(app.WebhookURL); err != nil {
		return err
	}
	if len(app.APIKeyHash) != 64 {
		return fmt.Errorf("api_key_hash must be a sha256 hex digest")
	}
	now := time.Now().UTC()
	if app.UpdatedAt.IsZero() {
		app.UpdatedAt = now
	}
	if app.CreatedAt.IsZero() {
		app.CreatedAt = app.UpdatedAt
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO apps(package_name, api_key_hash, webhook_url, is_system, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(package_name) DO UPDATE SET
	api_key_hash=excluded.api_key_hash,
	webhook_url=excluded.webhook_url,
	is_system=excluded.is_system,
	updated_at=excluded.updated_at
`, app.PackageName, app.APIKeyHash, strings.TrimSpace(app.WebhookURL), boolToInt(app.IsSystem), ts(app.CreatedAt), ts(app.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert app: %w", err)
	}
	return nil
}

func (s *Store) GetApp(ctx context.Context, packageName string) (model.App, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT package_name, api_key_hash, webhook_url, is_system, created_at, updated_at
FROM apps
WHERE package_name = ?
`, packageName)
	app, err := scanApp(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.App{}, ErrNotFound
		}
		return model.App{}, fmt.Errorf("get app: %w", err)
	}
	return app, nil
}

func (s *Store) ListApps(ctx context.Context) ([]model.App, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT package_name, api_key_hash, webhook_url, is_system, created_at, updated_at
FROM apps
ORDER BY package_name ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list apps: %w", err)
	}
	defer rows.Close()

	out := make([]model.App, 0)
	for rows.Next() {
		app, err := scanApp(rows)
		if err != nil {
			return nil, fmt.Errorf("scan app: %w", err)
		}
		out = append(out, app)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter apps: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteApp(ctx context.Context, packageName string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM apps WHERE package_name = ?`, packageName)
	if err != nil {
		return fmt.Errorf("delete app: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete app rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertRegistration stores reg keyed by (package, cloud). A re-registration
// replaces the previous row, including its registration id.
func (s *Store) UpsertRegistration(ctx context.Context, reg model.Registration) error {
	if reg.RegistrationID == "" {
		return fmt.Errorf("registration_id is required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO registrations(registration_id, package_name, cloud_id, server_url, version, registered_at, last_heartbeat_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(package_name, cloud_id) DO UPDATE SET
	registration_id=excluded.registration_id,
	server_url=excluded.server_url,
	version=excluded.version,
	registered_at=excluded.registered_at,
	last_heartbeat_at=excluded.last_heartbeat_at
`, reg.RegistrationID, reg.PackageName, reg.CloudID, reg.ServerURL, reg.Version, ts(reg.RegisteredAt), ts(reg.LastHeartbeatAt))
	if err != nil {
		if isForeignKeyErr(err) {
			return fmt.Errorf("upsert registration %s: %w", reg.PackageName, ErrNotFound)
		}
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("upsert registration: %w", err)
	}
	return nil
}

func (s *Store) TouchRegistration(ctx context.Context, registrationID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE registrations SET last_heartbeat_at = ? WHERE registration_id = ?`, ts(at), registrationID)
	if err != nil {
		return fmt.Errorf("touch registration: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch registration rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListRegistrations(ctx context.Context) ([]model.Registration, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT registration_id, package_name, cloud_id, server_url, version, registered_at, last_heartbeat_at
FROM registrations
ORDER BY package_name ASC, cloud_id ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}
	defer rows.Close()

	out := make([]model.Registration, 0)
	for rows.Next() {
		var (
			reg           model.Registration
			registeredAt  string
			lastHeartbeat string
		)
		if err := rows.Scan(&reg.RegistrationID, &reg.PackageName, &reg.CloudID, &reg.ServerURL, &reg.Version, &registeredAt, &lastHeartbeat); err != nil {
			return nil, fmt.Errorf("scan registration: %w", err)
		}
		if reg.RegisteredAt, err = parseTS(registeredAt); err != nil {
			return nil, fmt.Errorf("parse registered_at: %w", err)
		}
		if reg.LastHeartbeatAt, err = parseTS(lastHeartbeat); err != nil {
			return nil, fmt.Errorf("parse last_heartbeat_at: %w", err)
		}
		out = append(out, reg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter registrations: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteRegistration(ctx context.Context, registrationID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM registrations WHERE registration_id = ?`, registrationID)
	if err != nil {
		return fmt.Errorf("delete registration: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete registration rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeRegistrations deletes registrations whose last heartbeat is older
// than cutoff and returns how many were removed.
func (s *Store) PurgeRegistrations(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM registrations WHERE last_heartbeat_at < ?`, ts(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge registrations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge registrations rows affected: %w", err)
	}
	return n, nil
}

func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	switch table {
	case "apps", "registrations":
	default:
		return 0, fmt.Errorf("count rows: unknown table %q", table)
	}
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table))
	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count rows %s: %w", table, err)
	}
	return count, nil
}

func scanApp(scanner interface{ Scan(dest ...any) error }) (model.App, error) {
	var (
		app       model.App
		isSystem  int
		createdAt string
		updatedAt string
	)
	if err := scanner.Scan(&app.PackageName, &app.APIKeyHash, &app.WebhookURL, &isSystem, &createdAt, &updatedAt); err != nil {
		return model.App{}, err
	}
	app.IsSystem = isSystem == 1
	var err error
	if app.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.App{}, fmt.Errorf("parse app created_at: %w", err)
	}
	if app.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return model.App{}, fmt.Errorf("parse app updated_at: %w", err)
	}
	return app, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// tsLayout is fixed width so stored timestamps compare correctly as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(err.Error(),
		"UNIQUE constraint failed",
		"constraint failed: UNIQUE",
	)
}

func isForeignKeyErr(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(err.Error(),
		"FOREIGN KEY constraint failed",
		"constraint failed: FOREIGN KEY",
	)
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(s, p) {
			return true
		}
	}
	return false
}

var packageNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

func validatePackageName(name string) error {
	if !packageNamePattern.MatchString(name) {
		return fmt.Errorf("package_name must match [A-Za-z0-9._-]{1,128}")
	}
	return nil
}

// validateWebhookURL accepts an empty URL or an absolute http(s) URL
// without embedded credentials.
func validateWebhookURL(raw string) error {
	v := strings.TrimSpace(raw)
	if v == "" {
		return nil
	}
	u, err := url.Parse(v)
	if err != nil {
		return fmt.Errorf("webhook_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook_url must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("webhook_url must include a host")
	}
	if u.User != nil {
		return fmt.Errorf("webhook_url must not embed credentials")
	}
	return nil
}
