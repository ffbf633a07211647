// Package store persists plugin records and host keyring entries in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"plugbridge/internal/domain"
)

var _ domain.PluginStore = (*SQLiteStore)(nil)

// SQLiteStore implements domain.PluginStore and the keyring secret table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and runs the
// schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open plugin db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate plugin db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS plugins (
			id         TEXT PRIMARY KEY,
			directory  TEXT NOT NULL UNIQUE,
			enabled    INTEGER NOT NULL DEFAULT 1,
			url        TEXT,
			checked_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS keyring_entries (
			service    TEXT NOT NULL,
			account    TEXT NOT NULL,
			secret     BLOB NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (service, account)
		);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const pluginColumns = "id, directory, enabled, url, checked_at, created_at, updated_at"

// UpsertPlugin inserts p, or updates the existing row for the same directory.
// On return p carries the stored id and timestamps.
func (s *SQLiteStore) UpsertPlugin(ctx context.Context, p *domain.Plugin) error {
	if p.Directory == "" {
		return domain.NewSubSystemError("plugin", "Store.UpsertPlugin", domain.ErrInvalidInput, "empty directory")
	}
	if p.ID == "" {
		p.ID = ulid.Make().String()
	}
	now := time.Now().UTC()

	var createdStr string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO plugins (id, directory, enabled, url, checked_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(directory) DO UPDATE SET
			enabled    = excluded.enabled,
			url        = excluded.url,
			checked_at = excluded.checked_at,
			updated_at = excluded.updated_at
		RETURNING id, created_at`,
		p.ID, p.Directory, p.Enabled, nullString(p.URL), nullTime(p.CheckedAt),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	).Scan(&p.ID, &createdStr)
	if err != nil {
		return fmt.Errorf("upsert plugin %s: %w", p.Directory, err)
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	p.UpdatedAt = now
	return nil
}

// DeletePluginByID removes the row and returns what was deleted.
func (s *SQLiteStore) DeletePluginByID(ctx context.Context, id string) (*domain.Plugin, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	p, err := scanPlugin(tx.QueryRowContext(ctx, "SELECT "+pluginColumns+" FROM plugins WHERE id = ?", id))
	if err != nil {
		return nil, notFound(err, "Store.DeletePluginByID", id)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM plugins WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("delete plugin %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *SQLiteStore) ListPlugins(ctx context.Context) ([]domain.Plugin, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+pluginColumns+" FROM plugins ORDER BY created_at, directory")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plugins []domain.Plugin
	for rows.Next() {
		p, err := scanPlugin(rows)
		if err != nil {
			return nil, err
		}
		plugins = append(plugins, *p)
	}
	return plugins, rows.Err()
}

func (s *SQLiteStore) GetPlugin(ctx context.Context, id string) (*domain.Plugin, error) {
	p, err := scanPlugin(s.db.QueryRowContext(ctx, "SELECT "+pluginColumns+" FROM plugins WHERE id = ?", id))
	if err != nil {
		return nil, notFound(err, "Store.GetPlugin", id)
	}
	return p, nil
}

func (s *SQLiteStore) GetPluginByDirectory(ctx context.Context, dir string) (*domain.Plugin, error) {
	p, err := scanPlugin(s.db.QueryRowContext(ctx, "SELECT "+pluginColumns+" FROM plugins WHERE directory = ?", dir))
	if err != nil {
		return nil, notFound(err, "Store.GetPluginByDirectory", dir)
	}
	return p, nil
}

// GetKeyringSecret returns the stored ciphertext for service/account.
func (s *SQLiteStore) GetKeyringSecret(ctx context.Context, service, account string) ([]byte, error) {
	var secret []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT secret FROM keyring_entries WHERE service = ? AND account = ?", service, account,
	).Scan(&secret)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewSubSystemError("keyring", "Store.GetKeyringSecret", domain.ErrNotFound, service+"/"+account)
	}
	if err != nil {
		return nil, err
	}
	return secret, nil
}

func (s *SQLiteStore) SetKeyringSecret(ctx context.Context, service, account string, secret []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO keyring_entries (service, account, secret, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(service, account) DO UPDATE SET secret = excluded.secret, updated_at = excluded.updated_at`,
		service, account, secret, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteStore) DeleteKeyringSecret(ctx context.Context, service, account string) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM keyring_entries WHERE service = ? AND account = ?", service, account)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewSubSystemError("keyring", "Store.DeleteKeyringSecret", domain.ErrNotFound, service+"/"+account)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPlugin(row scanner) (*domain.Plugin, error) {
	var p domain.Plugin
	var url, checked sql.NullString
	var createdStr, updatedStr string
	if err := row.Scan(&p.ID, &p.Directory, &p.Enabled, &url, &checked, &createdStr, &updatedStr); err != nil {
		return nil, err
	}
	if url.Valid {
		p.URL = &url.String
	}
	if checked.Valid {
		if t, err := time.Parse(time.RFC3339Nano, checked.String); err == nil {
			p.CheckedAt = &t
		}
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return &p, nil
}

func notFound(err error, op, key string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NewSubSystemError("plugin", op, domain.ErrNotFound, key)
	}
	return err
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}
