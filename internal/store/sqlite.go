package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/errors"
	_ "modernc.org/sqlite" // Register the "sqlite" database/sql driver.

	"github.com/block/ctfplug/internal/logging"
)

const sqliteTimeFormat = time.RFC3339Nano

const sqliteSchema = `CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`

func RegisterSQLite(r *Registry) {
	Register(r, "sqlite", "Persists configuration records in a SQLite database table.", NewSQLite)
}

type SQLiteConfig struct {
	Path        string        `hcl:"path" help:"Path to the SQLite database file."`
	BusyTimeout time.Duration `hcl:"busy-timeout,optional" help:"How long to wait on a locked database." default:"5s"`
}

type SQLite struct {
	path string
	db   *sql.DB
}

var _ Store = (*SQLite)(nil)

// NewSQLite opens a SQLite-backed store, creating the settings table if required.
func NewSQLite(ctx context.Context, config SQLiteConfig) (*SQLite, error) {
	if strings.TrimSpace(config.Path) == "" {
		return nil, errors.New("storage path is required")
	}
	if config.BusyTimeout == 0 {
		config.BusyTimeout = 5 * time.Second
	}
	path := filepath.Clean(config.Path)
	logging.FromContext(ctx).InfoContext(ctx, "Opening SQLite store", "path", path)

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)", path, config.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Join(errors.Errorf("ping sqlite db: %w", err), db.Close())
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, errors.Join(errors.Errorf("create settings table: %w", err), db.Close())
	}
	return &SQLite{path: path, db: db}, nil
}

func (s *SQLite) String() string { return "sqlite:" + s.path }

func (s *SQLite) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value, updated_at FROM settings ORDER BY key`)
	if err != nil {
		return nil, errors.Errorf("list settings: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, errors.WithStack(rows.Err())
}

func (s *SQLite) Get(ctx context.Context, key string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT key, value, updated_at FROM settings WHERE key = ?`, key)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, notFound(key)
	}
	return record, err
}

func (s *SQLite) Put(ctx context.Context, key string, value json.RawMessage) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := validateValue(value); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(value), time.Now().UTC().Format(sqliteTimeFormat))
	if err != nil {
		return errors.Errorf("put setting %q: %w", key, err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key)
	if err != nil {
		return errors.Errorf("delete setting %q: %w", key, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return errors.WithStack(err)
	}
	if n == 0 {
		return notFound(key)
	}
	return nil
}

func (s *SQLite) Close() error {
	return errors.WithStack(s.db.Close())
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var key, value, updatedAt string
	if err := row.Scan(&key, &value, &updatedAt); err != nil {
		return Record{}, errors.WithStack(err)
	}
	t, err := time.Parse(sqliteTimeFormat, updatedAt)
	if err != nil {
		return Record{}, errors.Errorf("%s: invalid updated_at: %w", key, err)
	}
	return Record{Key: key, Value: json.RawMessage(value), UpdatedAt: t}, nil
}
