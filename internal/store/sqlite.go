package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/a-essam23/go-wsuser/pkg/state"
)

// SQLiteStore persists named records as JSON documents in a single table.
// Each Save is one upsert statement, so writes are atomic per record.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ state.Store = (*SQLiteStore)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	name       TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);`

func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing sqlite schema: %w", err)
	}
	return &SQLiteStore{
		db:     db,
		logger: logger.With(slog.String("component", "sqlite_store")),
	}, nil
}

func (s *SQLiteStore) Load(name string, v any) error {
	var raw string
	err := s.db.QueryRow(`SELECT data FROM records WHERE name = ?`, name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return state.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading record %s: %w", name, err)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decoding record %s: %w", name, err)
	}
	return nil
}

func (s *SQLiteStore) Save(name string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", name, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO records (name, data, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET data = excluded.data, updated_at = CURRENT_TIMESTAMP`,
		name, string(raw),
	)
	if err != nil {
		return fmt.Errorf("writing record %s: %w", name, err)
	}
	return nil
}

func (s *SQLiteStore) Exists(name string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM records WHERE name = ?`, name).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) Watch(name string, fn func()) error {
	return state.ErrWatchUnsupported
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
