package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	. "github.com/roelfdiedericks/llm-routing-proxy/internal/logging"
)

// SQLiteStore implements Store using SQLite, matching the WAL+busy_timeout
// idiom the rest of this module uses for durable local state.
type SQLiteStore struct {
	db     *sql.DB
	config StoreConfig
}

const currentSchemaVersion = 1

// NewSQLiteStore opens (creating if necessary) the session hints database.
func NewSQLiteStore(cfg StoreConfig) (*SQLiteStore, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create session store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}

	if cfg.WALMode {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			L_warn("session: failed to enable WAL mode", "error", err)
		}
	}

	timeout := cfg.BusyTimeout
	if timeout == 0 {
		timeout = 5000
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", timeout)); err != nil {
		L_warn("session: failed to set busy_timeout", "error", err)
	}

	store := &SQLiteStore{db: db, config: cfg}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("session store migration failed: %w", err)
	}

	L_info("session: sqlite store opened", "path", cfg.Path)
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil {
		version = 0
	}
	if version >= currentSchemaVersion {
		return nil
	}

	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);
	INSERT INTO schema_version (version, applied_at) VALUES (1, ?);

	CREATE TABLE IF NOT EXISTS session_hints (
		id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		last_decisions TEXT NOT NULL,
		preferred_providers TEXT NOT NULL
	);
	`
	_, err = s.db.Exec(schema, time.Now().Unix())
	return err
}

func (s *SQLiteStore) Get(_ context.Context, id string) (*Hints, error) {
	row := s.db.QueryRow(`SELECT id, created_at, updated_at, last_decisions, preferred_providers
		FROM session_hints WHERE id = ?`, id)

	var h Hints
	var createdAt, updatedAt int64
	var decisionsJSON, preferredJSON string
	err := row.Scan(&h.ID, &createdAt, &updatedAt, &decisionsJSON, &preferredJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: get %q: %w", id, err)
	}

	h.CreatedAt = time.Unix(createdAt, 0)
	h.UpdatedAt = time.Unix(updatedAt, 0)
	if err := json.Unmarshal([]byte(decisionsJSON), &h.LastDecisions); err != nil {
		return nil, fmt.Errorf("session: decode decisions for %q: %w", id, err)
	}
	if err := json.Unmarshal([]byte(preferredJSON), &h.PreferredProviders); err != nil {
		return nil, fmt.Errorf("session: decode preferred providers for %q: %w", id, err)
	}
	return &h, nil
}

func (s *SQLiteStore) Save(_ context.Context, h *Hints) error {
	decisionsJSON, err := json.Marshal(h.LastDecisions)
	if err != nil {
		return err
	}
	preferredJSON, err := json.Marshal(h.PreferredProviders)
	if err != nil {
		return err
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now()
	}

	_, err = s.db.Exec(`INSERT INTO session_hints (id, created_at, updated_at, last_decisions, preferred_providers)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			updated_at = excluded.updated_at,
			last_decisions = excluded.last_decisions,
			preferred_providers = excluded.preferred_providers`,
		h.ID, h.CreatedAt.Unix(), h.UpdatedAt.Unix(), string(decisionsJSON), string(preferredJSON))
	if err != nil {
		return fmt.Errorf("session: save %q: %w", h.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(_ context.Context, id string) error {
	_, err := s.db.Exec("DELETE FROM session_hints WHERE id = ?", id)
	return err
}

func (s *SQLiteStore) EvictExpired(_ context.Context, ttlSeconds int64) (int, error) {
	cutoff := time.Now().Add(-time.Duration(ttlSeconds) * time.Second).Unix()
	res, err := s.db.Exec("DELETE FROM session_hints WHERE updated_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
