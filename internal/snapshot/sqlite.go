package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/msageha/commsengine/internal/syncqueue"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS workspace_state (
	namespace      TEXT    NOT NULL,
	scope_key      TEXT    NOT NULL,
	schema_version INTEGER NOT NULL,
	state          TEXT    NOT NULL,
	persisted_at   INTEGER NOT NULL,
	PRIMARY KEY (namespace, scope_key)
)`

// Newer persisted_at wins; an equal timestamp overwrites.
const sqliteUpsert = `
INSERT INTO workspace_state (namespace, scope_key, schema_version, state, persisted_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (namespace, scope_key) DO UPDATE SET
	schema_version = excluded.schema_version,
	state          = excluded.state,
	persisted_at   = excluded.persisted_at
WHERE excluded.persisted_at >= workspace_state.persisted_at`

// SQLiteStore keeps every key as a row in one SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path in WAL mode.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", sqliteSchema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init sqlite %s: %w", path, err)
		}
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, namespace, scopeKey string, schemaVersion int, state json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, sqliteUpsert, namespace, scopeKey, schemaVersion, string(state), s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("save %s:%s: %w", namespace, scopeKey, err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, namespace, scopeKey string) (*syncqueue.StoredState, error) {
	var (
		version   int
		state     string
		persisted int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT schema_version, state, persisted_at FROM workspace_state WHERE namespace = ? AND scope_key = ?`,
		namespace, scopeKey).Scan(&version, &state, &persisted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s:%s: %w", namespace, scopeKey, err)
	}
	return &syncqueue.StoredState{
		State:         json.RawMessage(state),
		PersistedAt:   time.Unix(0, persisted).UTC(),
		SchemaVersion: version,
	}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
