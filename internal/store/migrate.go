package store

import (
	"context"
	"fmt"
)

// migrations are forward-only. Never edit a shipped script; append a new
// one instead.
var migrations = []string{
	// 001: initial schema
	`
CREATE TABLE IF NOT EXISTS event_log (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id  TEXT    NOT NULL,
    ts          INTEGER NOT NULL,
    method      TEXT,
    path        TEXT,
    status      INTEGER NOT NULL,
    action      TEXT    NOT NULL,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    meta        TEXT
);
CREATE INDEX IF NOT EXISTS idx_event_log_request ON event_log(request_id);
CREATE INDEX IF NOT EXISTS idx_event_log_ts ON event_log(ts);

CREATE TABLE IF NOT EXISTS tasks (
    task_id        TEXT PRIMARY KEY,
    kind           TEXT NOT NULL,
    status         TEXT NOT NULL,
    created_at     INTEGER NOT NULL,
    started_at     INTEGER,
    finished_at    INTEGER,
    summary        TEXT,
    trigger_source TEXT,
    meta           TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at);

CREATE TABLE IF NOT EXISTS task_units (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id   TEXT NOT NULL,
    unit_name TEXT NOT NULL,
    status    TEXT NOT NULL,
    detail    TEXT,
    UNIQUE(task_id, unit_name)
);

CREATE TABLE IF NOT EXISTS task_logs (
    id      INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id TEXT    NOT NULL,
    ts      INTEGER NOT NULL,
    level   TEXT    NOT NULL,
    action  TEXT    NOT NULL,
    status  TEXT,
    summary TEXT,
    meta    TEXT
);
CREATE INDEX IF NOT EXISTS idx_task_logs_task ON task_logs(task_id, ts);

CREATE TABLE IF NOT EXISTS rate_limit_tokens (
    id     INTEGER PRIMARY KEY AUTOINCREMENT,
    scope  TEXT    NOT NULL,
    bucket TEXT    NOT NULL,
    ts     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rate_tokens ON rate_limit_tokens(scope, bucket, ts);

CREATE TABLE IF NOT EXISTS image_locks (
    bucket      TEXT PRIMARY KEY,
    acquired_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS discovered_units (
    unit          TEXT PRIMARY KEY,
    source        TEXT NOT NULL,
    discovered_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS registry_digest_cache (
    image      TEXT PRIMARY KEY,
    digest     TEXT,
    checked_at INTEGER NOT NULL,
    status     TEXT NOT NULL,
    error      TEXT
);
`,
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at INTEGER NOT NULL)`); err != nil {
		return err
	}

	var current int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return err
	}

	for i := current; i < len(migrations); i++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, applied_at) VALUES (?, strftime('%s','now'))`, i+1); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d bookkeeping: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}
