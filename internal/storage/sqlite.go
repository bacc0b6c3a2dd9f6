package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist. Paths on network mounts are refused.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := checkLocalFilesystem(path, detectFilesystemType); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Basic health check + apply a few safe pragmas.
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS event_queue (
  id            TEXT PRIMARY KEY,
  name          TEXT NOT NULL,
  payload       JSON,
  status        TEXT NOT NULL,
  attempt       INTEGER NOT NULL DEFAULT 1,
  max_attempts  INTEGER NOT NULL DEFAULT 4,
  dedupe_key    TEXT,
  created_at    TEXT NOT NULL,
  started_at    TEXT,
  completed_at  TEXT,
  next_retry_at TEXT,
  last_error    TEXT
);`,
		`CREATE TABLE IF NOT EXISTS event_log (
  id           TEXT PRIMARY KEY,
  event_id     TEXT NOT NULL,
  name         TEXT NOT NULL,
  status       TEXT NOT NULL,
  attempt      INTEGER NOT NULL,
  created_at   TEXT NOT NULL,
  completed_at TEXT NOT NULL,
  last_error   TEXT
);`,
		`CREATE TABLE IF NOT EXISTS workflow_run (
  id           TEXT PRIMARY KEY,
  workflow     TEXT NOT NULL,
  status       TEXT NOT NULL,
  input        JSON,
  error        TEXT,
  created_at   TEXT NOT NULL,
  updated_at   TEXT NOT NULL,
  completed_at TEXT
);`,
		`CREATE TABLE IF NOT EXISTS step_record (
  run_id       TEXT NOT NULL REFERENCES workflow_run(id) ON DELETE CASCADE,
  name         TEXT NOT NULL,
  output       JSON NOT NULL,
  digest       TEXT NOT NULL,
  attempts     INTEGER NOT NULL,
  completed_at TEXT NOT NULL,
  PRIMARY KEY (run_id, name)
);`,
		`CREATE TABLE IF NOT EXISTS project (
  id           TEXT PRIMARY KEY,
  name         TEXT NOT NULL,
  user_id      TEXT NOT NULL,
  visibility   TEXT NOT NULL DEFAULT 'private',
  slug         TEXT UNIQUE,
  category     TEXT,
  published_at TEXT,
  created_at   TEXT NOT NULL,
  updated_at   TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS message (
  id         TEXT PRIMARY KEY,
  project_id TEXT NOT NULL REFERENCES project(id) ON DELETE CASCADE,
  role       TEXT NOT NULL,
  type       TEXT NOT NULL,
  content    TEXT NOT NULL,
  created_at TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS fragment (
  id          TEXT PRIMARY KEY,
  message_id  TEXT NOT NULL UNIQUE REFERENCES message(id) ON DELETE CASCADE,
  sandbox_url TEXT NOT NULL,
  title       TEXT NOT NULL,
  title_hash  TEXT NOT NULL,
  files       JSON NOT NULL DEFAULT '{}',
  created_at  TEXT NOT NULL,
  updated_at  TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS screenshot (
  id          TEXT PRIMARY KEY,
  sandbox_url TEXT NOT NULL UNIQUE,
  image_url   TEXT NOT NULL,
  created_at  TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS sandbox (
  id         TEXT PRIMARY KEY,
  template   TEXT NOT NULL,
  resume     TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL,
  expires_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS event_queue_status_created_at_idx ON event_queue(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS event_queue_dedupe_key_idx ON event_queue(dedupe_key);`,
		`CREATE INDEX IF NOT EXISTS message_project_created_at_idx ON message(project_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS fragment_title_hash_idx ON fragment(title_hash);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
