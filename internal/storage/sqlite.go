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
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite locks the whole file for writes; a single pooled connection
	// keeps pragmas effective and avoids SQLITE_BUSY under contention.
	db.SetMaxOpenConns(1)

	// Basic health check + apply a few safe pragmas.
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
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
		`CREATE TABLE IF NOT EXISTS agents (
  id             TEXT PRIMARY KEY,
  name           TEXT NOT NULL UNIQUE,
  robot_type     TEXT NOT NULL DEFAULT '',
  created_at     TEXT NOT NULL,
  last_heartbeat TEXT,
  heartbeat_data JSON
);`,
		`CREATE TABLE IF NOT EXISTS agent_keys (
  key_hash   TEXT PRIMARY KEY,
  agent_id   TEXT NOT NULL REFERENCES agents(id),
  created_at TEXT NOT NULL,
  revoked_at TEXT
);`,
		`CREATE TABLE IF NOT EXISTS commands (
  id             TEXT PRIMARY KEY,
  agent_id       TEXT NOT NULL REFERENCES agents(id),
  type           TEXT NOT NULL,
  payload        JSON,
  status         TEXT NOT NULL,
  ttl_seconds    INTEGER NOT NULL,
  created_at     TEXT NOT NULL,
  delivered_at   TEXT,
  acked_at       TEXT,
  result_success INTEGER,
  result_message TEXT
);`,
		`CREATE TABLE IF NOT EXISTS command_output (
  command_id TEXT NOT NULL REFERENCES commands(id),
  seq        INTEGER NOT NULL,
  text       TEXT NOT NULL,
  created_at TEXT NOT NULL,
  PRIMARY KEY (command_id, seq)
);`,
		`CREATE INDEX IF NOT EXISTS commands_agent_status_idx ON commands(agent_id, status, created_at);`,
		`CREATE INDEX IF NOT EXISTS agent_keys_agent_idx ON agent_keys(agent_id);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
