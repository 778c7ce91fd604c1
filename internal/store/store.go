// Package store is the durable persistence layer: raw notification events,
// fetched artifact contents, session and round aggregates. All writes are
// idempotent upserts keyed by natural identifiers, expressed as single
// INSERT ... ON CONFLICT statements so concurrent writers to the same key
// are serialized by the database rather than by in-process locks.
package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Store wraps the Postgres connection pool.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS raw_events (
		id           BIGSERIAL PRIMARY KEY,
		event_id     TEXT NOT NULL UNIQUE,
		bucket       TEXT NOT NULL,
		storage_key  TEXT NOT NULL,
		event_name   TEXT NOT NULL,
		event_time   TIMESTAMPTZ,
		file_size    BIGINT,
		content_type TEXT,
		metadata     JSONB,
		processed    BOOLEAN NOT NULL DEFAULT FALSE,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS stored_contents (
		id           BIGSERIAL PRIMARY KEY,
		event_id     TEXT,
		storage_key  TEXT NOT NULL,
		content      TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		stored_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS stored_contents_event_id_uq
		ON stored_contents (event_id) WHERE event_id IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS stored_contents_key_uq
		ON stored_contents (storage_key) WHERE event_id IS NULL`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id           BIGSERIAL PRIMARY KEY,
		session_id   TEXT NOT NULL UNIQUE,
		bucket       TEXT,
		prefix       TEXT,
		total_rounds INT NOT NULL DEFAULT 0,
		status       TEXT NOT NULL DEFAULT 'active',
		summary      JSONB,
		start_time   TIMESTAMPTZ,
		end_time     TIMESTAMPTZ,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS rounds (
		id                   BIGSERIAL PRIMARY KEY,
		session_id           TEXT NOT NULL,
		round_number         INT NOT NULL,
		storage_key          TEXT,
		accuracy             DOUBLE PRECISION,
		loss                 DOUBLE PRECISION,
		total_clients        INT,
		malicious_clients    INT,
		defense_success_rate DOUBLE PRECISION,
		payload              JSONB,
		round_timestamp      TIMESTAMPTZ,
		created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (session_id, round_number)
	)`,
}

// InitSchema creates all tables and indexes if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("InitSchema: %w", err)
		}
	}
	return nil
}
