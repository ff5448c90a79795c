// Package postgres implements the repository contracts on PostgreSQL.
//
// All writes that guard invariants lean on the database rather than process
// memory: the one-active-emergency-per-user rule is a partial unique index,
// lifecycle updates are optimistic version check-and-set, and idempotent
// appends use ON CONFLICT DO NOTHING.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	// Registers the postgres driver.
	_ "github.com/lib/pq"
)

// Store implements repository.Store against a PostgreSQL database.
type Store struct {
	// db is the shared connection pool.
	db *sql.DB
}

// NewStore opens a connection pool and verifies connectivity.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// CreateTables creates the schema when it does not exist yet.
func (s *Store) CreateTables(ctx context.Context) error {
	const query = `
CREATE TABLE IF NOT EXISTS emergencies (
    id                 UUID PRIMARY KEY,
    user_id            UUID             NOT NULL,
    type               TEXT             NOT NULL,
    status             TEXT             NOT NULL,
    auto_triggered     BOOLEAN          NOT NULL DEFAULT FALSE,
    trigger_source     TEXT             NOT NULL DEFAULT '',
    countdown_seconds  INTEGER          NOT NULL DEFAULT 0,
    countdown_deadline TIMESTAMPTZ,
    initial_lat        DOUBLE PRECISION,
    initial_lon        DOUBLE PRECISION,
    initial_accuracy   DOUBLE PRECISION,
    contacts           JSONB            NOT NULL DEFAULT '[]',
    version            BIGINT           NOT NULL DEFAULT 1,
    created_at         TIMESTAMPTZ      NOT NULL,
    activated_at       TIMESTAMPTZ,
    cancelled_at       TIMESTAMPTZ,
    cancel_actor       UUID,
    cancel_reason      TEXT             NOT NULL DEFAULT '',
    resolved_at        TIMESTAMPTZ,
    resolve_actor      UUID,
    resolution_notes   TEXT             NOT NULL DEFAULT '',
    archived           BOOLEAN          NOT NULL DEFAULT FALSE
);

CREATE UNIQUE INDEX IF NOT EXISTS emergencies_one_active_per_user
    ON emergencies (user_id)
    WHERE status IN ('pending', 'active');

CREATE INDEX IF NOT EXISTS emergencies_user_created
    ON emergencies (user_id, created_at DESC);

CREATE INDEX IF NOT EXISTS emergencies_pending_deadline
    ON emergencies (countdown_deadline)
    WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS acknowledgments (
    emergency_id UUID        NOT NULL,
    contact_id   UUID        NOT NULL,
    lat          DOUBLE PRECISION,
    lon          DOUBLE PRECISION,
    accuracy     DOUBLE PRECISION,
    message      TEXT        NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (emergency_id, contact_id)
);

CREATE TABLE IF NOT EXISTS location_points (
    emergency_id UUID             NOT NULL,
    recorded_at  TIMESTAMPTZ      NOT NULL,
    lat          DOUBLE PRECISION NOT NULL,
    lon          DOUBLE PRECISION NOT NULL,
    accuracy     DOUBLE PRECISION NOT NULL DEFAULT 0,
    speed        DOUBLE PRECISION,
    heading      DOUBLE PRECISION,
    provider     TEXT             NOT NULL DEFAULT '',
    battery      DOUBLE PRECISION,
    PRIMARY KEY (emergency_id, recorded_at)
);

CREATE TABLE IF NOT EXISTS notification_records (
    id           UUID PRIMARY KEY,
    emergency_id UUID        NOT NULL,
    batch_id     UUID        NOT NULL,
    contact_id   UUID        NOT NULL,
    channel      TEXT        NOT NULL,
    status       TEXT        NOT NULL,
    attempts     INTEGER     NOT NULL DEFAULT 0,
    last_error   TEXT        NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ NOT NULL,
    updated_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS notification_records_emergency
    ON notification_records (emergency_id, created_at);

CREATE TABLE IF NOT EXISTS escalation_timers (
    emergency_id  UUID PRIMARY KEY,
    tier_notified INTEGER     NOT NULL,
    next_deadline TIMESTAMPTZ NOT NULL,
    stopped       BOOLEAN     NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS escalation_timers_due
    ON escalation_timers (next_deadline)
    WHERE NOT stopped;

CREATE TABLE IF NOT EXISTS event_sequences (
    emergency_id UUID PRIMARY KEY,
    seq          BIGINT NOT NULL
);
`

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}

	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
