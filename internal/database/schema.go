package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// schemaStatements are idempotent and applied in order by Migrate
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS routes (
		id          UUID PRIMARY KEY,
		name        TEXT NOT NULL DEFAULT '',
		origin      TEXT NOT NULL,
		destination TEXT NOT NULL,
		is_active   BOOLEAN NOT NULL DEFAULT TRUE,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS trips (
		id                  UUID PRIMARY KEY,
		route_id            UUID NOT NULL REFERENCES routes(id),
		registration_number TEXT NOT NULL,
		total_seats         INTEGER NOT NULL CHECK (total_seats > 0),
		departure_time      TIMESTAMPTZ NOT NULL,
		base_fare           NUMERIC(10,2) NOT NULL CHECK (base_fare >= 0),
		status              TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'cancelled', 'full')),
		created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS ix_trips_route_departure ON trips (route_id, departure_time)`,

	`CREATE TABLE IF NOT EXISTS trip_seats (
		trip_id      UUID NOT NULL REFERENCES trips(id),
		seat_number  INTEGER NOT NULL CHECK (seat_number > 0),
		is_booked    BOOLEAN NOT NULL DEFAULT FALSE,
		locked_by    UUID,
		lock_expiry  TIMESTAMPTZ,
		booked_by    UUID,
		booking_time TIMESTAMPTZ,
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (trip_id, seat_number),
		CONSTRAINT ck_trip_seats_booked_unlocked CHECK (NOT (is_booked AND locked_by IS NOT NULL))
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_trip_seats_locked_by ON trip_seats (locked_by) WHERE locked_by IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS ix_trip_seats_lock_expiry ON trip_seats (lock_expiry) WHERE lock_expiry IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS payment_sessions (
		id                    UUID PRIMARY KEY,
		user_id               UUID NOT NULL,
		trip_id               UUID NOT NULL REFERENCES trips(id),
		seat_number           INTEGER NOT NULL,
		amount                NUMERIC(10,2) NOT NULL,
		phone_number          TEXT NOT NULL,
		status                TEXT NOT NULL CHECK (status IN ('pending', 'stk_pushed', 'processing', 'completed', 'failed', 'expired', 'refund_required', 'cancelled')),
		checkout_request_id   TEXT,
		merchant_request_id   TEXT,
		provider_response     TEXT,
		result_code           INTEGER,
		receipt_number        TEXT,
		transaction_date      TIMESTAMPTZ,
		expires_at            TIMESTAMPTZ NOT NULL,
		verification_attempts INTEGER NOT NULL DEFAULT 0,
		error_log             JSONB NOT NULL DEFAULT '[]'::jsonb,
		created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at          TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_payment_sessions_checkout ON payment_sessions (checkout_request_id) WHERE checkout_request_id IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_payment_sessions_active_user ON payment_sessions (user_id) WHERE status IN ('pending', 'stk_pushed', 'processing')`,
	`CREATE INDEX IF NOT EXISTS ix_payment_sessions_status_expiry ON payment_sessions (status, expires_at)`,

	`CREATE TABLE IF NOT EXISTS bookings (
		id                 UUID PRIMARY KEY,
		trip_id            UUID NOT NULL REFERENCES trips(id),
		seat_number        INTEGER NOT NULL,
		user_id            UUID NOT NULL,
		route_id           UUID NOT NULL REFERENCES routes(id),
		payment_session_id UUID NOT NULL REFERENCES payment_sessions(id),
		payment_reference  TEXT,
		fare               NUMERIC(10,2) NOT NULL,
		travel_date        TIMESTAMPTZ NOT NULL,
		status             TEXT NOT NULL CHECK (status IN ('confirmed', 'cancelled')),
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		cancelled_at       TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_bookings_confirmed_seat ON bookings (trip_id, seat_number) WHERE status = 'confirmed'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_bookings_payment_session ON bookings (payment_session_id)`,
	`CREATE INDEX IF NOT EXISTS ix_bookings_user ON bookings (user_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS reconciliation_tasks (
		id                 UUID PRIMARY KEY,
		task_type          TEXT NOT NULL,
		payment_session_id UUID,
		payload            JSONB,
		status             TEXT NOT NULL DEFAULT 'new' CHECK (status IN ('new', 'processing', 'done', 'failed')),
		attempts           INTEGER NOT NULL DEFAULT 0,
		max_attempts       INTEGER NOT NULL DEFAULT 3,
		run_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_error         TEXT,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS ix_reconciliation_tasks_due ON reconciliation_tasks (status, run_at)`,

	`CREATE TABLE IF NOT EXISTS payment_audits (
		id                  UUID PRIMARY KEY,
		payment_session_id  UUID,
		checkout_request_id TEXT,
		event_type          TEXT NOT NULL,
		event_source        TEXT NOT NULL,
		expected_amount     NUMERIC(10,2),
		received_amount     NUMERIC(10,2),
		amounts_match       BOOLEAN,
		payment_status      TEXT,
		result_code         INTEGER,
		request_payload     JSONB,
		response_payload    JSONB,
		raw_body            TEXT,
		http_status_code    INTEGER,
		error_message       TEXT,
		is_duplicate        BOOLEAN NOT NULL DEFAULT FALSE,
		ip_address          TEXT,
		user_agent          TEXT,
		device_type         TEXT,
		correlation_id      TEXT,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS ix_payment_audits_session ON payment_audits (payment_session_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS ix_payment_audits_checkout ON payment_audits (checkout_request_id)`,

	`CREATE TABLE IF NOT EXISTS payment_rate_limits (
		identifier      TEXT NOT NULL,
		identifier_type TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS ix_payment_rate_limits_lookup ON payment_rate_limits (identifier, identifier_type, created_at)`,
}

// Migrate applies the schema. Every statement is idempotent so it is safe
// to run on each start and from several replicas.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for i, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d failed: %w", i+1, err)
		}
	}
	return nil
}
