package postgresql

import (
	"context"
	"database/sql"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS lots (
		id               UUID PRIMARY KEY,
		name             TEXT NOT NULL UNIQUE,
		location         TEXT NOT NULL DEFAULT '',
		total_spaces     INTEGER NOT NULL CHECK (total_spaces >= 0),
		available_spaces INTEGER NOT NULL DEFAULT 0,
		occupied_spaces  INTEGER NOT NULL DEFAULT 0,
		booked_spaces    INTEGER NOT NULL DEFAULT 0,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS spaces (
		id                  UUID PRIMARY KEY,
		lot_id              UUID NOT NULL REFERENCES lots(id) ON DELETE CASCADE,
		number              INTEGER NOT NULL,
		status              TEXT NOT NULL CHECK (status IN ('vacant', 'booked', 'occupied')),
		user_id             TEXT,
		user_email          TEXT,
		vehicle_info        TEXT,
		current_booking_id  UUID,
		start_time          TIMESTAMPTZ,
		booking_expiry_time TIMESTAMPTZ,
		version             BIGINT NOT NULL DEFAULT 1,
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (lot_id, number)
	)`,
	`CREATE TABLE IF NOT EXISTS bookings (
		id             UUID PRIMARY KEY,
		user_id        TEXT NOT NULL,
		user_email     TEXT NOT NULL,
		user_role      TEXT NOT NULL,
		lot_id         UUID NOT NULL REFERENCES lots(id),
		lot_name       TEXT NOT NULL,
		space_id       UUID NOT NULL REFERENCES spaces(id),
		space_number   INTEGER NOT NULL,
		status         TEXT NOT NULL,
		start_time     TIMESTAMPTZ NOT NULL,
		expiry_time    TIMESTAMPTZ NOT NULL,
		arrival_time   TIMESTAMPTZ,
		end_time       TIMESTAMPTZ,
		vehicle_info   TEXT NOT NULL DEFAULT '',
		billing_type   TEXT NOT NULL,
		billing_rate   NUMERIC(10, 2) NOT NULL,
		payment_amount NUMERIC(10, 2) NOT NULL,
		payment_status TEXT NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS bookings_user_status_start_idx ON bookings (user_id, status, start_time DESC)`,
	`CREATE INDEX IF NOT EXISTS bookings_status_start_idx ON bookings (status, start_time DESC)`,
	`CREATE INDEX IF NOT EXISTS bookings_pending_expiry_idx ON bookings (expiry_time) WHERE status = 'pending'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS bookings_one_live_per_space_idx ON bookings (space_id) WHERE status IN ('pending', 'occupied')`,
	`CREATE TABLE IF NOT EXISTS bills (
		id          UUID PRIMARY KEY,
		booking_id  UUID NOT NULL UNIQUE REFERENCES bookings(id),
		user_id     TEXT NOT NULL,
		user_email  TEXT NOT NULL,
		amount      NUMERIC(10, 2) NOT NULL,
		status      TEXT NOT NULL,
		due_date    TIMESTAMPTZ NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
}

// Migrate creates the tables and the indexes behind each query the repositories issue.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgresql.Migrate (statement %d): %w", i, err)
		}
	}
	return nil
}
