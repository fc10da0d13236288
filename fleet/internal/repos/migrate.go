package repos

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS golf_carts (
	cart_id              UUID PRIMARY KEY,
	cart_number          VARCHAR(20) NOT NULL UNIQUE,
	position_lat         DOUBLE PRECISION NOT NULL DEFAULT 0,
	position_lng         DOUBLE PRECISION NOT NULL DEFAULT 0,
	velocity             DOUBLE PRECISION NOT NULL DEFAULT 0,
	battery_level        DOUBLE PRECISION NOT NULL DEFAULT 100,
	status               VARCHAR(20) NOT NULL DEFAULT 'idle'
		CHECK (status IN ('idle', 'running', 'charging', 'fixing', 'out_of_service')),
	last_maintenance     TIMESTAMPTZ,
	trip_started_at      TIMESTAMPTZ,
	last_position_update TIMESTAMPTZ,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS golf_carts_status_idx ON golf_carts (status);

CREATE TABLE IF NOT EXISTS outbox_events (
	seq            BIGSERIAL UNIQUE,
	event_id       UUID PRIMARY KEY,
	aggregate_type VARCHAR(50) NOT NULL,
	aggregate_id   UUID NOT NULL,
	event_name     VARCHAR(100) NOT NULL,
	payload        JSONB NOT NULL,
	status         VARCHAR(20) NOT NULL DEFAULT 'pending',
	attempts       INT NOT NULL DEFAULT 0,
	next_retry_at  TIMESTAMPTZ,
	locked_at      TIMESTAMPTZ,
	locked_by      TEXT,
	last_error     TEXT,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	published_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS outbox_events_pending_idx ON outbox_events (status, seq);
CREATE INDEX IF NOT EXISTS outbox_events_aggregate_idx ON outbox_events (aggregate_id, seq);

CREATE TABLE IF NOT EXISTS event_logs (
	id           BIGSERIAL PRIMARY KEY,
	event_id     UUID NOT NULL UNIQUE,
	event_name   VARCHAR(100) NOT NULL,
	aggregate_id UUID NOT NULL,
	occurred_at  TIMESTAMPTZ NOT NULL,
	payload      JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS event_logs_aggregate_idx ON event_logs (aggregate_id, occurred_at);
`

// Migrate creates the tables if they do not exist. Safe to run on every start.
func Migrate(ctx context.Context, db DBTX) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
