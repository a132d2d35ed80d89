package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddl is the full schema, idempotent so both binaries and relayctl can run
// it at startup against a fresh or existing database.
const ddl = `
CREATE SCHEMA IF NOT EXISTS relay;

CREATE TABLE IF NOT EXISTS relay.tenants (
	id         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	code       TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL,
	domain     TEXT,
	active     BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS relay.platforms (
	id           UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	code         TEXT NOT NULL UNIQUE,
	name         TEXT NOT NULL,
	auth_type    TEXT,
	api_base_url TEXT,
	active       BOOLEAN NOT NULL DEFAULT TRUE,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS relay.platform_credentials (
	id                UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	tenant_id         UUID NOT NULL REFERENCES relay.tenants(id),
	platform_id       UUID NOT NULL REFERENCES relay.platforms(id),
	secret_ciphertext TEXT NOT NULL,
	pixel_id          TEXT,
	account_id        TEXT,
	base_url_override TEXT,
	active            BOOLEAN NOT NULL DEFAULT TRUE,
	last_used_at      TIMESTAMPTZ,
	last_error        TEXT,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (tenant_id, platform_id)
);

CREATE TABLE IF NOT EXISTS relay.sgtm_configs (
	id                    UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	tenant_id             UUID NOT NULL UNIQUE REFERENCES relay.tenants(id),
	url                   TEXT NOT NULL,
	client_type           TEXT NOT NULL DEFAULT 'ga4',
	measurement_id        TEXT,
	api_secret_ciphertext TEXT,
	custom_endpoint_path  TEXT,
	custom_headers        JSONB,
	active                BOOLEAN NOT NULL DEFAULT TRUE,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS relay.events (
	id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	idempotency_key TEXT NOT NULL UNIQUE,
	tenant_id       UUID REFERENCES relay.tenants(id),
	tenant_code     TEXT,
	kind            TEXT NOT NULL,
	payload         JSONB NOT NULL DEFAULT '{}'::jsonb,
	source_system   TEXT,
	status          TEXT NOT NULL DEFAULT 'pending',
	retry_count     INT NOT NULL DEFAULT 0,
	next_retry_at   TIMESTAMPTZ,
	processed_at    TIMESTAMPTZ,
	last_error      TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_events_claimable
	ON relay.events (created_at)
	WHERE status IN ('pending', 'retrying');

CREATE TABLE IF NOT EXISTS relay.event_attempts (
	id               UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	event_id         UUID NOT NULL REFERENCES relay.events(id),
	seq              INT NOT NULL,
	destination_kind TEXT NOT NULL,
	destination      TEXT NOT NULL,
	success          BOOLEAN NOT NULL,
	retryable        BOOLEAN NOT NULL,
	http_status      INT,
	response_body    TEXT,
	error_message    TEXT,
	duration_ms      BIGINT,
	attempted_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (event_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_event_attempts_event
	ON relay.event_attempts (event_id, seq);
`

// Migrate applies the schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
