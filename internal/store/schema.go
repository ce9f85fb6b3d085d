package store

// schemaDDL is applied idempotently at PostgresStore construction.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS tenants (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS partners (
	id             TEXT PRIMARY KEY,
	tenant_id      TEXT NOT NULL,
	name           TEXT NOT NULL,
	admin_key_hash TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_partners_admin_key ON partners (admin_key_hash) WHERE admin_key_hash <> '';

CREATE TABLE IF NOT EXISTS agents (
	id           TEXT NOT NULL,
	tenant_id    TEXT NOT NULL,
	partner_id   TEXT NOT NULL,
	email        TEXT NOT NULL DEFAULT '',
	display_name TEXT NOT NULL DEFAULT '',
	rules        JSONB NOT NULL DEFAULT '{}',
	api_key_hash TEXT NOT NULL DEFAULT '',
	is_active    BOOLEAN NOT NULL DEFAULT TRUE,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (tenant_id, id)
);
CREATE INDEX IF NOT EXISTS idx_agents_api_key ON agents (api_key_hash) WHERE api_key_hash <> '';

CREATE TABLE IF NOT EXISTS listings (
	id             TEXT NOT NULL,
	tenant_id      TEXT NOT NULL,
	partner_id     TEXT NOT NULL,
	agent_id       TEXT NOT NULL,
	schema         TEXT NOT NULL,
	schema_version TEXT NOT NULL,
	payload        JSONB NOT NULL,
	content_hash   TEXT NOT NULL,
	status         TEXT NOT NULL,
	is_active      BOOLEAN NOT NULL DEFAULT TRUE,
	created_by     TEXT NOT NULL DEFAULT '',
	updated_by     TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (tenant_id, id)
);
CREATE INDEX IF NOT EXISTS idx_listings_partner ON listings (tenant_id, partner_id, id);

CREATE TABLE IF NOT EXISTS source_listing_mappings (
	tenant_id         TEXT NOT NULL,
	partner_id        TEXT NOT NULL,
	agent_id          TEXT NOT NULL,
	partner_key       TEXT NOT NULL,
	source_listing_id TEXT NOT NULL,
	listing_id        TEXT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (tenant_id, partner_id, partner_key, source_listing_id)
);

CREATE TABLE IF NOT EXISTS ingest_runs (
	id                TEXT PRIMARY KEY,
	tenant_id         TEXT NOT NULL,
	partner_id        TEXT NOT NULL,
	agent_id          TEXT NOT NULL,
	partner_key       TEXT NOT NULL,
	source_listing_id TEXT NOT NULL,
	idempotency_key   TEXT NOT NULL DEFAULT '',
	adapter_version   TEXT NOT NULL DEFAULT '',
	raw_payload       JSONB NOT NULL DEFAULT '{}',
	canonical_payload JSONB,
	listing_id        TEXT NOT NULL DEFAULT '',
	content_hash      TEXT NOT NULL DEFAULT '',
	material_change   BOOLEAN NOT NULL DEFAULT FALSE,
	status            TEXT NOT NULL,
	errors            JSONB,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_ingest_runs_idem
	ON ingest_runs (tenant_id, partner_id, partner_key, source_listing_id, idempotency_key)
	WHERE idempotency_key <> '';
CREATE INDEX IF NOT EXISTS idx_ingest_runs_tenant ON ingest_runs (tenant_id, created_at DESC);

CREATE TABLE IF NOT EXISTS outbox_events (
	id                    TEXT PRIMARY KEY,
	tenant_id             TEXT NOT NULL,
	partner_id            TEXT NOT NULL,
	aggregate_type        TEXT NOT NULL,
	aggregate_id          TEXT NOT NULL,
	event_type            TEXT NOT NULL,
	payload               JSONB NOT NULL DEFAULT '{}',
	status                TEXT NOT NULL DEFAULT 'pending',
	attempts              INTEGER NOT NULL DEFAULT 0,
	lease_id              TEXT NOT NULL DEFAULT '',
	lease_expires_at      TIMESTAMPTZ,
	processing_started_at TIMESTAMPTZ,
	processed_at          TIMESTAMPTZ,
	last_error            TEXT NOT NULL DEFAULT '',
	created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox_events (created_at) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_outbox_leases ON outbox_events (lease_expires_at) WHERE status = 'processing';

CREATE TABLE IF NOT EXISTS deliveries (
	id               TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL,
	partner_id       TEXT NOT NULL,
	agent_id         TEXT NOT NULL,
	listing_id       TEXT NOT NULL,
	destination      TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'pending',
	attempts         INTEGER NOT NULL DEFAULT 0,
	last_error       TEXT NOT NULL DEFAULT '',
	status_detail    TEXT NOT NULL DEFAULT '',
	retryable        BOOLEAN NOT NULL DEFAULT TRUE,
	next_retry_at    TIMESTAMPTZ,
	last_attempt_at  TIMESTAMPTZ,
	last_success_at  TIMESTAMPTZ,
	dead_lettered_at TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (tenant_id, destination, listing_id)
);
CREATE INDEX IF NOT EXISTS idx_deliveries_due
	ON deliveries (created_at) WHERE status IN ('pending', 'failed');

CREATE TABLE IF NOT EXISTS delivery_attempts (
	id            TEXT PRIMARY KEY,
	delivery_id   TEXT NOT NULL,
	status        TEXT NOT NULL,
	request       JSONB NOT NULL DEFAULT '{}',
	response      JSONB NOT NULL DEFAULT '{}',
	error_code    TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_delivery_attempts ON delivery_attempts (delivery_id, created_at);

CREATE TABLE IF NOT EXISTS agent_credentials (
	id                TEXT NOT NULL,
	tenant_id         TEXT NOT NULL,
	partner_id        TEXT NOT NULL,
	agent_id          TEXT NOT NULL,
	destination       TEXT NOT NULL,
	secret_ciphertext TEXT NOT NULL,
	is_active         BOOLEAN NOT NULL DEFAULT TRUE,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (tenant_id, partner_id, agent_id, destination)
);

CREATE TABLE IF NOT EXISTS agent_external_identities (
	id                TEXT NOT NULL,
	tenant_id         TEXT NOT NULL,
	partner_id        TEXT NOT NULL,
	agent_id          TEXT NOT NULL,
	destination       TEXT NOT NULL,
	external_agent_id TEXT NOT NULL,
	is_active         BOOLEAN NOT NULL DEFAULT TRUE,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (tenant_id, partner_id, agent_id, destination)
);

CREATE TABLE IF NOT EXISTS listing_external_mappings (
	tenant_id           TEXT NOT NULL,
	partner_id          TEXT NOT NULL,
	agent_id            TEXT NOT NULL,
	listing_id          TEXT NOT NULL,
	destination         TEXT NOT NULL,
	external_listing_id TEXT NOT NULL DEFAULT '',
	last_synced_hash    TEXT NOT NULL DEFAULT '',
	meta                JSONB,
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (tenant_id, destination, listing_id)
);

CREATE TABLE IF NOT EXISTS partner_destination_settings (
	tenant_id   TEXT NOT NULL,
	partner_id  TEXT NOT NULL,
	destination TEXT NOT NULL,
	is_enabled  BOOLEAN NOT NULL DEFAULT FALSE,
	config      JSONB NOT NULL DEFAULT '{}',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (tenant_id, partner_id, destination)
);

CREATE TABLE IF NOT EXISTS feed_snapshots (
	id               TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL,
	partner_id       TEXT NOT NULL,
	destination      TEXT NOT NULL,
	storage_uri      TEXT NOT NULL,
	gzip_storage_uri TEXT NOT NULL DEFAULT '',
	gzip_size_bytes  INTEGER NOT NULL DEFAULT 0,
	format           TEXT NOT NULL,
	content_hash     TEXT NOT NULL,
	listing_count    INTEGER NOT NULL DEFAULT 0,
	meta             JSONB NOT NULL DEFAULT '{}',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_feed_snapshots_latest
	ON feed_snapshots (partner_id, destination, created_at DESC);

CREATE TABLE IF NOT EXISTS destination_enum_mappings (
	destination       TEXT NOT NULL,
	namespace         TEXT NOT NULL,
	source_key        TEXT NOT NULL,
	destination_value TEXT NOT NULL,
	updated_by        TEXT NOT NULL DEFAULT '',
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (destination, namespace, source_key)
);

CREATE TABLE IF NOT EXISTS geo_countries (
	id   TEXT PRIMARY KEY,
	code TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS geo_cities (
	id         TEXT PRIMARY KEY,
	country_id TEXT NOT NULL,
	slug       TEXT NOT NULL,
	name       TEXT NOT NULL,
	UNIQUE (country_id, slug)
);

CREATE TABLE IF NOT EXISTS geo_areas (
	id      TEXT PRIMARY KEY,
	city_id TEXT NOT NULL,
	slug    TEXT NOT NULL,
	name    TEXT NOT NULL,
	UNIQUE (city_id, slug)
);

CREATE TABLE IF NOT EXISTS destination_geo_mappings (
	destination         TEXT NOT NULL,
	geo_country_id      TEXT NOT NULL,
	geo_city_id         TEXT NOT NULL,
	geo_area_id         TEXT NOT NULL,
	destination_area_id TEXT NOT NULL,
	updated_by          TEXT NOT NULL DEFAULT '',
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (destination, geo_area_id)
);

CREATE TABLE IF NOT EXISTS catalog_import_runs (
	id           TEXT PRIMARY KEY,
	destination  TEXT NOT NULL,
	kind         TEXT NOT NULL,
	namespace    TEXT NOT NULL DEFAULT '',
	country_code TEXT NOT NULL DEFAULT '',
	source       TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	summary      JSONB NOT NULL DEFAULT '{}',
	created_by   TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS catalog_import_items (
	id             TEXT PRIMARY KEY,
	run_id         TEXT NOT NULL,
	key            TEXT NOT NULL,
	value          TEXT NOT NULL DEFAULT '',
	existing_value TEXT NOT NULL DEFAULT '',
	action         TEXT NOT NULL,
	detail         JSONB
);
CREATE INDEX IF NOT EXISTS idx_catalog_import_items ON catalog_import_items (run_id);

CREATE TABLE IF NOT EXISTS catalog_sets (
	id           TEXT PRIMARY KEY,
	destination  TEXT NOT NULL,
	country_code TEXT NOT NULL DEFAULT '',
	name         TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'draft',
	change_note  TEXT NOT NULL DEFAULT '',
	approved_by  TEXT NOT NULL DEFAULT '',
	approved_at  TIMESTAMPTZ,
	created_by   TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS catalog_set_items (
	id                  TEXT PRIMARY KEY,
	catalog_set_id      TEXT NOT NULL,
	kind                TEXT NOT NULL,
	namespace           TEXT NOT NULL DEFAULT '',
	source_key          TEXT NOT NULL DEFAULT '',
	destination_value   TEXT NOT NULL DEFAULT '',
	geo_key             TEXT NOT NULL DEFAULT '',
	destination_area_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_catalog_set_items ON catalog_set_items (catalog_set_id);

CREATE TABLE IF NOT EXISTS catalog_set_active (
	destination           TEXT NOT NULL,
	country_code          TEXT NOT NULL DEFAULT '',
	active_catalog_set_id TEXT NOT NULL,
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (destination, country_code)
);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	tenant_id    TEXT NOT NULL,
	partner_id   TEXT NOT NULL DEFAULT '',
	key          TEXT NOT NULL,
	request_hash TEXT NOT NULL,
	response     JSONB,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (tenant_id, key)
);

CREATE TABLE IF NOT EXISTS audit_log (
	id           TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL DEFAULT '',
	partner_id   TEXT NOT NULL DEFAULT '',
	actor_key_id TEXT NOT NULL DEFAULT '',
	action       TEXT NOT NULL,
	target_type  TEXT NOT NULL DEFAULT '',
	target_id    TEXT NOT NULL DEFAULT '',
	detail       JSONB,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_audit_tenant ON audit_log (tenant_id, created_at DESC);
`
