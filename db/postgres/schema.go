package postgres

// Database schema for the canonical pricing tables. Uniqueness of
// canonical keys and of raw content digests is enforced here, at the
// storage layer; in-memory caches are never the source of truth.

const createProvidersTable = `
CREATE TABLE IF NOT EXISTS providers (
    id BIGSERIAL PRIMARY KEY,
    key VARCHAR(100) NOT NULL,
    display_name VARCHAR(200) NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    UNIQUE (key)
);
`

const createServicesTable = `
CREATE TABLE IF NOT EXISTS services (
    id BIGSERIAL PRIMARY KEY,
    provider_id BIGINT NOT NULL REFERENCES providers(id),
    key VARCHAR(200) NOT NULL,
    display_name VARCHAR(200) NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    UNIQUE (provider_id, key)
);
`

const createRegionsTable = `
CREATE TABLE IF NOT EXISTS regions (
    id BIGSERIAL PRIMARY KEY,
    provider_id BIGINT NOT NULL REFERENCES providers(id),
    key VARCHAR(200) NOT NULL,
    display_name VARCHAR(200) NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    UNIQUE (provider_id, key)
);
`

const createPricingModelsTable = `
CREATE TABLE IF NOT EXISTS pricing_models (
    id BIGSERIAL PRIMARY KEY,
    key VARCHAR(100) NOT NULL,
    display_name VARCHAR(200) NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    UNIQUE (key)
);
`

const createCurrenciesTable = `
CREATE TABLE IF NOT EXISTS currencies (
    id BIGSERIAL PRIMARY KEY,
    key VARCHAR(10) NOT NULL,
    display_name VARCHAR(100) NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    UNIQUE (key)
);
`

const createRawPriceRecordsTable = `
CREATE TABLE IF NOT EXISTS raw_price_records (
    id BIGSERIAL PRIMARY KEY,
    provider_id BIGINT NOT NULL REFERENCES providers(id),
    node_id VARCHAR(200) NOT NULL,
    payload JSONB NOT NULL,
    digest CHAR(64) NOT NULL,
    source VARCHAR(100) NOT NULL,
    fetched_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    UNIQUE (provider_id, node_id, digest)
);

CREATE INDEX IF NOT EXISTS idx_raw_price_records_fetched_at ON raw_price_records(fetched_at);
`

const createNormalizedPriceRecordsTable = `
CREATE TABLE IF NOT EXISTS normalized_price_records (
    id BIGSERIAL PRIMARY KEY,
    provider_id BIGINT NOT NULL REFERENCES providers(id),
    service_id BIGINT NOT NULL REFERENCES services(id),
    region_id BIGINT NOT NULL REFERENCES regions(id),
    pricing_model_id BIGINT NOT NULL REFERENCES pricing_models(id),
    currency_id BIGINT NOT NULL REFERENCES currencies(id),

    product_family VARCHAR(200) NOT NULL DEFAULT '',
    instance_type VARCHAR(100) NOT NULL DEFAULT '',
    operating_system VARCHAR(100) NOT NULL DEFAULT '',
    tenancy VARCHAR(50) NOT NULL DEFAULT '',
    attributes JSONB NOT NULL DEFAULT '{}',
    attributes_digest CHAR(64) NOT NULL,

    price DECIMAL(18,6) NOT NULL,
    price_unit VARCHAR(100) NOT NULL,
    canonical_unit VARCHAR(20) NOT NULL,
    effective_price_per_hour DECIMAL(18,6),
    purchase_option VARCHAR(50) NOT NULL DEFAULT '',
    upfront BOOLEAN NOT NULL DEFAULT FALSE,
    term_years DECIMAL(8,4),

    raw_record_id BIGINT REFERENCES raw_price_records(id),
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    CHECK (price >= 0)
);

CREATE UNIQUE INDEX IF NOT EXISTS uniq_normalized_active_key
    ON normalized_price_records (provider_id, service_id, region_id, pricing_model_id, attributes_digest, price_unit, purchase_option)
    WHERE is_active;

CREATE INDEX IF NOT EXISTS idx_normalized_instance_type ON normalized_price_records(instance_type);
CREATE INDEX IF NOT EXISTS idx_normalized_is_active ON normalized_price_records(is_active);
`

const createPriceHistoryTable = `
CREATE TABLE IF NOT EXISTS price_history (
    id BIGSERIAL PRIMARY KEY,
    normalized_id BIGINT NOT NULL REFERENCES normalized_price_records(id),
    price DECIMAL(18,6) NOT NULL,
    effective_price_per_hour DECIMAL(18,6),
    change_percentage DECIMAL(8,2),
    recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_price_history_normalized ON price_history(normalized_id, recorded_at DESC);
`

const createIngestionRunsTable = `
CREATE TABLE IF NOT EXISTS ingestion_runs (
    id UUID PRIMARY KEY,
    source VARCHAR(100) NOT NULL,
    endpoint TEXT NOT NULL DEFAULT '',
    status VARCHAR(30) NOT NULL CHECK (status IN ('running', 'success', 'success_with_skips', 'failure')),
    rows_staged BIGINT NOT NULL DEFAULT 0,
    rows_inserted BIGINT NOT NULL DEFAULT 0,
    rows_updated BIGINT NOT NULL DEFAULT 0,
    rows_skipped BIGINT NOT NULL DEFAULT 0,
    rows_failed BIGINT NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT '',
    started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    finished_at TIMESTAMPTZ,
    duration_ms BIGINT
);

CREATE INDEX IF NOT EXISTS idx_ingestion_runs_started_at ON ingestion_runs(started_at DESC);
`

// The staging table is transient: dropped and recreated on every run,
// UNLOGGED because its contents never need to survive a crash.
const createStagingTable = `
CREATE UNLOGGED TABLE staging_prices (
    product_hash TEXT NOT NULL DEFAULT '',
    sku TEXT NOT NULL DEFAULT '',
    vendor_name TEXT NOT NULL DEFAULT '',
    region TEXT NOT NULL DEFAULT '',
    service TEXT NOT NULL DEFAULT '',
    product_family TEXT NOT NULL DEFAULT '',
    attributes JSONB,
    prices JSONB
);
`

const dropStagingTable = `DROP TABLE IF EXISTS staging_prices;`
