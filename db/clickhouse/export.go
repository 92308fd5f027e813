// Package clickhouse mirrors active price facts and price changes into
// ClickHouse for columnar analytics. Postgres stays the system of
// record; this store is a write-only sink rebuilt from it on demand.
package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/shopspring/decimal"
)

// Config holds ClickHouse connection configuration.
type Config struct {
	Addr     string
	Database string
	Username string
	Password string
	Debug    bool
}

// Fact is one active normalized price record, denormalized for
// analytical queries.
type Fact struct {
	FactID                int64
	Provider              string
	Service               string
	Region                string
	PricingModel          string
	Currency              string
	ProductFamily         string
	InstanceType          string
	OperatingSystem       string
	Tenancy               string
	Price                 decimal.Decimal
	PriceUnit             string
	CanonicalUnit         string
	EffectivePricePerHour *decimal.Decimal
	PurchaseOption        string
	Upfront               bool
	UpdatedAt             time.Time
}

// Change is one observed price change.
type Change struct {
	FactID                int64
	Provider              string
	Service               string
	Region                string
	Price                 decimal.Decimal
	EffectivePricePerHour *decimal.Decimal
	ChangePercentage      *decimal.Decimal
	RecordedAt            time.Time
}

// Exporter owns a ClickHouse connection and the analytics tables.
type Exporter struct {
	conn clickhouse.Conn
}

// Open connects to ClickHouse with LZ4 compression.
func Open(cfg Config) (*Exporter, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Debug: cfg.Debug,
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	return &Exporter{conn: conn}, nil
}

// Ping checks connectivity.
func (e *Exporter) Ping(ctx context.Context) error {
	return e.conn.Ping(ctx)
}

// Close closes the connection.
func (e *Exporter) Close() error {
	return e.conn.Close()
}

const createFactsTable = `
	CREATE TABLE IF NOT EXISTS price_facts (
		fact_id                  Int64,
		provider                 LowCardinality(String),
		service                  LowCardinality(String),
		region                   LowCardinality(String),
		pricing_model            LowCardinality(String),
		currency                 LowCardinality(String),
		product_family           LowCardinality(String),
		instance_type            String,
		operating_system         LowCardinality(String),
		tenancy                  LowCardinality(String),
		price                    Decimal(18, 6),
		price_unit               String,
		canonical_unit           LowCardinality(String),
		effective_price_per_hour Nullable(Decimal(18, 6)),
		purchase_option          LowCardinality(String),
		upfront                  UInt8,
		updated_at               DateTime,
		exported_at              DateTime DEFAULT now()
	) ENGINE = ReplacingMergeTree(exported_at)
	ORDER BY (provider, service, region, fact_id)`

const createChangesTable = `
	CREATE TABLE IF NOT EXISTS price_changes (
		fact_id                  Int64,
		provider                 LowCardinality(String),
		service                  LowCardinality(String),
		region                   LowCardinality(String),
		price                    Decimal(18, 6),
		effective_price_per_hour Nullable(Decimal(18, 6)),
		change_percentage        Nullable(Decimal(8, 2)),
		recorded_at              DateTime
	) ENGINE = ReplacingMergeTree(recorded_at)
	ORDER BY (provider, service, region, fact_id, recorded_at)`

// InitSchema creates the analytics tables if missing.
func (e *Exporter) InitSchema(ctx context.Context) error {
	if err := e.conn.Exec(ctx, createFactsTable); err != nil {
		return fmt.Errorf("create price_facts: %w", err)
	}
	if err := e.conn.Exec(ctx, createChangesTable); err != nil {
		return fmt.Errorf("create price_changes: %w", err)
	}
	return nil
}

// InsertFacts writes one batch of facts.
func (e *Exporter) InsertFacts(ctx context.Context, facts []*Fact) error {
	if len(facts) == 0 {
		return nil
	}
	batch, err := e.conn.PrepareBatch(ctx, `
		INSERT INTO price_facts (
			fact_id, provider, service, region, pricing_model, currency,
			product_family, instance_type, operating_system, tenancy,
			price, price_unit, canonical_unit, effective_price_per_hour,
			purchase_option, upfront, updated_at
		)`)
	if err != nil {
		return fmt.Errorf("prepare facts batch: %w", err)
	}
	for _, f := range facts {
		if err := batch.Append(
			f.FactID, f.Provider, f.Service, f.Region, f.PricingModel, f.Currency,
			f.ProductFamily, f.InstanceType, f.OperatingSystem, f.Tenancy,
			f.Price, f.PriceUnit, f.CanonicalUnit, f.EffectivePricePerHour,
			f.PurchaseOption, boolToUInt8(f.Upfront), f.UpdatedAt,
		); err != nil {
			return fmt.Errorf("append fact %d: %w", f.FactID, err)
		}
	}
	return batch.Send()
}

// InsertChanges writes one batch of price changes.
func (e *Exporter) InsertChanges(ctx context.Context, changes []*Change) error {
	if len(changes) == 0 {
		return nil
	}
	batch, err := e.conn.PrepareBatch(ctx, `
		INSERT INTO price_changes (
			fact_id, provider, service, region,
			price, effective_price_per_hour, change_percentage, recorded_at
		)`)
	if err != nil {
		return fmt.Errorf("prepare changes batch: %w", err)
	}
	for _, c := range changes {
		if err := batch.Append(
			c.FactID, c.Provider, c.Service, c.Region,
			c.Price, c.EffectivePricePerHour, c.ChangePercentage, c.RecordedAt,
		); err != nil {
			return fmt.Errorf("append change %d: %w", c.FactID, err)
		}
	}
	return batch.Send()
}

// TruncateFacts clears the fact mirror ahead of a full rebuild.
func (e *Exporter) TruncateFacts(ctx context.Context) error {
	return e.conn.Exec(ctx, `TRUNCATE TABLE IF EXISTS price_facts`)
}

func boolToUInt8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
