package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ActiveFact is the denormalized read-side view of one active price
// record, joined against its dimension tables for export.
type ActiveFact struct {
	ID                    int64
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

// HistoryRow is one price change joined with its fact's dimensions.
type HistoryRow struct {
	NormalizedID          int64
	Provider              string
	Service               string
	Region                string
	Price                 decimal.Decimal
	EffectivePricePerHour *decimal.Decimal
	ChangePercentage      *decimal.Decimal
	RecordedAt            time.Time
}

const activeFactsQuery = `
	SELECT n.id, p.key, s.key, r.key, pm.key, c.key,
	       n.product_family, n.instance_type, n.operating_system, n.tenancy,
	       n.price, n.price_unit, n.canonical_unit, n.effective_price_per_hour,
	       n.purchase_option, n.upfront, n.updated_at
	FROM normalized_price_records n
	JOIN providers p ON p.id = n.provider_id
	JOIN services s ON s.id = n.service_id
	JOIN regions r ON r.id = n.region_id
	JOIN pricing_models pm ON pm.id = n.pricing_model_id
	JOIN currencies c ON c.id = n.currency_id
	WHERE n.is_active AND n.id > $1
	ORDER BY n.id
	LIMIT $2`

// StreamActiveFacts pages over all active normalized records in id
// order and hands them to fn in batches. Pagination is keyset-based so
// the export holds no long-lived cursor against the write path.
func (s *Store) StreamActiveFacts(ctx context.Context, batchSize int, fn func(facts []*ActiveFact) error) error {
	if batchSize <= 0 {
		batchSize = 1000
	}
	var afterID int64
	for {
		rows, err := s.pool.Query(ctx, activeFactsQuery, afterID, batchSize)
		if err != nil {
			return fmt.Errorf("query active facts: %w", err)
		}
		batch := make([]*ActiveFact, 0, batchSize)
		for rows.Next() {
			f := &ActiveFact{}
			if err := rows.Scan(&f.ID, &f.Provider, &f.Service, &f.Region, &f.PricingModel, &f.Currency,
				&f.ProductFamily, &f.InstanceType, &f.OperatingSystem, &f.Tenancy,
				&f.Price, &f.PriceUnit, &f.CanonicalUnit, &f.EffectivePricePerHour,
				&f.PurchaseOption, &f.Upfront, &f.UpdatedAt); err != nil {
				rows.Close()
				return fmt.Errorf("scan active fact: %w", err)
			}
			batch = append(batch, f)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("read active facts: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		afterID = batch[len(batch)-1].ID
	}
}

const historySinceQuery = `
	SELECT h.normalized_id, p.key, s.key, r.key,
	       h.price, h.effective_price_per_hour, h.change_percentage, h.recorded_at
	FROM price_history h
	JOIN normalized_price_records n ON n.id = h.normalized_id
	JOIN providers p ON p.id = n.provider_id
	JOIN services s ON s.id = n.service_id
	JOIN regions r ON r.id = n.region_id
	WHERE h.recorded_at > $1
	ORDER BY h.recorded_at`

// StreamHistorySince yields every price change recorded after the given
// cutoff, oldest first.
func (s *Store) StreamHistorySince(ctx context.Context, since time.Time, fn func(rows []*HistoryRow) error) error {
	rows, err := s.pool.Query(ctx, historySinceQuery, since)
	if err != nil {
		return fmt.Errorf("query price history: %w", err)
	}
	defer rows.Close()

	const chunk = 1000
	batch := make([]*HistoryRow, 0, chunk)
	for rows.Next() {
		h := &HistoryRow{}
		if err := rows.Scan(&h.NormalizedID, &h.Provider, &h.Service, &h.Region,
			&h.Price, &h.EffectivePricePerHour, &h.ChangePercentage, &h.RecordedAt); err != nil {
			return fmt.Errorf("scan price history: %w", err)
		}
		batch = append(batch, h)
		if len(batch) == chunk {
			if err := fn(batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read price history: %w", err)
	}
	if len(batch) > 0 {
		return fn(batch)
	}
	return nil
}
