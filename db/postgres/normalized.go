package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// storedPrecision is the decimal precision of stored price columns.
// Prices are compared at this precision when deciding whether a change
// happened, so the comparison is stable across re-reads.
const storedPrecision = 6

// errActiveKeyRace marks an insert that lost a concurrent-worker race
// on the active-record unique index. The row exists now, so one retry
// lands on the update path.
var errActiveKeyRace = errors.New("active record creation race")

// UpsertNormalized inserts or updates the active fact row for the
// record's canonical key. If no active row exists the record is
// inserted; if one exists with a different price it is updated in place
// and the old price is reported so the caller can append history; if the
// price is unchanged only bookkeeping timestamps move. Safe to re-run
// against the same staged data. Creation races between workers are
// absorbed by a single retry, mirroring the dimension resolver's
// conflict policy.
func (s *Store) UpsertNormalized(ctx context.Context, rec *NormalizedRecord) (*UpsertResult, error) {
	res, err := s.upsertNormalized(ctx, rec)
	if errors.Is(err, errActiveKeyRace) {
		res, err = s.upsertNormalized(ctx, rec)
	}
	return res, err
}

func (s *Store) upsertNormalized(ctx context.Context, rec *NormalizedRecord) (*UpsertResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin upsert tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const lookup = `
		SELECT id, price
		FROM normalized_price_records
		WHERE provider_id = $1 AND service_id = $2 AND region_id = $3
		  AND pricing_model_id = $4 AND attributes_digest = $5 AND price_unit = $6
		  AND purchase_option = $7
		  AND is_active
		FOR UPDATE
	`
	var (
		existingID    int64
		existingPrice decimal.Decimal
	)
	err = tx.QueryRow(ctx, lookup,
		rec.ProviderID, rec.ServiceID, rec.RegionID,
		rec.PricingModelID, rec.AttributesDigest, rec.PriceUnit, rec.PurchaseOption,
	).Scan(&existingID, &existingPrice)

	newPrice := rec.Price.Round(storedPrecision)

	switch {
	case err == nil:
		changed := !existingPrice.Round(storedPrecision).Equal(newPrice)
		const update = `
			UPDATE normalized_price_records
			SET currency_id = $2, product_family = $3, instance_type = $4,
			    operating_system = $5, tenancy = $6, attributes = $7,
			    price = $8, price_unit = $9, canonical_unit = $10,
			    effective_price_per_hour = $11, upfront = $12, term_years = $13,
			    raw_record_id = $14, updated_at = NOW()
			WHERE id = $1
		`
		if _, err := tx.Exec(ctx, update,
			existingID, rec.CurrencyID, rec.ProductFamily, rec.InstanceType,
			rec.OperatingSystem, rec.Tenancy, rec.Attributes,
			newPrice, rec.PriceUnit, rec.CanonicalUnit,
			roundPtr(rec.EffectivePricePerHour), rec.Upfront, rec.TermYears,
			rec.RawRecordID,
		); err != nil {
			return nil, fmt.Errorf("update normalized record: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit upsert: %w", err)
		}
		old := existingPrice
		return &UpsertResult{ID: existingID, PriceChanged: changed, OldPrice: &old}, nil

	case errors.Is(err, pgx.ErrNoRows):
		const insert = `
			INSERT INTO normalized_price_records (
				provider_id, service_id, region_id, pricing_model_id, currency_id,
				product_family, instance_type, operating_system, tenancy,
				attributes, attributes_digest,
				price, price_unit, canonical_unit, effective_price_per_hour,
				purchase_option, upfront, term_years, raw_record_id, is_active
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, TRUE)
			RETURNING id
		`
		var id int64
		if err := tx.QueryRow(ctx, insert,
			rec.ProviderID, rec.ServiceID, rec.RegionID, rec.PricingModelID, rec.CurrencyID,
			rec.ProductFamily, rec.InstanceType, rec.OperatingSystem, rec.Tenancy,
			rec.Attributes, rec.AttributesDigest,
			newPrice, rec.PriceUnit, rec.CanonicalUnit, roundPtr(rec.EffectivePricePerHour),
			rec.PurchaseOption, rec.Upfront, rec.TermYears, rec.RawRecordID,
		).Scan(&id); err != nil {
			if isUniqueViolation(err) {
				return nil, errActiveKeyRace
			}
			return nil, fmt.Errorf("insert normalized record: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit upsert: %w", err)
		}
		return &UpsertResult{ID: id, Inserted: true}, nil

	default:
		return nil, fmt.Errorf("lookup active record: %w", err)
	}
}

// isUniqueViolation reports a Postgres unique_violation (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func roundPtr(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	r := d.Round(storedPrecision)
	return &r
}

// DeactivateOlderThan supersedes active records not touched since the
// cutoff. Rows are deactivated, never deleted, preserving lineage.
func (s *Store) DeactivateOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `
		UPDATE normalized_price_records
		SET is_active = FALSE, updated_at = NOW()
		WHERE is_active AND updated_at < $1
	`
	tag, err := s.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deactivate stale records: %w", err)
	}
	return tag.RowsAffected(), nil
}

// InsertHistory appends one immutable price change observation.
func (s *Store) InsertHistory(ctx context.Context, entry *HistoryEntry) error {
	const insert = `
		INSERT INTO price_history (normalized_id, price, effective_price_per_hour, change_percentage, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	recordedAt := entry.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}
	if _, err := s.pool.Exec(ctx, insert,
		entry.NormalizedID, entry.Price, entry.EffectivePricePerHour,
		entry.ChangePercentage, recordedAt,
	); err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}
	return nil
}
