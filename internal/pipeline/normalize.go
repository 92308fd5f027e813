package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"cloud-pricing/db/postgres"
	"cloud-pricing/internal/canonical"
	"cloud-pricing/internal/source"
	"cloud-pricing/pkg/units"
)

// processRow turns one staged row into raw + normalized + history
// writes. All failures here are row-level: counted, logged at warn, and
// swallowed so the batch continues.
func (p *Pipeline) processRow(ctx context.Context, log zerolog.Logger, resolver *canonical.Resolver, sourceName string, fetchedAt time.Time, row *source.Row, counts *runCounters) {
	inserted, updated, err := p.normalizeRow(ctx, resolver, sourceName, fetchedAt, row)
	counts.inserted.Add(inserted)
	counts.updated.Add(updated)
	if err == nil {
		return
	}
	if isSkip(err) {
		counts.skipped.Add(1)
		log.Warn().Err(err).Str("sku", row.SKU).Msg("row skipped")
		return
	}
	counts.failed.Add(1)
	log.Warn().Err(err).Str("sku", row.SKU).Msg("row failed")
}

func (p *Pipeline) normalizeRow(ctx context.Context, resolver *canonical.Resolver, sourceName string, fetchedAt time.Time, row *source.Row) (inserted, updated int64, err error) {
	if strings.TrimSpace(row.SKU) == "" {
		return 0, 0, fmt.Errorf("%w: missing sku", errSkipRow)
	}
	vendor := row.VendorName
	if strings.TrimSpace(vendor) == "" {
		return 0, 0, fmt.Errorf("%w: missing vendor name", errSkipRow)
	}

	digest, err := ContentDigest(row)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", errSkipRow, err)
	}
	attrs, err := parseAttributes(row.Attributes)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", errSkipRow, err)
	}
	entries, err := source.ParsePriceList(row.Prices)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", errSkipRow, err)
	}
	if len(entries) == 0 {
		return 0, 0, fmt.Errorf("%w: empty price list", errSkipRow)
	}

	providerID, err := resolver.Resolve(ctx, canonical.KindProvider, vendor, 0)
	if err != nil {
		return 0, 0, err
	}

	payload, err := json.Marshal(map[string]json.RawMessage{
		"sku":           json.RawMessage(mustJSONString(row.SKU)),
		"region":        json.RawMessage(mustJSONString(row.Region)),
		"service":       json.RawMessage(mustJSONString(row.Service)),
		"productFamily": json.RawMessage(mustJSONString(row.ProductFamily)),
		"attributes":    orNull(row.Attributes),
		"prices":        orNull(row.Prices),
	})
	if err != nil {
		return 0, 0, fmt.Errorf("%w: encode payload: %v", errSkipRow, err)
	}

	rawID, _, err := p.store.PersistRaw(ctx, &postgres.RawRecord{
		ProviderID: providerID,
		NodeID:     row.SKU,
		Payload:    payload,
		Digest:     digest,
		Source:     sourceName,
		FetchedAt:  fetchedAt,
	})
	if err != nil {
		return 0, 0, err
	}

	serviceID, err := resolver.Resolve(ctx, canonical.KindService, fallback(row.Service, "unknown"), providerID)
	if err != nil {
		return 0, 0, err
	}
	regionID, err := resolver.Resolve(ctx, canonical.KindRegion, fallback(row.Region, "global"), providerID)
	if err != nil {
		return 0, 0, err
	}
	currencyID, err := resolver.Resolve(ctx, canonical.KindCurrency, "USD", 0)
	if err != nil {
		return 0, 0, err
	}

	attrsDigest := AttributesDigest(attrs)

	for _, entry := range source.SelectRepresentative(entries) {
		amount, perr := decimal.NewFromString(strings.TrimSpace(entry.USD))
		if perr != nil {
			return inserted, updated, fmt.Errorf("%w: non-numeric price %q", errSkipRow, entry.USD)
		}

		effective, canonicalUnit, derr := units.Derive(units.DeriveInput{
			Amount:         amount,
			RawUnit:        entry.Unit,
			PurchaseOption: entry.PurchaseOption,
			TermLength:     entry.TermLength,
			HoursPerMonth:  p.cfg.HoursPerMonth,
		})
		if derr != nil {
			return inserted, updated, fmt.Errorf("%w: %v", errSkipRow, derr)
		}

		modelID, err := resolver.Resolve(ctx, canonical.KindPricingModel, pricingModelName(entry), 0)
		if err != nil {
			return inserted, updated, err
		}

		var termYears *decimal.Decimal
		if years, ok := units.ParseTermYears(entry.TermLength); ok {
			d := decimal.NewFromFloat(years)
			termYears = &d
		}

		rec := &postgres.NormalizedRecord{
			ProviderID:            providerID,
			ServiceID:             serviceID,
			RegionID:              regionID,
			PricingModelID:        modelID,
			CurrencyID:            currencyID,
			ProductFamily:         row.ProductFamily,
			InstanceType:          attrs["instanceType"],
			OperatingSystem:       attrs["operatingSystem"],
			Tenancy:               attrs["tenancy"],
			Attributes:            orNull(row.Attributes),
			AttributesDigest:      attrsDigest,
			Price:                 amount,
			PriceUnit:             entry.Unit,
			CanonicalUnit:         string(canonicalUnit),
			EffectivePricePerHour: effective,
			PurchaseOption:        entry.PurchaseOption,
			Upfront:               units.IsUpfront(entry.PurchaseOption),
			TermYears:             termYears,
			RawRecordID:           rawID,
		}

		result, err := p.store.UpsertNormalized(ctx, rec)
		if err != nil {
			return inserted, updated, err
		}
		if result.Inserted {
			inserted++
		} else {
			updated++
		}

		if result.PriceChanged && result.OldPrice != nil {
			if err := p.recordChange(ctx, result.ID, *result.OldPrice, amount, effective); err != nil {
				return inserted, updated, err
			}
		}
	}
	return inserted, updated, nil
}

// recordChange appends one history entry for a detected price change.
// Never called on first sighting of a key.
func (p *Pipeline) recordChange(ctx context.Context, normalizedID int64, oldPrice, newPrice decimal.Decimal, effective *decimal.Decimal) error {
	var changePct *decimal.Decimal
	if !oldPrice.IsZero() {
		pct := newPrice.Sub(oldPrice).Div(oldPrice).Mul(decimal.NewFromInt(100)).Round(2)
		changePct = &pct
	}
	return p.store.InsertHistory(ctx, &postgres.HistoryEntry{
		NormalizedID:          normalizedID,
		Price:                 newPrice,
		EffectivePricePerHour: effective,
		ChangePercentage:      changePct,
		RecordedAt:            time.Now().UTC(),
	})
}

// pricingModelName infers the pricing model from a price entry: term
// commitments are reserved capacity, everything else is on-demand.
func pricingModelName(entry source.PriceEntry) string {
	if entry.TermLength != "" || units.IsUpfront(entry.PurchaseOption) {
		return "Reserved"
	}
	return "On-Demand"
}

// parseAttributes flattens an attribute payload to string values;
// non-string scalars are stringified, nested values rejected as
// malformed.
func parseAttributes(raw json.RawMessage) (map[string]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]string{}, nil
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("malformed attributes: %w", err)
	}
	attrs := make(map[string]string, len(generic))
	for k, v := range generic {
		switch val := v.(type) {
		case string:
			attrs[k] = val
		case float64, bool, nil:
			attrs[k] = fmt.Sprint(val)
		default:
			return nil, fmt.Errorf("malformed attributes: non-scalar value for %q", k)
		}
	}
	return attrs, nil
}

func isSkip(err error) bool {
	return errors.Is(err, errSkipRow)
}

func fallback(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func orNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

func mustJSONString(s string) []byte {
	b, _ := json.Marshal(s)
	return b
}
