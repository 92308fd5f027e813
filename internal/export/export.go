// Package export streams the active price catalog and its change log
// from Postgres into the ClickHouse analytics mirror.
package export

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"cloud-pricing/db/clickhouse"
	"cloud-pricing/db/postgres"
)

// FactSource is the Postgres read side of an export.
type FactSource interface {
	StreamActiveFacts(ctx context.Context, batchSize int, fn func(facts []*postgres.ActiveFact) error) error
	StreamHistorySince(ctx context.Context, since time.Time, fn func(rows []*postgres.HistoryRow) error) error
}

// Sink is the ClickHouse write side.
type Sink interface {
	InitSchema(ctx context.Context) error
	InsertFacts(ctx context.Context, facts []*clickhouse.Fact) error
	InsertChanges(ctx context.Context, changes []*clickhouse.Change) error
}

// Runner copies facts and changes batch by batch.
type Runner struct {
	src       FactSource
	sink      Sink
	batchSize int
	log       zerolog.Logger
}

func New(src FactSource, sink Sink, batchSize int, log zerolog.Logger) *Runner {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &Runner{src: src, sink: sink, batchSize: batchSize, log: log}
}

// Result reports what one export moved.
type Result struct {
	Facts   int64
	Changes int64
}

// Run mirrors every active fact and every change recorded after since.
func (r *Runner) Run(ctx context.Context, since time.Time) (*Result, error) {
	if err := r.sink.InitSchema(ctx); err != nil {
		return nil, err
	}

	res := &Result{}
	err := r.src.StreamActiveFacts(ctx, r.batchSize, func(facts []*postgres.ActiveFact) error {
		batch := make([]*clickhouse.Fact, len(facts))
		for i, f := range facts {
			batch[i] = &clickhouse.Fact{
				FactID:                f.ID,
				Provider:              f.Provider,
				Service:               f.Service,
				Region:                f.Region,
				PricingModel:          f.PricingModel,
				Currency:              f.Currency,
				ProductFamily:         f.ProductFamily,
				InstanceType:          f.InstanceType,
				OperatingSystem:       f.OperatingSystem,
				Tenancy:               f.Tenancy,
				Price:                 f.Price,
				PriceUnit:             f.PriceUnit,
				CanonicalUnit:         f.CanonicalUnit,
				EffectivePricePerHour: f.EffectivePricePerHour,
				PurchaseOption:        f.PurchaseOption,
				Upfront:               f.Upfront,
				UpdatedAt:             f.UpdatedAt,
			}
		}
		if err := r.sink.InsertFacts(ctx, batch); err != nil {
			return err
		}
		res.Facts += int64(len(batch))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("export facts: %w", err)
	}

	err = r.src.StreamHistorySince(ctx, since, func(rows []*postgres.HistoryRow) error {
		batch := make([]*clickhouse.Change, len(rows))
		for i, h := range rows {
			batch[i] = &clickhouse.Change{
				FactID:                h.NormalizedID,
				Provider:              h.Provider,
				Service:               h.Service,
				Region:                h.Region,
				Price:                 h.Price,
				EffectivePricePerHour: h.EffectivePricePerHour,
				ChangePercentage:      h.ChangePercentage,
				RecordedAt:            h.RecordedAt,
			}
		}
		if err := r.sink.InsertChanges(ctx, batch); err != nil {
			return err
		}
		res.Changes += int64(len(batch))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("export changes: %w", err)
	}

	r.log.Info().Int64("facts", res.Facts).Int64("changes", res.Changes).Msg("analytics export finished")
	return res, nil
}
