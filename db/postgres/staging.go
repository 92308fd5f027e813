package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5"

	"cloud-pricing/internal/source"
)

var stagingColumns = []string{
	"product_hash", "sku", "vendor_name", "region",
	"service", "product_family", "attributes", "prices",
}

// RecreateStaging drops and recreates the transient staging table.
// Failure here is fatal to the run.
func (s *Store) RecreateStaging(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, dropStagingTable); err != nil {
		return fmt.Errorf("drop staging table: %w", err)
	}
	if _, err := s.pool.Exec(ctx, createStagingTable); err != nil {
		return fmt.Errorf("create staging table: %w", err)
	}
	return nil
}

// DropStaging removes the staging table. Called on every exit path.
func (s *Store) DropStaging(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, dropStagingTable); err != nil {
		return fmt.Errorf("drop staging table: %w", err)
	}
	return nil
}

// StageRows streams rows from the source into the staging table in
// bounded chunks. Each chunk first tries the COPY bulk path; the first
// COPY failure degrades the rest of the load to batched inserts, which
// produce an identical staging schema. A COPY statement is atomic, so a
// failed chunk leaves no partial rows behind and is safely re-sent via
// the fallback.
func (s *Store) StageRows(ctx context.Context, it source.Iterator, chunkSize int) (int64, error) {
	if chunkSize <= 0 {
		chunkSize = 2000
	}

	var (
		total   int64
		bulkOK  = true
		chunk   = make([]*source.Row, 0, chunkSize)
		drained bool
	)
	for !drained {
		chunk = chunk[:0]
		for len(chunk) < chunkSize {
			row, err := it.Next()
			if errors.Is(err, io.EOF) {
				drained = true
				break
			}
			if err != nil {
				return total, fmt.Errorf("read source row: %w", err)
			}
			chunk = append(chunk, row)
		}
		if len(chunk) == 0 {
			break
		}

		if bulkOK {
			n, err := s.copyChunk(ctx, chunk)
			if err == nil {
				total += n
				continue
			}
			bulkOK = false
			s.log.Warn().Err(err).Msg("bulk copy failed, degrading to batched inserts")
		}
		n, err := s.insertChunk(ctx, chunk)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (s *Store) copyChunk(ctx context.Context, chunk []*source.Row) (int64, error) {
	n, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"staging_prices"},
		stagingColumns,
		pgx.CopyFromSlice(len(chunk), func(i int) ([]any, error) {
			r := chunk[i]
			return []any{
				r.ProductHash, r.SKU, r.VendorName, r.Region,
				r.Service, r.ProductFamily, jsonOrNil(r.Attributes), jsonOrNil(r.Prices),
			}, nil
		}),
	)
	if err != nil {
		return 0, fmt.Errorf("copy into staging: %w", err)
	}
	return n, nil
}

func (s *Store) insertChunk(ctx context.Context, chunk []*source.Row) (int64, error) {
	b := &pgx.Batch{}
	const insert = `
		INSERT INTO staging_prices (product_hash, sku, vendor_name, region, service, product_family, attributes, prices)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	for _, r := range chunk {
		b.Queue(insert,
			r.ProductHash, r.SKU, r.VendorName, r.Region,
			r.Service, r.ProductFamily, jsonOrNil(r.Attributes), jsonOrNil(r.Prices),
		)
	}

	br := s.pool.SendBatch(ctx, b)
	var total int64
	for range chunk {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return total, fmt.Errorf("batched staging insert: %w", err)
		}
		total += tag.RowsAffected()
	}
	if err := br.Close(); err != nil {
		return total, fmt.Errorf("close staging batch: %w", err)
	}
	return total, nil
}

func jsonOrNil(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

// IterateStaged walks the staged rows in batches, invoking fn for each
// batch. Batching caps memory regardless of dump size.
func (s *Store) IterateStaged(ctx context.Context, batchSize int, fn func(rows []*source.Row) error) error {
	if batchSize <= 0 {
		batchSize = 2000
	}
	const query = `
		SELECT product_hash, sku, vendor_name, region, service, product_family,
		       COALESCE(attributes, 'null'::jsonb), COALESCE(prices, 'null'::jsonb)
		FROM staging_prices
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("query staged rows: %w", err)
	}
	defer rows.Close()

	batch := make([]*source.Row, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		batch = make([]*source.Row, 0, batchSize)
		return nil
	}

	for rows.Next() {
		var r source.Row
		if err := rows.Scan(
			&r.ProductHash, &r.SKU, &r.VendorName, &r.Region,
			&r.Service, &r.ProductFamily, &r.Attributes, &r.Prices,
		); err != nil {
			return fmt.Errorf("scan staged row: %w", err)
		}
		batch = append(batch, &r)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate staged rows: %w", err)
	}
	return flush()
}
