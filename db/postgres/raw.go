package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// PersistRaw stores one raw price payload exactly once per
// (provider, node, digest). The insert is conflict-ignoring, which makes
// re-ingesting an unchanged upstream row a no-op: isNew reports whether
// this call actually created the record.
func (s *Store) PersistRaw(ctx context.Context, raw *RawRecord) (int64, bool, error) {
	const insert = `
		INSERT INTO raw_price_records (provider_id, node_id, payload, digest, source, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (provider_id, node_id, digest) DO NOTHING
		RETURNING id
	`
	var id int64
	err := s.pool.QueryRow(ctx, insert,
		raw.ProviderID, raw.NodeID, raw.Payload, raw.Digest, raw.Source, raw.FetchedAt,
	).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("persist raw record: %w", err)
	}

	const query = `
		SELECT id FROM raw_price_records
		WHERE provider_id = $1 AND node_id = $2 AND digest = $3
	`
	if err := s.pool.QueryRow(ctx, query, raw.ProviderID, raw.NodeID, raw.Digest).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("re-read raw record: %w", err)
	}
	return id, false, nil
}
