// Package postgres is the system-of-record store for canonical
// dimensions, raw price records, normalized facts, price history, and
// the ingestion run ledger.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"cloud-pricing/internal/canonical"
)

// Store wraps a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// New connects to Postgres and returns a store.
func New(ctx context.Context, dsn string, log zerolog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	return &Store{pool: pool, log: log}, nil
}

// Initialize creates the canonical tables if they do not exist.
func (s *Store) Initialize(ctx context.Context) error {
	queries := []string{
		createProvidersTable,
		createServicesTable,
		createRegionsTable,
		createPricingModelsTable,
		createCurrenciesTable,
		createRawPriceRecordsTable,
		createNormalizedPriceRecordsTable,
		createPriceHistoryTable,
		createIngestionRunsTable,
	}
	for _, query := range queries {
		if _, err := s.pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("initialize schema: %w", err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// =============================================================================
// CANONICAL DIMENSIONS
// =============================================================================

// GetOrCreateDimension resolves a canonical dimension row by its
// normalized key, creating it on first sight. The insert is
// conflict-ignoring: when two workers race on a brand-new key, one
// insert wins, the other falls through to the re-read. Satisfies
// canonical.Store.
func (s *Store) GetOrCreateDimension(ctx context.Context, kind canonical.Kind, providerID int64, key, displayName string) (int64, error) {
	table, scoped, err := dimensionTable(kind)
	if err != nil {
		return 0, err
	}

	var (
		insert string
		query  string
		args   []any
	)
	if scoped {
		insert = fmt.Sprintf(`INSERT INTO %s (provider_id, key, display_name) VALUES ($1, $2, $3)
			ON CONFLICT (provider_id, key) DO NOTHING RETURNING id`, table)
		query = fmt.Sprintf(`SELECT id FROM %s WHERE provider_id = $1 AND key = $2`, table)
		args = []any{providerID, key}
	} else {
		insert = fmt.Sprintf(`INSERT INTO %s (key, display_name) VALUES ($1, $2)
			ON CONFLICT (key) DO NOTHING RETURNING id`, table)
		query = fmt.Sprintf(`SELECT id FROM %s WHERE key = $1`, table)
		args = []any{key}
	}

	var id int64
	err = s.pool.QueryRow(ctx, query, args...).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("lookup %s %q: %w", kind, key, err)
	}

	insertArgs := append(append([]any(nil), args...), displayName)
	err = s.pool.QueryRow(ctx, insert, insertArgs...).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("create %s %q: %w", kind, key, err)
	}

	// Lost the creation race; the row exists now.
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("re-read %s %q after conflict: %w", kind, key, err)
	}
	return id, nil
}

func dimensionTable(kind canonical.Kind) (table string, providerScoped bool, err error) {
	switch kind {
	case canonical.KindProvider:
		return "providers", false, nil
	case canonical.KindService:
		return "services", true, nil
	case canonical.KindRegion:
		return "regions", true, nil
	case canonical.KindPricingModel:
		return "pricing_models", false, nil
	case canonical.KindCurrency:
		return "currencies", false, nil
	default:
		return "", false, fmt.Errorf("unknown dimension kind %q", kind)
	}
}

// SetDimensionDisplayName attaches a human-readable display name to an
// existing canonical row. The only mutation canonical rows ever see.
func (s *Store) SetDimensionDisplayName(ctx context.Context, kind canonical.Kind, id int64, displayName string) error {
	table, _, err := dimensionTable(kind)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET display_name = $1, updated_at = NOW() WHERE id = $2`, table)
	if _, err := s.pool.Exec(ctx, query, displayName, id); err != nil {
		return fmt.Errorf("update %s display name: %w", kind, err)
	}
	return nil
}

// =============================================================================
// RUN LOCK
// =============================================================================

// AcquireRunLock takes the per-source advisory lock, or returns
// ErrRunInProgress when another run holds it. The lock is
// session-scoped, so the backing connection stays pinned until the
// returned release func runs.
func (s *Store) AcquireRunLock(ctx context.Context, sourceName string) (func(context.Context), error) {
	key := lockKey(sourceName)
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock connection: %w", err)
	}

	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&locked); err != nil {
		conn.Release()
		return nil, fmt.Errorf("try advisory lock: %w", err)
	}
	if !locked {
		conn.Release()
		return nil, fmt.Errorf("%w: source %q", ErrRunInProgress, sourceName)
	}

	release := func(ctx context.Context) {
		_, _ = conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, key)
		conn.Release()
	}
	return release, nil
}

func lockKey(sourceName string) int64 {
	h := fnv.New64a()
	h.Write([]byte("cloud-pricing:" + sourceName))
	return int64(h.Sum64())
}
