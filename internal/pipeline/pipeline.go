// Package pipeline orchestrates one ingestion run: lock, ledger, stage,
// dedup, normalize, history, finalize.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"cloud-pricing/db/postgres"
	"cloud-pricing/internal/canonical"
	"cloud-pricing/internal/metrics"
	"cloud-pricing/internal/source"
)

// Store is the persistence contract the pipeline drives. *postgres.Store
// satisfies it; tests use an in-memory fake.
type Store interface {
	canonical.Store
	AcquireRunLock(ctx context.Context, sourceName string) (func(context.Context), error)
	BeginRun(ctx context.Context, sourceName, endpoint string) (uuid.UUID, error)
	FinishRun(ctx context.Context, id uuid.UUID, status string, counts postgres.RunCounts, errText string) error
	RecreateStaging(ctx context.Context) error
	DropStaging(ctx context.Context) error
	StageRows(ctx context.Context, it source.Iterator, chunkSize int) (int64, error)
	IterateStaged(ctx context.Context, batchSize int, fn func(rows []*source.Row) error) error
	PersistRaw(ctx context.Context, raw *postgres.RawRecord) (int64, bool, error)
	UpsertNormalized(ctx context.Context, rec *postgres.NormalizedRecord) (*postgres.UpsertResult, error)
	InsertHistory(ctx context.Context, entry *postgres.HistoryEntry) error
}

// Config tunes one pipeline instance.
type Config struct {
	// BatchSize bounds staged-row batches (and the staging chunk size).
	BatchSize int
	// Workers bounds per-batch parallelism.
	Workers int
	// HoursPerMonth is the billable-hours assumption for month-priced
	// units.
	HoursPerMonth float64
}

// Pipeline runs ingestions against a store.
type Pipeline struct {
	store Store
	cfg   Config
	log   zerolog.Logger
	mtx   *metrics.Metrics
}

// New creates a pipeline. Metrics may be nil.
func New(store Store, cfg Config, log zerolog.Logger, mtx *metrics.Metrics) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 2000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Pipeline{store: store, cfg: cfg, log: log, mtx: mtx}
}

// Result is what one run produced.
type Result struct {
	RunID    uuid.UUID
	Status   string
	Counts   postgres.RunCounts
	Duration time.Duration
}

// String renders the operator-facing outcome line.
func (r *Result) String() string {
	return fmt.Sprintf("%s: staged=%d inserted=%d updated=%d skipped=%d failed=%d in %s",
		r.Status, r.Counts.Staged, r.Counts.Inserted, r.Counts.Updated,
		r.Counts.Skipped, r.Counts.Failed, r.Duration.Round(time.Millisecond))
}

// Run executes one full ingestion from the given source. Only one run
// per source may be active at a time. The ledger entry is finalized and
// the staging area dropped on every exit path.
func (p *Pipeline) Run(ctx context.Context, src source.Source) (*Result, error) {
	release, err := p.store.AcquireRunLock(ctx, src.Name())
	if err != nil {
		return nil, err
	}
	defer release(context.WithoutCancel(ctx))

	runID, err := p.store.BeginRun(ctx, src.Name(), src.Endpoint())
	if err != nil {
		return nil, err
	}

	started := time.Now()
	log := p.log.With().Stringer("run_id", runID).Str("source", src.Name()).Logger()
	log.Info().Msg("ingestion run started")

	counts := &runCounters{}
	runErr := p.execute(ctx, log, src, counts)

	status := postgres.RunStatusSuccess
	errText := ""
	switch {
	case runErr != nil:
		status = postgres.RunStatusFailure
		errText = runErr.Error()
	case counts.skipped.Load() > 0 || counts.failed.Load() > 0:
		status = postgres.RunStatusSuccessWithSkips
	}

	final := counts.snapshot()
	duration := time.Since(started)

	// Finalize ledger and staging on an uncancelled context so an
	// aborted run still records its outcome.
	cleanupCtx := context.WithoutCancel(ctx)
	if err := p.store.DropStaging(cleanupCtx); err != nil {
		log.Error().Err(err).Msg("failed to drop staging table")
	}
	if err := p.store.FinishRun(cleanupCtx, runID, status, final, errText); err != nil {
		log.Error().Err(err).Msg("failed to finalize run ledger")
	}

	p.observe(src.Name(), status, final, duration)

	result := &Result{RunID: runID, Status: status, Counts: final, Duration: duration}
	if runErr != nil {
		log.Error().Err(runErr).Str("result", result.String()).Msg("ingestion run failed")
		return result, runErr
	}
	log.Info().Str("result", result.String()).Msg("ingestion run finished")
	return result, nil
}

// execute is the fallible body of a run; any error returned here is
// fatal and marks the run failed.
func (p *Pipeline) execute(ctx context.Context, log zerolog.Logger, src source.Source, counts *runCounters) error {
	it, err := src.Open(ctx)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer it.Close()

	if err := p.store.RecreateStaging(ctx); err != nil {
		return err
	}

	staged, err := p.store.StageRows(ctx, it, p.cfg.BatchSize)
	counts.staged.Store(staged)
	if err != nil {
		return fmt.Errorf("stage dump: %w", err)
	}
	log.Info().Int64("rows", staged).Msg("dump staged")

	resolver := canonical.NewResolver(p.store)
	fetchedAt := time.Now().UTC()

	return p.store.IterateStaged(ctx, p.cfg.BatchSize, func(rows []*source.Row) error {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.cfg.Workers)
		for _, row := range rows {
			row := row
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				p.processRow(gctx, log, resolver, src.Name(), fetchedAt, row, counts)
				return nil
			})
		}
		return g.Wait()
	})
}

func (p *Pipeline) observe(sourceName, status string, counts postgres.RunCounts, duration time.Duration) {
	if p.mtx == nil {
		return
	}
	p.mtx.RunsTotal.WithLabelValues(sourceName, status).Inc()
	p.mtx.RowsTotal.WithLabelValues(sourceName, "staged").Add(float64(counts.Staged))
	p.mtx.RowsTotal.WithLabelValues(sourceName, "inserted").Add(float64(counts.Inserted))
	p.mtx.RowsTotal.WithLabelValues(sourceName, "updated").Add(float64(counts.Updated))
	p.mtx.RowsTotal.WithLabelValues(sourceName, "skipped").Add(float64(counts.Skipped))
	p.mtx.RowsTotal.WithLabelValues(sourceName, "failed").Add(float64(counts.Failed))
	p.mtx.RunDuration.Observe(duration.Seconds())
	p.mtx.LastRunEpoch.SetToCurrentTime()
}

// runCounters accumulates row outcomes across worker goroutines.
type runCounters struct {
	staged   atomic.Int64
	inserted atomic.Int64
	updated  atomic.Int64
	skipped  atomic.Int64
	failed   atomic.Int64
}

func (c *runCounters) snapshot() postgres.RunCounts {
	return postgres.RunCounts{
		Staged:   c.staged.Load(),
		Inserted: c.inserted.Load(),
		Updated:  c.updated.Load(),
		Skipped:  c.skipped.Load(),
		Failed:   c.failed.Load(),
	}
}

// errSkipRow marks row-level problems that are counted and logged, never
// escalated to run failure.
var errSkipRow = errors.New("row skipped")
