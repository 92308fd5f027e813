// Cloud Pricing CLI - pricing ingestion and history engine
//
// Usage:
//   cloudpricing ingest --source dump
//   cloudpricing ingest --source aws --services AmazonEC2
//   cloudpricing ingest --source azure --region eastus
//   cloudpricing seed
//   cloudpricing runs --limit 10
//   cloudpricing export --since 168h
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"cloud-pricing/db/clickhouse"
	"cloud-pricing/db/postgres"
	"cloud-pricing/internal/config"
	"cloud-pricing/internal/export"
	"cloud-pricing/internal/metrics"
	"cloud-pricing/internal/pipeline"
	"cloud-pricing/internal/source"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "cloudpricing",
		Usage:   "Cloud pricing ingestion, normalization, and history engine",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),

		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"CLOUDPRICING_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Postgres DSN (system of record)",
				EnvVars: []string{"DATABASE_URL"},
			},
		},

		Commands: []*cli.Command{
			ingestCommand(),
			seedCommand(),
			runsCommand(),
			exportCommand(),
			cleanupCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(c *cli.Context) zerolog.Logger {
	level, err := zerolog.ParseLevel(c.String("log-level"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()
}

func openStore(c *cli.Context, cfg *config.Config, log zerolog.Logger) (*postgres.Store, error) {
	dsn := cfg.DatabaseURL
	if v := c.String("database-url"); v != "" {
		dsn = v
	}
	store, err := postgres.New(c.Context, dsn, log)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := store.Initialize(c.Context); err != nil {
		store.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

// =============================================================================
// INGEST COMMAND
// =============================================================================

func ingestCommand() *cli.Command {
	return &cli.Command{
		Name:  "ingest",
		Usage: "Run one full ingestion from a pricing source",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "source",
				Aliases: []string{"s"},
				Value:   "dump",
				Usage:   "Pricing source (dump, aws, azure)",
			},
			&cli.StringFlag{
				Name:    "metadata-url",
				Usage:   "Dump metadata endpoint",
				EnvVars: []string{"DUMP_METADATA_URL"},
			},
			&cli.StringFlag{
				Name:    "api-key",
				Usage:   "API key for the dump metadata endpoint",
				EnvVars: []string{"DUMP_API_KEY"},
			},
			&cli.StringFlag{
				Name:  "services",
				Usage: "Comma-separated service codes or names (aws and azure sources)",
			},
			&cli.StringFlag{
				Name:  "region",
				Usage: "Region code to pull (aws and azure sources)",
			},
			&cli.IntFlag{
				Name:  "batch-size",
				Usage: "Staged-row batch size",
			},
			&cli.IntFlag{
				Name:  "workers",
				Usage: "Normalization worker count",
			},
			&cli.StringFlag{
				Name:    "metrics-addr",
				Usage:   "Serve Prometheus metrics on this address during the run",
				EnvVars: []string{"METRICS_ADDR"},
			},
		},
		Action: runIngest,
	}
}

func runIngest(c *cli.Context) error {
	cfg := config.Load()
	log := newLogger(c)

	if v := c.Int("batch-size"); v > 0 {
		cfg.BatchSize = v
	}
	if v := c.Int("workers"); v > 0 {
		cfg.Workers = v
	}
	if v := c.String("metadata-url"); v != "" {
		cfg.DumpMetadataURL = v
	}
	if v := c.String("api-key"); v != "" {
		cfg.DumpAPIKey = v
	}
	if v := c.String("services"); v != "" {
		cfg.AWSServiceCodes = splitList(v)
		cfg.AzureServices = splitList(v)
	}
	if v := c.String("region"); v != "" {
		cfg.AWSRegion = v
		cfg.AzureRegion = v
	}
	if v := c.String("metrics-addr"); v != "" {
		cfg.MetricsAddr = v
	}

	src, err := buildSource(c.String("source"), cfg, log)
	if err != nil {
		return err
	}

	store, err := openStore(c, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.SeedReferenceData(c.Context); err != nil {
		return fmt.Errorf("seed reference data: %w", err)
	}

	var mtx *metrics.Metrics
	if cfg.MetricsAddr != "" {
		m, registry := metrics.New()
		mtx = m
		srv := metrics.Serve(cfg.MetricsAddr, registry, log)
		defer srv.Close()
	}

	p := pipeline.New(store, pipeline.Config{
		BatchSize:     cfg.BatchSize,
		Workers:       cfg.Workers,
		HoursPerMonth: cfg.HoursPerMonth,
	}, log, mtx)

	result, err := p.Run(c.Context, src)
	if result != nil {
		fmt.Println(result.String())
	}
	return err
}

func buildSource(name string, cfg *config.Config, log zerolog.Logger) (source.Source, error) {
	switch name {
	case "dump":
		return source.NewDumpSource(source.DumpConfig{
			MetadataURL:     cfg.DumpMetadataURL,
			APIKey:          cfg.DumpAPIKey,
			DownloadTimeout: cfg.DownloadTimeout,
		}, log), nil
	case "aws":
		return source.NewAWSAPISource(source.AWSAPIConfig{
			ServiceCodes: cfg.AWSServiceCodes,
			Region:       cfg.AWSRegion,
		}, log), nil
	case "azure":
		return source.NewAzureAPISource(source.AzureAPIConfig{
			ServiceNames: cfg.AzureServices,
			Region:       cfg.AzureRegion,
			Timeout:      cfg.DownloadTimeout,
		}, log), nil
	default:
		return nil, fmt.Errorf("unknown source %q (want dump, aws or azure)", name)
	}
}

// =============================================================================
// SEED COMMAND
// =============================================================================

func seedCommand() *cli.Command {
	return &cli.Command{
		Name:  "seed",
		Usage: "Create the schema and seed canonical reference data",
		Action: func(c *cli.Context) error {
			cfg := config.Load()
			log := newLogger(c)

			store, err := openStore(c, cfg, log)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.SeedReferenceData(c.Context); err != nil {
				return fmt.Errorf("seed reference data: %w", err)
			}
			fmt.Println("schema initialized and reference data seeded")
			return nil
		},
	}
}

// =============================================================================
// RUNS COMMAND
// =============================================================================

func runsCommand() *cli.Command {
	return &cli.Command{
		Name:  "runs",
		Usage: "Show recent ingestion runs",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "limit",
				Value: 10,
				Usage: "Number of runs to show",
			},
		},
		Action: func(c *cli.Context) error {
			cfg := config.Load()
			log := newLogger(c)

			store, err := openStore(c, cfg, log)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.RecentRuns(c.Context, c.Int("limit"))
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("no runs recorded")
				return nil
			}
			for _, r := range runs {
				fmt.Printf("%s  %-10s  %-20s  staged=%-8d inserted=%-8d updated=%-8d skipped=%-6d failed=%-6d %s\n",
					r.StartedAt.Format(time.RFC3339), r.Source, r.Status,
					r.Counts.Staged, r.Counts.Inserted, r.Counts.Updated,
					r.Counts.Skipped, r.Counts.Failed, r.Duration.Round(time.Millisecond))
				if r.Error != "" {
					fmt.Printf("    error: %s\n", r.Error)
				}
			}
			return nil
		},
	}
}

// =============================================================================
// EXPORT COMMAND
// =============================================================================

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Mirror active facts and price changes into ClickHouse",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "clickhouse-addr",
				Usage:   "ClickHouse native address (host:port)",
				EnvVars: []string{"CLICKHOUSE_ADDR"},
			},
			&cli.DurationFlag{
				Name:  "since",
				Value: 7 * 24 * time.Hour,
				Usage: "Export price changes recorded within this window",
			},
			&cli.IntFlag{
				Name:  "batch-size",
				Value: 1000,
				Usage: "Export batch size",
			},
		},
		Action: runExport,
	}
}

func runExport(c *cli.Context) error {
	cfg := config.Load()
	log := newLogger(c)

	if v := c.String("clickhouse-addr"); v != "" {
		cfg.ClickHouseAddr = v
	}
	if cfg.ClickHouseAddr == "" {
		return fmt.Errorf("clickhouse address not configured (set CLICKHOUSE_ADDR or --clickhouse-addr)")
	}

	store, err := openStore(c, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	sink, err := clickhouse.Open(clickhouse.Config{
		Addr:     cfg.ClickHouseAddr,
		Database: cfg.ClickHouseDatabase,
		Username: cfg.ClickHouseUser,
		Password: cfg.ClickHousePassword,
	})
	if err != nil {
		return err
	}
	defer sink.Close()

	if err := sink.Ping(c.Context); err != nil {
		return fmt.Errorf("ping clickhouse: %w", err)
	}

	since := time.Now().Add(-c.Duration("since"))
	res, err := export.New(store, sink, c.Int("batch-size"), log).Run(c.Context, since)
	if err != nil {
		return err
	}
	fmt.Printf("exported %d facts and %d changes\n", res.Facts, res.Changes)
	return nil
}

// =============================================================================
// CLEANUP COMMAND
// =============================================================================

func cleanupCommand() *cli.Command {
	return &cli.Command{
		Name:  "cleanup",
		Usage: "Deactivate facts not refreshed since the retention cutoff",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "older-than",
				Value: 30 * 24 * time.Hour,
				Usage: "Deactivate facts last updated before now minus this duration",
			},
		},
		Action: func(c *cli.Context) error {
			cfg := config.Load()
			log := newLogger(c)

			store, err := openStore(c, cfg, log)
			if err != nil {
				return err
			}
			defer store.Close()

			cutoff := time.Now().Add(-c.Duration("older-than"))
			n, err := store.DeactivateOlderThan(c.Context, cutoff)
			if err != nil {
				return err
			}
			fmt.Printf("deactivated %d stale price records\n", n)
			return nil
		},
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
