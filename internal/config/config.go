// Package config loads engine configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries everything the ingestion engine needs. All values come
// from the environment with sane defaults; CLI flags may override.
type Config struct {
	// DatabaseURL is the Postgres DSN (system of record).
	DatabaseURL string

	// Bulk dump source.
	DumpMetadataURL string
	DumpAPIKey      string
	DownloadTimeout time.Duration

	// AWS Pricing API source.
	AWSRegion       string
	AWSServiceCodes []string

	// Azure Retail Prices API source.
	AzureRegion   string
	AzureServices []string

	// Pipeline tuning.
	BatchSize     int
	Workers       int
	HoursPerMonth float64

	// ClickHouse analytics export; disabled when Addr is empty.
	ClickHouseAddr     string
	ClickHouseDatabase string
	ClickHouseUser     string
	ClickHousePassword string

	// MetricsAddr serves /metrics during a run when non-empty.
	MetricsAddr string
}

// Load reads configuration from the environment.
func Load() *Config {
	return &Config{
		DatabaseURL: GetEnv("DATABASE_URL", "postgres://localhost:5432/cloud_pricing"),

		DumpMetadataURL: GetEnv("DUMP_METADATA_URL", "https://pricing.api.infracost.io/data-download/latest"),
		DumpAPIKey:      GetEnv("DUMP_API_KEY", ""),
		DownloadTimeout: time.Duration(GetEnvInt("DOWNLOAD_TIMEOUT_SECONDS", 900)) * time.Second,

		AWSRegion:       GetEnv("AWS_PRICING_REGION", "us-east-1"),
		AWSServiceCodes: splitList(GetEnv("AWS_PRICING_SERVICES", "AmazonEC2,AmazonS3")),

		AzureRegion:   GetEnv("AZURE_PRICING_REGION", "eastus"),
		AzureServices: splitList(GetEnv("AZURE_PRICING_SERVICES", "Virtual Machines,Storage")),

		BatchSize:     GetEnvInt("INGEST_BATCH_SIZE", 2000),
		Workers:       GetEnvInt("INGEST_WORKERS", 4),
		HoursPerMonth: GetEnvFloat("BILLABLE_HOURS_PER_MONTH", 730),

		ClickHouseAddr:     GetEnv("CLICKHOUSE_ADDR", ""),
		ClickHouseDatabase: GetEnv("CLICKHOUSE_DATABASE", "cloud_pricing"),
		ClickHouseUser:     GetEnv("CLICKHOUSE_USER", "default"),
		ClickHousePassword: GetEnv("CLICKHOUSE_PASSWORD", ""),

		MetricsAddr: GetEnv("METRICS_ADDR", ""),
	}
}

func GetEnv(key, defaultVal string) string {
	if val, exists := os.LookupEnv(key); exists {
		return val
	}
	return defaultVal
}

func GetEnvInt(key string, defaultVal int) int {
	if val, exists := os.LookupEnv(key); exists {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func GetEnvFloat(key string, defaultVal float64) float64 {
	if val, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
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
