// Package source acquires raw price rows from upstream vendors: the
// bulk price-list dump endpoint, the AWS Pricing API and the Azure
// Retail Prices API. Every source yields the same flat row shape so
// the rest of the pipeline is source-agnostic.
package source

import (
	"context"
	"encoding/json"
)

// Row is one staged price row, mirroring the bulk dump's columns.
type Row struct {
	ProductHash   string
	SKU           string
	VendorName    string
	Region        string
	Service       string
	ProductFamily string
	Attributes    json.RawMessage
	Prices        json.RawMessage
}

// Iterator streams rows from an open source. Next returns io.EOF after
// the last row. Close releases any temporary resources (downloaded
// files, open responses) and is safe to call on every exit path.
type Iterator interface {
	Next() (*Row, error)
	Close() error
}

// Source is one upstream price feed.
type Source interface {
	// Name is a stable label used for the run lock and the run ledger.
	Name() string
	// Endpoint is the human-readable endpoint recorded in the ledger.
	Endpoint() string
	// Open fetches the feed and returns a row iterator. A failure here
	// is fatal to the run.
	Open(ctx context.Context) (Iterator, error)
}
