package postgres

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrRunInProgress means another ingestion run holds the per-source lock.
var ErrRunInProgress = errors.New("ingestion run already in progress")

// RawRecord is an immutable raw price payload, stored exactly once per
// (provider, node, digest).
type RawRecord struct {
	ID         int64
	ProviderID int64
	NodeID     string
	Payload    json.RawMessage
	Digest     string
	Source     string
	FetchedAt  time.Time
}

// NormalizedRecord is the canonical price fact row.
type NormalizedRecord struct {
	ID             int64
	ProviderID     int64
	ServiceID      int64
	RegionID       int64
	PricingModelID int64
	CurrencyID     int64

	ProductFamily   string
	InstanceType    string
	OperatingSystem string
	Tenancy         string
	Attributes      json.RawMessage
	// AttributesDigest keys the instance-attribute tuple; part of the
	// active-record uniqueness constraint.
	AttributesDigest string

	Price                 decimal.Decimal
	PriceUnit             string
	CanonicalUnit         string
	EffectivePricePerHour *decimal.Decimal
	// PurchaseOption distinguishes billing variants of one product
	// (e.g. All Upfront vs Partial Upfront); part of the active-record
	// uniqueness constraint.
	PurchaseOption string
	Upfront        bool
	TermYears      *decimal.Decimal

	RawRecordID int64
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// UpsertResult reports what an upsert did to the active record for a key.
type UpsertResult struct {
	ID       int64
	Inserted bool
	// PriceChanged is true when an active record existed and its price
	// differs from the new one at stored precision.
	PriceChanged bool
	// OldPrice is the prior active price; nil on first sighting.
	OldPrice *decimal.Decimal
}

// HistoryEntry is one append-only price change observation.
type HistoryEntry struct {
	ID                    int64
	NormalizedID          int64
	Price                 decimal.Decimal
	EffectivePricePerHour *decimal.Decimal
	ChangePercentage      *decimal.Decimal
	RecordedAt            time.Time
}

// Run statuses.
const (
	RunStatusRunning          = "running"
	RunStatusSuccess          = "success"
	RunStatusSuccessWithSkips = "success_with_skips"
	RunStatusFailure          = "failure"
)

// RunCounts are the row counters a run accumulates.
type RunCounts struct {
	Staged   int64
	Inserted int64
	Updated  int64
	Skipped  int64
	Failed   int64
}

// Run is one ledger entry.
type Run struct {
	ID         uuid.UUID
	Source     string
	Endpoint   string
	Status     string
	Counts     RunCounts
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
	Duration   time.Duration
}
