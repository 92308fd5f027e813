package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"cloud-pricing/db/postgres"
	"cloud-pricing/internal/canonical"
	"cloud-pricing/internal/source"
)

// memStore backs the run loop without a database. Uniqueness and
// active-record rules mirror the postgres store.
type memStore struct {
	mu     sync.Mutex
	nextID int64

	dims    map[string]int64
	raw     map[string]int64
	facts   map[string]*memFact
	history []postgres.HistoryEntry
	runs    map[uuid.UUID]memRun
	locks   map[string]bool

	staging []*source.Row
}

type memFact struct {
	id        int64
	price     decimal.Decimal
	effective *decimal.Decimal
}

type memRun struct {
	status  string
	counts  postgres.RunCounts
	errText string
}

func newMemStore() *memStore {
	return &memStore{
		dims:  make(map[string]int64),
		raw:   make(map[string]int64),
		facts: make(map[string]*memFact),
		runs:  make(map[uuid.UUID]memRun),
		locks: make(map[string]bool),
	}
}

func (s *memStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *memStore) GetOrCreateDimension(_ context.Context, kind canonical.Kind, providerID int64, key, _ string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := fmt.Sprintf("%s|%d|%s", kind, providerID, key)
	if id, ok := s.dims[k]; ok {
		return id, nil
	}
	id := s.id()
	s.dims[k] = id
	return id, nil
}

func (s *memStore) AcquireRunLock(_ context.Context, sourceName string) (func(context.Context), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[sourceName] {
		return nil, postgres.ErrRunInProgress
	}
	s.locks[sourceName] = true
	return func(context.Context) {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.locks, sourceName)
	}, nil
}

func (s *memStore) BeginRun(_ context.Context, _, _ string) (uuid.UUID, error) {
	id := uuid.New()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[id] = memRun{status: postgres.RunStatusRunning}
	return id, nil
}

func (s *memStore) FinishRun(_ context.Context, id uuid.UUID, status string, counts postgres.RunCounts, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[id] = memRun{status: status, counts: counts, errText: errText}
	return nil
}

func (s *memStore) RecreateStaging(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staging = nil
	return nil
}

func (s *memStore) DropStaging(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staging = nil
	return nil
}

func (s *memStore) StageRows(_ context.Context, it source.Iterator, _ int) (int64, error) {
	var n int64
	for {
		row, err := it.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		s.mu.Lock()
		s.staging = append(s.staging, row)
		s.mu.Unlock()
		n++
	}
}

func (s *memStore) IterateStaged(_ context.Context, batchSize int, fn func(rows []*source.Row) error) error {
	s.mu.Lock()
	staged := append([]*source.Row(nil), s.staging...)
	s.mu.Unlock()
	for len(staged) > 0 {
		n := batchSize
		if n > len(staged) {
			n = len(staged)
		}
		if err := fn(staged[:n]); err != nil {
			return err
		}
		staged = staged[n:]
	}
	return nil
}

func (s *memStore) PersistRaw(_ context.Context, raw *postgres.RawRecord) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := fmt.Sprintf("%d|%s|%s", raw.ProviderID, raw.NodeID, raw.Digest)
	if id, ok := s.raw[k]; ok {
		return id, false, nil
	}
	id := s.id()
	s.raw[k] = id
	return id, true, nil
}

func (s *memStore) UpsertNormalized(_ context.Context, rec *postgres.NormalizedRecord) (*postgres.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := fmt.Sprintf("%d|%d|%d|%d|%s|%s|%s",
		rec.ProviderID, rec.ServiceID, rec.RegionID, rec.PricingModelID,
		rec.AttributesDigest, rec.PriceUnit, rec.PurchaseOption)
	newPrice := rec.Price.Round(6)
	if f, ok := s.facts[k]; ok {
		old := f.price
		changed := !old.Equal(newPrice)
		f.price = newPrice
		f.effective = rec.EffectivePricePerHour
		return &postgres.UpsertResult{ID: f.id, PriceChanged: changed, OldPrice: &old}, nil
	}
	id := s.id()
	s.facts[k] = &memFact{id: id, price: newPrice, effective: rec.EffectivePricePerHour}
	return &postgres.UpsertResult{ID: id, Inserted: true}, nil
}

func (s *memStore) InsertHistory(_ context.Context, entry *postgres.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, *entry)
	return nil
}

// sliceSource serves rows from memory.
type sliceSource struct {
	rows    []*source.Row
	openErr error
}

func (s *sliceSource) Name() string     { return "test" }
func (s *sliceSource) Endpoint() string { return "memory" }

func (s *sliceSource) Open(context.Context) (source.Iterator, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	return &sliceIterator{rows: s.rows}, nil
}

type sliceIterator struct {
	rows []*source.Row
	pos  int
}

func (it *sliceIterator) Next() (*source.Row, error) {
	if it.pos >= len(it.rows) {
		return nil, io.EOF
	}
	row := it.rows[it.pos]
	it.pos++
	return row, nil
}

func (it *sliceIterator) Close() error { return nil }

func testRow(sku, region, price string) *source.Row {
	return &source.Row{
		ProductHash:   "hash-" + sku,
		SKU:           sku,
		VendorName:    "aws",
		Region:        region,
		Service:       "AmazonEC2",
		ProductFamily: "Compute Instance",
		Attributes:    json.RawMessage(`{"instanceType":"m5.large","operatingSystem":"Linux","tenancy":"Shared"}`),
		Prices:        json.RawMessage(fmt.Sprintf(`[{"USD":%q,"unit":"Hrs","description":"On Demand Linux"}]`, price)),
	}
}

func newTestPipeline(store Store) *Pipeline {
	return New(store, Config{BatchSize: 2, Workers: 2, HoursPerMonth: 730}, zerolog.Nop(), nil)
}

func TestRunIngestsAndIsIdempotent(t *testing.T) {
	store := newMemStore()
	p := newTestPipeline(store)
	src := &sliceSource{rows: []*source.Row{
		testRow("SKU1", "us-east-1", "0.096"),
		testRow("SKU2", "eu-west-1", "0.107"),
	}}

	res, err := p.Run(context.Background(), src)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if res.Status != postgres.RunStatusSuccess {
		t.Fatalf("first run status = %q, want %q", res.Status, postgres.RunStatusSuccess)
	}
	if res.Counts.Staged != 2 || res.Counts.Inserted != 2 || res.Counts.Updated != 0 {
		t.Fatalf("first run counts = %+v", res.Counts)
	}
	if len(store.raw) != 2 {
		t.Fatalf("raw records = %d, want 2", len(store.raw))
	}

	// Same payload again: raw dedupes on digest, facts update in place,
	// nothing lands in history.
	res, err = p.Run(context.Background(), src)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res.Counts.Inserted != 0 || res.Counts.Updated != 2 {
		t.Fatalf("second run counts = %+v", res.Counts)
	}
	if len(store.raw) != 2 {
		t.Fatalf("raw records after rerun = %d, want 2", len(store.raw))
	}
	if len(store.facts) != 2 {
		t.Fatalf("active facts after rerun = %d, want 2", len(store.facts))
	}
	if len(store.history) != 0 {
		t.Fatalf("history after unchanged rerun = %d entries, want 0", len(store.history))
	}
}

func TestPurchaseOptionVariantsStayDistinct(t *testing.T) {
	row := testRow("RSV1", "us-east-1", "900")
	row.Prices = json.RawMessage(`[
		{"USD":"900","unit":"Quantity","purchaseOption":"All Upfront","termLength":"1yr"},
		{"USD":"450","unit":"Quantity","purchaseOption":"Partial Upfront","termLength":"1yr"}
	]`)

	store := newMemStore()
	p := newTestPipeline(store)
	src := &sliceSource{rows: []*source.Row{row}}

	res, err := p.Run(context.Background(), src)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if res.Counts.Inserted != 2 {
		t.Fatalf("first run counts = %+v, want 2 inserts", res.Counts)
	}
	if len(store.facts) != 2 {
		t.Fatalf("active facts = %d, want one per purchase option", len(store.facts))
	}
	if len(store.history) != 0 {
		t.Fatalf("history after first sighting = %d entries, want 0", len(store.history))
	}

	res, err = p.Run(context.Background(), src)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res.Counts.Inserted != 0 || res.Counts.Updated != 2 {
		t.Fatalf("second run counts = %+v, want 2 updates", res.Counts)
	}
	if len(store.facts) != 2 {
		t.Fatalf("active facts after rerun = %d, want 2", len(store.facts))
	}
	if len(store.history) != 0 {
		t.Fatalf("history after unchanged rerun = %d entries, want 0", len(store.history))
	}
}

func TestRunRecordsHistoryOnPriceChange(t *testing.T) {
	store := newMemStore()
	p := newTestPipeline(store)

	if _, err := p.Run(context.Background(), &sliceSource{rows: []*source.Row{
		testRow("SKU1", "us-east-1", "0.10"),
	}}); err != nil {
		t.Fatalf("initial run: %v", err)
	}
	if _, err := p.Run(context.Background(), &sliceSource{rows: []*source.Row{
		testRow("SKU1", "us-east-1", "0.12"),
	}}); err != nil {
		t.Fatalf("changed run: %v", err)
	}

	if len(store.history) != 1 {
		t.Fatalf("history entries = %d, want 1", len(store.history))
	}
	entry := store.history[0]
	if !entry.Price.Equal(decimal.RequireFromString("0.12")) {
		t.Errorf("history price = %s, want 0.12", entry.Price)
	}
	if entry.ChangePercentage == nil {
		t.Fatal("change percentage is nil")
	}
	if want := decimal.RequireFromString("20"); !entry.ChangePercentage.Equal(want) {
		t.Errorf("change percentage = %s, want %s", entry.ChangePercentage, want)
	}
}

func TestRunSkipsMalformedRows(t *testing.T) {
	bad := testRow("BAD1", "us-east-1", "0.10")
	bad.Prices = json.RawMessage(`{not json`)

	store := newMemStore()
	p := newTestPipeline(store)
	res, err := p.Run(context.Background(), &sliceSource{rows: []*source.Row{
		testRow("SKU1", "us-east-1", "0.096"),
		bad,
		testRow("SKU2", "eu-west-1", "0.107"),
	}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != postgres.RunStatusSuccessWithSkips {
		t.Fatalf("status = %q, want %q", res.Status, postgres.RunStatusSuccessWithSkips)
	}
	if res.Counts.Staged != 3 || res.Counts.Inserted != 2 || res.Counts.Skipped != 1 {
		t.Fatalf("counts = %+v", res.Counts)
	}
}

func TestRunRejectsNegativePrice(t *testing.T) {
	store := newMemStore()
	p := newTestPipeline(store)
	res, err := p.Run(context.Background(), &sliceSource{rows: []*source.Row{
		testRow("SKU1", "us-east-1", "-0.05"),
	}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != postgres.RunStatusSuccessWithSkips {
		t.Fatalf("status = %q, want %q", res.Status, postgres.RunStatusSuccessWithSkips)
	}
	if res.Counts.Skipped != 1 || res.Counts.Inserted != 0 {
		t.Fatalf("counts = %+v", res.Counts)
	}
	if len(store.facts) != 0 {
		t.Fatalf("facts = %d, want 0", len(store.facts))
	}
}

func TestRunRefusesConcurrentSource(t *testing.T) {
	store := newMemStore()
	store.locks["test"] = true
	p := newTestPipeline(store)

	_, err := p.Run(context.Background(), &sliceSource{})
	if !errors.Is(err, postgres.ErrRunInProgress) {
		t.Fatalf("err = %v, want ErrRunInProgress", err)
	}
}

func TestRunMarksFailureOnSourceError(t *testing.T) {
	store := newMemStore()
	p := newTestPipeline(store)

	res, err := p.Run(context.Background(), &sliceSource{openErr: errors.New("endpoint down")})
	if err == nil {
		t.Fatal("expected error")
	}
	if res == nil || res.Status != postgres.RunStatusFailure {
		t.Fatalf("result = %+v, want failure status", res)
	}
	run, ok := store.runs[res.RunID]
	if !ok {
		t.Fatal("run missing from ledger")
	}
	if run.status != postgres.RunStatusFailure || run.errText == "" {
		t.Fatalf("ledger run = %+v", run)
	}
}

func TestAmortizedTermPricing(t *testing.T) {
	row := testRow("RSV1", "us-east-1", "1051.20")
	row.Prices = json.RawMessage(`[{"USD":"1051.20","unit":"Quantity","purchaseOption":"All Upfront","termLength":"1yr"}]`)

	store := newMemStore()
	p := newTestPipeline(store)
	res, err := p.Run(context.Background(), &sliceSource{rows: []*source.Row{row}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Counts.Inserted != 1 {
		t.Fatalf("counts = %+v", res.Counts)
	}
	if len(store.facts) != 1 {
		t.Fatalf("facts = %d, want 1", len(store.facts))
	}

	var fact *memFact
	for _, f := range store.facts {
		fact = f
	}
	if !fact.price.Equal(decimal.RequireFromString("1051.2")) {
		t.Errorf("stored price = %s, want 1051.20", fact.price)
	}
	if fact.effective == nil {
		t.Fatal("effective hourly rate is nil")
	}
	// 1051.20 amortized over 8766 hours of a one-year term.
	want := decimal.RequireFromString("1051.20").Div(decimal.NewFromInt(8766))
	if !fact.effective.Round(9).Equal(want.Round(9)) {
		t.Errorf("effective rate = %s, want %s", fact.effective, want)
	}
}
