package source

import (
	"compress/gzip"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// ErrDownload marks a failed dump acquisition. Download and
// decompression failures abort the run.
var ErrDownload = errors.New("dump download failed")

// dump CSV column order, as published by the bulk pricing endpoint.
const (
	colProductHash = iota
	colSKU
	colVendorName
	colRegion
	colService
	colProductFamily
	colAttributes
	colPrices
	dumpColumns
)

// DumpConfig configures the bulk dump source.
type DumpConfig struct {
	// MetadataURL returns a JSON document carrying the signed download
	// URL for the current dump.
	MetadataURL string
	// APIKey authenticates the metadata request.
	APIKey string
	// DownloadTimeout bounds the full metadata+download exchange.
	DownloadTimeout time.Duration
	// TempDir receives the downloaded file; empty means os.TempDir.
	TempDir string
}

// DumpSource fetches the weekly compressed bulk dump: an authenticated
// metadata request yields a signed URL, then the gzip CSV is streamed to
// a temporary file so the whole dump never sits in memory.
type DumpSource struct {
	cfg    DumpConfig
	client *http.Client
	log    zerolog.Logger
}

// NewDumpSource creates a bulk dump source.
func NewDumpSource(cfg DumpConfig, log zerolog.Logger) *DumpSource {
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 15 * time.Minute
	}
	return &DumpSource{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.DownloadTimeout,
		},
		log: log,
	}
}

func (s *DumpSource) Name() string     { return "bulk_dump" }
func (s *DumpSource) Endpoint() string { return s.cfg.MetadataURL }

// Open downloads the current dump and returns a streaming iterator over
// its rows. Any failure here is fatal to the run.
func (s *DumpSource) Open(ctx context.Context) (Iterator, error) {
	if s.cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: missing API key", ErrDownload)
	}

	url, err := s.fetchDownloadURL(ctx)
	if err != nil {
		return nil, err
	}

	path, size, err := s.download(ctx, url)
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("path", path).Int64("bytes", size).Msg("dump downloaded")

	it, err := openDumpFile(path)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("%w: %v", ErrDownload, err)
	}
	return it, nil
}

func (s *DumpSource) fetchDownloadURL(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.MetadataURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDownload, err)
	}
	req.Header.Set("X-Api-Key", s.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: metadata request: %v", ErrDownload, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: metadata request returned %d", ErrDownload, resp.StatusCode)
	}

	var meta struct {
		DownloadURL string `json:"downloadUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return "", fmt.Errorf("%w: decode metadata: %v", ErrDownload, err)
	}
	if meta.DownloadURL == "" {
		return "", fmt.Errorf("%w: metadata carried no download URL", ErrDownload)
	}
	return meta.DownloadURL, nil
}

func (s *DumpSource) download(ctx context.Context, url string) (string, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrDownload, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrDownload, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("%w: download returned %d", ErrDownload, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(s.cfg.TempDir, "price-dump-*.csv.gz")
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrDownload, err)
	}

	size, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("%w: %v", ErrDownload, err)
	}
	return tmp.Name(), size, nil
}

// dumpIterator streams rows from the downloaded gzip CSV.
type dumpIterator struct {
	path    string
	file    *os.File
	gz      *gzip.Reader
	csv     *csv.Reader
	started bool
}

func openDumpFile(path string) (*dumpIterator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("decompress dump: %w", err)
	}
	cr := csv.NewReader(gz)
	cr.FieldsPerRecord = dumpColumns
	return &dumpIterator{path: path, file: f, gz: gz, csv: cr}, nil
}

func (it *dumpIterator) Next() (*Row, error) {
	rec, err := it.csv.Read()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, fmt.Errorf("read dump row: %w", err)
	}
	if !it.started {
		it.started = true
		if rec[colProductHash] == "productHash" {
			// Header row.
			return it.Next()
		}
	}
	return &Row{
		ProductHash:   rec[colProductHash],
		SKU:           rec[colSKU],
		VendorName:    rec[colVendorName],
		Region:        rec[colRegion],
		Service:       rec[colService],
		ProductFamily: rec[colProductFamily],
		Attributes:    json.RawMessage([]byte(rec[colAttributes])),
		Prices:        json.RawMessage([]byte(rec[colPrices])),
	}, nil
}

func (it *dumpIterator) Close() error {
	var first error
	if it.gz != nil {
		first = it.gz.Close()
	}
	if it.file != nil {
		if err := it.file.Close(); first == nil {
			first = err
		}
	}
	// The downloaded file is transient; always remove it.
	if err := os.Remove(it.path); err != nil && !os.IsNotExist(err) && first == nil {
		first = err
	}
	return first
}
