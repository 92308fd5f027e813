package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const (
	azureRetailEndpoint   = "https://prices.azure.com/api/retail/prices"
	azureRetailAPIVersion = "2023-01-01-preview"
)

// AzureAPIConfig configures the Azure retail prices source.
type AzureAPIConfig struct {
	// Endpoint overrides the retail prices URL; tests point it at a
	// local server.
	Endpoint string
	// ServiceNames to pull, e.g. "Virtual Machines", "Storage".
	ServiceNames []string
	// Region is the armRegionName whose prices to pull.
	Region string
	// Timeout bounds each page request.
	Timeout time.Duration
}

// AzureAPISource pulls prices from the Azure Retail Prices API: an
// unauthenticated JSON endpoint filtered per service and region, paged
// through NextPageLink.
type AzureAPISource struct {
	cfg    AzureAPIConfig
	client *http.Client
	log    zerolog.Logger
}

// NewAzureAPISource creates an Azure retail prices source.
func NewAzureAPISource(cfg AzureAPIConfig, log zerolog.Logger) *AzureAPISource {
	if cfg.Endpoint == "" {
		cfg.Endpoint = azureRetailEndpoint
	}
	if len(cfg.ServiceNames) == 0 {
		cfg.ServiceNames = []string{"Virtual Machines", "Storage"}
	}
	if cfg.Region == "" {
		cfg.Region = "eastus"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &AzureAPISource{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}
}

func (s *AzureAPISource) Name() string     { return "azure_retail_api" }
func (s *AzureAPISource) Endpoint() string { return s.cfg.Endpoint }

func (s *AzureAPISource) Open(ctx context.Context) (Iterator, error) {
	return &azureIterator{
		ctx:      ctx,
		src:      s,
		services: append([]string(nil), s.cfg.ServiceNames...),
	}, nil
}

// azureRetailItem is one entry of an Azure retail prices page.
type azureRetailItem struct {
	CurrencyCode       string  `json:"currencyCode"`
	RetailPrice        float64 `json:"retailPrice"`
	UnitOfMeasure      string  `json:"unitOfMeasure"`
	ArmRegionName      string  `json:"armRegionName"`
	MeterID            string  `json:"meterId"`
	MeterName          string  `json:"meterName"`
	ProductName        string  `json:"productName"`
	SkuName            string  `json:"skuName"`
	ArmSkuName         string  `json:"armSkuName"`
	ServiceName        string  `json:"serviceName"`
	ServiceFamily      string  `json:"serviceFamily"`
	Type               string  `json:"type"`
	ReservationTerm    string  `json:"reservationTerm"`
	EffectiveStartDate string  `json:"effectiveStartDate"`
}

type azureRetailPage struct {
	Items        []azureRetailItem `json:"Items"`
	NextPageLink string            `json:"NextPageLink"`
}

type azureIterator struct {
	ctx context.Context
	src *AzureAPISource

	services []string
	nextLink string
	opened   bool
	buffered []*Row
}

func (it *azureIterator) Next() (*Row, error) {
	for len(it.buffered) == 0 {
		if err := it.fetchPage(); err != nil {
			return nil, err
		}
		if it.buffered == nil {
			return nil, io.EOF
		}
	}
	row := it.buffered[0]
	it.buffered = it.buffered[1:]
	return row, nil
}

// fetchPage loads the next page of the current service, or the first
// page of the next service. Sets buffered to nil when every service is
// drained.
func (it *azureIterator) fetchPage() error {
	pageURL := it.nextLink
	if pageURL == "" {
		if it.opened {
			it.services = it.services[1:]
		}
		it.opened = true
		if len(it.services) == 0 {
			it.buffered = nil
			return nil
		}
		pageURL = it.firstPageURL(it.services[0])
	}

	page, err := it.src.getPage(it.ctx, pageURL)
	if err != nil {
		return err
	}
	it.nextLink = page.NextPageLink

	rows := make([]*Row, 0, len(page.Items))
	for i := range page.Items {
		rows = append(rows, azureItemToRow(&page.Items[i]))
	}
	it.buffered = rows
	return nil
}

func (it *azureIterator) firstPageURL(serviceName string) string {
	filter := fmt.Sprintf("serviceName eq '%s' and armRegionName eq '%s'",
		serviceName, it.src.cfg.Region)
	q := url.Values{}
	q.Set("$filter", filter)
	q.Set("api-version", azureRetailAPIVersion)
	return it.src.cfg.Endpoint + "?" + q.Encode()
}

func (it *azureIterator) Close() error { return nil }

func (s *AzureAPISource) getPage(ctx context.Context, pageURL string) (*azureRetailPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownload, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: retail prices request: %v", ErrDownload, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: retail prices request returned %d", ErrDownload, resp.StatusCode)
	}

	var page azureRetailPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("%w: decode retail prices page: %v", ErrDownload, err)
	}
	return &page, nil
}

// azureItemToRow maps one retail prices item onto the staging row shape.
// Reservation entries carry their term and amortize as paid-upfront
// commitments; consumption entries convert directly.
func azureItemToRow(item *azureRetailItem) *Row {
	attrs := map[string]string{
		"meterName":   item.MeterName,
		"productName": item.ProductName,
		"skuName":     item.SkuName,
		"type":        item.Type,
	}
	if item.ArmSkuName != "" {
		attrs["instanceType"] = item.ArmSkuName
	}
	attrsJSON, _ := json.Marshal(attrs)

	entry := PriceEntry{
		USD:                strconv.FormatFloat(item.RetailPrice, 'f', -1, 64),
		Unit:               item.UnitOfMeasure,
		Description:        item.MeterName,
		EffectiveDateStart: item.EffectiveStartDate,
	}
	if item.Type == "Reservation" && item.ReservationTerm != "" {
		entry.PurchaseOption = "All Upfront"
		entry.TermLength = item.ReservationTerm
	}
	pricesJSON, _ := json.Marshal([]PriceEntry{entry})

	return &Row{
		ProductHash:   item.MeterID,
		SKU:           item.MeterID,
		VendorName:    "azure",
		Region:        item.ArmRegionName,
		Service:       item.ServiceName,
		ProductFamily: item.ServiceFamily,
		Attributes:    attrsJSON,
		Prices:        pricesJSON,
	}
}
