package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	"github.com/aws/aws-sdk-go-v2/service/pricing/types"
	"github.com/rs/zerolog"
)

// The AWS Pricing API is only served from us-east-1.
const pricingAPIRegion = "us-east-1"

// regionNames maps AWS region codes to the location names the Pricing
// API filters on.
var regionNames = map[string]string{
	"us-east-1":      "US East (N. Virginia)",
	"us-west-2":      "US West (Oregon)",
	"eu-west-1":      "Europe (Ireland)",
	"ap-southeast-1": "Asia Pacific (Singapore)",
}

// AWSAPIConfig configures the direct AWS Pricing API source.
type AWSAPIConfig struct {
	// ServiceCodes to pull, e.g. AmazonEC2, AmazonS3.
	ServiceCodes []string
	// Region code whose prices to pull.
	Region string
	// PageSize per GetProducts call; the API caps this at 100.
	PageSize int32
}

// AWSAPISource pulls prices straight from the AWS Pricing API
// (GetProducts), bypassing the bulk dump. Useful for targeted refreshes
// of a single service between weekly dump runs.
type AWSAPISource struct {
	cfg AWSAPIConfig
	log zerolog.Logger

	// newClient is swapped in tests.
	newClient func(ctx context.Context) (getProductsAPI, error)
}

type getProductsAPI interface {
	GetProducts(ctx context.Context, in *pricing.GetProductsInput, opts ...func(*pricing.Options)) (*pricing.GetProductsOutput, error)
}

// NewAWSAPISource creates an AWS Pricing API source using the default
// credential chain. Missing credentials surface as a fatal run error
// when the source is opened.
func NewAWSAPISource(cfg AWSAPIConfig, log zerolog.Logger) *AWSAPISource {
	if cfg.PageSize <= 0 || cfg.PageSize > 100 {
		cfg.PageSize = 100
	}
	if len(cfg.ServiceCodes) == 0 {
		cfg.ServiceCodes = []string{"AmazonEC2", "AmazonS3"}
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	return &AWSAPISource{
		cfg: cfg,
		log: log,
		newClient: func(ctx context.Context) (getProductsAPI, error) {
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(pricingAPIRegion))
			if err != nil {
				return nil, fmt.Errorf("load AWS credentials: %w", err)
			}
			return pricing.NewFromConfig(awsCfg), nil
		},
	}
}

func (s *AWSAPISource) Name() string { return "aws_pricing_api" }

func (s *AWSAPISource) Endpoint() string {
	return fmt.Sprintf("https://api.pricing.%s.amazonaws.com/ (%s)", pricingAPIRegion, s.cfg.Region)
}

func (s *AWSAPISource) Open(ctx context.Context) (Iterator, error) {
	client, err := s.newClient(ctx)
	if err != nil {
		return nil, err
	}
	return &awsIterator{
		ctx:      ctx,
		src:      s,
		client:   client,
		services: append([]string(nil), s.cfg.ServiceCodes...),
	}, nil
}

type awsIterator struct {
	ctx    context.Context
	src    *AWSAPISource
	client getProductsAPI

	services  []string
	nextToken *string
	opened    bool
	buffered  []*Row
}

func (it *awsIterator) Next() (*Row, error) {
	for len(it.buffered) == 0 {
		if err := it.fetchPage(); err != nil {
			return nil, err
		}
	}
	row := it.buffered[0]
	it.buffered = it.buffered[1:]
	return row, nil
}

func (it *awsIterator) fetchPage() error {
	if it.opened && it.nextToken == nil {
		it.services = it.services[1:]
		it.opened = false
	}
	if len(it.services) == 0 {
		return io.EOF
	}
	service := it.services[0]

	in := &pricing.GetProductsInput{
		ServiceCode: aws.String(service),
		MaxResults:  aws.Int32(it.src.cfg.PageSize),
		NextToken:   it.nextToken,
		Filters:     it.src.filters(service),
	}
	out, err := it.client.GetProducts(it.ctx, in)
	if err != nil {
		return fmt.Errorf("%w: GetProducts %s: %v", ErrDownload, service, err)
	}
	it.opened = true
	it.nextToken = out.NextToken

	for _, item := range out.PriceList {
		row, err := priceItemToRow(item)
		if err != nil {
			// Malformed items are row-level problems; skip here and let
			// the counts reflect what actually staged.
			it.src.log.Warn().Err(err).Str("service", service).Msg("skipping malformed price item")
			continue
		}
		it.buffered = append(it.buffered, row)
	}
	return nil
}

func (s *AWSAPISource) filters(service string) []types.Filter {
	location := regionNames[s.cfg.Region]
	if location == "" {
		location = s.cfg.Region
	}
	filters := []types.Filter{
		{Type: types.FilterTypeTermMatch, Field: aws.String("location"), Value: aws.String(location)},
	}
	if service == "AmazonEC2" {
		filters = append(filters,
			types.Filter{Type: types.FilterTypeTermMatch, Field: aws.String("tenancy"), Value: aws.String("Shared")},
			types.Filter{Type: types.FilterTypeTermMatch, Field: aws.String("operatingSystem"), Value: aws.String("Linux")},
			types.Filter{Type: types.FilterTypeTermMatch, Field: aws.String("preInstalledSw"), Value: aws.String("NA")},
			types.Filter{Type: types.FilterTypeTermMatch, Field: aws.String("capacitystatus"), Value: aws.String("Used")},
		)
	}
	return filters
}

func (it *awsIterator) Close() error { return nil }

// priceItem is the GetProducts price list document shape.
type priceItem struct {
	Product struct {
		SKU           string            `json:"sku"`
		ProductFamily string            `json:"productFamily"`
		Attributes    map[string]string `json:"attributes"`
	} `json:"product"`
	ServiceCode string                             `json:"serviceCode"`
	Terms       map[string]map[string]priceItemTerm `json:"terms"`
}

type priceItemTerm struct {
	PriceDimensions map[string]struct {
		Description  string            `json:"description"`
		Unit         string            `json:"unit"`
		PricePerUnit map[string]string `json:"pricePerUnit"`
	} `json:"priceDimensions"`
	TermAttributes struct {
		LeaseContractLength string `json:"LeaseContractLength"`
		PurchaseOption      string `json:"PurchaseOption"`
	} `json:"termAttributes"`
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// priceItemToRow flattens one GetProducts document into the staging row
// shape, rebuilding the terms tree as a flat price entry list.
func priceItemToRow(item string) (*Row, error) {
	var pi priceItem
	if err := json.Unmarshal([]byte(item), &pi); err != nil {
		return nil, fmt.Errorf("decode price item: %w", err)
	}
	if pi.Product.SKU == "" {
		return nil, fmt.Errorf("price item has no sku")
	}

	// Walk the terms tree in sorted key order so the flattened entry
	// list is stable across runs; the dedup digest depends on it.
	var entries []PriceEntry
	for _, termType := range sortedKeys(pi.Terms) {
		terms := pi.Terms[termType]
		for _, termKey := range sortedKeys(terms) {
			term := terms[termKey]
			for _, dimKey := range sortedKeys(term.PriceDimensions) {
				dim := term.PriceDimensions[dimKey]
				entries = append(entries, PriceEntry{
					USD:            dim.PricePerUnit["USD"],
					Unit:           dim.Unit,
					Description:    dim.Description,
					PurchaseOption: term.TermAttributes.PurchaseOption,
					TermLength:     term.TermAttributes.LeaseContractLength,
				})
			}
		}
	}

	attrs, err := json.Marshal(pi.Product.Attributes)
	if err != nil {
		return nil, fmt.Errorf("encode attributes: %w", err)
	}
	prices, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("encode prices: %w", err)
	}

	return &Row{
		SKU:           pi.Product.SKU,
		VendorName:    "aws",
		Region:        pi.Product.Attributes["location"],
		Service:       pi.ServiceCode,
		ProductFamily: pi.Product.ProductFamily,
		Attributes:    attrs,
		Prices:        prices,
	}, nil
}
