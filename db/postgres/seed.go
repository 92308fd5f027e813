package postgres

import (
	"context"
	"fmt"

	"cloud-pricing/internal/canonical"
)

// SeedReferenceData populates the baseline canonical rows: the three
// supported providers, the pricing models, common currencies, and each
// provider's default regions. Idempotent; existing rows are left alone.
func (s *Store) SeedReferenceData(ctx context.Context) error {
	providers := []struct{ key, display string }{
		{"aws", "Amazon Web Services"},
		{"azure", "Microsoft Azure"},
		{"gcp", "Google Cloud Platform"},
	}
	providerIDs := make(map[string]int64, len(providers))
	for _, p := range providers {
		id, err := s.GetOrCreateDimension(ctx, canonical.KindProvider, 0, p.key, p.display)
		if err != nil {
			return fmt.Errorf("seed provider %s: %w", p.key, err)
		}
		providerIDs[p.key] = id
	}

	pricingModels := []struct{ key, display string }{
		{"ondemand", "On-Demand"},
		{"reserved", "Reserved"},
		{"spot", "Spot"},
		{"committeduse", "Committed Use"},
		{"payasyougo", "Pay-as-you-go"},
	}
	for _, m := range pricingModels {
		if _, err := s.GetOrCreateDimension(ctx, canonical.KindPricingModel, 0, m.key, m.display); err != nil {
			return fmt.Errorf("seed pricing model %s: %w", m.key, err)
		}
	}

	currencies := []struct{ key, display string }{
		{"usd", "US Dollar"},
		{"eur", "Euro"},
		{"gbp", "British Pound"},
		{"jpy", "Japanese Yen"},
	}
	for _, c := range currencies {
		if _, err := s.GetOrCreateDimension(ctx, canonical.KindCurrency, 0, c.key, c.display); err != nil {
			return fmt.Errorf("seed currency %s: %w", c.key, err)
		}
	}

	regions := map[string][]struct{ key, display string }{
		"aws": {
			{"useast1", "US East (N. Virginia)"},
			{"uswest2", "US West (Oregon)"},
			{"euwest1", "Europe (Ireland)"},
			{"apsoutheast1", "Asia Pacific (Singapore)"},
		},
		"azure": {
			{"eastus", "East US"},
			{"westus2", "West US 2"},
			{"westeurope", "West Europe"},
			{"southeastasia", "Southeast Asia"},
		},
		"gcp": {
			{"uscentral1", "Iowa"},
			{"uswest1", "Oregon"},
			{"europewest1", "Belgium"},
			{"asiasoutheast1", "Singapore"},
		},
	}
	for provider, rs := range regions {
		pid := providerIDs[provider]
		for _, r := range rs {
			if _, err := s.GetOrCreateDimension(ctx, canonical.KindRegion, pid, r.key, r.display); err != nil {
				return fmt.Errorf("seed region %s/%s: %w", provider, r.key, err)
			}
		}
	}
	return nil
}
