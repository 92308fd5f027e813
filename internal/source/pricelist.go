package source

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PriceEntry is one normalized entry from a vendor price list.
type PriceEntry struct {
	USD                string `json:"USD"`
	Unit               string `json:"unit"`
	Description        string `json:"description,omitempty"`
	PurchaseOption     string `json:"purchaseOption,omitempty"`
	TermLength         string `json:"termLength,omitempty"`
	TermOfferingClass  string `json:"termOfferingClass,omitempty"`
	StartUsageAmount   string `json:"startUsageAmount,omitempty"`
	EffectiveDateStart string `json:"effectiveDateStart,omitempty"`
}

// ParsePriceList normalizes a raw price-list payload into a uniform
// slice. Vendor dumps are inconsistent across versions: the payload is
// sometimes a JSON array of entries, sometimes a single entry object,
// and sometimes a map of term-hash to entry array. All three shapes are
// accepted here, at the parse boundary, so no business logic ever sees
// more than one representation.
func ParsePriceList(raw json.RawMessage) ([]PriceEntry, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}

	switch trimmed[0] {
	case '[':
		var entries []PriceEntry
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("parse price list array: %w", err)
		}
		return entries, nil
	case '{':
		// Try a single entry first; a bare entry always carries a USD
		// amount or a unit. Otherwise treat it as a keyed map of entry
		// lists and flatten in key order-independent fashion.
		var entry PriceEntry
		if err := json.Unmarshal(raw, &entry); err == nil && (entry.USD != "" || entry.Unit != "") {
			return []PriceEntry{entry}, nil
		}
		var keyed map[string][]PriceEntry
		if err := json.Unmarshal(raw, &keyed); err != nil {
			return nil, fmt.Errorf("parse price list object: %w", err)
		}
		var entries []PriceEntry
		for _, group := range keyed {
			entries = append(entries, group...)
		}
		return entries, nil
	default:
		return nil, fmt.Errorf("parse price list: unexpected payload %q", truncate(trimmed, 40))
	}
}

// SelectRepresentative picks the price entry the normalized fact row is
// built from: the first entry, unless multiple purchase options are
// present, in which case the first entry for each distinct
// (unit, purchaseOption) pair is returned so each billing variant
// normalizes separately.
func SelectRepresentative(entries []PriceEntry) []PriceEntry {
	if len(entries) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(entries))
	var picked []PriceEntry
	for _, e := range entries {
		k := strings.ToLower(e.Unit) + "|" + strings.ToLower(e.PurchaseOption)
		if seen[k] {
			continue
		}
		seen[k] = true
		picked = append(picked, e)
	}
	return picked
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
