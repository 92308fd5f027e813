package source

import (
	"encoding/json"
	"testing"
)

func TestParsePriceListArray(t *testing.T) {
	raw := json.RawMessage(`[
		{"USD": "0.052", "unit": "Hrs"},
		{"USD": "1000", "unit": "Quantity", "purchaseOption": "All Upfront", "termLength": "3yr"}
	]`)
	entries, err := ParsePriceList(raw)
	if err != nil {
		t.Fatalf("ParsePriceList: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].USD != "0.052" || entries[0].Unit != "Hrs" {
		t.Errorf("first entry = %+v", entries[0])
	}
	if entries[1].PurchaseOption != "All Upfront" || entries[1].TermLength != "3yr" {
		t.Errorf("second entry = %+v", entries[1])
	}
}

func TestParsePriceListSingleObject(t *testing.T) {
	raw := json.RawMessage(`{"USD": "0.023", "unit": "GB-Mo"}`)
	entries, err := ParsePriceList(raw)
	if err != nil {
		t.Fatalf("ParsePriceList: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].USD != "0.023" || entries[0].Unit != "GB-Mo" {
		t.Errorf("entry = %+v", entries[0])
	}
}

func TestParsePriceListKeyedMap(t *testing.T) {
	raw := json.RawMessage(`{
		"abc123.ondemand": [{"USD": "0.10", "unit": "Hrs"}],
		"abc123.reserved": [{"USD": "500", "unit": "Quantity", "purchaseOption": "All Upfront", "termLength": "1yr"}]
	}`)
	entries, err := ParsePriceList(raw)
	if err != nil {
		t.Fatalf("ParsePriceList: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
}

func TestParsePriceListEmpty(t *testing.T) {
	for _, raw := range []string{"", "null", "[]"} {
		entries, err := ParsePriceList(json.RawMessage(raw))
		if err != nil {
			t.Errorf("ParsePriceList(%q): %v", raw, err)
		}
		if len(entries) != 0 {
			t.Errorf("ParsePriceList(%q) = %d entries, want 0", raw, len(entries))
		}
	}
}

func TestParsePriceListMalformed(t *testing.T) {
	if _, err := ParsePriceList(json.RawMessage(`not json`)); err == nil {
		t.Error("expected error for non-JSON payload")
	}
	if _, err := ParsePriceList(json.RawMessage(`[{"USD": 12}]`)); err == nil {
		t.Error("expected error for wrongly typed fields")
	}
}

func TestSelectRepresentative(t *testing.T) {
	entries := []PriceEntry{
		{USD: "0.10", Unit: "Hrs"},
		{USD: "0.11", Unit: "Hrs"}, // duplicate unit, same (no) purchase option
		{USD: "900", Unit: "Quantity", PurchaseOption: "All Upfront"},
		{USD: "450", Unit: "Quantity", PurchaseOption: "Partial Upfront"},
	}
	picked := SelectRepresentative(entries)
	if len(picked) != 3 {
		t.Fatalf("got %d picks, want 3", len(picked))
	}
	if picked[0].USD != "0.10" {
		t.Errorf("first pick should be first entry, got %+v", picked[0])
	}

	if got := SelectRepresentative(nil); got != nil {
		t.Errorf("empty input should yield nil, got %v", got)
	}
}

func TestPriceItemToRowIsDeterministic(t *testing.T) {
	item := `{
		"product": {"sku": "ABC", "productFamily": "Compute Instance",
			"attributes": {"location": "US East (N. Virginia)", "instanceType": "t3.micro"}},
		"serviceCode": "AmazonEC2",
		"terms": {
			"Reserved": {
				"ABC.zzz": {"priceDimensions": {"ABC.zzz.1": {"unit": "Quantity", "pricePerUnit": {"USD": "900"}}},
					"termAttributes": {"LeaseContractLength": "1yr", "PurchaseOption": "All Upfront"}},
				"ABC.aaa": {"priceDimensions": {"ABC.aaa.1": {"unit": "Quantity", "pricePerUnit": {"USD": "500"}}},
					"termAttributes": {"LeaseContractLength": "3yr", "PurchaseOption": "All Upfront"}}
			},
			"OnDemand": {
				"ABC.ond": {"priceDimensions": {"ABC.ond.1": {"unit": "Hrs", "pricePerUnit": {"USD": "0.0104"}}},
					"termAttributes": {}}
			}
		}
	}`

	first, err := priceItemToRow(item)
	if err != nil {
		t.Fatalf("priceItemToRow: %v", err)
	}
	if first.SKU != "ABC" || first.Service != "AmazonEC2" || first.Region != "US East (N. Virginia)" {
		t.Errorf("row = %+v", first)
	}

	entries, err := ParsePriceList(first.Prices)
	if err != nil {
		t.Fatalf("ParsePriceList: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	// OnDemand sorts before Reserved, and within Reserved aaa before zzz.
	if entries[0].Unit != "Hrs" || entries[1].USD != "500" || entries[2].USD != "900" {
		t.Errorf("entries out of stable order: %+v", entries)
	}

	for i := 0; i < 5; i++ {
		again, err := priceItemToRow(item)
		if err != nil {
			t.Fatalf("priceItemToRow: %v", err)
		}
		if string(again.Prices) != string(first.Prices) {
			t.Fatal("price flattening is not deterministic")
		}
	}
}
