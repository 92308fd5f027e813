package pipeline

import (
	"encoding/json"
	"testing"

	"cloud-pricing/internal/source"
)

func TestContentDigestIgnoresKeyOrder(t *testing.T) {
	a := &source.Row{
		SKU:        "SKU1",
		Region:     "us-east-1",
		Service:    "AmazonEC2",
		Attributes: json.RawMessage(`{"instanceType": "t3.micro", "tenancy": "Shared"}`),
		Prices:     json.RawMessage(`[{"USD": "0.0104", "unit": "Hrs"}]`),
	}
	b := &source.Row{
		SKU:        "SKU1",
		Region:     "us-east-1",
		Service:    "AmazonEC2",
		Attributes: json.RawMessage(`{"tenancy": "Shared", "instanceType": "t3.micro"}`),
		Prices:     json.RawMessage(`[{"unit": "Hrs", "USD": "0.0104"}]`),
	}

	da, err := ContentDigest(a)
	if err != nil {
		t.Fatalf("ContentDigest: %v", err)
	}
	db, err := ContentDigest(b)
	if err != nil {
		t.Fatalf("ContentDigest: %v", err)
	}
	if da != db {
		t.Errorf("re-ordered JSON changed the digest: %s vs %s", da, db)
	}
}

func TestContentDigestDetectsChanges(t *testing.T) {
	base := &source.Row{
		SKU:        "SKU1",
		Region:     "us-east-1",
		Service:    "AmazonEC2",
		Attributes: json.RawMessage(`{"instanceType": "t3.micro"}`),
		Prices:     json.RawMessage(`[{"USD": "0.0104", "unit": "Hrs"}]`),
	}
	changed := *base
	changed.Prices = json.RawMessage(`[{"USD": "0.0120", "unit": "Hrs"}]`)

	d1, err := ContentDigest(base)
	if err != nil {
		t.Fatalf("ContentDigest: %v", err)
	}
	d2, err := ContentDigest(&changed)
	if err != nil {
		t.Fatalf("ContentDigest: %v", err)
	}
	if d1 == d2 {
		t.Error("price change did not change the digest")
	}
}

func TestContentDigestMalformedAttributes(t *testing.T) {
	row := &source.Row{
		SKU:        "SKU1",
		Attributes: json.RawMessage(`{not json`),
	}
	if _, err := ContentDigest(row); err == nil {
		t.Error("expected error for malformed attributes")
	}
}

func TestAttributesDigestOrderIndependent(t *testing.T) {
	d1 := AttributesDigest(map[string]string{"a": "1", "b": "2", "c": "3"})
	d2 := AttributesDigest(map[string]string{"c": "3", "a": "1", "b": "2"})
	if d1 != d2 {
		t.Error("attribute digest depends on map order")
	}
	d3 := AttributesDigest(map[string]string{"a": "1", "b": "2"})
	if d1 == d3 {
		t.Error("different attribute sets hash identically")
	}
}
