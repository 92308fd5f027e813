package units

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		raw  string
		want Unit
	}{
		{"Hrs", UnitHour},
		{"Hours", UnitHour},
		{"hour", UnitHour},
		{"Day", UnitDay},
		{"Month", UnitMonth},
		{"mo", UnitMonth},
		{"GB", UnitGB},
		{"GiB", UnitGB},
		{"GB-Mo", UnitGB},
		{"GB-Month", UnitGB},
		{"GB-Hrs", UnitGB},
		{"Quantity", UnitQuantity},
		{"Count", UnitQuantity},
		{"10", UnitQuantity},
		{"vCPU-Weeks", UnitOther},
		{"", UnitOther},
	}
	for _, c := range cases {
		if got := Classify(c.raw); got != c.want {
			t.Errorf("Classify(%q) = %s, want %s", c.raw, got, c.want)
		}
	}
}

func TestParseTermYears(t *testing.T) {
	cases := []struct {
		term  string
		want  float64
		valid bool
	}{
		{"3yr", 3, true},
		{"1 Year", 1, true},
		{"36 months", 3, true},
		{"12mo", 1, true},
		{"0yr", 0, false},
		{"", 0, false},
		{"standard", 0, false},
	}
	for _, c := range cases {
		years, ok := ParseTermYears(c.term)
		if ok != c.valid {
			t.Errorf("ParseTermYears(%q) ok = %v, want %v", c.term, ok, c.valid)
			continue
		}
		if ok && years != c.want {
			t.Errorf("ParseTermYears(%q) = %v, want %v", c.term, years, c.want)
		}
	}
}

func TestIsUpfront(t *testing.T) {
	if IsUpfront("No Upfront") {
		t.Error("No Upfront should not be a commitment")
	}
	if IsUpfront("") {
		t.Error("empty purchase option should not be a commitment")
	}
	if !IsUpfront("All Upfront") {
		t.Error("All Upfront should be a commitment")
	}
	if !IsUpfront("Partial Upfront") {
		t.Error("Partial Upfront should be a commitment")
	}
}

func TestDeriveHourlyPassthrough(t *testing.T) {
	eff, unit, err := Derive(DeriveInput{
		Amount:  decimal.RequireFromString("0.052"),
		RawUnit: "Hrs",
	})
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if unit != UnitHour {
		t.Errorf("unit = %s, want %s", unit, UnitHour)
	}
	if eff == nil || !eff.Equal(decimal.RequireFromString("0.052")) {
		t.Errorf("effective = %v, want 0.052", eff)
	}
}

func TestDeriveAmortizedCommitment(t *testing.T) {
	eff, unit, err := Derive(DeriveInput{
		Amount:         decimal.NewFromInt(1000),
		RawUnit:        "Quantity",
		PurchaseOption: "All Upfront",
		TermLength:     "3yr",
	})
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if unit != UnitQuantity {
		t.Errorf("unit = %s, want %s", unit, UnitQuantity)
	}
	if eff == nil {
		t.Fatal("expected an effective price")
	}
	// 1000 / (3 * 8766) ~= 0.0380
	want := decimal.NewFromInt(1000).Div(decimal.NewFromFloat(3 * HoursPerYear))
	if !eff.Round(6).Equal(want.Round(6)) {
		t.Errorf("effective = %s, want %s", eff, want)
	}
	if eff.Round(3).String() != "0.038" {
		t.Errorf("effective rounds to %s, want 0.038", eff.Round(3))
	}
}

func TestDeriveCommitmentWithoutTermFallsBack(t *testing.T) {
	// Commitment purchase option but no parsable term: direct conversion
	// of a quantity yields no hourly figure, and must not error.
	eff, unit, err := Derive(DeriveInput{
		Amount:         decimal.NewFromInt(500),
		RawUnit:        "Quantity",
		PurchaseOption: "Partial Upfront",
		TermLength:     "",
	})
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if unit != UnitQuantity {
		t.Errorf("unit = %s, want %s", unit, UnitQuantity)
	}
	if eff != nil {
		t.Errorf("effective = %s, want nil", eff)
	}
}

func TestDeriveDayAndMonth(t *testing.T) {
	eff, _, err := Derive(DeriveInput{Amount: decimal.NewFromInt(24), RawUnit: "Day"})
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if eff == nil || !eff.Equal(decimal.NewFromInt(1)) {
		t.Errorf("day conversion = %v, want 1", eff)
	}

	eff, _, err = Derive(DeriveInput{Amount: decimal.NewFromInt(730), RawUnit: "Month"})
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if eff == nil || !eff.Equal(decimal.NewFromInt(1)) {
		t.Errorf("month conversion = %v, want 1", eff)
	}

	// Caller-supplied billable hours override the 730 default.
	eff, _, err = Derive(DeriveInput{Amount: decimal.NewFromInt(720), RawUnit: "Month", HoursPerMonth: 720})
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if eff == nil || !eff.Equal(decimal.NewFromInt(1)) {
		t.Errorf("month conversion with override = %v, want 1", eff)
	}
}

func TestDeriveGB(t *testing.T) {
	eff, unit, err := Derive(DeriveInput{Amount: decimal.NewFromFloat(0.023), RawUnit: "GB-Month"})
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if unit != UnitGB {
		t.Errorf("unit = %s, want %s", unit, UnitGB)
	}
	if eff != nil {
		t.Errorf("GB-Month should not convert, got %s", eff)
	}

	eff, _, err = Derive(DeriveInput{Amount: decimal.NewFromFloat(0.01), RawUnit: "GB-Hrs"})
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if eff == nil || !eff.Equal(decimal.NewFromFloat(0.01)) {
		t.Errorf("GB-Hrs should pass through, got %v", eff)
	}
}

func TestDeriveRejectsNegative(t *testing.T) {
	_, _, err := Derive(DeriveInput{Amount: decimal.NewFromInt(-1), RawUnit: "Hrs"})
	if err == nil {
		t.Fatal("expected error for negative amount")
	}
}

func TestDeriveIsDeterministic(t *testing.T) {
	in := DeriveInput{
		Amount:         decimal.RequireFromString("123.456789"),
		RawUnit:        "Quantity",
		PurchaseOption: "All Upfront",
		TermLength:     "36 months",
	}
	first, _, err := Derive(in)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, _, err := Derive(in)
		if err != nil {
			t.Fatalf("Derive: %v", err)
		}
		if first == nil || again == nil || !first.Equal(*again) {
			t.Fatalf("Derive not deterministic: %v vs %v", first, again)
		}
	}
}
