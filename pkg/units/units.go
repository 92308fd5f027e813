// Package units provides canonical price-unit classification and
// conversion of heterogeneous vendor units into an effective hourly price.
package units

import (
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// Unit is a canonical price unit.
type Unit string

const (
	UnitHour     Unit = "hour"
	UnitDay      Unit = "day"
	UnitMonth    Unit = "month"
	UnitGB       Unit = "gb"
	UnitQuantity Unit = "quantity"
	UnitOther    Unit = "other"
)

// HoursPerMonth is the standard billing assumption.
const HoursPerMonth = 730.0

// HoursPerYear is the average year length in hours, leap years included.
// Used to amortize committed-term lump sums.
const HoursPerYear = 8766.0

// classifier maps a lowercase substring of a vendor unit string to a
// canonical unit. Evaluated in order; first match wins. GB patterns come
// before time patterns so "GB-Month" classifies as GB, not Month.
type classifier struct {
	pattern string
	unit    Unit
}

var classifiers = []classifier{
	{"gib", UnitGB},
	{"gb", UnitGB},
	{"hour", UnitHour},
	{"hrs", UnitHour},
	{"hr", UnitHour},
	{"day", UnitDay},
	{"month", UnitMonth},
	{"quantity", UnitQuantity},
	{"count", UnitQuantity},
	{"unit", UnitQuantity},
}

// Classify maps a raw vendor unit string to a canonical unit.
// Unrecognized strings classify as UnitOther; the raw string is preserved
// by the caller for audit.
func Classify(rawUnit string) Unit {
	u := strings.ToLower(strings.TrimSpace(rawUnit))
	if u == "" {
		return UnitOther
	}
	for _, c := range classifiers {
		if strings.Contains(u, c.pattern) {
			return c.unit
		}
	}
	if u == "mo" {
		return UnitMonth
	}
	if isNumeric(u) {
		return UnitQuantity
	}
	return UnitOther
}

func isNumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) && r != '.' {
			return false
		}
	}
	return len(s) > 0
}

// IsUpfront reports whether a purchase option indicates a paid-upfront
// commitment. AWS spells it "All Upfront" / "Partial Upfront" /
// "No Upfront"; anything empty or explicitly no-upfront is not a
// commitment fee.
func IsUpfront(purchaseOption string) bool {
	po := strings.ToLower(strings.TrimSpace(purchaseOption))
	if po == "" {
		return false
	}
	if strings.Contains(po, "no upfront") || strings.Contains(po, "noupfront") {
		return false
	}
	return strings.Contains(po, "upfront")
}

// ParseTermYears parses a vendor term length ("3yr", "1 Year",
// "36 months") into years. Month-denominated terms divide by 12.
// Returns false when no parsable numeric prefix exists.
func ParseTermYears(termLength string) (float64, bool) {
	t := strings.ToLower(strings.TrimSpace(termLength))
	if t == "" {
		return 0, false
	}
	var numEnd int
	for numEnd < len(t) {
		r := t[numEnd]
		if (r < '0' || r > '9') && r != '.' {
			break
		}
		numEnd++
	}
	if numEnd == 0 {
		return 0, false
	}
	num, err := decimal.NewFromString(t[:numEnd])
	if err != nil {
		return 0, false
	}
	years, _ := num.Float64()
	rest := strings.TrimSpace(t[numEnd:])
	if strings.HasPrefix(rest, "mo") {
		years /= 12
	}
	if years <= 0 {
		return 0, false
	}
	return years, true
}

// DeriveInput carries everything needed to derive an effective hourly
// price from one raw price entry.
type DeriveInput struct {
	Amount         decimal.Decimal
	RawUnit        string
	PurchaseOption string
	TermLength     string
	HoursPerMonth  float64
}

// Derive converts a raw price into an effective price per hour.
//
// A nil result with a nil error means the unit is not convertible to a
// comparable hourly figure; the row is still valid and the raw unit is
// retained. Commitment fees priced as a quantity are amortized over the
// term at HoursPerYear; a commitment with a missing or zero term falls
// back to direct unit conversion. Negative amounts are rejected.
func Derive(in DeriveInput) (*decimal.Decimal, Unit, error) {
	unit := Classify(in.RawUnit)

	if in.Amount.IsNegative() {
		return nil, unit, ErrNegativeAmount
	}

	hoursPerMonth := in.HoursPerMonth
	if hoursPerMonth <= 0 {
		hoursPerMonth = HoursPerMonth
	}

	if unit == UnitQuantity && IsUpfront(in.PurchaseOption) {
		if years, ok := ParseTermYears(in.TermLength); ok {
			hours := decimal.NewFromFloat(years * HoursPerYear)
			eff := in.Amount.Div(hours)
			return &eff, unit, nil
		}
		// Zero or unparsable term: fall through to direct conversion.
	}

	switch unit {
	case UnitHour:
		eff := in.Amount
		return &eff, unit, nil
	case UnitDay:
		eff := in.Amount.Div(decimal.NewFromInt(24))
		return &eff, unit, nil
	case UnitMonth:
		eff := in.Amount.Div(decimal.NewFromFloat(hoursPerMonth))
		return &eff, unit, nil
	case UnitGB:
		// A GB rate is only comparable hourly when the vendor expresses
		// it per hour (e.g. "GB-Hrs"); GB-Month and friends need a size
		// dimension we do not have.
		lower := strings.ToLower(in.RawUnit)
		if strings.Contains(lower, "hr") || strings.Contains(lower, "hour") {
			eff := in.Amount
			return &eff, unit, nil
		}
		return nil, unit, nil
	default:
		return nil, unit, nil
	}
}
