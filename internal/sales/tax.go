package sales

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const DefaultTaxRate = "0.17"

// TaxPolicy applies a single flat rate to an order subtotal.
type TaxPolicy struct {
	rate decimal.Decimal
}

// NewTaxPolicy parses rate as a fraction, e.g. "0.17". An empty rate selects
// DefaultTaxRate.
func NewTaxPolicy(rate string) (TaxPolicy, error) {
	rate = strings.TrimSpace(rate)
	if rate == "" {
		rate = DefaultTaxRate
	}
	parsed, err := decimal.NewFromString(rate)
	if err != nil {
		return TaxPolicy{}, fmt.Errorf("invalid tax rate %q: %w", rate, err)
	}
	if parsed.IsNegative() || parsed.GreaterThan(decimal.NewFromInt(1)) {
		return TaxPolicy{}, fmt.Errorf("tax rate %s must be between 0 and 1", parsed)
	}
	return TaxPolicy{rate: parsed}, nil
}

func DefaultTaxPolicy() TaxPolicy {
	return TaxPolicy{rate: decimal.RequireFromString(DefaultTaxRate)}
}

func (p TaxPolicy) Rate() decimal.Decimal {
	return p.rate
}

// Tax returns round(subtotal * rate) in minor units, halves rounded away from zero.
func (p TaxPolicy) Tax(subtotalCents int64) int64 {
	return decimal.NewFromInt(subtotalCents).Mul(p.rate).Round(0).IntPart()
}
