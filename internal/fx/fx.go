package fx

import (
	"fmt"
	"strings"
)

// Converter translates instrument-currency amounts into the platform's
// base ledger currency using a static rate table. Rates are fixed at
// process start; no point-in-time FX history is kept.
type Converter struct {
	base  string
	rates map[string]float64
}

// NewConverter creates a Converter for the given base currency and rates.
// The base currency always converts at 1.0 regardless of the table.
func NewConverter(base string, rates map[string]float64) *Converter {
	normalized := make(map[string]float64, len(rates)+1)
	for code, rate := range rates {
		normalized[strings.ToUpper(code)] = rate
	}
	normalized[strings.ToUpper(base)] = 1.0
	return &Converter{
		base:  strings.ToUpper(base),
		rates: normalized,
	}
}

// Base returns the base currency code
func (c *Converter) Base() string {
	return c.base
}

// Rate returns the conversion rate from a currency into the base currency
func (c *Converter) Rate(currency string) (float64, error) {
	rate, ok := c.rates[strings.ToUpper(currency)]
	if !ok {
		return 0, fmt.Errorf("no conversion rate for currency %q", currency)
	}
	return rate, nil
}

// ToBase converts an amount in the given currency into the base currency
func (c *Converter) ToBase(amount float64, currency string) (float64, error) {
	rate, err := c.Rate(currency)
	if err != nil {
		return 0, err
	}
	return amount * rate, nil
}
