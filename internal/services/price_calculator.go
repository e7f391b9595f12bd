package services

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	// ErrPricingInvalidInput signals bad calculator input such as non-positive quantities or negative prices.
	ErrPricingInvalidInput = errors.New("pricing: invalid input")
	// ErrPricingOverflow is returned when a computed amount exceeds the representable range.
	ErrPricingOverflow = errors.New("pricing: amount overflow")
)

// PriceCalculator computes order totals from snapshot lines. It is the single
// source of truth for shipping and tax so totals are never computed twice with
// different logic. The calculator is pure: no clock, no I/O, identical inputs
// yield identical outputs.
type PriceCalculator struct {
	cfg PricingConfig
}

// PriceCommand bundles the calculator inputs for one order or estimate.
type PriceCommand struct {
	Lines []PriceLine
	// Discount is an order-level discount applied by the caller; defaults to 0.
	Discount int64
	// Destination, when set, is used for rush surcharge decisions.
	Destination *Address
}

// NewPriceCalculator validates the pricing configuration and returns a calculator.
func NewPriceCalculator(cfg PricingConfig) (*PriceCalculator, error) {
	if strings.TrimSpace(cfg.Currency) == "" {
		return nil, errors.New("price calculator: currency is required")
	}
	if cfg.TaxRateBps < 0 || cfg.TaxRateBps > 10000 {
		return nil, fmt.Errorf("price calculator: tax rate %d out of range", cfg.TaxRateBps)
	}
	if cfg.FlatShippingFee < 0 || cfg.FreeShippingOver < 0 || cfg.RushSurcharge < 0 {
		return nil, errors.New("price calculator: shipping amounts cannot be negative")
	}
	return &PriceCalculator{cfg: cfg}, nil
}

// Calculate produces the full breakdown for the given lines.
func (c *PriceCalculator) Calculate(cmd PriceCommand) (PriceBreakdown, error) {
	if cmd.Discount < 0 {
		return PriceBreakdown{}, fmt.Errorf("%w: discount cannot be negative", ErrPricingInvalidInput)
	}

	var subtotal int64
	totalItems := 0
	for idx, line := range cmd.Lines {
		if line.Quantity <= 0 {
			return PriceBreakdown{}, fmt.Errorf("%w: line %d quantity must be positive", ErrPricingInvalidInput, idx)
		}
		if line.UnitPrice < 0 {
			return PriceBreakdown{}, fmt.Errorf("%w: line %d unit price cannot be negative", ErrPricingInvalidInput, idx)
		}
		if line.DiscountPercent < 0 || line.DiscountPercent > 100 {
			return PriceBreakdown{}, fmt.Errorf("%w: line %d discount percent out of range", ErrPricingInvalidInput, idx)
		}

		lineSubtotal, err := lineAmount(line)
		if err != nil {
			return PriceBreakdown{}, fmt.Errorf("line %d: %w", idx, err)
		}
		if subtotal > math.MaxInt64-lineSubtotal {
			return PriceBreakdown{}, ErrPricingOverflow
		}
		subtotal += lineSubtotal
		totalItems += line.Quantity
	}

	shipping := c.shippingFor(subtotal, totalItems, cmd.Destination)
	tax := roundedRate(subtotal, c.cfg.TaxRateBps)

	discount := cmd.Discount
	total := subtotal + shipping + tax - discount
	if total < 0 {
		total = 0
	}

	return PriceBreakdown{
		Currency:   c.cfg.Currency,
		Subtotal:   subtotal,
		Shipping:   shipping,
		Tax:        tax,
		Discount:   discount,
		Total:      total,
		TotalItems: totalItems,
	}, nil
}

// Config returns the pricing configuration in use.
func (c *PriceCalculator) Config() PricingConfig {
	return c.cfg
}

func (c *PriceCalculator) shippingFor(subtotal int64, totalItems int, dest *Address) int64 {
	if totalItems == 0 {
		return 0
	}
	shipping := int64(0)
	if subtotal < c.cfg.FreeShippingOver {
		shipping = c.cfg.FlatShippingFee
	}
	if dest != nil && c.isRushCity(dest.City) {
		shipping += c.cfg.RushSurcharge
	}
	return shipping
}

func (c *PriceCalculator) isRushCity(city string) bool {
	city = strings.TrimSpace(city)
	for _, candidate := range c.cfg.RushCities {
		if strings.EqualFold(candidate, city) {
			return true
		}
	}
	return false
}

// lineAmount applies the per-line discount percent with round-half-up to the
// smallest currency unit.
func lineAmount(line PriceLine) (int64, error) {
	quantity := int64(line.Quantity)
	if line.UnitPrice > 0 && line.UnitPrice > math.MaxInt64/quantity {
		return 0, ErrPricingOverflow
	}
	gross := line.UnitPrice * quantity
	if line.DiscountPercent == 0 {
		return gross, nil
	}
	factor := int64(100 - line.DiscountPercent)
	if gross > 0 && gross > math.MaxInt64/factor {
		return 0, ErrPricingOverflow
	}
	return (gross*factor + 50) / 100, nil
}

// roundedRate applies a basis-point rate with round-half-up.
func roundedRate(amount, bps int64) int64 {
	if amount <= 0 || bps <= 0 {
		return 0
	}
	if amount > math.MaxInt64/bps {
		// fall back to a division-first order to dodge the overflow
		return amount / 10000 * bps
	}
	return (amount*bps + 5000) / 10000
}
