package services

import (
	"errors"
	"testing"

	domain "github.com/bookhaven/api/internal/domain"
)

func newTestCalculator(t *testing.T) *PriceCalculator {
	t.Helper()
	calc, err := NewPriceCalculator(domain.DefaultPricingConfig())
	if err != nil {
		t.Fatalf("new price calculator: %v", err)
	}
	return calc
}

func TestPriceCalculatorBreakdown(t *testing.T) {
	calc := newTestCalculator(t)

	cases := []struct {
		name string
		cmd  PriceCommand
		want PriceBreakdown
	}{
		{
			name: "flat shipping below threshold",
			cmd: PriceCommand{
				Lines: []PriceLine{{Quantity: 2, UnitPrice: 1000}},
			},
			want: PriceBreakdown{Currency: "USD", Subtotal: 2000, Shipping: 500, Tax: 160, Total: 2660, TotalItems: 2},
		},
		{
			name: "free shipping at threshold",
			cmd: PriceCommand{
				Lines: []PriceLine{{Quantity: 3, UnitPrice: 2000}},
			},
			want: PriceBreakdown{Currency: "USD", Subtotal: 6000, Shipping: 0, Tax: 480, Total: 6480, TotalItems: 3},
		},
		{
			name: "rush surcharge is case insensitive",
			cmd: PriceCommand{
				Lines:       []PriceLine{{Quantity: 1, UnitPrice: 1000}},
				Destination: &Address{City: "  hanoi "},
			},
			want: PriceBreakdown{Currency: "USD", Subtotal: 1000, Shipping: 800, Tax: 80, Total: 1880, TotalItems: 1},
		},
		{
			name: "rush surcharge survives free shipping",
			cmd: PriceCommand{
				Lines:       []PriceLine{{Quantity: 1, UnitPrice: 6000}},
				Destination: &Address{City: "Hanoi"},
			},
			want: PriceBreakdown{Currency: "USD", Subtotal: 6000, Shipping: 300, Tax: 480, Total: 6780, TotalItems: 1},
		},
		{
			name: "line discount rounds half up",
			cmd: PriceCommand{
				Lines: []PriceLine{{Quantity: 1, UnitPrice: 333, DiscountPercent: 10}},
			},
			want: PriceBreakdown{Currency: "USD", Subtotal: 300, Shipping: 500, Tax: 24, Total: 824, TotalItems: 1},
		},
		{
			name: "order discount floors total at zero",
			cmd: PriceCommand{
				Lines:    []PriceLine{{Quantity: 1, UnitPrice: 1000}},
				Discount: 5000,
			},
			want: PriceBreakdown{Currency: "USD", Subtotal: 1000, Shipping: 500, Tax: 80, Discount: 5000, Total: 0, TotalItems: 1},
		},
		{
			name: "no lines means no shipping",
			cmd:  PriceCommand{},
			want: PriceBreakdown{Currency: "USD"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := calc.Calculate(tc.cmd)
			if err != nil {
				t.Fatalf("calculate: %v", err)
			}
			if got != tc.want {
				t.Fatalf("breakdown mismatch:\n got %+v\nwant %+v", got, tc.want)
			}
		})
	}
}

func TestPriceCalculatorIsDeterministic(t *testing.T) {
	calc := newTestCalculator(t)
	cmd := PriceCommand{
		Lines: []PriceLine{
			{Quantity: 2, UnitPrice: 1299, DiscountPercent: 15},
			{Quantity: 1, UnitPrice: 450},
		},
		Discount:    100,
		Destination: &Address{City: "Hanoi"},
	}

	first, err := calc.Calculate(cmd)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	second, err := calc.Calculate(cmd)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if first != second {
		t.Fatalf("identical inputs must produce identical breakdowns: %+v vs %+v", first, second)
	}
	if first.Total != first.Subtotal+first.Shipping+first.Tax-first.Discount {
		t.Fatalf("total %d does not match components of %+v", first.Total, first)
	}
}

func TestPriceCalculatorRejectsInvalidLines(t *testing.T) {
	calc := newTestCalculator(t)

	cases := []struct {
		name string
		cmd  PriceCommand
	}{
		{name: "zero quantity", cmd: PriceCommand{Lines: []PriceLine{{Quantity: 0, UnitPrice: 100}}}},
		{name: "negative unit price", cmd: PriceCommand{Lines: []PriceLine{{Quantity: 1, UnitPrice: -1}}}},
		{name: "discount percent over 100", cmd: PriceCommand{Lines: []PriceLine{{Quantity: 1, UnitPrice: 100, DiscountPercent: 101}}}},
		{name: "negative order discount", cmd: PriceCommand{Lines: []PriceLine{{Quantity: 1, UnitPrice: 100}}, Discount: -1}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := calc.Calculate(tc.cmd); !errors.Is(err, ErrPricingInvalidInput) {
				t.Fatalf("expected invalid input error, got %v", err)
			}
		})
	}
}

func TestNewPriceCalculatorValidatesConfig(t *testing.T) {
	cases := []struct {
		name string
		cfg  PricingConfig
	}{
		{name: "missing currency", cfg: PricingConfig{TaxRateBps: 800}},
		{name: "tax rate over 100 percent", cfg: PricingConfig{Currency: "USD", TaxRateBps: 10001}},
		{name: "negative shipping fee", cfg: PricingConfig{Currency: "USD", FlatShippingFee: -1}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewPriceCalculator(tc.cfg); err == nil {
				t.Fatalf("expected config validation error")
			}
		})
	}
}
