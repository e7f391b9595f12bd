package domain

// PriceLine is a single calculator input: a quantity of one product at a unit
// price, optionally discounted. Monetary values are in the smallest currency
// unit.
type PriceLine struct {
	Quantity        int
	UnitPrice       int64
	DiscountPercent int
}

// PriceBreakdown captures the aggregated monetary results of pricing a set of
// lines. Total always equals Subtotal + Shipping + Tax - Discount.
type PriceBreakdown struct {
	Currency   string
	Subtotal   int64
	Shipping   int64
	Tax        int64
	Discount   int64
	Total      int64
	TotalItems int
}

// PricingConfig is the single source of truth for shipping and tax rules so
// totals are never computed twice with different logic.
type PricingConfig struct {
	Currency string
	// TaxRateBps is the tax rate in basis points applied to the subtotal.
	TaxRateBps int64
	// FlatShippingFee applies when the subtotal is below FreeShippingOver.
	FlatShippingFee int64
	// FreeShippingOver is the subtotal threshold at which shipping is free.
	FreeShippingOver int64
	// RushSurcharge is added to shipping for deliveries into RushCities.
	RushSurcharge int64
	// RushCities lists destination cities eligible for rush delivery.
	RushCities []string
}

// DefaultPricingConfig mirrors the storefront defaults.
func DefaultPricingConfig() PricingConfig {
	return PricingConfig{
		Currency:         "USD",
		TaxRateBps:       800,
		FlatShippingFee:  500,
		FreeShippingOver: 5000,
		RushSurcharge:    300,
		RushCities:       []string{"Hanoi"},
	}
}
