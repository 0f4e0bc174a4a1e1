package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
)

type failingTaxPlugin struct {
	BasePlugin
}

func (failingTaxPlugin) ApplyTaxesToProduct(context.Context, domain.ProductVariant, Money, string, domain.Channel, TaxedMoney) (TaxedMoney, error) {
	return TaxedMoney{}, errors.New("tax service offline")
}

type appShippingPlugin struct {
	BasePlugin
}

func (appShippingPlugin) ListShippingMethods(_ context.Context, _ CheckoutInfo, previous []domain.ShippingMethod) ([]domain.ShippingMethod, error) {
	return append(previous, domain.ShippingMethod{ID: "drone", Name: "Drone"}), nil
}

func pricingInfo(country string, price string, quantity int) CheckoutInfo {
	variant := domain.ProductVariant{
		ID:             "shirt",
		TrackInventory: true,
		Product:        domain.Product{ID: "prod-shirt", Kind: domain.ProductKindPhysical, IsShippingRequired: true},
	}
	listing := domain.VariantChannelListing{ChannelSlug: testChannel, Price: usd(price)}
	method := domain.ShippingMethod{
		ID:              testMethod,
		ChannelListings: []domain.ShippingMethodChannelListing{{ChannelSlug: testChannel, Price: usd("5.00")}},
	}
	return CheckoutInfo{
		Checkout: Checkout{
			Token:           "tok-pricing",
			ChannelSlug:     testChannel,
			Currency:        "USD",
			ShippingAddress: address(country),
			Discount:        domain.ZeroMoney("USD"),
		},
		Lines: []CheckoutLineInfo{{
			Line:           CheckoutLine{ID: "line-1", VariantID: variant.ID, Quantity: quantity},
			Variant:        variant,
			ChannelListing: &listing,
		}},
		Channel:        domain.Channel{Slug: testChannel, Currency: "USD", IsActive: true},
		ShippingMethod: &method,
	}
}

func newCalculator(t *testing.T, plugins ...Plugin) PriceCalculator {
	t.Helper()
	manager, err := NewPluginManager(plugins)
	if err != nil {
		t.Fatalf("NewPluginManager: %v", err)
	}
	calc, err := NewPriceCalculator(PriceCalculatorDeps{Taxes: manager})
	if err != nil {
		t.Fatalf("NewPriceCalculator: %v", err)
	}
	return calc
}

func TestPriceCalculatorWithoutTaxes(t *testing.T) {
	calc := newCalculator(t)
	totals, err := calc.CheckoutTotals(context.Background(), pricingInfo("US", "10.00", 2), nil)
	if err != nil {
		t.Fatalf("CheckoutTotals: %v", err)
	}
	assertMoney(t, "subtotal", totals.Subtotal.Gross, "20.00")
	assertMoney(t, "shipping", totals.ShippingPrice.Gross, "5.00")
	assertMoney(t, "total", totals.Total.Gross, "25.00")
	if !totals.Total.Net.Equal(totals.Total.Gross) {
		t.Fatalf("expected untaxed total, got %s", totals.Total)
	}
}

func TestFlatRateTaxPluginAddsTaxOnTop(t *testing.T) {
	plugin, err := NewFlatRateTaxPlugin(FlatRateTaxConfig{
		Rates:                 map[string]decimal.Decimal{"us": decimal.NewFromInt(10)},
		ChargeTaxesOnShipping: true,
	})
	if err != nil {
		t.Fatalf("NewFlatRateTaxPlugin: %v", err)
	}
	calc := newCalculator(t, plugin)
	ctx := context.Background()

	totals, err := calc.CheckoutTotals(ctx, pricingInfo("US", "10.00", 2), nil)
	if err != nil {
		t.Fatalf("CheckoutTotals: %v", err)
	}
	assertMoney(t, "subtotal net", totals.Subtotal.Net, "20.00")
	assertMoney(t, "subtotal gross", totals.Subtotal.Gross, "22.00")
	assertMoney(t, "shipping gross", totals.ShippingPrice.Gross, "5.50")
	assertMoney(t, "total gross", totals.Total.Gross, "27.50")
	if !totals.Lines[0].TaxRate.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("tax rate = %s", totals.Lines[0].TaxRate)
	}

	untaxed, err := calc.CheckoutTotals(ctx, pricingInfo("DE", "10.00", 2), nil)
	if err != nil {
		t.Fatalf("CheckoutTotals: %v", err)
	}
	assertMoney(t, "untaxed total", untaxed.Total.Gross, "25.00")
}

func TestFlatRateTaxPluginExtractsIncludedTax(t *testing.T) {
	plugin, err := NewFlatRateTaxPlugin(FlatRateTaxConfig{
		Rates:                map[string]decimal.Decimal{"PL": decimal.NewFromInt(23)},
		PricesEnteredWithTax: true,
	})
	if err != nil {
		t.Fatalf("NewFlatRateTaxPlugin: %v", err)
	}
	totals, err := newCalculator(t, plugin).CheckoutTotals(context.Background(), pricingInfo("PL", "12.30", 1), nil)
	if err != nil {
		t.Fatalf("CheckoutTotals: %v", err)
	}
	assertMoney(t, "line gross", totals.Lines[0].TotalPrice.Gross, "12.30")
	assertMoney(t, "line net", totals.Lines[0].TotalPrice.Net, "10.00")
	assertMoney(t, "shipping", totals.ShippingPrice.Gross, "5.00")
}

func TestNewFlatRateTaxPluginRejectsInvalidRates(t *testing.T) {
	if _, err := NewFlatRateTaxPlugin(FlatRateTaxConfig{Rates: map[string]decimal.Decimal{"XX": decimal.NewFromInt(5)}}); err == nil {
		t.Fatalf("expected invalid country error")
	}
	if _, err := NewFlatRateTaxPlugin(FlatRateTaxConfig{DefaultRate: decimal.NewFromInt(-1)}); err == nil {
		t.Fatalf("expected negative rate error")
	}
}

func TestPluginFailureSurfacesAsTaxError(t *testing.T) {
	calc := newCalculator(t, BasePlugin{PluginName: "noop"}, failingTaxPlugin{BasePlugin{PluginName: "broken"}})
	_, err := calc.CheckoutTotals(context.Background(), pricingInfo("US", "10.00", 1), nil)
	assertCode(t, err, domain.CodeTaxError)
}

func TestPluginManagerPrefixesExternalShippingMethods(t *testing.T) {
	manager, err := NewPluginManager([]Plugin{BasePlugin{PluginName: "noop"}, appShippingPlugin{BasePlugin{PluginName: "drones"}}})
	if err != nil {
		t.Fatalf("NewPluginManager: %v", err)
	}
	methods, err := manager.ListExternalShippingMethods(context.Background(), pricingInfo("US", "10.00", 1))
	if err != nil {
		t.Fatalf("ListExternalShippingMethods: %v", err)
	}
	if len(methods) != 1 || methods[0].ID != ExternalMethodPrefix+"drone" || !methods[0].External {
		t.Fatalf("unexpected methods %+v", methods)
	}
	if _, err := NewPluginManager([]Plugin{nil}); err == nil {
		t.Fatalf("expected nil plugin to be rejected")
	}
}

func TestSaleDiscountLowersUnitPrice(t *testing.T) {
	sale := domain.Sale{
		ID:         "sale-1",
		Type:       domain.DiscountValuePercentage,
		StartDate:  testNow.Add(-time.Hour),
		VariantIDs: []string{"shirt"},
		ChannelListings: []domain.SaleChannelListing{
			{ChannelSlug: testChannel, DiscountValue: decimal.NewFromInt(10)},
		},
	}
	totals, err := newCalculator(t).CheckoutTotals(context.Background(), pricingInfo("US", "10.00", 3), []domain.Sale{sale})
	if err != nil {
		t.Fatalf("CheckoutTotals: %v", err)
	}
	line := totals.Lines[0]
	assertMoney(t, "unit", line.UnitPrice.Gross, "9.00")
	assertMoney(t, "undiscounted unit", line.UndiscountedUnitPrice.Gross, "10.00")
	assertMoney(t, "sale discount", line.SaleDiscount, "1.00")
	assertMoney(t, "line total", line.TotalPrice.Gross, "27.00")
}

func TestSpecificProductVoucherAppliesOnceToCheapestUnit(t *testing.T) {
	env := newTestEnv(t)
	env.addVariant("shirt", "10.00")
	env.addVariant("socks", "4.00")
	env.putStock("shirt", 10)
	env.putStock("socks", 10)
	env.putVoucher("ONEOFF", domain.VoucherTypeSpecificProduct, domain.DiscountValuePercentage, "50", func(v *domain.Voucher) {
		v.VariantIDs = []string{"shirt", "socks"}
		v.ApplyOncePerOrder = true
	})
	ctx := context.Background()

	checkout := env.newCheckout(t, "US", LineInput{VariantID: "shirt", Quantity: 2}, LineInput{VariantID: "socks", Quantity: 1})
	updated, err := env.checkout.AddPromoCode(ctx, checkout.Token, "ONEOFF")
	if err != nil {
		t.Fatalf("AddPromoCode: %v", err)
	}
	assertMoney(t, "discount", updated.Discount, "2.00")
	totals, err := env.checkout.Totals(ctx, checkout.Token)
	if err != nil {
		t.Fatalf("Totals: %v", err)
	}
	assertMoney(t, "subtotal", totals.Subtotal.Gross, "22.00")
}

func TestSpecificProductVoucherCheapestLineScope(t *testing.T) {
	for _, tc := range []struct {
		scope    domain.ApplyOncePerOrderScope
		discount string
		subtotal string
	}{
		{scope: domain.ApplyOnceCheapestUnit, discount: "2.00", subtotal: "30.00"},
		{scope: domain.ApplyOnceCheapestLine, discount: "6.00", subtotal: "26.00"},
	} {
		t.Run(string(tc.scope), func(t *testing.T) {
			env := newTestEnv(t, func(s *Settings) { s.ApplyOncePerOrderScope = tc.scope })
			env.addVariant("shirt", "10.00")
			env.addVariant("socks", "4.00")
			env.putStock("shirt", 10)
			env.putStock("socks", 10)
			env.putVoucher("ONEOFF", domain.VoucherTypeSpecificProduct, domain.DiscountValuePercentage, "50", func(v *domain.Voucher) {
				v.VariantIDs = []string{"shirt", "socks"}
				v.ApplyOncePerOrder = true
			})
			ctx := context.Background()

			checkout := env.newCheckout(t, "US", LineInput{VariantID: "shirt", Quantity: 2}, LineInput{VariantID: "socks", Quantity: 3})
			updated, err := env.checkout.AddPromoCode(ctx, checkout.Token, "ONEOFF")
			if err != nil {
				t.Fatalf("AddPromoCode: %v", err)
			}
			assertMoney(t, "discount", updated.Discount, tc.discount)
			totals, err := env.checkout.Totals(ctx, checkout.Token)
			if err != nil {
				t.Fatalf("Totals: %v", err)
			}
			assertMoney(t, "subtotal", totals.Subtotal.Gross, tc.subtotal)
		})
	}
}

func TestVoucherEvaluationRules(t *testing.T) {
	expired := testNow.Add(-time.Minute)
	tests := []struct {
		name      string
		configure func(*domain.Voucher)
		message   string
	}{
		{
			name:      "ended",
			configure: func(v *domain.Voucher) { v.EndDate = &expired },
			message:   "Voucher is not active.",
		},
		{
			name: "usage limit",
			configure: func(v *domain.Voucher) {
				v.UsageLimit = intPtr(2)
				v.Used = 2
			},
			message: "Voucher has reached its usage limit.",
		},
		{
			name:      "minimum quantity",
			configure: func(v *domain.Voucher) { v.MinCheckoutItemsQuantity = intPtr(5) },
			message:   "This offer is only valid for orders with a minimum of 5 quantity.",
		},
		{
			name:      "other channel",
			configure: func(v *domain.Voucher) { v.ChannelListings[0].ChannelSlug = "b2b" },
			message:   "This offer is not valid in this channel.",
		},
		{
			name: "unmatched products",
			configure: func(v *domain.Voucher) {
				v.Type = domain.VoucherTypeSpecificProduct
				v.ProductIDs = []string{"prod-other"}
			},
			message: "This offer is only valid for selected items.",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.addVariant("shirt", "10.00")
			env.putStock("shirt", 10)
			env.putVoucher("RULES", domain.VoucherTypeEntireOrder, domain.DiscountValueFixed, "1", tc.configure)

			checkout := env.newCheckout(t, "US", LineInput{VariantID: "shirt", Quantity: 1})
			_, err := env.checkout.AddPromoCode(context.Background(), checkout.Token, "RULES")
			assertCode(t, err, domain.CodeVoucherNotApplicable)
			var domainErr *domain.Error
			if !errors.As(err, &domainErr) || domainErr.SafeMessage() != tc.message {
				t.Fatalf("message = %v, want %q", err, tc.message)
			}
		})
	}
}

func TestFixedVoucherNeverExceedsBase(t *testing.T) {
	env := newTestEnv(t)
	env.addVariant("pin", "3.00")
	env.putStock("pin", 10)
	env.putVoucher("BIG", domain.VoucherTypeEntireOrder, domain.DiscountValueFixed, "50")
	ctx := context.Background()

	checkout := env.newCheckout(t, "US", LineInput{VariantID: "pin", Quantity: 1})
	env.setShipping(t, checkout.Token)
	updated, err := env.checkout.AddPromoCode(ctx, checkout.Token, "BIG")
	if err != nil {
		t.Fatalf("AddPromoCode: %v", err)
	}
	assertMoney(t, "discount", updated.Discount, "3.00")
	totals, err := env.checkout.Totals(ctx, checkout.Token)
	if err != nil {
		t.Fatalf("Totals: %v", err)
	}
	assertMoney(t, "total", totals.Total.Gross, "5.00")
}
