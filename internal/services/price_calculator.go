package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
)

// PriceCalculatorDeps bundles the collaborators of the price calculator.
type PriceCalculatorDeps struct {
	Taxes TaxProvider
}

type priceCalculator struct {
	taxes TaxProvider
}

var _ PriceCalculator = (*priceCalculator)(nil)

// NewPriceCalculator builds the checkout calculator. Without a tax provider prices are untaxed.
func NewPriceCalculator(deps PriceCalculatorDeps) (PriceCalculator, error) {
	taxes := deps.Taxes
	if taxes == nil {
		manager, err := NewPluginManager(nil)
		if err != nil {
			return nil, err
		}
		taxes = manager
	}
	return &priceCalculator{taxes: taxes}, nil
}

func (c *priceCalculator) CheckoutLineTotal(ctx context.Context, info CheckoutInfo, line CheckoutLineInfo, sales []domain.Sale) (TaxedMoney, error) {
	pricing, err := c.linePricing(ctx, info, line, sales)
	if err != nil {
		return TaxedMoney{}, err
	}
	return pricing.TotalPrice, nil
}

func (c *priceCalculator) CheckoutSubtotal(ctx context.Context, info CheckoutInfo, sales []domain.Sale) (TaxedMoney, error) {
	totals, err := c.CheckoutTotals(ctx, info, sales)
	if err != nil {
		return TaxedMoney{}, err
	}
	return totals.Subtotal, nil
}

func (c *priceCalculator) CheckoutShippingPrice(ctx context.Context, info CheckoutInfo, sales []domain.Sale) (TaxedMoney, error) {
	totals, err := c.CheckoutTotals(ctx, info, sales)
	if err != nil {
		return TaxedMoney{}, err
	}
	return totals.ShippingPrice, nil
}

func (c *priceCalculator) CheckoutTotal(ctx context.Context, info CheckoutInfo, sales []domain.Sale) (TaxedMoney, error) {
	totals, err := c.CheckoutTotals(ctx, info, sales)
	if err != nil {
		return TaxedMoney{}, err
	}
	return totals.Total, nil
}

func (c *priceCalculator) CheckoutAmountDue(ctx context.Context, info CheckoutInfo, sales []domain.Sale) (Money, error) {
	totals, err := c.CheckoutTotals(ctx, info, sales)
	if err != nil {
		return Money{}, err
	}
	return totals.AmountDue, nil
}

// CheckoutTotals prices the checkout:
//
//	subtotal = Σ line totals − specific product discount
//	shipping = method price − shipping discount
//	total    = subtotal + shipping − entire order discount, floored at zero
//	due      = total − gift card balances, floored at zero
//
// Line totals and shipping are rounded to the currency precision before they are summed.
func (c *priceCalculator) CheckoutTotals(ctx context.Context, info CheckoutInfo, sales []domain.Sale) (CheckoutTotals, error) {
	currency := info.Checkout.Currency
	lines, baseSubtotal, err := c.pricedLines(ctx, info, sales)
	if err != nil {
		return CheckoutTotals{}, err
	}
	baseShipping, err := c.baseShipping(ctx, info)
	if err != nil {
		return CheckoutTotals{}, err
	}

	discount := info.Checkout.Discount.Quantize()
	if discount.Currency == "" {
		discount = domain.ZeroMoney(currency)
	}
	subtotal := baseSubtotal
	shipping := baseShipping
	orderDiscount := domain.ZeroMoney(currency)
	if info.Voucher != nil && discount.IsPositive() {
		switch info.Voucher.Type {
		case domain.VoucherTypeSpecificProduct:
			subtotal = subtotal.SubMoney(domain.MinMoney(discount, subtotal.Gross)).ClampZero()
		case domain.VoucherTypeShipping:
			shipping = shipping.SubMoney(domain.MinMoney(discount, shipping.Gross)).ClampZero()
		default:
			orderDiscount = discount
		}
	}

	total := subtotal.Add(shipping).SubMoney(orderDiscount).ClampZero()
	hint, err := c.taxes.CalculateCheckoutTotalHint(ctx, info)
	if err != nil {
		return CheckoutTotals{}, taxError(err)
	}
	if hint != nil {
		total = hint.Quantize()
	}

	giftCards := domain.ZeroMoney(currency)
	remaining := total.Gross
	for _, card := range info.GiftCards {
		if !remaining.IsPositive() {
			break
		}
		if card.CurrentBalance.Currency != currency {
			continue
		}
		used := domain.MinMoney(card.CurrentBalance, remaining)
		giftCards = giftCards.Add(used)
		remaining = remaining.Sub(used)
	}

	totals := CheckoutTotals{
		Currency:      currency,
		Lines:         lines,
		Subtotal:      subtotal,
		ShippingPrice: shipping,
		Discount:      discount,
		Total:         total,
		GiftCardTotal: giftCards,
		AmountDue:     total.Gross.Sub(giftCards).ClampZero(),
	}
	return totals.Quantize(), nil
}

// pricedLines prices every line and returns the sum of the rounded line totals.
func (c *priceCalculator) pricedLines(ctx context.Context, info CheckoutInfo, sales []domain.Sale) ([]LinePricing, TaxedMoney, error) {
	subtotal := domain.ZeroTaxedMoney(info.Checkout.Currency)
	lines := make([]LinePricing, 0, len(info.Lines))
	for _, line := range info.Lines {
		pricing, err := c.linePricing(ctx, info, line, sales)
		if err != nil {
			return nil, TaxedMoney{}, err
		}
		lines = append(lines, pricing)
		subtotal = subtotal.Add(pricing.TotalPrice)
	}
	return lines, subtotal, nil
}

// linePricing derives the unit price from the override or the channel listing, subtracts the
// best sale, applies taxes and multiplies by the quantity.
func (c *priceCalculator) linePricing(ctx context.Context, info CheckoutInfo, line CheckoutLineInfo, sales []domain.Sale) (LinePricing, error) {
	currency := info.Checkout.Currency
	var base Money
	switch {
	case line.Line.PriceOverride != nil:
		base = *line.Line.PriceOverride
	case line.ChannelListing != nil:
		base = line.ChannelListing.Price
	default:
		return LinePricing{}, domain.NewError(domain.CodeUnavailableVariantInChannel, "lines",
			fmt.Sprintf("Variant %s is not available in channel %s.", line.Variant.ID, info.Channel.Slug))
	}
	if base.Currency != currency {
		return LinePricing{}, domain.WrapError(domain.CodeInvalid, "lines",
			fmt.Sprintf("Variant %s is priced in %s.", line.Variant.ID, base.Currency), domain.ErrCurrencyMismatch)
	}

	saleDiscount := domain.ZeroMoney(currency)
	if line.Line.PriceOverride == nil {
		saleDiscount, _ = bestSaleDiscount(line.Variant, info.Channel.Slug, base, sales)
	}
	unit := base.Sub(saleDiscount).ClampZero()

	country := info.Country()
	undiscounted, err := c.taxes.ApplyTaxesToProduct(ctx, line.Variant, base, country, info.Channel)
	if err != nil {
		return LinePricing{}, taxError(err)
	}
	taxedUnit := undiscounted
	if saleDiscount.IsPositive() {
		taxedUnit, err = c.taxes.ApplyTaxesToProduct(ctx, line.Variant, unit, country, info.Channel)
		if err != nil {
			return LinePricing{}, taxError(err)
		}
	}
	rate, err := c.taxes.GetTaxRate(ctx, line.Variant, country)
	if err != nil {
		return LinePricing{}, taxError(err)
	}

	return LinePricing{
		LineID:                line.Line.ID,
		VariantID:             line.Variant.ID,
		Quantity:              line.Line.Quantity,
		UndiscountedUnitPrice: undiscounted,
		UnitPrice:             taxedUnit,
		TotalPrice:            taxedUnit.MulInt(line.Line.Quantity).Quantize(),
		SaleDiscount:          saleDiscount,
		TaxRate:               rate,
	}, nil
}

// baseShipping is the taxed method price before any shipping voucher. It is zero when nothing
// ships or when the goods are collected.
func (c *priceCalculator) baseShipping(ctx context.Context, info CheckoutInfo) (TaxedMoney, error) {
	currency := info.Checkout.Currency
	if !info.IsShippingRequired() || info.CollectionPoint != nil || info.ShippingMethod == nil {
		return domain.ZeroTaxedMoney(currency), nil
	}
	listing, ok := info.ShippingMethod.ListingFor(info.Channel.Slug)
	if !ok {
		return domain.ZeroTaxedMoney(currency), nil
	}
	taxed, err := c.taxes.ApplyTaxesToShipping(ctx, listing.Price, info.Checkout.ShippingAddress, info.Channel)
	if err != nil {
		return TaxedMoney{}, taxError(err)
	}
	return taxed.Quantize(), nil
}

// basePrices returns the line pricing, subtotal and shipping before any voucher.
func basePrices(ctx context.Context, calc PriceCalculator, info CheckoutInfo, sales []domain.Sale) ([]LinePricing, TaxedMoney, TaxedMoney, error) {
	unvouchered := info
	unvouchered.Voucher = nil
	unvouchered.Checkout.Discount = domain.ZeroMoney(info.Checkout.Currency)
	unvouchered.GiftCards = nil
	totals, err := calc.CheckoutTotals(ctx, unvouchered, sales)
	if err != nil {
		return nil, TaxedMoney{}, TaxedMoney{}, err
	}
	return totals.Lines, totals.Subtotal, totals.ShippingPrice, nil
}

func taxError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if domain.HasErrorCode(err, domain.CodeTaxError) {
		return err
	}
	return domain.WrapError(domain.CodeTaxError, "", "Unable to calculate taxes.", err)
}

// shippingTaxRate derives the effective shipping rate from the taxed price.
func shippingTaxRate(price TaxedMoney) decimal.Decimal {
	if !price.Net.IsPositive() {
		return decimal.Zero
	}
	return price.Tax().Amount.Div(price.Net.Amount).Round(4)
}
