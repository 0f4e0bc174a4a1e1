package domain

import "github.com/shopspring/decimal"

// CheckoutTotals captures the priced view of a checkout.
type CheckoutTotals struct {
	Currency      string
	Lines         []LinePricing
	Subtotal      TaxedMoney
	ShippingPrice TaxedMoney
	// Discount is the voucher amount; it is already reflected in Subtotal or ShippingPrice for
	// product and shipping vouchers.
	Discount      Money
	Total         TaxedMoney
	GiftCardTotal Money
	AmountDue     Money
}

// LinePricing stores the priced outputs of a checkout line.
type LinePricing struct {
	LineID                string
	VariantID             string
	Quantity              int
	UndiscountedUnitPrice TaxedMoney
	UnitPrice             TaxedMoney
	TotalPrice            TaxedMoney
	SaleDiscount          Money
	TaxRate               decimal.Decimal
}

// Quantize rounds every displayed value to the currency precision.
func (t CheckoutTotals) Quantize() CheckoutTotals {
	out := t
	out.Subtotal = t.Subtotal.Quantize()
	out.ShippingPrice = t.ShippingPrice.Quantize()
	out.Discount = t.Discount.Quantize()
	out.Total = t.Total.Quantize()
	out.GiftCardTotal = t.GiftCardTotal.Quantize()
	out.AmountDue = t.AmountDue.Quantize()
	if t.Lines != nil {
		out.Lines = make([]LinePricing, len(t.Lines))
		for i, line := range t.Lines {
			line.UndiscountedUnitPrice = line.UndiscountedUnitPrice.Quantize()
			line.UnitPrice = line.UnitPrice.Quantize()
			line.TotalPrice = line.TotalPrice.Quantize()
			line.SaleDiscount = line.SaleDiscount.Quantize()
			out.Lines[i] = line
		}
	}
	return out
}
