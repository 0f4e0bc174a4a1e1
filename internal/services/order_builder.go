package services

import (
	"fmt"
	"time"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
)

// orderInput is the priced snapshot an order is frozen from.
type orderInput struct {
	ID       string
	Number   int64
	Status   domain.OrderStatus
	Origin   domain.OrderOrigin
	Info     CheckoutInfo
	Lines    []LinePricing
	Shipping TaxedMoney
	// Discount is the voucher amount granted on the checkout.
	Discount Money
	Now      time.Time
	NewID    func() string
}

// buildOrder freezes prices into order lines. Voucher discounts become order discounts so that
// total = Σ line totals + shipping − Σ discounts holds.
func buildOrder(in orderInput) (Order, error) {
	info := in.Info
	checkout := info.Checkout
	currency := checkout.Currency

	pricing := make(map[string]LinePricing, len(in.Lines))
	for _, line := range in.Lines {
		pricing[line.LineID] = line
	}

	order := Order{
		ID:                in.ID,
		Number:            in.Number,
		CheckoutToken:     checkout.Token,
		Status:            in.Status,
		Origin:            in.Origin,
		UserID:            checkout.UserID,
		UserEmail:         checkout.Email,
		ChannelSlug:       info.Channel.Slug,
		Currency:          currency,
		LanguageCode:      checkout.LanguageCode,
		ShippingAddress:   checkout.ShippingAddress.Clone(),
		BillingAddress:    checkout.BillingAddress.Clone(),
		ShippingPrice:     in.Shipping,
		BaseShippingPrice: domain.ZeroMoney(currency),
		ShippingTaxRate:   shippingTaxRate(in.Shipping),
		Weight:            info.Weight(),
		CustomerNote:      checkout.Note,
		Metadata:          checkout.Metadata,
		TotalAuthorized:   domain.ZeroMoney(currency),
		TotalCaptured:     domain.ZeroMoney(currency),
		TotalRefunded:     domain.ZeroMoney(currency),
		CreatedAt:         in.Now,
		UpdatedAt:         in.Now,
	}
	if info.ShippingMethod != nil {
		order.ShippingMethodID = info.ShippingMethod.ID
		order.ShippingMethodName = info.ShippingMethod.Name
		if listing, ok := info.ShippingMethod.ListingFor(info.Channel.Slug); ok {
			order.BaseShippingPrice = listing.Price
		}
	}
	if info.CollectionPoint != nil {
		order.CollectionPointID = info.CollectionPoint.ID
		order.CollectionPointName = info.CollectionPoint.Name
		address := info.CollectionPoint.Address
		order.ShippingAddress = &address
	}

	subtotal := domain.ZeroTaxedMoney(currency)
	undiscounted := domain.ZeroTaxedMoney(currency)
	for _, lineInfo := range info.Lines {
		price, ok := pricing[lineInfo.Line.ID]
		if !ok {
			return Order{}, fmt.Errorf("order builder: line %s was not priced", lineInfo.Line.ID)
		}
		variant := lineInfo.Variant
		line := OrderLine{
			ID:                    in.NewID(),
			VariantID:             variant.ID,
			ProductID:             variant.Product.ID,
			ProductName:           variant.Product.Name,
			VariantName:           variant.Name,
			SKU:                   variant.SKU,
			Quantity:              lineInfo.Line.Quantity,
			UnitPrice:             price.UnitPrice,
			UndiscountedUnitPrice: price.UndiscountedUnitPrice,
			UnitDiscount:          price.SaleDiscount,
			TotalPrice:            price.TotalPrice,
			TaxRate:               price.TaxRate,
			IsShippingRequired:    variant.IsShippingRequired(),
			IsGiftCard:            variant.IsGiftCard(),
			IsPreorder:            variant.ActivePreorder(in.Now),
			TrackInventory:        variant.TrackInventory,
		}
		if price.SaleDiscount.IsPositive() {
			line.UnitDiscountReason = "Sale"
		}
		order.Lines = append(order.Lines, line)
		subtotal = subtotal.Add(price.TotalPrice)
		undiscounted = undiscounted.Add(price.UndiscountedUnitPrice.MulInt(line.Quantity).Quantize())
	}
	order.Subtotal = subtotal
	order.UndiscountedTotal = undiscounted.Add(in.Shipping)

	if voucher := info.Voucher; voucher != nil && in.Discount.IsPositive() {
		order.VoucherID = voucher.ID
		order.VoucherCode = voucher.Code
		discount := domain.OrderDiscount{
			ID:             in.NewID(),
			Type:           domain.OrderDiscountVoucher,
			ValueType:      voucher.DiscountValueType,
			Amount:         in.Discount.Quantize(),
			Name:           voucher.Name,
			TranslatedName: checkout.TranslatedDiscountName,
			VoucherCode:    voucher.Code,
		}
		if listing, ok := voucher.ListingFor(info.Channel.Slug); ok {
			discount.Value = listing.DiscountValue
		}
		order.Discounts = append(order.Discounts, discount)
	}
	order.Total = orderTotal(order)
	return order, nil
}

// orderTotal returns Σ line totals + shipping − Σ discounts, floored at zero.
func orderTotal(order Order) TaxedMoney {
	total := domain.ZeroTaxedMoney(order.Currency)
	for _, line := range order.Lines {
		total = total.Add(line.TotalPrice)
	}
	return total.Add(order.ShippingPrice).SubMoney(order.DiscountTotal()).ClampZero()
}
