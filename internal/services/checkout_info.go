package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
	"github.com/i-super/Saleor-sub000/internal/repositories"
)

// ExternalMethodPrefix marks delivery method ids supplied by apps.
const ExternalMethodPrefix = "app:"

// CheckoutLineInfo joins a checkout line with its variant and channel listing.
type CheckoutLineInfo struct {
	Line           CheckoutLine
	Variant        domain.ProductVariant
	ChannelListing *domain.VariantChannelListing
}

// CheckoutInfo is the read snapshot that pricing, voucher evaluation and validation work on.
type CheckoutInfo struct {
	Checkout        Checkout
	Lines           []CheckoutLineInfo
	Channel         domain.Channel
	ShippingMethod  *domain.ShippingMethod
	CollectionPoint *domain.Warehouse
	Voucher         *Voucher
	GiftCards       []GiftCard
	DefaultCountry  string
}

// Country returns the destination used for taxes, stock and shipping lookups.
func (i CheckoutInfo) Country() string {
	c := i.Checkout
	if c.ShippingAddress != nil && c.ShippingAddress.Country != "" {
		return c.ShippingAddress.Country
	}
	if i.CollectionPoint != nil && i.CollectionPoint.Address.Country != "" {
		return i.CollectionPoint.Address.Country
	}
	if c.BillingAddress != nil && c.BillingAddress.Country != "" {
		return c.BillingAddress.Country
	}
	if i.Channel.DefaultCountry != "" {
		return i.Channel.DefaultCountry
	}
	return i.DefaultCountry
}

// IsShippingRequired reports whether any line needs physical delivery.
func (i CheckoutInfo) IsShippingRequired() bool {
	for _, line := range i.Lines {
		if line.Variant.IsShippingRequired() {
			return true
		}
	}
	return false
}

// DeliveryMethodSet reports whether a shipping method or a collection point is chosen.
func (i CheckoutInfo) DeliveryMethodSet() bool {
	return i.ShippingMethod != nil || i.CollectionPoint != nil
}

// Weight sums the weight of shippable lines.
func (i CheckoutInfo) Weight() decimal.Decimal {
	total := decimal.Zero
	for _, line := range i.Lines {
		if line.Variant.Weight == nil {
			continue
		}
		total = total.Add(line.Variant.Weight.Mul(decimal.NewFromInt(int64(line.Line.Quantity))))
	}
	return total
}

// Variants returns the line variants in line order.
func (i CheckoutInfo) Variants() []domain.ProductVariant {
	out := make([]domain.ProductVariant, 0, len(i.Lines))
	for _, line := range i.Lines {
		out = append(out, line.Variant)
	}
	return out
}

// ProductIDs lists the distinct products of the checkout.
func (i CheckoutInfo) ProductIDs() []string {
	seen := make(map[string]struct{}, len(i.Lines))
	out := make([]string, 0, len(i.Lines))
	for _, line := range i.Lines {
		id := line.Variant.Product.ID
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func isExternalMethod(id string) bool {
	return strings.HasPrefix(id, ExternalMethodPrefix)
}

type checkoutInfoLoader struct {
	variants       repositories.VariantReader
	channels       repositories.ChannelRepository
	shipping       repositories.ShippingRepository
	warehouses     repositories.WarehouseRepository
	vouchers       repositories.VoucherRepository
	giftCards      repositories.GiftCardRepository
	external       ExternalShippingProvider
	defaultCountry string
}

func newCheckoutInfoLoader(reg repositories.Registry, external ExternalShippingProvider, defaultCountry string) checkoutInfoLoader {
	return checkoutInfoLoader{
		variants:       reg.Variants(),
		channels:       reg.Channels(),
		shipping:       reg.Shipping(),
		warehouses:     reg.Warehouses(),
		vouchers:       reg.Vouchers(),
		giftCards:      reg.GiftCards(),
		external:       external,
		defaultCountry: defaultCountry,
	}
}

// load resolves every reference of the checkout. Dangling voucher, gift card and delivery
// references resolve to nil so the caller can drop them.
func (l checkoutInfoLoader) load(ctx context.Context, checkout Checkout) (CheckoutInfo, error) {
	channel, err := l.channels.GetBySlug(ctx, checkout.ChannelSlug)
	if err != nil {
		return CheckoutInfo{}, fmt.Errorf("checkout info: channel %s: %w", checkout.ChannelSlug, err)
	}

	info := CheckoutInfo{
		Checkout:       checkout,
		Channel:        channel,
		DefaultCountry: l.defaultCountry,
	}

	if len(checkout.Lines) > 0 {
		ids := make([]string, 0, len(checkout.Lines))
		for _, line := range checkout.Lines {
			ids = append(ids, line.VariantID)
		}
		variants, err := l.variants.ListVariants(ctx, ids)
		if err != nil {
			return CheckoutInfo{}, fmt.Errorf("checkout info: variants: %w", err)
		}
		byID := make(map[string]domain.ProductVariant, len(variants))
		for _, v := range variants {
			byID[v.ID] = v
		}
		for _, line := range checkout.Lines {
			variant, ok := byID[line.VariantID]
			if !ok {
				return CheckoutInfo{}, domain.NewError(domain.CodeNotFound, "lines", fmt.Sprintf("Variant %s does not exist.", line.VariantID))
			}
			lineInfo := CheckoutLineInfo{Line: line, Variant: variant}
			if listing, ok := variant.ListingFor(checkout.ChannelSlug); ok {
				lineInfo.ChannelListing = &listing
			}
			info.Lines = append(info.Lines, lineInfo)
		}
	}

	if checkout.CollectionPointID != "" {
		warehouse, err := l.warehouses.Get(ctx, checkout.CollectionPointID)
		switch {
		case err == nil:
			info.CollectionPoint = &warehouse
		case !repositories.IsNotFound(err):
			return CheckoutInfo{}, fmt.Errorf("checkout info: collection point: %w", err)
		}
	}

	if checkout.ShippingMethodID != "" && !isExternalMethod(checkout.ShippingMethodID) {
		method, err := l.shipping.GetMethod(ctx, checkout.ShippingMethodID)
		switch {
		case err == nil:
			info.ShippingMethod = &method
		case !repositories.IsNotFound(err):
			return CheckoutInfo{}, fmt.Errorf("checkout info: shipping method: %w", err)
		}
	}

	if checkout.VoucherCode != "" {
		voucher, err := l.vouchers.FindByCode(ctx, checkout.VoucherCode)
		switch {
		case err == nil:
			info.Voucher = &voucher
		case !repositories.IsNotFound(err):
			return CheckoutInfo{}, fmt.Errorf("checkout info: voucher: %w", err)
		}
	}

	if len(checkout.GiftCardIDs) > 0 {
		cards, err := l.giftCards.ListByIDs(ctx, checkout.GiftCardIDs)
		if err != nil {
			return CheckoutInfo{}, fmt.Errorf("checkout info: gift cards: %w", err)
		}
		byID := make(map[string]GiftCard, len(cards))
		for _, card := range cards {
			byID[card.ID] = card
		}
		for _, id := range checkout.GiftCardIDs {
			if card, ok := byID[id]; ok {
				info.GiftCards = append(info.GiftCards, card)
			}
		}
	}

	// External methods are resolved last: apps price them from the rest of the snapshot.
	if isExternalMethod(checkout.ShippingMethodID) && l.external != nil {
		methods, err := l.external.ListExternalShippingMethods(ctx, info)
		if err != nil {
			return CheckoutInfo{}, err
		}
		for _, method := range methods {
			if method.ID == checkout.ShippingMethodID {
				m := method
				info.ShippingMethod = &m
				break
			}
		}
	}

	return info, nil
}
