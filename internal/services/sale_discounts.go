package services

import (
	"slices"

	"github.com/shopspring/decimal"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
)

// catalogueMatch reports whether the variant falls under any of the catalogue references.
func catalogueMatch(variant domain.ProductVariant, productIDs, categoryIDs, collectionIDs, variantIDs []string) bool {
	if slices.Contains(variantIDs, variant.ID) || slices.Contains(productIDs, variant.Product.ID) {
		return true
	}
	if variant.Product.CategoryID != "" && slices.Contains(categoryIDs, variant.Product.CategoryID) {
		return true
	}
	for _, id := range variant.Product.CollectionIDs {
		if slices.Contains(collectionIDs, id) {
			return true
		}
	}
	return false
}

// discountAmount applies a fixed or percentage discount to base. Fixed discounts never exceed
// base; percentages are left unrounded.
func discountAmount(valueType domain.DiscountValueType, value decimal.Decimal, base Money) Money {
	if value.IsNegative() || !base.IsPositive() {
		return domain.ZeroMoney(base.Currency)
	}
	switch valueType {
	case domain.DiscountValuePercentage:
		if value.GreaterThan(decimal.NewFromInt(100)) {
			value = decimal.NewFromInt(100)
		}
		return base.Percent(value)
	default:
		return domain.MinMoney(domain.NewMoney(value, base.Currency), base)
	}
}

// bestSaleDiscount returns the largest unit discount granted by the sales covering the variant.
// Sales listed in another currency than the price are ignored.
func bestSaleDiscount(variant domain.ProductVariant, channelSlug string, unitPrice Money, sales []domain.Sale) (Money, *domain.Sale) {
	best := domain.ZeroMoney(unitPrice.Currency)
	var winner *domain.Sale
	for i := range sales {
		sale := sales[i]
		listing, ok := sale.ListingFor(channelSlug)
		if !ok {
			continue
		}
		if sale.Type == domain.DiscountValueFixed && listing.Currency != "" && listing.Currency != unitPrice.Currency {
			continue
		}
		if !catalogueMatch(variant, sale.ProductIDs, sale.CategoryIDs, sale.CollectionIDs, sale.VariantIDs) {
			continue
		}
		amount := discountAmount(sale.Type, listing.DiscountValue, unitPrice)
		if amount.GreaterThan(best) {
			best = amount
			winner = &sales[i]
		}
	}
	return best, winner
}
