package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
	"github.com/i-super/Saleor-sub000/internal/repositories"
)

const promoCodeField = "promo_code"

// VoucherEvaluatorDeps bundles the collaborators of the voucher evaluator.
type VoucherEvaluatorDeps struct {
	Vouchers repositories.VoucherRepository
	Settings Settings
	Clock    func() time.Time
}

type voucherEvaluator struct {
	vouchers repositories.VoucherRepository
	scope    domain.ApplyOncePerOrderScope
	clock    func() time.Time
}

var _ VoucherEvaluator = (*voucherEvaluator)(nil)

// NewVoucherEvaluator builds the voucher evaluator.
func NewVoucherEvaluator(deps VoucherEvaluatorDeps) (VoucherEvaluator, error) {
	if deps.Vouchers == nil {
		return nil, errors.New("voucher evaluator: voucher repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	scope := deps.Settings.ApplyOncePerOrderScope
	if scope == "" {
		scope = domain.ApplyOnceCheapestUnit
	}
	return &voucherEvaluator{
		vouchers: deps.Vouchers,
		scope:    scope,
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

func voucherNotApplicable(message string) error {
	return domain.NewError(domain.CodeVoucherNotApplicable, promoCodeField, message)
}

// Evaluate checks the activity window, usage limit, per customer usage, channel listing and
// the type specific rules in that order, then computes the discount.
func (e *voucherEvaluator) Evaluate(ctx context.Context, vc VoucherContext) (Money, error) {
	voucher := vc.Voucher
	info := vc.Info
	currency := info.Checkout.Currency

	if !voucher.IsActiveAt(e.clock()) {
		return Money{}, voucherNotApplicable("Voucher is not active.")
	}
	if voucher.ExhaustedUsage() {
		return Money{}, voucherNotApplicable("Voucher has reached its usage limit.")
	}
	if voucher.ApplyOncePerCustomer && vc.CustomerEmail != "" {
		used, err := e.vouchers.HasCustomer(ctx, voucher.ID, vc.CustomerEmail)
		if err != nil {
			return Money{}, fmt.Errorf("voucher evaluator: customer usage: %w", err)
		}
		if used {
			return Money{}, voucherNotApplicable("This offer is valid only once per customer.")
		}
	}
	listing, ok := voucher.ListingFor(info.Checkout.ChannelSlug)
	if !ok || (listing.Currency != "" && listing.Currency != currency) {
		return Money{}, voucherNotApplicable("This offer is not valid in this channel.")
	}

	var base Money
	switch voucher.Type {
	case domain.VoucherTypeShipping:
		if !info.IsShippingRequired() {
			return Money{}, voucherNotApplicable("Your order does not require shipping.")
		}
		if !info.DeliveryMethodSet() {
			return Money{}, voucherNotApplicable("Please select a delivery method first.")
		}
		if len(voucher.Countries) > 0 && !slices.Contains(voucher.Countries, info.Country()) {
			return Money{}, voucherNotApplicable("This offer is not valid in your country.")
		}
		if err := checkVoucherMinimums(voucher, listing, vc); err != nil {
			return Money{}, err
		}
		base = vc.Shipping.Gross
	case domain.VoucherTypeSpecificProduct:
		if err := checkVoucherMinimums(voucher, listing, vc); err != nil {
			return Money{}, err
		}
		matched, err := e.specificProductBase(voucher, vc)
		if err != nil {
			return Money{}, err
		}
		base = matched
	default:
		if err := checkVoucherMinimums(voucher, listing, vc); err != nil {
			return Money{}, err
		}
		base = vc.Subtotal.Gross
	}

	if base.Currency == "" {
		base = domain.ZeroMoney(currency)
	}
	amount := discountAmount(voucher.DiscountValueType, listing.DiscountValue, base).Quantize()
	return domain.MinMoney(amount, base), nil
}

func checkVoucherMinimums(voucher Voucher, listing domain.VoucherChannelListing, vc VoucherContext) error {
	if listing.MinSpent != nil && vc.Subtotal.Gross.LessThan(*listing.MinSpent) {
		return voucherNotApplicable(fmt.Sprintf("This offer is only valid for orders over %s.", listing.MinSpent.Quantize()))
	}
	if voucher.MinCheckoutItemsQuantity != nil && vc.Info.Checkout.TotalQuantity() < *voucher.MinCheckoutItemsQuantity {
		return voucherNotApplicable(fmt.Sprintf("This offer is only valid for orders with a minimum of %d quantity.", *voucher.MinCheckoutItemsQuantity))
	}
	return nil
}

// specificProductBase sums the matching line totals. Apply-once vouchers discount the cheapest
// matching unit, or the whole line holding it, depending on the configured scope.
func (e *voucherEvaluator) specificProductBase(voucher Voucher, vc VoucherContext) (Money, error) {
	variants := make(map[string]domain.ProductVariant, len(vc.Info.Lines))
	for _, line := range vc.Info.Lines {
		variants[line.Line.ID] = line.Variant
	}

	var matching []LinePricing
	for _, line := range vc.Lines {
		variant, ok := variants[line.LineID]
		if !ok {
			continue
		}
		if catalogueMatch(variant, voucher.ProductIDs, voucher.CategoryIDs, voucher.CollectionIDs, voucher.VariantIDs) {
			matching = append(matching, line)
		}
	}
	if len(matching) == 0 {
		return Money{}, voucherNotApplicable("This offer is only valid for selected items.")
	}

	if voucher.ApplyOncePerOrder {
		cheapest := matching[0]
		for _, line := range matching[1:] {
			if line.UnitPrice.Gross.LessThan(cheapest.UnitPrice.Gross) {
				cheapest = line
			}
		}
		if e.scope == domain.ApplyOnceCheapestLine {
			return cheapest.TotalPrice.Gross, nil
		}
		return cheapest.UnitPrice.Gross.Quantize(), nil
	}

	base := domain.ZeroMoney(vc.Info.Checkout.Currency)
	for _, line := range matching {
		base = base.Add(line.TotalPrice.Gross)
	}
	return base, nil
}
