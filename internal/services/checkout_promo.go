package services

import (
	"context"
	"strings"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
	"github.com/i-super/Saleor-sub000/internal/repositories"
)

// AddPromoCode attaches a voucher or a gift card. Voucher codes take precedence over gift card
// codes; a code matching neither is rejected.
func (s *checkoutService) AddPromoCode(ctx context.Context, token, code string) (Checkout, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Checkout{}, domain.NewError(domain.CodeRequired, "promo_code", "This field is required.")
	}
	return s.mutate(ctx, token, func(ctx context.Context, checkout *Checkout) (bool, error) {
		voucher, err := s.repos.Vouchers().FindByCode(ctx, code)
		switch {
		case err == nil:
			info, sales, err := s.snapshot(ctx, *checkout)
			if err != nil {
				return false, err
			}
			amount, err := s.evaluateVoucher(ctx, voucher, info, sales)
			if err != nil {
				return false, err
			}
			checkout.VoucherCode = voucher.Code
			checkout.Discount = amount
			checkout.DiscountName = voucher.Name
			checkout.TranslatedDiscountName = ""
			return true, nil
		case !repositories.IsNotFound(err):
			return false, mapRepositoryError(err, nil, "promo_code", "Promo code is invalid.")
		}

		updated, err := s.giftCards.AddCodeToCheckout(ctx, *checkout, code)
		if err != nil {
			return false, err
		}
		*checkout = updated
		return true, nil
	})
}

// RemovePromoCode detaches a voucher or a gift card. Unknown codes are ignored.
func (s *checkoutService) RemovePromoCode(ctx context.Context, token, code string) (Checkout, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Checkout{}, domain.NewError(domain.CodeRequired, "promo_code", "This field is required.")
	}
	return s.mutate(ctx, token, func(ctx context.Context, checkout *Checkout) (bool, error) {
		if checkout.VoucherCode != "" && strings.EqualFold(checkout.VoucherCode, code) {
			clearVoucher(checkout)
			return true, nil
		}
		updated, removed, err := s.giftCards.RemoveCodeFromCheckout(ctx, *checkout, code)
		if err != nil {
			return false, err
		}
		if !removed {
			return false, nil
		}
		*checkout = updated
		return true, nil
	})
}
