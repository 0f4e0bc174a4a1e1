package services

import (
	"context"
	"fmt"
	"strings"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
	"github.com/i-super/Saleor-sub000/internal/platform/requestctx"
	"github.com/i-super/Saleor-sub000/internal/repositories"
)

// CreateDraft prices the requested lines into a draft order. Drafts hold no stock and do not
// consume voucher usage until they are confirmed.
func (s *orderService) CreateDraft(ctx context.Context, cmd CreateDraftCommand) (Order, error) {
	slug := strings.TrimSpace(cmd.ChannelSlug)
	if slug == "" {
		return Order{}, domain.NewError(domain.CodeRequired, "channel", "This field is required.")
	}
	channel, err := s.repos.Channels().GetBySlug(ctx, slug)
	if err != nil {
		return Order{}, mapRepositoryError(err, nil, "channel", "Channel does not exist.")
	}

	checkout := Checkout{
		Token:            s.newToken(),
		UserID:           strings.TrimSpace(cmd.UserID),
		ChannelSlug:      channel.Slug,
		Currency:         channel.Currency,
		LanguageCode:     defaultLanguageCode,
		ShippingAddress:  cmd.ShippingAddress.Clone(),
		BillingAddress:   cmd.BillingAddress.Clone(),
		ShippingMethodID: strings.TrimSpace(cmd.ShippingMethodID),
		VoucherCode:      strings.TrimSpace(cmd.VoucherCode),
		Discount:         domain.ZeroMoney(channel.Currency),
		Note:             strings.TrimSpace(cmd.CustomerNote),
	}
	if email := strings.TrimSpace(cmd.UserEmail); email != "" {
		normalized, err := normalizeEmail(email)
		if err != nil {
			return Order{}, err
		}
		checkout.Email = normalized
	}
	for _, in := range cmd.Lines {
		variantID := strings.TrimSpace(in.VariantID)
		if variantID == "" {
			return Order{}, domain.NewError(domain.CodeRequired, "variant_id", "This field is required.")
		}
		if in.Quantity <= 0 {
			return Order{}, domain.NewError(domain.CodeZeroQuantity, "quantity", "Quantity must be positive.")
		}
		checkout.Lines = append(checkout.Lines, domain.CheckoutLine{
			ID:            s.newID(),
			VariantID:     variantID,
			Quantity:      in.Quantity,
			PriceOverride: in.PriceOverride,
			ForceNewLine:  in.ForceNewLine,
			Metadata:      in.Metadata,
		})
	}

	info, sales, err := s.snapshot(ctx, checkout)
	if err != nil {
		return Order{}, err
	}
	for _, line := range info.Lines {
		if line.ChannelListing == nil {
			return Order{}, domain.NewError(domain.CodeUnavailableVariantInChannel, "lines",
				fmt.Sprintf("Variant %s is not available in channel %s.", line.Variant.ID, channel.Slug))
		}
	}
	if checkout.ShippingMethodID != "" && info.ShippingMethod == nil {
		return Order{}, domain.NewError(domain.CodeShippingMethodNotApplicable, "shipping_method", "Shipping method does not exist.")
	}
	if checkout.VoucherCode != "" && info.Voucher == nil {
		return Order{}, domain.NewError(domain.CodeInvalidPromoCode, "voucher", "Promo code is invalid.")
	}

	lines, _, shipping, err := basePrices(ctx, s.calc, info, sales)
	if err != nil {
		return Order{}, err
	}
	discount := domain.ZeroMoney(channel.Currency)
	if info.Voucher != nil {
		discount, err = evaluateVoucherFor(ctx, s.calc, s.vouchers, *info.Voucher, info, sales)
		if err != nil {
			return Order{}, err
		}
	}

	var draft Order
	err = s.repos.RunInTx(ctx, func(ctx context.Context) error {
		number, err := s.repos.Counters().Next(ctx, orderCounterName, 1)
		if err != nil {
			return fmt.Errorf("order service: next order number: %w", err)
		}
		now := s.now()
		draft, err = buildOrder(orderInput{
			ID:       s.newToken(),
			Number:   number,
			Status:   domain.OrderStatusDraft,
			Origin:   domain.OrderOriginDraft,
			Info:     info,
			Lines:    lines,
			Shipping: shipping,
			Discount: discount,
			Now:      now,
			NewID:    s.newID,
		})
		if err != nil {
			return err
		}
		draft.CheckoutToken = ""
		draft.AllowStockToBeExceeded = cmd.AllowStockToBeExceeded
		if err := s.repos.Orders().Insert(ctx, draft); err != nil {
			return fmt.Errorf("order service: insert draft: %w", err)
		}
		event := domain.NewOrderEvent(s.newID(), draft.ID, now, requestctx.Actor(ctx), domain.DraftCreatedPayload{})
		if err := s.repos.Orders().AppendEvents(ctx, event); err != nil {
			return fmt.Errorf("order service: append events: %w", err)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	return draft, nil
}

// ConfirmDraft places a draft order: the voucher is revalidated and consumed, stock is allocated
// and the order enters the regular lifecycle.
func (s *orderService) ConfirmDraft(ctx context.Context, orderID string) (Order, error) {
	return s.update(ctx, orderID, "order.ConfirmDraft", func(ctx context.Context, order *Order, rec *orderRecorder) error {
		if order.Status != domain.OrderStatusDraft {
			return domain.NewError(domain.CodeInvalidTransition, "status",
				fmt.Sprintf("Cannot confirm a %s order.", order.Status))
		}
		if len(order.Lines) == 0 {
			return domain.NewError(domain.CodeRequired, "lines", "Could not create orders with no lines.")
		}
		if order.UserEmail == "" && order.UserID == "" {
			return domain.NewError(domain.CodeRequired, "user_email", "Specify customer or an email address.")
		}
		if order.BillingAddress == nil {
			return domain.NewError(domain.CodeBillingAddressNotSet, "billing_address", "Billing address is required.")
		}
		if order.IsShippingRequired() {
			if order.ShippingAddress == nil {
				return domain.NewError(domain.CodeShippingAddressNotSet, "shipping_address", "Shipping address is required.")
			}
			if order.ShippingMethodID == "" && order.CollectionPointID == "" {
				return domain.NewError(domain.CodeShippingMethodNotSet, "shipping_method", "Shipping method is required.")
			}
		}
		channel, err := s.repos.Channels().GetBySlug(ctx, order.ChannelSlug)
		if err != nil {
			return mapRepositoryError(err, nil, "channel", "Channel does not exist.")
		}
		if !channel.IsActive {
			return domain.NewError(domain.CodeChannelInactive, "channel", "Cannot complete draft order with inactive channel.")
		}

		info, sales, err := s.snapshot(ctx, draftCheckout(*order))
		if err != nil {
			return err
		}
		variants, quantities := lineQuantities(info)
		if err := s.stock.CheckPreorderThresholdBulk(ctx, variants, quantities, order.ChannelSlug); err != nil {
			return err
		}
		if order.VoucherCode != "" {
			if info.Voucher == nil {
				return domain.NewError(domain.CodeVoucherNotApplicable, "voucher", "Voucher is no longer available.")
			}
			if _, err := evaluateVoucherFor(ctx, s.calc, s.vouchers, *info.Voucher, info, sales); err != nil {
				return err
			}
			if err := s.consumeVoucher(ctx, *info.Voucher, order.UserEmail); err != nil {
				return err
			}
		}

		status := domain.OrderStatusUnconfirmed
		if s.settings.AutomaticallyConfirmAllNewOrders {
			status = domain.OrderStatusUnfulfilled
		}
		if err := s.transition(order, status); err != nil {
			return err
		}
		if _, err := s.stock.AllocateStocks(ctx, AllocateCommand{
			Lines:                  order.Lines,
			Country:                order.Country(s.settings.DefaultCountry),
			ChannelSlug:            order.ChannelSlug,
			CollectionPointID:      order.CollectionPointID,
			AllowStockToBeExceeded: order.AllowStockToBeExceeded,
		}); err != nil {
			return err
		}
		if err := s.stock.AllocatePreorders(ctx, order.Lines, order.ChannelSlug); err != nil {
			return err
		}
		rec.event(domain.PlacedFromDraftPayload{})
		markFullyPaid(order, rec)
		if order.UserEmail != "" {
			rec.event(domain.EmailSentPayload{EmailType: domain.EmailTypeOrderConfirmation, Email: order.UserEmail})
			rec.notify(domain.NotifyOrderConfirmation)
		}
		rec.webhook(domain.WebhookOrderCreated)
		return nil
	})
}

func (s *orderService) consumeVoucher(ctx context.Context, voucher Voucher, email string) error {
	if err := s.repos.Vouchers().IncrementUsage(ctx, voucher.ID); err != nil {
		if repositories.IsConflict(err) {
			return domain.WrapError(domain.CodeVoucherNotApplicable, "voucher", "Voucher has reached its usage limit.", err)
		}
		return fmt.Errorf("order service: voucher usage: %w", err)
	}
	if voucher.ApplyOncePerCustomer && email != "" {
		if err := s.repos.Vouchers().AddCustomer(ctx, domain.VoucherCustomer{VoucherID: voucher.ID, Email: email}); err != nil {
			return fmt.Errorf("order service: voucher customer: %w", err)
		}
	}
	return nil
}

func (s *orderService) snapshot(ctx context.Context, checkout Checkout) (CheckoutInfo, []domain.Sale, error) {
	info, err := s.loader.load(ctx, checkout)
	if err != nil {
		return CheckoutInfo{}, nil, err
	}
	sales, err := s.repos.Sales().ListActive(ctx, checkout.ChannelSlug, s.now())
	if err != nil {
		return CheckoutInfo{}, nil, fmt.Errorf("order service: list sales: %w", err)
	}
	return info, sales, nil
}

// draftCheckout rebuilds the checkout view of a draft order so that vouchers and preorder caps
// are checked the same way as at checkout completion.
func draftCheckout(order Order) Checkout {
	checkout := Checkout{
		Token:             order.ID,
		UserID:            order.UserID,
		Email:             order.UserEmail,
		ChannelSlug:       order.ChannelSlug,
		Currency:          order.Currency,
		LanguageCode:      order.LanguageCode,
		ShippingAddress:   order.ShippingAddress.Clone(),
		BillingAddress:    order.BillingAddress.Clone(),
		ShippingMethodID:  order.ShippingMethodID,
		CollectionPointID: order.CollectionPointID,
		VoucherCode:       order.VoucherCode,
		Discount:          order.DiscountTotal(),
		CreatedAt:         order.CreatedAt,
	}
	for _, line := range order.Lines {
		checkout.Lines = append(checkout.Lines, domain.CheckoutLine{
			ID:        line.ID,
			VariantID: line.VariantID,
			Quantity:  line.Quantity,
		})
	}
	return checkout
}
