package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
	"github.com/i-super/Saleor-sub000/internal/payments"
	"github.com/i-super/Saleor-sub000/internal/platform/idempotency"
	"github.com/i-super/Saleor-sub000/internal/platform/observability"
	"github.com/i-super/Saleor-sub000/internal/platform/requestctx"
	"github.com/i-super/Saleor-sub000/internal/repositories"
)

// CreatePayment starts a payment for the full amount due. Earlier active payments of the checkout
// are deactivated.
func (s *checkoutService) CreatePayment(ctx context.Context, cmd CreatePaymentCommand) (Payment, error) {
	gatewayID := strings.TrimSpace(cmd.Gateway)
	if gatewayID == "" {
		return Payment{}, domain.NewError(domain.CodeRequired, "gateway", "This field is required.")
	}
	checkout, err := s.GetCheckout(ctx, cmd.Token)
	if err != nil {
		return Payment{}, err
	}
	if checkout.BillingAddress == nil {
		return Payment{}, domain.NewError(domain.CodeBillingAddressNotSet, "billing_address", "Billing address is not set.")
	}
	info, sales, err := s.snapshot(ctx, checkout)
	if err != nil {
		return Payment{}, err
	}
	totals, err := s.calc.CheckoutTotals(ctx, info, sales)
	if err != nil {
		return Payment{}, err
	}
	amount := totals.AmountDue
	if cmd.Amount != nil {
		amount = *cmd.Amount
	}
	if !amount.Equal(totals.AmountDue) {
		return Payment{}, domain.NewError(domain.CodeInvalid, "amount",
			fmt.Sprintf("Partial payments are not allowed, amount should be equal checkout's total: %s.", totals.AmountDue.Amount.StringFixed(2)))
	}
	gateway, err := s.gateways.Gateway(gatewayID)
	if err != nil {
		return Payment{}, domain.WrapError(domain.CodeNotFound, "gateway", "The gateway is not available.", err)
	}
	if !payments.Supports(gateway, amount.Currency) {
		return Payment{}, domain.NewError(domain.CodeInvalid, "gateway",
			fmt.Sprintf("The gateway %s does not support checkout currency %s.", gatewayID, amount.Currency))
	}

	now := s.now()
	payment := Payment{
		ID:             s.newID(),
		GatewayID:      gateway.ID(),
		IsActive:       true,
		CheckoutToken:  checkout.Token,
		Total:          amount,
		CapturedAmount: domain.ZeroMoney(amount.Currency),
		ChargeStatus:   domain.ChargeNotCharged,
		Token:          strings.TrimSpace(cmd.PaymentKey),
		CustomerID:     strings.TrimSpace(cmd.CustomerID),
		BillingEmail:   checkout.Email,
		ReturnURL:      strings.TrimSpace(cmd.ReturnURL),
		CreatedAt:      now,
		ModifiedAt:     now,
	}
	err = s.runInTx(ctx, func(ctx context.Context) error {
		existing, err := s.repos.Payments().ListByCheckout(ctx, checkout.Token)
		if err != nil {
			return mapRepositoryError(err, nil, "token", "Checkout does not exist.")
		}
		for _, p := range existing {
			if !p.IsActive {
				continue
			}
			p.IsActive = false
			p.ModifiedAt = now
			if err := s.repos.Payments().Update(ctx, p); err != nil {
				return fmt.Errorf("checkout service: deactivate payment: %w", err)
			}
		}
		if err := s.repos.Payments().Insert(ctx, payment); err != nil {
			return fmt.Errorf("checkout service: insert payment: %w", err)
		}
		return nil
	})
	if err != nil {
		return Payment{}, err
	}
	s.logger(ctx, "checkout.payment.created", map[string]any{
		"token":     checkout.Token,
		"paymentId": payment.ID,
		"gateway":   payment.GatewayID,
		"amount":    payment.Total.Amount.String(),
	})
	return payment, nil
}

// Complete validates the checkout, processes its payment and places the order. Completing a
// checkout that already produced an order returns that order.
func (s *checkoutService) Complete(ctx context.Context, cmd CompleteCheckoutCommand) (result CompleteCheckoutResult, err error) {
	token := strings.TrimSpace(cmd.Token)
	if token == "" {
		return CompleteCheckoutResult{}, domain.NewError(domain.CodeRequired, "token", "This field is required.")
	}
	ctx, span := observability.StartSpan(ctx, "checkout.Complete", attribute.String("checkout.token", token))
	started := s.now()
	outcome := ""
	defer func() {
		observability.EndSpan(span, err)
		if outcome == "" {
			outcome = completionOutcome(result, err)
		}
		s.metrics.CheckoutCompleted(outcome, s.now().Sub(started))
	}()

	release, err := s.locker.Acquire(ctx, "checkout:"+token, s.lockTTL)
	if err != nil {
		if errors.Is(err, idempotency.ErrLockNotAcquired) {
			return CompleteCheckoutResult{}, fmt.Errorf("%w: %w", ErrCheckoutLocked, err)
		}
		return CompleteCheckoutResult{}, fmt.Errorf("checkout service: acquire lock: %w", err)
	}
	defer func() {
		if relErr := release(context.WithoutCancel(ctx)); relErr != nil {
			s.logger(ctx, "checkout.lock.release_failed", map[string]any{"token": token, "error": relErr.Error()})
		}
	}()

	if order, ok, err := s.existingOrder(ctx, token); err != nil {
		return CompleteCheckoutResult{}, err
	} else if ok {
		outcome = "existing"
		return CompleteCheckoutResult{Order: &order}, nil
	}

	checkout, err := s.GetCheckout(ctx, token)
	if err != nil {
		return CompleteCheckoutResult{}, err
	}
	info, sales, err := s.snapshot(ctx, checkout)
	if err != nil {
		return CompleteCheckoutResult{}, err
	}
	if err := s.validateCompletion(ctx, info, sales); err != nil {
		return CompleteCheckoutResult{}, err
	}
	totals, err := s.calc.CheckoutTotals(ctx, info, sales)
	if err != nil {
		return CompleteCheckoutResult{}, err
	}

	payment, confirmation, err := s.processPayment(ctx, checkout, totals.AmountDue)
	if err != nil {
		return CompleteCheckoutResult{}, err
	}
	if confirmation != nil {
		return CompleteCheckoutResult{ConfirmationNeeded: true, ConfirmationData: confirmation}, nil
	}

	order, duplicate, err := s.placeOrder(ctx, cmd, payment)
	if err != nil {
		if payment != nil {
			s.compensate(ctx, *payment, checkout.Email)
		}
		return CompleteCheckoutResult{}, err
	}
	if duplicate {
		outcome = "existing"
		return CompleteCheckoutResult{Order: &order}, nil
	}
	s.metrics.OrderPlaced(order.ChannelSlug, string(order.Origin))
	s.logger(ctx, "checkout.completed", map[string]any{
		"token":   token,
		"orderId": order.ID,
		"number":  order.Number,
		"total":   order.Total.Gross.Amount.String(),
	})
	return CompleteCheckoutResult{Order: &order}, nil
}

func completionOutcome(result CompleteCheckoutResult, err error) string {
	switch {
	case err == nil && result.ConfirmationNeeded:
		return "confirmation_needed"
	case err == nil:
		return "placed"
	}
	if code := domain.ErrorCodeOf(err); code != "" {
		return strings.ToLower(string(code))
	}
	if errors.Is(err, ErrCheckoutLocked) {
		return "locked"
	}
	return "error"
}

func (s *checkoutService) existingOrder(ctx context.Context, token string) (Order, bool, error) {
	order, err := s.repos.Orders().FindByCheckoutToken(ctx, token)
	switch {
	case err == nil:
		return order, true, nil
	case repositories.IsNotFound(err):
		return Order{}, false, nil
	default:
		return Order{}, false, mapRepositoryError(err, nil, "token", "Order does not exist.")
	}
}

// validateCompletion checks everything an order needs before any money moves.
func (s *checkoutService) validateCompletion(ctx context.Context, info CheckoutInfo, sales []domain.Sale) error {
	checkout := info.Checkout
	if len(info.Lines) == 0 {
		return domain.NewError(domain.CodeInvalid, "lines", "Cannot create order without product.")
	}
	if !info.Channel.IsActive {
		return domain.NewError(domain.CodeChannelInactive, "channel", "Cannot complete checkout with inactive channel.")
	}
	now := s.now()
	for _, line := range info.Lines {
		if err := s.repos.Variants().CheckActiveForPurchase(ctx, line.Variant.ID, checkout.ChannelSlug, now); err != nil {
			return mapRepositoryError(err, nil, "lines", "Variant is not available for purchase.")
		}
	}

	if info.IsShippingRequired() {
		if !info.DeliveryMethodSet() {
			return domain.NewError(domain.CodeShippingMethodNotSet, "shipping_method", "Shipping method is not set.")
		}
		if checkout.ShippingAddress == nil {
			return domain.NewError(domain.CodeShippingAddressNotSet, "shipping_address", "Shipping address is not set.")
		}
		_, subtotal, _, err := basePrices(ctx, s.calc, info, sales)
		if err != nil {
			return err
		}
		valid, err := s.delivery.deliveryValid(ctx, info, subtotal.Gross)
		if err != nil {
			return err
		}
		if !valid {
			return domain.NewError(domain.CodeShippingMethodNotApplicable, "shipping_method", "Shipping method is not valid for your shipping address.")
		}
	}
	if checkout.BillingAddress == nil {
		return domain.NewError(domain.CodeBillingAddressNotSet, "billing_address", "Billing address is not set.")
	}
	if checkout.Email == "" {
		return domain.NewError(domain.CodeRequired, "email", "Email is required to complete the checkout.")
	}

	if err := s.checkLineStock(ctx, info); err != nil {
		return err
	}
	variants, quantities := lineQuantities(info)
	if err := s.stock.CheckPreorderThresholdBulk(ctx, variants, quantities, checkout.ChannelSlug); err != nil {
		return err
	}

	switch {
	case info.Voucher != nil:
		if _, err := s.evaluateVoucher(ctx, *info.Voucher, info, sales); err != nil {
			return err
		}
	case checkout.VoucherCode != "":
		return domain.NewError(domain.CodeVoucherNotApplicable, "promo_code", "Voucher is no longer valid.")
	}

	if len(info.GiftCards) != len(checkout.GiftCardIDs) {
		return domain.NewError(domain.CodeGiftCardNotApplicable, "promo_code", "Gift card is no longer valid.")
	}
	for _, card := range info.GiftCards {
		if !card.UsableAt(now) || card.CurrentBalance.Currency != checkout.Currency {
			return domain.NewError(domain.CodeGiftCardNotApplicable, "promo_code",
				fmt.Sprintf("Gift card %s cannot be used.", maskCode(card.Code)))
		}
	}
	return nil
}

// processPayment authorizes, and when configured captures, the active payment. It returns the
// customer action data instead of an error when the gateway asks for one.
func (s *checkoutService) processPayment(ctx context.Context, checkout Checkout, due Money) (*Payment, map[string]any, error) {
	if !due.IsPositive() {
		return nil, nil, nil
	}
	notPaid := domain.NewError(domain.CodeCheckoutNotFullyPaid, "token", "Provided payment methods can not cover the checkout's total amount.")
	existing, err := s.repos.Payments().ListByCheckout(ctx, checkout.Token)
	if err != nil {
		return nil, nil, mapRepositoryError(err, nil, "token", "Checkout does not exist.")
	}
	var active *Payment
	for i := range existing {
		if existing[i].IsActive {
			active = &existing[i]
		}
	}
	if active == nil || !active.Total.Equal(due) {
		return nil, nil, notPaid
	}
	gateway, err := s.gateways.Gateway(active.GatewayID)
	if err != nil {
		return nil, nil, paymentError("The gateway is not available.", err)
	}

	payment := active.Clone()
	save := func() error {
		if err := s.repos.Payments().Update(ctx, payment); err != nil {
			return fmt.Errorf("checkout service: update payment: %w", err)
		}
		return nil
	}

	if !payment.IsAuthorized() {
		kind := domain.TransactionAuth
		if _, pending := payment.PendingAction(); pending {
			kind = domain.TransactionConfirm
		}
		txn, resp := s.processor.execute(ctx, gateway, &payment, kind, payment.Total, "", checkout.Email)
		if txn.ActionRequired {
			if err := save(); err != nil {
				return nil, nil, err
			}
			return &payment, confirmationData(txn, resp), nil
		}
		if !txn.IsSuccess {
			if err := save(); err != nil {
				return nil, nil, err
			}
			return nil, nil, paymentError(txn.Error, nil)
		}
	}

	if s.settings.AutoCapturePayments && payment.CanCapture() {
		remainder := payment.Total.Sub(payment.CapturedAmount)
		if remainder.IsPositive() {
			txn, _ := s.processor.execute(ctx, gateway, &payment, domain.TransactionCapture, remainder, "", checkout.Email)
			if !txn.IsSuccess {
				if err := save(); err != nil {
					return nil, nil, err
				}
				s.compensate(ctx, payment, checkout.Email)
				return nil, nil, paymentError(txn.Error, nil)
			}
		}
	}
	if err := save(); err != nil {
		return nil, nil, err
	}
	return &payment, nil, nil
}

func confirmationData(txn domain.Transaction, resp GatewayResponse) map[string]any {
	data := mergeResponse(nil, resp.ActionRequiredData)
	data["paymentId"] = txn.PaymentID
	data["transactionId"] = txn.ID
	return data
}

// placeOrder turns the locked checkout into an order within one transaction. When the checkout
// already produced an order it returns that order with duplicate set.
func (s *checkoutService) placeOrder(ctx context.Context, cmd CompleteCheckoutCommand, payment *Payment) (order Order, duplicate bool, err error) {
	token := strings.TrimSpace(cmd.Token)
	err = s.runInTx(ctx, func(ctx context.Context) error {
		existing, found, err := s.existingOrder(ctx, token)
		if err != nil {
			return err
		}
		if found {
			order, duplicate = existing, true
			return nil
		}
		current, err := s.repos.Checkouts().GetForUpdate(ctx, token)
		if err != nil {
			return mapRepositoryError(err, ErrCheckoutNotFound, "token", "Checkout does not exist.")
		}
		checkout := current.Clone()
		if url := strings.TrimSpace(cmd.RedirectURL); url != "" {
			checkout.RedirectURL = url
		}
		if len(cmd.Metadata) > 0 {
			if checkout.Metadata == nil {
				checkout.Metadata = make(map[string]any, len(cmd.Metadata))
			}
			maps.Copy(checkout.Metadata, cmd.Metadata)
		}

		info, sales, err := s.snapshot(ctx, checkout)
		if err != nil {
			return err
		}
		lines, _, shipping, err := basePrices(ctx, s.calc, info, sales)
		if err != nil {
			return err
		}
		discount := domain.ZeroMoney(checkout.Currency)
		if info.Voucher != nil {
			discount, err = s.evaluateVoucher(ctx, *info.Voucher, info, sales)
			if err != nil {
				return err
			}
		}

		number, err := s.repos.Counters().Next(ctx, orderCounterName, 1)
		if err != nil {
			return fmt.Errorf("checkout service: next order number: %w", err)
		}
		status := domain.OrderStatusUnconfirmed
		if s.settings.AutomaticallyConfirmAllNewOrders {
			status = domain.OrderStatusUnfulfilled
		}
		now := s.now()
		placed, err := buildOrder(orderInput{
			ID:       s.newOrderID(),
			Number:   number,
			Status:   status,
			Origin:   domain.OrderOriginCheckout,
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
		if len(info.GiftCards) > 0 {
			placed, err = s.giftCards.ApplyToOrder(ctx, placed, info.GiftCards, checkout.Email)
			if err != nil {
				return err
			}
		}

		var attached *Payment
		if payment != nil {
			p := payment.Clone()
			p.OrderID = placed.ID
			p.ModifiedAt = now
			if err := s.repos.Payments().Update(ctx, p); err != nil {
				return fmt.Errorf("checkout service: attach payment: %w", err)
			}
			placed.TotalCaptured = p.CapturedAmount
			if p.IsAuthorized() {
				placed.TotalAuthorized = p.Total.Sub(p.CapturedAmount).ClampZero()
			}
			attached = &p
		}
		if placed.IsFullyPaid() {
			paidAt := now
			placed.FullyPaidAt = &paidAt
		}
		if err := s.repos.Orders().Insert(ctx, placed); err != nil {
			return fmt.Errorf("checkout service: insert order: %w", err)
		}

		_, err = s.stock.AllocateStocks(ctx, AllocateCommand{
			Lines:             placed.Lines,
			Country:           info.Country(),
			ChannelSlug:       placed.ChannelSlug,
			CollectionPointID: placed.CollectionPointID,
			CheckoutToken:     token,
			CheckReservations: s.reservationDuration(checkout) > 0,
		})
		if err != nil {
			return err
		}
		if err := s.stock.ReleaseReservations(ctx, token, nil); err != nil {
			return err
		}
		if err := s.stock.AllocatePreorders(ctx, placed.Lines, placed.ChannelSlug); err != nil {
			return err
		}

		if voucher := info.Voucher; voucher != nil {
			if err := s.repos.Vouchers().IncrementUsage(ctx, voucher.ID); err != nil {
				if repositories.IsConflict(err) {
					return domain.WrapError(domain.CodeVoucherNotApplicable, "promo_code", "Voucher has reached its usage limit.", err)
				}
				return fmt.Errorf("checkout service: voucher usage: %w", err)
			}
			if voucher.ApplyOncePerCustomer {
				err := s.repos.Vouchers().AddCustomer(ctx, domain.VoucherCustomer{VoucherID: voucher.ID, Email: checkout.Email})
				if err != nil {
					return fmt.Errorf("checkout service: voucher customer: %w", err)
				}
			}
		}

		if err := s.repos.Orders().AppendEvents(ctx, s.placementEvents(ctx, placed, attached, now)...); err != nil {
			return fmt.Errorf("checkout service: append events: %w", err)
		}
		if err := s.repos.Checkouts().Delete(ctx, token); err != nil {
			return fmt.Errorf("checkout service: delete checkout: %w", err)
		}

		messages := []outboundMessage{
			notification(domain.NotifyOrderConfirmation, orderPayload(placed)),
			webhook(domain.WebhookOrderCreated, orderPayload(placed)),
		}
		if placed.TotalCaptured.IsPositive() {
			messages = append(messages, notification(domain.NotifyPaymentConfirmation, orderPayload(placed)))
		}
		if placed.FullyPaidAt != nil {
			messages = append(messages, webhook(domain.WebhookOrderFullyPaid, orderPayload(placed)))
		}
		s.dispatch.afterCommit(ctx, messages...)
		order = placed
		return nil
	})
	if err != nil {
		return Order{}, false, err
	}
	return order, duplicate, nil
}

// placementEvents records the placement history. Every event shares the placement time.
func (s *checkoutService) placementEvents(ctx context.Context, order Order, payment *Payment, at time.Time) []OrderEvent {
	actor := requestctx.Actor(ctx)
	events := []OrderEvent{domain.NewOrderEvent(s.newID(), order.ID, at, actor, domain.PlacedPayload{})}
	if payment != nil {
		data := domain.PaymentEventData{
			PaymentID:            payment.ID,
			Gateway:              payment.GatewayID,
			TransactionReference: payment.PSPReference,
		}
		if payment.CapturedAmount.IsPositive() {
			data.Amount = payment.CapturedAmount
			events = append(events, domain.NewOrderEvent(s.newID(), order.ID, at, actor, domain.PaymentCapturedPayload(data)))
		} else if payment.IsAuthorized() {
			data.Amount = payment.Total
			events = append(events, domain.NewOrderEvent(s.newID(), order.ID, at, actor, domain.PaymentAuthorizedPayload(data)))
		}
	}
	if order.FullyPaidAt != nil {
		events = append(events, domain.NewOrderEvent(s.newID(), order.ID, at, actor, domain.FullyPaidPayload{}))
	}
	if order.UserEmail != "" {
		events = append(events, domain.NewOrderEvent(s.newID(), order.ID, at, actor, domain.EmailSentPayload{
			EmailType: domain.EmailTypeOrderConfirmation,
			Email:     order.UserEmail,
		}))
		if order.TotalCaptured.IsPositive() {
			events = append(events, domain.NewOrderEvent(s.newID(), order.ID, at, actor, domain.EmailSentPayload{
				EmailType: domain.EmailTypePaymentConfirmation,
				Email:     order.UserEmail,
			}))
		}
	}
	return events
}

// compensate gives the money back when an order could not be placed after payment.
func (s *checkoutService) compensate(ctx context.Context, payment Payment, email string) {
	ctx = context.WithoutCancel(ctx)
	gateway, err := s.gateways.Gateway(payment.GatewayID)
	if err != nil {
		s.logger(ctx, "checkout.compensation.failed", map[string]any{"paymentId": payment.ID, "error": err.Error()})
		return
	}
	var kind domain.TransactionKind
	amount := payment.Total
	switch {
	case payment.CanRefund():
		kind = domain.TransactionRefund
		amount = payment.CapturedAmount
	case payment.CanVoid():
		kind = domain.TransactionVoid
	default:
		return
	}
	txn, _ := s.processor.execute(ctx, gateway, &payment, kind, amount, "", email)
	if err := s.repos.Payments().Update(ctx, payment); err != nil {
		s.logger(ctx, "checkout.compensation.failed", map[string]any{"paymentId": payment.ID, "error": err.Error()})
		return
	}
	s.logger(ctx, "checkout.compensated", map[string]any{
		"paymentId": payment.ID,
		"kind":      string(kind),
		"success":   txn.IsSuccess,
	})
}

func (s *checkoutService) newOrderID() string {
	if s.newToken != nil {
		return s.newToken()
	}
	return uuid.NewString()
}

func lineQuantities(info CheckoutInfo) ([]domain.ProductVariant, []int) {
	totals := info.Checkout.QuantityByVariant()
	var variants []domain.ProductVariant
	var quantities []int
	for _, line := range info.Lines {
		qty, ok := totals[line.Variant.ID]
		if !ok {
			continue
		}
		variants = append(variants, line.Variant)
		quantities = append(quantities, qty)
		delete(totals, line.Variant.ID)
	}
	return variants, quantities
}

func maskCode(code string) string {
	if len(code) <= 4 {
		return code
	}
	return strings.Repeat("*", len(code)-4) + code[len(code)-4:]
}
