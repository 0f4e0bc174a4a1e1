package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
	"github.com/i-super/Saleor-sub000/internal/platform/idempotency"
)

const (
	// ManualGatewayID identifies payments recorded by MarkAsPaid.
	ManualGatewayID = "manual"
	// paymentLockTTL is the minimum lifetime of a payment lock.
	paymentLockTTL = time.Minute
)

// paymentOutcome is the result of one gateway call against an order payment.
type paymentOutcome struct {
	payment Payment
	kind    domain.TransactionKind
	amount  Money
	txn     domain.Transaction
}

func (o paymentOutcome) eventData() domain.PaymentEventData {
	reference := o.txn.Token
	if reference == "" {
		reference = o.payment.PSPReference
	}
	return domain.PaymentEventData{
		PaymentID:            o.payment.ID,
		Gateway:              o.payment.GatewayID,
		TransactionReference: reference,
		Amount:               o.amount,
	}
}

func (o paymentOutcome) failedPayload() domain.PaymentFailedPayload {
	return domain.PaymentFailedPayload{
		PaymentID: o.payment.ID,
		Gateway:   o.payment.GatewayID,
		Kind:      o.kind,
		Amount:    o.amount,
		Message:   o.txn.Error,
	}
}

// AuthorizePayment authorizes the payment for the requested amount, or its total.
func (s *orderService) AuthorizePayment(ctx context.Context, cmd PaymentCommand) (Order, error) {
	return s.runPayment(ctx, cmd, domain.TransactionAuth,
		func(p Payment, requested *Money) (Money, error) {
			if p.IsAuthorized() {
				return Money{}, domain.NewError(domain.CodeInvalid, "payment", "Payment is already authorized.")
			}
			return requestedOr(requested, p.Total), nil
		},
		func(order *Order, outcome paymentOutcome, rec *orderRecorder) {
			order.TotalAuthorized = order.TotalAuthorized.Add(outcome.amount)
			rec.event(domain.PaymentAuthorizedPayload(outcome.eventData()))
		})
}

// CapturePayment captures the requested amount, or everything not captured yet.
func (s *orderService) CapturePayment(ctx context.Context, cmd PaymentCommand) (Order, error) {
	return s.runPayment(ctx, cmd, domain.TransactionCapture,
		func(p Payment, requested *Money) (Money, error) {
			if !p.CanCapture() {
				return Money{}, domain.NewError(domain.CodeInvalid, "payment", "Payment cannot be captured.")
			}
			remaining := p.Total.Sub(p.CapturedAmount)
			amount := requestedOr(requested, remaining)
			if !amount.IsPositive() || amount.GreaterThan(remaining) {
				return Money{}, domain.NewError(domain.CodeInvalid, "amount",
					fmt.Sprintf("Unable to capture more than %s.", remaining.Amount.StringFixed(domain.CurrencyPrecision(remaining.Currency))))
			}
			return amount, nil
		},
		s.applyCapture)
}

// VoidPayment releases an authorization that captured nothing.
func (s *orderService) VoidPayment(ctx context.Context, cmd PaymentCommand) (Order, error) {
	return s.runPayment(ctx, cmd, domain.TransactionVoid,
		func(p Payment, _ *Money) (Money, error) {
			if !p.CanVoid() {
				return Money{}, domain.NewError(domain.CodeInvalid, "payment", "Only pre-authorized payments can be voided.")
			}
			return p.Total, nil
		},
		func(order *Order, outcome paymentOutcome, rec *orderRecorder) {
			order.TotalAuthorized = order.TotalAuthorized.Sub(outcome.amount).ClampZero()
			rec.event(domain.PaymentVoidedPayload(outcome.eventData()))
		})
}

// RefundPayment refunds the requested amount, or everything captured.
func (s *orderService) RefundPayment(ctx context.Context, cmd PaymentCommand) (Order, error) {
	return s.runPayment(ctx, cmd, domain.TransactionRefund,
		func(p Payment, requested *Money) (Money, error) {
			if !p.CanRefund() {
				return Money{}, domain.NewError(domain.CodeInvalid, "payment", "Payment cannot be refunded.")
			}
			amount := requestedOr(requested, p.CapturedAmount)
			if !amount.IsPositive() || amount.GreaterThan(p.CapturedAmount) {
				return Money{}, domain.NewError(domain.CodeInvalid, "amount",
					fmt.Sprintf("Unable to refund more than %s.", p.CapturedAmount.Amount.StringFixed(domain.CurrencyPrecision(p.CapturedAmount.Currency))))
			}
			return amount, nil
		},
		s.applyRefund)
}

// ConfirmPayment completes a customer action requested by the gateway.
func (s *orderService) ConfirmPayment(ctx context.Context, cmd PaymentCommand) (Order, error) {
	return s.runPayment(ctx, cmd, domain.TransactionConfirm,
		func(p Payment, _ *Money) (Money, error) {
			if _, pending := p.PendingAction(); !pending {
				return Money{}, domain.NewError(domain.CodeInvalid, "payment", "Payment does not require confirmation.")
			}
			return p.Total, nil
		},
		func(order *Order, outcome paymentOutcome, rec *orderRecorder) {
			order.TotalAuthorized = order.TotalAuthorized.Add(outcome.amount)
			rec.event(domain.PaymentAuthorizedPayload(outcome.eventData()))
		})
}

// MarkAsPaid records a manual capture of the outstanding amount.
func (s *orderService) MarkAsPaid(ctx context.Context, orderID, pspReference string) (Order, error) {
	return s.update(ctx, orderID, "order.MarkAsPaid", func(ctx context.Context, order *Order, rec *orderRecorder) error {
		if order.Status == domain.OrderStatusDraft || order.Status == domain.OrderStatusCanceled {
			return domain.NewError(domain.CodeInvalidTransition, "status",
				fmt.Sprintf("Cannot mark a %s order as paid.", order.Status))
		}
		amount := order.Total.Gross.Sub(order.TotalCaptured)
		if !amount.IsPositive() {
			return domain.NewError(domain.CodeInvalid, "id", "Order is already paid.")
		}
		reference := strings.TrimSpace(pspReference)
		payment := Payment{
			ID:             s.newID(),
			GatewayID:      ManualGatewayID,
			IsActive:       true,
			OrderID:        order.ID,
			Total:          amount,
			CapturedAmount: amount,
			ChargeStatus:   domain.ChargeFullyCharged,
			BillingEmail:   order.UserEmail,
			PSPReference:   reference,
			CreatedAt:      rec.at,
			ModifiedAt:     rec.at,
		}
		txn := domain.Transaction{
			ID:        s.newID(),
			PaymentID: payment.ID,
			Kind:      domain.TransactionCapture,
			IsSuccess: true,
			Amount:    amount,
			Token:     reference,
			CreatedAt: rec.at,
		}
		payment.Transactions = []domain.Transaction{txn}
		if err := s.repos.Payments().Insert(ctx, payment); err != nil {
			return fmt.Errorf("order service: insert payment: %w", err)
		}
		s.metrics.PaymentTransaction(string(domain.TransactionCapture), true)
		outcome := paymentOutcome{payment: payment, kind: txn.Kind, amount: amount, txn: txn}
		order.TotalCaptured = order.TotalCaptured.Add(amount)
		order.TotalAuthorized = order.TotalAuthorized.Sub(amount).ClampZero()
		rec.event(domain.MarkedAsPaidPayload(outcome.eventData()))
		markFullyPaid(order, rec)
		return nil
	})
}

func (s *orderService) applyCapture(order *Order, outcome paymentOutcome, rec *orderRecorder) {
	order.TotalCaptured = order.TotalCaptured.Add(outcome.amount)
	order.TotalAuthorized = order.TotalAuthorized.Sub(outcome.amount).ClampZero()
	rec.event(domain.PaymentCapturedPayload(outcome.eventData()))
	if order.UserEmail != "" {
		rec.event(domain.EmailSentPayload{EmailType: domain.EmailTypePaymentConfirmation, Email: order.UserEmail})
		rec.notify(domain.NotifyPaymentConfirmation)
	}
	markFullyPaid(order, rec)
}

func (s *orderService) applyRefund(order *Order, outcome paymentOutcome, rec *orderRecorder) {
	order.TotalRefunded = order.TotalRefunded.Add(outcome.amount)
	rec.event(domain.PaymentRefundedPayload(outcome.eventData()))
	if order.UserEmail != "" {
		rec.notify(domain.NotifyOrderRefundConfirmation)
	}
}

// markFullyPaid records the first moment captured money covers the order total.
func markFullyPaid(order *Order, rec *orderRecorder) {
	if order.FullyPaidAt != nil || !order.IsFullyPaid() {
		return
	}
	paidAt := rec.at
	order.FullyPaidAt = &paidAt
	rec.event(domain.FullyPaidPayload{})
	rec.webhook(domain.WebhookOrderFullyPaid)
}

// runPayment performs one gateway call for an order payment. The call happens outside the order
// transaction while the payment lock is held; its outcome is recorded afterwards. A failed call
// records the failed transaction and a PAYMENT_FAILED event and leaves the order totals untouched.
func (s *orderService) runPayment(
	ctx context.Context,
	cmd PaymentCommand,
	kind domain.TransactionKind,
	amountFor func(p Payment, requested *Money) (Money, error),
	apply func(order *Order, outcome paymentOutcome, rec *orderRecorder),
) (Order, error) {
	order, err := s.GetOrder(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	if err := paymentAllowed(order.Status, kind); err != nil {
		return Order{}, err
	}
	payment, err := s.resolvePayment(ctx, order.ID, cmd.PaymentID)
	if err != nil {
		return Order{}, err
	}
	release, err := s.lockPayment(ctx, payment.ID)
	if err != nil {
		return Order{}, err
	}
	defer release()

	// Re-read under the lock; a concurrent holder may have moved the payment.
	if payment, err = s.repos.Payments().Get(ctx, payment.ID); err != nil {
		return Order{}, mapRepositoryError(err, ErrPaymentNotFound, "payment", "Payment does not exist.")
	}
	amount, err := amountFor(payment, cmd.Amount)
	if err != nil {
		return Order{}, err
	}
	if amount.Currency != payment.Total.Currency {
		return Order{}, domain.NewError(domain.CodeInvalid, "amount", "Amount currency does not match the payment.")
	}
	gateway, err := s.gateways.Gateway(payment.GatewayID)
	if err != nil {
		return Order{}, paymentError("The gateway is not available.", err)
	}

	updated := payment.Clone()
	txn, _ := s.processor.execute(ctx, gateway, &updated, kind, amount, order.ID, order.UserEmail)
	outcome := paymentOutcome{payment: updated, kind: kind, amount: amount, txn: txn}

	result, err := s.update(ctx, order.ID, "order.payment."+string(kind), func(ctx context.Context, order *Order, rec *orderRecorder) error {
		if err := s.savePayment(ctx, payment, updated); err != nil {
			return err
		}
		switch {
		case txn.IsSuccess:
			apply(order, outcome, rec)
		case !txn.ActionRequired:
			rec.event(outcome.failedPayload())
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	switch {
	case txn.ActionRequired:
		return Order{}, domain.NewError(domain.CodePaymentError, "payment", "The payment requires additional action.")
	case !txn.IsSuccess:
		return Order{}, paymentError(txn.Error, nil)
	}
	return result, nil
}

// lockPayment holds the payment lock until the returned func runs.
func (s *orderService) lockPayment(ctx context.Context, paymentID string) (func(), error) {
	ttl := max(paymentLockTTL, 2*s.settings.CallTimeout())
	release, err := s.locker.Acquire(ctx, "payment:"+paymentID, ttl)
	if err != nil {
		if errors.Is(err, idempotency.ErrLockNotAcquired) {
			return nil, paymentError("Another operation on this payment is in progress.", err)
		}
		return nil, fmt.Errorf("order service: acquire payment lock: %w", err)
	}
	return func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger(ctx, "order.payment.lock_release_failed", map[string]any{"payment_id": paymentID, "error": err.Error()})
		}
	}, nil
}

// savePayment stores updated, the result of a gateway call made against before. The stored row is
// read under a row lock and must still match before; otherwise the outcome is rejected.
func (s *orderService) savePayment(ctx context.Context, before, updated Payment) error {
	current, err := s.repos.Payments().GetForUpdate(ctx, before.ID)
	if err != nil {
		return mapRepositoryError(err, ErrPaymentNotFound, "payment", "Payment does not exist.")
	}
	if paymentMoved(before, current) {
		s.logger(ctx, "order.payment.stale", map[string]any{
			"payment_id":    before.ID,
			"charge_status": string(current.ChargeStatus),
			"transactions":  len(updated.Transactions),
		})
		return domain.NewError(domain.CodeInvalid, "payment", "Payment changed during the gateway call.")
	}
	if err := s.repos.Payments().Update(ctx, updated); err != nil {
		return fmt.Errorf("order service: update payment: %w", err)
	}
	return nil
}

func paymentMoved(before, current Payment) bool {
	return current.ChargeStatus != before.ChargeStatus ||
		!current.CapturedAmount.Equal(before.CapturedAmount) ||
		len(current.Transactions) != len(before.Transactions)
}

func paymentAllowed(status domain.OrderStatus, kind domain.TransactionKind) error {
	switch status {
	case domain.OrderStatusDraft:
		return domain.NewError(domain.CodeInvalidTransition, "status", "Draft orders have no payments.")
	case domain.OrderStatusCanceled:
		if kind != domain.TransactionVoid && kind != domain.TransactionRefund {
			return domain.NewError(domain.CodeInvalidTransition, "status",
				fmt.Sprintf("Cannot %s a payment of a canceled order.", kind))
		}
	}
	return nil
}

// resolvePayment returns the named payment of the order, or its latest active payment.
func (s *orderService) resolvePayment(ctx context.Context, orderID, paymentID string) (Payment, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID != "" {
		payment, err := s.repos.Payments().Get(ctx, paymentID)
		if err != nil {
			return Payment{}, mapRepositoryError(err, ErrPaymentNotFound, "payment", "Payment does not exist.")
		}
		if payment.OrderID != orderID {
			return Payment{}, domain.WrapError(domain.CodeNotFound, "payment", "Payment does not belong to the order.", ErrPaymentNotFound)
		}
		return payment, nil
	}
	payments, err := s.repos.Payments().ListByOrder(ctx, orderID)
	if err != nil {
		return Payment{}, mapRepositoryError(err, ErrPaymentNotFound, "payment", "Payment does not exist.")
	}
	for i := len(payments) - 1; i >= 0; i-- {
		if payments[i].IsActive {
			return payments[i], nil
		}
	}
	return Payment{}, domain.WrapError(domain.CodeNotFound, "payment", "Order has no active payment.", ErrPaymentNotFound)
}

// voidOrderPayments voids every payment of the order that can still be voided.
func (s *orderService) voidOrderPayments(ctx context.Context, order Order) (voided, failed []paymentOutcome, err error) {
	payments, err := s.repos.Payments().ListByOrder(ctx, order.ID)
	if err != nil {
		return nil, nil, mapRepositoryError(err, ErrPaymentNotFound, "payment", "Payment does not exist.")
	}
	for _, payment := range payments {
		if !payment.CanVoid() {
			continue
		}
		outcome, ok, err := s.voidPayment(ctx, order, payment.ID)
		if err != nil {
			return nil, nil, err
		}
		switch {
		case !ok:
		case outcome.txn.IsSuccess:
			voided = append(voided, outcome)
		default:
			failed = append(failed, outcome)
		}
	}
	return voided, failed, nil
}

// voidPayment voids one payment under its lock. ok is false when the payment stopped being
// voidable while the lock was awaited.
func (s *orderService) voidPayment(ctx context.Context, order Order, paymentID string) (paymentOutcome, bool, error) {
	release, err := s.lockPayment(ctx, paymentID)
	if err != nil {
		return paymentOutcome{}, false, err
	}
	defer release()

	payment, err := s.repos.Payments().Get(ctx, paymentID)
	if err != nil {
		return paymentOutcome{}, false, mapRepositoryError(err, ErrPaymentNotFound, "payment", "Payment does not exist.")
	}
	if !payment.CanVoid() {
		return paymentOutcome{}, false, nil
	}
	gateway, err := s.gateways.Gateway(payment.GatewayID)
	if err != nil {
		return paymentOutcome{}, false, paymentError("The gateway is not available.", err)
	}
	updated := payment.Clone()
	txn, _ := s.processor.execute(ctx, gateway, &updated, domain.TransactionVoid, updated.Total.Sub(updated.CapturedAmount), order.ID, order.UserEmail)
	if err := s.repos.RunInTx(ctx, func(ctx context.Context) error {
		return s.savePayment(ctx, payment, updated)
	}); err != nil {
		return paymentOutcome{}, false, err
	}
	return paymentOutcome{payment: updated, kind: domain.TransactionVoid, amount: txn.Amount, txn: txn}, true, nil
}

func requestedOr(requested *Money, fallback Money) Money {
	if requested == nil {
		return fallback
	}
	return *requested
}
