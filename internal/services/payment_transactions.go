package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
	"github.com/i-super/Saleor-sub000/internal/payments"
	"github.com/i-super/Saleor-sub000/internal/platform/observability"
)

// gatewayCall runs one gateway operation under the external call deadline and turns the
// outcome into a transaction. Transport errors and timeouts become failed transactions too.
func gatewayCall(ctx context.Context, timeout time.Duration, gateway PaymentGateway, kind domain.TransactionKind, data payments.PaymentData) (GatewayResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		resp GatewayResponse
		err  error
	)
	switch kind {
	case domain.TransactionAuth:
		resp, err = gateway.Authorize(callCtx, data)
	case domain.TransactionCapture:
		resp, err = gateway.Capture(callCtx, data)
	case domain.TransactionVoid:
		resp, err = gateway.Void(callCtx, data)
	case domain.TransactionRefund:
		resp, err = gateway.Refund(callCtx, data)
	case domain.TransactionConfirm:
		resp, err = gateway.Confirm(callCtx, data)
	default:
		return GatewayResponse{}, fmt.Errorf("payments: unsupported transaction kind %q", kind)
	}
	if err == nil && resp.Kind == "" {
		resp.Kind = kind
	}
	return resp, err
}

// newTransaction records a gateway response, or the error that prevented one.
func newTransaction(id string, payment Payment, kind domain.TransactionKind, amount Money, resp GatewayResponse, callErr error, at time.Time) domain.Transaction {
	txn := domain.Transaction{
		ID:              id,
		PaymentID:       payment.ID,
		Kind:            kind,
		Amount:          amount,
		Token:           resp.TransactionID,
		CustomerID:      resp.CustomerID,
		GatewayResponse: resp.RawResponse,
		CreatedAt:       at,
	}
	switch {
	case callErr != nil:
		txn.Error = callErr.Error()
		if errors.Is(callErr, context.DeadlineExceeded) {
			txn.Error = "gateway timeout: " + callErr.Error()
		}
	case resp.ActionRequired:
		txn.ActionRequired = true
		txn.GatewayResponse = mergeResponse(resp.RawResponse, resp.ActionRequiredData)
	default:
		txn.IsSuccess = resp.IsSuccess
		txn.Error = resp.Error
	}
	return txn
}

func mergeResponse(raw, action map[string]any) map[string]any {
	out := make(map[string]any, len(raw)+len(action))
	for k, v := range raw {
		out[k] = v
	}
	for k, v := range action {
		out[k] = v
	}
	return out
}

// applyTransaction appends txn to the payment and moves its charge state.
func applyTransaction(payment *Payment, txn domain.Transaction, resp GatewayResponse) {
	payment.Transactions = append(payment.Transactions, txn)
	payment.ModifiedAt = txn.CreatedAt
	if resp.PSPReference != "" && (txn.IsSuccess || txn.ActionRequired) {
		payment.PSPReference = resp.PSPReference
	}
	if !txn.IsSuccess {
		return
	}
	if card := resp.Card; card != nil {
		payment.CCBrand = card.Brand
		payment.CCLastDigits = card.Last4
		payment.CCExpMonth = card.ExpMonth
		payment.CCExpYear = card.ExpYear
	}
	if payment.CapturedAmount.Currency == "" {
		payment.CapturedAmount = domain.ZeroMoney(payment.Total.Currency)
	}
	switch txn.Kind {
	case domain.TransactionCapture:
		payment.CapturedAmount = payment.CapturedAmount.Add(txn.Amount)
		if payment.CapturedAmount.LessThan(payment.Total) {
			payment.ChargeStatus = domain.ChargePartiallyCharged
		} else {
			payment.ChargeStatus = domain.ChargeFullyCharged
		}
	case domain.TransactionRefund:
		payment.CapturedAmount = payment.CapturedAmount.Sub(txn.Amount).ClampZero()
		if payment.CapturedAmount.IsPositive() {
			payment.ChargeStatus = domain.ChargePartiallyRefunded
		} else {
			payment.ChargeStatus = domain.ChargeFullyRefunded
		}
	case domain.TransactionVoid:
		payment.ChargeStatus = domain.ChargeCancelled
		payment.IsActive = false
	}
}

func paymentData(payment Payment, amount Money, orderID, email string) payments.PaymentData {
	return payments.PaymentData{
		PaymentID:      payment.ID,
		Token:          payment.Token,
		Amount:         amount,
		CustomerID:     payment.CustomerID,
		CustomerEmail:  email,
		OrderID:        orderID,
		CheckoutToken:  payment.CheckoutToken,
		ReturnURL:      payment.ReturnURL,
		PSPReference:   payment.PSPReference,
		IdempotencyKey: payment.ID + ":" + fmt.Sprint(len(payment.Transactions)),
	}
}

func paymentError(message string, cause error) error {
	if message == "" {
		message = "Payment failed."
	}
	return domain.WrapError(domain.CodePaymentError, "payment", message, cause)
}

// paymentProcessor runs gateway operations against a payment and records their outcome on it.
type paymentProcessor struct {
	timeout time.Duration
	metrics Metrics
	newID   func() string
	now     func() time.Time
	logger  func(context.Context, string, map[string]any)
}

// execute calls the gateway and appends the resulting transaction to payment. The caller
// persists the payment.
func (p paymentProcessor) execute(ctx context.Context, gateway PaymentGateway, payment *Payment, kind domain.TransactionKind, amount Money, orderID, email string) (txn domain.Transaction, resp GatewayResponse) {
	ctx, span := observability.StartSpan(ctx, "payments."+string(kind),
		attribute.String("gateway", payment.GatewayID),
		attribute.String("payment.id", payment.ID),
	)
	var callErr error
	defer func() { observability.EndSpan(span, callErr) }()

	resp, callErr = gatewayCall(ctx, p.timeout, gateway, kind, paymentData(*payment, amount, orderID, email))
	txn = newTransaction(p.newID(), *payment, kind, amount, resp, callErr, p.now())
	applyTransaction(payment, txn, resp)
	p.metrics.PaymentTransaction(string(kind), txn.IsSuccess)
	if callErr != nil {
		p.logger(ctx, "payments.gateway.failed", map[string]any{
			"paymentId": payment.ID,
			"gateway":   payment.GatewayID,
			"kind":      string(kind),
			"error":     callErr.Error(),
		})
	}
	return txn, resp
}
