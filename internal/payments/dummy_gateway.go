package payments

import (
	"context"
	"errors"
	"strings"

	"github.com/oklog/ulid/v2"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
)

// DummyGatewayID is the identifier under which the dummy gateway registers.
const DummyGatewayID = "dummy"

// Tokens understood by the dummy gateway. Any other token succeeds.
const (
	DummyTokenDeclined        = "declined"
	DummyTokenActionRequired  = "requires-action"
	DummyTokenCaptureDeclined = "capture-declined"
	DummyTokenGatewayError    = "gateway-error"
)

// ErrDummyGateway is returned for the gateway-error token.
var ErrDummyGateway = errors.New("dummy: gateway unavailable")

// DummyGateway simulates a card processor for local runs and tests.
type DummyGateway struct {
	currencies []string
	logger     Logger
}

// NewDummyGateway builds a dummy gateway accepting the given currencies (any when empty).
func NewDummyGateway(currencies []string, logger Logger) *DummyGateway {
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	normalized := make([]string, 0, len(currencies))
	for _, code := range currencies {
		if code = strings.ToUpper(strings.TrimSpace(code)); code != "" {
			normalized = append(normalized, code)
		}
	}
	return &DummyGateway{currencies: normalized, logger: logger}
}

func (g *DummyGateway) ID() string                    { return DummyGatewayID }
func (g *DummyGateway) SupportedCurrencies() []string { return append([]string(nil), g.currencies...) }

func (g *DummyGateway) Authorize(ctx context.Context, data PaymentData) (GatewayResponse, error) {
	if err := ctx.Err(); err != nil {
		return GatewayResponse{}, err
	}
	switch strings.TrimSpace(data.Token) {
	case DummyTokenGatewayError:
		return GatewayResponse{}, ErrDummyGateway
	case DummyTokenDeclined:
		return g.respond(ctx, domain.TransactionAuth, data, "", "Card declined."), nil
	case DummyTokenActionRequired:
		resp := g.respond(ctx, domain.TransactionAuth, data, "dummy_"+ulid.Make().String(), "")
		resp.IsSuccess = false
		resp.ActionRequired = true
		resp.ActionRequiredData = map[string]any{
			"type":         "redirect_to_url",
			"redirect_url": "https://dummy.example/3ds/" + resp.PSPReference,
		}
		return resp, nil
	}
	return g.respond(ctx, domain.TransactionAuth, data, "dummy_"+ulid.Make().String(), ""), nil
}

func (g *DummyGateway) Capture(ctx context.Context, data PaymentData) (GatewayResponse, error) {
	if err := ctx.Err(); err != nil {
		return GatewayResponse{}, err
	}
	if strings.TrimSpace(data.Token) == DummyTokenCaptureDeclined {
		return g.respond(ctx, domain.TransactionCapture, data, data.PSPReference, "Capture declined."), nil
	}
	return g.respond(ctx, domain.TransactionCapture, data, data.PSPReference, ""), nil
}

func (g *DummyGateway) Void(ctx context.Context, data PaymentData) (GatewayResponse, error) {
	if err := ctx.Err(); err != nil {
		return GatewayResponse{}, err
	}
	return g.respond(ctx, domain.TransactionVoid, data, data.PSPReference, ""), nil
}

func (g *DummyGateway) Refund(ctx context.Context, data PaymentData) (GatewayResponse, error) {
	if err := ctx.Err(); err != nil {
		return GatewayResponse{}, err
	}
	return g.respond(ctx, domain.TransactionRefund, data, data.PSPReference, ""), nil
}

// Confirm completes a payment that required customer action.
func (g *DummyGateway) Confirm(ctx context.Context, data PaymentData) (GatewayResponse, error) {
	if err := ctx.Err(); err != nil {
		return GatewayResponse{}, err
	}
	if strings.TrimSpace(data.Token) == DummyTokenDeclined {
		return g.respond(ctx, domain.TransactionConfirm, data, data.PSPReference, "Card declined."), nil
	}
	return g.respond(ctx, domain.TransactionConfirm, data, data.PSPReference, ""), nil
}

func (g *DummyGateway) ListPaymentSources(_ context.Context, customerID string) ([]PaymentSource, error) {
	if strings.TrimSpace(customerID) == "" {
		return nil, nil
	}
	return []PaymentSource{{
		Gateway:         DummyGatewayID,
		PaymentMethodID: "dummy_pm_" + customerID,
		Card:            CardInfo{Brand: "visa", Last4: "4242", ExpMonth: 12, ExpYear: 2030},
	}}, nil
}

func (g *DummyGateway) respond(ctx context.Context, kind domain.TransactionKind, data PaymentData, reference, failure string) GatewayResponse {
	resp := GatewayResponse{
		IsSuccess:     failure == "",
		Kind:          kind,
		Amount:        data.Amount,
		Currency:      data.Amount.Currency,
		TransactionID: "txn_" + ulid.Make().String(),
		PSPReference:  reference,
		Error:         failure,
		CustomerID:    data.CustomerID,
		Card:          &CardInfo{Brand: "visa", Last4: "4242", ExpMonth: 12, ExpYear: 2030},
		RawResponse:   map[string]any{"token": data.Token},
	}
	g.logger(ctx, "payments.dummy."+string(kind), map[string]any{
		"paymentId": data.PaymentID,
		"amount":    data.Amount.String(),
		"success":   resp.IsSuccess,
	})
	return resp
}
