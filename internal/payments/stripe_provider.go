package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/paymentmethod"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
	"github.com/i-super/Saleor-sub000/internal/platform/textutil"
)

// StripeGatewayID is the identifier under which the Stripe gateway registers.
const StripeGatewayID = "stripe"

// Logger defines the logging contract for gateway operations.
type Logger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Confirm(id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error)
	Capture(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripePaymentMethodAPI interface {
	List(params *stripe.PaymentMethodListParams) *paymentmethod.Iter
}

type stripeClients struct {
	intents        stripePaymentIntentAPI
	refunds        stripeRefundAPI
	paymentMethods stripePaymentMethodAPI
}

// StripeGatewayConfig configures the StripeGateway.
type StripeGatewayConfig struct {
	APIKey     string
	AccountID  string
	Currencies []string
	Backends   *stripe.Backends
	Logger     Logger
	Clients    *stripeClients
}

// StripeGateway authorizes with manually captured Payment Intents so capture, void and refund
// map onto the order payment operations.
type StripeGateway struct {
	api        stripeClients
	account    string
	currencies []string
	logger     Logger
}

// NewStripeGateway constructs a Stripe gateway using the given configuration.
func NewStripeGateway(cfg StripeGatewayConfig) (*StripeGateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			intents:        sc.PaymentIntents,
			refunds:        sc.Refunds,
			paymentMethods: sc.PaymentMethods,
		}
	}
	if clients.intents == nil || clients.refunds == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	currencies := make([]string, 0, len(cfg.Currencies))
	for _, code := range cfg.Currencies {
		if code = strings.ToUpper(strings.TrimSpace(code)); code != "" {
			currencies = append(currencies, code)
		}
	}

	return &StripeGateway{
		api:        clients,
		account:    strings.TrimSpace(cfg.AccountID),
		currencies: currencies,
		logger:     logger,
	}, nil
}

func (g *StripeGateway) ID() string                    { return StripeGatewayID }
func (g *StripeGateway) SupportedCurrencies() []string { return append([]string(nil), g.currencies...) }

// Authorize creates and confirms a Payment Intent with manual capture.
func (g *StripeGateway) Authorize(ctx context.Context, data PaymentData) (GatewayResponse, error) {
	if g == nil {
		return GatewayResponse{}, errors.New("stripe: gateway is nil")
	}
	if strings.TrimSpace(data.Token) == "" {
		return GatewayResponse{}, errors.New("stripe: payment method token is required")
	}
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(toMinorUnits(data.Amount)),
		Currency:      stripe.String(strings.ToLower(data.Amount.Currency)),
		PaymentMethod: stripe.String(data.Token),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Confirm:       stripe.Bool(true),
	}
	g.prepare(ctx, &params.Params, data.IdempotencyKey)
	if data.CustomerID != "" {
		params.Customer = stripe.String(data.CustomerID)
	}
	if data.ReturnURL != "" {
		params.ReturnURL = stripe.String(data.ReturnURL)
	}
	params.Metadata = stripeMetadata(data)

	intent, err := g.api.intents.New(params)
	if err != nil {
		return g.declined(domain.TransactionAuth, data, err)
	}
	g.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"paymentIntent": intent.ID,
		"status":        intent.Status,
		"paymentId":     data.PaymentID,
	})
	return intentResponse(domain.TransactionAuth, data, intent), nil
}

// Capture captures a previously authorized Payment Intent.
func (g *StripeGateway) Capture(ctx context.Context, data PaymentData) (GatewayResponse, error) {
	if g == nil {
		return GatewayResponse{}, errors.New("stripe: gateway is nil")
	}
	params := &stripe.PaymentIntentCaptureParams{}
	g.prepare(ctx, &params.Params, data.IdempotencyKey)
	if !data.Amount.IsZero() {
		params.AmountToCapture = stripe.Int64(toMinorUnits(data.Amount))
	}
	intent, err := g.api.intents.Capture(data.PSPReference, params)
	if err != nil {
		return g.declined(domain.TransactionCapture, data, err)
	}
	g.logger(ctx, "payments.stripe.intent.captured", map[string]any{
		"paymentIntent":  intent.ID,
		"amountReceived": intent.AmountReceived,
	})
	return intentResponse(domain.TransactionCapture, data, intent), nil
}

// Void cancels an uncaptured Payment Intent.
func (g *StripeGateway) Void(ctx context.Context, data PaymentData) (GatewayResponse, error) {
	if g == nil {
		return GatewayResponse{}, errors.New("stripe: gateway is nil")
	}
	params := &stripe.PaymentIntentCancelParams{}
	g.prepare(ctx, &params.Params, data.IdempotencyKey)
	intent, err := g.api.intents.Cancel(data.PSPReference, params)
	if err != nil {
		return g.declined(domain.TransactionVoid, data, err)
	}
	g.logger(ctx, "payments.stripe.intent.canceled", map[string]any{
		"paymentIntent": intent.ID,
	})
	return intentResponse(domain.TransactionVoid, data, intent), nil
}

// Refund refunds captured funds of the Payment Intent.
func (g *StripeGateway) Refund(ctx context.Context, data PaymentData) (GatewayResponse, error) {
	if g == nil {
		return GatewayResponse{}, errors.New("stripe: gateway is nil")
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(data.PSPReference),
	}
	g.prepare(ctx, &params.Params, data.IdempotencyKey)
	if !data.Amount.IsZero() {
		params.Amount = stripe.Int64(toMinorUnits(data.Amount))
	}
	params.Metadata = stripeMetadata(data)
	refund, err := g.api.refunds.New(params)
	if err != nil {
		return g.declined(domain.TransactionRefund, data, err)
	}
	g.logger(ctx, "payments.stripe.intent.refunded", map[string]any{
		"paymentIntent": data.PSPReference,
		"refund":        refund.ID,
		"status":        refund.Status,
	})
	resp := GatewayResponse{
		IsSuccess:     refund.Status != stripe.RefundStatusFailed,
		Kind:          domain.TransactionRefund,
		Amount:        fromMinorUnits(refund.Amount, data.Amount.Currency),
		Currency:      data.Amount.Currency,
		TransactionID: refund.ID,
		PSPReference:  data.PSPReference,
		RawResponse:   rawJSON(refund),
	}
	if !resp.IsSuccess {
		resp.Error = fmt.Sprintf("refund %s", refund.Status)
	}
	return resp, nil
}

// Confirm completes a Payment Intent after customer action.
func (g *StripeGateway) Confirm(ctx context.Context, data PaymentData) (GatewayResponse, error) {
	if g == nil {
		return GatewayResponse{}, errors.New("stripe: gateway is nil")
	}
	params := &stripe.PaymentIntentConfirmParams{}
	g.prepare(ctx, &params.Params, data.IdempotencyKey)
	if data.ReturnURL != "" {
		params.ReturnURL = stripe.String(data.ReturnURL)
	}
	intent, err := g.api.intents.Confirm(data.PSPReference, params)
	if err != nil {
		return g.declined(domain.TransactionConfirm, data, err)
	}
	g.logger(ctx, "payments.stripe.intent.confirmed", map[string]any{
		"paymentIntent": intent.ID,
		"status":        intent.Status,
	})
	return intentResponse(domain.TransactionConfirm, data, intent), nil
}

func (g *StripeGateway) prepare(ctx context.Context, params *stripe.Params, idempotencyKey string) {
	params.Context = ctx
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
}

// declined converts card errors into unsuccessful responses; other errors stay errors.
func (g *StripeGateway) declined(kind domain.TransactionKind, data PaymentData, err error) (GatewayResponse, error) {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
		return GatewayResponse{
			IsSuccess:    false,
			Kind:         kind,
			Amount:       data.Amount,
			Currency:     data.Amount.Currency,
			PSPReference: data.PSPReference,
			Error:        stripeErr.Msg,
			RawResponse:  map[string]any{"code": string(stripeErr.Code), "decline_code": string(stripeErr.DeclineCode)},
		}, nil
	}
	return GatewayResponse{}, fmt.Errorf("stripe: %s payment intent: %w", kind, err)
}

func intentResponse(kind domain.TransactionKind, data PaymentData, intent *stripe.PaymentIntent) GatewayResponse {
	currency := strings.ToUpper(string(intent.Currency))
	if currency == "" {
		currency = data.Amount.Currency
	}
	amount := fromMinorUnits(intent.Amount, currency)
	if kind == domain.TransactionCapture && intent.AmountReceived > 0 {
		amount = fromMinorUnits(intent.AmountReceived, currency)
	}
	resp := GatewayResponse{
		Kind:          kind,
		Amount:        amount,
		Currency:      currency,
		TransactionID: intent.ID,
		PSPReference:  intent.ID,
		RawResponse:   rawJSON(intent),
	}
	if intent.Customer != nil {
		resp.CustomerID = intent.Customer.ID
	}
	if intent.PaymentMethod != nil && intent.PaymentMethod.Card != nil {
		card := cardInfo(intent.PaymentMethod)
		resp.Card = &card
	}

	switch intent.Status {
	case stripe.PaymentIntentStatusRequiresCapture:
		resp.IsSuccess = kind != domain.TransactionVoid
	case stripe.PaymentIntentStatusSucceeded:
		resp.IsSuccess = kind != domain.TransactionVoid
	case stripe.PaymentIntentStatusCanceled:
		resp.IsSuccess = kind == domain.TransactionVoid
	case stripe.PaymentIntentStatusRequiresAction:
		resp.ActionRequired = true
		resp.ActionRequiredData = map[string]any{"client_secret": intent.ClientSecret}
		if next := intent.NextAction; next != nil {
			resp.ActionRequiredData["type"] = string(next.Type)
			if next.RedirectToURL != nil {
				resp.ActionRequiredData["redirect_url"] = next.RedirectToURL.URL
			}
		}
	}
	if !resp.IsSuccess && !resp.ActionRequired {
		resp.Error = fmt.Sprintf("payment intent %s", intent.Status)
		if intent.LastPaymentError != nil && intent.LastPaymentError.Msg != "" {
			resp.Error = intent.LastPaymentError.Msg
		}
	}
	return resp
}

// stripeMetadataLimits mirrors Stripe's metadata quotas, leaving room for the three ids set below.
var stripeMetadataLimits = textutil.MapLimits{MaxEntries: 47, KeyRunes: 40, ValueRunes: 500}

func stripeMetadata(data PaymentData) map[string]string {
	out := textutil.NormalizeStringMap(data.Metadata, stripeMetadataLimits)
	if out == nil {
		out = make(map[string]string, 3)
	}
	if data.PaymentID != "" {
		out["payment_id"] = data.PaymentID
	}
	if data.CheckoutToken != "" {
		out["checkout_token"] = data.CheckoutToken
	}
	if data.OrderID != "" {
		out["order_id"] = data.OrderID
	}
	return out
}

// toMinorUnits converts a decimal amount into the integer minor units Stripe expects.
func toMinorUnits(m domain.Money) int64 {
	return m.Quantize().Amount.Shift(domain.CurrencyPrecision(m.Currency)).IntPart()
}

func fromMinorUnits(value int64, currency string) domain.Money {
	return domain.NewMoney(decimal.New(value, -domain.CurrencyPrecision(currency)), currency)
}

func rawJSON(v any) map[string]any {
	raw := map[string]any{}
	if data, err := json.Marshal(v); err == nil {
		_ = json.Unmarshal(data, &raw)
	}
	return raw
}
