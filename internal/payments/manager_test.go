package payments

import (
	"context"
	"errors"
	"testing"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
)

type fakeGateway struct {
	id         string
	currencies []string
	lastOp     string
	resp       GatewayResponse
	err        error
	calls      int
}

func (f *fakeGateway) ID() string                    { return f.id }
func (f *fakeGateway) SupportedCurrencies() []string { return f.currencies }

func (f *fakeGateway) record(op string) (GatewayResponse, error) {
	f.lastOp = op
	f.calls++
	return f.resp, f.err
}

func (f *fakeGateway) Authorize(context.Context, PaymentData) (GatewayResponse, error) {
	return f.record("authorize")
}

func (f *fakeGateway) Capture(context.Context, PaymentData) (GatewayResponse, error) {
	return f.record("capture")
}

func (f *fakeGateway) Void(context.Context, PaymentData) (GatewayResponse, error) {
	return f.record("void")
}

func (f *fakeGateway) Refund(context.Context, PaymentData) (GatewayResponse, error) {
	return f.record("refund")
}

func (f *fakeGateway) Confirm(context.Context, PaymentData) (GatewayResponse, error) {
	return f.record("confirm")
}

func (f *fakeGateway) ListPaymentSources(context.Context, string) ([]PaymentSource, error) {
	f.lastOp = "sources"
	f.calls++
	return nil, f.err
}

func TestManagerGatewayByID(t *testing.T) {
	stripe := &fakeGateway{id: "stripe"}
	dummy := &fakeGateway{id: "dummy"}

	mgr, err := NewManager([]Gateway{stripe, dummy})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	gw, err := mgr.Gateway("DUMMY")
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	if gw != dummy {
		t.Fatalf("expected dummy gateway, got %q", gw.ID())
	}
	if _, err := mgr.Gateway("adyen"); !errors.Is(err, ErrUnsupportedGateway) {
		t.Fatalf("expected ErrUnsupportedGateway, got %v", err)
	}
	if ids := mgr.IDs(); len(ids) != 2 || ids[0] != "dummy" || ids[1] != "stripe" {
		t.Fatalf("unexpected ids %v", ids)
	}
}

func TestManagerResolveRoutesByCurrency(t *testing.T) {
	stripe := &fakeGateway{id: "stripe", currencies: []string{"USD", "EUR"}}
	local := &fakeGateway{id: "local", currencies: []string{"JPY"}}

	mgr, err := NewManager(
		[]Gateway{stripe, local},
		WithDefaultGateway("stripe"),
		WithCurrencyRoutes(map[string]string{"jpy": "local"}),
	)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	gw, err := mgr.Resolve("", "JPY")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if gw.ID() != "local" {
		t.Fatalf("expected local gateway for JPY, got %q", gw.ID())
	}

	gw, err = mgr.Resolve("local", "USD")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if gw.ID() != "stripe" {
		t.Fatalf("expected preferred gateway to be skipped for unsupported currency, got %q", gw.ID())
	}
}

func TestManagerResolveUnsupportedCurrency(t *testing.T) {
	mgr, err := NewManager([]Gateway{&fakeGateway{id: "stripe", currencies: []string{"USD"}}, &fakeGateway{id: "other", currencies: []string{"EUR"}}})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := mgr.Resolve("", "PLN"); !errors.Is(err, ErrUnsupportedGateway) {
		t.Fatalf("expected ErrUnsupportedGateway, got %v", err)
	}
}

func TestManagerSingleGatewayFallback(t *testing.T) {
	only := &fakeGateway{id: "dummy"}
	mgr, err := NewManager([]Gateway{only})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	gw, err := mgr.Resolve("", "USD")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if gw != only {
		t.Fatalf("expected the only gateway")
	}
}

func TestNewManagerValidatesGateways(t *testing.T) {
	if _, err := NewManager([]Gateway{nil}); err == nil {
		t.Fatalf("expected error for nil gateway")
	}
	if _, err := NewManager(nil); err == nil {
		t.Fatalf("expected error when gateways empty")
	}
	if _, err := NewManager([]Gateway{&fakeGateway{id: "a"}, &fakeGateway{id: "A"}}); err == nil {
		t.Fatalf("expected error for duplicate ids")
	}
}

func TestDummyGatewayTokens(t *testing.T) {
	ctx := context.Background()
	gw := NewDummyGateway(nil, nil)
	amount := domain.MustMoney("12.50", "USD")

	resp, err := gw.Authorize(ctx, PaymentData{Token: "tok", Amount: amount})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if !resp.IsSuccess || resp.Kind != domain.TransactionAuth || resp.PSPReference == "" {
		t.Fatalf("unexpected authorize response %+v", resp)
	}
	if !resp.Amount.Equal(amount) {
		t.Fatalf("expected amount %s, got %s", amount, resp.Amount)
	}

	resp, err = gw.Authorize(ctx, PaymentData{Token: DummyTokenDeclined, Amount: amount})
	if err != nil {
		t.Fatalf("authorize declined: %v", err)
	}
	if resp.IsSuccess || resp.Error == "" {
		t.Fatalf("expected declined response, got %+v", resp)
	}

	resp, err = gw.Authorize(ctx, PaymentData{Token: DummyTokenActionRequired, Amount: amount})
	if err != nil {
		t.Fatalf("authorize action: %v", err)
	}
	if resp.IsSuccess || !resp.ActionRequired || resp.ActionRequiredData["redirect_url"] == nil {
		t.Fatalf("expected action required response, got %+v", resp)
	}
	confirmed, err := gw.Confirm(ctx, PaymentData{Token: DummyTokenActionRequired, Amount: amount, PSPReference: resp.PSPReference})
	if err != nil || !confirmed.IsSuccess {
		t.Fatalf("expected confirm success, got %+v err %v", confirmed, err)
	}

	if _, err := gw.Authorize(ctx, PaymentData{Token: DummyTokenGatewayError, Amount: amount}); !errors.Is(err, ErrDummyGateway) {
		t.Fatalf("expected ErrDummyGateway, got %v", err)
	}

	capture, err := gw.Capture(ctx, PaymentData{Token: DummyTokenCaptureDeclined, Amount: amount})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if capture.IsSuccess {
		t.Fatalf("expected declined capture")
	}
}

func TestDummyGatewayHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewDummyGateway(nil, nil).Capture(ctx, PaymentData{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSupportsIgnoresCase(t *testing.T) {
	gw := NewDummyGateway([]string{"usd"}, nil)
	if !Supports(gw, "USD") || Supports(gw, "EUR") {
		t.Fatalf("unexpected currency support")
	}
	if !Supports(NewDummyGateway(nil, nil), "EUR") {
		t.Fatalf("expected empty currency list to accept any currency")
	}
}
