package payments

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
)

var (
	// ErrUnsupportedGateway is returned when the manager cannot locate a gateway.
	ErrUnsupportedGateway = errors.New("payments: unsupported gateway")
	// ErrUnsupportedCurrency is returned when the gateway does not accept the payment currency.
	ErrUnsupportedCurrency = errors.New("payments: unsupported currency")
)

// PaymentData is the gateway agnostic description of a payment operation.
type PaymentData struct {
	PaymentID     string
	Token         string
	Amount        domain.Money
	CustomerID    string
	CustomerEmail string
	OrderID       string
	CheckoutToken string
	ReturnURL     string
	// PSPReference identifies the payment at the provider once authorized.
	PSPReference   string
	IdempotencyKey string
	Metadata       map[string]string
}

// CardInfo summarises the card used for a payment.
type CardInfo struct {
	Brand    string
	Last4    string
	ExpMonth int
	ExpYear  int
}

// GatewayResponse normalises the outcome of a gateway call. A declined operation reports
// IsSuccess=false with Error set; transport failures are returned as errors instead.
type GatewayResponse struct {
	IsSuccess          bool
	Kind               domain.TransactionKind
	Amount             domain.Money
	Currency           string
	TransactionID      string
	PSPReference       string
	Error              string
	ActionRequired     bool
	ActionRequiredData map[string]any
	CustomerID         string
	Card               *CardInfo
	RawResponse        map[string]any
}

// PaymentSource is a stored payment method of a customer.
type PaymentSource struct {
	Gateway         string
	PaymentMethodID string
	Card            CardInfo
}

// Gateway defines the contract payment adapters implement.
type Gateway interface {
	ID() string
	Authorize(ctx context.Context, data PaymentData) (GatewayResponse, error)
	Capture(ctx context.Context, data PaymentData) (GatewayResponse, error)
	Void(ctx context.Context, data PaymentData) (GatewayResponse, error)
	Refund(ctx context.Context, data PaymentData) (GatewayResponse, error)
	Confirm(ctx context.Context, data PaymentData) (GatewayResponse, error)
	ListPaymentSources(ctx context.Context, customerID string) ([]PaymentSource, error)
	SupportedCurrencies() []string
}

// Manager coordinates gateway selection by identifier or currency.
type Manager struct {
	gateways       map[string]Gateway
	defaultGateway string
	currencyRoutes map[string]string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultGateway overrides the gateway used when no identifier or route matches.
func WithDefaultGateway(id string) ManagerOption {
	return func(m *Manager) {
		m.defaultGateway = strings.ToLower(strings.TrimSpace(id))
	}
}

// WithCurrencyRoutes configures static currency to gateway mappings.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		if len(routes) == 0 {
			return
		}
		if m.currencyRoutes == nil {
			m.currencyRoutes = make(map[string]string, len(routes))
		}
		for k, v := range routes {
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(k))] = strings.ToLower(strings.TrimSpace(v))
		}
	}
}

// NewManager constructs a Manager over the supplied gateways keyed by their ID.
func NewManager(gateways []Gateway, opts ...ManagerOption) (*Manager, error) {
	if len(gateways) == 0 {
		return nil, errors.New("payments: at least one gateway is required")
	}
	registered := make(map[string]Gateway, len(gateways))
	for _, gw := range gateways {
		if gw == nil {
			return nil, errors.New("payments: nil gateway registration")
		}
		key := strings.ToLower(strings.TrimSpace(gw.ID()))
		if key == "" {
			return nil, errors.New("payments: gateway id is required")
		}
		if _, dup := registered[key]; dup {
			return nil, fmt.Errorf("payments: gateway %q registered twice", key)
		}
		registered[key] = gw
	}
	m := &Manager{gateways: registered}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Gateway returns the gateway registered under id.
func (m *Manager) Gateway(id string) (Gateway, error) {
	if m == nil {
		return nil, errors.New("payments: manager is nil")
	}
	gw, ok := m.gateways[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedGateway, id)
	}
	return gw, nil
}

// Resolve picks a gateway for the currency: the preferred one when it accepts the currency,
// then the currency route, then the default gateway.
func (m *Manager) Resolve(preferred, currency string) (Gateway, error) {
	if m == nil {
		return nil, errors.New("payments: manager is nil")
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	candidates := []string{strings.ToLower(strings.TrimSpace(preferred))}
	if route, ok := m.currencyRoutes[currency]; ok {
		candidates = append(candidates, route)
	}
	candidates = append(candidates, m.defaultGateway)
	for _, key := range candidates {
		if key == "" {
			continue
		}
		gw, ok := m.gateways[key]
		if !ok {
			continue
		}
		if currency != "" && !Supports(gw, currency) {
			continue
		}
		return gw, nil
	}
	if len(m.gateways) == 1 {
		for _, gw := range m.gateways {
			if currency == "" || Supports(gw, currency) {
				return gw, nil
			}
		}
	}
	return nil, ErrUnsupportedGateway
}

// IDs lists the registered gateway identifiers in sorted order.
func (m *Manager) IDs() []string {
	if m == nil {
		return nil
	}
	ids := make([]string, 0, len(m.gateways))
	for id := range m.gateways {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Supports reports whether the gateway accepts the currency. An empty list accepts any currency.
func Supports(gw Gateway, currency string) bool {
	supported := gw.SupportedCurrencies()
	if len(supported) == 0 {
		return true
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	for _, code := range supported {
		if strings.EqualFold(code, currency) {
			return true
		}
	}
	return false
}
