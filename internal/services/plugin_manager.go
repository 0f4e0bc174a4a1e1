package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
)

// ErrPluginNotImplemented is returned by plugin hooks a plugin does not handle. The manager
// skips such plugins and keeps the previous value.
var ErrPluginNotImplemented = errors.New("plugin: not implemented")

// Plugin extends pricing and delivery. Each hook receives the value produced by the plugins
// before it and returns the next value, or ErrPluginNotImplemented.
type Plugin interface {
	Name() string
	ApplyTaxesToProduct(ctx context.Context, variant domain.ProductVariant, price Money, country string, channel domain.Channel, previous TaxedMoney) (TaxedMoney, error)
	ApplyTaxesToShipping(ctx context.Context, price Money, address *Address, channel domain.Channel, previous TaxedMoney) (TaxedMoney, error)
	GetTaxRate(ctx context.Context, variant domain.ProductVariant, country string, previous decimal.Decimal) (decimal.Decimal, error)
	CalculateCheckoutTotal(ctx context.Context, info CheckoutInfo, previous *TaxedMoney) (*TaxedMoney, error)
	ListShippingMethods(ctx context.Context, info CheckoutInfo, previous []domain.ShippingMethod) ([]domain.ShippingMethod, error)
}

// BasePlugin implements every hook as not implemented. Plugins embed it and override what they handle.
type BasePlugin struct {
	PluginName string
}

func (p BasePlugin) Name() string { return p.PluginName }

func (BasePlugin) ApplyTaxesToProduct(context.Context, domain.ProductVariant, Money, string, domain.Channel, TaxedMoney) (TaxedMoney, error) {
	return TaxedMoney{}, ErrPluginNotImplemented
}

func (BasePlugin) ApplyTaxesToShipping(context.Context, Money, *Address, domain.Channel, TaxedMoney) (TaxedMoney, error) {
	return TaxedMoney{}, ErrPluginNotImplemented
}

func (BasePlugin) GetTaxRate(context.Context, domain.ProductVariant, string, decimal.Decimal) (decimal.Decimal, error) {
	return decimal.Zero, ErrPluginNotImplemented
}

func (BasePlugin) CalculateCheckoutTotal(context.Context, CheckoutInfo, *TaxedMoney) (*TaxedMoney, error) {
	return nil, ErrPluginNotImplemented
}

func (BasePlugin) ListShippingMethods(context.Context, CheckoutInfo, []domain.ShippingMethod) ([]domain.ShippingMethod, error) {
	return nil, ErrPluginNotImplemented
}

// PluginManagerOption customises the plugin manager.
type PluginManagerOption func(*PluginManager)

// WithPluginTimeout bounds every plugin hook call.
func WithPluginTimeout(timeout time.Duration) PluginManagerOption {
	return func(m *PluginManager) {
		if timeout > 0 {
			m.timeout = timeout
		}
	}
}

// WithPluginLogger sets the logger used for failing plugins.
func WithPluginLogger(logger func(ctx context.Context, event string, fields map[string]any)) PluginManagerOption {
	return func(m *PluginManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// PluginManager folds every hook through the configured plugins in order, starting from the
// untaxed value. It implements TaxProvider and ExternalShippingProvider.
type PluginManager struct {
	plugins []Plugin
	timeout time.Duration
	logger  func(ctx context.Context, event string, fields map[string]any)
}

var (
	_ TaxProvider              = (*PluginManager)(nil)
	_ ExternalShippingProvider = (*PluginManager)(nil)
)

// NewPluginManager builds a manager over plugins. A manager without plugins returns untaxed prices.
func NewPluginManager(plugins []Plugin, opts ...PluginManagerOption) (*PluginManager, error) {
	for i, p := range plugins {
		if p == nil {
			return nil, fmt.Errorf("plugin manager: plugin %d is nil", i)
		}
	}
	m := &PluginManager{
		plugins: append([]Plugin(nil), plugins...),
		timeout: domain.DefaultExternalCallTimeout,
		logger:  func(context.Context, string, map[string]any) {},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// fold runs hook through every plugin. A plugin returning ErrPluginNotImplemented keeps the
// previous value.
func fold[T any](ctx context.Context, m *PluginManager, seed T, hook func(ctx context.Context, p Plugin, previous T) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	value := seed
	for _, p := range m.plugins {
		next, err := hook(ctx, p, value)
		if errors.Is(err, ErrPluginNotImplemented) {
			continue
		}
		if err != nil {
			return seed, fmt.Errorf("plugin %s: %w", p.Name(), err)
		}
		value = next
	}
	return value, nil
}

func (m *PluginManager) ApplyTaxesToProduct(ctx context.Context, variant domain.ProductVariant, price Money, country string, channel domain.Channel) (TaxedMoney, error) {
	taxed, err := fold(ctx, m, domain.UntaxedMoney(price), func(ctx context.Context, p Plugin, previous TaxedMoney) (TaxedMoney, error) {
		return p.ApplyTaxesToProduct(ctx, variant, price, country, channel, previous)
	})
	if err != nil {
		return TaxedMoney{}, m.taxError(ctx, "apply_taxes_to_product", err)
	}
	return taxed, nil
}

func (m *PluginManager) ApplyTaxesToShipping(ctx context.Context, price Money, address *Address, channel domain.Channel) (TaxedMoney, error) {
	taxed, err := fold(ctx, m, domain.UntaxedMoney(price), func(ctx context.Context, p Plugin, previous TaxedMoney) (TaxedMoney, error) {
		return p.ApplyTaxesToShipping(ctx, price, address, channel, previous)
	})
	if err != nil {
		return TaxedMoney{}, m.taxError(ctx, "apply_taxes_to_shipping", err)
	}
	return taxed, nil
}

func (m *PluginManager) GetTaxRate(ctx context.Context, variant domain.ProductVariant, country string) (decimal.Decimal, error) {
	rate, err := fold(ctx, m, decimal.Zero, func(ctx context.Context, p Plugin, previous decimal.Decimal) (decimal.Decimal, error) {
		return p.GetTaxRate(ctx, variant, country, previous)
	})
	if err != nil {
		return decimal.Zero, m.taxError(ctx, "get_tax_rate", err)
	}
	return rate, nil
}

func (m *PluginManager) CalculateCheckoutTotalHint(ctx context.Context, info CheckoutInfo) (*TaxedMoney, error) {
	total, err := fold(ctx, m, (*TaxedMoney)(nil), func(ctx context.Context, p Plugin, previous *TaxedMoney) (*TaxedMoney, error) {
		return p.CalculateCheckoutTotal(ctx, info, previous)
	})
	if err != nil {
		return nil, m.taxError(ctx, "calculate_checkout_total", err)
	}
	return total, nil
}

// ListExternalShippingMethods collects the app supplied methods. A failing plugin is logged and
// skipped so one broken app does not block checkout.
func (m *PluginManager) ListExternalShippingMethods(ctx context.Context, info CheckoutInfo) ([]domain.ShippingMethod, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var methods []domain.ShippingMethod
	for _, p := range m.plugins {
		next, err := p.ListShippingMethods(ctx, info, methods)
		if errors.Is(err, ErrPluginNotImplemented) {
			continue
		}
		if err != nil {
			m.logger(ctx, "plugins.shipping_methods.failed", map[string]any{
				"plugin": p.Name(),
				"error":  err.Error(),
			})
			continue
		}
		methods = next
	}
	out := methods[:0:0]
	for _, method := range methods {
		if !strings.HasPrefix(method.ID, ExternalMethodPrefix) {
			method.ID = ExternalMethodPrefix + method.ID
		}
		method.External = true
		out = append(out, method)
	}
	return out, nil
}

func (m *PluginManager) taxError(ctx context.Context, hook string, err error) error {
	m.logger(ctx, "plugins.tax.failed", map[string]any{
		"hook":  hook,
		"error": err.Error(),
	})
	return domain.WrapError(domain.CodeTaxError, "", "Unable to calculate taxes.", err)
}

// FlatRateTaxConfig configures FlatRateTaxPlugin. Rates are percentages keyed by ISO country code.
type FlatRateTaxConfig struct {
	Rates       map[string]decimal.Decimal
	DefaultRate decimal.Decimal
	// PricesEnteredWithTax treats catalogue prices as gross.
	PricesEnteredWithTax  bool
	ChargeTaxesOnShipping bool
}

// FlatRateTaxPlugin applies a fixed percentage per destination country.
type FlatRateTaxPlugin struct {
	BasePlugin
	cfg FlatRateTaxConfig
}

// NewFlatRateTaxPlugin validates the configured rates.
func NewFlatRateTaxPlugin(cfg FlatRateTaxConfig) (*FlatRateTaxPlugin, error) {
	rates := make(map[string]decimal.Decimal, len(cfg.Rates))
	for country, rate := range cfg.Rates {
		code := strings.ToUpper(strings.TrimSpace(country))
		if !domain.IsCountryCode(code) {
			return nil, fmt.Errorf("flat rate taxes: invalid country %q", country)
		}
		if rate.IsNegative() {
			return nil, fmt.Errorf("flat rate taxes: negative rate for %s", code)
		}
		rates[code] = rate
	}
	if cfg.DefaultRate.IsNegative() {
		return nil, errors.New("flat rate taxes: negative default rate")
	}
	cfg.Rates = rates
	return &FlatRateTaxPlugin{BasePlugin: BasePlugin{PluginName: "flat-rate-taxes"}, cfg: cfg}, nil
}

func (p *FlatRateTaxPlugin) rate(country string) decimal.Decimal {
	if rate, ok := p.cfg.Rates[strings.ToUpper(country)]; ok {
		return rate
	}
	return p.cfg.DefaultRate
}

func (p *FlatRateTaxPlugin) apply(price Money, rate decimal.Decimal) TaxedMoney {
	if rate.IsZero() {
		return domain.UntaxedMoney(price)
	}
	factor := decimal.NewFromInt(1).Add(rate.Div(decimal.NewFromInt(100)))
	if p.cfg.PricesEnteredWithTax {
		return domain.NewTaxedMoney(domain.NewMoney(price.Amount.Div(factor), price.Currency), price)
	}
	return domain.NewTaxedMoney(price, price.Mul(factor))
}

func (p *FlatRateTaxPlugin) ApplyTaxesToProduct(_ context.Context, _ domain.ProductVariant, price Money, country string, _ domain.Channel, _ TaxedMoney) (TaxedMoney, error) {
	return p.apply(price, p.rate(country)), nil
}

func (p *FlatRateTaxPlugin) ApplyTaxesToShipping(_ context.Context, price Money, address *Address, _ domain.Channel, previous TaxedMoney) (TaxedMoney, error) {
	if !p.cfg.ChargeTaxesOnShipping {
		return previous, nil
	}
	country := ""
	if address != nil {
		country = address.Country
	}
	return p.apply(price, p.rate(country)), nil
}

// GetTaxRate returns the rate as a fraction, 0.23 for 23%.
func (p *FlatRateTaxPlugin) GetTaxRate(_ context.Context, _ domain.ProductVariant, country string, _ decimal.Decimal) (decimal.Decimal, error) {
	return p.rate(country).Div(decimal.NewFromInt(100)), nil
}
