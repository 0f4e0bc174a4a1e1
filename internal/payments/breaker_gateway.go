package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
)

// ErrGatewayUnavailable is returned while the circuit of a gateway is open.
var ErrGatewayUnavailable = errors.New("payments: gateway unavailable")

// BreakerSettings tunes the circuit breaker wrapped around a gateway.
type BreakerSettings struct {
	// ConsecutiveFailures trips the breaker; zero means 5.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing; zero means 30s.
	OpenTimeout time.Duration
	// HalfOpenRequests bounds probe calls while half open; zero means 1.
	HalfOpenRequests uint32
	Logger           Logger
}

// BreakerGateway guards a gateway with a circuit breaker. Declined responses do not count as
// failures; only transport errors do.
type BreakerGateway struct {
	next    Gateway
	calls   *gobreaker.CircuitBreaker[GatewayResponse]
	sources *gobreaker.CircuitBreaker[[]PaymentSource]
}

// NewBreakerGateway wraps next with a circuit breaker.
func NewBreakerGateway(next Gateway, settings BreakerSettings) (*BreakerGateway, error) {
	if next == nil {
		return nil, errors.New("payments: breaker requires a gateway")
	}
	threshold := settings.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}
	timeout := settings.OpenTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	halfOpen := settings.HalfOpenRequests
	if halfOpen == 0 {
		halfOpen = 1
	}
	logger := settings.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	base := gobreaker.Settings{
		Name:        "payments." + next.ID(),
		MaxRequests: halfOpen,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger(context.Background(), "payments.breaker.state_changed", map[string]any{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	}
	sourcesSettings := base
	sourcesSettings.Name = base.Name + ".sources"

	return &BreakerGateway{
		next:    next,
		calls:   gobreaker.NewCircuitBreaker[GatewayResponse](base),
		sources: gobreaker.NewCircuitBreaker[[]PaymentSource](sourcesSettings),
	}, nil
}

func (g *BreakerGateway) ID() string                    { return g.next.ID() }
func (g *BreakerGateway) SupportedCurrencies() []string { return g.next.SupportedCurrencies() }

// State reports the breaker state of gateway operations.
func (g *BreakerGateway) State() gobreaker.State {
	return g.calls.State()
}

func (g *BreakerGateway) Authorize(ctx context.Context, data PaymentData) (GatewayResponse, error) {
	return g.execute(func() (GatewayResponse, error) { return g.next.Authorize(ctx, data) })
}

func (g *BreakerGateway) Capture(ctx context.Context, data PaymentData) (GatewayResponse, error) {
	return g.execute(func() (GatewayResponse, error) { return g.next.Capture(ctx, data) })
}

func (g *BreakerGateway) Void(ctx context.Context, data PaymentData) (GatewayResponse, error) {
	return g.execute(func() (GatewayResponse, error) { return g.next.Void(ctx, data) })
}

func (g *BreakerGateway) Refund(ctx context.Context, data PaymentData) (GatewayResponse, error) {
	return g.execute(func() (GatewayResponse, error) { return g.next.Refund(ctx, data) })
}

func (g *BreakerGateway) Confirm(ctx context.Context, data PaymentData) (GatewayResponse, error) {
	return g.execute(func() (GatewayResponse, error) { return g.next.Confirm(ctx, data) })
}

func (g *BreakerGateway) ListPaymentSources(ctx context.Context, customerID string) ([]PaymentSource, error) {
	out, err := g.sources.Execute(func() ([]PaymentSource, error) {
		return g.next.ListPaymentSources(ctx, customerID)
	})
	return out, breakerError(g.next.ID(), err)
}

func (g *BreakerGateway) execute(call func() (GatewayResponse, error)) (GatewayResponse, error) {
	resp, err := g.calls.Execute(call)
	return resp, breakerError(g.next.ID(), err)
}

func breakerError(id string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %v", ErrGatewayUnavailable, id, err)
	}
	return err
}
