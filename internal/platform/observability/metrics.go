package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "ordercore"

// Metrics exposes the order lifecycle counters and histograms.
type Metrics struct {
	registry            *prometheus.Registry
	ordersPlaced        *prometheus.CounterVec
	checkoutCompletions *prometheus.CounterVec
	checkoutLatency     prometheus.Histogram
	insufficientStock   prometheus.Counter
	paymentTransactions *prometheus.CounterVec
	authVerifications   *prometheus.CounterVec
	authLatency         *prometheus.HistogramVec
}

// NewMetrics registers the collectors on a dedicated registry.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ordersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "orders_placed_total",
			Help:      "Orders created from checkouts or drafts.",
		}, []string{"channel", "origin"}),
		checkoutCompletions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "checkout_completions_total",
			Help:      "Checkout completion attempts by outcome.",
		}, []string{"outcome"}),
		checkoutLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "checkout_completion_seconds",
			Help:      "Latency of checkout completion.",
			Buckets:   prometheus.DefBuckets,
		}),
		insufficientStock: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "insufficient_stock_total",
			Help:      "Variants rejected by stock checks or allocation.",
		}),
		paymentTransactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "payment_transactions_total",
			Help:      "Gateway transactions by kind and outcome.",
		}, []string{"kind", "outcome"}),
		authVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "internal_auth_verifications_total",
			Help:      "Internal route caller verifications by method and reason.",
		}, []string{"kind", "outcome", "reason"}),
		authLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "internal_auth_verification_seconds",
			Help:      "Latency of internal route caller verification.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"kind"}),
	}
	collectors := []prometheus.Collector{
		m.ordersPlaced,
		m.checkoutCompletions,
		m.checkoutLatency,
		m.insufficientStock,
		m.paymentTransactions,
		m.authVerifications,
		m.authLatency,
		prometheus.NewGoCollector(),
	}
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) OrderPlaced(channel, origin string) {
	m.ordersPlaced.WithLabelValues(channel, origin).Inc()
}

func (m *Metrics) CheckoutCompleted(outcome string, elapsed time.Duration) {
	m.checkoutCompletions.WithLabelValues(outcome).Inc()
	m.checkoutLatency.Observe(elapsed.Seconds())
}

func (m *Metrics) InsufficientStock(variants int) {
	m.insufficientStock.Add(float64(variants))
}

func (m *Metrics) PaymentTransaction(kind string, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.paymentTransactions.WithLabelValues(kind, outcome).Inc()
}

// RecordVerification counts an internal route verification attempt.
func (m *Metrics) RecordVerification(_ context.Context, kind string, success bool, reason string, elapsed time.Duration) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.authVerifications.WithLabelValues(kind, outcome, reason).Inc()
	m.authLatency.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
