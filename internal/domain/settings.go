package domain

import "time"

const (
	// DefaultLimitQuantityPerCheckout caps the quantity of a single variant in one checkout.
	DefaultLimitQuantityPerCheckout = 50
	// DefaultExternalCallTimeout bounds every tax, payment and webhook call.
	DefaultExternalCallTimeout = 10 * time.Second
)

// GiftCardExpiryType selects how new gift cards expire.
type GiftCardExpiryType string

const (
	GiftCardNeverExpire  GiftCardExpiryType = "never_expire"
	GiftCardExpiryPeriod GiftCardExpiryType = "expiry_period"
)

// TimePeriodType is the unit of a gift card expiry period.
type TimePeriodType string

const (
	PeriodDay   TimePeriodType = "day"
	PeriodWeek  TimePeriodType = "week"
	PeriodMonth TimePeriodType = "month"
	PeriodYear  TimePeriodType = "year"
)

// ApplyOncePerOrderScope decides what a specific-product voucher marked apply-once-per-order
// discounts.
type ApplyOncePerOrderScope string

const (
	// ApplyOnceCheapestUnit discounts a single unit of the cheapest matching line.
	ApplyOnceCheapestUnit ApplyOncePerOrderScope = "cheapest_unit"
	// ApplyOnceCheapestLine discounts the whole cheapest matching line.
	ApplyOnceCheapestLine ApplyOncePerOrderScope = "cheapest_line"
)

// Settings holds the site wide configuration passed explicitly into services.
type Settings struct {
	DefaultCountry                    string
	AutomaticallyConfirmAllNewOrders  bool
	FulfillmentAutoApprove            bool
	FulfillmentAllowUnpaid            bool
	AutoCapturePayments               bool
	ReserveStockDurationAnonymous     time.Duration
	ReserveStockDurationAuthenticated time.Duration
	LimitQuantityPerCheckout          int
	GiftCardExpiryType                GiftCardExpiryType
	GiftCardExpiryPeriodType          TimePeriodType
	GiftCardExpiryPeriod              int
	ApplyOncePerOrderScope            ApplyOncePerOrderScope
	ExternalCallTimeout               time.Duration
}

// DefaultSettings mirrors the defaults of a freshly installed shop.
func DefaultSettings() Settings {
	return Settings{
		DefaultCountry:                   "US",
		AutomaticallyConfirmAllNewOrders: true,
		FulfillmentAutoApprove:           true,
		FulfillmentAllowUnpaid:           true,
		AutoCapturePayments:              true,
		LimitQuantityPerCheckout:         DefaultLimitQuantityPerCheckout,
		GiftCardExpiryType:               GiftCardNeverExpire,
		ApplyOncePerOrderScope:           ApplyOnceCheapestUnit,
		ExternalCallTimeout:              DefaultExternalCallTimeout,
	}
}

// ReservationDuration returns how long checkout reservations live; zero disables them.
func (s Settings) ReservationDuration(authenticated bool) time.Duration {
	if authenticated {
		return s.ReserveStockDurationAuthenticated
	}
	return s.ReserveStockDurationAnonymous
}

// QuantityLimit returns the per-checkout quantity cap, falling back to the default.
func (s Settings) QuantityLimit() int {
	if s.LimitQuantityPerCheckout <= 0 {
		return DefaultLimitQuantityPerCheckout
	}
	return s.LimitQuantityPerCheckout
}

// CallTimeout returns the deadline applied to external calls.
func (s Settings) CallTimeout() time.Duration {
	if s.ExternalCallTimeout <= 0 {
		return DefaultExternalCallTimeout
	}
	return s.ExternalCallTimeout
}
