package domain

import "time"

// Stock is the quantity of a variant held in a warehouse. QuantityAllocated mirrors the sum of
// the allocations pointing at the row and is maintained under the row lock.
type Stock struct {
	ID                string
	WarehouseID       string
	VariantID         string
	Quantity          int
	QuantityAllocated int
}

// Available returns the unallocated quantity; it is negative for oversold rows.
func (s Stock) Available() int {
	return s.Quantity - s.QuantityAllocated
}

// Allocation binds part of a stock row to an order line.
type Allocation struct {
	ID                string
	OrderLineID       string
	StockID           string
	QuantityAllocated int
}

// Reservation is a short lived allocation held by a checkout line.
type Reservation struct {
	ID               string
	CheckoutToken    string
	CheckoutLineID   string
	StockID          string
	VariantID        string
	QuantityReserved int
	ReservedUntil    time.Time
}

// Active reports whether the reservation still holds stock at now.
func (r Reservation) Active(now time.Time) bool {
	return now.Before(r.ReservedUntil)
}

// PreorderAllocation counts preorder units sold through a channel for an order line.
type PreorderAllocation struct {
	ID          string
	OrderLineID string
	VariantID   string
	ChannelSlug string
	Quantity    int
}
