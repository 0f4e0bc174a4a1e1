package repositories

import (
	"context"
	"time"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Checkouts() CheckoutRepository
	Orders() OrderRepository
	Payments() PaymentRepository
	Stocks() StockRepository
	Vouchers() VoucherRepository
	GiftCards() GiftCardRepository
	Counters() CounterRepository
	Variants() VariantReader
	Channels() ChannelRepository
	Shipping() ShippingRepository
	Warehouses() WarehouseRepository
	Sales() SaleRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork groups repository operations in a transactional boundary. Nested calls join the
// outer transaction. Hooks registered with AfterCommit run once the outermost call commits.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// CheckoutRepository persists checkouts and their lines.
type CheckoutRepository interface {
	Insert(ctx context.Context, checkout domain.Checkout) error
	Get(ctx context.Context, token string) (domain.Checkout, error)
	// GetForUpdate reads the checkout and locks the row until the surrounding transaction ends.
	GetForUpdate(ctx context.Context, token string) (domain.Checkout, error)
	Update(ctx context.Context, checkout domain.Checkout) error
	Delete(ctx context.Context, token string) error
}

// OrderRepository persists orders, their lines, fulfillments and event log.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Get(ctx context.Context, orderID string) (domain.Order, error)
	GetForUpdate(ctx context.Context, orderID string) (domain.Order, error)
	// FindByCheckoutToken returns the order placed from the checkout, if any.
	FindByCheckoutToken(ctx context.Context, token string) (domain.Order, error)
	Update(ctx context.Context, order domain.Order) error
	AppendEvents(ctx context.Context, events ...domain.OrderEvent) error
	// ListEvents returns the order events ordered by (date, id).
	ListEvents(ctx context.Context, orderID string) ([]domain.OrderEvent, error)
}

// PaymentRepository persists payments and their gateway transactions.
type PaymentRepository interface {
	Insert(ctx context.Context, payment domain.Payment) error
	Get(ctx context.Context, paymentID string) (domain.Payment, error)
	// GetForUpdate reads the payment and locks the row until the surrounding transaction ends.
	GetForUpdate(ctx context.Context, paymentID string) (domain.Payment, error)
	Update(ctx context.Context, payment domain.Payment) error
	ListByCheckout(ctx context.Context, token string) ([]domain.Payment, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error)
}

// StockFilter selects stock rows.
type StockFilter struct {
	VariantIDs   []string
	WarehouseIDs []string
	StockIDs     []string
}

// StockRepository persists stock rows, allocations, reservations and preorder allocations.
// Every mutation must run inside UnitOfWork.RunInTx.
type StockRepository interface {
	ListStocks(ctx context.Context, filter StockFilter) ([]domain.Stock, error)
	// ListStocksForUpdate locks the matching rows in ascending stock id order.
	ListStocksForUpdate(ctx context.Context, filter StockFilter) ([]domain.Stock, error)
	// GetOrCreateStock returns the (warehouse, variant) row, creating an empty one when absent.
	GetOrCreateStock(ctx context.Context, warehouseID, variantID string) (domain.Stock, error)
	UpdateStocks(ctx context.Context, stocks ...domain.Stock) error

	ListAllocations(ctx context.Context, orderLineIDs []string) ([]domain.Allocation, error)
	ListAllocationsByStock(ctx context.Context, stockIDs []string) ([]domain.Allocation, error)
	UpsertAllocations(ctx context.Context, allocations ...domain.Allocation) error
	DeleteAllocations(ctx context.Context, allocationIDs ...string) error

	ListReservations(ctx context.Context, filter ReservationFilter) ([]domain.Reservation, error)
	InsertReservations(ctx context.Context, reservations ...domain.Reservation) error
	DeleteReservations(ctx context.Context, reservationIDs ...string) error
	// DeleteExpiredReservations removes reservations that ended before now and reports how many.
	DeleteExpiredReservations(ctx context.Context, now time.Time) (int, error)

	SumPreorderAllocations(ctx context.Context, variantID, channelSlug string) (int, error)
	ListPreorderAllocations(ctx context.Context, orderLineIDs []string) ([]domain.PreorderAllocation, error)
	InsertPreorderAllocations(ctx context.Context, allocations ...domain.PreorderAllocation) error
	DeletePreorderAllocations(ctx context.Context, ids ...string) error
}

// ReservationFilter selects reservations. Zero fields do not filter.
type ReservationFilter struct {
	CheckoutToken  string
	CheckoutLineID []string
	VariantIDs     []string
	StockIDs       []string
	// ActiveAt keeps only reservations still valid at the given instant.
	ActiveAt *time.Time
	// ExcludeCheckout drops reservations held by that checkout.
	ExcludeCheckout string
}

// VoucherRepository persists vouchers, their usage counters and per-customer usage.
type VoucherRepository interface {
	FindByCode(ctx context.Context, code string) (domain.Voucher, error)
	CodeExists(ctx context.Context, code string) (bool, error)
	// IncrementUsage bumps used by one unless the usage limit is reached. It returns a conflict
	// RepositoryError when no row was updated.
	IncrementUsage(ctx context.Context, voucherID string) error
	DecrementUsage(ctx context.Context, voucherID string) error
	AddCustomer(ctx context.Context, customer domain.VoucherCustomer) error
	HasCustomer(ctx context.Context, voucherID, email string) (bool, error)
	RemoveCustomer(ctx context.Context, voucherID, email string) error
}

// GiftCardRepository persists gift cards and their history.
type GiftCardRepository interface {
	Insert(ctx context.Context, card domain.GiftCard) error
	Get(ctx context.Context, id string) (domain.GiftCard, error)
	FindByCode(ctx context.Context, code string) (domain.GiftCard, error)
	ListByIDs(ctx context.Context, ids []string) ([]domain.GiftCard, error)
	CodeExists(ctx context.Context, code string) (bool, error)
	// DeductBalance subtracts amount when the current balance covers it. It returns a conflict
	// RepositoryError when no row was updated.
	DeductBalance(ctx context.Context, id string, amount domain.Money, usedByEmail string, at time.Time) error
	Update(ctx context.Context, card domain.GiftCard) error
	AppendEvents(ctx context.Context, events ...domain.GiftCardEvent) error
	ListEvents(ctx context.Context, giftCardID string) ([]domain.GiftCardEvent, error)
}

// CounterRepository provides monotonically increasing sequences.
type CounterRepository interface {
	Next(ctx context.Context, name string, step int64) (int64, error)
}

// VariantReader is the catalogue boundary consumed by the core.
type VariantReader interface {
	GetVariant(ctx context.Context, variantID string) (domain.ProductVariant, error)
	ListVariants(ctx context.Context, variantIDs []string) ([]domain.ProductVariant, error)
	// CheckActiveForPurchase returns a domain error when the variant cannot be bought in the channel.
	CheckActiveForPurchase(ctx context.Context, variantID, channelSlug string, at time.Time) error
	// ListStocksForChannelAndCountry returns the stock rows of warehouses serving the destination.
	ListStocksForChannelAndCountry(ctx context.Context, variantIDs []string, channelSlug, countryCode string) ([]domain.Stock, error)
}

// ChannelRepository reads sales channels.
type ChannelRepository interface {
	GetBySlug(ctx context.Context, slug string) (domain.Channel, error)
}

// ShippingRepository reads shipping zones and methods.
type ShippingRepository interface {
	GetMethod(ctx context.Context, methodID string) (domain.ShippingMethod, error)
	ListZones(ctx context.Context, channelSlug string) ([]domain.ShippingZone, error)
	ListMethodsForZones(ctx context.Context, zoneIDs []string) ([]domain.ShippingMethod, error)
}

// WarehouseRepository reads warehouses.
type WarehouseRepository interface {
	Get(ctx context.Context, warehouseID string) (domain.Warehouse, error)
	ListByIDs(ctx context.Context, ids []string) ([]domain.Warehouse, error)
	// ListForChannel returns the channel warehouses in the channel's sort order.
	ListForChannel(ctx context.Context, channelSlug string) ([]domain.Warehouse, error)
}

// SaleRepository reads catalogue promotions.
type SaleRepository interface {
	ListActive(ctx context.Context, channelSlug string, at time.Time) ([]domain.Sale, error)
}

// HealthRepository reports connectivity of the persistence backends.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
