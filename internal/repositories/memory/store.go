// Package memory provides an in-process repository registry used by tests and local runs.
//
// Transactions are serialised and operate on a copy of the committed state; the copy replaces
// the committed state only when the transaction function returns nil.
package memory

import (
	"context"
	"errors"
	"maps"
	"sync"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
	"github.com/i-super/Saleor-sub000/internal/repositories"
)

type state struct {
	checkouts        map[string]domain.Checkout
	orders           map[string]domain.Order
	orderEvents      map[string][]domain.OrderEvent
	payments         map[string]domain.Payment
	stocks           map[string]domain.Stock
	allocations      map[string]domain.Allocation
	reservations     map[string]domain.Reservation
	preorders        map[string]domain.PreorderAllocation
	vouchers         map[string]domain.Voucher
	voucherCustomers map[string]map[string]struct{}
	giftCards        map[string]domain.GiftCard
	giftCardEvents   map[string][]domain.GiftCardEvent
	counters         map[string]int64
}

func newState() *state {
	return &state{
		checkouts:        map[string]domain.Checkout{},
		orders:           map[string]domain.Order{},
		orderEvents:      map[string][]domain.OrderEvent{},
		payments:         map[string]domain.Payment{},
		stocks:           map[string]domain.Stock{},
		allocations:      map[string]domain.Allocation{},
		reservations:     map[string]domain.Reservation{},
		preorders:        map[string]domain.PreorderAllocation{},
		vouchers:         map[string]domain.Voucher{},
		voucherCustomers: map[string]map[string]struct{}{},
		giftCards:        map[string]domain.GiftCard{},
		giftCardEvents:   map[string][]domain.GiftCardEvent{},
		counters:         map[string]int64{},
	}
}

// clone copies every table. Stored values are never mutated in place, so sharing their
// slices between snapshots is safe.
func (s *state) clone() *state {
	out := &state{
		checkouts:        maps.Clone(s.checkouts),
		orders:           maps.Clone(s.orders),
		orderEvents:      make(map[string][]domain.OrderEvent, len(s.orderEvents)),
		payments:         maps.Clone(s.payments),
		stocks:           maps.Clone(s.stocks),
		allocations:      maps.Clone(s.allocations),
		reservations:     maps.Clone(s.reservations),
		preorders:        maps.Clone(s.preorders),
		vouchers:         maps.Clone(s.vouchers),
		voucherCustomers: make(map[string]map[string]struct{}, len(s.voucherCustomers)),
		giftCards:        maps.Clone(s.giftCards),
		giftCardEvents:   make(map[string][]domain.GiftCardEvent, len(s.giftCardEvents)),
		counters:         maps.Clone(s.counters),
	}
	for k, v := range s.orderEvents {
		out.orderEvents[k] = append([]domain.OrderEvent(nil), v...)
	}
	for k, v := range s.voucherCustomers {
		out.voucherCustomers[k] = maps.Clone(v)
	}
	for k, v := range s.giftCardEvents {
		out.giftCardEvents[k] = append([]domain.GiftCardEvent(nil), v...)
	}
	return out
}

// Store is an in-memory implementation of repositories.Registry.
type Store struct {
	txMu sync.Mutex

	mu   sync.RWMutex
	data *state

	catalog *catalog
}

var _ repositories.Registry = (*Store)(nil)

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{data: newState(), catalog: newCatalog()}
}

// RunInTx runs fn against a private copy of the state and publishes it when fn succeeds.
// Calls nested inside an open transaction join it.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx == nil {
		return errors.New("memory: context is required")
	}
	if fn == nil {
		return errors.New("memory: transaction function is nil")
	}
	if scope := repositories.ScopeFrom(ctx); scope != nil {
		if _, ok := scope.Handle.(*state); ok {
			return fn(ctx)
		}
	}

	scope, err := s.runLocked(ctx, fn)
	if err != nil {
		return err
	}
	scope.RunHooks(ctx)
	return nil
}

func (s *Store) runLocked(ctx context.Context, fn func(ctx context.Context) error) (*repositories.TxScope, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	working := s.data.clone()
	s.mu.RUnlock()

	txCtx, scope, _ := repositories.BeginScope(ctx, working)
	if err := fn(txCtx); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.data = working
	s.mu.Unlock()
	return scope, nil
}

func (s *Store) read(ctx context.Context, fn func(st *state) error) error {
	if st := txState(ctx); st != nil {
		return fn(st)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.data)
}

func (s *Store) write(ctx context.Context, fn func(st *state) error) error {
	if st := txState(ctx); st != nil {
		return fn(st)
	}
	return s.RunInTx(ctx, func(ctx context.Context) error {
		return fn(txState(ctx))
	})
}

func txState(ctx context.Context) *state {
	scope := repositories.ScopeFrom(ctx)
	if scope == nil {
		return nil
	}
	st, _ := scope.Handle.(*state)
	return st
}

// Close is a no-op kept for Registry parity.
func (s *Store) Close(context.Context) error { return nil }

func (s *Store) Checkouts() repositories.CheckoutRepository   { return checkoutRepository{s} }
func (s *Store) Orders() repositories.OrderRepository         { return orderRepository{s} }
func (s *Store) Payments() repositories.PaymentRepository     { return paymentRepository{s} }
func (s *Store) Stocks() repositories.StockRepository         { return stockRepository{s} }
func (s *Store) Vouchers() repositories.VoucherRepository     { return voucherRepository{s} }
func (s *Store) GiftCards() repositories.GiftCardRepository   { return giftCardRepository{s} }
func (s *Store) Counters() repositories.CounterRepository     { return counterRepository{s} }
func (s *Store) Variants() repositories.VariantReader         { return variantReader{s} }
func (s *Store) Channels() repositories.ChannelRepository     { return channelRepository{s} }
func (s *Store) Shipping() repositories.ShippingRepository    { return shippingRepository{s} }
func (s *Store) Warehouses() repositories.WarehouseRepository { return warehouseRepository{s} }
func (s *Store) Sales() repositories.SaleRepository           { return saleRepository{s} }

// Health reports the in-memory backend as always reachable.
func (s *Store) Health() repositories.HealthRepository {
	repo, _ := repositories.NewProbeHealthRepository([]repositories.Probe{{
		Name: "memory",
		Ping: func(context.Context) error { return nil },
	}})
	return repo
}
