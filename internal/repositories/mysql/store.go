// Package mysql implements repositories.Registry on MySQL through gorm.
//
// Aggregates that are always read and written whole (checkouts, orders, payments) are stored as
// JSON documents next to the columns queries filter on. Counters that must change atomically
// (stock quantities, voucher usage, gift card balances) are plain columns updated with
// conditional statements.
package mysql

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/i-super/Saleor-sub000/internal/repositories"
)

// Store is a gorm backed repository registry.
type Store struct {
	db *gorm.DB
}

var _ repositories.Registry = (*Store)(nil)

// New wraps an opened gorm handle. The schema is managed by the sqldb migrations.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("mysql: gorm handle is required")
	}
	return &Store{db: db}, nil
}

// RunInTx runs fn in a database transaction and runs the post-commit hooks after COMMIT.
// Calls nested inside an open transaction join it.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx == nil {
		return errors.New("mysql: context is required")
	}
	if fn == nil {
		return errors.New("mysql: transaction function is nil")
	}
	if scope := repositories.ScopeFrom(ctx); scope != nil {
		if _, ok := scope.Handle.(*gorm.DB); ok {
			return fn(ctx)
		}
	}

	var scope *repositories.TxScope
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txCtx, txScope, _ := repositories.BeginScope(ctx, tx)
		scope = txScope
		return fn(txCtx)
	})
	if err != nil {
		return err
	}
	scope.RunHooks(ctx)
	return nil
}

// conn returns the transaction bound to ctx or the pool.
func (s *Store) conn(ctx context.Context) *gorm.DB {
	if scope := repositories.ScopeFrom(ctx); scope != nil {
		if tx, ok := scope.Handle.(*gorm.DB); ok {
			return tx.WithContext(ctx)
		}
	}
	return s.db.WithContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close(context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

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

// Health pings the connection pool.
func (s *Store) Health() repositories.HealthRepository {
	repo, _ := repositories.NewProbeHealthRepository([]repositories.Probe{{
		Name: "mysql",
		Ping: s.Ping,
	}})
	return repo
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// translate maps gorm errors onto repository errors.
func translate(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return repositories.NotFound(op, "%v", err)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return repositories.Conflict(op, "%v", err)
	default:
		return repositories.Unavailable(op, err)
	}
}
