package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
	"github.com/i-super/Saleor-sub000/internal/repositories"
)

func TestRunInTxRollsBackOnError(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	require.NoError(t, store.Checkouts().Insert(ctx, domain.Checkout{Token: "c1", Email: "a@example.com"}))

	boom := errors.New("boom")
	err := store.RunInTx(ctx, func(ctx context.Context) error {
		checkout, err := store.Checkouts().GetForUpdate(ctx, "c1")
		require.NoError(t, err)
		checkout.Email = "changed@example.com"
		require.NoError(t, store.Checkouts().Update(ctx, checkout))
		require.NoError(t, store.Checkouts().Insert(ctx, domain.Checkout{Token: "c2"}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	checkout, err := store.Checkouts().Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", checkout.Email)

	_, err = store.Checkouts().Get(ctx, "c2")
	assert.True(t, repositories.IsNotFound(err))
}

func TestRunInTxHooksRunAfterCommitOnly(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	var calls []string
	err := store.RunInTx(ctx, func(ctx context.Context) error {
		repositories.AfterCommit(ctx, func(hookCtx context.Context) {
			calls = append(calls, "first")
			assert.False(t, repositories.InTx(hookCtx))
		})
		return store.RunInTx(ctx, func(ctx context.Context) error {
			repositories.AfterCommit(ctx, func(context.Context) { calls = append(calls, "nested") })
			assert.Empty(t, calls)
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "nested"}, calls)

	calls = nil
	err = store.RunInTx(ctx, func(ctx context.Context) error {
		repositories.AfterCommit(ctx, func(context.Context) { calls = append(calls, "rolled back") })
		return errors.New("abort")
	})
	require.Error(t, err)
	assert.Empty(t, calls)
}

func TestAfterCommitOutsideTxRunsImmediately(t *testing.T) {
	ran := false
	repositories.AfterCommit(context.Background(), func(context.Context) { ran = true })
	assert.True(t, ran)
}

func TestRunInTxHonoursCancelledContext(t *testing.T) {
	store := NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := store.RunInTx(ctx, func(context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestListStocksForUpdateRequiresTx(t *testing.T) {
	store := NewStore()
	_, err := store.Stocks().ListStocksForUpdate(context.Background(), repositories.StockFilter{})

	var stockErr *repositories.StockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, repositories.StockErrorOutsideTx, stockErr.Code)
}

func TestUpdateStocksRejectsNegativeAllocation(t *testing.T) {
	store := NewStore()
	store.PutStock(domain.Stock{ID: "s1", WarehouseID: "w1", VariantID: "v1", Quantity: 3})

	err := store.Stocks().UpdateStocks(context.Background(), domain.Stock{ID: "s1", WarehouseID: "w1", VariantID: "v1", Quantity: 3, QuantityAllocated: -1})
	var stockErr *repositories.StockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, repositories.StockErrorNegativeAllocation, stockErr.Code)
}

func TestVoucherIncrementUsageStopsAtLimit(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	limit := 1
	store.PutVoucher(domain.Voucher{ID: "v1", Code: "SAVE10", UsageLimit: &limit})

	require.NoError(t, store.Vouchers().IncrementUsage(ctx, "v1"))
	err := store.Vouchers().IncrementUsage(ctx, "v1")
	assert.True(t, repositories.IsConflict(err))

	voucher, err := store.Vouchers().FindByCode(ctx, "save10")
	require.NoError(t, err)
	assert.Equal(t, 1, voucher.Used)

	require.NoError(t, store.Vouchers().DecrementUsage(ctx, "v1"))
	require.NoError(t, store.Vouchers().DecrementUsage(ctx, "v1"))
	voucher, err = store.Vouchers().FindByCode(ctx, "SAVE10")
	require.NoError(t, err)
	assert.Zero(t, voucher.Used)
}

func TestVoucherIncrementUsageConcurrent(t *testing.T) {
	store := NewStore()
	limit := 5
	store.PutVoucher(domain.Voucher{ID: "v1", Code: "RACE", UsageLimit: &limit})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.Vouchers().IncrementUsage(context.Background(), "v1"); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, limit, successes)
}

func TestVoucherCustomers(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	require.NoError(t, store.Vouchers().AddCustomer(ctx, domain.VoucherCustomer{VoucherID: "v1", Email: "Buyer@Example.com"}))
	used, err := store.Vouchers().HasCustomer(ctx, "v1", "buyer@example.com")
	require.NoError(t, err)
	assert.True(t, used)

	require.NoError(t, store.Vouchers().RemoveCustomer(ctx, "v1", "BUYER@example.com"))
	used, err = store.Vouchers().HasCustomer(ctx, "v1", "buyer@example.com")
	require.NoError(t, err)
	assert.False(t, used)
}

func TestGiftCardDeductBalance(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	at := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	store.PutGiftCard(domain.GiftCard{
		ID:             "g1",
		Code:           "GIFT-1",
		InitialBalance: domain.MustMoney("50", "USD"),
		CurrentBalance: domain.MustMoney("50", "USD"),
		IsActive:       true,
	})

	require.NoError(t, store.GiftCards().DeductBalance(ctx, "g1", domain.MustMoney("30", "USD"), "buyer@example.com", at))
	err := store.GiftCards().DeductBalance(ctx, "g1", domain.MustMoney("30", "USD"), "buyer@example.com", at)
	assert.True(t, repositories.IsConflict(err))

	card, err := store.GiftCards().FindByCode(ctx, "gift-1")
	require.NoError(t, err)
	assert.True(t, card.CurrentBalance.Equal(domain.MustMoney("20", "USD")))
	assert.Equal(t, "buyer@example.com", card.UsedByEmail)
	require.NotNil(t, card.LastUsedOn)
	assert.Equal(t, at, *card.LastUsedOn)
}

func TestGiftCardInsertRejectsDuplicateCode(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	card := domain.GiftCard{ID: "g1", Code: "ABCD", InitialBalance: domain.MustMoney("5", "EUR"), CurrentBalance: domain.MustMoney("5", "EUR")}
	require.NoError(t, store.GiftCards().Insert(ctx, card))

	card.ID = "g2"
	card.Code = "abcd"
	err := store.GiftCards().Insert(ctx, card)
	assert.True(t, repositories.IsConflict(err))
}

func TestOrderInsertRejectsSecondOrderForCheckout(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	require.NoError(t, store.Orders().Insert(ctx, domain.Order{ID: "o1", CheckoutToken: "tok"}))

	err := store.Orders().Insert(ctx, domain.Order{ID: "o2", CheckoutToken: "tok"})
	assert.True(t, repositories.IsConflict(err))

	order, err := store.Orders().FindByCheckoutToken(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, "o1", order.ID)
}

func TestOrderEventsSortedByDateThenID(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	require.NoError(t, store.Orders().Insert(ctx, domain.Order{ID: "o1"}))

	base := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Orders().AppendEvents(ctx,
		domain.NewOrderEvent("b", "o1", base, domain.Actor{}, domain.PaymentCapturedPayload{}),
		domain.NewOrderEvent("a", "o1", base, domain.Actor{}, domain.PlacedPayload{}),
		domain.NewOrderEvent("c", "o1", base.Add(-time.Second), domain.Actor{}, domain.DraftCreatedPayload{}),
	))

	events, err := store.Orders().ListEvents(ctx, "o1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "c", events[0].ID)
	assert.Equal(t, "a", events[1].ID)
	assert.Equal(t, "b", events[2].ID)

	err = store.Orders().AppendEvents(ctx, domain.NewOrderEvent("x", "missing", base, domain.Actor{}, domain.PlacedPayload{}))
	assert.True(t, repositories.IsNotFound(err))
}

func TestOrderRepositoryReturnsCopies(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	require.NoError(t, store.Orders().Insert(ctx, domain.Order{ID: "o1", Lines: []domain.OrderLine{{ID: "l1", Quantity: 2}}}))

	order, err := store.Orders().Get(ctx, "o1")
	require.NoError(t, err)
	order.Lines[0].Quantity = 99

	again, err := store.Orders().Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, 2, again.Lines[0].Quantity)
}

func TestDeleteExpiredReservations(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	now := time.Date(2025, time.June, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.Stocks().InsertReservations(ctx,
		domain.Reservation{ID: "r1", CheckoutToken: "c1", StockID: "s1", QuantityReserved: 1, ReservedUntil: now.Add(-time.Minute)},
		domain.Reservation{ID: "r2", CheckoutToken: "c1", StockID: "s1", QuantityReserved: 1, ReservedUntil: now.Add(time.Minute)},
		domain.Reservation{ID: "r3", CheckoutToken: "c2", StockID: "s1", QuantityReserved: 2, ReservedUntil: now.Add(time.Minute)},
	))

	active, err := store.Stocks().ListReservations(ctx, repositories.ReservationFilter{ActiveAt: &now, ExcludeCheckout: "c2"})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "r2", active[0].ID)

	removed, err := store.Stocks().DeleteExpiredReservations(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	rest, err := store.Stocks().ListReservations(ctx, repositories.ReservationFilter{})
	require.NoError(t, err)
	assert.Len(t, rest, 2)
}

func TestCounterNext(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	first, err := store.Counters().Next(ctx, "orders", 1)
	require.NoError(t, err)
	second, err := store.Counters().Next(ctx, "orders", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first)
	assert.Equal(t, int64(2), second)

	_, err = store.Counters().Next(ctx, " ", 1)
	var counterErr *repositories.CounterError
	require.ErrorAs(t, err, &counterErr)
	assert.Equal(t, repositories.CounterErrorInvalidInput, counterErr.Code)
}

const fixtureYAML = `
channels:
  - slug: default-channel
    name: Default
    currency: usd
    default_country: us
    warehouses: [wh-eu, wh-us]
warehouses:
  - id: wh-us
    name: US
    country: US
    shipping_zones: [zone-us]
  - id: wh-eu
    name: EU
    country: DE
    shipping_zones: [zone-eu]
shipping_zones:
  - id: zone-us
    countries: [US]
    channels: [default-channel]
  - id: zone-eu
    countries: [DE, PL]
    channels: [default-channel]
shipping_methods:
  - id: standard
    name: Standard
    zone: zone-us
    listings:
      - channel: default-channel
        price: "5.00"
variants:
  - id: var-1
    sku: SKU-1
    name: Mug
    product_name: Coffee mug
    listings:
      - channel: default-channel
        price: "10.00"
    stocks:
      - warehouse: wh-us
        quantity: 7
      - warehouse: wh-eu
        quantity: 2
vouchers:
  - id: voucher-1
    code: save5
    value_type: fixed
    usage_limit: 10
    listings:
      - channel: default-channel
        value: "5"
        min_spent: "20"
gift_cards:
  - id: gc-1
    code: gift-abc
    balance: "25.00"
    currency: USD
    expiry_date: "2030-12-31"
`

func TestLoadFixtures(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	now := time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.LoadFixtures(strings.NewReader(fixtureYAML), now))

	channel, err := store.Channels().GetBySlug(ctx, "default-channel")
	require.NoError(t, err)
	assert.Equal(t, "USD", channel.Currency)
	assert.Equal(t, domain.AllocationPrioritizeSortingOrder, channel.AllocationStrategy)

	variant, err := store.Variants().GetVariant(ctx, "var-1")
	require.NoError(t, err)
	listing, ok := variant.ListingFor("default-channel")
	require.True(t, ok)
	assert.True(t, listing.Price.Equal(domain.MustMoney("10.00", "USD")))
	assert.True(t, variant.TrackInventory)
	assert.True(t, variant.IsShippingRequired())
	require.NoError(t, store.Variants().CheckActiveForPurchase(ctx, "var-1", "default-channel", now))

	stocks, err := store.Variants().ListStocksForChannelAndCountry(ctx, []string{"var-1"}, "default-channel", "PL")
	require.NoError(t, err)
	require.Len(t, stocks, 1)
	assert.Equal(t, "wh-eu", stocks[0].WarehouseID)
	assert.Equal(t, 2, stocks[0].Quantity)

	voucher, err := store.Vouchers().FindByCode(ctx, "SAVE5")
	require.NoError(t, err)
	require.Len(t, voucher.ChannelListings, 1)
	require.NotNil(t, voucher.ChannelListings[0].MinSpent)
	assert.True(t, voucher.ChannelListings[0].MinSpent.Equal(domain.MustMoney("20", "USD")))
	assert.Equal(t, domain.VoucherTypeEntireOrder, voucher.Type)

	card, err := store.GiftCards().FindByCode(ctx, "GIFT-ABC")
	require.NoError(t, err)
	assert.True(t, card.UsableAt(now))
	assert.True(t, card.CurrentBalance.Equal(domain.MustMoney("25", "USD")))

	method, err := store.Shipping().GetMethod(ctx, "standard")
	require.NoError(t, err)
	assert.Equal(t, domain.ShippingMethodTypePrice, method.Type)
}

func TestLoadFixturesRejectsUnknownFields(t *testing.T) {
	store := NewStore()
	err := store.LoadFixtures(strings.NewReader("channels:\n  - slug: x\n    colour: red\n"), time.Now())
	require.Error(t, err)
}
