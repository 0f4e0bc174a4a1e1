package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
	"github.com/i-super/Saleor-sub000/internal/payments"
	"github.com/i-super/Saleor-sub000/internal/repositories"
	"github.com/i-super/Saleor-sub000/internal/repositories/memory"
)

const (
	testChannel   = "web"
	testWarehouse = "wh-main"
	testZone      = "zone-main"
	testMethod    = "standard"
	testEmail     = "buyer@example.com"
)

var testNow = time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

func usd(amount string) Money {
	return domain.MustMoney(amount, "USD")
}

func intPtr(v int) *int {
	return &v
}

type sequence struct {
	mu     sync.Mutex
	prefix string
	n      int
}

func (s *sequence) next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("%s-%06d", s.prefix, s.n)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.NotifyEvent
}

func (n *recordingNotifier) Notify(_ context.Context, event domain.NotifyEvent, _ map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) count(event domain.NotifyEvent) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, e := range n.events {
		if e == event {
			total++
		}
	}
	return total
}

type recordingWebhooks struct {
	mu     sync.Mutex
	events []domain.WebhookEvent
}

func (w *recordingWebhooks) Dispatch(_ context.Context, event domain.WebhookEvent, _ map[string]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, event)
	return nil
}

func (w *recordingWebhooks) count(event domain.WebhookEvent) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	total := 0
	for _, e := range w.events {
		if e == event {
			total++
		}
	}
	return total
}

// testEnv wires every service against one memory store seeded with a single USD channel,
// one warehouse serving US, DE and PL, and a $5 standard shipping method.
type testEnv struct {
	store     *memory.Store
	clock     *testClock
	settings  Settings
	calc      PriceCalculator
	vouchers  VoucherEvaluator
	stock     StockService
	giftCards GiftCardService
	checkout  CheckoutService
	orders    OrderService
	notifier  *recordingNotifier
	webhooks  *recordingWebhooks
}

func newTestEnv(t *testing.T, configure ...func(*Settings)) *testEnv {
	t.Helper()
	settings := domain.DefaultSettings()
	for _, fn := range configure {
		fn(&settings)
	}

	store := memory.NewStore()
	seedCatalog(store)

	clock := &testClock{now: testNow}
	ids := &sequence{prefix: "id"}
	tokens := &sequence{prefix: "tok"}
	notifier := &recordingNotifier{}
	hooks := &recordingWebhooks{}

	gateways, err := payments.NewManager([]payments.Gateway{payments.NewDummyGateway(nil, nil)})
	if err != nil {
		t.Fatalf("payments.NewManager: %v", err)
	}
	calc, err := NewPriceCalculator(PriceCalculatorDeps{})
	if err != nil {
		t.Fatalf("NewPriceCalculator: %v", err)
	}
	vouchers, err := NewVoucherEvaluator(VoucherEvaluatorDeps{
		Vouchers: store.Vouchers(),
		Settings: settings,
		Clock:    clock.Now,
	})
	if err != nil {
		t.Fatalf("NewVoucherEvaluator: %v", err)
	}
	stock, err := NewStockService(StockServiceDeps{
		Stocks:      store.Stocks(),
		Variants:    store.Variants(),
		Channels:    store.Channels(),
		Warehouses:  store.Warehouses(),
		UnitOfWork:  store,
		Webhooks:    hooks,
		Clock:       clock.Now,
		IDGenerator: ids.next,
	})
	if err != nil {
		t.Fatalf("NewStockService: %v", err)
	}
	giftCards, err := NewGiftCardService(GiftCardServiceDeps{
		Repositories: store,
		Notifier:     notifier,
		Webhooks:     hooks,
		Settings:     settings,
		Clock:        clock.Now,
		IDGenerator:  ids.next,
	})
	if err != nil {
		t.Fatalf("NewGiftCardService: %v", err)
	}
	checkout, err := NewCheckoutService(CheckoutServiceDeps{
		Repositories:   store,
		Calculator:     calc,
		Vouchers:       vouchers,
		Stock:          stock,
		GiftCards:      giftCards,
		Gateways:       gateways,
		Notifier:       notifier,
		Webhooks:       hooks,
		Settings:       settings,
		Clock:          clock.Now,
		IDGenerator:    ids.next,
		TokenGenerator: tokens.next,
	})
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}
	orders, err := NewOrderService(OrderServiceDeps{
		Repositories:   store,
		Calculator:     calc,
		Vouchers:       vouchers,
		Stock:          stock,
		GiftCards:      giftCards,
		Gateways:       gateways,
		Notifier:       notifier,
		Webhooks:       hooks,
		Settings:       settings,
		Clock:          clock.Now,
		IDGenerator:    ids.next,
		TokenGenerator: tokens.next,
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}

	return &testEnv{
		store:     store,
		clock:     clock,
		settings:  settings,
		calc:      calc,
		vouchers:  vouchers,
		stock:     stock,
		giftCards: giftCards,
		checkout:  checkout,
		orders:    orders,
		notifier:  notifier,
		webhooks:  hooks,
	}
}

func seedCatalog(store *memory.Store) {
	store.PutChannel(domain.Channel{
		ID:                 "ch-web",
		Slug:               testChannel,
		Name:               "Web",
		Currency:           "USD",
		DefaultCountry:     "US",
		IsActive:           true,
		AllocationStrategy: domain.AllocationPrioritizeSortingOrder,
		WarehouseIDs:       []string{testWarehouse},
	})
	store.PutWarehouse(domain.Warehouse{
		ID:                    testWarehouse,
		Name:                  "Main",
		Address:               domain.Address{City: "Portland", Country: "US"},
		ShippingZoneIDs:       []string{testZone},
		ClickAndCollectOption: domain.ClickAndCollectDisabled,
	})
	store.PutShippingZone(domain.ShippingZone{
		ID:           testZone,
		Name:         "Main",
		Countries:    []string{"US", "DE", "PL"},
		ChannelSlugs: []string{testChannel},
	})
	store.PutShippingMethod(domain.ShippingMethod{
		ID:             testMethod,
		Name:           "Standard",
		Type:           domain.ShippingMethodTypePrice,
		ShippingZoneID: testZone,
		ChannelListings: []domain.ShippingMethodChannelListing{
			{ChannelSlug: testChannel, Price: usd("5.00")},
		},
	})
}

// addVariant publishes a shippable, tracked variant priced in the test channel.
func (e *testEnv) addVariant(id, price string, configure ...func(*domain.ProductVariant)) domain.ProductVariant {
	available := testNow.Add(-24 * time.Hour)
	variant := domain.ProductVariant{
		ID:             id,
		SKU:            "SKU-" + id,
		Name:           id,
		TrackInventory: true,
		Product: domain.Product{
			ID:                 "prod-" + id,
			Name:               "Product " + id,
			Kind:               domain.ProductKindPhysical,
			IsShippingRequired: true,
			ChannelListings: []domain.ProductChannelListing{
				{ChannelSlug: testChannel, IsPublished: true, AvailableForPurchase: &available, VisibleInListings: true},
			},
		},
		ChannelListings: []domain.VariantChannelListing{
			{ChannelSlug: testChannel, Price: usd(price)},
		},
	}
	for _, fn := range configure {
		fn(&variant)
	}
	e.store.PutVariant(variant)
	return variant
}

func (e *testEnv) putStock(variantID string, quantity int) {
	e.store.PutStock(domain.Stock{
		ID:          "stock-" + variantID,
		WarehouseID: testWarehouse,
		VariantID:   variantID,
		Quantity:    quantity,
	})
}

func (e *testEnv) stockRow(t *testing.T, variantID string) domain.Stock {
	t.Helper()
	rows, err := e.store.Stocks().ListStocks(context.Background(), repositories.StockFilter{VariantIDs: []string{variantID}})
	if err != nil {
		t.Fatalf("ListStocks: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one stock row for %s, got %d", variantID, len(rows))
	}
	return rows[0]
}

func (e *testEnv) allocated(t *testing.T, order Order) int {
	t.Helper()
	ids := make([]string, 0, len(order.Lines))
	for _, line := range order.Lines {
		ids = append(ids, line.ID)
	}
	allocations, err := e.store.Stocks().ListAllocations(context.Background(), ids)
	if err != nil {
		t.Fatalf("ListAllocations: %v", err)
	}
	total := 0
	for _, a := range allocations {
		total += a.QuantityAllocated
	}
	return total
}

func address(country string) *Address {
	return &Address{
		FirstName:      "Ada",
		LastName:       "Lovelace",
		StreetAddress1: "1 Main St",
		City:           "Springfield",
		PostalCode:     "12345",
		Country:        country,
	}
}

// newCheckout opens a checkout shipping to country with the given lines.
func (e *testEnv) newCheckout(t *testing.T, country string, lines ...LineInput) Checkout {
	t.Helper()
	checkout, err := e.checkout.CreateCheckout(context.Background(), CreateCheckoutCommand{
		ChannelSlug:     testChannel,
		Email:           testEmail,
		ShippingAddress: address(country),
		BillingAddress:  address(country),
		Lines:           lines,
	})
	if err != nil {
		t.Fatalf("CreateCheckout: %v", err)
	}
	return checkout
}

func (e *testEnv) setShipping(t *testing.T, token string) {
	t.Helper()
	if _, err := e.checkout.SetDeliveryMethod(context.Background(), token, testMethod); err != nil {
		t.Fatalf("SetDeliveryMethod: %v", err)
	}
}

// pay creates a payment for the amount due with the dummy gateway token key.
func (e *testEnv) pay(t *testing.T, token, key string) Payment {
	t.Helper()
	payment, err := e.checkout.CreatePayment(context.Background(), CreatePaymentCommand{
		Token:      token,
		Gateway:    payments.DummyGatewayID,
		PaymentKey: key,
	})
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	return payment
}

func (e *testEnv) complete(t *testing.T, token string) Order {
	t.Helper()
	result, err := e.checkout.Complete(context.Background(), CompleteCheckoutCommand{Token: token})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if result.Order == nil {
		t.Fatalf("expected an order, got %+v", result)
	}
	return *result.Order
}

// placeOrder runs the whole storefront flow for a shippable checkout paid in full.
func (e *testEnv) placeOrder(t *testing.T, lines ...LineInput) Order {
	t.Helper()
	checkout := e.newCheckout(t, "US", lines...)
	e.setShipping(t, checkout.Token)
	e.pay(t, checkout.Token, "card-ok")
	return e.complete(t, checkout.Token)
}

func (e *testEnv) eventTypes(t *testing.T, orderID string) []domain.OrderEventType {
	t.Helper()
	events, err := e.orders.ListEvents(context.Background(), orderID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	out := make([]domain.OrderEventType, 0, len(events))
	for _, event := range events {
		out = append(out, event.Type)
	}
	return out
}

func assertCode(t *testing.T, err error, code domain.ErrorCode) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	if !domain.HasErrorCode(err, code) {
		t.Fatalf("expected %s error, got %v", code, err)
	}
}

func assertMoney(t *testing.T, label string, got Money, want string) {
	t.Helper()
	if !got.Equal(usd(want)) {
		t.Fatalf("%s = %s, want %s USD", label, got, want)
	}
}

// assertTotalEquation checks total = Σ line totals + shipping − Σ discounts on the gross side.
func assertTotalEquation(t *testing.T, order Order) {
	t.Helper()
	sum := domain.ZeroMoney(order.Currency)
	for _, line := range order.Lines {
		sum = sum.Add(line.TotalPrice.Gross)
	}
	sum = sum.Add(order.ShippingPrice.Gross).Sub(order.DiscountTotal()).ClampZero()
	if !order.Total.Gross.Equal(sum) {
		t.Fatalf("order total %s does not match lines + shipping - discounts = %s", order.Total.Gross, sum)
	}
}
