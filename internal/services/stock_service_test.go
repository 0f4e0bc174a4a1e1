package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
	"github.com/i-super/Saleor-sub000/internal/repositories"
)

const eastWarehouse = "wh-east"

// addEastWarehouse registers a second warehouse behind the main one in the channel order.
func (e *testEnv) addEastWarehouse(strategy domain.AllocationStrategy) {
	e.store.PutWarehouse(domain.Warehouse{
		ID:              eastWarehouse,
		Name:            "East",
		Address:         domain.Address{City: "Boston", Country: "US"},
		ShippingZoneIDs: []string{testZone},
	})
	e.store.PutChannel(domain.Channel{
		ID:                 "ch-web",
		Slug:               testChannel,
		Name:               "Web",
		Currency:           "USD",
		DefaultCountry:     "US",
		IsActive:           true,
		AllocationStrategy: strategy,
		WarehouseIDs:       []string{testWarehouse, eastWarehouse},
	})
}

func (e *testEnv) stockIn(t *testing.T, warehouseID, variantID string) domain.Stock {
	t.Helper()
	rows, err := e.store.Stocks().ListStocks(context.Background(), repositories.StockFilter{
		VariantIDs:   []string{variantID},
		WarehouseIDs: []string{warehouseID},
	})
	if err != nil {
		t.Fatalf("ListStocks: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one row for %s in %s, got %d", variantID, warehouseID, len(rows))
	}
	return rows[0]
}

func orderLine(id, variantID string, quantity int) OrderLine {
	return OrderLine{ID: id, VariantID: variantID, Quantity: quantity, TrackInventory: true, IsShippingRequired: true}
}

func allocate(t *testing.T, env *testEnv, allowExceed bool, lines ...OrderLine) []Allocation {
	t.Helper()
	allocations, err := env.stock.AllocateStocks(context.Background(), AllocateCommand{
		Lines:                  lines,
		Country:                "US",
		ChannelSlug:            testChannel,
		AllowStockToBeExceeded: allowExceed,
	})
	if err != nil {
		t.Fatalf("AllocateStocks: %v", err)
	}
	return allocations
}

func TestAllocateStocksFollowsWarehouseSortOrder(t *testing.T) {
	env := newTestEnv(t)
	env.addEastWarehouse(domain.AllocationPrioritizeSortingOrder)
	env.addVariant("mug", "8.00")
	env.store.PutStock(domain.Stock{ID: "stock-main", WarehouseID: testWarehouse, VariantID: "mug", Quantity: 2})
	env.store.PutStock(domain.Stock{ID: "stock-east", WarehouseID: eastWarehouse, VariantID: "mug", Quantity: 5})

	allocations := allocate(t, env, false, orderLine("line-1", "mug", 4))
	if len(allocations) != 2 {
		t.Fatalf("expected allocations in both warehouses, got %+v", allocations)
	}
	if got := env.stockIn(t, testWarehouse, "mug").QuantityAllocated; got != 2 {
		t.Fatalf("main allocated = %d, want 2", got)
	}
	if got := env.stockIn(t, eastWarehouse, "mug").QuantityAllocated; got != 2 {
		t.Fatalf("east allocated = %d, want 2", got)
	}
	if env.webhooks.count(domain.WebhookProductVariantOutOfStock) != 1 {
		t.Fatalf("expected the emptied main row to report out of stock")
	}
}

func TestAllocateStocksPrefersHighStock(t *testing.T) {
	env := newTestEnv(t)
	env.addEastWarehouse(domain.AllocationPrioritizeHighStock)
	env.addVariant("mug", "8.00")
	env.store.PutStock(domain.Stock{ID: "stock-main", WarehouseID: testWarehouse, VariantID: "mug", Quantity: 2})
	env.store.PutStock(domain.Stock{ID: "stock-east", WarehouseID: eastWarehouse, VariantID: "mug", Quantity: 5})

	allocations := allocate(t, env, false, orderLine("line-1", "mug", 4))
	if len(allocations) != 1 || allocations[0].StockID != "stock-east" || allocations[0].QuantityAllocated != 4 {
		t.Fatalf("unexpected allocations %+v", allocations)
	}
}

func TestAllocateStocksIsAllOrNothing(t *testing.T) {
	env := newTestEnv(t)
	env.addVariant("mug", "8.00")
	env.addVariant("plate", "6.00")
	env.putStock("mug", 5)
	env.putStock("plate", 1)

	_, err := env.stock.AllocateStocks(context.Background(), AllocateCommand{
		Lines:       []OrderLine{orderLine("line-1", "mug", 2), orderLine("line-2", "plate", 3)},
		Country:     "US",
		ChannelSlug: testChannel,
	})
	var insufficient *domain.InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if len(insufficient.Items) != 1 || insufficient.Items[0].VariantID != "plate" ||
		insufficient.Items[0].AvailableQuantity != 1 || insufficient.Items[0].RequestedQuantity != 3 {
		t.Fatalf("unexpected items %+v", insufficient.Items)
	}
	if got := env.stockRow(t, "mug").QuantityAllocated; got != 0 {
		t.Fatalf("mug allocated = %d after failed allocation", got)
	}
}

func TestAllocateStocksSkipsUntrackedAndFulfilledQuantity(t *testing.T) {
	env := newTestEnv(t)
	env.addVariant("mug", "8.00")
	env.putStock("mug", 3)

	untracked := orderLine("line-1", "ebook", 10)
	untracked.TrackInventory = false
	partly := orderLine("line-2", "mug", 3)
	partly.QuantityFulfilled = 2

	allocate(t, env, false, untracked, partly)
	if got := env.stockRow(t, "mug").QuantityAllocated; got != 1 {
		t.Fatalf("allocated = %d, want the unfulfilled 1", got)
	}
}

func TestAllocateStocksOversellsWhenAllowed(t *testing.T) {
	env := newTestEnv(t)
	env.addVariant("mug", "8.00")
	env.putStock("mug", 1)
	env.addVariant("plate", "6.00")

	allocate(t, env, true, orderLine("line-1", "mug", 3), orderLine("line-2", "plate", 2))

	mug := env.stockRow(t, "mug")
	if mug.QuantityAllocated != 3 || mug.Available() != -2 {
		t.Fatalf("mug row = %+v", mug)
	}
	plate := env.stockIn(t, testWarehouse, "plate")
	if plate.Quantity != 0 || plate.QuantityAllocated != 2 {
		t.Fatalf("plate row = %+v", plate)
	}
}

func TestDeallocateStockRejectsReleasingTooMuch(t *testing.T) {
	env := newTestEnv(t)
	env.addVariant("mug", "8.00")
	env.putStock("mug", 5)
	allocate(t, env, false, orderLine("line-1", "mug", 3))
	ctx := context.Background()

	err := env.stock.DeallocateStock(ctx, []LineQuantity{{OrderLineID: "line-1", VariantID: "mug", Quantity: 4}})
	assertCode(t, err, domain.CodeAllocationError)
	if got := env.stockRow(t, "mug").QuantityAllocated; got != 3 {
		t.Fatalf("allocated = %d after rejected release", got)
	}

	if err := env.stock.DeallocateStock(ctx, []LineQuantity{{OrderLineID: "line-1", VariantID: "mug", Quantity: 2}}); err != nil {
		t.Fatalf("DeallocateStock: %v", err)
	}
	if got := env.stockRow(t, "mug").QuantityAllocated; got != 1 {
		t.Fatalf("allocated = %d, want 1", got)
	}
	if err := env.stock.DeallocateStockForOrder(ctx, []string{"line-1", "line-unknown"}); err != nil {
		t.Fatalf("DeallocateStockForOrder: %v", err)
	}
	if got := env.stockRow(t, "mug").QuantityAllocated; got != 0 {
		t.Fatalf("allocated = %d after full release", got)
	}
	allocations, err := env.store.Stocks().ListAllocations(ctx, []string{"line-1"})
	if err != nil {
		t.Fatalf("ListAllocations: %v", err)
	}
	if len(allocations) != 0 {
		t.Fatalf("expected empty allocations to be deleted, got %+v", allocations)
	}
}

func TestDecreaseStockWithoutRow(t *testing.T) {
	env := newTestEnv(t)
	env.addVariant("mug", "8.00")
	ctx := context.Background()
	line := orderLine("line-1", "mug", 2)

	err := env.stock.DecreaseStock(ctx, StockAdjustment{Line: line, WarehouseID: testWarehouse, Quantity: 2})
	assertCode(t, err, domain.CodeInsufficientStock)

	if err := env.stock.DecreaseStock(ctx, StockAdjustment{Line: line, WarehouseID: testWarehouse, Quantity: 2, AllowExceed: true}); err != nil {
		t.Fatalf("DecreaseStock: %v", err)
	}
	if got := env.stockIn(t, testWarehouse, "mug").Quantity; got != -2 {
		t.Fatalf("quantity = %d, want -2", got)
	}
}

func TestDecreaseStockKeepsOtherAllocationsCovered(t *testing.T) {
	env := newTestEnv(t)
	env.addVariant("mug", "8.00")
	env.putStock("mug", 3)
	allocate(t, env, false, orderLine("line-1", "mug", 2), orderLine("line-2", "mug", 1))
	ctx := context.Background()

	err := env.stock.DecreaseStock(ctx, StockAdjustment{Line: orderLine("line-3", "mug", 1), WarehouseID: testWarehouse, Quantity: 1})
	assertCode(t, err, domain.CodeInsufficientStock)

	if err := env.stock.DecreaseStock(ctx, StockAdjustment{Line: orderLine("line-1", "mug", 2), WarehouseID: testWarehouse, Quantity: 2}); err != nil {
		t.Fatalf("DecreaseStock: %v", err)
	}
	row := env.stockRow(t, "mug")
	if row.Quantity != 1 || row.QuantityAllocated != 1 {
		t.Fatalf("row = %+v, want quantity 1 allocated 1", row)
	}
}

func TestIncreaseStockCanKeepUnitsAllocated(t *testing.T) {
	env := newTestEnv(t)
	env.addVariant("mug", "8.00")
	env.putStock("mug", 1)
	ctx := context.Background()

	if err := env.stock.IncreaseStock(ctx, StockAdjustment{Line: orderLine("line-1", "mug", 2), WarehouseID: testWarehouse, Quantity: 2, Allocate: true}); err != nil {
		t.Fatalf("IncreaseStock: %v", err)
	}
	row := env.stockRow(t, "mug")
	if row.Quantity != 3 || row.QuantityAllocated != 2 {
		t.Fatalf("row = %+v", row)
	}
	err := env.stock.IncreaseStock(ctx, StockAdjustment{Line: orderLine("line-1", "mug", 2), WarehouseID: testWarehouse, Quantity: 0})
	assertCode(t, err, domain.CodeInvalid)
}

func TestCheckStockQuantityBulk(t *testing.T) {
	env := newTestEnv(t)
	mug := env.addVariant("mug", "8.00")
	env.putStock("mug", 4)
	ebook := env.addVariant("ebook", "3.00", digital)
	ctx := context.Background()

	if err := env.stock.CheckStockQuantityBulk(ctx, StockCheckRequest{
		Variants:    []domain.ProductVariant{mug, ebook},
		Quantities:  []int{4, 100},
		Country:     "US",
		ChannelSlug: testChannel,
	}); err != nil {
		t.Fatalf("CheckStockQuantityBulk: %v", err)
	}

	err := env.stock.CheckStockQuantityBulk(ctx, StockCheckRequest{
		Variants:      []domain.ProductVariant{mug},
		Quantities:    []int{2},
		Country:       "US",
		ChannelSlug:   testChannel,
		ExistingLines: []CheckoutLine{{ID: "line-1", VariantID: "mug", Quantity: 3}},
	})
	assertCode(t, err, domain.CodeInsufficientStock)

	if err := env.stock.CheckStockQuantityBulk(ctx, StockCheckRequest{
		Variants:      []domain.ProductVariant{mug},
		Quantities:    []int{2},
		Country:       "US",
		ChannelSlug:   testChannel,
		ExistingLines: []CheckoutLine{{ID: "line-1", VariantID: "mug", Quantity: 3}},
		Replace:       true,
	}); err != nil {
		t.Fatalf("replace check: %v", err)
	}

	err = env.stock.CheckStockQuantity(ctx, mug, "JP", testChannel, 1)
	var insufficient *domain.InsufficientStockError
	if !errors.As(err, &insufficient) || insufficient.Items[0].AvailableQuantity != 0 {
		t.Fatalf("expected unserved country to have no stock, got %v", err)
	}
}

func TestReservationsCountAgainstOtherCheckouts(t *testing.T) {
	env := newTestEnv(t)
	mug := env.addVariant("mug", "8.00")
	env.putStock("mug", 3)
	ctx := context.Background()
	variants := map[string]domain.ProductVariant{"mug": mug}

	if err := env.stock.ReserveStocks(ctx, ReserveCommand{
		CheckoutToken: "tok-a",
		Lines:         []CheckoutLine{{ID: "line-a", VariantID: "mug", Quantity: 2}},
		Variants:      variants,
		Country:       "US",
		ChannelSlug:   testChannel,
		Duration:      10 * time.Minute,
	}); err != nil {
		t.Fatalf("ReserveStocks: %v", err)
	}

	check := StockCheckRequest{
		Variants:          []domain.ProductVariant{mug},
		Quantities:        []int{2},
		Country:           "US",
		ChannelSlug:       testChannel,
		CheckReservations: true,
		CheckoutToken:     "tok-b",
	}
	assertCode(t, env.stock.CheckStockQuantityBulk(ctx, check), domain.CodeInsufficientStock)

	check.CheckoutToken = "tok-a"
	if err := env.stock.CheckStockQuantityBulk(ctx, check); err != nil {
		t.Fatalf("own reservation should not block: %v", err)
	}

	err := env.stock.ReserveStocks(ctx, ReserveCommand{
		CheckoutToken: "tok-b",
		Lines:         []CheckoutLine{{ID: "line-b", VariantID: "mug", Quantity: 2}},
		Variants:      variants,
		Country:       "US",
		ChannelSlug:   testChannel,
		Duration:      10 * time.Minute,
	})
	assertCode(t, err, domain.CodeInsufficientStock)

	if err := env.stock.ReleaseReservations(ctx, "tok-a", nil); err != nil {
		t.Fatalf("ReleaseReservations: %v", err)
	}
	check.CheckoutToken = "tok-b"
	if err := env.stock.CheckStockQuantityBulk(ctx, check); err != nil {
		t.Fatalf("released stock should be free: %v", err)
	}
}

func TestSweepExpiredReservations(t *testing.T) {
	env := newTestEnv(t)
	mug := env.addVariant("mug", "8.00")
	env.putStock("mug", 3)
	ctx := context.Background()

	if err := env.stock.ReserveStocks(ctx, ReserveCommand{
		CheckoutToken: "tok-a",
		Lines:         []CheckoutLine{{ID: "line-a", VariantID: "mug", Quantity: 1}},
		Variants:      map[string]domain.ProductVariant{"mug": mug},
		Country:       "US",
		ChannelSlug:   testChannel,
		Duration:      time.Minute,
	}); err != nil {
		t.Fatalf("ReserveStocks: %v", err)
	}
	removed, err := env.stock.SweepExpiredReservations(ctx)
	if err != nil || removed != 0 {
		t.Fatalf("early sweep removed %d, err %v", removed, err)
	}
	env.clock.Advance(2 * time.Minute)
	removed, err = env.stock.SweepExpiredReservations(ctx)
	if err != nil || removed != 1 {
		t.Fatalf("sweep removed %d, err %v", removed, err)
	}
}

func TestPreorderThresholdsUseStricterCap(t *testing.T) {
	env := newTestEnv(t)
	preorder := env.addVariant("console", "300.00", func(v *domain.ProductVariant) {
		v.IsPreorder = true
		v.PreorderGlobalThreshold = intPtr(3)
		v.ChannelListings[0].PreorderQuantityThreshold = intPtr(5)
	})
	ctx := context.Background()

	err := env.stock.CheckPreorderThresholdBulk(ctx, []domain.ProductVariant{preorder}, []int{4}, testChannel)
	assertCode(t, err, domain.CodeInsufficientStock)

	line := orderLine("line-1", "console", 2)
	line.IsPreorder = true
	if err := env.stock.AllocatePreorders(ctx, []OrderLine{line}, testChannel); err != nil {
		t.Fatalf("AllocatePreorders: %v", err)
	}

	var insufficient *domain.InsufficientStockError
	err = env.stock.CheckPreorderThresholdBulk(ctx, []domain.ProductVariant{preorder}, []int{2}, testChannel)
	if !errors.As(err, &insufficient) || insufficient.Items[0].AvailableQuantity != 1 {
		t.Fatalf("expected one remaining preorder unit, got %v", err)
	}

	if err := env.stock.DeallocatePreorders(ctx, []string{"line-1"}); err != nil {
		t.Fatalf("DeallocatePreorders: %v", err)
	}
	if err := env.stock.CheckPreorderThresholdBulk(ctx, []domain.ProductVariant{preorder}, []int{3}, testChannel); err != nil {
		t.Fatalf("released preorder units should be available: %v", err)
	}
}

func TestEndedPreorderIsCheckedAgainstStock(t *testing.T) {
	env := newTestEnv(t)
	ended := testNow.Add(-time.Hour)
	variant := env.addVariant("console", "300.00", func(v *domain.ProductVariant) {
		v.IsPreorder = true
		v.PreorderEndDate = &ended
		v.PreorderGlobalThreshold = intPtr(100)
	})

	if err := env.stock.CheckPreorderThresholdBulk(context.Background(), []domain.ProductVariant{variant}, []int{500}, testChannel); err != nil {
		t.Fatalf("ended preorder should skip thresholds: %v", err)
	}
	err := env.stock.CheckStockQuantity(context.Background(), variant, "US", testChannel, 1)
	assertCode(t, err, domain.CodeInsufficientStock)
}
