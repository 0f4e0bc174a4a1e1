package services

import (
	"context"
	"slices"
	"testing"
	"time"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
)

func lineFor(t *testing.T, order Order, variantID string) OrderLine {
	t.Helper()
	for _, line := range order.Lines {
		if line.VariantID == variantID {
			return line
		}
	}
	t.Fatalf("order %s has no line for %s", order.ID, variantID)
	return OrderLine{}
}

func fulfill(t *testing.T, env *testEnv, order Order, quantities map[string]int) Order {
	t.Helper()
	cmd := CreateFulfillmentCommand{OrderID: order.ID, NotifyCustomer: true}
	for _, line := range order.Lines {
		if qty := quantities[line.VariantID]; qty > 0 {
			cmd.Lines = append(cmd.Lines, FulfillmentLineInput{OrderLineID: line.ID, WarehouseID: testWarehouse, Quantity: qty})
		}
	}
	updated, err := env.orders.CreateFulfillment(context.Background(), cmd)
	if err != nil {
		t.Fatalf("CreateFulfillment: %v", err)
	}
	return updated
}

func assertFulfillmentBound(t *testing.T, order Order) {
	t.Helper()
	ordered, fulfilled := 0, 0
	for _, line := range order.Lines {
		ordered += line.Quantity
		fulfilled += line.QuantityFulfilled
	}
	if fulfilled > ordered {
		t.Fatalf("fulfilled %d of %d ordered units", fulfilled, ordered)
	}
}

func assertEventsOrdered(t *testing.T, env *testEnv, orderID string) {
	t.Helper()
	events, err := env.orders.ListEvents(context.Background(), orderID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	for i := 1; i < len(events); i++ {
		if events[i].Date.Before(events[i-1].Date) {
			t.Fatalf("event %d (%s) precedes event %d (%s)", i, events[i].Date, i-1, events[i-1].Date)
		}
	}
}

func (e *testEnv) draftCommand(lines ...LineInput) CreateDraftCommand {
	return CreateDraftCommand{
		ChannelSlug:      testChannel,
		UserEmail:        testEmail,
		ShippingAddress:  address("US"),
		BillingAddress:   address("US"),
		ShippingMethodID: testMethod,
		Lines:            lines,
	}
}

func TestPartialFulfillmentTracksLineQuantities(t *testing.T) {
	env := newTestEnv(t)
	env.addVariant("mug", "10.00")
	env.addVariant("cap", "10.00")
	env.putStock("mug", 10)
	env.putStock("cap", 10)

	order := env.placeOrder(t, LineInput{VariantID: "mug", Quantity: 3}, LineInput{VariantID: "cap", Quantity: 3})
	env.clock.Advance(time.Minute)
	order = fulfill(t, env, order, map[string]int{"mug": 2, "cap": 3})

	if order.Status != domain.OrderStatusPartiallyFulfilled {
		t.Fatalf("expected partially fulfilled, got %s", order.Status)
	}
	if got := []int{lineFor(t, order, "mug").QuantityFulfilled, lineFor(t, order, "cap").QuantityFulfilled}; !slices.Equal(got, []int{2, 3}) {
		t.Fatalf("quantity fulfilled = %v, want [2 3]", got)
	}
	assertFulfillmentBound(t, order)

	mug := env.stockRow(t, "mug")
	if mug.Quantity != 8 || mug.QuantityAllocated != 1 {
		t.Fatalf("unexpected mug stock %+v", mug)
	}
	capRow := env.stockRow(t, "cap")
	if capRow.Quantity != 7 || capRow.QuantityAllocated != 0 {
		t.Fatalf("unexpected cap stock %+v", capRow)
	}
	if env.notifier.count(domain.NotifyFulfillmentConfirmation) != 1 {
		t.Fatalf("expected fulfillment notification, got %v", env.notifier.events)
	}

	_, err := env.orders.CreateFulfillment(context.Background(), CreateFulfillmentCommand{
		OrderID: order.ID,
		Lines:   []FulfillmentLineInput{{OrderLineID: lineFor(t, order, "mug").ID, WarehouseID: testWarehouse, Quantity: 2}},
	})
	assertCode(t, err, domain.CodeInvalid)

	env.clock.Advance(time.Minute)
	order = fulfill(t, env, order, map[string]int{"mug": 1})
	if order.Status != domain.OrderStatusFulfilled {
		t.Fatalf("expected fulfilled, got %s", order.Status)
	}
	if env.allocated(t, order) != 0 {
		t.Fatalf("expected no allocations after shipping everything")
	}
	if env.webhooks.count(domain.WebhookOrderFulfilled) != 1 {
		t.Fatalf("expected ORDER_FULFILLED webhook, got %v", env.webhooks.events)
	}
	assertEventsOrdered(t, env, order.ID)
}

func TestCancelFulfillmentWithRestockRestoresStockAndStatus(t *testing.T) {
	env := newTestEnv(t)
	env.addVariant("mug", "10.00")
	env.putStock("mug", 10)
	ctx := context.Background()

	order := env.placeOrder(t, LineInput{VariantID: "mug", Quantity: 2})
	before := env.stockRow(t, "mug")
	statusBefore := order.Status

	order = fulfill(t, env, order, map[string]int{"mug": 2})
	if order.Status != domain.OrderStatusFulfilled {
		t.Fatalf("expected fulfilled, got %s", order.Status)
	}
	order, err := env.orders.CancelFulfillment(ctx, CancelFulfillmentCommand{
		OrderID:       order.ID,
		FulfillmentID: order.Fulfillments[0].ID,
		Restock:       true,
	})
	if err != nil {
		t.Fatalf("CancelFulfillment: %v", err)
	}
	if order.Status != statusBefore {
		t.Fatalf("expected status %s, got %s", statusBefore, order.Status)
	}
	if order.Fulfillments[0].Status != domain.FulfillmentCanceled {
		t.Fatalf("expected canceled fulfillment, got %s", order.Fulfillments[0].Status)
	}
	after := env.stockRow(t, "mug")
	if after.Quantity != before.Quantity || after.QuantityAllocated != before.QuantityAllocated {
		t.Fatalf("stock changed: before %+v after %+v", before, after)
	}
	if got := env.allocated(t, order); got != 2 {
		t.Fatalf("expected line to be allocated again, got %d", got)
	}
	events := env.eventTypes(t, order.ID)
	if !slices.Contains(events, domain.OrderEventFulfillmentRestockedItems) || !slices.Contains(events, domain.OrderEventFulfillmentCanceled) {
		t.Fatalf("missing cancel events: %v", events)
	}

	_, err = env.orders.CancelFulfillment(ctx, CancelFulfillmentCommand{OrderID: order.ID, FulfillmentID: order.Fulfillments[0].ID})
	assertCode(t, err, domain.CodeInvalidTransition)
}

func TestPreorderLineShipsOnceThePreorderEnds(t *testing.T) {
	env := newTestEnv(t, func(s *Settings) { s.FulfillmentAutoApprove = false })
	ends := testNow.Add(time.Hour)
	env.addVariant("console", "300.00", func(v *domain.ProductVariant) {
		v.IsPreorder = true
		v.PreorderEndDate = &ends
	})
	env.putStock("console", 5)
	ctx := context.Background()

	order := env.placeOrder(t, LineInput{VariantID: "console", Quantity: 2})
	line := order.Lines[0]
	if !line.IsPreorder {
		t.Fatalf("expected a preorder line, got %+v", line)
	}
	if row := env.stockRow(t, "console"); row.QuantityAllocated != 0 {
		t.Fatalf("preorder must not allocate stock: %+v", row)
	}
	cmd := CreateFulfillmentCommand{
		OrderID: order.ID,
		Lines:   []FulfillmentLineInput{{OrderLineID: line.ID, WarehouseID: testWarehouse, Quantity: 2}},
	}
	_, err := env.orders.CreateFulfillment(ctx, cmd)
	assertCode(t, err, domain.CodeInvalid)

	env.clock.Advance(48 * time.Hour)
	order, err = env.orders.CreateFulfillment(ctx, cmd)
	if err != nil {
		t.Fatalf("CreateFulfillment: %v", err)
	}
	if order.Lines[0].IsPreorder {
		t.Fatal("line should no longer be a preorder")
	}
	allocations, err := env.store.Stocks().ListPreorderAllocations(ctx, []string{line.ID})
	if err != nil {
		t.Fatalf("ListPreorderAllocations: %v", err)
	}
	if len(allocations) != 0 {
		t.Fatalf("expected preorder allocations dropped, got %+v", allocations)
	}
	if row := env.stockRow(t, "console"); row.Quantity != 5 || row.QuantityAllocated != 2 {
		t.Fatalf("expected stock allocated to the line: %+v", row)
	}

	order, err = env.orders.ApproveFulfillment(ctx, ApproveFulfillmentCommand{OrderID: order.ID, FulfillmentID: order.Fulfillments[0].ID})
	if err != nil {
		t.Fatalf("ApproveFulfillment: %v", err)
	}
	if order.Status != domain.OrderStatusFulfilled {
		t.Fatalf("expected fulfilled order, got %s", order.Status)
	}
	if row := env.stockRow(t, "console"); row.Quantity != 3 || row.QuantityAllocated != 0 {
		t.Fatalf("unexpected stock after shipping: %+v", row)
	}
}

func TestActivePreorderShipsOnlyWithAutoApprove(t *testing.T) {
	env := newTestEnv(t)
	env.addVariant("console", "300.00", func(v *domain.ProductVariant) { v.IsPreorder = true })

	order := env.placeOrder(t, LineInput{VariantID: "console", Quantity: 1})
	order = fulfill(t, env, order, map[string]int{"console": 1})
	if order.Status != domain.OrderStatusFulfilled || !order.Lines[0].IsPreorder {
		t.Fatalf("expected shipped preorder line, got %s / %+v", order.Status, order.Lines[0])
	}
	if order.Lines[0].QuantityFulfilled != 1 {
		t.Fatalf("expected one unit fulfilled, got %d", order.Lines[0].QuantityFulfilled)
	}
	assertFulfillmentBound(t, order)
}

func TestFulfillmentApprovalDefersShipping(t *testing.T) {
	env := newTestEnv(t, func(s *Settings) { s.FulfillmentAutoApprove = false })
	env.addVariant("mug", "10.00")
	env.putStock("mug", 10)
	ctx := context.Background()

	order := env.placeOrder(t, LineInput{VariantID: "mug", Quantity: 2})
	order = fulfill(t, env, order, map[string]int{"mug": 2})
	if order.Status != domain.OrderStatusUnfulfilled || order.Fulfillments[0].Status != domain.FulfillmentWaitingForApproval {
		t.Fatalf("expected fulfillment to wait, got %s / %s", order.Status, order.Fulfillments[0].Status)
	}
	if row := env.stockRow(t, "mug"); row.Quantity != 10 || row.QuantityAllocated != 2 {
		t.Fatalf("stock moved before approval: %+v", row)
	}
	_, err := env.orders.CreateFulfillment(ctx, CreateFulfillmentCommand{
		OrderID: order.ID,
		Lines:   []FulfillmentLineInput{{OrderLineID: order.Lines[0].ID, WarehouseID: testWarehouse, Quantity: 1}},
	})
	assertCode(t, err, domain.CodeInvalid)

	order, err = env.orders.ApproveFulfillment(ctx, ApproveFulfillmentCommand{OrderID: order.ID, FulfillmentID: order.Fulfillments[0].ID})
	if err != nil {
		t.Fatalf("ApproveFulfillment: %v", err)
	}
	if order.Status != domain.OrderStatusFulfilled || order.Fulfillments[0].Status != domain.FulfillmentFulfilled {
		t.Fatalf("expected shipped order, got %s / %s", order.Status, order.Fulfillments[0].Status)
	}
	if row := env.stockRow(t, "mug"); row.Quantity != 8 || row.QuantityAllocated != 0 {
		t.Fatalf("unexpected stock after approval: %+v", row)
	}
	events := env.eventTypes(t, order.ID)
	for _, want := range []domain.OrderEventType{domain.OrderEventFulfillmentAwaitsApproval, domain.OrderEventFulfillmentApproved, domain.OrderEventFulfillmentFulfilledItems} {
		if !slices.Contains(events, want) {
			t.Fatalf("missing %s in %v", want, events)
		}
	}
}

func TestUnpaidOrderCannotBeFulfilledUntilCaptured(t *testing.T) {
	env := newTestEnv(t, func(s *Settings) {
		s.FulfillmentAllowUnpaid = false
		s.AutoCapturePayments = false
	})
	env.addVariant("mug", "10.00")
	env.putStock("mug", 10)
	ctx := context.Background()

	order := env.placeOrder(t, LineInput{VariantID: "mug", Quantity: 1})
	_, err := env.orders.CreateFulfillment(ctx, CreateFulfillmentCommand{
		OrderID: order.ID,
		Lines:   []FulfillmentLineInput{{OrderLineID: order.Lines[0].ID, WarehouseID: testWarehouse, Quantity: 1}},
	})
	assertCode(t, err, domain.CodeCannotFulfillUnpaidOrder)

	env.clock.Advance(time.Minute)
	order, err = env.orders.CapturePayment(ctx, PaymentCommand{OrderID: order.ID})
	if err != nil {
		t.Fatalf("CapturePayment: %v", err)
	}
	assertMoney(t, "captured", order.TotalCaptured, "15.00")
	assertMoney(t, "authorized", order.TotalAuthorized, "0.00")
	if order.FullyPaidAt == nil {
		t.Fatalf("expected order to be fully paid")
	}
	fulfill(t, env, order, map[string]int{"mug": 1})
	assertEventsOrdered(t, env, order.ID)
}

func TestCancelReleasesAllocationsAndNotifies(t *testing.T) {
	env := newTestEnv(t)
	env.addVariant("mug", "10.00")
	env.putStock("mug", 10)
	ctx := context.Background()

	order := env.placeOrder(t, LineInput{VariantID: "mug", Quantity: 4})
	env.clock.Advance(time.Minute)
	order, err := env.orders.Cancel(ctx, CancelOrderCommand{OrderID: order.ID, Restock: true})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if order.Status != domain.OrderStatusCanceled {
		t.Fatalf("expected canceled, got %s", order.Status)
	}
	if row := env.stockRow(t, "mug"); row.Quantity != 10 || row.QuantityAllocated != 0 {
		t.Fatalf("unexpected stock after cancel: %+v", row)
	}
	if env.allocated(t, order) != 0 {
		t.Fatalf("expected allocations to be removed")
	}
	events := env.eventTypes(t, order.ID)
	tail := events[len(events)-3:]
	want := []domain.OrderEventType{domain.OrderEventFulfillmentRestockedItems, domain.OrderEventCanceled, domain.OrderEventEmailSent}
	if !slices.Equal(tail, want) {
		t.Fatalf("events tail = %v, want %v", tail, want)
	}
	if env.notifier.count(domain.NotifyOrderCanceled) != 1 || env.webhooks.count(domain.WebhookOrderCancelled) != 1 {
		t.Fatalf("expected cancel notification and webhook")
	}
	assertEventsOrdered(t, env, order.ID)

	_, err = env.orders.Cancel(ctx, CancelOrderCommand{OrderID: order.ID})
	assertCode(t, err, domain.CodeInvalidTransition)
}

func TestCancelVoidsAuthorizedPayment(t *testing.T) {
	env := newTestEnv(t, func(s *Settings) { s.AutoCapturePayments = false })
	env.addVariant("mug", "10.00")
	env.putStock("mug", 10)

	order := env.placeOrder(t, LineInput{VariantID: "mug", Quantity: 1})
	assertMoney(t, "authorized", order.TotalAuthorized, "15.00")

	order, err := env.orders.Cancel(context.Background(), CancelOrderCommand{OrderID: order.ID, VoidPayment: true})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	assertMoney(t, "authorized", order.TotalAuthorized, "0.00")
	if !slices.Contains(env.eventTypes(t, order.ID), domain.OrderEventPaymentVoided) {
		t.Fatalf("expected PAYMENT_VOIDED event")
	}
}

func TestCancelRejectsShippedOrder(t *testing.T) {
	env := newTestEnv(t)
	env.addVariant("mug", "10.00")
	env.putStock("mug", 10)

	order := env.placeOrder(t, LineInput{VariantID: "mug", Quantity: 2})
	order = fulfill(t, env, order, map[string]int{"mug": 1})
	_, err := env.orders.Cancel(context.Background(), CancelOrderCommand{OrderID: order.ID, Restock: true})
	assertCode(t, err, domain.CodeInvalidTransition)
}

func TestCancelGivesBackVoucherUsage(t *testing.T) {
	env := newTestEnv(t)
	env.addVariant("mug", "10.00")
	env.putStock("mug", 10)
	env.putVoucher("ONCE", domain.VoucherTypeEntireOrder, domain.DiscountValueFixed, "3", func(v *domain.Voucher) {
		v.ApplyOncePerCustomer = true
		v.UsageLimit = intPtr(1)
	})
	ctx := context.Background()

	checkout := env.newCheckout(t, "US", LineInput{VariantID: "mug", Quantity: 1})
	env.setShipping(t, checkout.Token)
	if _, err := env.checkout.AddPromoCode(ctx, checkout.Token, "ONCE"); err != nil {
		t.Fatalf("AddPromoCode: %v", err)
	}
	env.pay(t, checkout.Token, "card-ok")
	order := env.complete(t, checkout.Token)
	if used := env.voucherUsed(t, "ONCE"); used != 1 {
		t.Fatalf("expected voucher used once, got %d", used)
	}

	if _, err := env.orders.Cancel(ctx, CancelOrderCommand{OrderID: order.ID, Restock: true}); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if used := env.voucherUsed(t, "ONCE"); used != 0 {
		t.Fatalf("expected voucher usage released, got %d", used)
	}
	again := env.newCheckout(t, "US", LineInput{VariantID: "mug", Quantity: 1})
	if _, err := env.checkout.AddPromoCode(ctx, again.Token, "ONCE"); err != nil {
		t.Fatalf("expected voucher to be usable again: %v", err)
	}
}

func TestDraftOversellThenCancelWithRestock(t *testing.T) {
	env := newTestEnv(t)
	env.addVariant("gadget", "10.00")
	env.putStock("gadget", 0)
	ctx := context.Background()

	cmd := env.draftCommand(LineInput{VariantID: "gadget", Quantity: 3})
	cmd.AllowStockToBeExceeded = true
	draft, err := env.orders.CreateDraft(ctx, cmd)
	if err != nil {
		t.Fatalf("CreateDraft: %v", err)
	}
	if draft.Status != domain.OrderStatusDraft {
		t.Fatalf("expected draft, got %s", draft.Status)
	}
	if row := env.stockRow(t, "gadget"); row.QuantityAllocated != 0 {
		t.Fatalf("drafts must not hold stock: %+v", row)
	}

	env.clock.Advance(time.Minute)
	order, err := env.orders.ConfirmDraft(ctx, draft.ID)
	if err != nil {
		t.Fatalf("ConfirmDraft: %v", err)
	}
	if order.Status != domain.OrderStatusUnfulfilled {
		t.Fatalf("expected unfulfilled, got %s", order.Status)
	}
	oversold := env.stockRow(t, "gadget")
	if oversold.Quantity != 0 || oversold.QuantityAllocated != 3 {
		t.Fatalf("expected oversold stock, got %+v", oversold)
	}

	env.clock.Advance(time.Minute)
	order, err = env.orders.Cancel(ctx, CancelOrderCommand{OrderID: order.ID, Restock: true})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	restored := env.stockRow(t, "gadget")
	if restored.QuantityAllocated != 0 {
		t.Fatalf("expected allocations zeroed, got %+v", restored)
	}
	if gained := restored.Available() - oversold.Available(); gained != 3 {
		t.Fatalf("expected available stock to rise by 3, got %d", gained)
	}
	if env.allocated(t, order) != 0 {
		t.Fatalf("expected no allocation rows")
	}

	want := []domain.OrderEventType{
		domain.OrderEventDraftCreated,
		domain.OrderEventPlacedFromDraft,
		domain.OrderEventEmailSent,
		domain.OrderEventFulfillmentRestockedItems,
		domain.OrderEventCanceled,
		domain.OrderEventEmailSent,
	}
	if got := env.eventTypes(t, order.ID); !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	assertEventsOrdered(t, env, order.ID)
}

func TestConfirmDraftWithoutStockRollsBack(t *testing.T) {
	env := newTestEnv(t)
	env.addVariant("gadget", "10.00")
	env.putStock("gadget", 1)
	ctx := context.Background()

	draft, err := env.orders.CreateDraft(ctx, env.draftCommand(LineInput{VariantID: "gadget", Quantity: 3}))
	if err != nil {
		t.Fatalf("CreateDraft: %v", err)
	}
	_, err = env.orders.ConfirmDraft(ctx, draft.ID)
	assertCode(t, err, domain.CodeInsufficientStock)

	stored, err := env.orders.GetOrder(ctx, draft.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if stored.Status != domain.OrderStatusDraft {
		t.Fatalf("expected draft to survive, got %s", stored.Status)
	}
	if row := env.stockRow(t, "gadget"); row.QuantityAllocated != 0 {
		t.Fatalf("expected no allocation, got %+v", row)
	}

	_, err = env.orders.Cancel(ctx, CancelOrderCommand{OrderID: draft.ID})
	assertCode(t, err, domain.CodeInvalidTransition)
}

func TestDraftVoucherIsConsumedOnConfirmation(t *testing.T) {
	env := newTestEnv(t)
	env.addVariant("gadget", "10.00")
	env.putStock("gadget", 10)
	env.putVoucher("HALF", domain.VoucherTypeEntireOrder, domain.DiscountValuePercentage, "50")
	ctx := context.Background()

	cmd := env.draftCommand(LineInput{VariantID: "gadget", Quantity: 2})
	cmd.VoucherCode = "HALF"
	draft, err := env.orders.CreateDraft(ctx, cmd)
	if err != nil {
		t.Fatalf("CreateDraft: %v", err)
	}
	assertMoney(t, "draft total", draft.Total.Gross, "15.00")
	assertTotalEquation(t, draft)
	if used := env.voucherUsed(t, "HALF"); used != 0 {
		t.Fatalf("drafts must not consume usage, got %d", used)
	}

	order, err := env.orders.ConfirmDraft(ctx, draft.ID)
	if err != nil {
		t.Fatalf("ConfirmDraft: %v", err)
	}
	if used := env.voucherUsed(t, "HALF"); used != 1 {
		t.Fatalf("expected voucher used once, got %d", used)
	}
	if _, err := env.orders.Cancel(ctx, CancelOrderCommand{OrderID: order.ID, Restock: true}); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if used := env.voucherUsed(t, "HALF"); used != 0 {
		t.Fatalf("expected voucher usage released, got %d", used)
	}

	_, err = env.orders.ConfirmDraft(ctx, order.ID)
	assertCode(t, err, domain.CodeInvalidTransition)
}

func TestReturnLinesRefundsAndRestocks(t *testing.T) {
	env := newTestEnv(t)
	env.addVariant("mug", "10.00")
	env.putStock("mug", 10)
	ctx := context.Background()

	order := env.placeOrder(t, LineInput{VariantID: "mug", Quantity: 2})
	_, err := env.orders.ReturnLines(ctx, ReturnLinesCommand{
		OrderID: order.ID,
		Lines:   []ReturnLineInput{{OrderLineID: order.Lines[0].ID, Quantity: 1}},
	})
	assertCode(t, err, domain.CodeInvalidTransition)

	order = fulfill(t, env, order, map[string]int{"mug": 2})
	env.clock.Advance(time.Hour)
	order, err = env.orders.ReturnLines(ctx, ReturnLinesCommand{
		OrderID: order.ID,
		Lines:   []ReturnLineInput{{OrderLineID: order.Lines[0].ID, Quantity: 1}},
		Restock: true,
		Refund:  true,
	})
	if err != nil {
		t.Fatalf("ReturnLines: %v", err)
	}
	if order.Status != domain.OrderStatusPartiallyReturned {
		t.Fatalf("expected partially returned, got %s", order.Status)
	}
	assertMoney(t, "refunded", order.TotalRefunded, "10.00")
	assertMoney(t, "paid", order.TotalPaid(), "15.00")
	if row := env.stockRow(t, "mug"); row.Quantity != 9 {
		t.Fatalf("expected returned unit back in stock, got %+v", row)
	}
	returned := order.Fulfillments[len(order.Fulfillments)-1]
	if returned.Status != domain.FulfillmentReturned || returned.TotalRefund == nil || !returned.TotalRefund.Equal(usd("10.00")) {
		t.Fatalf("unexpected returned fulfillment %+v", returned)
	}
	events := env.eventTypes(t, order.ID)
	for _, want := range []domain.OrderEventType{domain.OrderEventFulfillmentReturned, domain.OrderEventFulfillmentRestockedItems, domain.OrderEventPaymentRefunded} {
		if !slices.Contains(events, want) {
			t.Fatalf("missing %s in %v", want, events)
		}
	}

	_, err = env.orders.ReturnLines(ctx, ReturnLinesCommand{
		OrderID: order.ID,
		Lines:   []ReturnLineInput{{OrderLineID: order.Lines[0].ID, Quantity: 2}},
	})
	assertCode(t, err, domain.CodeInvalid)
	assertEventsOrdered(t, env, order.ID)
}

func TestCancelFulfillmentAfterReturnKeepsStock(t *testing.T) {
	env := newTestEnv(t)
	env.addVariant("mug", "10.00")
	env.addVariant("cup", "5.00")
	env.putStock("mug", 10)
	env.putStock("cup", 10)
	ctx := context.Background()

	// Fully returned: the shipped fulfillment is emptied and can no longer be canceled.
	order := fulfill(t, env, env.placeOrder(t, LineInput{VariantID: "mug", Quantity: 2}), map[string]int{"mug": 2})
	shipped := order.Fulfillments[0].ID
	order, err := env.orders.ReturnLines(ctx, ReturnLinesCommand{
		OrderID: order.ID,
		Lines:   []ReturnLineInput{{OrderLineID: order.Lines[0].ID, Quantity: 2}},
		Restock: true,
	})
	if err != nil {
		t.Fatalf("ReturnLines: %v", err)
	}
	if order.Status != domain.OrderStatusReturned {
		t.Fatalf("expected returned order, got %s", order.Status)
	}
	if f := order.Fulfillments[order.FulfillmentIndex(shipped)]; f.Status != domain.FulfillmentReturned || f.Quantity() != 0 {
		t.Fatalf("expected emptied source fulfillment, got %+v", f)
	}
	_, err = env.orders.CancelFulfillment(ctx, CancelFulfillmentCommand{OrderID: order.ID, FulfillmentID: shipped, Restock: true})
	assertCode(t, err, domain.CodeInvalidTransition)
	if row := env.stockRow(t, "mug"); row.Quantity != 10 || row.QuantityAllocated != 0 {
		t.Fatalf("unexpected mug stock %+v", row)
	}

	// Partially returned: canceling restocks only what is still shipped.
	order = fulfill(t, env, env.placeOrder(t, LineInput{VariantID: "cup", Quantity: 3}), map[string]int{"cup": 3})
	shipped = order.Fulfillments[0].ID
	order, err = env.orders.ReturnLines(ctx, ReturnLinesCommand{
		OrderID: order.ID,
		Lines:   []ReturnLineInput{{OrderLineID: order.Lines[0].ID, Quantity: 2}},
		Restock: true,
	})
	if err != nil {
		t.Fatalf("ReturnLines: %v", err)
	}
	if f := order.Fulfillments[order.FulfillmentIndex(shipped)]; f.Status != domain.FulfillmentFulfilled || f.Quantity() != 1 {
		t.Fatalf("expected one unit left in source fulfillment, got %+v", f)
	}
	order, err = env.orders.CancelFulfillment(ctx, CancelFulfillmentCommand{OrderID: order.ID, FulfillmentID: shipped, Restock: true})
	if err != nil {
		t.Fatalf("CancelFulfillment: %v", err)
	}
	if row := env.stockRow(t, "cup"); row.Quantity != 10 || row.QuantityAllocated != 1 {
		t.Fatalf("unexpected cup stock %+v", row)
	}
	if order.Status != domain.OrderStatusPartiallyReturned || order.Lines[0].QuantityFulfilled != 2 {
		t.Fatalf("unexpected order %s with %d fulfilled", order.Status, order.Lines[0].QuantityFulfilled)
	}
	assertFulfillmentBound(t, order)
}

func TestMarkAsPaidCapturesOutstandingAmount(t *testing.T) {
	env := newTestEnv(t)
	env.addVariant("gadget", "10.00")
	env.putStock("gadget", 10)
	ctx := context.Background()

	draft, err := env.orders.CreateDraft(ctx, env.draftCommand(LineInput{VariantID: "gadget", Quantity: 1}))
	if err != nil {
		t.Fatalf("CreateDraft: %v", err)
	}
	_, err = env.orders.MarkAsPaid(ctx, draft.ID, "bank-1")
	assertCode(t, err, domain.CodeInvalidTransition)

	order, err := env.orders.ConfirmDraft(ctx, draft.ID)
	if err != nil {
		t.Fatalf("ConfirmDraft: %v", err)
	}
	if order.FullyPaidAt != nil {
		t.Fatalf("draft orders start unpaid")
	}
	order, err = env.orders.MarkAsPaid(ctx, order.ID, "bank-1")
	if err != nil {
		t.Fatalf("MarkAsPaid: %v", err)
	}
	assertMoney(t, "captured", order.TotalCaptured, "15.00")
	if order.FullyPaidAt == nil {
		t.Fatalf("expected fully paid order")
	}
	events := env.eventTypes(t, order.ID)
	if !slices.Contains(events, domain.OrderEventMarkedAsPaid) || !slices.Contains(events, domain.OrderEventFullyPaid) {
		t.Fatalf("missing payment events: %v", events)
	}
	_, err = env.orders.MarkAsPaid(ctx, order.ID, "bank-2")
	assertCode(t, err, domain.CodeInvalid)
}

func TestRefundPaymentRejectsExcessAmount(t *testing.T) {
	env := newTestEnv(t)
	env.addVariant("mug", "10.00")
	env.putStock("mug", 10)
	ctx := context.Background()

	order := env.placeOrder(t, LineInput{VariantID: "mug", Quantity: 1})
	tooMuch := usd("20.00")
	_, err := env.orders.RefundPayment(ctx, PaymentCommand{OrderID: order.ID, Amount: &tooMuch})
	assertCode(t, err, domain.CodeInvalid)

	partial := usd("5.00")
	order, err = env.orders.RefundPayment(ctx, PaymentCommand{OrderID: order.ID, Amount: &partial})
	if err != nil {
		t.Fatalf("RefundPayment: %v", err)
	}
	assertMoney(t, "refunded", order.TotalRefunded, "5.00")
	if env.notifier.count(domain.NotifyOrderRefundConfirmation) != 1 {
		t.Fatalf("expected refund notification")
	}
}

func TestAddNoteSanitizesMessage(t *testing.T) {
	env := newTestEnv(t)
	env.addVariant("mug", "10.00")
	env.putStock("mug", 10)
	ctx := context.Background()

	order := env.placeOrder(t, LineInput{VariantID: "mug", Quantity: 1})
	_, err := env.orders.AddNote(ctx, order.ID, "   ")
	assertCode(t, err, domain.CodeRequired)

	event, err := env.orders.AddNote(ctx, order.ID, "<script>alert(1)</script>Call before delivery")
	if err != nil {
		t.Fatalf("AddNote: %v", err)
	}
	payload, ok := event.Payload.(domain.NoteAddedPayload)
	if !ok {
		t.Fatalf("unexpected payload %T", event.Payload)
	}
	if payload.Message != "Call before delivery" {
		t.Fatalf("message = %q", payload.Message)
	}
}

func TestUpdateTrackingRecordsEvent(t *testing.T) {
	env := newTestEnv(t)
	env.addVariant("mug", "10.00")
	env.putStock("mug", 10)

	order := env.placeOrder(t, LineInput{VariantID: "mug", Quantity: 1})
	order = fulfill(t, env, order, map[string]int{"mug": 1})
	order, err := env.orders.UpdateTracking(context.Background(), order.ID, order.Fulfillments[0].ID, " 1Z999 ")
	if err != nil {
		t.Fatalf("UpdateTracking: %v", err)
	}
	if order.Fulfillments[0].TrackingNumber != "1Z999" {
		t.Fatalf("tracking = %q", order.Fulfillments[0].TrackingNumber)
	}
	events := env.eventTypes(t, order.ID)
	if events[len(events)-1] != domain.OrderEventTrackingUpdated {
		t.Fatalf("expected tracking event last, got %v", events)
	}
}
