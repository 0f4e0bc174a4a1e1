package domain

import (
	"testing"
	"time"
)

var ruleNow = time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)

func TestVoucherWindowAndUsage(t *testing.T) {
	end := ruleNow.Add(time.Hour)
	limit := 3
	voucher := Voucher{StartDate: ruleNow.Add(-time.Hour), EndDate: &end, UsageLimit: &limit, Used: 2}

	if !voucher.IsActiveAt(ruleNow) || !voucher.IsActiveAt(end) {
		t.Fatalf("expected voucher to be active inside its window")
	}
	if voucher.IsActiveAt(end.Add(time.Second)) || voucher.IsActiveAt(ruleNow.Add(-2*time.Hour)) {
		t.Fatalf("expected voucher to be inactive outside its window")
	}
	if voucher.ExhaustedUsage() {
		t.Fatalf("2 of 3 uses should not exhaust the voucher")
	}
	voucher.Used = 3
	if !voucher.ExhaustedUsage() {
		t.Fatalf("3 of 3 uses should exhaust the voucher")
	}
	voucher.UsageLimit = nil
	if voucher.ExhaustedUsage() {
		t.Fatalf("unlimited voucher reported exhausted")
	}
}

func TestGiftCardExpiresAfterItsLastDay(t *testing.T) {
	lastDay := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	card := GiftCard{IsActive: true, ExpiryDate: &lastDay}

	if card.IsExpired(ruleNow) || !card.UsableAt(ruleNow) {
		t.Fatalf("card should be usable on its expiry day")
	}
	if !card.IsExpired(ruleNow.Add(24*time.Hour)) {
		t.Fatalf("card should expire the day after")
	}
	card.IsActive = false
	if card.UsableAt(ruleNow) {
		t.Fatalf("inactive card reported usable")
	}
}

func TestCheckVariantAvailability(t *testing.T) {
	later := ruleNow.Add(time.Hour)
	earlier := ruleNow.Add(-time.Hour)
	variant := func(published bool, available *time.Time, listed bool) ProductVariant {
		v := ProductVariant{
			ID: "v1",
			Product: Product{ChannelListings: []ProductChannelListing{
				{ChannelSlug: "web", IsPublished: published, AvailableForPurchase: available},
			}},
		}
		if listed {
			v.ChannelListings = []VariantChannelListing{{ChannelSlug: "web", Price: MustMoney("1", "USD")}}
		}
		return v
	}
	tests := []struct {
		name    string
		variant ProductVariant
		want    ErrorCode
	}{
		{name: "available", variant: variant(true, &earlier, true)},
		{name: "not listed", variant: variant(true, &earlier, false), want: CodeUnavailableVariantInChannel},
		{name: "unpublished", variant: variant(false, &earlier, true), want: CodeProductNotPublished},
		{name: "not yet for sale", variant: variant(true, &later, true), want: CodeProductUnavailableForPurchase},
		{name: "no sale date", variant: variant(true, nil, true), want: CodeProductUnavailableForPurchase},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckVariantAvailability(tc.variant, "web", ruleNow)
			if got := ErrorCodeOf(err); got != tc.want {
				t.Fatalf("code = %q, want %q (err %v)", got, tc.want, err)
			}
		})
	}
}

func TestZoneServes(t *testing.T) {
	zone := ShippingZone{Countries: []string{"US", "CA"}, ChannelSlugs: []string{"web"}}
	if !ZoneServes(zone, "web", "CA") || !ZoneServes(zone, "web", "") {
		t.Fatalf("zone should serve its countries")
	}
	if ZoneServes(zone, "web", "MX") || ZoneServes(zone, "b2b", "US") {
		t.Fatalf("zone served an unknown country or channel")
	}
}

func TestOrderPaymentTotals(t *testing.T) {
	order := Order{
		Currency:      "USD",
		Total:         UntaxedMoney(MustMoney("30", "USD")),
		TotalCaptured: MustMoney("30", "USD"),
		TotalRefunded: MustMoney("5", "USD"),
		Discounts: []OrderDiscount{
			{Type: OrderDiscountVoucher, Amount: MustMoney("2", "USD")},
			{Type: OrderDiscountGiftCard, Amount: MustMoney("3.50", "USD")},
		},
	}
	if !order.IsFullyPaid() {
		t.Fatalf("captured total should mark the order paid")
	}
	if got := order.TotalPaid(); !got.Equal(MustMoney("25", "USD")) {
		t.Fatalf("total paid = %s", got)
	}
	if got := order.DiscountTotal(); !got.Equal(MustMoney("5.50", "USD")) {
		t.Fatalf("discount total = %s", got)
	}
	if got := order.Country("US"); got != "US" {
		t.Fatalf("fallback country = %q", got)
	}
}

func TestDecodeOrderEventPayload(t *testing.T) {
	data, err := EncodeOrderEventPayload(NoteAddedPayload{Message: "call before delivery"})
	if err != nil {
		t.Fatalf("EncodeOrderEventPayload: %v", err)
	}
	payload, err := DecodeOrderEventPayload(OrderEventNoteAdded, data)
	if err != nil {
		t.Fatalf("DecodeOrderEventPayload: %v", err)
	}
	note, ok := payload.(NoteAddedPayload)
	if !ok || note.Message != "call before delivery" {
		t.Fatalf("payload = %#v", payload)
	}

	payload, err = DecodeOrderEventPayload(OrderEventCanceled, nil)
	if err != nil {
		t.Fatalf("decode empty payload: %v", err)
	}
	if _, ok := payload.(CanceledPayload); !ok {
		t.Fatalf("payload = %#v", payload)
	}
	if _, err := DecodeOrderEventPayload(OrderEventType("BOGUS"), []byte("{}")); err == nil {
		t.Fatalf("expected unknown event type to fail")
	}
}
