package memory

import (
	"io"
	"time"

	"github.com/i-super/Saleor-sub000/internal/repositories/fixtures"
)

// LoadFixtures decodes YAML fixtures from r and seeds the store.
func (s *Store) LoadFixtures(r io.Reader, now time.Time) error {
	set, err := fixtures.Decode(r, now)
	if err != nil {
		return err
	}
	s.Seed(set)
	return nil
}

// Seed stores every value of the set, replacing existing entries with the same key.
func (s *Store) Seed(set fixtures.Set) {
	for _, channel := range set.Channels {
		s.PutChannel(channel)
	}
	for _, warehouse := range set.Warehouses {
		s.PutWarehouse(warehouse)
	}
	for _, zone := range set.ShippingZones {
		s.PutShippingZone(zone)
	}
	for _, method := range set.ShippingMethods {
		s.PutShippingMethod(method)
	}
	for _, variant := range set.Variants {
		s.PutVariant(variant)
	}
	for _, stock := range set.Stocks {
		s.PutStock(stock)
	}
	for _, voucher := range set.Vouchers {
		s.PutVoucher(voucher)
	}
	for _, card := range set.GiftCards {
		s.PutGiftCard(card)
	}
}
