package memory

import (
	"context"
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
	"github.com/i-super/Saleor-sub000/internal/repositories"
)

// catalog holds the consumed, read-mostly sales context. It lives outside the transactional
// state because the core never writes it.
type catalog struct {
	mu         sync.RWMutex
	variants   map[string]domain.ProductVariant
	channels   map[string]domain.Channel
	zones      map[string]domain.ShippingZone
	methods    map[string]domain.ShippingMethod
	warehouses map[string]domain.Warehouse
	sales      map[string]domain.Sale
}

func newCatalog() *catalog {
	return &catalog{
		variants:   map[string]domain.ProductVariant{},
		channels:   map[string]domain.Channel{},
		zones:      map[string]domain.ShippingZone{},
		methods:    map[string]domain.ShippingMethod{},
		warehouses: map[string]domain.Warehouse{},
		sales:      map[string]domain.Sale{},
	}
}

// PutChannel stores or replaces a channel.
func (s *Store) PutChannel(channel domain.Channel) {
	s.catalog.mu.Lock()
	defer s.catalog.mu.Unlock()
	s.catalog.channels[channel.Slug] = channel
}

// PutVariant stores or replaces a variant.
func (s *Store) PutVariant(variant domain.ProductVariant) {
	s.catalog.mu.Lock()
	defer s.catalog.mu.Unlock()
	s.catalog.variants[variant.ID] = variant
}

// PutWarehouse stores or replaces a warehouse.
func (s *Store) PutWarehouse(warehouse domain.Warehouse) {
	s.catalog.mu.Lock()
	defer s.catalog.mu.Unlock()
	s.catalog.warehouses[warehouse.ID] = warehouse
}

// PutShippingZone stores or replaces a shipping zone.
func (s *Store) PutShippingZone(zone domain.ShippingZone) {
	s.catalog.mu.Lock()
	defer s.catalog.mu.Unlock()
	s.catalog.zones[zone.ID] = zone
}

// PutShippingMethod stores or replaces a shipping method.
func (s *Store) PutShippingMethod(method domain.ShippingMethod) {
	s.catalog.mu.Lock()
	defer s.catalog.mu.Unlock()
	s.catalog.methods[method.ID] = method
}

// PutSale stores or replaces a sale.
func (s *Store) PutSale(sale domain.Sale) {
	s.catalog.mu.Lock()
	defer s.catalog.mu.Unlock()
	s.catalog.sales[sale.ID] = sale
}

// PutStock stores or replaces a stock row outside any transaction.
func (s *Store) PutStock(stock domain.Stock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.stocks[stock.ID] = stock
}

// PutVoucher stores or replaces a voucher.
func (s *Store) PutVoucher(voucher domain.Voucher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.vouchers[voucher.ID] = voucher
}

// PutGiftCard stores or replaces a gift card.
func (s *Store) PutGiftCard(card domain.GiftCard) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.giftCards[card.ID] = card
}

type variantReader struct{ s *Store }

func (r variantReader) GetVariant(_ context.Context, variantID string) (domain.ProductVariant, error) {
	r.s.catalog.mu.RLock()
	defer r.s.catalog.mu.RUnlock()
	variant, ok := r.s.catalog.variants[variantID]
	if !ok {
		return domain.ProductVariant{}, repositories.NotFound("variants.get", "variant %s", variantID)
	}
	return variant, nil
}

func (r variantReader) ListVariants(_ context.Context, variantIDs []string) ([]domain.ProductVariant, error) {
	r.s.catalog.mu.RLock()
	defer r.s.catalog.mu.RUnlock()
	out := make([]domain.ProductVariant, 0, len(variantIDs))
	for _, id := range variantIDs {
		variant, ok := r.s.catalog.variants[id]
		if !ok {
			return nil, repositories.NotFound("variants.list", "variant %s", id)
		}
		out = append(out, variant)
	}
	return out, nil
}

func (r variantReader) CheckActiveForPurchase(ctx context.Context, variantID, channelSlug string, at time.Time) error {
	variant, err := r.GetVariant(ctx, variantID)
	if err != nil {
		return err
	}
	return domain.CheckVariantAvailability(variant, channelSlug, at)
}

func (r variantReader) ListStocksForChannelAndCountry(ctx context.Context, variantIDs []string, channelSlug, countryCode string) ([]domain.Stock, error) {
	warehouseIDs := r.s.servingWarehouses(channelSlug, countryCode)
	if len(warehouseIDs) == 0 {
		return nil, nil
	}
	return stockRepository{r.s}.ListStocks(ctx, repositories.StockFilter{VariantIDs: variantIDs, WarehouseIDs: warehouseIDs})
}

// servingWarehouses returns the channel warehouses with a shipping zone covering the country.
func (s *Store) servingWarehouses(channelSlug, country string) []string {
	s.catalog.mu.RLock()
	defer s.catalog.mu.RUnlock()
	channel, ok := s.catalog.channels[channelSlug]
	if !ok {
		return nil
	}
	var out []string
	for _, id := range channel.WarehouseIDs {
		warehouse, ok := s.catalog.warehouses[id]
		if !ok {
			continue
		}
		for _, zoneID := range warehouse.ShippingZoneIDs {
			if zone, ok := s.catalog.zones[zoneID]; ok && domain.ZoneServes(zone, channelSlug, country) {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

type channelRepository struct{ s *Store }

func (r channelRepository) GetBySlug(_ context.Context, slug string) (domain.Channel, error) {
	r.s.catalog.mu.RLock()
	defer r.s.catalog.mu.RUnlock()
	channel, ok := r.s.catalog.channels[slug]
	if !ok {
		return domain.Channel{}, repositories.NotFound("channels.get", "channel %s", slug)
	}
	return channel, nil
}

type shippingRepository struct{ s *Store }

func (r shippingRepository) GetMethod(_ context.Context, methodID string) (domain.ShippingMethod, error) {
	r.s.catalog.mu.RLock()
	defer r.s.catalog.mu.RUnlock()
	method, ok := r.s.catalog.methods[methodID]
	if !ok {
		return domain.ShippingMethod{}, repositories.NotFound("shipping.get_method", "method %s", methodID)
	}
	return method, nil
}

func (r shippingRepository) ListZones(_ context.Context, channelSlug string) ([]domain.ShippingZone, error) {
	r.s.catalog.mu.RLock()
	defer r.s.catalog.mu.RUnlock()
	var out []domain.ShippingZone
	for _, zone := range r.s.catalog.zones {
		if slices.Contains(zone.ChannelSlugs, channelSlug) {
			out = append(out, zone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r shippingRepository) ListMethodsForZones(_ context.Context, zoneIDs []string) ([]domain.ShippingMethod, error) {
	r.s.catalog.mu.RLock()
	defer r.s.catalog.mu.RUnlock()
	var out []domain.ShippingMethod
	for _, method := range r.s.catalog.methods {
		if slices.Contains(zoneIDs, method.ShippingZoneID) {
			out = append(out, method)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type warehouseRepository struct{ s *Store }

func (r warehouseRepository) Get(_ context.Context, warehouseID string) (domain.Warehouse, error) {
	r.s.catalog.mu.RLock()
	defer r.s.catalog.mu.RUnlock()
	warehouse, ok := r.s.catalog.warehouses[warehouseID]
	if !ok {
		return domain.Warehouse{}, repositories.NotFound("warehouses.get", "warehouse %s", warehouseID)
	}
	return warehouse, nil
}

func (r warehouseRepository) ListByIDs(_ context.Context, ids []string) ([]domain.Warehouse, error) {
	r.s.catalog.mu.RLock()
	defer r.s.catalog.mu.RUnlock()
	out := make([]domain.Warehouse, 0, len(ids))
	for _, id := range ids {
		if warehouse, ok := r.s.catalog.warehouses[id]; ok {
			out = append(out, warehouse)
		}
	}
	return out, nil
}

func (r warehouseRepository) ListForChannel(ctx context.Context, channelSlug string) ([]domain.Warehouse, error) {
	channel, err := channelRepository{r.s}.GetBySlug(ctx, channelSlug)
	if err != nil {
		return nil, err
	}
	return r.ListByIDs(ctx, channel.WarehouseIDs)
}

type saleRepository struct{ s *Store }

func (r saleRepository) ListActive(_ context.Context, channelSlug string, at time.Time) ([]domain.Sale, error) {
	r.s.catalog.mu.RLock()
	defer r.s.catalog.mu.RUnlock()
	var out []domain.Sale
	for _, sale := range r.s.catalog.sales {
		if _, ok := sale.ListingFor(channelSlug); ok && sale.IsActiveAt(at) {
			out = append(out, sale)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type counterRepository struct{ s *Store }

func (r counterRepository) Next(ctx context.Context, name string, step int64) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" || step <= 0 {
		return 0, &repositories.CounterError{Name: name, Code: repositories.CounterErrorInvalidInput}
	}
	var next int64
	err := r.s.write(ctx, func(st *state) error {
		current := st.counters[name]
		if current > math.MaxInt64-step {
			return &repositories.CounterError{Name: name, Code: repositories.CounterErrorExhausted}
		}
		next = current + step
		st.counters[name] = next
		return nil
	})
	return next, err
}
