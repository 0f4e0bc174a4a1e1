package mysql

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm/clause"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
	"github.com/i-super/Saleor-sub000/internal/repositories"
	"github.com/i-super/Saleor-sub000/internal/repositories/fixtures"
)

func getEntry[T any](ctx context.Context, s *Store, op, kind, id string) (T, error) {
	var (
		out   T
		model catalogModel
	)
	if err := s.conn(ctx).Where("kind = ? AND id = ?", kind, id).Take(&model).Error; err != nil {
		return out, translate(op, err)
	}
	if err := json.Unmarshal(model.Document, &out); err != nil {
		return out, fmt.Errorf("%s: decode %s %s: %w", op, kind, id, err)
	}
	return out, nil
}

// listEntries returns entries of kind sorted by id. A nil ids slice selects every entry.
func listEntries[T any](ctx context.Context, s *Store, op, kind string, ids []string) ([]T, error) {
	db := s.conn(ctx).Where("kind = ?", kind)
	if ids != nil {
		if len(ids) == 0 {
			return nil, nil
		}
		db = db.Where("id IN ?", ids)
	}
	var models []catalogModel
	if err := db.Order("id ASC").Find(&models).Error; err != nil {
		return nil, translate(op, err)
	}
	out := make([]T, 0, len(models))
	for _, m := range models {
		var v T
		if err := json.Unmarshal(m.Document, &v); err != nil {
			return nil, fmt.Errorf("%s: decode %s %s: %w", op, kind, m.ID, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *Store) putEntry(ctx context.Context, kind, id string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("mysql: encode %s %s: %w", kind, id, err)
	}
	model := catalogModel{Kind: kind, ID: id, Document: raw}
	err = s.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "kind"}, {Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"document"}),
	}).Create(&model).Error
	return translate("catalog.put", err)
}

// Seed upserts a fixture set in one transaction. Stock rows are keyed by (warehouse, variant)
// so reseeding resets quantities without duplicating rows.
func (s *Store) Seed(ctx context.Context, set fixtures.Set) error {
	return s.RunInTx(ctx, func(ctx context.Context) error {
		for _, c := range set.Channels {
			if err := s.putEntry(ctx, kindChannel, c.Slug, c); err != nil {
				return err
			}
		}
		for _, w := range set.Warehouses {
			if err := s.putEntry(ctx, kindWarehouse, w.ID, w); err != nil {
				return err
			}
		}
		for _, z := range set.ShippingZones {
			if err := s.putEntry(ctx, kindShippingZone, z.ID, z); err != nil {
				return err
			}
		}
		for _, m := range set.ShippingMethods {
			if err := s.putEntry(ctx, kindShippingMethod, m.ID, m); err != nil {
				return err
			}
		}
		for _, v := range set.Variants {
			if err := s.putEntry(ctx, kindVariant, v.ID, v); err != nil {
				return err
			}
		}
		for _, st := range set.Stocks {
			model := stockModel{ID: st.ID, WarehouseID: st.WarehouseID, VariantID: st.VariantID, Quantity: st.Quantity}
			err := s.conn(ctx).Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "warehouse_id"}, {Name: "variant_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"quantity"}),
			}).Create(&model).Error
			if err != nil {
				return translate("catalog.seed_stock", err)
			}
		}
		for _, v := range set.Vouchers {
			model := voucherModel{ID: v.ID, Code: v.Code, Used: v.Used, UsageLimit: v.UsageLimit, Document: doc(v)}
			err := s.conn(ctx).Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"code", "usage_limit", "document"}),
			}).Create(&model).Error
			if err != nil {
				return translate("catalog.seed_voucher", err)
			}
		}
		for _, g := range set.GiftCards {
			model := toGiftCardModel(g)
			if err := s.conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model).Error; err != nil {
				return translate("catalog.seed_gift_card", err)
			}
		}
		return nil
	})
}

// PutSale stores or replaces a sale.
func (s *Store) PutSale(ctx context.Context, sale domain.Sale) error {
	return s.putEntry(ctx, kindSale, sale.ID, sale)
}

type variantReader struct{ s *Store }

func (r variantReader) GetVariant(ctx context.Context, variantID string) (domain.ProductVariant, error) {
	return getEntry[domain.ProductVariant](ctx, r.s, "variants.get", kindVariant, variantID)
}

// ListVariants fails when any requested variant is missing.
func (r variantReader) ListVariants(ctx context.Context, variantIDs []string) ([]domain.ProductVariant, error) {
	found, err := listEntries[domain.ProductVariant](ctx, r.s, "variants.list", kindVariant, variantIDs)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.ProductVariant, len(found))
	for _, v := range found {
		byID[v.ID] = v
	}
	out := make([]domain.ProductVariant, 0, len(variantIDs))
	for _, id := range variantIDs {
		variant, ok := byID[id]
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
	warehouseIDs, err := r.s.servingWarehouses(ctx, channelSlug, countryCode)
	if err != nil || len(warehouseIDs) == 0 {
		return nil, err
	}
	return stockRepository{r.s}.ListStocks(ctx, repositories.StockFilter{VariantIDs: variantIDs, WarehouseIDs: warehouseIDs})
}

// servingWarehouses returns the channel warehouses with a shipping zone covering the country.
func (s *Store) servingWarehouses(ctx context.Context, channelSlug, country string) ([]string, error) {
	channel, err := channelRepository{s}.GetBySlug(ctx, channelSlug)
	if err != nil {
		if repositories.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	warehouses, err := warehouseRepository{s}.ListByIDs(ctx, channel.WarehouseIDs)
	if err != nil {
		return nil, err
	}
	var zoneIDs []string
	for _, w := range warehouses {
		zoneIDs = append(zoneIDs, w.ShippingZoneIDs...)
	}
	zones, err := listEntries[domain.ShippingZone](ctx, s, "shipping.list_zones", kindShippingZone, zoneIDs)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.ShippingZone, len(zones))
	for _, z := range zones {
		byID[z.ID] = z
	}
	var out []string
	for _, w := range warehouses {
		for _, zoneID := range w.ShippingZoneIDs {
			if zone, ok := byID[zoneID]; ok && domain.ZoneServes(zone, channelSlug, country) {
				out = append(out, w.ID)
				break
			}
		}
	}
	return out, nil
}

type channelRepository struct{ s *Store }

func (r channelRepository) GetBySlug(ctx context.Context, slug string) (domain.Channel, error) {
	return getEntry[domain.Channel](ctx, r.s, "channels.get", kindChannel, slug)
}

type shippingRepository struct{ s *Store }

func (r shippingRepository) GetMethod(ctx context.Context, methodID string) (domain.ShippingMethod, error) {
	return getEntry[domain.ShippingMethod](ctx, r.s, "shipping.get_method", kindShippingMethod, methodID)
}

func (r shippingRepository) ListZones(ctx context.Context, channelSlug string) ([]domain.ShippingZone, error) {
	zones, err := listEntries[domain.ShippingZone](ctx, r.s, "shipping.list_zones", kindShippingZone, nil)
	if err != nil {
		return nil, err
	}
	out := zones[:0]
	for _, zone := range zones {
		if slices.Contains(zone.ChannelSlugs, channelSlug) {
			out = append(out, zone)
		}
	}
	return out, nil
}

func (r shippingRepository) ListMethodsForZones(ctx context.Context, zoneIDs []string) ([]domain.ShippingMethod, error) {
	methods, err := listEntries[domain.ShippingMethod](ctx, r.s, "shipping.list_methods", kindShippingMethod, nil)
	if err != nil {
		return nil, err
	}
	out := methods[:0]
	for _, method := range methods {
		if slices.Contains(zoneIDs, method.ShippingZoneID) {
			out = append(out, method)
		}
	}
	return out, nil
}

type warehouseRepository struct{ s *Store }

func (r warehouseRepository) Get(ctx context.Context, warehouseID string) (domain.Warehouse, error) {
	return getEntry[domain.Warehouse](ctx, r.s, "warehouses.get", kindWarehouse, warehouseID)
}

// ListByIDs keeps the order of ids and skips unknown warehouses.
func (r warehouseRepository) ListByIDs(ctx context.Context, ids []string) ([]domain.Warehouse, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	found, err := listEntries[domain.Warehouse](ctx, r.s, "warehouses.list", kindWarehouse, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.Warehouse, len(found))
	for _, w := range found {
		byID[w.ID] = w
	}
	out := make([]domain.Warehouse, 0, len(found))
	for _, id := range ids {
		if w, ok := byID[id]; ok {
			out = append(out, w)
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

func (r saleRepository) ListActive(ctx context.Context, channelSlug string, at time.Time) ([]domain.Sale, error) {
	sales, err := listEntries[domain.Sale](ctx, r.s, "sales.list_active", kindSale, nil)
	if err != nil {
		return nil, err
	}
	out := sales[:0]
	for _, sale := range sales {
		if _, ok := sale.ListingFor(channelSlug); ok && sale.IsActiveAt(at) {
			out = append(out, sale)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type counterRepository struct{ s *Store }

// Next inserts the counter row on first use and then advances it under a row lock.
func (r counterRepository) Next(ctx context.Context, name string, step int64) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" || step <= 0 {
		return 0, &repositories.CounterError{Name: name, Code: repositories.CounterErrorInvalidInput}
	}
	var next int64
	err := r.s.RunInTx(ctx, func(ctx context.Context) error {
		db := r.s.conn(ctx)
		if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&counterModel{Name: name}).Error; err != nil {
			return translate("counters.next", err)
		}
		var model counterModel
		if err := db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("name = ?", name).Take(&model).Error; err != nil {
			return translate("counters.next", err)
		}
		if model.Value > math.MaxInt64-step {
			return &repositories.CounterError{Name: name, Code: repositories.CounterErrorExhausted}
		}
		next = model.Value + step
		return translate("counters.next", db.Model(&counterModel{}).Where("name = ?", name).UpdateColumn("value", next).Error)
	})
	return next, err
}
