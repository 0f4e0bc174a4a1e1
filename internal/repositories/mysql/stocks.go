package mysql

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
	"github.com/i-super/Saleor-sub000/internal/repositories"
)

type stockRepository struct{ s *Store }

func applyStockFilter(db *gorm.DB, filter repositories.StockFilter) *gorm.DB {
	if len(filter.VariantIDs) > 0 {
		db = db.Where("variant_id IN ?", filter.VariantIDs)
	}
	if len(filter.WarehouseIDs) > 0 {
		db = db.Where("warehouse_id IN ?", filter.WarehouseIDs)
	}
	if len(filter.StockIDs) > 0 {
		db = db.Where("id IN ?", filter.StockIDs)
	}
	return db.Order("id ASC")
}

func (r stockRepository) ListStocks(ctx context.Context, filter repositories.StockFilter) ([]domain.Stock, error) {
	var models []stockModel
	if err := applyStockFilter(r.s.conn(ctx), filter).Find(&models).Error; err != nil {
		return nil, translate("stocks.list", err)
	}
	return stocksToDomain(models), nil
}

// ListStocksForUpdate takes row locks in ascending id order so concurrent allocations cannot
// deadlock on each other.
func (r stockRepository) ListStocksForUpdate(ctx context.Context, filter repositories.StockFilter) ([]domain.Stock, error) {
	if !repositories.InTx(ctx) {
		return nil, &repositories.StockError{Op: "stocks.list_for_update", Code: repositories.StockErrorOutsideTx}
	}
	var models []stockModel
	db := applyStockFilter(r.s.conn(ctx), filter).Clauses(clause.Locking{Strength: "UPDATE"})
	if err := db.Find(&models).Error; err != nil {
		return nil, translate("stocks.list_for_update", err)
	}
	return stocksToDomain(models), nil
}

func (r stockRepository) GetOrCreateStock(ctx context.Context, warehouseID, variantID string) (domain.Stock, error) {
	candidate := stockModel{ID: ulid.Make().String(), WarehouseID: warehouseID, VariantID: variantID}
	db := r.s.conn(ctx)
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&candidate).Error; err != nil {
		return domain.Stock{}, translate("stocks.get_or_create", err)
	}
	var model stockModel
	err := db.Where("warehouse_id = ? AND variant_id = ?", warehouseID, variantID).Take(&model).Error
	if err != nil {
		return domain.Stock{}, translate("stocks.get_or_create", err)
	}
	return model.toDomain(), nil
}

func (r stockRepository) UpdateStocks(ctx context.Context, stocks ...domain.Stock) error {
	db := r.s.conn(ctx)
	for _, stock := range stocks {
		if stock.QuantityAllocated < 0 {
			return &repositories.StockError{Op: "stocks.update", Code: repositories.StockErrorNegativeAllocation, StockID: stock.ID}
		}
		res := db.Model(&stockModel{}).Where("id = ?", stock.ID).Updates(map[string]any{
			"quantity":           stock.Quantity,
			"quantity_allocated": stock.QuantityAllocated,
		})
		if res.Error != nil {
			return translate("stocks.update", res.Error)
		}
		if res.RowsAffected == 0 {
			if err := r.s.requireRow(ctx, "stocks.update", &stockModel{}, "id = ?", stock.ID); err != nil {
				return &repositories.StockError{Op: "stocks.update", Code: repositories.StockErrorNotFound, StockID: stock.ID, Err: err}
			}
		}
	}
	return nil
}

func (r stockRepository) ListAllocations(ctx context.Context, orderLineIDs []string) ([]domain.Allocation, error) {
	return r.listAllocations(ctx, "order_line_id IN ?", orderLineIDs)
}

func (r stockRepository) ListAllocationsByStock(ctx context.Context, stockIDs []string) ([]domain.Allocation, error) {
	return r.listAllocations(ctx, "stock_id IN ?", stockIDs)
}

func (r stockRepository) listAllocations(ctx context.Context, query string, ids []string) ([]domain.Allocation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var models []allocationModel
	if err := r.s.conn(ctx).Where(query, ids).Order("stock_id ASC, id ASC").Find(&models).Error; err != nil {
		return nil, translate("stocks.list_allocations", err)
	}
	out := make([]domain.Allocation, 0, len(models))
	for _, m := range models {
		out = append(out, domain.Allocation{
			ID:                m.ID,
			OrderLineID:       m.OrderLineID,
			StockID:           m.StockID,
			QuantityAllocated: m.QuantityAllocated,
		})
	}
	return out, nil
}

func (r stockRepository) UpsertAllocations(ctx context.Context, allocations ...domain.Allocation) error {
	if len(allocations) == 0 {
		return nil
	}
	models := make([]allocationModel, 0, len(allocations))
	for _, a := range allocations {
		if a.ID == "" {
			a.ID = ulid.Make().String()
		}
		models = append(models, allocationModel{
			ID:                a.ID,
			OrderLineID:       a.OrderLineID,
			StockID:           a.StockID,
			QuantityAllocated: a.QuantityAllocated,
		})
	}
	err := r.s.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"order_line_id", "stock_id", "quantity_allocated"}),
	}).Create(&models).Error
	return translate("stocks.upsert_allocations", err)
}

func (r stockRepository) DeleteAllocations(ctx context.Context, allocationIDs ...string) error {
	if len(allocationIDs) == 0 {
		return nil
	}
	return translate("stocks.delete_allocations", r.s.conn(ctx).Where("id IN ?", allocationIDs).Delete(&allocationModel{}).Error)
}

func (r stockRepository) ListReservations(ctx context.Context, filter repositories.ReservationFilter) ([]domain.Reservation, error) {
	db := r.s.conn(ctx)
	if filter.CheckoutToken != "" {
		db = db.Where("checkout_token = ?", filter.CheckoutToken)
	}
	if filter.ExcludeCheckout != "" {
		db = db.Where("checkout_token <> ?", filter.ExcludeCheckout)
	}
	if len(filter.CheckoutLineID) > 0 {
		db = db.Where("checkout_line_id IN ?", filter.CheckoutLineID)
	}
	if len(filter.VariantIDs) > 0 {
		db = db.Where("variant_id IN ?", filter.VariantIDs)
	}
	if len(filter.StockIDs) > 0 {
		db = db.Where("stock_id IN ?", filter.StockIDs)
	}
	if filter.ActiveAt != nil {
		db = db.Where("reserved_until > ?", *filter.ActiveAt)
	}
	var models []reservationModel
	if err := db.Order("id ASC").Find(&models).Error; err != nil {
		return nil, translate("stocks.list_reservations", err)
	}
	out := make([]domain.Reservation, 0, len(models))
	for _, m := range models {
		out = append(out, domain.Reservation{
			ID:               m.ID,
			CheckoutToken:    m.CheckoutToken,
			CheckoutLineID:   m.CheckoutLineID,
			StockID:          m.StockID,
			VariantID:        m.VariantID,
			QuantityReserved: m.QuantityReserved,
			ReservedUntil:    m.ReservedUntil.UTC(),
		})
	}
	return out, nil
}

func (r stockRepository) InsertReservations(ctx context.Context, reservations ...domain.Reservation) error {
	if len(reservations) == 0 {
		return nil
	}
	models := make([]reservationModel, 0, len(reservations))
	for _, res := range reservations {
		if res.ID == "" {
			res.ID = ulid.Make().String()
		}
		models = append(models, reservationModel{
			ID:               res.ID,
			CheckoutToken:    res.CheckoutToken,
			CheckoutLineID:   res.CheckoutLineID,
			StockID:          res.StockID,
			VariantID:        res.VariantID,
			QuantityReserved: res.QuantityReserved,
			ReservedUntil:    res.ReservedUntil,
		})
	}
	return translate("stocks.insert_reservations", r.s.conn(ctx).Create(&models).Error)
}

func (r stockRepository) DeleteReservations(ctx context.Context, reservationIDs ...string) error {
	if len(reservationIDs) == 0 {
		return nil
	}
	return translate("stocks.delete_reservations", r.s.conn(ctx).Where("id IN ?", reservationIDs).Delete(&reservationModel{}).Error)
}

func (r stockRepository) DeleteExpiredReservations(ctx context.Context, now time.Time) (int, error) {
	res := r.s.conn(ctx).Where("reserved_until <= ?", now).Delete(&reservationModel{})
	if res.Error != nil {
		return 0, translate("stocks.delete_expired_reservations", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (r stockRepository) SumPreorderAllocations(ctx context.Context, variantID, channelSlug string) (int, error) {
	db := r.s.conn(ctx).Model(&preorderAllocationModel{}).Where("variant_id = ?", variantID)
	if channelSlug != "" {
		db = db.Where("channel_slug = ?", channelSlug)
	}
	var total int64
	if err := db.Select("COALESCE(SUM(quantity), 0)").Scan(&total).Error; err != nil {
		return 0, translate("stocks.sum_preorders", err)
	}
	return int(total), nil
}

func (r stockRepository) ListPreorderAllocations(ctx context.Context, orderLineIDs []string) ([]domain.PreorderAllocation, error) {
	if len(orderLineIDs) == 0 {
		return nil, nil
	}
	var models []preorderAllocationModel
	if err := r.s.conn(ctx).Where("order_line_id IN ?", orderLineIDs).Order("id ASC").Find(&models).Error; err != nil {
		return nil, translate("stocks.list_preorders", err)
	}
	out := make([]domain.PreorderAllocation, 0, len(models))
	for _, m := range models {
		out = append(out, domain.PreorderAllocation{
			ID:          m.ID,
			OrderLineID: m.OrderLineID,
			VariantID:   m.VariantID,
			ChannelSlug: m.ChannelSlug,
			Quantity:    m.Quantity,
		})
	}
	return out, nil
}

func (r stockRepository) InsertPreorderAllocations(ctx context.Context, allocations ...domain.PreorderAllocation) error {
	if len(allocations) == 0 {
		return nil
	}
	models := make([]preorderAllocationModel, 0, len(allocations))
	for _, a := range allocations {
		if a.ID == "" {
			a.ID = ulid.Make().String()
		}
		models = append(models, preorderAllocationModel{
			ID:          a.ID,
			OrderLineID: a.OrderLineID,
			VariantID:   a.VariantID,
			ChannelSlug: a.ChannelSlug,
			Quantity:    a.Quantity,
		})
	}
	return translate("stocks.insert_preorders", r.s.conn(ctx).Create(&models).Error)
}

func (r stockRepository) DeletePreorderAllocations(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return translate("stocks.delete_preorders", r.s.conn(ctx).Where("id IN ?", ids).Delete(&preorderAllocationModel{}).Error)
}

func stocksToDomain(models []stockModel) []domain.Stock {
	out := make([]domain.Stock, 0, len(models))
	for _, m := range models {
		out = append(out, m.toDomain())
	}
	return out
}
