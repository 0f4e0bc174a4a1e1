package memory

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
	"github.com/i-super/Saleor-sub000/internal/repositories"
)

type stockRepository struct{ s *Store }

func matchAny(values []string, v string) bool {
	return len(values) == 0 || slices.Contains(values, v)
}

func (r stockRepository) ListStocks(ctx context.Context, filter repositories.StockFilter) ([]domain.Stock, error) {
	var out []domain.Stock
	err := r.s.read(ctx, func(st *state) error {
		for _, stock := range st.stocks {
			if matchAny(filter.VariantIDs, stock.VariantID) &&
				matchAny(filter.WarehouseIDs, stock.WarehouseID) &&
				matchAny(filter.StockIDs, stock.ID) {
				out = append(out, stock)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (r stockRepository) ListStocksForUpdate(ctx context.Context, filter repositories.StockFilter) ([]domain.Stock, error) {
	if !repositories.InTx(ctx) {
		return nil, &repositories.StockError{Op: "stocks.list_for_update", Code: repositories.StockErrorOutsideTx}
	}
	return r.ListStocks(ctx, filter)
}

func (r stockRepository) GetOrCreateStock(ctx context.Context, warehouseID, variantID string) (domain.Stock, error) {
	var out domain.Stock
	err := r.s.write(ctx, func(st *state) error {
		for _, stock := range st.stocks {
			if stock.WarehouseID == warehouseID && stock.VariantID == variantID {
				out = stock
				return nil
			}
		}
		out = domain.Stock{ID: ulid.Make().String(), WarehouseID: warehouseID, VariantID: variantID}
		st.stocks[out.ID] = out
		return nil
	})
	return out, err
}

func (r stockRepository) UpdateStocks(ctx context.Context, stocks ...domain.Stock) error {
	return r.s.write(ctx, func(st *state) error {
		for _, stock := range stocks {
			if _, ok := st.stocks[stock.ID]; !ok {
				return &repositories.StockError{Op: "stocks.update", Code: repositories.StockErrorNotFound, StockID: stock.ID}
			}
			if stock.QuantityAllocated < 0 {
				return &repositories.StockError{Op: "stocks.update", Code: repositories.StockErrorNegativeAllocation, StockID: stock.ID}
			}
			st.stocks[stock.ID] = stock
		}
		return nil
	})
}

func (r stockRepository) ListAllocations(ctx context.Context, orderLineIDs []string) ([]domain.Allocation, error) {
	return r.listAllocations(ctx, func(a domain.Allocation) bool { return slices.Contains(orderLineIDs, a.OrderLineID) })
}

func (r stockRepository) ListAllocationsByStock(ctx context.Context, stockIDs []string) ([]domain.Allocation, error) {
	return r.listAllocations(ctx, func(a domain.Allocation) bool { return slices.Contains(stockIDs, a.StockID) })
}

func (r stockRepository) listAllocations(ctx context.Context, match func(domain.Allocation) bool) ([]domain.Allocation, error) {
	var out []domain.Allocation
	err := r.s.read(ctx, func(st *state) error {
		for _, allocation := range st.allocations {
			if match(allocation) {
				out = append(out, allocation)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].StockID != out[j].StockID {
			return out[i].StockID < out[j].StockID
		}
		return out[i].ID < out[j].ID
	})
	return out, err
}

func (r stockRepository) UpsertAllocations(ctx context.Context, allocations ...domain.Allocation) error {
	return r.s.write(ctx, func(st *state) error {
		for _, allocation := range allocations {
			if allocation.ID == "" {
				allocation.ID = ulid.Make().String()
			}
			st.allocations[allocation.ID] = allocation
		}
		return nil
	})
}

func (r stockRepository) DeleteAllocations(ctx context.Context, allocationIDs ...string) error {
	return r.s.write(ctx, func(st *state) error {
		for _, id := range allocationIDs {
			delete(st.allocations, id)
		}
		return nil
	})
}

func (r stockRepository) ListReservations(ctx context.Context, filter repositories.ReservationFilter) ([]domain.Reservation, error) {
	var out []domain.Reservation
	err := r.s.read(ctx, func(st *state) error {
		for _, res := range st.reservations {
			if filter.CheckoutToken != "" && res.CheckoutToken != filter.CheckoutToken {
				continue
			}
			if filter.ExcludeCheckout != "" && res.CheckoutToken == filter.ExcludeCheckout {
				continue
			}
			if !matchAny(filter.CheckoutLineID, res.CheckoutLineID) ||
				!matchAny(filter.VariantIDs, res.VariantID) ||
				!matchAny(filter.StockIDs, res.StockID) {
				continue
			}
			if filter.ActiveAt != nil && !res.Active(*filter.ActiveAt) {
				continue
			}
			out = append(out, res)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (r stockRepository) InsertReservations(ctx context.Context, reservations ...domain.Reservation) error {
	return r.s.write(ctx, func(st *state) error {
		for _, res := range reservations {
			if res.ID == "" {
				res.ID = ulid.Make().String()
			}
			st.reservations[res.ID] = res
		}
		return nil
	})
}

func (r stockRepository) DeleteReservations(ctx context.Context, reservationIDs ...string) error {
	return r.s.write(ctx, func(st *state) error {
		for _, id := range reservationIDs {
			delete(st.reservations, id)
		}
		return nil
	})
}

func (r stockRepository) DeleteExpiredReservations(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	err := r.s.write(ctx, func(st *state) error {
		for id, res := range st.reservations {
			if !res.Active(now) {
				delete(st.reservations, id)
				removed++
			}
		}
		return nil
	})
	return removed, err
}

func (r stockRepository) SumPreorderAllocations(ctx context.Context, variantID, channelSlug string) (int, error) {
	total := 0
	err := r.s.read(ctx, func(st *state) error {
		for _, alloc := range st.preorders {
			if alloc.VariantID == variantID && (channelSlug == "" || alloc.ChannelSlug == channelSlug) {
				total += alloc.Quantity
			}
		}
		return nil
	})
	return total, err
}

func (r stockRepository) ListPreorderAllocations(ctx context.Context, orderLineIDs []string) ([]domain.PreorderAllocation, error) {
	var out []domain.PreorderAllocation
	err := r.s.read(ctx, func(st *state) error {
		for _, alloc := range st.preorders {
			if slices.Contains(orderLineIDs, alloc.OrderLineID) {
				out = append(out, alloc)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (r stockRepository) InsertPreorderAllocations(ctx context.Context, allocations ...domain.PreorderAllocation) error {
	return r.s.write(ctx, func(st *state) error {
		for _, alloc := range allocations {
			if alloc.ID == "" {
				alloc.ID = ulid.Make().String()
			}
			st.preorders[alloc.ID] = alloc
		}
		return nil
	})
}

func (r stockRepository) DeletePreorderAllocations(ctx context.Context, ids ...string) error {
	return r.s.write(ctx, func(st *state) error {
		for _, id := range ids {
			delete(st.preorders, id)
		}
		return nil
	})
}
