package services

import (
	"context"
	"fmt"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
	"github.com/i-super/Saleor-sub000/internal/repositories"
)

// ReserveStocks holds stock for checkout lines until now+Duration. A zero duration disables
// reservations. The whole request fails with INSUFFICIENT_STOCK when any line cannot be held.
func (s *stockService) ReserveStocks(ctx context.Context, cmd ReserveCommand) error {
	if cmd.Duration <= 0 || cmd.CheckoutToken == "" {
		return nil
	}
	now := s.clock()
	return s.runInTx(ctx, func(ctx context.Context) error {
		filter := repositories.ReservationFilter{CheckoutToken: cmd.CheckoutToken}
		if !cmd.Replace {
			for _, line := range cmd.Lines {
				filter.CheckoutLineID = append(filter.CheckoutLineID, line.ID)
			}
		}
		if cmd.Replace || len(filter.CheckoutLineID) > 0 {
			if err := s.deleteReservations(ctx, filter); err != nil {
				return err
			}
		}

		var lines []CheckoutLine
		var variantIDs []string
		for _, line := range cmd.Lines {
			variant, ok := cmd.Variants[line.VariantID]
			if !ok || !variant.TrackInventory || variant.ActivePreorder(now) || line.Quantity <= 0 {
				continue
			}
			lines = append(lines, line)
			variantIDs = append(variantIDs, line.VariantID)
		}
		if len(lines) == 0 {
			return nil
		}

		channel, err := s.channels.GetBySlug(ctx, cmd.ChannelSlug)
		if err != nil {
			return mapRepositoryError(err, nil, "channel", "Channel does not exist.")
		}
		stocks, err := s.variants.ListStocksForChannelAndCountry(ctx, variantIDs, cmd.ChannelSlug, cmd.Country)
		if err != nil {
			return fmt.Errorf("stock service: list stocks: %w", err)
		}
		locked, err := s.lockStocks(ctx, stockIDs(stocks))
		if err != nil {
			return err
		}
		reserved := map[string]int{}
		if len(locked) > 0 {
			reserved, err = s.reservedByOthers(ctx, stockIDs(locked), cmd.CheckoutToken)
			if err != nil {
				return err
			}
		}
		byVariant := map[string][]domain.Stock{}
		for _, stock := range locked {
			byVariant[stock.VariantID] = append(byVariant[stock.VariantID], stock)
		}

		planned := map[string]int{}
		var reservations []domain.Reservation
		var missing []domain.InsufficientStockItem
		for _, line := range lines {
			rows := orderStocks(byVariant[line.VariantID], channel, "", reserved)
			need := line.Quantity
			free := 0
			for _, stock := range rows {
				avail := stock.Available() - reserved[stock.ID] - planned[stock.ID]
				if avail <= 0 {
					continue
				}
				free += avail
				if need == 0 {
					continue
				}
				take := min(avail, need)
				reservations = append(reservations, domain.Reservation{
					ID:               s.newID(),
					CheckoutToken:    cmd.CheckoutToken,
					CheckoutLineID:   line.ID,
					StockID:          stock.ID,
					VariantID:        line.VariantID,
					QuantityReserved: take,
					ReservedUntil:    now.Add(cmd.Duration),
				})
				planned[stock.ID] += take
				need -= take
			}
			if need > 0 {
				missing = append(missing, domain.InsufficientStockItem{
					VariantID:         line.VariantID,
					AvailableQuantity: free,
					RequestedQuantity: line.Quantity,
				})
			}
		}
		if len(missing) > 0 {
			return s.insufficient(missing)
		}
		if err := s.stocks.InsertReservations(ctx, reservations...); err != nil {
			return fmt.Errorf("stock service: insert reservations: %w", err)
		}
		return nil
	})
}

// ReleaseReservations drops the reservations of the checkout lines, or of the whole checkout
// when lineIDs is empty.
func (s *stockService) ReleaseReservations(ctx context.Context, checkoutToken string, lineIDs []string) error {
	if checkoutToken == "" {
		return nil
	}
	return s.runInTx(ctx, func(ctx context.Context) error {
		return s.deleteReservations(ctx, repositories.ReservationFilter{
			CheckoutToken:  checkoutToken,
			CheckoutLineID: lineIDs,
		})
	})
}

// SweepExpiredReservations deletes reservations that have run out.
func (s *stockService) SweepExpiredReservations(ctx context.Context) (int, error) {
	var removed int
	err := s.runInTx(ctx, func(ctx context.Context) error {
		n, err := s.stocks.DeleteExpiredReservations(ctx, s.clock())
		if err != nil {
			return fmt.Errorf("stock service: delete expired reservations: %w", err)
		}
		removed = n
		return nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger(ctx, "stock.reservations.expired", map[string]any{"removed": removed})
	}
	return removed, nil
}

func (s *stockService) deleteReservations(ctx context.Context, filter repositories.ReservationFilter) error {
	existing, err := s.stocks.ListReservations(ctx, filter)
	if err != nil {
		return fmt.Errorf("stock service: list reservations: %w", err)
	}
	if len(existing) == 0 {
		return nil
	}
	ids := make([]string, 0, len(existing))
	for _, r := range existing {
		ids = append(ids, r.ID)
	}
	if err := s.stocks.DeleteReservations(ctx, ids...); err != nil {
		return fmt.Errorf("stock service: delete reservations: %w", err)
	}
	return nil
}
