package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
	"github.com/i-super/Saleor-sub000/internal/platform/observability"
	"github.com/i-super/Saleor-sub000/internal/repositories"
)

// StockServiceDeps bundles collaborators required to construct the stock service.
type StockServiceDeps struct {
	Stocks      repositories.StockRepository
	Variants    repositories.VariantReader
	Channels    repositories.ChannelRepository
	Warehouses  repositories.WarehouseRepository
	UnitOfWork  repositories.UnitOfWork
	Webhooks    WebhookDispatcher
	Metrics     Metrics
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type stockService struct {
	stocks     repositories.StockRepository
	variants   repositories.VariantReader
	channels   repositories.ChannelRepository
	warehouses repositories.WarehouseRepository
	unitOfWork repositories.UnitOfWork
	webhooks   WebhookDispatcher
	metrics    Metrics
	clock      func() time.Time
	newID      func() string
	logger     func(context.Context, string, map[string]any)
}

var _ StockService = (*stockService)(nil)

// NewStockService wires dependencies into the stock allocation engine.
func NewStockService(deps StockServiceDeps) (StockService, error) {
	if deps.Stocks == nil {
		return nil, errors.New("stock service: stock repository is required")
	}
	if deps.Variants == nil {
		return nil, errors.New("stock service: variant reader is required")
	}
	if deps.Channels == nil {
		return nil, errors.New("stock service: channel repository is required")
	}
	if deps.Warehouses == nil {
		return nil, errors.New("stock service: warehouse repository is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	return &stockService{
		stocks:     deps.Stocks,
		variants:   deps.Variants,
		channels:   deps.Channels,
		warehouses: deps.Warehouses,
		unitOfWork: unit,
		webhooks:   deps.Webhooks,
		metrics:    metrics,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *stockService) CheckStockQuantity(ctx context.Context, variant domain.ProductVariant, country, channelSlug string, quantity int) error {
	return s.CheckStockQuantityBulk(ctx, StockCheckRequest{
		Variants:    []domain.ProductVariant{variant},
		Quantities:  []int{quantity},
		Country:     country,
		ChannelSlug: channelSlug,
	})
}

// CheckStockQuantityBulk sums the free stock of warehouses serving the destination for every
// tracked variant and reports all variants that cannot cover the requested quantity.
func (s *stockService) CheckStockQuantityBulk(ctx context.Context, req StockCheckRequest) error {
	if len(req.Variants) != len(req.Quantities) {
		return domain.NewError(domain.CodeInvalid, "quantity", "Variants and quantities differ in length.")
	}

	requested := make(map[string]int, len(req.Variants))
	var order []string
	tracked := make(map[string]bool, len(req.Variants))
	now := s.clock()
	for i, variant := range req.Variants {
		if !variant.TrackInventory || variant.ActivePreorder(now) {
			continue
		}
		if _, seen := requested[variant.ID]; !seen {
			order = append(order, variant.ID)
		}
		requested[variant.ID] += req.Quantities[i]
		tracked[variant.ID] = true
	}
	if !req.Replace {
		for _, line := range req.ExistingLines {
			if tracked[line.VariantID] {
				requested[line.VariantID] += line.Quantity
			}
		}
	}
	if len(order) == 0 {
		return nil
	}

	stocks, err := s.variants.ListStocksForChannelAndCountry(ctx, order, req.ChannelSlug, req.Country)
	if err != nil {
		return fmt.Errorf("stock service: list stocks: %w", err)
	}
	reserved := map[string]int{}
	if req.CheckReservations && len(stocks) > 0 {
		reserved, err = s.reservedByOthers(ctx, stockIDs(stocks), req.CheckoutToken)
		if err != nil {
			return err
		}
	}

	available := make(map[string]int, len(order))
	for _, stock := range stocks {
		available[stock.VariantID] += stock.Available() - reserved[stock.ID]
	}

	var missing []domain.InsufficientStockItem
	for _, variantID := range order {
		qty := requested[variantID]
		if qty <= 0 {
			continue
		}
		free := max(available[variantID], 0)
		if qty > free {
			missing = append(missing, domain.InsufficientStockItem{
				VariantID:         variantID,
				AvailableQuantity: free,
				RequestedQuantity: qty,
			})
		}
	}
	return s.insufficient(missing)
}

// AllocateStocks allocates every tracked line of an order inside one transaction. Lines are
// planned against locked stock rows first; nothing is written when any line falls short.
func (s *stockService) AllocateStocks(ctx context.Context, cmd AllocateCommand) (allocations []Allocation, err error) {
	ctx, span := observability.StartSpan(ctx, "stock.AllocateStocks",
		attribute.String("channel", cmd.ChannelSlug),
		attribute.Int("lines", len(cmd.Lines)),
	)
	defer func() { observability.EndSpan(span, err) }()

	var lines []OrderLine
	var variantIDs []string
	for _, line := range cmd.Lines {
		qty := line.QuantityUnfulfilled()
		if !line.TrackInventory || line.IsPreorder || qty <= 0 {
			continue
		}
		lines = append(lines, line)
		if !slices.Contains(variantIDs, line.VariantID) {
			variantIDs = append(variantIDs, line.VariantID)
		}
	}
	if len(lines) == 0 {
		return nil, nil
	}

	err = s.runInTx(ctx, func(ctx context.Context) error {
		channel, err := s.channels.GetBySlug(ctx, cmd.ChannelSlug)
		if err != nil {
			return mapRepositoryError(err, nil, "channel", "Channel does not exist.")
		}
		candidates, preferred, err := s.candidateStocks(ctx, channel, variantIDs, cmd.Country, cmd.CollectionPointID)
		if err != nil {
			return err
		}
		locked, err := s.lockStocks(ctx, stockIDs(candidates))
		if err != nil {
			return err
		}
		reserved := map[string]int{}
		if cmd.CheckReservations && len(locked) > 0 {
			reserved, err = s.reservedByOthers(ctx, stockIDs(locked), cmd.CheckoutToken)
			if err != nil {
				return err
			}
		}

		byVariant := map[string][]domain.Stock{}
		for _, stock := range locked {
			byVariant[stock.VariantID] = append(byVariant[stock.VariantID], stock)
		}
		for variantID, rows := range byVariant {
			byVariant[variantID] = orderStocks(rows, channel, preferred, reserved)
		}

		planned := map[string]int{}
		var plan []Allocation
		var missing []domain.InsufficientStockItem
		for _, line := range lines {
			need := line.QuantityUnfulfilled()
			rows := byVariant[line.VariantID]
			free := 0
			for _, stock := range rows {
				free += max(stock.Available()-reserved[stock.ID]-planned[stock.ID], 0)
			}
			for _, stock := range rows {
				if need == 0 {
					break
				}
				avail := stock.Available() - reserved[stock.ID] - planned[stock.ID]
				if avail <= 0 {
					continue
				}
				take := min(avail, need)
				plan = append(plan, Allocation{OrderLineID: line.ID, StockID: stock.ID, QuantityAllocated: take})
				planned[stock.ID] += take
				need -= take
			}
			if need == 0 {
				continue
			}
			if !cmd.AllowStockToBeExceeded {
				missing = append(missing, domain.InsufficientStockItem{
					VariantID:         line.VariantID,
					AvailableQuantity: free,
					RequestedQuantity: line.QuantityUnfulfilled(),
				})
				continue
			}
			target, err := s.oversellTarget(ctx, rows, channel, preferred, line.VariantID)
			if err != nil {
				return err
			}
			if !slices.ContainsFunc(locked, func(st domain.Stock) bool { return st.ID == target.ID }) {
				locked = append(locked, target)
			}
			plan = append(plan, Allocation{OrderLineID: line.ID, StockID: target.ID, QuantityAllocated: need})
			planned[target.ID] += need
		}
		if len(missing) > 0 {
			return s.insufficient(missing)
		}

		allocations, err = s.applyAllocations(ctx, locked, plan)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger(ctx, "stock.allocated", map[string]any{
		"channel":     cmd.ChannelSlug,
		"lines":       len(lines),
		"allocations": len(allocations),
		"oversell":    cmd.AllowStockToBeExceeded,
	})
	return allocations, nil
}

// candidateStocks returns the stock rows allocation may draw from, and the warehouse that must
// be tried first (the collection point), if any.
func (s *stockService) candidateStocks(ctx context.Context, channel domain.Channel, variantIDs []string, country, collectionPointID string) ([]domain.Stock, string, error) {
	if collectionPointID == "" {
		stocks, err := s.variants.ListStocksForChannelAndCountry(ctx, variantIDs, channel.Slug, country)
		if err != nil {
			return nil, "", fmt.Errorf("stock service: list stocks: %w", err)
		}
		return stocks, "", nil
	}

	warehouse, err := s.warehouses.Get(ctx, collectionPointID)
	if err != nil {
		return nil, "", mapRepositoryError(err, nil, "collection_point", "Collection point does not exist.")
	}
	warehouseIDs := []string{warehouse.ID}
	if warehouse.ClickAndCollectOption == domain.ClickAndCollectAll {
		for _, id := range channel.WarehouseIDs {
			if id != warehouse.ID {
				warehouseIDs = append(warehouseIDs, id)
			}
		}
	}
	stocks, err := s.stocks.ListStocks(ctx, repositories.StockFilter{VariantIDs: variantIDs, WarehouseIDs: warehouseIDs})
	if err != nil {
		return nil, "", fmt.Errorf("stock service: list stocks: %w", err)
	}
	return stocks, warehouse.ID, nil
}

// oversellTarget picks the row that absorbs an oversold remainder: the first candidate, or a
// new empty row in the preferred (or first channel) warehouse.
func (s *stockService) oversellTarget(ctx context.Context, rows []domain.Stock, channel domain.Channel, preferred, variantID string) (domain.Stock, error) {
	if len(rows) > 0 {
		return rows[0], nil
	}
	warehouseID := preferred
	if warehouseID == "" && len(channel.WarehouseIDs) > 0 {
		warehouseID = channel.WarehouseIDs[0]
	}
	if warehouseID == "" {
		return domain.Stock{}, domain.NewError(domain.CodeAllocationError, "lines",
			fmt.Sprintf("No warehouse can hold variant %s in channel %s.", variantID, channel.Slug))
	}
	stock, err := s.stocks.GetOrCreateStock(ctx, warehouseID, variantID)
	if err != nil {
		return domain.Stock{}, fmt.Errorf("stock service: get or create stock: %w", err)
	}
	return stock, nil
}

// applyAllocations merges the plan into existing allocation rows and bumps the allocated
// quantity of the locked stocks.
func (s *stockService) applyAllocations(ctx context.Context, locked []domain.Stock, plan []Allocation) ([]Allocation, error) {
	if len(plan) == 0 {
		return nil, nil
	}
	lineIDs := make([]string, 0, len(plan))
	for _, a := range plan {
		if !slices.Contains(lineIDs, a.OrderLineID) {
			lineIDs = append(lineIDs, a.OrderLineID)
		}
	}
	existing, err := s.stocks.ListAllocations(ctx, lineIDs)
	if err != nil {
		return nil, fmt.Errorf("stock service: list allocations: %w", err)
	}
	type key struct{ line, stock string }
	rows := make(map[key]Allocation, len(existing))
	for _, a := range existing {
		rows[key{a.OrderLineID, a.StockID}] = a
	}

	delta := map[string]int{}
	var out []Allocation
	for _, a := range plan {
		k := key{a.OrderLineID, a.StockID}
		row, ok := rows[k]
		if !ok {
			row = Allocation{ID: s.newID(), OrderLineID: a.OrderLineID, StockID: a.StockID}
		}
		row.QuantityAllocated += a.QuantityAllocated
		rows[k] = row
		delta[a.StockID] += a.QuantityAllocated
	}
	for _, a := range plan {
		row := rows[key{a.OrderLineID, a.StockID}]
		if !slices.ContainsFunc(out, func(o Allocation) bool { return o.ID == row.ID }) {
			out = append(out, row)
		}
	}
	if err := s.stocks.UpsertAllocations(ctx, out...); err != nil {
		return nil, fmt.Errorf("stock service: upsert allocations: %w", err)
	}

	var before, after []domain.Stock
	for _, stock := range locked {
		d, ok := delta[stock.ID]
		if !ok {
			continue
		}
		before = append(before, stock)
		stock.QuantityAllocated += d
		after = append(after, stock)
	}
	if err := s.stocks.UpdateStocks(ctx, after...); err != nil {
		return nil, fmt.Errorf("stock service: update stocks: %w", err)
	}
	s.stockWebhooks(ctx, before, after)
	return out, nil
}

// DeallocateStock releases the given quantities. Releasing more than is allocated to a line
// fails with ALLOCATION_ERROR and releases nothing.
func (s *stockService) DeallocateStock(ctx context.Context, lines []LineQuantity) error {
	if len(lines) == 0 {
		return nil
	}
	return s.runInTx(ctx, func(ctx context.Context) error {
		return s.deallocate(ctx, lines, true)
	})
}

// DeallocateStockForOrder releases every allocation of the order lines.
func (s *stockService) DeallocateStockForOrder(ctx context.Context, orderLineIDs []string) error {
	if len(orderLineIDs) == 0 {
		return nil
	}
	return s.runInTx(ctx, func(ctx context.Context) error {
		allocations, err := s.stocks.ListAllocations(ctx, orderLineIDs)
		if err != nil {
			return fmt.Errorf("stock service: list allocations: %w", err)
		}
		totals := map[string]int{}
		for _, a := range allocations {
			totals[a.OrderLineID] += a.QuantityAllocated
		}
		lines := make([]LineQuantity, 0, len(totals))
		for _, id := range orderLineIDs {
			if qty := totals[id]; qty > 0 {
				lines = append(lines, LineQuantity{OrderLineID: id, Quantity: qty})
			}
		}
		return s.deallocate(ctx, lines, false)
	})
}

func (s *stockService) deallocate(ctx context.Context, lines []LineQuantity, strict bool) error {
	lineIDs := make([]string, 0, len(lines))
	for _, line := range lines {
		lineIDs = append(lineIDs, line.OrderLineID)
	}
	allocations, err := s.stocks.ListAllocations(ctx, lineIDs)
	if err != nil {
		return fmt.Errorf("stock service: list allocations: %w", err)
	}
	byLine := map[string][]int{}
	var ids []string
	for i, a := range allocations {
		byLine[a.OrderLineID] = append(byLine[a.OrderLineID], i)
		if !slices.Contains(ids, a.StockID) {
			ids = append(ids, a.StockID)
		}
	}
	locked, err := s.lockStocks(ctx, ids)
	if err != nil {
		return err
	}

	released := map[string]int{}
	for _, line := range lines {
		remaining := line.Quantity
		for _, idx := range byLine[line.OrderLineID] {
			if remaining == 0 {
				break
			}
			take := min(allocations[idx].QuantityAllocated, remaining)
			allocations[idx].QuantityAllocated -= take
			released[allocations[idx].StockID] += take
			remaining -= take
		}
		if remaining > 0 && strict {
			return domain.NewError(domain.CodeAllocationError, "lines",
				fmt.Sprintf("Unable to deallocate %d more items of order line %s.", remaining, line.OrderLineID))
		}
	}

	var keep []Allocation
	var drop []string
	for _, a := range allocations {
		if a.QuantityAllocated > 0 {
			keep = append(keep, a)
		} else {
			drop = append(drop, a.ID)
		}
	}
	if len(keep) > 0 {
		if err := s.stocks.UpsertAllocations(ctx, keep...); err != nil {
			return fmt.Errorf("stock service: update allocations: %w", err)
		}
	}
	if len(drop) > 0 {
		if err := s.stocks.DeleteAllocations(ctx, drop...); err != nil {
			return fmt.Errorf("stock service: delete allocations: %w", err)
		}
	}

	var before, after []domain.Stock
	for _, stock := range locked {
		qty := released[stock.ID]
		if qty == 0 {
			continue
		}
		before = append(before, stock)
		stock.QuantityAllocated = max(stock.QuantityAllocated-qty, 0)
		after = append(after, stock)
	}
	if err := s.stocks.UpdateStocks(ctx, after...); err != nil {
		return fmt.Errorf("stock service: update stocks: %w", err)
	}
	s.stockWebhooks(ctx, before, after)
	return nil
}

// IncreaseStock adds quantity to the (warehouse, variant) row, creating it when missing. With
// Allocate the added units stay allocated to the order line.
func (s *stockService) IncreaseStock(ctx context.Context, cmd StockAdjustment) error {
	if cmd.Quantity <= 0 {
		return domain.NewError(domain.CodeInvalid, "quantity", "Quantity must be positive.")
	}
	return s.runInTx(ctx, func(ctx context.Context) error {
		row, err := s.stocks.GetOrCreateStock(ctx, cmd.WarehouseID, cmd.Line.VariantID)
		if err != nil {
			return fmt.Errorf("stock service: get or create stock: %w", err)
		}
		locked, err := s.lockStocks(ctx, []string{row.ID})
		if err != nil {
			return err
		}
		if len(locked) == 1 {
			row = locked[0]
		}
		before := row
		row.Quantity += cmd.Quantity

		if cmd.Allocate {
			row.QuantityAllocated += cmd.Quantity
			existing, err := s.stocks.ListAllocations(ctx, []string{cmd.Line.ID})
			if err != nil {
				return fmt.Errorf("stock service: list allocations: %w", err)
			}
			allocation := Allocation{ID: s.newID(), OrderLineID: cmd.Line.ID, StockID: row.ID}
			for _, a := range existing {
				if a.StockID == row.ID {
					allocation = a
					break
				}
			}
			allocation.QuantityAllocated += cmd.Quantity
			if err := s.stocks.UpsertAllocations(ctx, allocation); err != nil {
				return fmt.Errorf("stock service: upsert allocation: %w", err)
			}
		}
		if err := s.stocks.UpdateStocks(ctx, row); err != nil {
			return fmt.Errorf("stock service: update stock: %w", err)
		}
		s.stockWebhooks(ctx, []domain.Stock{before}, []domain.Stock{row})
		return nil
	})
}

// DecreaseStock ships quantity of a line from a warehouse: the line's allocations are released,
// the target row first, and the row quantity drops. Unless AllowExceed, the row must still cover
// its remaining allocations.
func (s *stockService) DecreaseStock(ctx context.Context, cmd StockAdjustment) error {
	if cmd.Quantity <= 0 {
		return domain.NewError(domain.CodeInvalid, "quantity", "Quantity must be positive.")
	}
	return s.runInTx(ctx, func(ctx context.Context) error {
		rows, err := s.stocks.ListStocks(ctx, repositories.StockFilter{
			VariantIDs:   []string{cmd.Line.VariantID},
			WarehouseIDs: []string{cmd.WarehouseID},
		})
		if err != nil {
			return fmt.Errorf("stock service: list stocks: %w", err)
		}
		var target domain.Stock
		switch {
		case len(rows) > 0:
			target = rows[0]
		case cmd.AllowExceed:
			target, err = s.stocks.GetOrCreateStock(ctx, cmd.WarehouseID, cmd.Line.VariantID)
			if err != nil {
				return fmt.Errorf("stock service: get or create stock: %w", err)
			}
		default:
			return s.insufficient([]domain.InsufficientStockItem{{
				VariantID:         cmd.Line.VariantID,
				RequestedQuantity: cmd.Quantity,
			}})
		}

		allocations, err := s.stocks.ListAllocations(ctx, []string{cmd.Line.ID})
		if err != nil {
			return fmt.Errorf("stock service: list allocations: %w", err)
		}
		sort.SliceStable(allocations, func(i, j int) bool {
			return allocations[i].StockID == target.ID && allocations[j].StockID != target.ID
		})
		ids := []string{target.ID}
		for _, a := range allocations {
			if !slices.Contains(ids, a.StockID) {
				ids = append(ids, a.StockID)
			}
		}
		locked, err := s.lockStocks(ctx, ids)
		if err != nil {
			return err
		}
		byID := make(map[string]domain.Stock, len(locked))
		for _, stock := range locked {
			byID[stock.ID] = stock
		}
		before := make(map[string]domain.Stock, len(byID))
		for id, stock := range byID {
			before[id] = stock
		}

		remaining := cmd.Quantity
		var keep []Allocation
		var drop []string
		for _, a := range allocations {
			if remaining > 0 {
				take := min(a.QuantityAllocated, remaining)
				a.QuantityAllocated -= take
				remaining -= take
				stock := byID[a.StockID]
				stock.QuantityAllocated = max(stock.QuantityAllocated-take, 0)
				byID[a.StockID] = stock
			}
			if a.QuantityAllocated > 0 {
				keep = append(keep, a)
			} else {
				drop = append(drop, a.ID)
			}
		}

		stock := byID[target.ID]
		if !cmd.AllowExceed && stock.Available() < cmd.Quantity {
			return s.insufficient([]domain.InsufficientStockItem{{
				VariantID:         cmd.Line.VariantID,
				AvailableQuantity: max(stock.Available(), 0),
				RequestedQuantity: cmd.Quantity,
			}})
		}
		stock.Quantity -= cmd.Quantity
		byID[target.ID] = stock

		if len(keep) > 0 {
			if err := s.stocks.UpsertAllocations(ctx, keep...); err != nil {
				return fmt.Errorf("stock service: update allocations: %w", err)
			}
		}
		if len(drop) > 0 {
			if err := s.stocks.DeleteAllocations(ctx, drop...); err != nil {
				return fmt.Errorf("stock service: delete allocations: %w", err)
			}
		}
		var beforeRows, afterRows []domain.Stock
		for _, id := range ids {
			if _, ok := byID[id]; !ok {
				continue
			}
			beforeRows = append(beforeRows, before[id])
			afterRows = append(afterRows, byID[id])
		}
		if err := s.stocks.UpdateStocks(ctx, afterRows...); err != nil {
			return fmt.Errorf("stock service: update stocks: %w", err)
		}
		s.stockWebhooks(ctx, beforeRows, afterRows)
		return nil
	})
}

// lockStocks re-reads the rows under the transaction lock in ascending id order.
func (s *stockService) lockStocks(ctx context.Context, ids []string) ([]domain.Stock, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	locked, err := s.stocks.ListStocksForUpdate(ctx, repositories.StockFilter{StockIDs: ids})
	if err != nil {
		return nil, fmt.Errorf("stock service: lock stocks: %w", err)
	}
	return locked, nil
}

// reservedByOthers sums the unexpired reservations other checkouts hold on the rows.
func (s *stockService) reservedByOthers(ctx context.Context, ids []string, checkoutToken string) (map[string]int, error) {
	now := s.clock()
	reservations, err := s.stocks.ListReservations(ctx, repositories.ReservationFilter{
		StockIDs:        ids,
		ActiveAt:        &now,
		ExcludeCheckout: checkoutToken,
	})
	if err != nil {
		return nil, fmt.Errorf("stock service: list reservations: %w", err)
	}
	out := make(map[string]int, len(reservations))
	for _, r := range reservations {
		out[r.StockID] += r.QuantityReserved
	}
	return out, nil
}

// stockWebhooks registers out-of-stock and back-in-stock notifications for rows whose
// availability crossed zero. They are delivered after the transaction commits.
func (s *stockService) stockWebhooks(ctx context.Context, before, after []domain.Stock) {
	if s.webhooks == nil {
		return
	}
	for i := range after {
		prev, next := before[i].Available(), after[i].Available()
		var event domain.WebhookEvent
		switch {
		case prev > 0 && next <= 0:
			event = domain.WebhookProductVariantOutOfStock
		case prev <= 0 && next > 0:
			event = domain.WebhookProductVariantBackInStock
		default:
			continue
		}
		stock := after[i]
		repositories.AfterCommit(ctx, func(ctx context.Context) {
			payload := map[string]any{
				"stock_id":     stock.ID,
				"variant_id":   stock.VariantID,
				"warehouse_id": stock.WarehouseID,
				"available":    stock.Available(),
			}
			if err := s.webhooks.Dispatch(ctx, event, payload); err != nil {
				s.logger(ctx, "stock.webhook.failed", map[string]any{
					"event":   string(event),
					"stockID": stock.ID,
					"error":   err.Error(),
				})
			}
		})
	}
}

func (s *stockService) insufficient(items []domain.InsufficientStockItem) error {
	if len(items) == 0 {
		return nil
	}
	s.metrics.InsufficientStock(len(items))
	return &domain.InsufficientStockError{Items: items}
}

func (s *stockService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

// orderStocks sorts rows by allocation priority: the preferred warehouse first, then by the
// channel strategy. Warehouses outside the channel go last.
func orderStocks(rows []domain.Stock, channel domain.Channel, preferred string, reserved map[string]int) []domain.Stock {
	out := append([]domain.Stock(nil), rows...)
	rank := func(warehouseID string) int {
		if i := slices.Index(channel.WarehouseIDs, warehouseID); i >= 0 {
			return i
		}
		return len(channel.WarehouseIDs)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.WarehouseID == preferred) != (b.WarehouseID == preferred) {
			return a.WarehouseID == preferred
		}
		if channel.AllocationStrategy == domain.AllocationPrioritizeHighStock {
			freeA := a.Available() - reserved[a.ID]
			freeB := b.Available() - reserved[b.ID]
			if freeA != freeB {
				return freeA > freeB
			}
		}
		return rank(a.WarehouseID) < rank(b.WarehouseID)
	})
	return out
}

func stockIDs(stocks []domain.Stock) []string {
	ids := make([]string, 0, len(stocks))
	for _, stock := range stocks {
		ids = append(ids, stock.ID)
	}
	return ids
}
