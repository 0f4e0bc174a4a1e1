package services

import (
	"context"
	"fmt"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
)

// CheckPreorderThresholdBulk enforces the per-channel and global preorder caps of the active
// preorder variants. Each cap is reduced by the units already sold; the stricter one applies.
func (s *stockService) CheckPreorderThresholdBulk(ctx context.Context, variants []domain.ProductVariant, quantities []int, channelSlug string) error {
	if len(variants) != len(quantities) {
		return domain.NewError(domain.CodeInvalid, "quantity", "Variants and quantities differ in length.")
	}
	now := s.clock()
	requested := map[string]int{}
	byID := map[string]domain.ProductVariant{}
	var order []string
	for i, variant := range variants {
		if !variant.ActivePreorder(now) {
			continue
		}
		if _, seen := byID[variant.ID]; !seen {
			order = append(order, variant.ID)
			byID[variant.ID] = variant
		}
		requested[variant.ID] += quantities[i]
	}

	var missing []domain.InsufficientStockItem
	for _, id := range order {
		available, limited, err := s.preorderAvailable(ctx, byID[id], channelSlug)
		if err != nil {
			return err
		}
		if limited && requested[id] > available {
			missing = append(missing, domain.InsufficientStockItem{
				VariantID:         id,
				AvailableQuantity: available,
				RequestedQuantity: requested[id],
			})
		}
	}
	return s.insufficient(missing)
}

// preorderAvailable returns the remaining preorder quantity and whether any cap applies.
func (s *stockService) preorderAvailable(ctx context.Context, variant domain.ProductVariant, channelSlug string) (int, bool, error) {
	available, limited := 0, false
	if listing, ok := variant.ListingFor(channelSlug); ok && listing.PreorderQuantityThreshold != nil {
		sold, err := s.stocks.SumPreorderAllocations(ctx, variant.ID, channelSlug)
		if err != nil {
			return 0, false, fmt.Errorf("stock service: sum preorder allocations: %w", err)
		}
		available, limited = max(*listing.PreorderQuantityThreshold-sold, 0), true
	}
	if variant.PreorderGlobalThreshold != nil {
		sold, err := s.stocks.SumPreorderAllocations(ctx, variant.ID, "")
		if err != nil {
			return 0, false, fmt.Errorf("stock service: sum preorder allocations: %w", err)
		}
		global := max(*variant.PreorderGlobalThreshold-sold, 0)
		if !limited || global < available {
			available = global
		}
		limited = true
	}
	return available, limited, nil
}

// AllocatePreorders records the preorder units of the lines after checking the thresholds.
func (s *stockService) AllocatePreorders(ctx context.Context, lines []OrderLine, channelSlug string) error {
	var preorders []OrderLine
	var ids []string
	for _, line := range lines {
		if line.IsPreorder && line.Quantity > 0 {
			preorders = append(preorders, line)
			ids = append(ids, line.VariantID)
		}
	}
	if len(preorders) == 0 {
		return nil
	}
	return s.runInTx(ctx, func(ctx context.Context) error {
		variants, err := s.variants.ListVariants(ctx, ids)
		if err != nil {
			return mapRepositoryError(err, nil, "lines", "Variant does not exist.")
		}
		quantities := make([]int, len(preorders))
		for i, line := range preorders {
			quantities[i] = line.Quantity
		}
		if err := s.CheckPreorderThresholdBulk(ctx, variants, quantities, channelSlug); err != nil {
			return err
		}
		allocations := make([]domain.PreorderAllocation, 0, len(preorders))
		for _, line := range preorders {
			allocations = append(allocations, domain.PreorderAllocation{
				ID:          s.newID(),
				OrderLineID: line.ID,
				VariantID:   line.VariantID,
				ChannelSlug: channelSlug,
				Quantity:    line.Quantity,
			})
		}
		if err := s.stocks.InsertPreorderAllocations(ctx, allocations...); err != nil {
			return fmt.Errorf("stock service: insert preorder allocations: %w", err)
		}
		return nil
	})
}

// DeallocatePreorders drops the preorder allocations of the order lines.
func (s *stockService) DeallocatePreorders(ctx context.Context, orderLineIDs []string) error {
	if len(orderLineIDs) == 0 {
		return nil
	}
	return s.runInTx(ctx, func(ctx context.Context) error {
		allocations, err := s.stocks.ListPreorderAllocations(ctx, orderLineIDs)
		if err != nil {
			return fmt.Errorf("stock service: list preorder allocations: %w", err)
		}
		if len(allocations) == 0 {
			return nil
		}
		ids := make([]string, 0, len(allocations))
		for _, a := range allocations {
			ids = append(ids, a.ID)
		}
		if err := s.stocks.DeletePreorderAllocations(ctx, ids...); err != nil {
			return fmt.Errorf("stock service: delete preorder allocations: %w", err)
		}
		return nil
	})
}
