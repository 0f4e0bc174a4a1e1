package services

import (
	"context"
	"fmt"
	"slices"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
	"github.com/i-super/Saleor-sub000/internal/repositories"
)

// deliveryResolver lists the delivery options a checkout may choose from.
type deliveryResolver struct {
	shipping   repositories.ShippingRepository
	warehouses repositories.WarehouseRepository
	stocks     repositories.StockRepository
	external   ExternalShippingProvider
}

// shippingMethods returns the zone methods serving the destination plus the app supplied ones
// that pass the channel, price, weight and product rules. subtotal is the undiscounted gross.
func (r deliveryResolver) shippingMethods(ctx context.Context, info CheckoutInfo, subtotal Money) ([]domain.ShippingMethod, error) {
	if !info.IsShippingRequired() {
		return nil, nil
	}
	country := info.Country()
	zones, err := r.shipping.ListZones(ctx, info.Channel.Slug)
	if err != nil {
		return nil, fmt.Errorf("shipping: list zones: %w", err)
	}
	var zoneIDs []string
	for _, zone := range zones {
		if domain.ZoneServes(zone, info.Channel.Slug, country) {
			zoneIDs = append(zoneIDs, zone.ID)
		}
	}

	var candidates []domain.ShippingMethod
	if len(zoneIDs) > 0 {
		candidates, err = r.shipping.ListMethodsForZones(ctx, zoneIDs)
		if err != nil {
			return nil, fmt.Errorf("shipping: list methods: %w", err)
		}
	}
	if r.external != nil {
		external, err := r.external.ListExternalShippingMethods(ctx, info)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, external...)
	}

	out := make([]domain.ShippingMethod, 0, len(candidates))
	for _, method := range candidates {
		if methodApplies(method, info, country, subtotal) {
			out = append(out, method)
		}
	}
	return out, nil
}

func methodApplies(method domain.ShippingMethod, info CheckoutInfo, country string, subtotal Money) bool {
	listing, ok := method.ListingFor(info.Channel.Slug)
	if !ok || listing.Price.Currency != info.Checkout.Currency {
		return false
	}
	if len(method.Countries) > 0 && !slices.Contains(method.Countries, country) {
		return false
	}
	if listing.MinimumOrderPrice != nil && subtotal.LessThan(*listing.MinimumOrderPrice) {
		return false
	}
	if listing.MaximumOrderPrice != nil && subtotal.GreaterThan(*listing.MaximumOrderPrice) {
		return false
	}
	weight := info.Weight()
	if method.MinimumWeight != nil && weight.LessThan(*method.MinimumWeight) {
		return false
	}
	if method.MaximumWeight != nil && weight.GreaterThan(*method.MaximumWeight) {
		return false
	}
	for _, productID := range info.ProductIDs() {
		if slices.Contains(method.ExcludedProductIDs, productID) {
			return false
		}
	}
	return true
}

// collectionPoints returns the channel warehouses the goods can be picked up from. Local
// collection points must hold every tracked line in stock.
func (r deliveryResolver) collectionPoints(ctx context.Context, info CheckoutInfo) ([]domain.Warehouse, error) {
	if !info.IsShippingRequired() || len(info.Lines) == 0 {
		return nil, nil
	}
	warehouses, err := r.warehouses.ListForChannel(ctx, info.Channel.Slug)
	if err != nil {
		return nil, fmt.Errorf("shipping: list warehouses: %w", err)
	}

	var local []string
	for _, w := range warehouses {
		if w.ClickAndCollectOption == domain.ClickAndCollectLocal {
			local = append(local, w.ID)
		}
	}
	held := map[string]map[string]int{}
	if len(local) > 0 {
		stocks, err := r.stocks.ListStocks(ctx, repositories.StockFilter{
			VariantIDs:   variantIDsOf(info),
			WarehouseIDs: local,
		})
		if err != nil {
			return nil, fmt.Errorf("shipping: list stocks: %w", err)
		}
		for _, stock := range stocks {
			if held[stock.WarehouseID] == nil {
				held[stock.WarehouseID] = map[string]int{}
			}
			held[stock.WarehouseID][stock.VariantID] += stock.Available()
		}
	}

	requested := info.Checkout.QuantityByVariant()
	var out []domain.Warehouse
	for _, w := range warehouses {
		switch w.ClickAndCollectOption {
		case domain.ClickAndCollectAll:
			out = append(out, w)
		case domain.ClickAndCollectLocal:
			if holdsLines(info, held[w.ID], requested) {
				out = append(out, w)
			}
		}
	}
	return out, nil
}

func holdsLines(info CheckoutInfo, available map[string]int, requested map[string]int) bool {
	for _, line := range info.Lines {
		if !line.Variant.TrackInventory {
			continue
		}
		if available[line.Variant.ID] < requested[line.Variant.ID] {
			return false
		}
	}
	return true
}

// deliveryValid reports whether the chosen delivery option is still offered for the checkout.
func (r deliveryResolver) deliveryValid(ctx context.Context, info CheckoutInfo, subtotal Money) (bool, error) {
	switch {
	case info.CollectionPoint != nil:
		points, err := r.collectionPoints(ctx, info)
		if err != nil {
			return false, err
		}
		return slices.ContainsFunc(points, func(w domain.Warehouse) bool { return w.ID == info.CollectionPoint.ID }), nil
	case info.ShippingMethod != nil:
		methods, err := r.shippingMethods(ctx, info, subtotal)
		if err != nil {
			return false, err
		}
		return slices.ContainsFunc(methods, func(m domain.ShippingMethod) bool { return m.ID == info.ShippingMethod.ID }), nil
	}
	return true, nil
}

func variantIDsOf(info CheckoutInfo) []string {
	ids := make([]string, 0, len(info.Lines))
	for _, line := range info.Lines {
		if !slices.Contains(ids, line.Variant.ID) {
			ids = append(ids, line.Variant.ID)
		}
	}
	return ids
}
