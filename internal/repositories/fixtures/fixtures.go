// Package fixtures decodes the YAML seed format shared by the storage backends.
package fixtures

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
)

// File is the YAML seed format used for local runs and integration tests.
type File struct {
	Channels        []channelFixture        `yaml:"channels"`
	Warehouses      []warehouseFixture      `yaml:"warehouses"`
	ShippingZones   []shippingZoneFixture   `yaml:"shipping_zones"`
	ShippingMethods []shippingMethodFixture `yaml:"shipping_methods"`
	Variants        []variantFixture        `yaml:"variants"`
	Vouchers        []voucherFixture        `yaml:"vouchers"`
	GiftCards       []giftCardFixture       `yaml:"gift_cards"`
}

type channelFixture struct {
	Slug               string   `yaml:"slug"`
	Name               string   `yaml:"name"`
	Currency           string   `yaml:"currency"`
	DefaultCountry     string   `yaml:"default_country"`
	Inactive           bool     `yaml:"inactive"`
	AllocationStrategy string   `yaml:"allocation_strategy"`
	Warehouses         []string `yaml:"warehouses"`
}

type warehouseFixture struct {
	ID              string   `yaml:"id"`
	Name            string   `yaml:"name"`
	Country         string   `yaml:"country"`
	City            string   `yaml:"city"`
	ShippingZones   []string `yaml:"shipping_zones"`
	ClickAndCollect string   `yaml:"click_and_collect"`
}

type shippingZoneFixture struct {
	ID        string   `yaml:"id"`
	Name      string   `yaml:"name"`
	Countries []string `yaml:"countries"`
	Channels  []string `yaml:"channels"`
}

type priceListingFixture struct {
	Channel  string `yaml:"channel"`
	Price    string `yaml:"price"`
	MinSpent string `yaml:"min_spent"`
	Value    string `yaml:"value"`
	Currency string `yaml:"currency"`
	// Threshold is the channel preorder cap of a variant listing.
	Threshold *int `yaml:"preorder_threshold"`
}

type shippingMethodFixture struct {
	ID        string                `yaml:"id"`
	Name      string                `yaml:"name"`
	Zone      string                `yaml:"zone"`
	Type      string                `yaml:"type"`
	Listings  []priceListingFixture `yaml:"listings"`
	MaxWeight string                `yaml:"max_weight"`
}

type stockFixture struct {
	Warehouse string `yaml:"warehouse"`
	Quantity  int    `yaml:"quantity"`
}

type variantFixture struct {
	ID               string                `yaml:"id"`
	SKU              string                `yaml:"sku"`
	Name             string                `yaml:"name"`
	ProductID        string                `yaml:"product_id"`
	ProductName      string                `yaml:"product_name"`
	Kind             string                `yaml:"kind"`
	Category         string                `yaml:"category"`
	Collections      []string              `yaml:"collections"`
	ShippingRequired *bool                 `yaml:"shipping_required"`
	TrackInventory   *bool                 `yaml:"track_inventory"`
	Preorder         bool                  `yaml:"preorder"`
	GlobalThreshold  *int                  `yaml:"preorder_global_threshold"`
	Weight           string                `yaml:"weight"`
	Listings         []priceListingFixture `yaml:"listings"`
	Stocks           []stockFixture        `yaml:"stocks"`
}

type voucherFixture struct {
	ID                   string                `yaml:"id"`
	Code                 string                `yaml:"code"`
	Name                 string                `yaml:"name"`
	Type                 string                `yaml:"type"`
	ValueType            string                `yaml:"value_type"`
	StartDate            string                `yaml:"start_date"`
	EndDate              string                `yaml:"end_date"`
	UsageLimit           *int                  `yaml:"usage_limit"`
	ApplyOncePerOrder    bool                  `yaml:"apply_once_per_order"`
	ApplyOncePerCustomer bool                  `yaml:"apply_once_per_customer"`
	MinQuantity          *int                  `yaml:"min_checkout_items_quantity"`
	Countries            []string              `yaml:"countries"`
	Products             []string              `yaml:"products"`
	Categories           []string              `yaml:"categories"`
	Collections          []string              `yaml:"collections"`
	Listings             []priceListingFixture `yaml:"listings"`
}

type giftCardFixture struct {
	ID         string `yaml:"id"`
	Code       string `yaml:"code"`
	Balance    string `yaml:"balance"`
	Currency   string `yaml:"currency"`
	ExpiryDate string `yaml:"expiry_date"`
	Inactive   bool   `yaml:"inactive"`
}

// Set holds the decoded domain values ready to be stored.
type Set struct {
	Channels        []domain.Channel
	Warehouses      []domain.Warehouse
	ShippingZones   []domain.ShippingZone
	ShippingMethods []domain.ShippingMethod
	Variants        []domain.ProductVariant
	Stocks          []domain.Stock
	Vouchers        []domain.Voucher
	GiftCards       []domain.GiftCard
}

// Decode reads YAML fixtures from r. Unknown fields are rejected. An empty document yields an
// empty set.
func Decode(r io.Reader, now time.Time) (Set, error) {
	var fx File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&fx); err != nil {
		if err == io.EOF {
			return Set{}, nil
		}
		return Set{}, fmt.Errorf("fixtures: decode: %w", err)
	}
	return Build(fx, now)
}

// Build converts fixtures into domain values. Relative dates are anchored at now.
func Build(fx File, now time.Time) (Set, error) {
	var set Set
	currencies := make(map[string]string, len(fx.Channels))
	for _, c := range fx.Channels {
		strategy := domain.AllocationStrategy(c.AllocationStrategy)
		if strategy == "" {
			strategy = domain.AllocationPrioritizeSortingOrder
		}
		currency, err := domain.NormalizeCurrency(c.Currency)
		if err != nil {
			return Set{}, fmt.Errorf("fixtures: channel %s: %w", c.Slug, err)
		}
		currencies[c.Slug] = currency
		set.Channels = append(set.Channels, domain.Channel{
			ID:                 c.Slug,
			Slug:               c.Slug,
			Name:               c.Name,
			Currency:           currency,
			DefaultCountry:     strings.ToUpper(c.DefaultCountry),
			IsActive:           !c.Inactive,
			AllocationStrategy: strategy,
			WarehouseIDs:       c.Warehouses,
		})
	}

	for _, w := range fx.Warehouses {
		option := domain.ClickAndCollectOption(w.ClickAndCollect)
		if option == "" {
			option = domain.ClickAndCollectDisabled
		}
		set.Warehouses = append(set.Warehouses, domain.Warehouse{
			ID:                    w.ID,
			Name:                  w.Name,
			Address:               domain.Address{Country: strings.ToUpper(w.Country), City: w.City},
			ShippingZoneIDs:       w.ShippingZones,
			ClickAndCollectOption: option,
		})
	}

	for _, z := range fx.ShippingZones {
		set.ShippingZones = append(set.ShippingZones, domain.ShippingZone{ID: z.ID, Name: z.Name, Countries: z.Countries, ChannelSlugs: z.Channels})
	}

	for _, m := range fx.ShippingMethods {
		method := domain.ShippingMethod{
			ID:             m.ID,
			Name:           m.Name,
			Type:           domain.ShippingMethodType(m.Type),
			ShippingZoneID: m.Zone,
		}
		if method.Type == "" {
			method.Type = domain.ShippingMethodTypePrice
		}
		if m.MaxWeight != "" {
			weight, err := decimal.NewFromString(m.MaxWeight)
			if err != nil {
				return Set{}, fmt.Errorf("fixtures: shipping method %s weight: %w", m.ID, err)
			}
			method.MaximumWeight = &weight
		}
		for _, l := range m.Listings {
			price, err := fixtureMoney(l.Price, currencies[l.Channel])
			if err != nil {
				return Set{}, fmt.Errorf("fixtures: shipping method %s: %w", m.ID, err)
			}
			method.ChannelListings = append(method.ChannelListings, domain.ShippingMethodChannelListing{
				ChannelSlug: l.Channel,
				Price:       price,
			})
		}
		set.ShippingMethods = append(set.ShippingMethods, method)
	}

	for _, v := range fx.Variants {
		variant, err := v.toDomain(currencies, now)
		if err != nil {
			return Set{}, err
		}
		set.Variants = append(set.Variants, variant)
		for _, stock := range v.Stocks {
			set.Stocks = append(set.Stocks, domain.Stock{
				ID:          ulid.Make().String(),
				WarehouseID: stock.Warehouse,
				VariantID:   v.ID,
				Quantity:    stock.Quantity,
			})
		}
	}

	for _, v := range fx.Vouchers {
		voucher, err := v.toDomain(currencies, now)
		if err != nil {
			return Set{}, err
		}
		set.Vouchers = append(set.Vouchers, voucher)
	}

	for _, g := range fx.GiftCards {
		balance, err := fixtureMoney(g.Balance, g.Currency)
		if err != nil {
			return Set{}, fmt.Errorf("fixtures: gift card %s: %w", g.ID, err)
		}
		card := domain.GiftCard{
			ID:             g.ID,
			Code:           strings.ToUpper(g.Code),
			InitialBalance: balance,
			CurrentBalance: balance,
			IsActive:       !g.Inactive,
			CreatedAt:      now,
		}
		if g.ExpiryDate != "" {
			expiry, err := time.Parse(time.DateOnly, g.ExpiryDate)
			if err != nil {
				return Set{}, fmt.Errorf("fixtures: gift card %s expiry: %w", g.ID, err)
			}
			card.ExpiryDate = &expiry
		}
		set.GiftCards = append(set.GiftCards, card)
	}
	return set, nil
}

func (v variantFixture) toDomain(currencies map[string]string, now time.Time) (domain.ProductVariant, error) {
	kind := domain.ProductTypeKind(v.Kind)
	if kind == "" {
		kind = domain.ProductKindPhysical
	}
	shippingRequired := kind == domain.ProductKindPhysical
	if v.ShippingRequired != nil {
		shippingRequired = *v.ShippingRequired
	}
	track := true
	if v.TrackInventory != nil {
		track = *v.TrackInventory
	}
	productID := v.ProductID
	if productID == "" {
		productID = "product-" + v.ID
	}
	available := now.Add(-24 * time.Hour)
	variant := domain.ProductVariant{
		ID:                      v.ID,
		SKU:                     v.SKU,
		Name:                    v.Name,
		TrackInventory:          track,
		IsPreorder:              v.Preorder,
		PreorderGlobalThreshold: v.GlobalThreshold,
		Product: domain.Product{
			ID:                 productID,
			Name:               v.ProductName,
			CategoryID:         v.Category,
			CollectionIDs:      v.Collections,
			Kind:               kind,
			IsShippingRequired: shippingRequired,
		},
	}
	if v.Weight != "" {
		weight, err := decimal.NewFromString(v.Weight)
		if err != nil {
			return domain.ProductVariant{}, fmt.Errorf("fixtures: variant %s weight: %w", v.ID, err)
		}
		variant.Weight = &weight
	}
	for _, l := range v.Listings {
		price, err := fixtureMoney(l.Price, currencies[l.Channel])
		if err != nil {
			return domain.ProductVariant{}, fmt.Errorf("fixtures: variant %s: %w", v.ID, err)
		}
		variant.ChannelListings = append(variant.ChannelListings, domain.VariantChannelListing{
			ChannelSlug:               l.Channel,
			Price:                     price,
			PreorderQuantityThreshold: l.Threshold,
		})
		variant.Product.ChannelListings = append(variant.Product.ChannelListings, domain.ProductChannelListing{
			ChannelSlug:          l.Channel,
			IsPublished:          true,
			AvailableForPurchase: &available,
			VisibleInListings:    true,
		})
	}
	return variant, nil
}

func (v voucherFixture) toDomain(currencies map[string]string, now time.Time) (domain.Voucher, error) {
	voucher := domain.Voucher{
		ID:                       v.ID,
		Code:                     strings.ToUpper(v.Code),
		Name:                     v.Name,
		Type:                     domain.VoucherType(v.Type),
		DiscountValueType:        domain.DiscountValueType(v.ValueType),
		StartDate:                now.Add(-time.Hour),
		UsageLimit:               v.UsageLimit,
		ApplyOncePerOrder:        v.ApplyOncePerOrder,
		ApplyOncePerCustomer:     v.ApplyOncePerCustomer,
		MinCheckoutItemsQuantity: v.MinQuantity,
		Countries:                v.Countries,
		ProductIDs:               v.Products,
		CategoryIDs:              v.Categories,
		CollectionIDs:            v.Collections,
	}
	if voucher.Type == "" {
		voucher.Type = domain.VoucherTypeEntireOrder
	}
	if voucher.DiscountValueType == "" {
		voucher.DiscountValueType = domain.DiscountValueFixed
	}
	if v.StartDate != "" {
		start, err := time.Parse(time.RFC3339, v.StartDate)
		if err != nil {
			return domain.Voucher{}, fmt.Errorf("fixtures: voucher %s start: %w", v.ID, err)
		}
		voucher.StartDate = start
	}
	if v.EndDate != "" {
		end, err := time.Parse(time.RFC3339, v.EndDate)
		if err != nil {
			return domain.Voucher{}, fmt.Errorf("fixtures: voucher %s end: %w", v.ID, err)
		}
		voucher.EndDate = &end
	}
	for _, l := range v.Listings {
		value, err := decimal.NewFromString(l.Value)
		if err != nil {
			return domain.Voucher{}, fmt.Errorf("fixtures: voucher %s value: %w", v.ID, err)
		}
		listing := domain.VoucherChannelListing{
			ChannelSlug:   l.Channel,
			DiscountValue: value,
			Currency:      currencies[l.Channel],
		}
		if l.MinSpent != "" {
			minSpent, err := fixtureMoney(l.MinSpent, currencies[l.Channel])
			if err != nil {
				return domain.Voucher{}, fmt.Errorf("fixtures: voucher %s: %w", v.ID, err)
			}
			listing.MinSpent = &minSpent
		}
		voucher.ChannelListings = append(voucher.ChannelListings, listing)
	}
	return voucher, nil
}

func fixtureMoney(amount, currency string) (domain.Money, error) {
	if currency == "" {
		return domain.Money{}, fmt.Errorf("currency is required for amount %q", amount)
	}
	value, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return domain.Money{}, fmt.Errorf("amount %q: %w", amount, err)
	}
	return domain.NewMoney(value, currency), nil
}
