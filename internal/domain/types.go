package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage wraps paginated results alongside the next cursor token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// Address represents a postal address. Checkouts and orders hold their own copies; a change
// replaces the copy instead of editing it in place.
type Address struct {
	ID             string
	FirstName      string
	LastName       string
	CompanyName    string
	StreetAddress1 string
	StreetAddress2 string
	City           string
	CityArea       string
	PostalCode     string
	Country        string
	CountryArea    string
	Phone          string
}

// Channel is a sales context. Every checkout and order belongs to exactly one channel.
type Channel struct {
	ID                 string
	Slug               string
	Name               string
	Currency           string
	DefaultCountry     string
	IsActive           bool
	AllocationStrategy AllocationStrategy
	// WarehouseIDs lists the warehouses serving the channel in their configured sort order.
	WarehouseIDs []string
}

// AllocationStrategy controls the warehouse order used when allocating stock.
type AllocationStrategy string

const (
	// AllocationPrioritizeSortingOrder allocates from warehouses in the channel's sort order.
	AllocationPrioritizeSortingOrder AllocationStrategy = "prioritize_sorting_order"
	// AllocationPrioritizeHighStock allocates from the warehouse with the most available stock first.
	AllocationPrioritizeHighStock AllocationStrategy = "prioritize_high_stock"
)

// ClickAndCollectOption describes whether a warehouse may act as a collection point.
type ClickAndCollectOption string

const (
	ClickAndCollectDisabled ClickAndCollectOption = "disabled"
	// ClickAndCollectLocal allows collection of stock held in the warehouse itself.
	ClickAndCollectLocal ClickAndCollectOption = "local"
	// ClickAndCollectAll allows collection of stock from any warehouse of the channel.
	ClickAndCollectAll ClickAndCollectOption = "all"
)

// Warehouse is a physical fulfillment location.
type Warehouse struct {
	ID                    string
	Name                  string
	Email                 string
	Address               Address
	ShippingZoneIDs       []string
	ClickAndCollectOption ClickAndCollectOption
	IsPrivate             bool
}

// ShippingZone groups destination countries served by a set of warehouses and methods.
type ShippingZone struct {
	ID           string
	Name         string
	Countries    []string
	ChannelSlugs []string
}

// ShippingMethodType distinguishes price based and weight based methods.
type ShippingMethodType string

const (
	ShippingMethodTypePrice  ShippingMethodType = "price"
	ShippingMethodTypeWeight ShippingMethodType = "weight"
)

// ShippingMethod is a delivery option. External methods supplied by plugins carry an "app:"
// prefixed ID and no shipping zone.
type ShippingMethod struct {
	ID                 string
	Name               string
	Type               ShippingMethodType
	ShippingZoneID     string
	Countries          []string
	MinimumWeight      *decimal.Decimal
	MaximumWeight      *decimal.Decimal
	ChannelListings    []ShippingMethodChannelListing
	ExcludedProductIDs []string
	External           bool
	Metadata           map[string]any
}

// ShippingMethodChannelListing stores the per-channel price and order value window of a method.
type ShippingMethodChannelListing struct {
	ChannelSlug       string
	Price             Money
	MinimumOrderPrice *Money
	MaximumOrderPrice *Money
}

// ListingFor returns the channel listing for the slug.
func (m ShippingMethod) ListingFor(channelSlug string) (ShippingMethodChannelListing, bool) {
	for _, listing := range m.ChannelListings {
		if listing.ChannelSlug == channelSlug {
			return listing, true
		}
	}
	return ShippingMethodChannelListing{}, false
}

// ProductTypeKind classifies what a product is.
type ProductTypeKind string

const (
	ProductKindPhysical ProductTypeKind = "physical"
	ProductKindDigital  ProductTypeKind = "digital"
	ProductKindGiftCard ProductTypeKind = "gift_card"
)

// Product is the catalog parent of variants. It is consumed, never owned, by the core.
type Product struct {
	ID                 string
	Name               string
	CategoryID         string
	CollectionIDs      []string
	Kind               ProductTypeKind
	IsShippingRequired bool
	ChannelListings    []ProductChannelListing
}

// ProductChannelListing stores publication data of a product in one channel.
type ProductChannelListing struct {
	ChannelSlug          string
	IsPublished          bool
	AvailableForPurchase *time.Time
	VisibleInListings    bool
}

// ProductVariant is a purchasable SKU.
type ProductVariant struct {
	ID                       string
	SKU                      string
	Name                     string
	Product                  Product
	TrackInventory           bool
	IsPreorder               bool
	PreorderEndDate          *time.Time
	PreorderGlobalThreshold  *int
	Weight                   *decimal.Decimal
	QuantityLimitPerCustomer *int
	ChannelListings          []VariantChannelListing
}

// VariantChannelListing stores the per-channel price of a variant and its preorder cap.
type VariantChannelListing struct {
	ChannelSlug               string
	Price                     Money
	CostPrice                 *Money
	PreorderQuantityThreshold *int
}

// ListingFor returns the listing of the variant in the channel.
func (v ProductVariant) ListingFor(channelSlug string) (VariantChannelListing, bool) {
	for _, listing := range v.ChannelListings {
		if listing.ChannelSlug == channelSlug {
			return listing, true
		}
	}
	return VariantChannelListing{}, false
}

// IsGiftCard reports whether the variant issues gift cards when sold.
func (v ProductVariant) IsGiftCard() bool {
	return v.Product.Kind == ProductKindGiftCard
}

// IsShippingRequired reports whether the variant needs physical delivery.
func (v ProductVariant) IsShippingRequired() bool {
	return v.Product.IsShippingRequired
}

// ActivePreorder reports whether the variant is still sold as preorder at now.
func (v ProductVariant) ActivePreorder(now time.Time) bool {
	if !v.IsPreorder {
		return false
	}
	return v.PreorderEndDate == nil || now.Before(*v.PreorderEndDate)
}
