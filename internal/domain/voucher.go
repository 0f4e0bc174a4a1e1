package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// VoucherType selects what a voucher discounts.
type VoucherType string

const (
	VoucherTypeEntireOrder     VoucherType = "entire_order"
	VoucherTypeShipping        VoucherType = "shipping"
	VoucherTypeSpecificProduct VoucherType = "specific_product"
)

// DiscountValueType distinguishes fixed amounts from percentages.
type DiscountValueType string

const (
	DiscountValueFixed      DiscountValueType = "fixed"
	DiscountValuePercentage DiscountValueType = "percentage"
)

// Voucher is a code granting a discount under applicability rules.
type Voucher struct {
	ID                       string
	Code                     string
	Name                     string
	Type                     VoucherType
	DiscountValueType        DiscountValueType
	StartDate                time.Time
	EndDate                  *time.Time
	UsageLimit               *int
	Used                     int
	ApplyOncePerOrder        bool
	ApplyOncePerCustomer     bool
	MinCheckoutItemsQuantity *int
	// Countries restricts shipping vouchers to destinations; empty means every country.
	Countries       []string
	ProductIDs      []string
	CategoryIDs     []string
	CollectionIDs   []string
	VariantIDs      []string
	ChannelListings []VoucherChannelListing
}

// VoucherChannelListing carries per-channel discount value and minimum spend.
type VoucherChannelListing struct {
	ChannelSlug   string
	DiscountValue decimal.Decimal
	Currency      string
	MinSpent      *Money
}

// ListingFor returns the voucher listing for the channel.
func (v Voucher) ListingFor(channelSlug string) (VoucherChannelListing, bool) {
	for _, listing := range v.ChannelListings {
		if listing.ChannelSlug == channelSlug {
			return listing, true
		}
	}
	return VoucherChannelListing{}, false
}

// IsActiveAt reports whether now falls inside the voucher's activity window.
func (v Voucher) IsActiveAt(now time.Time) bool {
	if now.Before(v.StartDate) {
		return false
	}
	return v.EndDate == nil || !now.After(*v.EndDate)
}

// ExhaustedUsage reports whether the usage limit has been reached.
func (v Voucher) ExhaustedUsage() bool {
	return v.UsageLimit != nil && v.Used >= *v.UsageLimit
}

// VoucherCustomer records that an email used an apply-once-per-customer voucher.
type VoucherCustomer struct {
	VoucherID string
	Email     string
}

// Sale is a catalogue promotion that reduces unit prices before tax.
type Sale struct {
	ID              string
	Name            string
	Type            DiscountValueType
	StartDate       time.Time
	EndDate         *time.Time
	ProductIDs      []string
	CategoryIDs     []string
	CollectionIDs   []string
	VariantIDs      []string
	ChannelListings []SaleChannelListing
}

// SaleChannelListing stores the discount value of a sale in one channel.
type SaleChannelListing struct {
	ChannelSlug   string
	DiscountValue decimal.Decimal
	Currency      string
}

// ListingFor returns the sale listing for the channel.
func (s Sale) ListingFor(channelSlug string) (SaleChannelListing, bool) {
	for _, listing := range s.ChannelListings {
		if listing.ChannelSlug == channelSlug {
			return listing, true
		}
	}
	return SaleChannelListing{}, false
}

// IsActiveAt reports whether the sale runs at now.
func (s Sale) IsActiveAt(now time.Time) bool {
	if now.Before(s.StartDate) {
		return false
	}
	return s.EndDate == nil || !now.After(*s.EndDate)
}
