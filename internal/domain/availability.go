package domain

import (
	"slices"
	"time"
)

// CheckVariantAvailability validates that the variant can be bought in the channel at the instant.
func CheckVariantAvailability(variant ProductVariant, channelSlug string, at time.Time) error {
	if _, ok := variant.ListingFor(channelSlug); !ok {
		return NewError(CodeUnavailableVariantInChannel, "variant_id",
			"Cannot add lines with unavailable variants.")
	}
	var listing *ProductChannelListing
	for i := range variant.Product.ChannelListings {
		if variant.Product.ChannelListings[i].ChannelSlug == channelSlug {
			listing = &variant.Product.ChannelListings[i]
			break
		}
	}
	if listing == nil || !listing.IsPublished {
		return NewError(CodeProductNotPublished, "variant_id",
			"Cannot add lines for unpublished variants.")
	}
	if listing.AvailableForPurchase == nil || at.Before(*listing.AvailableForPurchase) {
		return NewError(CodeProductUnavailableForPurchase, "variant_id",
			"Cannot add lines for unavailable for purchase variants.")
	}
	return nil
}

// ZoneServes reports whether the shipping zone covers the country in the channel.
func ZoneServes(zone ShippingZone, channelSlug, country string) bool {
	if !slices.Contains(zone.ChannelSlugs, channelSlug) {
		return false
	}
	return country == "" || slices.Contains(zone.Countries, country)
}
