package domain

import (
	"time"
)

// Checkout is the mutable pre-order aggregate identified by a UUID token.
type Checkout struct {
	Token                  string
	UserID                 string
	Email                  string
	ChannelSlug            string
	Currency               string
	LanguageCode           string
	ShippingAddress        *Address
	BillingAddress         *Address
	ShippingMethodID       string
	CollectionPointID      string
	Lines                  []CheckoutLine
	VoucherCode            string
	Discount               Money
	DiscountName           string
	TranslatedDiscountName string
	GiftCardIDs            []string
	Note                   string
	TrackingCode           string
	RedirectURL            string
	Metadata               map[string]any
	LastChange             time.Time
	CreatedAt              time.Time
}

// CheckoutLine is a (variant, quantity) pair of a checkout.
type CheckoutLine struct {
	ID            string
	VariantID     string
	Quantity      int
	PriceOverride *Money
	// ForceNewLine keeps the line separate from other lines of the same variant.
	ForceNewLine bool
	Metadata     map[string]any
	CreatedAt    time.Time
}

// Clone returns a deep copy safe to mutate independently.
func (c Checkout) Clone() Checkout {
	out := c
	out.ShippingAddress = c.ShippingAddress.Clone()
	out.BillingAddress = c.BillingAddress.Clone()
	if c.Lines != nil {
		out.Lines = make([]CheckoutLine, len(c.Lines))
		for i, line := range c.Lines {
			out.Lines[i] = line.Clone()
		}
	}
	out.GiftCardIDs = cloneStrings(c.GiftCardIDs)
	out.Metadata = cloneMetadata(c.Metadata)
	return out
}

// Clone returns a deep copy of the line.
func (l CheckoutLine) Clone() CheckoutLine {
	out := l
	if l.PriceOverride != nil {
		price := *l.PriceOverride
		out.PriceOverride = &price
	}
	out.Metadata = cloneMetadata(l.Metadata)
	return out
}

// TotalQuantity sums line quantities.
func (c Checkout) TotalQuantity() int {
	total := 0
	for _, line := range c.Lines {
		total += line.Quantity
	}
	return total
}

// LineIndex returns the index of the line with the given ID.
func (c Checkout) LineIndex(lineID string) int {
	for i, line := range c.Lines {
		if line.ID == lineID {
			return i
		}
	}
	return -1
}

// QuantityByVariant sums line quantities per variant.
func (c Checkout) QuantityByVariant() map[string]int {
	out := make(map[string]int, len(c.Lines))
	for _, line := range c.Lines {
		out[line.VariantID] += line.Quantity
	}
	return out
}

// HasGiftCard reports whether the gift card is attached.
func (c Checkout) HasGiftCard(id string) bool {
	for _, existing := range c.GiftCardIDs {
		if existing == id {
			return true
		}
	}
	return false
}

// Clone returns a copy of the address or nil.
func (a *Address) Clone() *Address {
	if a == nil {
		return nil
	}
	out := *a
	return &out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneMetadata(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
