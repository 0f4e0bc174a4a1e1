package domain

import "time"

// GiftCard is a prepaid balance. 0 <= CurrentBalance <= InitialBalance, same currency.
type GiftCard struct {
	ID                string
	Code              string
	InitialBalance    Money
	CurrentBalance    Money
	ExpiryDate        *time.Time
	IsActive          bool
	CreatedByID       string
	CreatedByEmail    string
	UsedByID          string
	UsedByEmail       string
	ProductID         string
	FulfillmentLineID string
	BoughtInOrderID   string
	LastUsedOn        *time.Time
	CreatedAt         time.Time
}

// IsExpired reports whether the card expired before the day of now.
func (g GiftCard) IsExpired(now time.Time) bool {
	if g.ExpiryDate == nil {
		return false
	}
	today := truncateDay(now)
	return g.ExpiryDate.Before(today)
}

// UsableAt reports whether the card can pay for orders at now.
func (g GiftCard) UsableAt(now time.Time) bool {
	return g.IsActive && !g.IsExpired(now)
}

// GiftCardEventType enumerates gift card history entries.
type GiftCardEventType string

const (
	GiftCardEventIssued         GiftCardEventType = "ISSUED"
	GiftCardEventBought         GiftCardEventType = "BOUGHT"
	GiftCardEventSentToCustomer GiftCardEventType = "SENT_TO_CUSTOMER"
	GiftCardEventUsedInOrder    GiftCardEventType = "USED_IN_ORDER"
	GiftCardEventActivated      GiftCardEventType = "ACTIVATED"
	GiftCardEventDeactivated    GiftCardEventType = "DEACTIVATED"
)

// GiftCardEvent is an append-only gift card history entry.
type GiftCardEvent struct {
	ID            string
	GiftCardID    string
	Type          GiftCardEventType
	Date          time.Time
	UserID        string
	AppID         string
	OrderID       string
	Email         string
	BalanceBefore *Money
	BalanceAfter  *Money
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Today truncates t to midnight UTC.
func Today(t time.Time) time.Time {
	return truncateDay(t)
}
