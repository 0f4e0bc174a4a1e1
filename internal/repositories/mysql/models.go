package mysql

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
)

// document stores a value as a JSON column.
type document[T any] struct {
	Data T
}

func doc[T any](v T) document[T] { return document[T]{Data: v} }

func (d document[T]) Value() (driver.Value, error) {
	raw, err := json.Marshal(d.Data)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func (d *document[T]) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		var zero T
		d.Data = zero
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("mysql: cannot scan %T into json column", src)
	}
	return json.Unmarshal(raw, &d.Data)
}

type checkoutModel struct {
	Token       string `gorm:"primaryKey;size:64"`
	UserID      string `gorm:"size:64;index"`
	Email       string `gorm:"size:254"`
	ChannelSlug string `gorm:"size:64"`
	LastChange  time.Time
	CreatedAt   time.Time
	Document    document[domain.Checkout] `gorm:"type:json"`
}

func (checkoutModel) TableName() string { return "checkouts" }

func toCheckoutModel(c domain.Checkout) checkoutModel {
	return checkoutModel{
		Token:       c.Token,
		UserID:      c.UserID,
		Email:       c.Email,
		ChannelSlug: c.ChannelSlug,
		LastChange:  c.LastChange,
		CreatedAt:   c.CreatedAt,
		Document:    doc(c.Clone()),
	}
}

// orderModel keeps the aggregate as a document; the columns carry what queries filter on.
type orderModel struct {
	ID            string  `gorm:"primaryKey;size:64"`
	Number        int64   `gorm:"uniqueIndex"`
	CheckoutToken *string `gorm:"size:64;uniqueIndex"`
	Status        string  `gorm:"size:32;index"`
	ChannelSlug   string  `gorm:"size:64"`
	UserEmail     string  `gorm:"size:254"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Document      document[domain.Order] `gorm:"type:json"`
}

func (orderModel) TableName() string { return "orders" }

func toOrderModel(o domain.Order) orderModel {
	var token *string
	if o.CheckoutToken != "" {
		t := o.CheckoutToken
		token = &t
	}
	return orderModel{
		ID:            o.ID,
		Number:        o.Number,
		CheckoutToken: token,
		Status:        string(o.Status),
		ChannelSlug:   o.ChannelSlug,
		UserEmail:     o.UserEmail,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
		Document:      doc(o.Clone()),
	}
}

type orderEventModel struct {
	ID      string    `gorm:"primaryKey;size:64"`
	OrderID string    `gorm:"size:64;index:idx_order_events_order_date"`
	Date    time.Time `gorm:"index:idx_order_events_order_date"`
	Type    string    `gorm:"size:64"`
	UserID  string    `gorm:"size:64"`
	AppID   string    `gorm:"size:64"`
	Payload []byte    `gorm:"type:json"`
}

func (orderEventModel) TableName() string { return "order_events" }

func toOrderEventModel(e domain.OrderEvent) (orderEventModel, error) {
	payload, err := domain.EncodeOrderEventPayload(e.Payload)
	if err != nil {
		return orderEventModel{}, err
	}
	return orderEventModel{
		ID:      e.ID,
		OrderID: e.OrderID,
		Date:    e.Date,
		Type:    string(e.Type),
		UserID:  e.UserID,
		AppID:   e.AppID,
		Payload: payload,
	}, nil
}

func (m orderEventModel) toDomain() (domain.OrderEvent, error) {
	eventType := domain.OrderEventType(m.Type)
	payload, err := domain.DecodeOrderEventPayload(eventType, m.Payload)
	if err != nil {
		return domain.OrderEvent{}, err
	}
	return domain.OrderEvent{
		ID:      m.ID,
		OrderID: m.OrderID,
		Date:    m.Date.UTC(),
		Type:    eventType,
		UserID:  m.UserID,
		AppID:   m.AppID,
		Payload: payload,
	}, nil
}

type paymentModel struct {
	ID            string  `gorm:"primaryKey;size:64"`
	CheckoutToken *string `gorm:"size:64;index"`
	OrderID       *string `gorm:"size:64;index"`
	CreatedAt     time.Time
	Document      document[domain.Payment] `gorm:"type:json"`
}

func (paymentModel) TableName() string { return "payments" }

func toPaymentModel(p domain.Payment) paymentModel {
	return paymentModel{
		ID:            p.ID,
		CheckoutToken: nullable(p.CheckoutToken),
		OrderID:       nullable(p.OrderID),
		CreatedAt:     p.CreatedAt,
		Document:      doc(p.Clone()),
	}
}

type stockModel struct {
	ID                string `gorm:"primaryKey;size:64"`
	WarehouseID       string `gorm:"size:64;uniqueIndex:idx_stocks_warehouse_variant"`
	VariantID         string `gorm:"size:64;uniqueIndex:idx_stocks_warehouse_variant"`
	Quantity          int
	QuantityAllocated int
}

func (stockModel) TableName() string { return "stocks" }

func (m stockModel) toDomain() domain.Stock {
	return domain.Stock{
		ID:                m.ID,
		WarehouseID:       m.WarehouseID,
		VariantID:         m.VariantID,
		Quantity:          m.Quantity,
		QuantityAllocated: m.QuantityAllocated,
	}
}

type allocationModel struct {
	ID                string `gorm:"primaryKey;size:64"`
	OrderLineID       string `gorm:"size:64;index"`
	StockID           string `gorm:"size:64;index"`
	QuantityAllocated int
}

func (allocationModel) TableName() string { return "allocations" }

type reservationModel struct {
	ID               string `gorm:"primaryKey;size:64"`
	CheckoutToken    string `gorm:"size:64;index"`
	CheckoutLineID   string `gorm:"size:64"`
	StockID          string `gorm:"size:64;index"`
	VariantID        string `gorm:"size:64"`
	QuantityReserved int
	ReservedUntil    time.Time `gorm:"index"`
}

func (reservationModel) TableName() string { return "reservations" }

type preorderAllocationModel struct {
	ID          string `gorm:"primaryKey;size:64"`
	OrderLineID string `gorm:"size:64;index"`
	VariantID   string `gorm:"size:64;index:idx_preorder_variant_channel"`
	ChannelSlug string `gorm:"size:64;index:idx_preorder_variant_channel"`
	Quantity    int
}

func (preorderAllocationModel) TableName() string { return "preorder_allocations" }

// voucherModel keeps the usage counter in a column so it can be updated conditionally.
type voucherModel struct {
	ID         string `gorm:"primaryKey;size:64"`
	Code       string `gorm:"size:64;uniqueIndex"`
	Used       int
	UsageLimit *int
	Document   document[domain.Voucher] `gorm:"type:json"`
}

func (voucherModel) TableName() string { return "vouchers" }

func (m voucherModel) toDomain() domain.Voucher {
	voucher := m.Document.Data
	voucher.ID = m.ID
	voucher.Code = m.Code
	voucher.Used = m.Used
	voucher.UsageLimit = m.UsageLimit
	return voucher
}

type voucherCustomerModel struct {
	VoucherID string `gorm:"primaryKey;size:64"`
	Email     string `gorm:"primaryKey;size:254"`
}

func (voucherCustomerModel) TableName() string { return "voucher_customers" }

type giftCardModel struct {
	ID                string `gorm:"primaryKey;size:64"`
	Code              string `gorm:"size:64;uniqueIndex"`
	Currency          string `gorm:"size:3"`
	InitialBalance    decimal.Decimal
	CurrentBalance    decimal.Decimal
	ExpiryDate        *time.Time
	IsActive          bool
	CreatedByID       string `gorm:"size:64"`
	CreatedByEmail    string `gorm:"size:254"`
	UsedByID          string `gorm:"size:64"`
	UsedByEmail       string `gorm:"size:254"`
	ProductID         string `gorm:"size:64"`
	FulfillmentLineID string `gorm:"size:64"`
	BoughtInOrderID   string `gorm:"size:64"`
	LastUsedOn        *time.Time
	CreatedAt         time.Time
}

func (giftCardModel) TableName() string { return "gift_cards" }

func toGiftCardModel(g domain.GiftCard) giftCardModel {
	return giftCardModel{
		ID:                g.ID,
		Code:              g.Code,
		Currency:          g.InitialBalance.Currency,
		InitialBalance:    g.InitialBalance.Amount,
		CurrentBalance:    g.CurrentBalance.Amount,
		ExpiryDate:        g.ExpiryDate,
		IsActive:          g.IsActive,
		CreatedByID:       g.CreatedByID,
		CreatedByEmail:    g.CreatedByEmail,
		UsedByID:          g.UsedByID,
		UsedByEmail:       g.UsedByEmail,
		ProductID:         g.ProductID,
		FulfillmentLineID: g.FulfillmentLineID,
		BoughtInOrderID:   g.BoughtInOrderID,
		LastUsedOn:        g.LastUsedOn,
		CreatedAt:         g.CreatedAt,
	}
}

func (m giftCardModel) toDomain() domain.GiftCard {
	return domain.GiftCard{
		ID:                m.ID,
		Code:              m.Code,
		InitialBalance:    domain.NewMoney(m.InitialBalance, m.Currency),
		CurrentBalance:    domain.NewMoney(m.CurrentBalance, m.Currency),
		ExpiryDate:        utcPtr(m.ExpiryDate),
		IsActive:          m.IsActive,
		CreatedByID:       m.CreatedByID,
		CreatedByEmail:    m.CreatedByEmail,
		UsedByID:          m.UsedByID,
		UsedByEmail:       m.UsedByEmail,
		ProductID:         m.ProductID,
		FulfillmentLineID: m.FulfillmentLineID,
		BoughtInOrderID:   m.BoughtInOrderID,
		LastUsedOn:        utcPtr(m.LastUsedOn),
		CreatedAt:         m.CreatedAt.UTC(),
	}
}

type giftCardEventModel struct {
	ID            string    `gorm:"primaryKey;size:64"`
	GiftCardID    string    `gorm:"size:64;index:idx_gift_card_events_card_date"`
	Date          time.Time `gorm:"index:idx_gift_card_events_card_date"`
	Type          string    `gorm:"size:64"`
	UserID        string    `gorm:"size:64"`
	AppID         string    `gorm:"size:64"`
	OrderID       string    `gorm:"size:64"`
	Email         string    `gorm:"size:254"`
	BalanceBefore document[*domain.Money] `gorm:"type:json"`
	BalanceAfter  document[*domain.Money] `gorm:"type:json"`
}

func (giftCardEventModel) TableName() string { return "gift_card_events" }

type counterModel struct {
	Name  string `gorm:"primaryKey;size:64"`
	Value int64
}

func (counterModel) TableName() string { return "counters" }

// catalogModel stores the read-only sales context as documents keyed by id.
type catalogModel struct {
	Kind     string `gorm:"primaryKey;size:32"`
	ID       string `gorm:"primaryKey;size:64"`
	Document []byte `gorm:"type:json"`
}

func (catalogModel) TableName() string { return "catalog_entries" }

const (
	kindVariant        = "variant"
	kindChannel        = "channel"
	kindWarehouse      = "warehouse"
	kindShippingZone   = "shipping_zone"
	kindShippingMethod = "shipping_method"
	kindSale           = "sale"
)

func nullable(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
