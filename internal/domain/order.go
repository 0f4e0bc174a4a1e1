package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus enumerates the lifecycle states of an order.
type OrderStatus string

const (
	// OrderStatusDraft is an order being composed by staff; lines are still editable.
	OrderStatusDraft OrderStatus = "draft"
	// OrderStatusUnconfirmed is a placed order waiting for staff confirmation.
	OrderStatusUnconfirmed OrderStatus = "unconfirmed"
	// OrderStatusUnfulfilled is a confirmed order with nothing shipped yet.
	OrderStatusUnfulfilled OrderStatus = "unfulfilled"
	// OrderStatusPartiallyFulfilled has at least one line partly shipped.
	OrderStatusPartiallyFulfilled OrderStatus = "partially_fulfilled"
	// OrderStatusFulfilled has every line fully shipped.
	OrderStatusFulfilled OrderStatus = "fulfilled"
	// OrderStatusPartiallyReturned has part of the shipped goods returned.
	OrderStatusPartiallyReturned OrderStatus = "partially_returned"
	// OrderStatusReturned has every line returned.
	OrderStatusReturned OrderStatus = "returned"
	// OrderStatusCanceled is terminal.
	OrderStatusCanceled OrderStatus = "canceled"
)

// OrderOrigin records how an order was created.
type OrderOrigin string

const (
	OrderOriginCheckout OrderOrigin = "checkout"
	OrderOriginDraft    OrderOrigin = "draft"
)

// Order is the durable post-placement aggregate.
type Order struct {
	ID                  string
	Number              int64
	CheckoutToken       string
	Status              OrderStatus
	Origin              OrderOrigin
	UserID              string
	UserEmail           string
	ChannelSlug         string
	Currency            string
	LanguageCode        string
	ShippingAddress     *Address
	BillingAddress      *Address
	ShippingMethodID    string
	ShippingMethodName  string
	CollectionPointID   string
	CollectionPointName string
	ShippingPrice       TaxedMoney
	BaseShippingPrice   Money
	ShippingTaxRate     decimal.Decimal
	Weight              decimal.Decimal
	VoucherID           string
	VoucherCode         string
	Discounts           []OrderDiscount
	GiftCardIDs         []string
	Lines               []OrderLine
	Fulfillments        []Fulfillment
	Subtotal            TaxedMoney
	UndiscountedTotal   TaxedMoney
	Total               TaxedMoney
	TotalAuthorized     Money
	TotalCaptured       Money
	TotalRefunded       Money
	FullyPaidAt         *time.Time
	CustomerNote        string
	// AllowStockToBeExceeded permits oversell allocations for the order.
	AllowStockToBeExceeded bool
	Metadata               map[string]any
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// OrderLine is the frozen snapshot of a purchased variant.
type OrderLine struct {
	ID                    string
	VariantID             string
	ProductID             string
	ProductName           string
	VariantName           string
	SKU                   string
	Quantity              int
	QuantityFulfilled     int
	UnitPrice             TaxedMoney
	UndiscountedUnitPrice TaxedMoney
	UnitDiscount          Money
	UnitDiscountReason    string
	TotalPrice            TaxedMoney
	TaxRate               decimal.Decimal
	IsShippingRequired    bool
	IsGiftCard            bool
	IsPreorder            bool
	TrackInventory        bool
}

// QuantityUnfulfilled returns the quantity still to ship.
func (l OrderLine) QuantityUnfulfilled() int {
	return l.Quantity - l.QuantityFulfilled
}

// OrderDiscountType classifies an order level discount.
type OrderDiscountType string

const (
	OrderDiscountVoucher  OrderDiscountType = "voucher"
	OrderDiscountManual   OrderDiscountType = "manual"
	OrderDiscountGiftCard OrderDiscountType = "gift_card"
)

// OrderDiscount is a discount applied to the order total.
type OrderDiscount struct {
	ID             string
	Type           OrderDiscountType
	ValueType      DiscountValueType
	Value          decimal.Decimal
	Amount         Money
	Name           string
	TranslatedName string
	Reason         string
	VoucherCode    string
	GiftCardID     string
}

// FulfillmentStatus enumerates the states of a fulfillment.
type FulfillmentStatus string

const (
	FulfillmentFulfilled          FulfillmentStatus = "fulfilled"
	FulfillmentRefunded           FulfillmentStatus = "refunded"
	FulfillmentReturned           FulfillmentStatus = "returned"
	FulfillmentReplaced           FulfillmentStatus = "replaced"
	FulfillmentCanceled           FulfillmentStatus = "canceled"
	FulfillmentWaitingForApproval FulfillmentStatus = "waiting_for_approval"
)

// Fulfillment is a shipment of order line quantities from one or more warehouses.
type Fulfillment struct {
	ID               string
	FulfillmentOrder int
	Status           FulfillmentStatus
	TrackingNumber   string
	Lines            []FulfillmentLine
	TotalRefund      *Money
	CreatedAt        time.Time
}

// FulfillmentLine ships a quantity of an order line from a stock row.
type FulfillmentLine struct {
	ID          string
	OrderLineID string
	StockID     string
	WarehouseID string
	Quantity    int
}

// Quantity sums the line quantities of the fulfillment.
func (f Fulfillment) Quantity() int {
	total := 0
	for _, line := range f.Lines {
		total += line.Quantity
	}
	return total
}

// PaymentChargeStatus summarises the money movement of a payment.
type PaymentChargeStatus string

const (
	ChargeNotCharged        PaymentChargeStatus = "not_charged"
	ChargePending           PaymentChargeStatus = "pending"
	ChargePartiallyCharged  PaymentChargeStatus = "partially_charged"
	ChargeFullyCharged      PaymentChargeStatus = "fully_charged"
	ChargePartiallyRefunded PaymentChargeStatus = "partially_refunded"
	ChargeFullyRefunded     PaymentChargeStatus = "fully_refunded"
	ChargeRefused           PaymentChargeStatus = "refused"
	ChargeCancelled         PaymentChargeStatus = "cancelled"
)

// TransactionKind enumerates gateway operations.
type TransactionKind string

const (
	TransactionAuth    TransactionKind = "auth"
	TransactionCapture TransactionKind = "capture"
	TransactionVoid    TransactionKind = "void"
	TransactionRefund  TransactionKind = "refund"
	TransactionConfirm TransactionKind = "confirm"
)

// Payment is a payment attempt against a checkout or an order.
type Payment struct {
	ID             string
	GatewayID      string
	IsActive       bool
	CheckoutToken  string
	OrderID        string
	Total          Money
	CapturedAmount Money
	ChargeStatus   PaymentChargeStatus
	Token          string
	CustomerID     string
	BillingEmail   string
	CCBrand        string
	CCLastDigits   string
	CCExpMonth     int
	CCExpYear      int
	PSPReference   string
	ReturnURL      string
	Transactions   []Transaction
	CreatedAt      time.Time
	ModifiedAt     time.Time
}

// IsAuthorized reports whether a successful authorization exists and has not been voided. A
// confirmed customer action completes the authorization it was raised for.
func (p Payment) IsAuthorized() bool {
	authorized := false
	for _, txn := range p.Transactions {
		if !txn.IsSuccess {
			continue
		}
		switch txn.Kind {
		case TransactionAuth, TransactionConfirm:
			authorized = true
		case TransactionVoid:
			authorized = false
		}
	}
	return authorized
}

// CanCapture reports whether an authorized payment still has an amount to capture.
func (p Payment) CanCapture() bool {
	if !p.IsActive || !p.IsAuthorized() {
		return false
	}
	return p.ChargeStatus == ChargeNotCharged || p.ChargeStatus == ChargePartiallyCharged
}

// CanVoid reports whether the authorization can still be released.
func (p Payment) CanVoid() bool {
	return p.IsActive && p.ChargeStatus == ChargeNotCharged && p.IsAuthorized()
}

// CanRefund reports whether captured funds remain.
func (p Payment) CanRefund() bool {
	switch p.ChargeStatus {
	case ChargePartiallyCharged, ChargeFullyCharged, ChargePartiallyRefunded:
		return p.CapturedAmount.IsPositive()
	}
	return false
}

// PendingAction returns the last transaction when it still awaits customer action.
func (p Payment) PendingAction() (Transaction, bool) {
	if len(p.Transactions) == 0 {
		return Transaction{}, false
	}
	last := p.Transactions[len(p.Transactions)-1]
	return last, last.ActionRequired && !last.IsSuccess
}

// Transaction records a single gateway call.
type Transaction struct {
	ID              string
	PaymentID       string
	Kind            TransactionKind
	IsSuccess       bool
	ActionRequired  bool
	Amount          Money
	Token           string
	Error           string
	CustomerID      string
	GatewayResponse map[string]any
	CreatedAt       time.Time
}

// TotalPaid returns captured minus refunded money.
func (o Order) TotalPaid() Money {
	return o.TotalCaptured.Sub(o.TotalRefunded)
}

// IsFullyPaid reports whether captured money covers the total.
func (o Order) IsFullyPaid() bool {
	return !o.TotalCaptured.LessThan(o.Total.Gross)
}

// LineIndex returns the index of the order line or -1.
func (o Order) LineIndex(lineID string) int {
	for i, line := range o.Lines {
		if line.ID == lineID {
			return i
		}
	}
	return -1
}

// FulfillmentIndex returns the index of the fulfillment or -1.
func (o Order) FulfillmentIndex(id string) int {
	for i, f := range o.Fulfillments {
		if f.ID == id {
			return i
		}
	}
	return -1
}

// NextFulfillmentOrder returns the next per-order fulfillment sequence number.
func (o Order) NextFulfillmentOrder() int {
	highest := 0
	for _, f := range o.Fulfillments {
		if f.FulfillmentOrder > highest {
			highest = f.FulfillmentOrder
		}
	}
	return highest + 1
}

// IsShippingRequired reports whether any line needs physical delivery.
func (o Order) IsShippingRequired() bool {
	for _, line := range o.Lines {
		if line.IsShippingRequired {
			return true
		}
	}
	return false
}

// DiscountTotal sums the order level discounts.
func (o Order) DiscountTotal() Money {
	total := ZeroMoney(o.Currency)
	for _, discount := range o.Discounts {
		total = total.Add(discount.Amount)
	}
	return total
}

// Country returns the destination country used for stock lookups.
func (o Order) Country(fallback string) string {
	if o.ShippingAddress != nil && o.ShippingAddress.Country != "" {
		return o.ShippingAddress.Country
	}
	if o.BillingAddress != nil && o.BillingAddress.Country != "" {
		return o.BillingAddress.Country
	}
	return fallback
}

// Clone returns a deep copy of the order.
func (o Order) Clone() Order {
	out := o
	out.ShippingAddress = o.ShippingAddress.Clone()
	out.BillingAddress = o.BillingAddress.Clone()
	if o.Discounts != nil {
		out.Discounts = append([]OrderDiscount(nil), o.Discounts...)
	}
	out.GiftCardIDs = cloneStrings(o.GiftCardIDs)
	if o.Lines != nil {
		out.Lines = append([]OrderLine(nil), o.Lines...)
	}
	if o.Fulfillments != nil {
		out.Fulfillments = make([]Fulfillment, len(o.Fulfillments))
		for i, f := range o.Fulfillments {
			f.Lines = append([]FulfillmentLine(nil), f.Lines...)
			if f.TotalRefund != nil {
				refund := *f.TotalRefund
				f.TotalRefund = &refund
			}
			out.Fulfillments[i] = f
		}
	}
	if o.FullyPaidAt != nil {
		paid := *o.FullyPaidAt
		out.FullyPaidAt = &paid
	}
	out.Metadata = cloneMetadata(o.Metadata)
	return out
}

// Clone returns a deep copy of the payment.
func (p Payment) Clone() Payment {
	out := p
	if p.Transactions != nil {
		out.Transactions = make([]Transaction, len(p.Transactions))
		for i, txn := range p.Transactions {
			txn.GatewayResponse = cloneMetadata(txn.GatewayResponse)
			out.Transactions[i] = txn
		}
	}
	return out
}
