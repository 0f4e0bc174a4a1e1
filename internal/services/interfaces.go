package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
	"github.com/i-super/Saleor-sub000/internal/payments"
	"github.com/i-super/Saleor-sub000/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Money              = domain.Money
	TaxedMoney         = domain.TaxedMoney
	Settings           = domain.Settings
	Checkout           = domain.Checkout
	CheckoutLine       = domain.CheckoutLine
	CheckoutTotals     = domain.CheckoutTotals
	LinePricing        = domain.LinePricing
	Order              = domain.Order
	OrderLine          = domain.OrderLine
	OrderEvent         = domain.OrderEvent
	Fulfillment        = domain.Fulfillment
	Payment            = domain.Payment
	Voucher            = domain.Voucher
	GiftCard           = domain.GiftCard
	GiftCardEvent      = domain.GiftCardEvent
	Allocation         = domain.Allocation
	Address            = domain.Address
	Actor              = domain.Actor
	SystemHealthReport = domain.SystemHealthReport

	VariantReader   = repositories.VariantReader
	PaymentGateway  = payments.Gateway
	GatewayResponse = payments.GatewayResponse
)

// DomainError represents a structured error with stable codes for transport across layers.
type DomainError interface {
	error
	Code() string
	SafeMessage() string
}

// Collaborators -------------------------------------------------------------

// TaxProvider computes taxes for products and shipping. Implementations may fail; callers
// surface failures as TAX_ERROR.
type TaxProvider interface {
	ApplyTaxesToProduct(ctx context.Context, variant domain.ProductVariant, price Money, country string, channel domain.Channel) (TaxedMoney, error)
	ApplyTaxesToShipping(ctx context.Context, price Money, address *Address, channel domain.Channel) (TaxedMoney, error)
	GetTaxRate(ctx context.Context, variant domain.ProductVariant, country string) (decimal.Decimal, error)
	// CalculateCheckoutTotalHint returns nil when no provider overrides the computed total.
	CalculateCheckoutTotalHint(ctx context.Context, info CheckoutInfo) (*TaxedMoney, error)
}

// ExternalShippingProvider lists delivery methods supplied by apps. Their ids carry the "app:" prefix.
type ExternalShippingProvider interface {
	ListExternalShippingMethods(ctx context.Context, info CheckoutInfo) ([]domain.ShippingMethod, error)
}

// GatewayResolver returns the payment gateway registered under an id.
type GatewayResolver interface {
	Gateway(id string) (PaymentGateway, error)
}

// Notifier hands customer notifications to the delivery layer.
type Notifier interface {
	Notify(ctx context.Context, event domain.NotifyEvent, payload map[string]any) error
}

// WebhookDispatcher delivers events to subscribed apps. Delivery is fire-and-forget.
type WebhookDispatcher interface {
	Dispatch(ctx context.Context, event domain.WebhookEvent, payload map[string]any) error
}

// KeyLocker serialises checkout completion and payment operations across processes.
type KeyLocker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}

// Metrics records business counters. A nil Metrics disables recording.
type Metrics interface {
	OrderPlaced(channel, origin string)
	CheckoutCompleted(outcome string, elapsed time.Duration)
	InsufficientStock(variants int)
	PaymentTransaction(kind string, success bool)
}

// Services ------------------------------------------------------------------

// PriceCalculator prices checkouts. Every method is a pure function of its inputs and the tax provider.
type PriceCalculator interface {
	CheckoutLineTotal(ctx context.Context, info CheckoutInfo, line CheckoutLineInfo, sales []domain.Sale) (TaxedMoney, error)
	CheckoutSubtotal(ctx context.Context, info CheckoutInfo, sales []domain.Sale) (TaxedMoney, error)
	CheckoutShippingPrice(ctx context.Context, info CheckoutInfo, sales []domain.Sale) (TaxedMoney, error)
	CheckoutTotal(ctx context.Context, info CheckoutInfo, sales []domain.Sale) (TaxedMoney, error)
	CheckoutAmountDue(ctx context.Context, info CheckoutInfo, sales []domain.Sale) (Money, error)
	// CheckoutTotals prices every line and total in one pass.
	CheckoutTotals(ctx context.Context, info CheckoutInfo, sales []domain.Sale) (CheckoutTotals, error)
}

// VoucherEvaluator decides whether a voucher applies and computes its discount.
type VoucherEvaluator interface {
	Evaluate(ctx context.Context, vc VoucherContext) (Money, error)
}

// StockService reserves, allocates and releases physical stock.
type StockService interface {
	CheckStockQuantity(ctx context.Context, variant domain.ProductVariant, country, channelSlug string, quantity int) error
	CheckStockQuantityBulk(ctx context.Context, req StockCheckRequest) error
	AllocateStocks(ctx context.Context, cmd AllocateCommand) ([]Allocation, error)
	DeallocateStock(ctx context.Context, lines []LineQuantity) error
	DeallocateStockForOrder(ctx context.Context, orderLineIDs []string) error
	IncreaseStock(ctx context.Context, cmd StockAdjustment) error
	DecreaseStock(ctx context.Context, cmd StockAdjustment) error
	CheckPreorderThresholdBulk(ctx context.Context, variants []domain.ProductVariant, quantities []int, channelSlug string) error
	AllocatePreorders(ctx context.Context, lines []OrderLine, channelSlug string) error
	DeallocatePreorders(ctx context.Context, orderLineIDs []string) error
	ReserveStocks(ctx context.Context, cmd ReserveCommand) error
	ReleaseReservations(ctx context.Context, checkoutToken string, lineIDs []string) error
	SweepExpiredReservations(ctx context.Context) (int, error)
}

// CheckoutService manages checkouts and turns them into orders.
type CheckoutService interface {
	CreateCheckout(ctx context.Context, cmd CreateCheckoutCommand) (Checkout, error)
	GetCheckout(ctx context.Context, token string) (Checkout, error)
	Totals(ctx context.Context, token string) (CheckoutTotals, error)
	AddVariants(ctx context.Context, cmd AddVariantsCommand) (Checkout, error)
	DeleteLines(ctx context.Context, token string, lineIDs []string) (Checkout, error)
	ChangeShippingAddress(ctx context.Context, token string, address Address) (Checkout, error)
	ChangeBillingAddress(ctx context.Context, token string, address Address) (Checkout, error)
	ListShippingMethods(ctx context.Context, token string) ([]domain.ShippingMethod, error)
	SetDeliveryMethod(ctx context.Context, token, deliveryMethodID string) (Checkout, error)
	AddPromoCode(ctx context.Context, token, code string) (Checkout, error)
	RemovePromoCode(ctx context.Context, token, code string) (Checkout, error)
	UpdateEmail(ctx context.Context, token, email string) (Checkout, error)
	UpdateLanguageCode(ctx context.Context, token, languageCode string) (Checkout, error)
	UpdateNote(ctx context.Context, token, note string) (Checkout, error)
	CreatePayment(ctx context.Context, cmd CreatePaymentCommand) (Payment, error)
	Abandon(ctx context.Context, token string) error
	Complete(ctx context.Context, cmd CompleteCheckoutCommand) (CompleteCheckoutResult, error)
	// RecalculateCheckoutDiscount revalidates the voucher and the delivery method.
	RecalculateCheckoutDiscount(ctx context.Context, token string) (Checkout, error)
}

// OrderService drives the order state machine.
type OrderService interface {
	GetOrder(ctx context.Context, orderID string) (Order, error)
	ListEvents(ctx context.Context, orderID string) ([]OrderEvent, error)
	CreateDraft(ctx context.Context, cmd CreateDraftCommand) (Order, error)
	ConfirmDraft(ctx context.Context, orderID string) (Order, error)
	Confirm(ctx context.Context, orderID string) (Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	CreateFulfillment(ctx context.Context, cmd CreateFulfillmentCommand) (Order, error)
	ApproveFulfillment(ctx context.Context, cmd ApproveFulfillmentCommand) (Order, error)
	CancelFulfillment(ctx context.Context, cmd CancelFulfillmentCommand) (Order, error)
	ReturnLines(ctx context.Context, cmd ReturnLinesCommand) (Order, error)
	UpdateTracking(ctx context.Context, orderID, fulfillmentID, trackingNumber string) (Order, error)
	AddNote(ctx context.Context, orderID, message string) (OrderEvent, error)

	AuthorizePayment(ctx context.Context, cmd PaymentCommand) (Order, error)
	CapturePayment(ctx context.Context, cmd PaymentCommand) (Order, error)
	VoidPayment(ctx context.Context, cmd PaymentCommand) (Order, error)
	RefundPayment(ctx context.Context, cmd PaymentCommand) (Order, error)
	ConfirmPayment(ctx context.Context, cmd PaymentCommand) (Order, error)
	MarkAsPaid(ctx context.Context, orderID, pspReference string) (Order, error)
}

// GiftCardService manages gift card balances, codes and issuance.
type GiftCardService interface {
	AddCodeToCheckout(ctx context.Context, checkout Checkout, code string) (Checkout, error)
	RemoveCodeFromCheckout(ctx context.Context, checkout Checkout, code string) (Checkout, bool, error)
	ApplyToOrder(ctx context.Context, order Order, cards []GiftCard, email string) (Order, error)
	IssueForFulfillment(ctx context.Context, cmd IssueGiftCardsCommand) ([]GiftCard, error)
	GenerateCode(ctx context.Context) (string, error)
	Activate(ctx context.Context, giftCardID string) (GiftCard, error)
	Deactivate(ctx context.Context, giftCardID string) (GiftCard, error)
	ListEvents(ctx context.Context, giftCardID string) ([]GiftCardEvent, error)
}

// SystemService exposes runtime metadata and dependency health.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// Command and DTO definitions ------------------------------------------------

// VoucherContext is the snapshot a voucher is evaluated against. Subtotal and Shipping are the
// prices before any voucher is applied.
type VoucherContext struct {
	Voucher       Voucher
	Info          CheckoutInfo
	Lines         []LinePricing
	Subtotal      TaxedMoney
	Shipping      TaxedMoney
	CustomerEmail string
}

// StockCheckRequest batches stock checks for several variants.
type StockCheckRequest struct {
	Variants    []domain.ProductVariant
	Quantities  []int
	Country     string
	ChannelSlug string
	// ExistingLines are already in the checkout; their quantities are added to the requested ones.
	ExistingLines []CheckoutLine
	// Replace makes Quantities replace the quantity of ExistingLines instead of adding to it.
	Replace bool
	// CheckReservations counts unexpired reservations of other checkouts as unavailable.
	CheckReservations bool
	CheckoutToken     string
}

// AllocateCommand allocates stock for order lines.
type AllocateCommand struct {
	Lines                  []OrderLine
	Country                string
	ChannelSlug            string
	CollectionPointID      string
	AllowStockToBeExceeded bool
	// CheckoutToken excludes the placing checkout's own reservations from the unavailable tally.
	CheckoutToken     string
	CheckReservations bool
}

// LineQuantity pairs an order line with a quantity.
type LineQuantity struct {
	OrderLineID string
	VariantID   string
	Quantity    int
}

// StockAdjustment moves physical stock for one order line in one warehouse.
type StockAdjustment struct {
	Line        OrderLine
	WarehouseID string
	Quantity    int
	// Allocate keeps the increased quantity allocated to the line.
	Allocate bool
	// AllowExceed lets the stock quantity drop below the allocated quantity.
	AllowExceed bool
}

// ReserveCommand reserves stock for checkout lines.
type ReserveCommand struct {
	CheckoutToken string
	Lines         []CheckoutLine
	Variants      map[string]domain.ProductVariant
	Country       string
	ChannelSlug   string
	Duration      time.Duration
	// Replace drops every reservation of the checkout first; otherwise only those of Lines are replaced.
	Replace bool
}

type CreateCheckoutCommand struct {
	ChannelSlug     string
	UserID          string
	Email           string
	LanguageCode    string
	ShippingAddress *Address
	BillingAddress  *Address
	Lines           []LineInput
}

// LineInput adds Quantity of a variant. ForceNewLine keeps a separate line for the variant.
type LineInput struct {
	VariantID     string
	Quantity      int
	PriceOverride *Money
	ForceNewLine  bool
	Metadata      map[string]any
}

type AddVariantsCommand struct {
	Token string
	Lines []LineInput
	// Replace sets line quantities instead of adding to them.
	Replace bool
}

type CreatePaymentCommand struct {
	Token      string
	Gateway    string
	PaymentKey string
	Amount     *Money
	ReturnURL  string
	CustomerID string
}

type CompleteCheckoutCommand struct {
	Token       string
	RedirectURL string
	Metadata    map[string]any
}

// CompleteCheckoutResult carries the placed order, or the data needed to confirm the payment.
type CompleteCheckoutResult struct {
	Order              *Order
	ConfirmationNeeded bool
	ConfirmationData   map[string]any
}

type CreateDraftCommand struct {
	ChannelSlug      string
	UserEmail        string
	UserID           string
	ShippingAddress  *Address
	BillingAddress   *Address
	ShippingMethodID string
	VoucherCode      string
	Lines            []LineInput
	CustomerNote     string
	// AllowStockToBeExceeded lets confirmation allocate more than the free stock.
	AllowStockToBeExceeded bool
}

type CancelOrderCommand struct {
	OrderID     string
	Restock     bool
	VoidPayment bool
}

// FulfillmentLineInput ships Quantity of an order line from a warehouse.
type FulfillmentLineInput struct {
	OrderLineID string
	WarehouseID string
	Quantity    int
}

type CreateFulfillmentCommand struct {
	OrderID                string
	Lines                  []FulfillmentLineInput
	TrackingNumber         string
	NotifyCustomer         bool
	AllowStockToBeExceeded bool
}

type ApproveFulfillmentCommand struct {
	OrderID                string
	FulfillmentID          string
	NotifyCustomer         bool
	AllowStockToBeExceeded bool
}

type CancelFulfillmentCommand struct {
	OrderID       string
	FulfillmentID string
	Restock       bool
	// WarehouseID receives restocked items; empty restocks to the warehouses they shipped from.
	WarehouseID string
}

// ReturnLineInput returns Quantity of a fulfilled order line.
type ReturnLineInput struct {
	OrderLineID string
	Quantity    int
}

type ReturnLinesCommand struct {
	OrderID string
	Lines   []ReturnLineInput
	Restock bool
	Refund  bool
	// RefundShipping adds the shipping price to the refunded amount.
	RefundShipping bool
}

type PaymentCommand struct {
	OrderID   string
	PaymentID string
	Amount    *Money
}

type IssueGiftCardsCommand struct {
	Order             Order
	Line              OrderLine
	Quantity          int
	FulfillmentLineID string
	Actor             Actor
}
