package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode is the stable machine readable identifier attached to boundary errors.
type ErrorCode string

const (
	CodeInsufficientStock             ErrorCode = "INSUFFICIENT_STOCK"
	CodeShippingMethodNotApplicable   ErrorCode = "SHIPPING_METHOD_NOT_APPLICABLE"
	CodeShippingMethodNotSet          ErrorCode = "SHIPPING_METHOD_NOT_SET"
	CodeShippingNotRequired           ErrorCode = "SHIPPING_NOT_REQUIRED"
	CodeVoucherNotApplicable          ErrorCode = "VOUCHER_NOT_APPLICABLE"
	CodeGiftCardNotApplicable         ErrorCode = "GIFT_CARD_NOT_APPLICABLE"
	CodeInvalidPromoCode              ErrorCode = "INVALID_PROMO_CODE"
	CodeZeroQuantity                  ErrorCode = "ZERO_QUANTITY"
	CodeQuantityGreaterThanLimit      ErrorCode = "QUANTITY_GREATER_THAN_LIMIT"
	CodeProductNotPublished           ErrorCode = "PRODUCT_NOT_PUBLISHED"
	CodeProductUnavailableForPurchase ErrorCode = "PRODUCT_UNAVAILABLE_FOR_PURCHASE"
	CodeUnavailableVariantInChannel   ErrorCode = "UNAVAILABLE_VARIANT_IN_CHANNEL"
	CodeBillingAddressNotSet          ErrorCode = "BILLING_ADDRESS_NOT_SET"
	CodeShippingAddressNotSet         ErrorCode = "SHIPPING_ADDRESS_NOT_SET"
	CodeCheckoutNotFullyPaid          ErrorCode = "CHECKOUT_NOT_FULLY_PAID"
	CodePaymentError                  ErrorCode = "PAYMENT_ERROR"
	CodeTaxError                      ErrorCode = "TAX_ERROR"
	CodeInvalid                       ErrorCode = "INVALID"
	CodeRequired                      ErrorCode = "REQUIRED"
	CodeNotFound                      ErrorCode = "NOT_FOUND"
	CodeUnique                        ErrorCode = "UNIQUE"
	CodeGraphQLError                  ErrorCode = "GRAPHQL_ERROR"
	CodeInvalidTransition             ErrorCode = "INVALID_TRANSITION"
	CodeAllocationError               ErrorCode = "ALLOCATION_ERROR"
	CodeChannelInactive               ErrorCode = "CHANNEL_INACTIVE"
	CodeFulfillmentRequiresApproval   ErrorCode = "FULFILLMENT_REQUIRES_APPROVAL"
	CodeCannotFulfillUnpaidOrder      ErrorCode = "CANNOT_FULFILL_UNPAID_ORDER"
)

// Error is the structured failure surfaced at the service boundary.
//
// Kind carries the stable code, Field the offending input path (may be empty) and Message a
// default human readable message. Err keeps the underlying cause for logging.
type Error struct {
	Kind    ErrorCode
	Field   string
	Message string
	Err     error
}

// NewError builds a boundary error.
func NewError(kind ErrorCode, field, message string) *Error {
	return &Error{Kind: kind, Field: field, Message: message}
}

// WrapError builds a boundary error that keeps cause for errors.Is / errors.As.
func WrapError(kind ErrorCode, field, message string, cause error) *Error {
	return &Error{Kind: kind, Field: field, Message: message, Err: cause}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Field != "" {
		b.WriteString(" [")
		b.WriteString(e.Field)
		b.WriteString("]")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Code returns the stable error code.
func (e *Error) Code() string {
	if e == nil {
		return ""
	}
	return string(e.Kind)
}

// SafeMessage returns the message intended for end users.
func (e *Error) SafeMessage() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	return strings.ToLower(strings.ReplaceAll(string(e.Kind), "_", " "))
}

// Is matches another *Error with the same Kind so sentinel comparisons work with errors.Is.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || other == nil || e == nil {
		return false
	}
	return other.Kind == e.Kind && (other.Field == "" || other.Field == e.Field)
}

type coded interface {
	Code() string
}

// ErrorCodeOf extracts the boundary code from err, or "" when err carries none.
func ErrorCodeOf(err error) ErrorCode {
	var c coded
	if errors.As(err, &c) {
		return ErrorCode(c.Code())
	}
	return ""
}

// HasErrorCode reports whether err carries the given boundary code.
func HasErrorCode(err error, kind ErrorCode) bool {
	return err != nil && ErrorCodeOf(err) == kind
}

// InsufficientStockItem names one variant that could not be satisfied.
type InsufficientStockItem struct {
	VariantID         string
	AvailableQuantity int
	RequestedQuantity int
}

// InsufficientStockError lists every failing variant of an allocation or stock check.
type InsufficientStockError struct {
	Items []InsufficientStockItem
}

func (e *InsufficientStockError) Error() string {
	if e == nil || len(e.Items) == 0 {
		return "insufficient stock"
	}
	parts := make([]string, 0, len(e.Items))
	for _, item := range e.Items {
		parts = append(parts, fmt.Sprintf("%s (available %d, requested %d)", item.VariantID, item.AvailableQuantity, item.RequestedQuantity))
	}
	return "insufficient stock for " + strings.Join(parts, ", ")
}

func (e *InsufficientStockError) Code() string { return string(CodeInsufficientStock) }

func (e *InsufficientStockError) SafeMessage() string {
	if e == nil || len(e.Items) == 0 {
		return "Insufficient product stock."
	}
	return fmt.Sprintf("Insufficient product stock: %s", e.Items[0].VariantID)
}

// VariantIDs returns the failing variant identifiers in order.
func (e *InsufficientStockError) VariantIDs() []string {
	if e == nil {
		return nil
	}
	ids := make([]string, 0, len(e.Items))
	for _, item := range e.Items {
		ids = append(ids, item.VariantID)
	}
	return ids
}

// InvalidTransitionError reports a rejected state machine transition.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s: invalid transition %s -> %s", e.Entity, e.From, e.To)
}

func (e *InvalidTransitionError) Code() string { return string(CodeInvalidTransition) }

func (e *InvalidTransitionError) SafeMessage() string {
	return fmt.Sprintf("Cannot change %s status from %s to %s.", e.Entity, e.From, e.To)
}
