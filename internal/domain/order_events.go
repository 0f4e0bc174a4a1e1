package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// OrderEventType tags the kind of an order event.
type OrderEventType string

const (
	OrderEventDraftCreated              OrderEventType = "DRAFT_CREATED"
	OrderEventPlaced                    OrderEventType = "PLACED"
	OrderEventPlacedFromDraft           OrderEventType = "PLACED_FROM_DRAFT"
	OrderEventConfirmed                 OrderEventType = "CONFIRMED"
	OrderEventPaymentAuthorized         OrderEventType = "PAYMENT_AUTHORIZED"
	OrderEventPaymentCaptured           OrderEventType = "PAYMENT_CAPTURED"
	OrderEventPaymentRefunded           OrderEventType = "PAYMENT_REFUNDED"
	OrderEventPaymentVoided             OrderEventType = "PAYMENT_VOIDED"
	OrderEventPaymentFailed             OrderEventType = "PAYMENT_FAILED"
	OrderEventMarkedAsPaid              OrderEventType = "ORDER_MARKED_AS_PAID"
	OrderEventFulfillmentFulfilledItems OrderEventType = "FULFILLMENT_FULFILLED_ITEMS"
	OrderEventFulfillmentAwaitsApproval OrderEventType = "FULFILLMENT_AWAITS_APPROVAL"
	OrderEventFulfillmentApproved       OrderEventType = "FULFILLMENT_APPROVED"
	OrderEventFulfillmentCanceled       OrderEventType = "FULFILLMENT_CANCELED"
	OrderEventFulfillmentRestockedItems OrderEventType = "FULFILLMENT_RESTOCKED_ITEMS"
	OrderEventFulfillmentReturned       OrderEventType = "FULFILLMENT_RETURNED"
	OrderEventTrackingUpdated           OrderEventType = "TRACKING_UPDATED"
	OrderEventCanceled                  OrderEventType = "CANCELED"
	OrderEventFullyPaid                 OrderEventType = "ORDER_FULLY_PAID"
	OrderEventEmailSent                 OrderEventType = "EMAIL_SENT"
	OrderEventNoteAdded                 OrderEventType = "NOTE_ADDED"
)

// OrderEvent is an append-only entry of the order history. Events are ordered by (Date, ID).
type OrderEvent struct {
	ID      string
	OrderID string
	Date    time.Time
	Type    OrderEventType
	UserID  string
	AppID   string
	Payload OrderEventPayload
}

// OrderEventPayload is implemented by one struct per event kind.
type OrderEventPayload interface {
	EventType() OrderEventType
}

// EventLine references an order line quantity inside event payloads.
type EventLine struct {
	OrderLineID string `json:"orderLineId"`
	Quantity    int    `json:"quantity"`
}

// PaymentEventData is shared by the payment event payloads. Amounts use the canonical
// {"amount": "...", "currency": "..."} money shape.
type PaymentEventData struct {
	PaymentID            string `json:"paymentId"`
	Gateway              string `json:"gateway"`
	TransactionReference string `json:"transactionReference,omitempty"`
	Amount               Money  `json:"amount"`
}

type (
	DraftCreatedPayload    struct{}
	PlacedPayload          struct{}
	PlacedFromDraftPayload struct{}
	ConfirmedPayload       struct{}
	CanceledPayload        struct{}
	FullyPaidPayload       struct{}

	PaymentAuthorizedPayload PaymentEventData
	PaymentCapturedPayload   PaymentEventData
	PaymentRefundedPayload   PaymentEventData
	PaymentVoidedPayload     PaymentEventData
	MarkedAsPaidPayload      PaymentEventData

	PaymentFailedPayload struct {
		PaymentID string          `json:"paymentId"`
		Gateway   string          `json:"gateway"`
		Kind      TransactionKind `json:"kind"`
		Amount    Money           `json:"amount"`
		Message   string          `json:"message"`
	}

	FulfilledItemsPayload struct {
		FulfillmentID string      `json:"fulfillmentId"`
		Lines         []EventLine `json:"lines"`
	}

	FulfillmentAwaitsApprovalPayload struct {
		FulfillmentID string      `json:"fulfillmentId"`
		Lines         []EventLine `json:"lines"`
	}

	FulfillmentApprovedPayload struct {
		FulfillmentID string `json:"fulfillmentId"`
	}

	FulfillmentCanceledPayload struct {
		FulfillmentID    string `json:"fulfillmentId"`
		FulfillmentOrder int    `json:"fulfillmentOrder"`
	}

	RestockedItemsPayload struct {
		Quantity    int    `json:"quantity"`
		WarehouseID string `json:"warehouseId,omitempty"`
	}

	FulfillmentReturnedPayload struct {
		FulfillmentID string      `json:"fulfillmentId"`
		Lines         []EventLine `json:"lines"`
	}

	TrackingUpdatedPayload struct {
		FulfillmentID  string `json:"fulfillmentId"`
		TrackingNumber string `json:"trackingNumber"`
	}

	EmailSentPayload struct {
		EmailType string `json:"emailType"`
		Email     string `json:"email"`
	}

	NoteAddedPayload struct {
		Message string         `json:"message"`
		Extras  map[string]any `json:"extras,omitempty"`
	}
)

// Email types recorded by EMAIL_SENT events.
const (
	EmailTypeOrderConfirmation   = "order_confirmation"
	EmailTypePaymentConfirmation = "payment_confirmation"
	EmailTypeFulfillment         = "fulfillment_confirmation"
	EmailTypeOrderCanceled       = "order_canceled"
)

func (DraftCreatedPayload) EventType() OrderEventType    { return OrderEventDraftCreated }
func (PlacedPayload) EventType() OrderEventType          { return OrderEventPlaced }
func (PlacedFromDraftPayload) EventType() OrderEventType { return OrderEventPlacedFromDraft }
func (ConfirmedPayload) EventType() OrderEventType       { return OrderEventConfirmed }
func (CanceledPayload) EventType() OrderEventType        { return OrderEventCanceled }
func (FullyPaidPayload) EventType() OrderEventType       { return OrderEventFullyPaid }

func (PaymentAuthorizedPayload) EventType() OrderEventType { return OrderEventPaymentAuthorized }
func (PaymentCapturedPayload) EventType() OrderEventType   { return OrderEventPaymentCaptured }
func (PaymentRefundedPayload) EventType() OrderEventType   { return OrderEventPaymentRefunded }
func (PaymentVoidedPayload) EventType() OrderEventType     { return OrderEventPaymentVoided }
func (MarkedAsPaidPayload) EventType() OrderEventType      { return OrderEventMarkedAsPaid }
func (PaymentFailedPayload) EventType() OrderEventType     { return OrderEventPaymentFailed }

func (FulfilledItemsPayload) EventType() OrderEventType { return OrderEventFulfillmentFulfilledItems }
func (FulfillmentAwaitsApprovalPayload) EventType() OrderEventType {
	return OrderEventFulfillmentAwaitsApproval
}
func (FulfillmentApprovedPayload) EventType() OrderEventType { return OrderEventFulfillmentApproved }
func (FulfillmentCanceledPayload) EventType() OrderEventType { return OrderEventFulfillmentCanceled }
func (RestockedItemsPayload) EventType() OrderEventType {
	return OrderEventFulfillmentRestockedItems
}
func (FulfillmentReturnedPayload) EventType() OrderEventType { return OrderEventFulfillmentReturned }
func (TrackingUpdatedPayload) EventType() OrderEventType     { return OrderEventTrackingUpdated }
func (EmailSentPayload) EventType() OrderEventType           { return OrderEventEmailSent }
func (NoteAddedPayload) EventType() OrderEventType           { return OrderEventNoteAdded }

// NewOrderEvent builds an event whose Type matches the payload.
func NewOrderEvent(id, orderID string, at time.Time, actor Actor, payload OrderEventPayload) OrderEvent {
	return OrderEvent{
		ID:      id,
		OrderID: orderID,
		Date:    at,
		Type:    payload.EventType(),
		UserID:  actor.UserID,
		AppID:   actor.AppID,
		Payload: payload,
	}
}

// EncodeOrderEventPayload serialises the payload for storage next to its type tag.
func EncodeOrderEventPayload(payload OrderEventPayload) ([]byte, error) {
	if payload == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(payload)
}

// DecodeOrderEventPayload restores the typed payload for the stored type tag.
func DecodeOrderEventPayload(eventType OrderEventType, data []byte) (OrderEventPayload, error) {
	var target OrderEventPayload
	switch eventType {
	case OrderEventDraftCreated:
		target = &DraftCreatedPayload{}
	case OrderEventPlaced:
		target = &PlacedPayload{}
	case OrderEventPlacedFromDraft:
		target = &PlacedFromDraftPayload{}
	case OrderEventConfirmed:
		target = &ConfirmedPayload{}
	case OrderEventCanceled:
		target = &CanceledPayload{}
	case OrderEventFullyPaid:
		target = &FullyPaidPayload{}
	case OrderEventPaymentAuthorized:
		target = &PaymentAuthorizedPayload{}
	case OrderEventPaymentCaptured:
		target = &PaymentCapturedPayload{}
	case OrderEventPaymentRefunded:
		target = &PaymentRefundedPayload{}
	case OrderEventPaymentVoided:
		target = &PaymentVoidedPayload{}
	case OrderEventMarkedAsPaid:
		target = &MarkedAsPaidPayload{}
	case OrderEventPaymentFailed:
		target = &PaymentFailedPayload{}
	case OrderEventFulfillmentFulfilledItems:
		target = &FulfilledItemsPayload{}
	case OrderEventFulfillmentAwaitsApproval:
		target = &FulfillmentAwaitsApprovalPayload{}
	case OrderEventFulfillmentApproved:
		target = &FulfillmentApprovedPayload{}
	case OrderEventFulfillmentCanceled:
		target = &FulfillmentCanceledPayload{}
	case OrderEventFulfillmentRestockedItems:
		target = &RestockedItemsPayload{}
	case OrderEventFulfillmentReturned:
		target = &FulfillmentReturnedPayload{}
	case OrderEventTrackingUpdated:
		target = &TrackingUpdatedPayload{}
	case OrderEventEmailSent:
		target = &EmailSentPayload{}
	case OrderEventNoteAdded:
		target = &NoteAddedPayload{}
	default:
		return nil, fmt.Errorf("order event: unknown type %q", eventType)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, target); err != nil {
			return nil, fmt.Errorf("order event: decode %s: %w", eventType, err)
		}
	}
	return derefPayload(target), nil
}

func derefPayload(p OrderEventPayload) OrderEventPayload {
	switch v := p.(type) {
	case *DraftCreatedPayload:
		return *v
	case *PlacedPayload:
		return *v
	case *PlacedFromDraftPayload:
		return *v
	case *ConfirmedPayload:
		return *v
	case *CanceledPayload:
		return *v
	case *FullyPaidPayload:
		return *v
	case *PaymentAuthorizedPayload:
		return *v
	case *PaymentCapturedPayload:
		return *v
	case *PaymentRefundedPayload:
		return *v
	case *PaymentVoidedPayload:
		return *v
	case *MarkedAsPaidPayload:
		return *v
	case *PaymentFailedPayload:
		return *v
	case *FulfilledItemsPayload:
		return *v
	case *FulfillmentAwaitsApprovalPayload:
		return *v
	case *FulfillmentApprovedPayload:
		return *v
	case *FulfillmentCanceledPayload:
		return *v
	case *RestockedItemsPayload:
		return *v
	case *FulfillmentReturnedPayload:
		return *v
	case *TrackingUpdatedPayload:
		return *v
	case *EmailSentPayload:
		return *v
	case *NoteAddedPayload:
		return *v
	}
	return p
}

// Actor identifies who triggered an operation: a staff user, an app, or neither for customers.
type Actor struct {
	UserID string
	AppID  string
}
