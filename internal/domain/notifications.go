package domain

// NotifyEvent names a customer or staff notification handed to the notification delivery layer.
type NotifyEvent string

const (
	NotifyOrderConfirmation       NotifyEvent = "ORDER_CONFIRMATION"
	NotifyPaymentConfirmation     NotifyEvent = "PAYMENT_CONFIRMATION"
	NotifyOrderCanceled           NotifyEvent = "ORDER_CANCELED"
	NotifyFulfillmentConfirmation NotifyEvent = "ORDER_FULFILLMENT_CONFIRMATION"
	NotifyOrderRefundConfirmation NotifyEvent = "ORDER_REFUND_CONFIRMATION"
	NotifySendGiftCard            NotifyEvent = "SEND_GIFT_CARD"
)

// WebhookEvent names an event delivered to subscribed apps.
type WebhookEvent string

const (
	WebhookCheckoutCreated           WebhookEvent = "CHECKOUT_CREATED"
	WebhookCheckoutUpdated           WebhookEvent = "CHECKOUT_UPDATED"
	WebhookOrderCreated              WebhookEvent = "ORDER_CREATED"
	WebhookOrderConfirmed            WebhookEvent = "ORDER_CONFIRMED"
	WebhookOrderUpdated              WebhookEvent = "ORDER_UPDATED"
	WebhookOrderFullyPaid            WebhookEvent = "ORDER_FULLY_PAID"
	WebhookOrderCancelled            WebhookEvent = "ORDER_CANCELLED"
	WebhookOrderFulfilled            WebhookEvent = "ORDER_FULFILLED"
	WebhookFulfillmentCreated        WebhookEvent = "FULFILLMENT_CREATED"
	WebhookFulfillmentCanceled       WebhookEvent = "FULFILLMENT_CANCELED"
	WebhookProductVariantOutOfStock  WebhookEvent = "PRODUCT_VARIANT_OUT_OF_STOCK"
	WebhookProductVariantBackInStock WebhookEvent = "PRODUCT_VARIANT_BACK_IN_STOCK"
	WebhookGiftCardCreated           WebhookEvent = "GIFT_CARD_CREATED"
	WebhookGiftCardUpdated           WebhookEvent = "GIFT_CARD_UPDATED"
)
