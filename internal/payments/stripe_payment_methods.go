package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v78"
)

// ListPaymentSources returns the stored cards of a Stripe customer.
func (g *StripeGateway) ListPaymentSources(ctx context.Context, customerID string) ([]PaymentSource, error) {
	if g == nil {
		return nil, errors.New("stripe: gateway is nil")
	}
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, nil
	}
	if g.api.paymentMethods == nil {
		return nil, errors.New("stripe: payment methods client is nil")
	}

	params := &stripe.PaymentMethodListParams{
		Customer: stripe.String(customerID),
		Type:     stripe.String(string(stripe.PaymentMethodTypeCard)),
	}
	params.Context = ctx
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}

	var sources []PaymentSource
	iter := g.api.paymentMethods.List(params)
	for iter.Next() {
		pm := iter.PaymentMethod()
		if pm == nil || pm.Card == nil {
			continue
		}
		sources = append(sources, PaymentSource{
			Gateway:         StripeGatewayID,
			PaymentMethodID: pm.ID,
			Card:            cardInfo(pm),
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("stripe: list payment methods: %w", err)
	}
	return sources, nil
}

func cardInfo(pm *stripe.PaymentMethod) CardInfo {
	if pm == nil || pm.Card == nil {
		return CardInfo{}
	}
	return CardInfo{
		Brand:    strings.ToLower(string(pm.Card.Brand)),
		Last4:    strings.TrimSpace(pm.Card.Last4),
		ExpMonth: int(pm.Card.ExpMonth),
		ExpYear:  int(pm.Card.ExpYear),
	}
}
