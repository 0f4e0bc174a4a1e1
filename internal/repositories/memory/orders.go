package memory

import (
	"context"
	"sort"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
	"github.com/i-super/Saleor-sub000/internal/repositories"
)

type orderRepository struct{ s *Store }

func (r orderRepository) Insert(ctx context.Context, order domain.Order) error {
	return r.s.write(ctx, func(st *state) error {
		if _, exists := st.orders[order.ID]; exists {
			return repositories.Conflict("orders.insert", "order %s already exists", order.ID)
		}
		if order.CheckoutToken != "" {
			for _, existing := range st.orders {
				if existing.CheckoutToken == order.CheckoutToken {
					return repositories.Conflict("orders.insert", "checkout %s already placed", order.CheckoutToken)
				}
			}
		}
		st.orders[order.ID] = order.Clone()
		return nil
	})
}

func (r orderRepository) Get(ctx context.Context, orderID string) (domain.Order, error) {
	var out domain.Order
	err := r.s.read(ctx, func(st *state) error {
		order, ok := st.orders[orderID]
		if !ok {
			return repositories.NotFound("orders.get", "order %s", orderID)
		}
		out = order.Clone()
		return nil
	})
	return out, err
}

func (r orderRepository) GetForUpdate(ctx context.Context, orderID string) (domain.Order, error) {
	return r.Get(ctx, orderID)
}

func (r orderRepository) FindByCheckoutToken(ctx context.Context, token string) (domain.Order, error) {
	var out domain.Order
	err := r.s.read(ctx, func(st *state) error {
		for _, order := range st.orders {
			if token != "" && order.CheckoutToken == token {
				out = order.Clone()
				return nil
			}
		}
		return repositories.NotFound("orders.find_by_checkout", "no order for checkout %s", token)
	})
	return out, err
}

func (r orderRepository) Update(ctx context.Context, order domain.Order) error {
	return r.s.write(ctx, func(st *state) error {
		if _, ok := st.orders[order.ID]; !ok {
			return repositories.NotFound("orders.update", "order %s", order.ID)
		}
		st.orders[order.ID] = order.Clone()
		return nil
	})
}

func (r orderRepository) AppendEvents(ctx context.Context, events ...domain.OrderEvent) error {
	if len(events) == 0 {
		return nil
	}
	return r.s.write(ctx, func(st *state) error {
		for _, event := range events {
			if _, ok := st.orders[event.OrderID]; !ok {
				return repositories.NotFound("orders.append_events", "order %s", event.OrderID)
			}
			st.orderEvents[event.OrderID] = append(st.orderEvents[event.OrderID], event)
		}
		return nil
	})
}

func (r orderRepository) ListEvents(ctx context.Context, orderID string) ([]domain.OrderEvent, error) {
	var out []domain.OrderEvent
	err := r.s.read(ctx, func(st *state) error {
		if _, ok := st.orders[orderID]; !ok {
			return repositories.NotFound("orders.list_events", "order %s", orderID)
		}
		out = append([]domain.OrderEvent(nil), st.orderEvents[orderID]...)
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out, err
}

type paymentRepository struct{ s *Store }

func (r paymentRepository) Insert(ctx context.Context, payment domain.Payment) error {
	return r.s.write(ctx, func(st *state) error {
		if _, exists := st.payments[payment.ID]; exists {
			return repositories.Conflict("payments.insert", "payment %s already exists", payment.ID)
		}
		st.payments[payment.ID] = payment.Clone()
		return nil
	})
}

func (r paymentRepository) Get(ctx context.Context, paymentID string) (domain.Payment, error) {
	var out domain.Payment
	err := r.s.read(ctx, func(st *state) error {
		payment, ok := st.payments[paymentID]
		if !ok {
			return repositories.NotFound("payments.get", "payment %s", paymentID)
		}
		out = payment.Clone()
		return nil
	})
	return out, err
}

func (r paymentRepository) GetForUpdate(ctx context.Context, paymentID string) (domain.Payment, error) {
	return r.Get(ctx, paymentID)
}

func (r paymentRepository) Update(ctx context.Context, payment domain.Payment) error {
	return r.s.write(ctx, func(st *state) error {
		if _, ok := st.payments[payment.ID]; !ok {
			return repositories.NotFound("payments.update", "payment %s", payment.ID)
		}
		st.payments[payment.ID] = payment.Clone()
		return nil
	})
}

func (r paymentRepository) ListByCheckout(ctx context.Context, token string) ([]domain.Payment, error) {
	return r.list(ctx, func(p domain.Payment) bool { return p.CheckoutToken == token })
}

func (r paymentRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error) {
	return r.list(ctx, func(p domain.Payment) bool { return p.OrderID == orderID })
}

func (r paymentRepository) list(ctx context.Context, match func(domain.Payment) bool) ([]domain.Payment, error) {
	var out []domain.Payment
	err := r.s.read(ctx, func(st *state) error {
		for _, payment := range st.payments {
			if match(payment) {
				out = append(out, payment.Clone())
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, err
}
