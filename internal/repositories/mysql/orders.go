package mysql

import (
	"context"
	"fmt"

	"gorm.io/gorm/clause"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
	"github.com/i-super/Saleor-sub000/internal/repositories"
)

type orderRepository struct{ s *Store }

func (r orderRepository) Insert(ctx context.Context, order domain.Order) error {
	model := toOrderModel(order)
	return translate("orders.insert", r.s.conn(ctx).Create(&model).Error)
}

func (r orderRepository) Get(ctx context.Context, orderID string) (domain.Order, error) {
	var model orderModel
	if err := r.s.conn(ctx).Where("id = ?", orderID).Take(&model).Error; err != nil {
		return domain.Order{}, translate("orders.get", err)
	}
	return model.Document.Data, nil
}

func (r orderRepository) GetForUpdate(ctx context.Context, orderID string) (domain.Order, error) {
	var model orderModel
	err := r.s.conn(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", orderID).
		Take(&model).Error
	if err != nil {
		return domain.Order{}, translate("orders.get_for_update", err)
	}
	return model.Document.Data, nil
}

func (r orderRepository) FindByCheckoutToken(ctx context.Context, token string) (domain.Order, error) {
	if token == "" {
		return domain.Order{}, repositories.NotFound("orders.find_by_checkout", "empty checkout token")
	}
	var model orderModel
	if err := r.s.conn(ctx).Where("checkout_token = ?", token).Take(&model).Error; err != nil {
		return domain.Order{}, translate("orders.find_by_checkout", err)
	}
	return model.Document.Data, nil
}

func (r orderRepository) Update(ctx context.Context, order domain.Order) error {
	model := toOrderModel(order)
	res := r.s.conn(ctx).Model(&orderModel{}).Where("id = ?", order.ID).Updates(map[string]any{
		"status":     model.Status,
		"user_email": model.UserEmail,
		"updated_at": model.UpdatedAt,
		"document":   model.Document,
	})
	if res.Error != nil {
		return translate("orders.update", res.Error)
	}
	if res.RowsAffected == 0 {
		return r.s.requireRow(ctx, "orders.update", &orderModel{}, "id = ?", order.ID)
	}
	return nil
}

func (r orderRepository) AppendEvents(ctx context.Context, events ...domain.OrderEvent) error {
	if len(events) == 0 {
		return nil
	}
	models := make([]orderEventModel, 0, len(events))
	seen := map[string]bool{}
	for _, event := range events {
		if !seen[event.OrderID] {
			if err := r.s.requireRow(ctx, "orders.append_events", &orderModel{}, "id = ?", event.OrderID); err != nil {
				return err
			}
			seen[event.OrderID] = true
		}
		model, err := toOrderEventModel(event)
		if err != nil {
			return fmt.Errorf("orders.append_events: encode %s: %w", event.Type, err)
		}
		models = append(models, model)
	}
	return translate("orders.append_events", r.s.conn(ctx).Create(&models).Error)
}

func (r orderRepository) ListEvents(ctx context.Context, orderID string) ([]domain.OrderEvent, error) {
	if err := r.s.requireRow(ctx, "orders.list_events", &orderModel{}, "id = ?", orderID); err != nil {
		return nil, err
	}
	var models []orderEventModel
	if err := r.s.conn(ctx).Where("order_id = ?", orderID).Order("date ASC, id ASC").Find(&models).Error; err != nil {
		return nil, translate("orders.list_events", err)
	}
	out := make([]domain.OrderEvent, 0, len(models))
	for _, model := range models {
		event, err := model.toDomain()
		if err != nil {
			return nil, fmt.Errorf("orders.list_events: decode %s: %w", model.ID, err)
		}
		out = append(out, event)
	}
	return out, nil
}

type paymentRepository struct{ s *Store }

func (r paymentRepository) Insert(ctx context.Context, payment domain.Payment) error {
	model := toPaymentModel(payment)
	return translate("payments.insert", r.s.conn(ctx).Create(&model).Error)
}

func (r paymentRepository) Get(ctx context.Context, paymentID string) (domain.Payment, error) {
	var model paymentModel
	if err := r.s.conn(ctx).Where("id = ?", paymentID).Take(&model).Error; err != nil {
		return domain.Payment{}, translate("payments.get", err)
	}
	return model.Document.Data, nil
}

func (r paymentRepository) GetForUpdate(ctx context.Context, paymentID string) (domain.Payment, error) {
	var model paymentModel
	err := r.s.conn(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", paymentID).
		Take(&model).Error
	if err != nil {
		return domain.Payment{}, translate("payments.get_for_update", err)
	}
	return model.Document.Data, nil
}

func (r paymentRepository) Update(ctx context.Context, payment domain.Payment) error {
	model := toPaymentModel(payment)
	res := r.s.conn(ctx).Model(&paymentModel{}).Where("id = ?", payment.ID).Updates(map[string]any{
		"checkout_token": model.CheckoutToken,
		"order_id":       model.OrderID,
		"document":       model.Document,
	})
	if res.Error != nil {
		return translate("payments.update", res.Error)
	}
	if res.RowsAffected == 0 {
		return r.s.requireRow(ctx, "payments.update", &paymentModel{}, "id = ?", payment.ID)
	}
	return nil
}

func (r paymentRepository) ListByCheckout(ctx context.Context, token string) ([]domain.Payment, error) {
	return r.list(ctx, "payments.list_by_checkout", "checkout_token = ?", token)
}

func (r paymentRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error) {
	return r.list(ctx, "payments.list_by_order", "order_id = ?", orderID)
}

func (r paymentRepository) list(ctx context.Context, op, query string, arg string) ([]domain.Payment, error) {
	var models []paymentModel
	if err := r.s.conn(ctx).Where(query, arg).Order("created_at ASC, id ASC").Find(&models).Error; err != nil {
		return nil, translate(op, err)
	}
	out := make([]domain.Payment, 0, len(models))
	for _, model := range models {
		out = append(out, model.Document.Data)
	}
	return out, nil
}
