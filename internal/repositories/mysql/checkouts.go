package mysql

import (
	"context"
	"strings"

	"gorm.io/gorm/clause"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
	"github.com/i-super/Saleor-sub000/internal/repositories"
)

type checkoutRepository struct{ s *Store }

func (r checkoutRepository) Insert(ctx context.Context, checkout domain.Checkout) error {
	if strings.TrimSpace(checkout.Token) == "" {
		return repositories.Conflict("checkouts.insert", "token is required")
	}
	model := toCheckoutModel(checkout)
	return translate("checkouts.insert", r.s.conn(ctx).Create(&model).Error)
}

func (r checkoutRepository) Get(ctx context.Context, token string) (domain.Checkout, error) {
	var model checkoutModel
	if err := r.s.conn(ctx).Where("token = ?", token).Take(&model).Error; err != nil {
		return domain.Checkout{}, translate("checkouts.get", err)
	}
	return model.Document.Data, nil
}

func (r checkoutRepository) GetForUpdate(ctx context.Context, token string) (domain.Checkout, error) {
	var model checkoutModel
	err := r.s.conn(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("token = ?", token).
		Take(&model).Error
	if err != nil {
		return domain.Checkout{}, translate("checkouts.get_for_update", err)
	}
	return model.Document.Data, nil
}

func (r checkoutRepository) Update(ctx context.Context, checkout domain.Checkout) error {
	model := toCheckoutModel(checkout)
	res := r.s.conn(ctx).Model(&checkoutModel{}).Where("token = ?", checkout.Token).Updates(map[string]any{
		"user_id":      model.UserID,
		"email":        model.Email,
		"channel_slug": model.ChannelSlug,
		"last_change":  model.LastChange,
		"document":     model.Document,
	})
	if res.Error != nil {
		return translate("checkouts.update", res.Error)
	}
	if res.RowsAffected == 0 {
		return r.s.requireRow(ctx, "checkouts.update", &checkoutModel{}, "token = ?", checkout.Token)
	}
	return nil
}

func (r checkoutRepository) Delete(ctx context.Context, token string) error {
	res := r.s.conn(ctx).Where("token = ?", token).Delete(&checkoutModel{})
	if res.Error != nil {
		return translate("checkouts.delete", res.Error)
	}
	if res.RowsAffected == 0 {
		return repositories.NotFound("checkouts.delete", "checkout %s", token)
	}
	return nil
}

// requireRow distinguishes "no such row" from "row unchanged" after an update that affected
// nothing; MySQL reports unchanged rows as unaffected.
func (s *Store) requireRow(ctx context.Context, op string, model any, query string, args ...any) error {
	var count int64
	if err := s.conn(ctx).Model(model).Where(query, args...).Count(&count).Error; err != nil {
		return translate(op, err)
	}
	if count == 0 {
		return repositories.NotFound(op, "%v", args)
	}
	return nil
}
