package mysql

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
	"github.com/i-super/Saleor-sub000/internal/repositories"
)

type voucherRepository struct{ s *Store }

// FindByCode relies on the case-insensitive collation of vouchers.code.
func (r voucherRepository) FindByCode(ctx context.Context, code string) (domain.Voucher, error) {
	var model voucherModel
	if err := r.s.conn(ctx).Where("code = ?", strings.TrimSpace(code)).Take(&model).Error; err != nil {
		return domain.Voucher{}, translate("vouchers.find_by_code", err)
	}
	return model.toDomain(), nil
}

func (r voucherRepository) CodeExists(ctx context.Context, code string) (bool, error) {
	var count int64
	err := r.s.conn(ctx).Model(&voucherModel{}).Where("code = ?", strings.TrimSpace(code)).Count(&count).Error
	if err != nil {
		return false, translate("vouchers.code_exists", err)
	}
	return count > 0, nil
}

func (r voucherRepository) IncrementUsage(ctx context.Context, voucherID string) error {
	res := r.s.conn(ctx).Model(&voucherModel{}).
		Where("id = ? AND (usage_limit IS NULL OR used < usage_limit)", voucherID).
		UpdateColumn("used", gorm.Expr("used + 1"))
	if res.Error != nil {
		return translate("vouchers.increment_usage", res.Error)
	}
	if res.RowsAffected == 0 {
		if err := r.s.requireRow(ctx, "vouchers.increment_usage", &voucherModel{}, "id = ?", voucherID); err != nil {
			return err
		}
		return repositories.Conflict("vouchers.increment_usage", "voucher %s reached its usage limit", voucherID)
	}
	return nil
}

func (r voucherRepository) DecrementUsage(ctx context.Context, voucherID string) error {
	res := r.s.conn(ctx).Model(&voucherModel{}).
		Where("id = ? AND used > 0", voucherID).
		UpdateColumn("used", gorm.Expr("used - 1"))
	if res.Error != nil {
		return translate("vouchers.decrement_usage", res.Error)
	}
	if res.RowsAffected == 0 {
		return r.s.requireRow(ctx, "vouchers.decrement_usage", &voucherModel{}, "id = ?", voucherID)
	}
	return nil
}

func (r voucherRepository) AddCustomer(ctx context.Context, customer domain.VoucherCustomer) error {
	model := voucherCustomerModel{VoucherID: customer.VoucherID, Email: strings.ToLower(customer.Email)}
	err := r.s.conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model).Error
	return translate("vouchers.add_customer", err)
}

func (r voucherRepository) HasCustomer(ctx context.Context, voucherID, email string) (bool, error) {
	var count int64
	err := r.s.conn(ctx).Model(&voucherCustomerModel{}).
		Where("voucher_id = ? AND email = ?", voucherID, strings.ToLower(email)).
		Count(&count).Error
	if err != nil {
		return false, translate("vouchers.has_customer", err)
	}
	return count > 0, nil
}

func (r voucherRepository) RemoveCustomer(ctx context.Context, voucherID, email string) error {
	err := r.s.conn(ctx).
		Where("voucher_id = ? AND email = ?", voucherID, strings.ToLower(email)).
		Delete(&voucherCustomerModel{}).Error
	return translate("vouchers.remove_customer", err)
}

type giftCardRepository struct{ s *Store }

func (r giftCardRepository) Insert(ctx context.Context, card domain.GiftCard) error {
	model := toGiftCardModel(card)
	return translate("gift_cards.insert", r.s.conn(ctx).Create(&model).Error)
}

func (r giftCardRepository) Get(ctx context.Context, id string) (domain.GiftCard, error) {
	var model giftCardModel
	if err := r.s.conn(ctx).Where("id = ?", id).Take(&model).Error; err != nil {
		return domain.GiftCard{}, translate("gift_cards.get", err)
	}
	return model.toDomain(), nil
}

func (r giftCardRepository) FindByCode(ctx context.Context, code string) (domain.GiftCard, error) {
	var model giftCardModel
	if err := r.s.conn(ctx).Where("code = ?", strings.TrimSpace(code)).Take(&model).Error; err != nil {
		return domain.GiftCard{}, translate("gift_cards.find_by_code", err)
	}
	return model.toDomain(), nil
}

// ListByIDs returns the cards in the order of ids, skipping unknown ones.
func (r giftCardRepository) ListByIDs(ctx context.Context, ids []string) ([]domain.GiftCard, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var models []giftCardModel
	if err := r.s.conn(ctx).Where("id IN ?", ids).Find(&models).Error; err != nil {
		return nil, translate("gift_cards.list", err)
	}
	byID := make(map[string]giftCardModel, len(models))
	for _, m := range models {
		byID[m.ID] = m
	}
	out := make([]domain.GiftCard, 0, len(models))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			out = append(out, m.toDomain())
		}
	}
	return out, nil
}

func (r giftCardRepository) CodeExists(ctx context.Context, code string) (bool, error) {
	var count int64
	err := r.s.conn(ctx).Model(&giftCardModel{}).Where("code = ?", strings.TrimSpace(code)).Count(&count).Error
	if err != nil {
		return false, translate("gift_cards.code_exists", err)
	}
	return count > 0, nil
}

// DeductBalance is a single conditional UPDATE so concurrent checkouts cannot overdraw a card.
func (r giftCardRepository) DeductBalance(ctx context.Context, id string, amount domain.Money, usedByEmail string, at time.Time) error {
	res := r.s.conn(ctx).Model(&giftCardModel{}).
		Where("id = ? AND current_balance >= ?", id, amount.Amount).
		UpdateColumns(map[string]any{
			"current_balance": gorm.Expr("current_balance - ?", amount.Amount),
			"last_used_on":    at,
			"used_by_email":   gorm.Expr("CASE WHEN used_by_email = '' THEN ? ELSE used_by_email END", usedByEmail),
		})
	if res.Error != nil {
		return translate("gift_cards.deduct", res.Error)
	}
	if res.RowsAffected == 0 {
		if err := r.s.requireRow(ctx, "gift_cards.deduct", &giftCardModel{}, "id = ?", id); err != nil {
			return err
		}
		return repositories.Conflict("gift_cards.deduct", "gift card %s balance below %s", id, amount)
	}
	return nil
}

func (r giftCardRepository) Update(ctx context.Context, card domain.GiftCard) error {
	model := toGiftCardModel(card)
	res := r.s.conn(ctx).Model(&giftCardModel{}).Where("id = ?", card.ID).Select("*").Omit("id", "created_at").Updates(&model)
	if res.Error != nil {
		return translate("gift_cards.update", res.Error)
	}
	if res.RowsAffected == 0 {
		return r.s.requireRow(ctx, "gift_cards.update", &giftCardModel{}, "id = ?", card.ID)
	}
	return nil
}

func (r giftCardRepository) AppendEvents(ctx context.Context, events ...domain.GiftCardEvent) error {
	if len(events) == 0 {
		return nil
	}
	models := make([]giftCardEventModel, 0, len(events))
	for _, e := range events {
		models = append(models, giftCardEventModel{
			ID:            e.ID,
			GiftCardID:    e.GiftCardID,
			Date:          e.Date,
			Type:          string(e.Type),
			UserID:        e.UserID,
			AppID:         e.AppID,
			OrderID:       e.OrderID,
			Email:         e.Email,
			BalanceBefore: doc(e.BalanceBefore),
			BalanceAfter:  doc(e.BalanceAfter),
		})
	}
	return translate("gift_cards.append_events", r.s.conn(ctx).Create(&models).Error)
}

func (r giftCardRepository) ListEvents(ctx context.Context, giftCardID string) ([]domain.GiftCardEvent, error) {
	var models []giftCardEventModel
	err := r.s.conn(ctx).Where("gift_card_id = ?", giftCardID).Order("date ASC, id ASC").Find(&models).Error
	if err != nil {
		return nil, translate("gift_cards.list_events", err)
	}
	out := make([]domain.GiftCardEvent, 0, len(models))
	for _, m := range models {
		out = append(out, domain.GiftCardEvent{
			ID:            m.ID,
			GiftCardID:    m.GiftCardID,
			Type:          domain.GiftCardEventType(m.Type),
			Date:          m.Date.UTC(),
			UserID:        m.UserID,
			AppID:         m.AppID,
			OrderID:       m.OrderID,
			Email:         m.Email,
			BalanceBefore: m.BalanceBefore.Data,
			BalanceAfter:  m.BalanceAfter.Data,
		})
	}
	return out, nil
}
