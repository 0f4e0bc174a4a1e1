package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
	"github.com/i-super/Saleor-sub000/internal/repositories"
)

type voucherRepository struct{ s *Store }

func (r voucherRepository) FindByCode(ctx context.Context, code string) (domain.Voucher, error) {
	var out domain.Voucher
	err := r.s.read(ctx, func(st *state) error {
		for _, voucher := range st.vouchers {
			if strings.EqualFold(voucher.Code, strings.TrimSpace(code)) {
				out = voucher
				return nil
			}
		}
		return repositories.NotFound("vouchers.find_by_code", "voucher %q", code)
	})
	return out, err
}

func (r voucherRepository) CodeExists(ctx context.Context, code string) (bool, error) {
	_, err := r.FindByCode(ctx, code)
	if repositories.IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

func (r voucherRepository) IncrementUsage(ctx context.Context, voucherID string) error {
	return r.s.write(ctx, func(st *state) error {
		voucher, ok := st.vouchers[voucherID]
		if !ok {
			return repositories.NotFound("vouchers.increment_usage", "voucher %s", voucherID)
		}
		if voucher.ExhaustedUsage() {
			return repositories.Conflict("vouchers.increment_usage", "voucher %s reached its usage limit", voucherID)
		}
		voucher.Used++
		st.vouchers[voucherID] = voucher
		return nil
	})
}

func (r voucherRepository) DecrementUsage(ctx context.Context, voucherID string) error {
	return r.s.write(ctx, func(st *state) error {
		voucher, ok := st.vouchers[voucherID]
		if !ok {
			return repositories.NotFound("vouchers.decrement_usage", "voucher %s", voucherID)
		}
		if voucher.Used > 0 {
			voucher.Used--
		}
		st.vouchers[voucherID] = voucher
		return nil
	})
}

func (r voucherRepository) AddCustomer(ctx context.Context, customer domain.VoucherCustomer) error {
	return r.s.write(ctx, func(st *state) error {
		emails := st.voucherCustomers[customer.VoucherID]
		if emails == nil {
			emails = map[string]struct{}{}
			st.voucherCustomers[customer.VoucherID] = emails
		}
		emails[strings.ToLower(customer.Email)] = struct{}{}
		return nil
	})
}

func (r voucherRepository) HasCustomer(ctx context.Context, voucherID, email string) (bool, error) {
	found := false
	err := r.s.read(ctx, func(st *state) error {
		_, found = st.voucherCustomers[voucherID][strings.ToLower(email)]
		return nil
	})
	return found, err
}

func (r voucherRepository) RemoveCustomer(ctx context.Context, voucherID, email string) error {
	return r.s.write(ctx, func(st *state) error {
		delete(st.voucherCustomers[voucherID], strings.ToLower(email))
		return nil
	})
}

type giftCardRepository struct{ s *Store }

func (r giftCardRepository) Insert(ctx context.Context, card domain.GiftCard) error {
	return r.s.write(ctx, func(st *state) error {
		if _, exists := st.giftCards[card.ID]; exists {
			return repositories.Conflict("gift_cards.insert", "gift card %s already exists", card.ID)
		}
		for _, existing := range st.giftCards {
			if strings.EqualFold(existing.Code, card.Code) {
				return repositories.Conflict("gift_cards.insert", "code %s already used", card.Code)
			}
		}
		st.giftCards[card.ID] = card
		return nil
	})
}

func (r giftCardRepository) Get(ctx context.Context, id string) (domain.GiftCard, error) {
	var out domain.GiftCard
	err := r.s.read(ctx, func(st *state) error {
		card, ok := st.giftCards[id]
		if !ok {
			return repositories.NotFound("gift_cards.get", "gift card %s", id)
		}
		out = card
		return nil
	})
	return out, err
}

func (r giftCardRepository) FindByCode(ctx context.Context, code string) (domain.GiftCard, error) {
	var out domain.GiftCard
	err := r.s.read(ctx, func(st *state) error {
		for _, card := range st.giftCards {
			if strings.EqualFold(card.Code, strings.TrimSpace(code)) {
				out = card
				return nil
			}
		}
		return repositories.NotFound("gift_cards.find_by_code", "gift card %q", code)
	})
	return out, err
}

func (r giftCardRepository) ListByIDs(ctx context.Context, ids []string) ([]domain.GiftCard, error) {
	var out []domain.GiftCard
	err := r.s.read(ctx, func(st *state) error {
		for _, id := range ids {
			if card, ok := st.giftCards[id]; ok {
				out = append(out, card)
			}
		}
		return nil
	})
	return out, err
}

func (r giftCardRepository) CodeExists(ctx context.Context, code string) (bool, error) {
	_, err := r.FindByCode(ctx, code)
	if repositories.IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

func (r giftCardRepository) DeductBalance(ctx context.Context, id string, amount domain.Money, usedByEmail string, at time.Time) error {
	return r.s.write(ctx, func(st *state) error {
		card, ok := st.giftCards[id]
		if !ok {
			return repositories.NotFound("gift_cards.deduct", "gift card %s", id)
		}
		if card.CurrentBalance.LessThan(amount) {
			return repositories.Conflict("gift_cards.deduct", "gift card %s balance %s below %s", id, card.CurrentBalance, amount)
		}
		card.CurrentBalance = card.CurrentBalance.Sub(amount)
		used := at
		card.LastUsedOn = &used
		if card.UsedByEmail == "" {
			card.UsedByEmail = usedByEmail
		}
		st.giftCards[id] = card
		return nil
	})
}

func (r giftCardRepository) Update(ctx context.Context, card domain.GiftCard) error {
	return r.s.write(ctx, func(st *state) error {
		if _, ok := st.giftCards[card.ID]; !ok {
			return repositories.NotFound("gift_cards.update", "gift card %s", card.ID)
		}
		st.giftCards[card.ID] = card
		return nil
	})
}

func (r giftCardRepository) AppendEvents(ctx context.Context, events ...domain.GiftCardEvent) error {
	return r.s.write(ctx, func(st *state) error {
		for _, event := range events {
			st.giftCardEvents[event.GiftCardID] = append(st.giftCardEvents[event.GiftCardID], event)
		}
		return nil
	})
}

func (r giftCardRepository) ListEvents(ctx context.Context, giftCardID string) ([]domain.GiftCardEvent, error) {
	var out []domain.GiftCardEvent
	err := r.s.read(ctx, func(st *state) error {
		out = append(out, st.giftCardEvents[giftCardID]...)
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
