package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
	"github.com/i-super/Saleor-sub000/internal/platform/requestctx"
	"github.com/i-super/Saleor-sub000/internal/repositories"
)

const (
	giftCardCodeLength   = 12
	giftCardCodeAttempts = 10
	// crockfordAlphabet omits I, L, O and U.
	crockfordAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
)

// GiftCardServiceDeps wires the dependencies required by the gift card service.
type GiftCardServiceDeps struct {
	Repositories repositories.Registry
	Notifier     Notifier
	Webhooks     WebhookDispatcher
	Settings     Settings
	Clock        func() time.Time
	IDGenerator  func() string
	// Random feeds code generation. Defaults to crypto/rand.
	Random io.Reader
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type giftCardService struct {
	repos    repositories.Registry
	dispatch dispatcher
	settings Settings
	random   io.Reader
	now      func() time.Time
	newID    func() string
	logger   func(context.Context, string, map[string]any)
}

var _ GiftCardService = (*giftCardService)(nil)

// NewGiftCardService constructs a GiftCardService validating required dependencies.
func NewGiftCardService(deps GiftCardServiceDeps) (GiftCardService, error) {
	if deps.Repositories == nil {
		return nil, errors.New("gift card service: repository registry is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	random := deps.Random
	if random == nil {
		random = rand.Reader
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	return &giftCardService{
		repos: deps.Repositories,
		dispatch: dispatcher{
			notifier: deps.Notifier,
			webhooks: deps.Webhooks,
			timeout:  deps.Settings.CallTimeout(),
			logger:   logger,
		},
		settings: deps.Settings,
		random:   random,
		now: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// AddCodeToCheckout attaches the gift card with code. The card must be active, unexpired, in the
// checkout currency and unused by other customers.
func (s *giftCardService) AddCodeToCheckout(ctx context.Context, checkout Checkout, code string) (Checkout, error) {
	invalid := domain.NewError(domain.CodeInvalidPromoCode, "promo_code", "Promo code is invalid.")
	code = strings.TrimSpace(code)
	if code == "" {
		return Checkout{}, invalid
	}
	card, err := s.repos.GiftCards().FindByCode(ctx, code)
	if err != nil {
		if repositories.IsNotFound(err) {
			return Checkout{}, invalid
		}
		return Checkout{}, mapRepositoryError(err, ErrGiftCardNotFound, "promo_code", "Promo code is invalid.")
	}
	if !card.UsableAt(s.now()) || card.CurrentBalance.Currency != checkout.Currency {
		return Checkout{}, invalid
	}
	if card.UsedByEmail != "" && !strings.EqualFold(card.UsedByEmail, checkout.Email) {
		return Checkout{}, invalid
	}
	out := checkout.Clone()
	if !out.HasGiftCard(card.ID) {
		out.GiftCardIDs = append(out.GiftCardIDs, card.ID)
	}
	return out, nil
}

// RemoveCodeFromCheckout detaches the gift card with code. The flag reports whether anything was
// removed.
func (s *giftCardService) RemoveCodeFromCheckout(ctx context.Context, checkout Checkout, code string) (Checkout, bool, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return checkout, false, nil
	}
	card, err := s.repos.GiftCards().FindByCode(ctx, code)
	if err != nil {
		if repositories.IsNotFound(err) {
			return checkout, false, nil
		}
		return Checkout{}, false, mapRepositoryError(err, ErrGiftCardNotFound, "promo_code", "Promo code is invalid.")
	}
	if !checkout.HasGiftCard(card.ID) {
		return checkout, false, nil
	}
	out := checkout.Clone()
	out.GiftCardIDs = slices.DeleteFunc(out.GiftCardIDs, func(id string) bool { return id == card.ID })
	return out, true, nil
}

// ApplyToOrder deducts card balances in order until the order total is covered. Each deduction
// becomes a gift card discount on the order. It must run inside the placing transaction.
func (s *giftCardService) ApplyToOrder(ctx context.Context, order Order, cards []GiftCard, email string) (Order, error) {
	out := order.Clone()
	now := s.now()
	actor := requestctx.Actor(ctx)
	var events []GiftCardEvent
	for _, card := range cards {
		remaining := out.Total.Gross
		if !remaining.IsPositive() {
			break
		}
		if !card.UsableAt(now) || card.CurrentBalance.Currency != out.Currency {
			return Order{}, domain.NewError(domain.CodeGiftCardNotApplicable, "promo_code", "Gift card cannot be used.")
		}
		used := domain.MinMoney(card.CurrentBalance, remaining)
		if !used.IsPositive() {
			continue
		}
		if err := s.repos.GiftCards().DeductBalance(ctx, card.ID, used, email, now); err != nil {
			if repositories.IsConflict(err) {
				return Order{}, domain.WrapError(domain.CodeGiftCardNotApplicable, "promo_code", "Gift card balance changed.", err)
			}
			return Order{}, mapRepositoryError(err, ErrGiftCardNotFound, "promo_code", "Gift card does not exist.")
		}
		before := card.CurrentBalance
		after := before.Sub(used)
		out.Discounts = append(out.Discounts, domain.OrderDiscount{
			ID:         s.newID(),
			Type:       domain.OrderDiscountGiftCard,
			ValueType:  domain.DiscountValueFixed,
			Value:      used.Amount,
			Amount:     used,
			Name:       "Gift card",
			GiftCardID: card.ID,
		})
		out.GiftCardIDs = append(out.GiftCardIDs, card.ID)
		out.Total = orderTotal(out)
		events = append(events, GiftCardEvent{
			ID:            s.newID(),
			GiftCardID:    card.ID,
			Type:          domain.GiftCardEventUsedInOrder,
			Date:          now,
			UserID:        actor.UserID,
			AppID:         actor.AppID,
			OrderID:       out.ID,
			Email:         email,
			BalanceBefore: &before,
			BalanceAfter:  &after,
		})
	}
	if len(events) > 0 {
		if err := s.repos.GiftCards().AppendEvents(ctx, events...); err != nil {
			return Order{}, fmt.Errorf("gift card service: append events: %w", err)
		}
	}
	return out, nil
}

// IssueForFulfillment creates one card per fulfilled unit of a gift card line, worth the unit
// gross price. Cards that do not ship are sent to the customer by email.
func (s *giftCardService) IssueForFulfillment(ctx context.Context, cmd IssueGiftCardsCommand) ([]GiftCard, error) {
	if cmd.Quantity <= 0 || !cmd.Line.IsGiftCard {
		return nil, nil
	}
	now := s.now()
	order := cmd.Order
	balance := cmd.Line.UnitPrice.Gross
	cards := make([]GiftCard, 0, cmd.Quantity)
	var events []GiftCardEvent
	var messages []outboundMessage
	for range cmd.Quantity {
		code, err := s.GenerateCode(ctx)
		if err != nil {
			return nil, err
		}
		card := GiftCard{
			ID:                s.newID(),
			Code:              code,
			InitialBalance:    balance,
			CurrentBalance:    balance,
			ExpiryDate:        CalculateExpiryDate(s.settings, now),
			IsActive:          true,
			CreatedByID:       order.UserID,
			CreatedByEmail:    order.UserEmail,
			ProductID:         cmd.Line.ProductID,
			FulfillmentLineID: cmd.FulfillmentLineID,
			BoughtInOrderID:   order.ID,
			CreatedAt:         now,
		}
		if err := s.repos.GiftCards().Insert(ctx, card); err != nil {
			return nil, fmt.Errorf("gift card service: insert card: %w", err)
		}
		cards = append(cards, card)
		events = append(events,
			GiftCardEvent{
				ID:         s.newID(),
				GiftCardID: card.ID,
				Type:       domain.GiftCardEventBought,
				Date:       now,
				UserID:     cmd.Actor.UserID,
				AppID:      cmd.Actor.AppID,
				OrderID:    order.ID,
			},
			GiftCardEvent{
				ID:         s.newID(),
				GiftCardID: card.ID,
				Type:       domain.GiftCardEventSentToCustomer,
				Date:       now,
				UserID:     cmd.Actor.UserID,
				AppID:      cmd.Actor.AppID,
				OrderID:    order.ID,
				Email:      order.UserEmail,
			},
		)
		messages = append(messages, webhook(domain.WebhookGiftCardCreated, giftCardPayload(card)))
		if !cmd.Line.IsShippingRequired {
			payload := giftCardPayload(card)
			payload["code"] = card.Code
			payload["email"] = order.UserEmail
			messages = append(messages, notification(domain.NotifySendGiftCard, payload))
		}
	}
	if err := s.repos.GiftCards().AppendEvents(ctx, events...); err != nil {
		return nil, fmt.Errorf("gift card service: append events: %w", err)
	}
	s.dispatch.afterCommit(ctx, messages...)
	s.logger(ctx, "giftcard.issued", map[string]any{
		"orderId": order.ID,
		"lineId":  cmd.Line.ID,
		"count":   len(cards),
	})
	return cards, nil
}

// GenerateCode returns a code unused by any gift card or voucher.
func (s *giftCardService) GenerateCode(ctx context.Context) (string, error) {
	for range giftCardCodeAttempts {
		code, err := randomCode(s.random, giftCardCodeLength)
		if err != nil {
			return "", fmt.Errorf("gift card service: generate code: %w", err)
		}
		taken, err := s.repos.GiftCards().CodeExists(ctx, code)
		if err != nil {
			return "", mapRepositoryError(err, nil, "code", "Could not check the code.")
		}
		if taken {
			continue
		}
		taken, err = s.repos.Vouchers().CodeExists(ctx, code)
		if err != nil {
			return "", mapRepositoryError(err, nil, "code", "Could not check the code.")
		}
		if !taken {
			return code, nil
		}
	}
	return "", domain.NewError(domain.CodeUnique, "code", "Could not generate a unique code.")
}

func randomCode(r io.Reader, length int) (string, error) {
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = crockfordAlphabet[int(b)%len(crockfordAlphabet)]
	}
	return string(buf), nil
}

func (s *giftCardService) Activate(ctx context.Context, giftCardID string) (GiftCard, error) {
	return s.setActive(ctx, giftCardID, true)
}

func (s *giftCardService) Deactivate(ctx context.Context, giftCardID string) (GiftCard, error) {
	return s.setActive(ctx, giftCardID, false)
}

func (s *giftCardService) setActive(ctx context.Context, giftCardID string, active bool) (GiftCard, error) {
	giftCardID = strings.TrimSpace(giftCardID)
	if giftCardID == "" {
		return GiftCard{}, domain.NewError(domain.CodeRequired, "id", "This field is required.")
	}
	var card GiftCard
	err := s.repos.RunInTx(ctx, func(ctx context.Context) error {
		current, err := s.repos.GiftCards().Get(ctx, giftCardID)
		if err != nil {
			return mapRepositoryError(err, ErrGiftCardNotFound, "id", "Gift card does not exist.")
		}
		card = current
		if current.IsActive == active {
			return nil
		}
		card.IsActive = active
		if err := s.repos.GiftCards().Update(ctx, card); err != nil {
			return fmt.Errorf("gift card service: update card: %w", err)
		}
		eventType := domain.GiftCardEventDeactivated
		if active {
			eventType = domain.GiftCardEventActivated
		}
		actor := requestctx.Actor(ctx)
		event := GiftCardEvent{
			ID:         s.newID(),
			GiftCardID: card.ID,
			Type:       eventType,
			Date:       s.now(),
			UserID:     actor.UserID,
			AppID:      actor.AppID,
		}
		if err := s.repos.GiftCards().AppendEvents(ctx, event); err != nil {
			return fmt.Errorf("gift card service: append events: %w", err)
		}
		s.dispatch.afterCommit(ctx, webhook(domain.WebhookGiftCardUpdated, giftCardPayload(card)))
		return nil
	})
	if err != nil {
		return GiftCard{}, err
	}
	return card, nil
}

func (s *giftCardService) ListEvents(ctx context.Context, giftCardID string) ([]GiftCardEvent, error) {
	giftCardID = strings.TrimSpace(giftCardID)
	if giftCardID == "" {
		return nil, domain.NewError(domain.CodeRequired, "id", "This field is required.")
	}
	if _, err := s.repos.GiftCards().Get(ctx, giftCardID); err != nil {
		return nil, mapRepositoryError(err, ErrGiftCardNotFound, "id", "Gift card does not exist.")
	}
	events, err := s.repos.GiftCards().ListEvents(ctx, giftCardID)
	if err != nil {
		return nil, fmt.Errorf("gift card service: list events: %w", err)
	}
	return events, nil
}

// CalculateExpiryDate returns the expiry date of a card issued on today, or nil when cards never
// expire.
func CalculateExpiryDate(settings Settings, today time.Time) *time.Time {
	if settings.GiftCardExpiryType != domain.GiftCardExpiryPeriod || settings.GiftCardExpiryPeriod <= 0 {
		return nil
	}
	day := domain.Today(today)
	n := settings.GiftCardExpiryPeriod
	var expiry time.Time
	switch settings.GiftCardExpiryPeriodType {
	case domain.PeriodDay:
		expiry = day.AddDate(0, 0, n)
	case domain.PeriodWeek:
		expiry = day.AddDate(0, 0, 7*n)
	case domain.PeriodMonth:
		expiry = day.AddDate(0, n, 0)
	case domain.PeriodYear:
		expiry = day.AddDate(n, 0, 0)
	default:
		return nil
	}
	return &expiry
}

func giftCardPayload(card GiftCard) map[string]any {
	return map[string]any{
		"giftCardId": card.ID,
		"maskedCode": maskCode(card.Code),
		"balance":    card.CurrentBalance,
		"isActive":   card.IsActive,
		"orderId":    card.BoughtInOrderID,
	}
}
