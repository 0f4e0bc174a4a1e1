package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"golang.org/x/text/language"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
	"github.com/i-super/Saleor-sub000/internal/platform/idempotency"
	"github.com/i-super/Saleor-sub000/internal/platform/textutil"
	"github.com/i-super/Saleor-sub000/internal/repositories"
)

const (
	defaultLanguageCode = "en"
	checkoutLockTTL     = time.Minute
	orderCounterName    = "orders"
	maxCheckoutNoteLen  = 1000
)

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Repositories repositories.Registry
	Calculator   PriceCalculator
	Vouchers     VoucherEvaluator
	Stock        StockService
	GiftCards    GiftCardService
	Gateways     GatewayResolver
	Shipping     ExternalShippingProvider
	Locker       KeyLocker
	// LockTTL bounds how long a crashed completion keeps the checkout locked.
	LockTTL     time.Duration
	Notifier    Notifier
	Webhooks    WebhookDispatcher
	Metrics     Metrics
	Settings    Settings
	Clock       func() time.Time
	IDGenerator func() string
	// TokenGenerator issues checkout tokens and order ids.
	TokenGenerator func() string
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	repos      repositories.Registry
	loader     checkoutInfoLoader
	delivery   deliveryResolver
	calc       PriceCalculator
	vouchers   VoucherEvaluator
	stock      StockService
	giftCards  GiftCardService
	gateways   GatewayResolver
	locker     KeyLocker
	lockTTL    time.Duration
	dispatch   dispatcher
	processor  paymentProcessor
	metrics    Metrics
	settings   Settings
	unitOfWork repositories.UnitOfWork
	now        func() time.Time
	newID      func() string
	newToken   func() string
	logger     func(context.Context, string, map[string]any)
}

var _ CheckoutService = (*checkoutService)(nil)

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Repositories == nil {
		return nil, errors.New("checkout service: repository registry is required")
	}
	if deps.Calculator == nil {
		return nil, errors.New("checkout service: price calculator is required")
	}
	if deps.Vouchers == nil {
		return nil, errors.New("checkout service: voucher evaluator is required")
	}
	if deps.Stock == nil {
		return nil, errors.New("checkout service: stock service is required")
	}
	if deps.GiftCards == nil {
		return nil, errors.New("checkout service: gift card service is required")
	}
	if deps.Gateways == nil {
		return nil, errors.New("checkout service: gateway resolver is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	now := func() time.Time {
		return clock().UTC()
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	tokenGen := deps.TokenGenerator
	if tokenGen == nil {
		tokenGen = uuid.NewString
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	locker := deps.Locker
	if locker == nil {
		locker = idempotency.NewMemoryLocker()
	}
	lockTTL := deps.LockTTL
	if lockTTL <= 0 {
		lockTTL = checkoutLockTTL
	}
	settings := deps.Settings

	return &checkoutService{
		repos:  deps.Repositories,
		loader: newCheckoutInfoLoader(deps.Repositories, deps.Shipping, settings.DefaultCountry),
		delivery: deliveryResolver{
			shipping:   deps.Repositories.Shipping(),
			warehouses: deps.Repositories.Warehouses(),
			stocks:     deps.Repositories.Stocks(),
			external:   deps.Shipping,
		},
		calc:      deps.Calculator,
		vouchers:  deps.Vouchers,
		stock:     deps.Stock,
		giftCards: deps.GiftCards,
		gateways:  deps.Gateways,
		locker:    locker,
		lockTTL:   lockTTL,
		dispatch: dispatcher{
			notifier: deps.Notifier,
			webhooks: deps.Webhooks,
			timeout:  settings.CallTimeout(),
			logger:   logger,
		},
		processor: paymentProcessor{
			timeout: settings.CallTimeout(),
			metrics: metrics,
			newID:   idGen,
			now:     now,
			logger:  logger,
		},
		metrics:    metrics,
		settings:   settings,
		unitOfWork: deps.Repositories,
		now:        now,
		newID:      idGen,
		newToken:   tokenGen,
		logger:     logger,
	}, nil
}

// CreateCheckout opens a checkout in an active channel and adds the initial lines.
func (s *checkoutService) CreateCheckout(ctx context.Context, cmd CreateCheckoutCommand) (Checkout, error) {
	channelSlug := strings.TrimSpace(cmd.ChannelSlug)
	if channelSlug == "" {
		return Checkout{}, domain.NewError(domain.CodeRequired, "channel", "This field is required.")
	}
	channel, err := s.repos.Channels().GetBySlug(ctx, channelSlug)
	if err != nil {
		return Checkout{}, mapRepositoryError(err, nil, "channel", "Channel does not exist.")
	}
	if !channel.IsActive {
		return Checkout{}, domain.NewError(domain.CodeChannelInactive, "channel", "Cannot create checkout for inactive channel.")
	}

	now := s.now()
	checkout := Checkout{
		Token:        s.newToken(),
		UserID:       strings.TrimSpace(cmd.UserID),
		ChannelSlug:  channel.Slug,
		Currency:     channel.Currency,
		LanguageCode: defaultLanguageCode,
		Discount:     domain.ZeroMoney(channel.Currency),
		LastChange:   now,
		CreatedAt:    now,
	}
	if strings.TrimSpace(cmd.Email) != "" {
		email, err := normalizeEmail(cmd.Email)
		if err != nil {
			return Checkout{}, err
		}
		checkout.Email = email
	}
	if strings.TrimSpace(cmd.LanguageCode) != "" {
		code, err := normalizeLanguage(cmd.LanguageCode)
		if err != nil {
			return Checkout{}, err
		}
		checkout.LanguageCode = code
	}
	if cmd.ShippingAddress != nil {
		addr, err := domain.NormalizeAddress("shipping_address", *cmd.ShippingAddress)
		if err != nil {
			return Checkout{}, err
		}
		checkout.ShippingAddress = &addr
	}
	if cmd.BillingAddress != nil {
		addr, err := domain.NormalizeAddress("billing_address", *cmd.BillingAddress)
		if err != nil {
			return Checkout{}, err
		}
		checkout.BillingAddress = &addr
	}

	err = s.runInTx(ctx, func(ctx context.Context) error {
		if err := s.repos.Checkouts().Insert(ctx, checkout); err != nil {
			return fmt.Errorf("checkout service: insert checkout: %w", err)
		}
		if len(cmd.Lines) > 0 {
			if err := s.addLines(ctx, &checkout, cmd.Lines, false); err != nil {
				return err
			}
			if err := s.refresh(ctx, &checkout); err != nil {
				return err
			}
			if err := s.repos.Checkouts().Update(ctx, checkout); err != nil {
				return fmt.Errorf("checkout service: update checkout: %w", err)
			}
		}
		s.dispatch.afterCommit(ctx, webhook(domain.WebhookCheckoutCreated, checkoutPayload(checkout)))
		return nil
	})
	if err != nil {
		return Checkout{}, err
	}
	s.logger(ctx, "checkout.created", map[string]any{
		"token":   checkout.Token,
		"channel": checkout.ChannelSlug,
		"lines":   len(checkout.Lines),
	})
	return checkout, nil
}

func (s *checkoutService) GetCheckout(ctx context.Context, token string) (Checkout, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Checkout{}, domain.NewError(domain.CodeRequired, "token", "This field is required.")
	}
	checkout, err := s.repos.Checkouts().Get(ctx, token)
	if err != nil {
		return Checkout{}, mapRepositoryError(err, ErrCheckoutNotFound, "token", "Checkout does not exist.")
	}
	return checkout, nil
}

// Totals prices the checkout with its current voucher and gift cards.
func (s *checkoutService) Totals(ctx context.Context, token string) (CheckoutTotals, error) {
	checkout, err := s.GetCheckout(ctx, token)
	if err != nil {
		return CheckoutTotals{}, err
	}
	info, sales, err := s.snapshot(ctx, checkout)
	if err != nil {
		return CheckoutTotals{}, err
	}
	return s.calc.CheckoutTotals(ctx, info, sales)
}

// AddVariants upserts lines. Quantities add to existing lines unless Replace is set, in which
// case a zero quantity removes the line.
func (s *checkoutService) AddVariants(ctx context.Context, cmd AddVariantsCommand) (Checkout, error) {
	if len(cmd.Lines) == 0 {
		return Checkout{}, domain.NewError(domain.CodeRequired, "lines", "This field is required.")
	}
	return s.mutate(ctx, cmd.Token, func(ctx context.Context, checkout *Checkout) (bool, error) {
		return true, s.addLines(ctx, checkout, cmd.Lines, cmd.Replace)
	})
}

func (s *checkoutService) DeleteLines(ctx context.Context, token string, lineIDs []string) (Checkout, error) {
	if len(lineIDs) == 0 {
		return Checkout{}, domain.NewError(domain.CodeRequired, "line_ids", "This field is required.")
	}
	return s.mutate(ctx, token, func(ctx context.Context, checkout *Checkout) (bool, error) {
		for _, id := range lineIDs {
			if checkout.LineIndex(id) < 0 {
				return false, domain.NewError(domain.CodeNotFound, "line_ids", "Provided line_ids aren't part of checkout.")
			}
		}
		checkout.Lines = slices.DeleteFunc(checkout.Lines, func(line CheckoutLine) bool {
			return slices.Contains(lineIDs, line.ID)
		})
		if s.reservationDuration(*checkout) > 0 {
			if err := s.stock.ReleaseReservations(ctx, checkout.Token, lineIDs); err != nil {
				return false, err
			}
		}
		return true, nil
	})
}

// ChangeShippingAddress replaces the shipping address and re-checks stock for the new
// destination.
func (s *checkoutService) ChangeShippingAddress(ctx context.Context, token string, address Address) (Checkout, error) {
	addr, err := domain.NormalizeAddress("shipping_address", address)
	if err != nil {
		return Checkout{}, err
	}
	return s.mutate(ctx, token, func(ctx context.Context, checkout *Checkout) (bool, error) {
		info, _, err := s.snapshot(ctx, *checkout)
		if err != nil {
			return false, err
		}
		if !info.IsShippingRequired() {
			return false, domain.NewError(domain.CodeShippingNotRequired, "shipping_address", "This checkout doesn't need shipping.")
		}
		checkout.ShippingAddress = &addr
		info.Checkout = *checkout
		if err := s.checkLineStock(ctx, info); err != nil {
			return false, err
		}
		if duration := s.reservationDuration(*checkout); duration > 0 && len(checkout.Lines) > 0 {
			err := s.stock.ReserveStocks(ctx, ReserveCommand{
				CheckoutToken: checkout.Token,
				Lines:         checkout.Lines,
				Variants:      variantsByID(info),
				Country:       info.Country(),
				ChannelSlug:   checkout.ChannelSlug,
				Duration:      duration,
				Replace:       true,
			})
			if err != nil {
				return false, err
			}
		}
		return true, nil
	})
}

func (s *checkoutService) ChangeBillingAddress(ctx context.Context, token string, address Address) (Checkout, error) {
	addr, err := domain.NormalizeAddress("billing_address", address)
	if err != nil {
		return Checkout{}, err
	}
	return s.mutate(ctx, token, func(_ context.Context, checkout *Checkout) (bool, error) {
		checkout.BillingAddress = &addr
		return true, nil
	})
}

// ListShippingMethods returns the shipping methods currently applicable to the checkout.
func (s *checkoutService) ListShippingMethods(ctx context.Context, token string) ([]domain.ShippingMethod, error) {
	checkout, err := s.GetCheckout(ctx, token)
	if err != nil {
		return nil, err
	}
	info, sales, err := s.snapshot(ctx, checkout)
	if err != nil {
		return nil, err
	}
	_, subtotal, _, err := basePrices(ctx, s.calc, info, sales)
	if err != nil {
		return nil, err
	}
	return s.delivery.shippingMethods(ctx, info, subtotal.Gross)
}

// SetDeliveryMethod selects a shipping method, an app supplied method or a click-and-collect
// warehouse. The two kinds of delivery are mutually exclusive.
func (s *checkoutService) SetDeliveryMethod(ctx context.Context, token, deliveryMethodID string) (Checkout, error) {
	id := strings.TrimSpace(deliveryMethodID)
	if id == "" {
		return Checkout{}, domain.NewError(domain.CodeRequired, "delivery_method_id", "This field is required.")
	}
	return s.mutate(ctx, token, func(ctx context.Context, checkout *Checkout) (bool, error) {
		info, sales, err := s.snapshot(ctx, *checkout)
		if err != nil {
			return false, err
		}
		if !info.IsShippingRequired() {
			return false, domain.NewError(domain.CodeShippingNotRequired, "delivery_method_id", "This checkout doesn't need shipping.")
		}
		_, subtotal, _, err := basePrices(ctx, s.calc, info, sales)
		if err != nil {
			return false, err
		}
		notApplicable := domain.NewError(domain.CodeShippingMethodNotApplicable, "delivery_method_id", "This shipping method is not applicable.")

		isMethod := isExternalMethod(id)
		if !isMethod {
			_, err := s.repos.Shipping().GetMethod(ctx, id)
			switch {
			case err == nil:
				isMethod = true
			case !repositories.IsNotFound(err):
				return false, fmt.Errorf("checkout service: shipping method: %w", err)
			}
		}
		if isMethod {
			methods, err := s.delivery.shippingMethods(ctx, info, subtotal.Gross)
			if err != nil {
				return false, err
			}
			if !slices.ContainsFunc(methods, func(m domain.ShippingMethod) bool { return m.ID == id }) {
				return false, notApplicable
			}
			checkout.ShippingMethodID = id
			checkout.CollectionPointID = ""
			return true, nil
		}

		warehouse, err := s.repos.Warehouses().Get(ctx, id)
		if err != nil {
			return false, mapRepositoryError(err, nil, "delivery_method_id", "Delivery method does not exist.")
		}
		points, err := s.delivery.collectionPoints(ctx, info)
		if err != nil {
			return false, err
		}
		if !slices.ContainsFunc(points, func(w domain.Warehouse) bool { return w.ID == warehouse.ID }) {
			return false, notApplicable
		}
		address := warehouse.Address
		checkout.CollectionPointID = warehouse.ID
		checkout.ShippingMethodID = ""
		checkout.ShippingAddress = &address
		return true, nil
	})
}

func (s *checkoutService) UpdateEmail(ctx context.Context, token, email string) (Checkout, error) {
	normalized, err := normalizeEmail(email)
	if err != nil {
		return Checkout{}, err
	}
	// Per customer voucher limits depend on the email.
	return s.mutate(ctx, token, func(_ context.Context, checkout *Checkout) (bool, error) {
		checkout.Email = normalized
		return true, nil
	})
}

func (s *checkoutService) UpdateLanguageCode(ctx context.Context, token, languageCode string) (Checkout, error) {
	code, err := normalizeLanguage(languageCode)
	if err != nil {
		return Checkout{}, err
	}
	return s.mutate(ctx, token, func(_ context.Context, checkout *Checkout) (bool, error) {
		checkout.LanguageCode = code
		return false, nil
	})
}

// UpdateNote stores the customer note as plain text.
func (s *checkoutService) UpdateNote(ctx context.Context, token, note string) (Checkout, error) {
	clean := textutil.SanitizePlainText(note)
	if len([]rune(clean)) > maxCheckoutNoteLen {
		return Checkout{}, domain.NewError(domain.CodeInvalid, "note", fmt.Sprintf("Ensure this value has at most %d characters.", maxCheckoutNoteLen))
	}
	return s.mutate(ctx, token, func(_ context.Context, checkout *Checkout) (bool, error) {
		checkout.Note = clean
		return false, nil
	})
}

// Abandon deletes the checkout and frees its reservations.
func (s *checkoutService) Abandon(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.NewError(domain.CodeRequired, "token", "This field is required.")
	}
	err := s.runInTx(ctx, func(ctx context.Context) error {
		if _, err := s.repos.Checkouts().GetForUpdate(ctx, token); err != nil {
			return mapRepositoryError(err, ErrCheckoutNotFound, "token", "Checkout does not exist.")
		}
		if err := s.stock.ReleaseReservations(ctx, token, nil); err != nil {
			return err
		}
		if err := s.repos.Checkouts().Delete(ctx, token); err != nil {
			return fmt.Errorf("checkout service: delete checkout: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger(ctx, "checkout.abandoned", map[string]any{"token": token})
	return nil
}

// RecalculateCheckoutDiscount re-evaluates the voucher and the delivery method. Running it
// twice yields the same checkout.
func (s *checkoutService) RecalculateCheckoutDiscount(ctx context.Context, token string) (Checkout, error) {
	return s.mutate(ctx, token, func(context.Context, *Checkout) (bool, error) {
		return true, nil
	})
}

// mutate runs fn against the locked checkout row and persists the result. When fn reports
// that prices may have changed, the delivery method and the voucher are revalidated.
func (s *checkoutService) mutate(ctx context.Context, token string, fn func(ctx context.Context, checkout *Checkout) (bool, error)) (Checkout, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Checkout{}, domain.NewError(domain.CodeRequired, "token", "This field is required.")
	}
	var updated Checkout
	err := s.runInTx(ctx, func(ctx context.Context) error {
		current, err := s.repos.Checkouts().GetForUpdate(ctx, token)
		if err != nil {
			return mapRepositoryError(err, ErrCheckoutNotFound, "token", "Checkout does not exist.")
		}
		checkout := current.Clone()
		pricesChanged, err := fn(ctx, &checkout)
		if err != nil {
			return err
		}
		if pricesChanged {
			if err := s.refresh(ctx, &checkout); err != nil {
				return err
			}
		}
		checkout.LastChange = s.now()
		if err := s.repos.Checkouts().Update(ctx, checkout); err != nil {
			return fmt.Errorf("checkout service: update checkout: %w", err)
		}
		s.dispatch.afterCommit(ctx, webhook(domain.WebhookCheckoutUpdated, checkoutPayload(checkout)))
		updated = checkout
		return nil
	})
	if err != nil {
		return Checkout{}, err
	}
	return updated, nil
}

// refresh drops references that no longer resolve, clears a delivery method that stopped
// being offered and recomputes the voucher discount.
func (s *checkoutService) refresh(ctx context.Context, checkout *Checkout) error {
	info, sales, err := s.snapshot(ctx, *checkout)
	if err != nil {
		return err
	}
	if checkout.VoucherCode != "" && info.Voucher == nil {
		clearVoucher(checkout)
	}
	if checkout.ShippingMethodID != "" && info.ShippingMethod == nil {
		checkout.ShippingMethodID = ""
	}
	if checkout.CollectionPointID != "" && info.CollectionPoint == nil {
		checkout.CollectionPointID = ""
	}
	if len(info.GiftCards) != len(checkout.GiftCardIDs) {
		checkout.GiftCardIDs = checkout.GiftCardIDs[:0]
		for _, card := range info.GiftCards {
			checkout.GiftCardIDs = append(checkout.GiftCardIDs, card.ID)
		}
	}
	info.Checkout = *checkout

	if info.DeliveryMethodSet() {
		_, subtotal, _, err := basePrices(ctx, s.calc, info, sales)
		if err != nil {
			return err
		}
		valid, err := s.delivery.deliveryValid(ctx, info, subtotal.Gross)
		if err != nil {
			return err
		}
		if !valid {
			checkout.ShippingMethodID = ""
			checkout.CollectionPointID = ""
			info.ShippingMethod = nil
			info.CollectionPoint = nil
			info.Checkout = *checkout
		}
	}
	return s.recalculateDiscount(ctx, checkout, info, sales)
}

// recalculateDiscount re-evaluates the attached voucher. A voucher that no longer applies is
// removed without error.
func (s *checkoutService) recalculateDiscount(ctx context.Context, checkout *Checkout, info CheckoutInfo, sales []domain.Sale) error {
	if info.Voucher == nil {
		clearVoucher(checkout)
		return nil
	}
	amount, err := s.evaluateVoucher(ctx, *info.Voucher, info, sales)
	if err != nil {
		if domain.HasErrorCode(err, domain.CodeVoucherNotApplicable) {
			s.logger(ctx, "checkout.voucher.removed", map[string]any{
				"token":   checkout.Token,
				"voucher": checkout.VoucherCode,
				"reason":  err.Error(),
			})
			clearVoucher(checkout)
			return nil
		}
		return err
	}
	checkout.Discount = amount
	checkout.DiscountName = info.Voucher.Name
	return nil
}

// evaluateVoucher evaluates voucher against the checkout priced without any voucher.
func (s *checkoutService) evaluateVoucher(ctx context.Context, voucher Voucher, info CheckoutInfo, sales []domain.Sale) (Money, error) {
	return evaluateVoucherFor(ctx, s.calc, s.vouchers, voucher, info, sales)
}

func evaluateVoucherFor(ctx context.Context, calc PriceCalculator, vouchers VoucherEvaluator, voucher Voucher, info CheckoutInfo, sales []domain.Sale) (Money, error) {
	info.Voucher = &voucher
	lines, subtotal, shipping, err := basePrices(ctx, calc, info, sales)
	if err != nil {
		return Money{}, err
	}
	return vouchers.Evaluate(ctx, VoucherContext{
		Voucher:       voucher,
		Info:          info,
		Lines:         lines,
		Subtotal:      subtotal,
		Shipping:      shipping,
		CustomerEmail: info.Checkout.Email,
	})
}

func clearVoucher(checkout *Checkout) {
	checkout.VoucherCode = ""
	checkout.Discount = domain.ZeroMoney(checkout.Currency)
	checkout.DiscountName = ""
	checkout.TranslatedDiscountName = ""
}

// addLines validates the inputs, upserts the lines and checks limits, stock and preorder caps
// against the resulting quantities. Reservations follow the new quantities.
func (s *checkoutService) addLines(ctx context.Context, checkout *Checkout, inputs []LineInput, replace bool) error {
	var variantIDs []string
	for i, input := range inputs {
		inputs[i].VariantID = strings.TrimSpace(input.VariantID)
		if inputs[i].VariantID == "" {
			return domain.NewError(domain.CodeRequired, "variant_id", "This field is required.")
		}
		if input.Quantity < 0 || (input.Quantity == 0 && !replace) {
			return domain.NewError(domain.CodeZeroQuantity, "quantity", "The quantity should be higher than zero.")
		}
		if !slices.Contains(variantIDs, inputs[i].VariantID) {
			variantIDs = append(variantIDs, inputs[i].VariantID)
		}
	}

	variants, err := s.repos.Variants().ListVariants(ctx, variantIDs)
	if err != nil {
		return mapRepositoryError(err, nil, "variant_id", "Could not resolve the variant.")
	}
	byID := make(map[string]domain.ProductVariant, len(variants))
	for _, v := range variants {
		byID[v.ID] = v
	}
	now := s.now()
	for _, id := range variantIDs {
		if _, ok := byID[id]; !ok {
			return domain.NewError(domain.CodeNotFound, "variant_id", fmt.Sprintf("Could not resolve variant %s.", id))
		}
		if err := s.repos.Variants().CheckActiveForPurchase(ctx, id, checkout.ChannelSlug, now); err != nil {
			return mapRepositoryError(err, nil, "variant_id", "Could not resolve the variant.")
		}
	}

	var touched, removed []string
	for _, input := range inputs {
		idx := -1
		if !input.ForceNewLine {
			idx = slices.IndexFunc(checkout.Lines, func(line CheckoutLine) bool {
				return line.VariantID == input.VariantID && !line.ForceNewLine
			})
		}
		switch {
		case idx < 0 && input.Quantity == 0:
		case idx < 0:
			line := CheckoutLine{
				ID:            s.newID(),
				VariantID:     input.VariantID,
				Quantity:      input.Quantity,
				PriceOverride: input.PriceOverride,
				ForceNewLine:  input.ForceNewLine,
				Metadata:      input.Metadata,
				CreatedAt:     now,
			}
			checkout.Lines = append(checkout.Lines, line)
			touched = append(touched, line.ID)
		case replace && input.Quantity == 0:
			removed = append(removed, checkout.Lines[idx].ID)
			checkout.Lines = slices.Delete(checkout.Lines, idx, idx+1)
		default:
			line := &checkout.Lines[idx]
			if replace {
				line.Quantity = input.Quantity
			} else {
				line.Quantity += input.Quantity
			}
			if input.PriceOverride != nil {
				line.PriceOverride = input.PriceOverride
			}
			if input.Metadata != nil {
				line.Metadata = input.Metadata
			}
			if !slices.Contains(touched, line.ID) {
				touched = append(touched, line.ID)
			}
		}
	}

	totals := checkout.QuantityByVariant()
	for _, id := range variantIDs {
		variant := byID[id]
		limit := s.settings.QuantityLimit()
		if variant.QuantityLimitPerCustomer != nil && *variant.QuantityLimitPerCustomer > 0 {
			limit = *variant.QuantityLimitPerCustomer
		}
		if totals[id] > limit {
			return domain.NewError(domain.CodeQuantityGreaterThanLimit, "quantity",
				fmt.Sprintf("Cannot add more than %d times this item: %s.", limit, variantLabel(variant)))
		}
	}

	info, _, err := s.snapshot(ctx, *checkout)
	if err != nil {
		return err
	}
	var changed []domain.ProductVariant
	var quantities []int
	for _, id := range variantIDs {
		if totals[id] > 0 {
			changed = append(changed, byID[id])
			quantities = append(quantities, totals[id])
		}
	}
	if len(changed) > 0 {
		duration := s.reservationDuration(*checkout)
		err := s.stock.CheckStockQuantityBulk(ctx, StockCheckRequest{
			Variants:          changed,
			Quantities:        quantities,
			Country:           info.Country(),
			ChannelSlug:       checkout.ChannelSlug,
			Replace:           true,
			CheckReservations: duration > 0,
			CheckoutToken:     checkout.Token,
		})
		if err != nil {
			return err
		}
		if err := s.stock.CheckPreorderThresholdBulk(ctx, changed, quantities, checkout.ChannelSlug); err != nil {
			return err
		}
	}

	duration := s.reservationDuration(*checkout)
	if duration <= 0 {
		return nil
	}
	if len(removed) > 0 {
		if err := s.stock.ReleaseReservations(ctx, checkout.Token, removed); err != nil {
			return err
		}
	}
	var reserve []CheckoutLine
	for _, line := range checkout.Lines {
		if slices.Contains(touched, line.ID) {
			reserve = append(reserve, line)
		}
	}
	if len(reserve) == 0 {
		return nil
	}
	return s.stock.ReserveStocks(ctx, ReserveCommand{
		CheckoutToken: checkout.Token,
		Lines:         reserve,
		Variants:      variantsByID(info),
		Country:       info.Country(),
		ChannelSlug:   checkout.ChannelSlug,
		Duration:      duration,
	})
}

// checkLineStock checks every line against the stock serving the checkout destination.
func (s *checkoutService) checkLineStock(ctx context.Context, info CheckoutInfo) error {
	if len(info.Lines) == 0 {
		return nil
	}
	variants := make([]domain.ProductVariant, 0, len(info.Lines))
	quantities := make([]int, 0, len(info.Lines))
	for _, line := range info.Lines {
		variants = append(variants, line.Variant)
		quantities = append(quantities, line.Line.Quantity)
	}
	return s.stock.CheckStockQuantityBulk(ctx, StockCheckRequest{
		Variants:          variants,
		Quantities:        quantities,
		Country:           info.Country(),
		ChannelSlug:       info.Checkout.ChannelSlug,
		Replace:           true,
		CheckReservations: s.reservationDuration(info.Checkout) > 0,
		CheckoutToken:     info.Checkout.Token,
	})
}

// snapshot loads the checkout info and the sales active in its channel.
func (s *checkoutService) snapshot(ctx context.Context, checkout Checkout) (CheckoutInfo, []domain.Sale, error) {
	info, err := s.loader.load(ctx, checkout)
	if err != nil {
		return CheckoutInfo{}, nil, err
	}
	sales, err := s.repos.Sales().ListActive(ctx, checkout.ChannelSlug, s.now())
	if err != nil {
		return CheckoutInfo{}, nil, fmt.Errorf("checkout service: list sales: %w", err)
	}
	return info, sales, nil
}

func (s *checkoutService) reservationDuration(checkout Checkout) time.Duration {
	return s.settings.ReservationDuration(checkout.UserID != "")
}

func (s *checkoutService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func variantsByID(info CheckoutInfo) map[string]domain.ProductVariant {
	out := make(map[string]domain.ProductVariant, len(info.Lines))
	for _, line := range info.Lines {
		out[line.Variant.ID] = line.Variant
	}
	return out
}

func variantLabel(variant domain.ProductVariant) string {
	if variant.SKU != "" {
		return variant.SKU
	}
	if variant.Name != "" {
		return variant.Name
	}
	return variant.ID
}

func normalizeEmail(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", domain.NewError(domain.CodeRequired, "email", "This field is required.")
	}
	addr, err := mail.ParseAddress(value)
	if err != nil || addr.Name != "" || addr.Address != value {
		return "", domain.NewError(domain.CodeInvalid, "email", "Enter a valid email address.")
	}
	local, host, _ := strings.Cut(addr.Address, "@")
	return local + "@" + strings.ToLower(host), nil
}

func normalizeLanguage(value string) (string, error) {
	tag, err := language.Parse(strings.TrimSpace(value))
	if err != nil {
		return "", domain.WrapError(domain.CodeInvalid, "language_code", "Unsupported language code.", err)
	}
	return tag.String(), nil
}
