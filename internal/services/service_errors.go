package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
	"github.com/i-super/Saleor-sub000/internal/repositories"
)

var (
	// ErrCheckoutNotFound indicates no checkout exists for the token.
	ErrCheckoutNotFound = errors.New("checkout: not found")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrPaymentNotFound indicates the payment could not be located.
	ErrPaymentNotFound = errors.New("payment: not found")
	// ErrGiftCardNotFound indicates the gift card could not be located.
	ErrGiftCardNotFound = errors.New("gift card: not found")
	// ErrStoreUnavailable wraps transient persistence failures.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrCheckoutLocked is returned when another completion of the same checkout is in flight.
	ErrCheckoutLocked = errors.New("checkout: completion in progress")
)

// mapRepositoryError converts repository failures into boundary errors. Missing rows become
// NOT_FOUND errors wrapping notFound; unavailable backends wrap ErrStoreUnavailable.
func mapRepositoryError(err error, notFound error, field, message string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var domainErr *domain.Error
	if errors.As(err, &domainErr) {
		return err
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return domain.WrapError(domain.CodeNotFound, field, message, notFound)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
	}
	return err
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func noopLogger(context.Context, string, map[string]any) {}

type noopMetrics struct{}

func (noopMetrics) OrderPlaced(string, string)              {}
func (noopMetrics) CheckoutCompleted(string, time.Duration) {}
func (noopMetrics) InsufficientStock(int)                   {}
func (noopMetrics) PaymentTransaction(string, bool)         {}
