package memory

import (
	"context"
	"strings"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
	"github.com/i-super/Saleor-sub000/internal/repositories"
)

type checkoutRepository struct{ s *Store }

func (r checkoutRepository) Insert(ctx context.Context, checkout domain.Checkout) error {
	token := strings.TrimSpace(checkout.Token)
	if token == "" {
		return repositories.Conflict("checkouts.insert", "token is required")
	}
	return r.s.write(ctx, func(st *state) error {
		if _, exists := st.checkouts[token]; exists {
			return repositories.Conflict("checkouts.insert", "checkout %s already exists", token)
		}
		st.checkouts[token] = checkout.Clone()
		return nil
	})
}

func (r checkoutRepository) Get(ctx context.Context, token string) (domain.Checkout, error) {
	var out domain.Checkout
	err := r.s.read(ctx, func(st *state) error {
		checkout, ok := st.checkouts[token]
		if !ok {
			return repositories.NotFound("checkouts.get", "checkout %s", token)
		}
		out = checkout.Clone()
		return nil
	})
	return out, err
}

// GetForUpdate equals Get: transactions are already serialised by the store.
func (r checkoutRepository) GetForUpdate(ctx context.Context, token string) (domain.Checkout, error) {
	return r.Get(ctx, token)
}

func (r checkoutRepository) Update(ctx context.Context, checkout domain.Checkout) error {
	return r.s.write(ctx, func(st *state) error {
		if _, ok := st.checkouts[checkout.Token]; !ok {
			return repositories.NotFound("checkouts.update", "checkout %s", checkout.Token)
		}
		st.checkouts[checkout.Token] = checkout.Clone()
		return nil
	})
}

func (r checkoutRepository) Delete(ctx context.Context, token string) error {
	return r.s.write(ctx, func(st *state) error {
		if _, ok := st.checkouts[token]; !ok {
			return repositories.NotFound("checkouts.delete", "checkout %s", token)
		}
		delete(st.checkouts, token)
		return nil
	})
}
