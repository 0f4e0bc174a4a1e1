package repositories

import (
	"context"
	"sync"
)

type txScopeKey struct{}

// TxScope tracks the post-commit hooks of the outermost RunInTx call.
type TxScope struct {
	mu    sync.Mutex
	hooks []func(context.Context)
	// Handle carries the backend transaction handle (for example *gorm.DB).
	Handle any
}

// BeginScope attaches a new TxScope to ctx unless one is already present. The returned bool is
// true when the caller owns the scope and must commit and run its hooks.
func BeginScope(ctx context.Context, handle any) (context.Context, *TxScope, bool) {
	if scope := ScopeFrom(ctx); scope != nil {
		return ctx, scope, false
	}
	scope := &TxScope{Handle: handle}
	return context.WithValue(ctx, txScopeKey{}, scope), scope, true
}

// ScopeFrom returns the transaction scope bound to ctx, if any.
func ScopeFrom(ctx context.Context) *TxScope {
	if ctx == nil {
		return nil
	}
	scope, _ := ctx.Value(txScopeKey{}).(*TxScope)
	return scope
}

// InTx reports whether ctx runs inside RunInTx.
func InTx(ctx context.Context) bool {
	return ScopeFrom(ctx) != nil
}

// AfterCommit registers fn to run once the surrounding transaction commits. Outside a
// transaction fn runs immediately. Hooks never run when the transaction rolls back.
func AfterCommit(ctx context.Context, fn func(context.Context)) {
	if fn == nil {
		return
	}
	scope := ScopeFrom(ctx)
	if scope == nil {
		fn(ctx)
		return
	}
	scope.mu.Lock()
	scope.hooks = append(scope.hooks, fn)
	scope.mu.Unlock()
}

// RunHooks executes the registered hooks in registration order with a context detached from
// the transaction.
func (s *TxScope) RunHooks(ctx context.Context) {
	if s == nil {
		return
	}
	s.mu.Lock()
	hooks := s.hooks
	s.hooks = nil
	s.mu.Unlock()

	hookCtx := context.WithValue(ctx, txScopeKey{}, (*TxScope)(nil))
	for _, hook := range hooks {
		hook(hookCtx)
	}
}
