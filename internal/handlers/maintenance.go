package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/i-super/Saleor-sub000/internal/platform/httpx"
	"github.com/i-super/Saleor-sub000/internal/platform/requestctx"
)

// ReservationSweeper removes expired stock reservations on demand.
type ReservationSweeper interface {
	SweepOnce(ctx context.Context) int
}

// MaintenanceRoutes exposes manual triggers for background maintenance under /internal.
func MaintenanceRoutes(sweeper ReservationSweeper) RouteRegistrar {
	return func(r chi.Router) {
		r.Post("/reservations:sweep", func(w http.ResponseWriter, req *http.Request) {
			ctx := req.Context()
			removed := sweeper.SweepOnce(ctx)
			requestctx.Logger(ctx).Info("reservations swept",
				zap.String("caller", requestctx.Actor(ctx).AppID),
				zap.Int("removed", removed),
			)
			httpx.WriteJSON(w, http.StatusOK, map[string]any{"removed": removed})
		})
	}
}
