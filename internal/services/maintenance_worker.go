package services

import (
	"context"
	"errors"
	"time"
)

const defaultSweepInterval = time.Minute

// MaintenanceWorkerDeps bundles collaborators of the background maintenance loop.
type MaintenanceWorkerDeps struct {
	Stock    StockService
	Interval time.Duration
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

// MaintenanceWorker periodically removes expired stock reservations so that abandoned checkouts
// stop holding stock.
type MaintenanceWorker struct {
	stock    StockService
	interval time.Duration
	logger   func(context.Context, string, map[string]any)
}

// NewMaintenanceWorker validates the dependencies of the maintenance loop.
func NewMaintenanceWorker(deps MaintenanceWorkerDeps) (*MaintenanceWorker, error) {
	if deps.Stock == nil {
		return nil, errors.New("maintenance worker: stock service is required")
	}
	interval := deps.Interval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	return &MaintenanceWorker{stock: deps.Stock, interval: interval, logger: logger}, nil
}

// Run sweeps on every tick until ctx is canceled.
func (w *MaintenanceWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.SweepOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// SweepOnce runs a single sweep and returns the number of removed reservations.
func (w *MaintenanceWorker) SweepOnce(ctx context.Context) int {
	removed, err := w.stock.SweepExpiredReservations(ctx)
	if err != nil {
		w.logger(ctx, "maintenance.sweep.failed", map[string]any{"error": err.Error()})
		return 0
	}
	return removed
}
