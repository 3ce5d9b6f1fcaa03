package workers

import (
	"context"
	"log/slog"
	"time"

	"github.com/voicegrid/licensing-service/internal/application"
)

// ReconcileWorker drives the periodic consistency pass between the session
// cache and the durable store. One iteration runs immediately on start so a
// restart does not wait a full interval to clean up.
type ReconcileWorker struct {
	logger   *slog.Logger
	svc      *application.Service
	interval time.Duration
}

func NewReconcileWorker(logger *slog.Logger, svc *application.Service, interval time.Duration) *ReconcileWorker {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &ReconcileWorker{
		logger:   logger,
		svc:      svc,
		interval: interval,
	}
}

// Run executes the reconcile loop until context cancellation.
func (w *ReconcileWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		started := time.Now()
		w.svc.ReconcileOnce(ctx)
		w.logger.InfoContext(ctx, "reconcile pass completed",
			"module", "workers.reconcile",
			"layer", "adapter",
			"operation", "reconcile_once",
			"outcome", "success",
			"duration_ms", time.Since(started).Milliseconds(),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
