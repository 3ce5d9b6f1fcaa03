package workers

import (
	"context"
	"log/slog"
	"time"

	"github.com/voicegrid/licensing-service/internal/application"
)

// LicenseSyncWorker refreshes the cached license on a fixed cadence so the
// record rarely goes stale on the request path. Fetch failures are absorbed;
// the grace-period fallback in the service covers prolonged outages.
type LicenseSyncWorker struct {
	logger   *slog.Logger
	svc      *application.Service
	interval time.Duration
}

func NewLicenseSyncWorker(logger *slog.Logger, svc *application.Service, interval time.Duration) *LicenseSyncWorker {
	if interval <= 0 {
		interval = time.Hour
	}
	return &LicenseSyncWorker{
		logger:   logger,
		svc:      svc,
		interval: interval,
	}
}

// Run executes the sync loop until context cancellation.
func (w *LicenseSyncWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if _, err := w.svc.SyncFromMaster(ctx); err != nil {
			w.logger.WarnContext(ctx, "scheduled license sync failed",
				"module", "workers.license_sync",
				"layer", "adapter",
				"operation", "sync_from_master",
				"outcome", "failure",
				"error", err,
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
