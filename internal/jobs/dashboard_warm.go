package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/vaibhavgarg25/dashboard/internal/auth"
	"github.com/vaibhavgarg25/dashboard/internal/cache"
	"github.com/vaibhavgarg25/dashboard/internal/config"
	"github.com/vaibhavgarg25/dashboard/internal/dashboard"
	"github.com/vaibhavgarg25/dashboard/internal/model"
)

// StartDashboardWarmJob periodically recomputes the default admin
// dashboard view and stores it in the cache, so the most common request
// is served warm. Disabled unless DASHBOARD_WARM_ENABLED is set.
func StartDashboardWarmJob(ctx context.Context, cfg config.Config, aggregator *dashboard.Aggregator, dashCache *cache.Dashboard, log *slog.Logger) {
	if !cfg.DashboardWarmEnabled {
		return
	}
	interval := cfg.DashboardWarmInterval
	if interval <= 0 {
		interval = time.Minute
	}

	viewer := &auth.Identity{Role: model.RoleAdmin}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tickCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				data, err := aggregator.Dashboard(tickCtx, viewer, dashboard.Filters{})
				if err != nil {
					cancel()
					log.Warn("dashboard warm job failed", "error", err)
					continue
				}
				dashCache.Set(tickCtx, cache.Key(viewer, dashboard.Filters{}), data)
				cancel()
			}
		}
	}()
}
