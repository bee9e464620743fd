package main

import (
	"context"
	"log/slog"
	"time"

	"wardrelay/internal/core"
	"wardrelay/internal/metrics"
)

// RunMetrics publishes session and room gauges every interval and logs them
// while anyone is connected, until ctx is canceled.
func RunMetrics(ctx context.Context, reg *core.Registry, dir *core.Directory, m *metrics.Metrics, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions, rooms := reg.Count(), dir.Count()
			m.Gauges(sessions, rooms)
			if sessions > 0 || rooms > 0 {
				slog.Info("relay stats", "sessions", sessions, "rooms", rooms)
			}
		}
	}
}

// RunSweep prunes stale room memberships every interval until ctx is canceled.
func RunSweep(ctx context.Context, dir *core.Directory, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := dir.Sweep(); n > 0 {
				slog.Info("swept stale memberships", "pruned", n, "rooms", dir.Count())
			}
		}
	}
}
