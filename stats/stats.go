// Package stats runs the background job that keeps the Prometheus gauges and
// the kv heartbeat current.
package stats

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"time"

	"github.com/lunarchat/parley/presence"
	"github.com/lunarchat/parley/store"
	"github.com/lunarchat/parley/telemetry"
)

// StartStatsJob runs a loop refreshing gauges at an interval. dbc may be nil
// (in-memory mode); then only the gauges are refreshed, no heartbeat row.
func StartStatsJob(ctx context.Context, dbc *sql.DB, reg *presence.Registry, rooms store.RoomDirectory) {
	interval := 30 * time.Second
	if s := os.Getenv("STATS_INTERVAL"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			interval = d
		}
	}
	slog.Info("stats job starting", slog.Duration("interval", interval))
	// Kick an immediate run so we don't wait a full interval after boot.
	if err := refreshOnce(ctx, dbc, reg, rooms); err != nil {
		slog.Warn("stats refresh", slog.Any("err", err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("stats job stopped")
			return
		case <-ticker.C:
			if err := refreshOnce(ctx, dbc, reg, rooms); err != nil {
				slog.Warn("stats refresh", slog.Any("err", err))
			}
		}
	}
}

// refreshOnce updates the gauges and writes the heartbeat row.
func refreshOnce(ctx context.Context, dbc *sql.DB, reg *presence.Registry, rooms store.RoomDirectory) error {
	telemetry.SetLiveSessions(reg.Len())

	all, err := rooms.ListAll(ctx)
	if err != nil {
		return err
	}
	telemetry.SetRooms(len(all))

	if dbc != nil {
		_, _ = dbc.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ('job_stats_last', to_char(NOW() AT TIME ZONE 'UTC','YYYY-MM-DD"T"HH24:MI:SS.MS"Z"'), NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`)
	}
	return nil
}
