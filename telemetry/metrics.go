// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	Registrations     prometheus.Counter
	Reassociations    prometheus.Counter
	MessagesStored    prometheus.Counter
	MessagesDropped   prometheus.Counter
	FanoutDeliveries  prometheus.Counter
	BansIssued        prometheus.Counter
	KicksIssued       prometheus.Counter
	ForcedMoves       prometheus.Counter
	RejectedRegisters prometheus.Counter

	// Histograms (seconds)
	RegisterDuration prometheus.Observer
	PostDuration     prometheus.Observer

	// Gauges
	LiveSessionsGauge prometheus.Gauge
	RoomsGauge        prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		Registrations = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_registrations_total", Help: "Number of successful session registrations"})
		Reassociations = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_reassociations_total", Help: "Number of anonymous sessions reassociated to a prior name by origin"})
		MessagesStored = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_messages_stored_total", Help: "Number of messages durably appended"})
		MessagesDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_messages_dropped_total", Help: "Number of messages dropped from banned senders"})
		FanoutDeliveries = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_fanout_deliveries_total", Help: "Number of per-connection message deliveries"})
		BansIssued = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_bans_total", Help: "Number of ban operations"})
		KicksIssued = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_kicks_total", Help: "Number of kick operations"})
		ForcedMoves = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_forced_moves_total", Help: "Number of operator-forced room moves"})
		RejectedRegisters = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_rejected_registers_total", Help: "Number of registrations rejected because the credential is banned"})
		RegisterDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chat_register_duration_seconds", Help: "Register duration seconds", Buckets: prometheus.DefBuckets})
		PostDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chat_post_duration_seconds", Help: "Post-message duration seconds", Buckets: prometheus.DefBuckets})
		LiveSessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_live_sessions", Help: "Current number of live sessions"})
		RoomsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_rooms", Help: "Current number of room records"})
	})
}

// SetLiveSessions records the current live-session count.
func SetLiveSessions(n int) {
	if LiveSessionsGauge != nil {
		LiveSessionsGauge.Set(float64(n))
	}
}

// SetRooms records the current room-record count.
func SetRooms(n int) {
	if RoomsGauge != nil {
		RoomsGauge.Set(float64(n))
	}
}

// Inc increments a counter if metrics are initialized.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// AddDeliveries records n fan-out deliveries.
func AddDeliveries(n int) {
	if FanoutDeliveries != nil {
		FanoutDeliveries.Add(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with a corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
