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
	FramesReceived          *prometheus.CounterVec // by message_type
	NotificationsDispatched *prometheus.CounterVec // by subscription_type
	Handoffs                *prometheus.CounterVec // by outcome: promoted|failed
	SubscribeAttempts       *prometheus.CounterVec // by subscription_type, result
	MessagesSent            *prometheus.CounterVec // by kind (chat|reply|whisper), result
	ErrorsReported          *prometheus.CounterVec // by kind
	EventsDropped           *prometheus.CounterVec // by channel, slow consumers

	// Histograms (seconds)
	SendDuration    prometheus.Observer
	HandoffDuration prometheus.Observer

	// Gauges
	OpenSockets      prometheus.Gauge
	SendQueueDepth   prometheus.Gauge
	ClientReadyGauge prometheus.Gauge // 1=ready,0=not
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_eventsub_frames_total", Help: "EventSub frames received by message type"}, []string{"message_type"})
		NotificationsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_eventsub_notifications_total", Help: "Notifications dispatched by subscription type"}, []string{"subscription_type"})
		Handoffs = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_eventsub_handoffs_total", Help: "Server-requested reconnect handoffs by outcome"}, []string{"outcome"})
		SubscribeAttempts = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_eventsub_subscribe_attempts_total", Help: "Subscription create attempts"}, []string{"subscription_type", "result"})
		MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_messages_sent_total", Help: "Outbound chat messages by kind and result"}, []string{"kind", "result"})
		ErrorsReported = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_errors_total", Help: "Errors surfaced to the application by kind"}, []string{"kind"})
		EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_events_dropped_total", Help: "Events dropped because the consumer channel was full"}, []string{"channel"})
		SendDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chat_send_duration_seconds", Help: "Platform API send latency seconds", Buckets: prometheus.DefBuckets})
		HandoffDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chat_eventsub_handoff_duration_seconds", Help: "Reconnect frame to candidate promotion seconds", Buckets: prometheus.DefBuckets})
		OpenSockets = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_eventsub_open_sockets", Help: "Currently open EventSub sockets"})
		SendQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_send_queue_depth", Help: "Outbound messages waiting to be sent"})
		ClientReadyGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_client_ready", Help: "Client ready=1 otherwise 0"})
	})
}

// Inc increments a labelled counter if metrics were initialised.
func Inc(vec *prometheus.CounterVec, labels ...string) {
	if vec != nil {
		vec.WithLabelValues(labels...).Inc()
	}
}

// AddGauge adds delta to g if non-nil.
func AddGauge(g prometheus.Gauge, delta float64) {
	if g != nil {
		g.Add(delta)
	}
}

// SetGauge sets g if non-nil.
func SetGauge(g prometheus.Gauge, v float64) {
	if g != nil {
		g.Set(v)
	}
}

// SetReady records client readiness.
func SetReady(ready bool) {
	if ready {
		SetGauge(ClientReadyGauge, 1)
	} else {
		SetGauge(ClientReadyGauge, 0)
	}
}

// Observe records d in obs if non-nil.
func Observe(obs prometheus.Observer, d time.Duration) {
	if obs != nil {
		obs.Observe(d.Seconds())
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	Observe(obs, d)
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
