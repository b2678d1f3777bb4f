// Package telemetry provides Prometheus metrics, OpenTelemetry tracing and correlation-id
// aware logging helpers.
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
	CyclesStarted       prometheus.Counter
	CyclesFailed        prometheus.Counter
	CyclesSkipped       prometheus.Counter
	ChannelFetches      *prometheus.CounterVec // label: outcome
	RateLimitsHit       prometheus.Counter
	VisitsInserted      prometheus.Counter
	SightingsDeduped    prometheus.Counter
	SightingErrors      prometheus.Counter
	ActiveSetOverflow   prometheus.Counter
	UsersTurnedOnline   prometheus.Counter
	UsersTurnedOffline  prometheus.Counter

	// Histograms (seconds)
	CycleDuration prometheus.Observer
	FetchDuration prometheus.Observer

	// Gauges
	FetchingGauge        prometheus.Gauge // 1=running,0=idle
	ActiveUsersGauge     prometheus.Gauge
	LastCycleSuccessTime prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		CyclesStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "scrape_cycles_started_total", Help: "Number of scrape cycles that entered the running state"})
		CyclesFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "scrape_cycles_failed_total", Help: "Number of scrape cycles that ended with an error and were rolled back"})
		CyclesSkipped = promauto.NewCounter(prometheus.CounterOpts{Name: "scrape_cycles_skipped_total", Help: "Number of cycle triggers skipped because a cycle was already running"})
		ChannelFetches = promauto.NewCounterVec(prometheus.CounterOpts{Name: "scrape_channel_fetches_total", Help: "Channel fetches by outcome"}, []string{"outcome"})
		RateLimitsHit = promauto.NewCounter(prometheus.CounterOpts{Name: "scrape_rate_limits_total", Help: "Number of upstream 429 responses"})
		VisitsInserted = promauto.NewCounter(prometheus.CounterOpts{Name: "scrape_visits_inserted_total", Help: "Number of visit rows written"})
		SightingsDeduped = promauto.NewCounter(prometheus.CounterOpts{Name: "scrape_sightings_deduped_total", Help: "Sightings folded into an existing visit by the dedup threshold"})
		SightingErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "scrape_sighting_errors_total", Help: "Sightings skipped because of a storage error"})
		ActiveSetOverflow = promauto.NewCounter(prometheus.CounterOpts{Name: "scrape_active_set_overflow_total", Help: "User ids dropped because the active set was full"})
		UsersTurnedOnline = promauto.NewCounter(prometheus.CounterOpts{Name: "reconcile_users_online_total", Help: "Users flipped to online by reconciliation"})
		UsersTurnedOffline = promauto.NewCounter(prometheus.CounterOpts{Name: "reconcile_users_offline_total", Help: "Users flipped to offline by reconciliation"})
		CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "scrape_cycle_duration_seconds", Help: "Scrape cycle duration seconds", Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600}})
		FetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "scrape_fetch_duration_seconds", Help: "Per-channel upstream fetch duration seconds", Buckets: prometheus.DefBuckets})
		FetchingGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "scrape_running", Help: "Scrape cycle running=1 idle=0"})
		ActiveUsersGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "scrape_active_users", Help: "Distinct users sighted in the last completed cycle"})
		LastCycleSuccessTime = promauto.NewGauge(prometheus.GaugeOpts{Name: "scrape_last_success_timestamp_seconds", Help: "Unix time of the last committed cycle"})
	})
}

// SetFetching sets gauge to 1 while a cycle runs else 0.
func SetFetching(running bool) {
	if FetchingGauge != nil {
		if running {
			FetchingGauge.Set(1)
		} else {
			FetchingGauge.Set(0)
		}
	}
}

// CountFetch increments the per-outcome fetch counter.
func CountFetch(outcome string) {
	if ChannelFetches != nil {
		ChannelFetches.WithLabelValues(outcome).Inc()
	}
}

// Inc increments c when it has been registered.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// Add adds n to c when it has been registered.
func Add(c prometheus.Counter, n int) {
	if c != nil && n > 0 {
		c.Add(float64(n))
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
