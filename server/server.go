// Package server exposes the HTTP API: health, readiness, scrape status, metrics and the
// admin trigger for manual cycles. Every request gets a correlation ID for logging.
package server

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/visit-tracker/telemetry"
)

const shutdownTimeout = 5 * time.Second

// NewMux returns the HTTP handler with all routes.
// ctx bounds the rate limiter cleanup goroutine and cycles started through /admin.
func NewMux(ctx context.Context, db *sql.DB, scraper Scraper, channels ChannelChecker) http.Handler {
	h := NewHandlers(ctx, db, scraper, channels)

	public := http.NewServeMux()
	public.Handle("/metrics", promhttp.Handler())
	public.HandleFunc("/healthz", h.HandleHealthz)
	public.HandleFunc("/readyz", h.HandleReadyz)
	public.HandleFunc("/status", h.HandleStatus)
	public.HandleFunc("/api/scrapeStatus", h.HandleScrapeStatus)

	admin := http.NewServeMux()
	admin.HandleFunc("/admin/scrape/run", h.HandleAdminScrapeRun)
	limiter := newIPRateLimiter(ctx, loadRateLimiterConfig())
	public.Handle("/admin/", adminAuth(rateLimitMiddleware(admin, limiter), loadAuthConfig()))

	return withCORSConfig(withRequestTrace(public), loadCORSConfig())
}

// withRequestTrace assigns the correlation id (reusing X-Correlation-ID when sent) and wraps
// the request in a server span that records the response status.
func withRequestTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := strings.TrimSpace(r.Header.Get("X-Correlation-ID"))
		if corr == "" {
			corr = uuid.NewString()
		}
		w.Header().Set("X-Correlation-ID", corr)
		ctx := telemetry.WithCorrelation(r.Context(), corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
			telemetry.HTTPURLAttr(r.URL.String()),
		)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		started := time.Now()
		next.ServeHTTP(rec, r.WithContext(ctx))
		telemetry.SetSpanHTTPStatus(span, rec.statusCode)

		telemetry.LoggerWithCorr(ctx).Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.statusCode),
			slog.Duration("duration", time.Since(started)),
			slog.String("component", "http"))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Start serves handler on addr until ctx is cancelled, then drains in-flight requests.
func Start(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err), slog.String("component", "http"))
		}
	}()

	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-stopped
	return nil
}
