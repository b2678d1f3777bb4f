package scrape

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/visit-tracker/config"
	"github.com/onnwee/visit-tracker/telemetry"
)

// Options tune the scheduler. Zero values fall back to the defaults.
type Options struct {
	Interval         time.Duration
	BatchSize        int
	BatchDelay       time.Duration
	RateLimitBackoff time.Duration
	FetchTimeout     time.Duration
	DedupThreshold   time.Duration
	MaxActiveUsers   int
	CacheSizeBytes   int
	RunOnStart       bool
}

// OptionsFromConfig copies the scrape settings out of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Interval:         cfg.ScrapeInterval,
		BatchSize:        cfg.BatchSize,
		BatchDelay:       cfg.BatchDelay,
		RateLimitBackoff: cfg.RateLimitBackoff,
		FetchTimeout:     cfg.FetchTimeout,
		DedupThreshold:   cfg.DedupThreshold,
		MaxActiveUsers:   cfg.MaxActiveUsers,
		CacheSizeBytes:   cfg.CacheSizeMB * 1024 * 1024,
		RunOnStart:       cfg.RunOnStart,
	}
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Minute
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 5
	}
	if o.BatchDelay <= 0 {
		o.BatchDelay = time.Second
	}
	if o.RateLimitBackoff <= 0 {
		o.RateLimitBackoff = 5 * time.Second
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = DefaultFetchTimeout
	}
	if o.DedupThreshold <= 0 {
		o.DedupThreshold = DefaultDedupThreshold
	}
	if o.MaxActiveUsers <= 0 {
		o.MaxActiveUsers = 10000
	}
	if o.CacheSizeBytes <= 0 {
		o.CacheSizeBytes = 16 * 1024 * 1024
	}
	return o
}

// Status is the snapshot served by the status endpoint.
type Status struct {
	IsFetching            bool       `json:"isFetching"`
	LastCycleStarted      *time.Time `json:"lastCycleStarted"`
	LastCycleCompleted    *time.Time `json:"lastCycleCompleted"`
	LastCycleDurationMs   int64      `json:"lastCycleDurationMs"`
	LastCycleChannelCount int        `json:"lastCycleChannelCount"`
	TotalChannels         int        `json:"totalChannels"`
	CycleCount            int64      `json:"cycleCount"`
	RateLimitsHit         int        `json:"rateLimitsHit"`
	IntervalMs            int64      `json:"intervalMs"`
	ActiveUsersTracked    int        `json:"activeUsersTracked"`
	LastError             string     `json:"lastError,omitempty"`
}

type cycleStats struct {
	total       int
	processed   int
	rateLimited int
	visits      int
	active      int
}

// Scheduler runs scrape cycles on a fixed period and never lets two overlap.
type Scheduler struct {
	store      Store
	source     ChannelSource
	worker     *Worker
	reconciler *Reconciler
	opts       Options

	cache  *Cache
	active *ActiveSet

	running atomic.Bool
	wg      sync.WaitGroup

	mu     sync.Mutex
	status Status

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewScheduler wires a scheduler. The cache and active set are allocated once and cleared at
// the end of every cycle.
func NewScheduler(store Store, source ChannelSource, fetcher Fetcher, opts Options) *Scheduler {
	opts = opts.withDefaults()
	s := &Scheduler{
		store:      store,
		source:     source,
		worker:     NewWorker(fetcher, opts.FetchTimeout),
		reconciler: NewReconciler(store),
		opts:       opts,
		cache:      NewCache(opts.CacheSizeBytes),
		active:     NewActiveSet(opts.MaxActiveUsers),
		sleep:      sleepCtx,
		now:        time.Now,
	}
	s.status.IntervalMs = opts.Interval.Milliseconds()
	return s
}

// Start triggers a cycle every interval until ctx is cancelled, then waits for the cycle in
// flight to finish.
func (s *Scheduler) Start(ctx context.Context) {
	logger := slog.Default().With(slog.String("component", "scrape_scheduler"))
	logger.Info("scrape scheduler starting",
		slog.Duration("interval", s.opts.Interval),
		slog.Int("batch_size", s.opts.BatchSize),
		slog.Duration("batch_delay", s.opts.BatchDelay),
		slog.Bool("run_on_start", s.opts.RunOnStart))

	if s.opts.RunOnStart {
		_ = s.TriggerAsync(ctx)
	}

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			logger.Info("scrape scheduler stopped")
			return
		case <-ticker.C:
			_ = s.TriggerAsync(ctx)
		}
	}
}

// Wait blocks until every cycle started through TriggerAsync has returned.
func (s *Scheduler) Wait() { s.wg.Wait() }

// TriggerAsync starts a cycle in the background. It returns ErrCycleRunning without doing
// anything when a cycle is already in flight. ctx must outlive the cycle.
func (s *Scheduler) TriggerAsync(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		s.skipped(ctx)
		return ErrCycleRunning
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_, _ = s.run(ctx)
	}()
	return nil
}

// RunCycle runs one cycle synchronously and returns the resulting status.
func (s *Scheduler) RunCycle(ctx context.Context) (Status, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.skipped(ctx)
		return s.Status(), ErrCycleRunning
	}
	return s.run(ctx)
}

// Running reports whether a cycle is in flight.
func (s *Scheduler) Running() bool { return s.running.Load() }

// Status returns a copy of the current status. While a cycle runs, ActiveUsersTracked is the
// live size of the active set.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	st := s.status
	s.mu.Unlock()
	if st.IsFetching {
		st.ActiveUsersTracked = s.active.Len()
	}
	return st
}

func (s *Scheduler) skipped(ctx context.Context) {
	telemetry.Inc(telemetry.CyclesSkipped)
	telemetry.LoggerWithCorr(ctx).Warn("skipping scrape cycle, previous cycle still running",
		slog.String("component", "scrape_scheduler"))
}

// run executes a cycle. The caller must have set the running flag.
func (s *Scheduler) run(ctx context.Context) (Status, error) {
	defer s.running.Store(false)

	started := s.now()
	cycleID := uuid.NewString()
	ctx = telemetry.WithCorrelation(ctx, cycleID)
	ctx, span := telemetry.StartSpan(ctx, "scrape", "scrape.cycle", attribute.String("cycle.id", cycleID))
	defer span.End()
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "scrape_cycle"))

	s.mu.Lock()
	s.status.IsFetching = true
	s.status.LastCycleStarted = &started
	s.status.CycleCount++
	s.status.RateLimitsHit = 0
	s.mu.Unlock()
	telemetry.SetFetching(true)
	telemetry.Inc(telemetry.CyclesStarted)
	logger.Info("scrape cycle starting")

	st, err := s.cycle(ctx, logger, cycleID, started)

	ended := s.now()
	dur := ended.Sub(started)
	if telemetry.CycleDuration != nil {
		telemetry.CycleDuration.Observe(dur.Seconds())
	}

	s.mu.Lock()
	s.status.IsFetching = false
	s.status.LastCycleCompleted = &ended
	s.status.LastCycleDurationMs = dur.Milliseconds()
	s.status.LastCycleChannelCount = st.processed
	s.status.TotalChannels = st.total
	s.status.RateLimitsHit = st.rateLimited
	s.status.ActiveUsersTracked = st.active
	s.status.LastError = ""
	if err != nil {
		s.status.LastError = err.Error()
	}
	out := s.status
	s.mu.Unlock()
	telemetry.SetFetching(false)

	attrs := []any{
		slog.Duration("duration", dur),
		slog.Int("channels", st.processed),
		slog.Int("total_channels", st.total),
		slog.Int("rate_limits", st.rateLimited),
		slog.Int("visits", st.visits),
		slog.Int("active_users", st.active),
	}
	if err != nil {
		telemetry.Inc(telemetry.CyclesFailed)
		telemetry.RecordError(span, err)
		logger.Error("scrape cycle failed", append(attrs, slog.Any("err", err), slog.String("class", Classify(err).String()))...)
		return out, err
	}
	if telemetry.LastCycleSuccessTime != nil {
		telemetry.LastCycleSuccessTime.Set(float64(ended.Unix()))
	}
	telemetry.SetSpanSuccess(span)
	logger.Info("scrape cycle completed", attrs...)
	return out, nil
}

func (s *Scheduler) cycle(ctx context.Context, logger *slog.Logger, cycleID string, started time.Time) (cycleStats, error) {
	var st cycleStats

	names, err := s.source.Channels(ctx)
	if err != nil {
		return st, fmt.Errorf("load channel list: %w", err)
	}
	valid := names[:0:0]
	for _, n := range names {
		if ValidChannelName(n) {
			valid = append(valid, n)
		}
	}
	if dropped := len(names) - len(valid); dropped > 0 {
		logger.Warn("filtered invalid channels", slog.Int("dropped", dropped))
	}
	st.total = len(valid)
	batches := partition(valid, s.opts.BatchSize)

	tx, err := s.store.BeginCycle(ctx)
	if err != nil {
		return st, storageErr("begin cycle", err)
	}
	cc := newCycleContext(cycleID, started, tx, s.cache, s.active, s.opts.DedupThreshold)
	defer cc.release()
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			logger.Warn("cycle rollback failed", slog.Any("err", rbErr))
		}
	}()

	logger.Info("processing channels", slog.Int("channels", st.total), slog.Int("batches", len(batches)))
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		n := i + 1
		if n%10 == 1 || n == len(batches) {
			logger.Info("processing batch", slog.Int("batch", n), slog.Int("batches", len(batches)))
		}

		limited := 0
		for _, r := range s.runBatch(ctx, cc, batch) {
			if r.Outcome == OutcomeRateLimited {
				limited++
			}
			st.visits += r.Visits
		}
		st.processed += len(batch)
		st.rateLimited += limited

		if n == len(batches) {
			break
		}
		wait := s.opts.BatchDelay
		if limited > 0 {
			wait = s.opts.RateLimitBackoff
			logger.Warn("rate limit detected, backing off", slog.Int("rate_limited", limited), slog.Duration("backoff", wait))
		}
		if err := s.sleep(ctx, wait); err != nil {
			return st, err
		}
	}

	if err := tx.Commit(); err != nil {
		return st, storageErr("commit", err)
	}
	committed = true

	if d := cc.active.Dropped(); d > 0 {
		logger.Warn("active set full, sightings not tracked", slog.Int("dropped", d))
	}
	ids := cc.active.IDs()
	st.active = len(ids)
	if _, err := s.reconciler.Reconcile(ctx, ids); err != nil {
		return st, err
	}
	if err := s.store.MarkCycleComplete(ctx, s.now()); err != nil {
		logger.Warn("failed to record cycle completion", slog.Any("err", err))
	}
	return st, nil
}

// runBatch fetches every channel in batch concurrently and waits for all of them.
func (s *Scheduler) runBatch(ctx context.Context, cc *CycleContext, batch []string) []Result {
	results := make([]Result, len(batch))
	var g errgroup.Group
	for i, ch := range batch {
		g.Go(func() error {
			results[i] = s.worker.Fetch(ctx, cc, ch)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func partition(names []string, size int) [][]string {
	if size <= 0 {
		size = 1
	}
	var out [][]string
	for i := 0; i < len(names); i += size {
		end := min(i+size, len(names))
		out = append(out, names[i:end])
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
