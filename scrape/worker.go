package scrape

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/visit-tracker/telemetry"
	"github.com/onnwee/visit-tracker/upstream"
)

// DefaultFetchTimeout bounds a single upstream request.
const DefaultFetchTimeout = 5 * time.Second

// Fetcher returns the users currently online in a channel.
type Fetcher interface {
	OnlineUsers(ctx context.Context, channel string) (*upstream.OnlineUsers, error)
}

// Outcome classifies one channel fetch.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeEmpty
	OutcomeInvalid
	OutcomeRateLimited
	OutcomeFailed
	OutcomeTimedOut
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeEmpty:
		return "empty"
	case OutcomeInvalid:
		return "invalid"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeFailed:
		return "failed"
	case OutcomeTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Result is what a worker reports for one channel.
type Result struct {
	Channel   string
	Outcome   Outcome
	Sightings int // users in the payload
	Recorded  int // sightings written without error
	Visits    int // new visit rows
	Err       error
}

// ValidChannelName reports whether name is non-blank after trimming.
func ValidChannelName(name string) bool { return strings.TrimSpace(name) != "" }

// Worker fetches one channel and feeds its sightings through the registry and recorder.
type Worker struct {
	fetcher Fetcher
	timeout time.Duration
	now     func() time.Time
}

// NewWorker returns a worker. A non-positive timeout uses DefaultFetchTimeout.
func NewWorker(f Fetcher, timeout time.Duration) *Worker {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	return &Worker{fetcher: f, timeout: timeout, now: time.Now}
}

// Fetch processes a single channel within cc. Errors are reported in the Result and never
// escape to the caller; storage writes use ctx, not the request deadline.
func (w *Worker) Fetch(ctx context.Context, cc *CycleContext, channel string) Result {
	res := Result{Channel: channel}
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "scrape_fetch"), slog.String("channel", channel))

	name := strings.TrimSpace(channel)
	if name == "" {
		res.Outcome = OutcomeInvalid
		res.Err = &ValidationError{Channel: channel, Reason: "blank name"}
		logger.Debug("skipping invalid channel")
		telemetry.CountFetch(res.Outcome.String())
		return res
	}

	ctx, span := telemetry.StartSpan(ctx, "scrape", "scrape.fetch", attribute.String("channel", name))
	defer span.End()

	var (
		payload *upstream.OnlineUsers
		err     error
	)
	elapsed := telemetry.TimeFunc(telemetry.FetchDuration, func() {
		fctx, cancel := context.WithTimeout(ctx, w.timeout)
		defer cancel()
		payload, err = w.fetcher.OnlineUsers(fctx, name)
	})
	if err != nil {
		res.Outcome, res.Err = w.classify(ctx, name, err)
		telemetry.CountFetch(res.Outcome.String())
		telemetry.RecordError(span, res.Err)
		switch res.Outcome {
		case OutcomeRateLimited:
			telemetry.Inc(telemetry.RateLimitsHit)
			logger.Warn("upstream rate limited")
		case OutcomeTimedOut:
			logger.Warn("upstream fetch timed out", slog.Duration("timeout", w.timeout))
		default:
			logger.Warn("upstream fetch failed", slog.Any("err", err), slog.String("class", Classify(res.Err).String()))
		}
		return res
	}

	if payload.Empty() {
		res.Outcome = OutcomeEmpty
		telemetry.CountFetch(res.Outcome.String())
		telemetry.SetSpanSuccess(span)
		return res
	}
	if payload.Skipped > 0 {
		logger.Debug("skipped malformed sightings", slog.Int("skipped", payload.Skipped))
	}

	at := w.now().UTC()
	var channelID int64
	err = cc.unit(ctx, func(reg *Registry, _ *Recorder) error {
		id, err := reg.ResolveChannel(ctx, name)
		channelID = id
		return err
	})
	if err != nil {
		res.Outcome, res.Err = OutcomeFailed, err
		telemetry.CountFetch(res.Outcome.String())
		telemetry.RecordError(span, err)
		logger.Error("resolve channel failed", slog.Any("err", err))
		return res
	}

	for _, s := range payload.Users {
		res.Sightings++
		var (
			userID   int64
			inserted bool
		)
		err := cc.unit(ctx, func(reg *Registry, rec *Recorder) error {
			id, err := reg.ResolveUser(ctx, s.PublicID, s.DisplayName())
			if err != nil {
				return err
			}
			userID = id
			inserted, err = rec.RecordVisit(ctx, id, channelID, at)
			return err
		})
		if err != nil {
			telemetry.Inc(telemetry.SightingErrors)
			logger.Warn("sighting skipped", slog.String("public_id", s.PublicID), slog.Any("err", err))
			continue
		}
		res.Recorded++
		if inserted {
			res.Visits++
			telemetry.Inc(telemetry.VisitsInserted)
		} else {
			telemetry.Inc(telemetry.SightingsDeduped)
		}
		if !cc.track(userID) {
			telemetry.Inc(telemetry.ActiveSetOverflow)
		}
	}

	res.Outcome = OutcomeSuccess
	telemetry.CountFetch(res.Outcome.String())
	telemetry.SetSpanSuccess(span)
	logger.Debug("channel processed",
		slog.Int("sightings", res.Sightings),
		slog.Int("recorded", res.Recorded),
		slog.Int("visits", res.Visits),
		slog.Duration("fetch_duration", elapsed))
	return res
}

// classify maps a fetch error to an outcome. A deadline only counts as a timeout while the
// cycle itself is still live.
func (w *Worker) classify(ctx context.Context, name string, err error) (Outcome, error) {
	switch {
	case errors.Is(err, upstream.ErrRateLimited):
		return OutcomeRateLimited, err
	case ctx.Err() == nil && isTimeout(err):
		return OutcomeTimedOut, &NetworkTimeoutError{Channel: name, Err: err}
	default:
		return OutcomeFailed, fmt.Errorf("fetch %q: %w", name, err)
	}
}
