package scrape

import (
	"context"
	"time"
)

// DefaultDedupThreshold is the minimum gap between two visits of the same user to the same
// channel.
const DefaultDedupThreshold = 10 * time.Minute

// Recorder appends visits, folding sightings closer than Threshold to the previous visit of
// the same (user, channel) pair into that visit.
type Recorder struct {
	q         Queries
	threshold time.Duration
}

// NewRecorder returns a recorder over q. A non-positive threshold uses the default.
func NewRecorder(q Queries, threshold time.Duration) *Recorder {
	if threshold <= 0 {
		threshold = DefaultDedupThreshold
	}
	return &Recorder{q: q, threshold: threshold}
}

// RecordVisit writes a visit at `at` unless the latest visit for the pair is less than the
// threshold before it. The gap is compared as-is, so a sighting older than the latest visit
// is treated the same way. The user is marked online either way.
// at is truncated to microseconds, the precision Postgres keeps, so a stored visit never
// reads back later than the time it was recorded at.
func (r *Recorder) RecordVisit(ctx context.Context, userID, channelID int64, at time.Time) (bool, error) {
	at = at.Truncate(time.Microsecond)
	prev, ok, err := r.q.LatestVisit(ctx, userID, channelID)
	if err != nil {
		return false, storageErr("latest visit", err)
	}
	inserted := false
	if !ok || at.Sub(prev) >= r.threshold {
		if err := r.q.InsertVisit(ctx, userID, channelID, at); err != nil {
			return false, storageErr("insert visit", err)
		}
		inserted = true
	}
	if err := r.q.MarkOnline(ctx, userID); err != nil {
		return false, storageErr("mark online", err)
	}
	return inserted, nil
}
