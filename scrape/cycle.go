package scrape

import (
	"context"
	"sync"
	"time"
)

// CycleContext is the state owned by one running cycle: its transaction, id cache and
// active-ids set. It is created when the cycle starts and released when it ends.
type CycleContext struct {
	ID      string
	Started time.Time

	tx        CycleTx
	cache     *Cache
	active    *ActiveSet
	threshold time.Duration

	// mu serialises units on the shared transaction.
	mu sync.Mutex
}

func newCycleContext(id string, started time.Time, tx CycleTx, cache *Cache, active *ActiveSet, threshold time.Duration) *CycleContext {
	return &CycleContext{
		ID:        id,
		Started:   started,
		tx:        tx,
		cache:     cache,
		active:    active,
		threshold: threshold,
	}
}

// unit runs fn as one isolated write unit. Ids resolved inside fn are cached only when the
// unit is kept.
func (cc *CycleContext) unit(ctx context.Context, fn func(reg *Registry, rec *Recorder) error) error {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	var reg *Registry
	err := cc.tx.Isolate(ctx, func(q Queries) error {
		reg = NewRegistry(q, cc.cache)
		return fn(reg, NewRecorder(q, cc.threshold))
	})
	if err != nil {
		return err
	}
	if reg != nil {
		reg.flush()
	}
	return nil
}

// track adds a sighted user to the active set.
func (cc *CycleContext) track(userID int64) bool { return cc.active.Add(userID) }

// release clears the cache and active set so nothing leaks into the next cycle.
func (cc *CycleContext) release() {
	cc.cache.Clear()
	cc.active.Clear()
}
