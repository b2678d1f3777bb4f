// Package scrape implements the ingestion pipeline: periodic cycles that poll the upstream
// online-users API per channel, resolve channels and users to stable ids, record deduplicated
// visits and reconcile the online flag of every user at the end of the cycle.
package scrape

import (
	"context"
	"time"
)

// Queries are the row-level operations a single sighting needs. Implementations run them
// inside the cycle transaction.
type Queries interface {
	// InsertChannel creates the channel row unless one with that name exists.
	InsertChannel(ctx context.Context, name string) error
	ChannelID(ctx context.Context, name string) (int64, error)
	// InsertUser creates the user row unless one with that public id exists. An existing
	// row keeps its name.
	InsertUser(ctx context.Context, publicID, name string) error
	UserID(ctx context.Context, publicID string) (int64, error)
	// LatestVisit returns the most recent visit timestamp for the pair, ok=false when none.
	LatestVisit(ctx context.Context, userID, channelID int64) (at time.Time, ok bool, err error)
	InsertVisit(ctx context.Context, userID, channelID int64, at time.Time) error
	MarkOnline(ctx context.Context, userID int64) error
}

// CycleTx is the single durable transaction spanning one cycle.
type CycleTx interface {
	// Isolate runs fn as one unit inside the transaction. When fn fails, its writes are
	// undone and the transaction stays usable for the next unit.
	Isolate(ctx context.Context, fn func(Queries) error) error
	Commit() error
	Rollback() error
}

// ReconcileResult reports how many users changed state.
type ReconcileResult struct {
	TurnedOnline  int64
	TurnedOffline int64
}

// Store is the durable side of the pipeline.
type Store interface {
	BeginCycle(ctx context.Context) (CycleTx, error)
	// Reconcile makes exactly the given users online. An empty set turns everyone offline.
	Reconcile(ctx context.Context, activeIDs []int64) (ReconcileResult, error)
	// MarkCycleComplete records the time of the last committed cycle.
	MarkCycleComplete(ctx context.Context, at time.Time) error
}

// ChannelSource supplies the ordered channel list at the start of every cycle.
type ChannelSource interface {
	Channels(ctx context.Context) ([]string, error)
}
