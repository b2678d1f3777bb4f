package scrape

import (
	"context"
	"strings"
)

// UnknownName is stored for users reported without a usable display name.
const UnknownName = "Unknown"

type cacheEntry struct {
	channel bool
	key     string
	id      int64
}

// Registry resolves channel names and public user ids to row ids. Cache hits never touch
// the store. Ids found on a miss are staged and only reach the cache through flush, once
// the enclosing unit has been kept.
type Registry struct {
	q      Queries
	cache  *Cache
	staged []cacheEntry
}

// NewRegistry returns a registry over q. cache may be nil.
func NewRegistry(q Queries, cache *Cache) *Registry {
	return &Registry{q: q, cache: cache}
}

// ResolveChannel returns the id of the named channel, creating it on first sight.
func (r *Registry) ResolveChannel(ctx context.Context, name string) (int64, error) {
	if r.cache != nil {
		if id, ok := r.cache.Channel(name); ok {
			return id, nil
		}
	}
	if err := r.q.InsertChannel(ctx, name); err != nil {
		return 0, storageErr("insert channel", err)
	}
	id, err := r.q.ChannelID(ctx, name)
	if err != nil {
		return 0, storageErr("select channel", err)
	}
	r.staged = append(r.staged, cacheEntry{channel: true, key: name, id: id})
	return id, nil
}

// ResolveUser returns the id of the user with publicID, creating it with displayName on
// first sight. A later call with a different name returns the same id and keeps the stored
// name.
func (r *Registry) ResolveUser(ctx context.Context, publicID, displayName string) (int64, error) {
	if r.cache != nil {
		if id, ok := r.cache.User(publicID); ok {
			return id, nil
		}
	}
	if strings.TrimSpace(displayName) == "" {
		displayName = UnknownName
	}
	if err := r.q.InsertUser(ctx, publicID, displayName); err != nil {
		return 0, storageErr("insert user", err)
	}
	id, err := r.q.UserID(ctx, publicID)
	if err != nil {
		return 0, storageErr("select user", err)
	}
	r.staged = append(r.staged, cacheEntry{key: publicID, id: id})
	return id, nil
}

// flush publishes staged ids to the cache.
func (r *Registry) flush() {
	if r.cache != nil {
		for _, e := range r.staged {
			if e.channel {
				r.cache.SetChannel(e.key, e.id)
			} else {
				r.cache.SetUser(e.key, e.id)
			}
		}
	}
	r.staged = r.staged[:0]
}
