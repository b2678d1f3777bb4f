package scrape

import (
	"encoding/binary"

	"github.com/coocood/freecache"
)

// minCacheBytes is the smallest size freecache accepts without rounding up.
const minCacheBytes = 512 * 1024

// Cache maps channel names and public user ids to row ids for the duration of a cycle.
// It is safe for concurrent use. Entries never expire on their own; Clear drops them at
// cycle end.
type Cache struct {
	fc *freecache.Cache
}

// NewCache allocates a cache of roughly sizeBytes.
func NewCache(sizeBytes int) *Cache {
	if sizeBytes < minCacheBytes {
		sizeBytes = minCacheBytes
	}
	return &Cache{fc: freecache.NewCache(sizeBytes)}
}

func channelKey(name string) []byte  { return []byte("c:" + name) }
func userKey(publicID string) []byte { return []byte("u:" + publicID) }

func (c *Cache) get(key []byte) (int64, bool) {
	v, err := c.fc.Get(key)
	if err != nil || len(v) != 8 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(v)), true
}

func (c *Cache) set(key []byte, id int64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(id))
	// a failed set only costs a lookup later
	_ = c.fc.Set(key, buf[:], 0)
}

// Channel returns the cached id for a channel name.
func (c *Cache) Channel(name string) (int64, bool) { return c.get(channelKey(name)) }

// SetChannel caches a channel id.
func (c *Cache) SetChannel(name string, id int64) { c.set(channelKey(name), id) }

// User returns the cached id for a public user id.
func (c *Cache) User(publicID string) (int64, bool) { return c.get(userKey(publicID)) }

// SetUser caches a user id.
func (c *Cache) SetUser(publicID string, id int64) { c.set(userKey(publicID), id) }

// Len reports the number of cached entries.
func (c *Cache) Len() int64 { return c.fc.EntryCount() }

// Clear drops every entry.
func (c *Cache) Clear() { c.fc.Clear() }
