package scrape

import (
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

// ActiveSet is the bounded set of user ids sighted during the current cycle.
type ActiveSet struct {
	mu      sync.Mutex
	bm      *roaring64.Bitmap
	max     uint64
	dropped int
}

// NewActiveSet returns a set that holds at most max ids.
func NewActiveSet(max int) *ActiveSet {
	if max <= 0 {
		max = 1
	}
	return &ActiveSet{bm: roaring64.New(), max: uint64(max)}
}

// Add inserts id. It returns false when id is not a valid row id or when the set is full
// and id is not already present.
func (s *ActiveSet) Add(id int64) bool {
	if id <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bm.Contains(uint64(id)) {
		return true
	}
	if s.bm.GetCardinality() >= s.max {
		s.dropped++
		return false
	}
	s.bm.Add(uint64(id))
	return true
}

// Len returns the number of ids in the set.
func (s *ActiveSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.bm.GetCardinality())
}

// Dropped returns how many additions were refused because the set was full.
func (s *ActiveSet) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// IDs returns the members in ascending order.
func (s *ActiveSet) IDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw := s.bm.ToArray()
	out := make([]int64, len(raw))
	for i, v := range raw {
		out[i] = int64(v)
	}
	return out
}

// Clear empties the set and resets the drop counter.
func (s *ActiveSet) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bm.Clear()
	s.dropped = 0
}
