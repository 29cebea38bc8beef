package version

import (
	"sort"

	"github.com/metagoto/shardkit/pkg/shardkey"
)

// interval is a half-open [Min,Max) range kept in the owned-chunk set of a
// collection. No interval-tree library appears anywhere in the retrieval
// pack (see DESIGN.md); this is a small sorted-slice structure, not a
// general-purpose augmented tree, since the only operations needed are
// membership test, insertion, and removal of a known sub-range.
type interval struct {
	min, max shardkey.Key
}

// IntervalTree tracks the set of shard-key ranges a node currently owns for
// one collection. Despite the name (kept for continuity with spec.md §4.5's
// "owned_chunks: interval-tree"), it is implemented as a sorted slice kept
// ordered by Min; collection-scoped owned-chunk sets are small (tens to low
// thousands of chunks), so O(n) insert/remove is not a practical concern.
type IntervalTree struct {
	pattern   shardkey.Pattern
	intervals []interval
}

// NewIntervalTree returns an empty owned-chunk set for the given shard-key
// pattern.
func NewIntervalTree(pattern shardkey.Pattern) *IntervalTree {
	return &IntervalTree{pattern: pattern}
}

// Insert adds [min,max) to the owned set.
func (t *IntervalTree) Insert(min, max shardkey.Key) {
	iv := interval{min: min, max: max}
	i := sort.Search(len(t.intervals), func(i int) bool {
		return t.intervals[i].min.Compare(min, t.pattern) >= 0
	})
	t.intervals = append(t.intervals, interval{})
	copy(t.intervals[i+1:], t.intervals[i:])
	t.intervals[i] = iv
}

// Remove removes [min,max) from the owned set. It is a no-op if the exact
// interval is not present (donate_chunk always removes a whole owned chunk,
// never a sub-range, per spec.md §4.5).
func (t *IntervalTree) Remove(min, max shardkey.Key) bool {
	for i, iv := range t.intervals {
		if iv.min.Compare(min, t.pattern) == 0 && iv.max.Compare(max, t.pattern) == 0 {
			t.intervals = append(t.intervals[:i], t.intervals[i+1:]...)
			return true
		}
	}
	return false
}

// Contains reports whether key falls within any owned interval.
func (t *IntervalTree) Contains(key shardkey.Key) bool {
	for _, iv := range t.intervals {
		if shardkey.KeyInRange(key, iv.min, iv.max, t.pattern) {
			return true
		}
	}
	return false
}

// Len returns the number of owned chunks.
func (t *IntervalTree) Len() int {
	return len(t.intervals)
}
