// Package tap implements the mutation tap: the hook invoked under the
// collection write lock for every committed write, recording id-level
// mutations that fall in an active migration's range so the recipient can
// replay them (spec.md §4.2).
package tap

import (
	"sync"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/metagoto/shardkit/pkg/shardkey"
)

// Op is the kind of write the tap was invoked for.
type Op int

const (
	OpInsert Op = iota
	OpUpdate
	OpDelete
)

// Origin replaces the teacher-language's thread-identity comparison (spec.md
// §9, "Thread-identity-based tap suppression") with an explicit context
// flag threaded through the write call path.
type Origin int

const (
	OriginUser Origin = iota
	OriginCleanup
	OriginReplication
)

// recordOverhead is the per-entry constant added to a recorded id's own size
// when accounting bytes_buffered (spec.md §4.2). The spec leaves the exact
// overhead implementer-chosen (spec.md §9 Open Questions); downstream
// consumers must not depend on this specific value.
const recordOverhead = 64

// Buffer accumulates the id-lists of inserts/updates/deletes observed for
// one active migration's range.
type Buffer struct {
	mu      sync.Mutex
	ns      string
	min     shardkey.Key
	max     shardkey.Key
	pattern shardkey.Pattern

	deleted []any
	reload  []any
	seen    map[any]int // id -> index into reload, for the "thrashing rewrite" dedup

	bytesBuffered int64
}

func newBuffer(ns string, min, max shardkey.Key, pattern shardkey.Pattern) *Buffer {
	return &Buffer{
		ns:      ns,
		min:     min,
		max:     max,
		pattern: pattern,
		seen:    make(map[any]int),
	}
}

// BytesBuffered returns the current accounted size of the buffer, exposed to
// the donor driver so it can enforce the abort ceiling (spec.md §4.2, §4.3
// Phase 4).
func (b *Buffer) BytesBuffered() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytesBuffered
}

func idSize(id any) int64 {
	switch v := id.(type) {
	case string:
		return int64(len(v))
	default:
		_ = v
		return 16 // fixed-size ids (ObjectID, int64, uuid) default estimate
	}
}

// recordDelete unconditionally records a deleted id: the document body is
// gone, so it cannot be range-tested (spec.md §4.2).
func (b *Buffer) recordDelete(id any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = append(b.deleted, id)
	b.bytesBuffered += idSize(id) + recordOverhead
}

// recordReload records id on the reload list, deduplicating a repeated id so
// a thrashing rewrite of the same document collapses into a single re-copy
// (spec.md §4.2 Rationale).
func (b *Buffer) recordReload(id any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.seen[id]; ok {
		return
	}
	b.seen[id] = len(b.reload)
	b.reload = append(b.reload, id)
	b.bytesBuffered += idSize(id) + recordOverhead
}

// Drain removes and returns buffered entries, filling first from deleted ids
// then from reload ids, until the byte budget maxBytes is met or the buffers
// are empty. It is used by the donor's _transferMods handler (spec.md §4.4
// Delta payload size cap).
func (b *Buffer) Drain(maxBytes int64) (deleted, reload []any, bytes int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	take := func(list *[]any) []any {
		var out []any
		var used int64
		i := 0
		for i < len(*list) {
			sz := idSize((*list)[i]) + recordOverhead
			if bytes+used+sz > maxBytes && len(out) > 0 {
				break
			}
			out = append(out, (*list)[i])
			used += sz
			i++
		}
		*list = (*list)[i:]
		bytes += used
		return out
	}
	deleted = take(&b.deleted)
	if bytes < maxBytes {
		reload = take(&b.reload)
	}
	// Rebuild the dedup index for whatever remains.
	b.seen = make(map[any]int, len(b.reload))
	for i, id := range b.reload {
		b.seen[id] = i
	}
	b.bytesBuffered -= bytes
	if b.bytesBuffered < 0 {
		b.bytesBuffered = 0
	}
	return deleted, reload, bytes
}

// Empty reports whether both buffers have been fully drained.
func (b *Buffer) Empty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.deleted) == 0 && len(b.reload) == 0
}

// Tap is installed once per node and dispatches every committed write to
// whichever namespace's Buffer is active, if any.
type Tap struct {
	mu      sync.RWMutex
	buffers map[string]*Buffer
}

// New returns an installed, empty Tap.
func New() *Tap {
	return &Tap{buffers: make(map[string]*Buffer)}
}

// Activate installs a Buffer for ns, beginning accumulation for a migration
// of [min,max). The donor driver calls it at Phase 3 before its range scan,
// so writes landing during the scan are recorded (spec.md §4.3).
func (t *Tap) Activate(ns string, min, max shardkey.Key, pattern shardkey.Pattern) *Buffer {
	t.mu.Lock()
	defer t.mu.Unlock()
	buf := newBuffer(ns, min, max, pattern)
	t.buffers[ns] = buf
	return buf
}

// Deactivate removes the buffer for ns, called when a migration completes or
// aborts.
func (t *Tap) Deactivate(ns string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.buffers, ns)
}

func (t *Tap) bufferFor(ns string) *Buffer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.buffers[ns]
}

// Record is the hook contract of spec.md §4.2, invoked under the collection
// write lock exactly once per committed write. It never returns an error:
// ceiling enforcement belongs to the donor driver, which reads
// Buffer.BytesBuffered() out of band.
//
// doc is the full document for an insert, or the post-update document for an
// update (the caller re-reads it by the update filter's _id before calling
// Record, per spec.md §4.2). id is used directly for a delete, where there is
// no document body left to range-test.
func (t *Tap) Record(origin Origin, op Op, ns string, id any, doc bson.M) {
	buf := t.bufferFor(ns)
	if buf == nil {
		return
	}
	switch op {
	case OpDelete:
		if origin == OriginCleanup {
			// We are not ceding something we are cleaning; deferred cleanup's
			// own deletes must not feed back into a parallel migration buffer.
			return
		}
		buf.recordDelete(id)
	case OpInsert:
		if shardkey.InRange(doc, buf.min, buf.max, buf.pattern) {
			buf.recordReload(id)
		}
	case OpUpdate:
		// Caller has already re-read doc post-update by the filter's _id; if
		// it no longer exists, doc is nil and we drop it (the delete path,
		// if any, handles removal separately).
		if doc != nil && shardkey.InRange(doc, buf.min, buf.max, buf.pattern) {
			buf.recordReload(id)
		}
	}
}

// BufferFor exposes the active buffer for ns, or nil if no migration is
// active. (The donor driver keeps the *Buffer that Activate returned and
// polls and drains that directly.)
func (t *Tap) BufferFor(ns string) *Buffer {
	return t.bufferFor(ns)
}
