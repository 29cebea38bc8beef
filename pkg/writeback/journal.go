// Package writeback is the Go-native home for the original's
// WriteBackListener (_examples/original_source/s/writeback_listener.h): a
// client write that arrives at a donor after its critical section opens (or
// after ownership has already moved) is captured with a correlation id
// instead of being dropped, so a router-side caller can later drain and
// replay it against the correct owner (spec.md §7 "Writeback semantics").
package writeback

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
)

// Entry is one captured write awaiting replay.
type Entry struct {
	CorrelationID uuid.UUID
	NS            string
	Doc           bson.M
	At            time.Time
}

// Journal holds writeback entries per namespace. It is standalone: the
// donor Driver holds no Journal and does not call Capture, so entries exist
// only where a caller captures them itself.
type Journal struct {
	mu      sync.Mutex
	entries map[uuid.UUID]Entry
	byNS    map[string][]uuid.UUID
	now     func() time.Time
}

// New constructs an empty Journal. now defaults to time.Now; tests may
// inject a fixed clock.
func New(now func() time.Time) *Journal {
	if now == nil {
		now = time.Now
	}
	return &Journal{
		entries: make(map[uuid.UUID]Entry),
		byNS:    make(map[string][]uuid.UUID),
		now:     now,
	}
}

// Capture records doc as a writeback against ns and returns the correlation
// id the caller should hand back to the client alongside its retry-later
// error (spec.md §7).
func (j *Journal) Capture(ns string, doc bson.M) uuid.UUID {
	id := uuid.New()
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries[id] = Entry{CorrelationID: id, NS: ns, Doc: doc, At: j.now()}
	j.byNS[ns] = append(j.byNS[ns], id)
	return id
}

// Pending returns every unacknowledged entry captured for ns, in capture
// order, for a router to replay against the namespace's current owner.
func (j *Journal) Pending(ns string) []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	ids := j.byNS[ns]
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		if e, ok := j.entries[id]; ok {
			out = append(out, e)
		}
	}
	return out
}

// Ack removes id from the journal once its replay has been confirmed
// committed against the correct owner.
func (j *Journal) Ack(id uuid.UUID) {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.entries[id]
	if !ok {
		return
	}
	delete(j.entries, id)
	list := j.byNS[e.NS]
	for i, c := range list {
		if c == id {
			j.byNS[e.NS] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// WaitFor blocks until id has been acknowledged or ctx-equivalent deadline
// elapses, mirroring the original's WriteBackListener::waitFor — a router
// that just issued a write can poll this before reporting success to its
// own client. Returns false if deadline was reached first.
func (j *Journal) WaitFor(id uuid.UUID, deadline time.Time, poll time.Duration) bool {
	for {
		j.mu.Lock()
		_, pending := j.entries[id]
		j.mu.Unlock()
		if !pending {
			return true
		}
		if j.now().After(deadline) {
			return false
		}
		time.Sleep(poll)
	}
}
