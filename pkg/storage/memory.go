package storage

import (
	"context"
	"sort"
	"sync"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/metagoto/shardkit/pkg/shardkey"
	"github.com/metagoto/shardkit/pkg/tap"
)

// Memory is an in-memory Engine, storing documents keyed by _id per
// namespace. It invokes the mutation tap hook once per committed write.
// Memory guards all namespaces with a single mutex, and the tap hook runs
// after that mutex has been released, not while it is held.
type Memory struct {
	mu      sync.Mutex
	docs    map[string]map[any]bson.M // ns -> id -> doc
	tap     *tap.Tap
	cursors map[string][]CursorID
}

// NewMemory returns an empty store. t may be nil if no migration is ever
// active against it (tap.Record is a no-op with no active buffer anyway,
// but tests that don't exercise migration at all can skip wiring one up).
func NewMemory(t *tap.Tap) *Memory {
	return &Memory{
		docs:    make(map[string]map[any]bson.M),
		tap:     t,
		cursors: make(map[string][]CursorID),
	}
}

func cloneDoc(doc bson.M) bson.M {
	out := make(bson.M, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

func (m *Memory) Get(ctx context.Context, ns string, id any) (bson.M, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[ns][id]
	if !ok {
		return nil, false, nil
	}
	return cloneDoc(doc), true, nil
}

type memCursor struct {
	docs []bson.M
	i    int
}

func (c *memCursor) Next(ctx context.Context) (bson.M, bool, error) {
	if c.i >= len(c.docs) {
		return nil, false, nil
	}
	d := c.docs[c.i]
	c.i++
	return d, true, nil
}

func (c *memCursor) Close() error { return nil }

func (m *Memory) RangeScan(ctx context.Context, ns string, min, max shardkey.Key, pattern shardkey.Pattern) (Cursor, error) {
	m.mu.Lock()
	var matched []bson.M
	for _, doc := range m.docs[ns] {
		if shardkey.InRange(doc, min, max, pattern) {
			matched = append(matched, cloneDoc(doc))
		}
	}
	m.mu.Unlock()
	sort.Slice(matched, func(i, j int) bool {
		ki := shardkey.Project(matched[i], pattern)
		kj := shardkey.Project(matched[j], pattern)
		return ki.Compare(kj, pattern) < 0
	})
	return &memCursor{docs: matched}, nil
}

func (m *Memory) Upsert(ctx context.Context, ns string, doc bson.M) error {
	id, ok := doc["_id"]
	if !ok {
		return errMissingID
	}
	m.mu.Lock()
	if m.docs[ns] == nil {
		m.docs[ns] = make(map[any]bson.M)
	}
	_, existed := m.docs[ns][id]
	m.docs[ns][id] = cloneDoc(doc)
	m.mu.Unlock()

	if m.tap != nil {
		op := tap.OpInsert
		if existed {
			op = tap.OpUpdate
		}
		m.tap.Record(tap.OriginUser, op, ns, id, doc)
	}
	return nil
}

func (m *Memory) Delete(ctx context.Context, ns string, id any, origin DeleteOrigin) error {
	m.mu.Lock()
	delete(m.docs[ns], id)
	m.mu.Unlock()
	if m.tap != nil {
		m.tap.Record(toTapOrigin(origin), tap.OpDelete, ns, id, nil)
	}
	return nil
}

func (m *Memory) RangedDelete(ctx context.Context, ns string, min, max shardkey.Key, pattern shardkey.Pattern, origin DeleteOrigin) (int, error) {
	m.mu.Lock()
	var ids []any
	for id, doc := range m.docs[ns] {
		if shardkey.InRange(doc, min, max, pattern) {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		delete(m.docs[ns], id)
	}
	m.mu.Unlock()

	if m.tap != nil {
		for _, id := range ids {
			m.tap.Record(toTapOrigin(origin), tap.OpDelete, ns, id, nil)
		}
	}
	return len(ids), nil
}

func toTapOrigin(o DeleteOrigin) tap.Origin {
	switch o {
	case DeleteOriginCleanup:
		return tap.OriginCleanup
	case DeleteOriginReplication:
		return tap.OriginReplication
	default:
		return tap.OriginUser
	}
}

func (m *Memory) ListIndexes(ctx context.Context, ns string) ([]IndexSpec, error) {
	return nil, nil
}

func (m *Memory) CreateIndex(ctx context.Context, ns string, spec IndexSpec) error {
	return nil
}

func (m *Memory) OpenCursors(ns string) []CursorID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CursorID, len(m.cursors[ns]))
	copy(out, m.cursors[ns])
	return out
}

// OpenCursor registers a synthetic open cursor id on ns, for tests driving
// the cursor-quiescence wait of spec.md §4.6.
func (m *Memory) OpenCursor(ns string, id CursorID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[ns] = append(m.cursors[ns], id)
}

// CloseCursor removes id from ns's open-cursor set.
func (m *Memory) CloseCursor(ns string, id CursorID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.cursors[ns]
	for i, c := range list {
		if c == id {
			m.cursors[ns] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Count returns the number of documents stored for ns, for test assertions.
func (m *Memory) Count(ns string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs[ns])
}

type missingIDError struct{}

func (missingIDError) Error() string { return "storage: document missing _id" }

var errMissingID = missingIDError{}
