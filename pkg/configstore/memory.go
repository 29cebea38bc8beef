package configstore

import (
	"context"
	"sync"
	"time"

	"github.com/metagoto/shardkit/pkg/migerr"
)

// Memory is an in-memory Store, used by tests and by the in-process
// two-party simulations that exercise the donor/recipient protocol without a
// real config-store deployment.
type Memory struct {
	mu        sync.Mutex
	chunks    map[string]map[string]ChunkRecord // ns -> id -> record
	changelog []ChangelogEntry
	locks     map[string]*memoryLease // ns -> held lease
	clock     func() time.Time
}

// NewMemory returns an empty Memory store using time.Now for Now().
func NewMemory() *Memory {
	return &Memory{
		chunks: make(map[string]map[string]ChunkRecord),
		locks:  make(map[string]*memoryLease),
		clock:  time.Now,
	}
}

// Put seeds a chunk record directly, bypassing the conditional-update check.
// Used by tests to establish the starting ownership map.
func (m *Memory) Put(rec ChunkRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.chunks[rec.NS] == nil {
		m.chunks[rec.NS] = make(map[string]ChunkRecord)
	}
	m.chunks[rec.NS][rec.ID] = rec
}

func (m *Memory) FetchChunk(ctx context.Context, ns, id string) (ChunkRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs, ok := m.chunks[ns]
	if !ok {
		return ChunkRecord{}, ErrNotFound
	}
	rec, ok := recs[id]
	if !ok {
		return ChunkRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) FetchMaxVersion(ctx context.Context, ns string) (Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var max Version
	for _, rec := range m.chunks[ns] {
		if rec.LastMod.Major > max.Major || (rec.LastMod.Major == max.Major && rec.LastMod.Minor > max.Minor) {
			max = rec.LastMod
		}
	}
	return max, nil
}

func (m *Memory) ListChunks(ctx context.Context, ns string) ([]ChunkRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ChunkRecord, 0, len(m.chunks[ns]))
	for _, rec := range m.chunks[ns] {
		out = append(out, rec)
	}
	return out, nil
}

func (m *Memory) UpdateChunk(ctx context.Context, rec ChunkRecord, expected Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.chunks[rec.NS]
	if recs == nil {
		recs = make(map[string]ChunkRecord)
		m.chunks[rec.NS] = recs
	}
	current, exists := recs[rec.ID]
	if exists && !current.LastMod.Equal(expected) {
		return ErrConditionFailed
	}
	recs[rec.ID] = rec
	return nil
}

func (m *Memory) AppendChangelog(ctx context.Context, e ChangelogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changelog = append(m.changelog, e)
	return nil
}

// Changelog returns a snapshot of appended entries, for test assertions.
func (m *Memory) Changelog() []ChangelogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ChangelogEntry, len(m.changelog))
	copy(out, m.changelog)
	return out
}

func (m *Memory) Now(ctx context.Context) (time.Time, error) {
	return m.clock(), nil
}

type memoryLease struct {
	store   *Memory
	ns      string
	holder  string
	expires time.Time
}

func (m *Memory) Lock(ctx context.Context, ns, holder string, ttl time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	if existing, ok := m.locks[ns]; ok && existing.expires.After(now) {
		return nil, &migerr.LockBusy{NS: ns, Holder: existing.holder}
	}
	lease := &memoryLease{store: m, ns: ns, holder: holder, expires: now.Add(ttl)}
	m.locks[ns] = lease
	return lease, nil
}

func (l *memoryLease) Holder() string { return l.holder }

func (l *memoryLease) StillHeld(ctx context.Context) (bool, error) {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	cur, ok := l.store.locks[l.ns]
	if !ok || cur != l {
		return false, nil
	}
	return cur.expires.After(l.store.clock()), nil
}

func (l *memoryLease) Release(ctx context.Context) error {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	if cur, ok := l.store.locks[l.ns]; ok && cur == l {
		delete(l.store.locks, l.ns)
	}
	return nil
}

// Expire forcibly expires ns's current lease, used by tests to exercise the
// lease-expiry-mid-migration policy (spec.md §9 Open Questions).
func (m *Memory) Expire(ns string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.locks[ns]; ok {
		l.expires = m.clock().Add(-time.Second)
	}
}

