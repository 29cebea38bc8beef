// Package version implements the per-collection chunk-version manager
// (spec.md §4.5): tracking the owned-chunk set and current version, issuing
// version bumps, and answering the write-path staleness check.
package version

import (
	"context"
	"sync"

	"github.com/metagoto/shardkit/pkg/configstore"
	"github.com/metagoto/shardkit/pkg/migerr"
	"github.com/metagoto/shardkit/pkg/shardkey"
)

// WriteVerdict is the result of CheckWrite (spec.md §4.5).
type WriteVerdict int

const (
	Ok WriteVerdict = iota
	VerdictStaleConfig
	VerdictNotOwner
)

type collectionState struct {
	currentVersion configstore.Version
	owned          *IntervalTree
}

// Manager is the per-node, per-collection version/ownership tracker.
type Manager struct {
	mu      sync.RWMutex
	store   configstore.Store
	pattern map[string]shardkey.Pattern
	state   map[string]*collectionState
}

// NewManager returns a Manager that refreshes from store on demand.
func NewManager(store configstore.Store) *Manager {
	return &Manager{
		store:   store,
		pattern: make(map[string]shardkey.Pattern),
		state:   make(map[string]*collectionState),
	}
}

// Register declares ns's shard-key pattern and creates its owned-chunk set
// empty, called once when a collection is first sharded on this node.
func (m *Manager) Register(ns string, pattern shardkey.Pattern) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pattern[ns] = pattern
	m.state[ns] = &collectionState{owned: NewIntervalTree(pattern)}
}

func (m *Manager) stateFor(ns string) *collectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state[ns]
}

// GetVersion returns this node's locally believed version for ns.
func (m *Manager) GetVersion(ns string) configstore.Version {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := m.state[ns]
	if st == nil {
		return configstore.Version{}
	}
	return st.currentVersion
}

// TrySetVersion refreshes ns's local version belief from the config store
// (spec.md §4.5).
func (m *Manager) TrySetVersion(ctx context.Context, ns string) (configstore.Version, error) {
	max, err := m.store.FetchMaxVersion(ctx, ns)
	if err != nil {
		return configstore.Version{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state[ns]
	if st == nil {
		st = &collectionState{owned: NewIntervalTree(m.pattern[ns])}
		m.state[ns] = st
	}
	st.currentVersion = max
	return max, nil
}

// DonateChunk removes [min,max) from the owned set atomically with bumping
// the locally-believed version to newVersion (spec.md §4.5). This is a
// purely local bookkeeping operation: the config-store write is the donor
// driver's job (spec.md §4.3 Phase 5 step 5).
func (m *Manager) DonateChunk(ns string, min, max shardkey.Key, newVersion configstore.Version) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state[ns]
	if st == nil {
		return
	}
	st.owned.Remove(min, max)
	st.currentVersion = newVersion
}

// UndoDonate restores [min,max) to the owned set and rolls the local version
// belief back to oldVersion, the exact inverse of DonateChunk (spec.md §8
// round-trip law: DonateChunk then UndoDonate restores state exactly).
func (m *Manager) UndoDonate(ns string, min, max shardkey.Key, oldVersion configstore.Version) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state[ns]
	if st == nil {
		return
	}
	st.owned.Insert(min, max)
	st.currentVersion = oldVersion
}

// CheckWrite tests whether this node still owns key's chunk, the gate every
// local write path must consult (spec.md §4.5 invariant). A write for a
// chunk this node has donated is refused with VerdictStaleConfig and a
// StaleConfig error naming ns, which the router interprets as "rebuild your
// map, retry the write elsewhere". The error does not carry the current
// version.
func (m *Manager) CheckWrite(ns string, key shardkey.Key) (WriteVerdict, error) {
	st := m.stateFor(ns)
	if st == nil {
		return VerdictNotOwner, &migerr.OwnershipInconsistency{NS: ns, LocalOwner: "", ConfigOwner: "unknown"}
	}
	if !st.owned.Contains(key) {
		return VerdictStaleConfig, &migerr.StaleConfig{NS: ns, Msg: "chunk not owned by this node"}
	}
	return Ok, nil
}

// Owns is a convenience wrapper over CheckWrite for callers that only care
// about the boolean outcome: it reports whether CheckWrite returns Ok, and
// takes the same locks CheckWrite does.
func (m *Manager) Owns(ns string, key shardkey.Key) bool {
	verdict, _ := m.CheckWrite(ns, key)
	return verdict == Ok
}

// Seed directly installs an owned chunk without going through DonateChunk's
// donation semantics — used to establish a node's starting ownership before
// any migration has happened.
func (m *Manager) Seed(ns string, min, max shardkey.Key, v configstore.Version) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state[ns]
	if st == nil {
		st = &collectionState{owned: NewIntervalTree(m.pattern[ns])}
		m.state[ns] = st
	}
	st.owned.Insert(min, max)
	if st.currentVersion.Less(v) {
		st.currentVersion = v
	}
}
