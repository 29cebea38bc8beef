// Package configstore describes the external config-store collaborator
// (spec.md §1): a strongly-consistent small metadata KV/collection store
// providing conditional chunk-record update, monotonic timestamp issuance,
// and a distributed lock keyed by collection namespace. shardkit's core
// depends only on the Store interface; Memory and Etcd are the two
// implementations this module ships.
package configstore

import (
	"context"
	"fmt"
	"time"

	"github.com/metagoto/shardkit/pkg/shardkey"
)

// Version is a per-collection monotonic (major,minor) pair (spec.md §3).
// Major bumps on cross-node ownership moves, minor on donor-side reshuffles.
type Version struct {
	Major uint64
	Minor uint64
}

// Less reports whether v sorts strictly before other.
func (v Version) Less(other Version) bool {
	if v.Major != other.Major {
		return v.Major < other.Major
	}
	return v.Minor < other.Minor
}

// Equal reports component-wise equality.
func (v Version) Equal(other Version) bool {
	return v.Major == other.Major && v.Minor == other.Minor
}

func (v Version) String() string {
	return fmt.Sprintf("(%d,%d)", v.Major, v.Minor)
}

// ChunkRecord is one record of the collection ownership map (spec.md §3, §6):
// one per chunk, keyed by ID, with Owner the data-bearing node holding it and
// LastMod the version ordering timestamp (the chunk's version, compared by
// timestamp).
type ChunkRecord struct {
	ID      string
	NS      string
	Min     shardkey.Key
	Max     shardkey.Key
	Owner   string
	LastMod Version
}

// ChangelogEntry is appended for each moveChunk.{start,commit} event
// (spec.md §6).
type ChangelogEntry struct {
	NS    string
	Min   shardkey.Key
	Max   shardkey.Key
	From  string
	To    string
	Event string
	At    time.Time
}

// Lease represents a held distributed namespace lock, acquired with holder
// identity and a TTL (spec.md §1, §4.3 Phase 2).
type Lease interface {
	// Holder is the identity that acquired this lease.
	Holder() string
	// StillHeld reports whether the lease is still valid, re-verified
	// against the store. The donor driver calls this immediately before
	// the Phase 5 config-store write (spec.md §9 Open Questions: lease
	// expiry policy).
	StillHeld(ctx context.Context) (bool, error)
	// Release gives up the lease early.
	Release(ctx context.Context) error
}

// ErrNotFound is returned by FetchChunk when no record matches.
var ErrNotFound = &notFoundError{}

type notFoundError struct{}

func (*notFoundError) Error() string { return "configstore: chunk record not found" }

// ErrConditionFailed is returned by UpdateChunk when the record's current
// LastMod does not match the expected value passed in (conditional update,
// spec.md §3).
var ErrConditionFailed = &conditionFailedError{}

type conditionFailedError struct{}

func (*conditionFailedError) Error() string { return "configstore: conditional update failed" }

// Store is the config-store contract spec.md §1 requires: conditional
// update, monotonic timestamp issuance, and a namespace-scoped distributed
// lock.
type Store interface {
	// FetchChunk returns the chunk record identified by id, or ErrNotFound.
	FetchChunk(ctx context.Context, ns, id string) (ChunkRecord, error)
	// FetchMaxVersion returns the maximum LastMod across ns's chunk records
	// — the "collection version" of spec.md §3.
	FetchMaxVersion(ctx context.Context, ns string) (Version, error)
	// ListChunks returns every chunk record for ns; no order is defined.
	ListChunks(ctx context.Context, ns string) ([]ChunkRecord, error)
	// UpdateChunk conditionally replaces the record for rec.ID: it succeeds
	// only if the record's current LastMod equals expected (ErrConditionFailed
	// otherwise), matching spec.md §3's "conditional update" requirement.
	UpdateChunk(ctx context.Context, rec ChunkRecord, expected Version) error
	// AppendChangelog appends an audit entry (spec.md §6).
	AppendChangelog(ctx context.Context, e ChangelogEntry) error
	// Now issues a monotonic timestamp (spec.md §1).
	Now(ctx context.Context) (time.Time, error)
	// Lock acquires the namespace-scoped distributed lock with lease-based
	// acquire and holder identity (spec.md §1). On contention it returns
	// *migerr.LockBusy-shaped information via the returned error.
	Lock(ctx context.Context, ns, holder string, ttl time.Duration) (Lease, error)
}
