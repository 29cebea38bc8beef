// Package storage describes the external local storage engine collaborator
// (spec.md §1): point read by _id, range scan by shard-key index, upsert,
// ranged delete, and index list/create. Memory is the in-memory fake used
// throughout this module's tests, standing in for a real storage engine.
package storage

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/metagoto/shardkit/pkg/shardkey"
)

// CursorID identifies an open client cursor on a collection, consulted by
// Deferred Cleanup's quiescence wait (spec.md §3 "Cursor set").
type CursorID string

// Cursor iterates documents returned by a range scan, in shard-key order.
type Cursor interface {
	Next(ctx context.Context) (bson.M, bool, error)
	Close() error
}

// IndexSpec names an index by the pattern it covers.
type IndexSpec struct {
	Name    string
	Pattern shardkey.Pattern
}

// Engine is the local storage engine contract.
type Engine interface {
	// Get performs a point read by _id.
	Get(ctx context.Context, ns string, id any) (bson.M, bool, error)
	// RangeScan walks ns in shard-key order over [min,max) under pattern.
	RangeScan(ctx context.Context, ns string, min, max shardkey.Key, pattern shardkey.Pattern) (Cursor, error)
	// Upsert inserts or replaces a document by its _id.
	Upsert(ctx context.Context, ns string, doc bson.M) error
	// RangedDelete removes every document in [min,max) under pattern,
	// returning the count removed. origin is threaded through to the
	// mutation tap (spec.md §4.2, §9).
	RangedDelete(ctx context.Context, ns string, min, max shardkey.Key, pattern shardkey.Pattern, origin DeleteOrigin) (int, error)
	// Delete removes a single document by _id, used by the recipient's
	// drainOnce to apply ids the donor reports as deleted.
	Delete(ctx context.Context, ns string, id any, origin DeleteOrigin) error
	// ListIndexes/CreateIndex support the recipient's Clone phase index copy
	// (spec.md §4.4).
	ListIndexes(ctx context.Context, ns string) ([]IndexSpec, error)
	CreateIndex(ctx context.Context, ns string, spec IndexSpec) error
	// OpenCursors returns the ids of client cursors currently open on ns,
	// for Deferred Cleanup's quiescence wait (spec.md §4.6).
	OpenCursors(ns string) []CursorID
}

// DeleteOrigin is passed by the caller (not computed by the engine) so the
// engine can forward it to the mutation tap without the engine itself
// needing to know about tap.Origin — avoiding a storage->tap import cycle
// while still letting tests assert the tap saw the right origin.
type DeleteOrigin int

const (
	DeleteOriginUser DeleteOrigin = iota
	DeleteOriginCleanup
	DeleteOriginReplication
)
