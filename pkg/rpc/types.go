// Package rpc defines the seven control RPCs of the migration protocol
// (spec.md §6) as typed request/reply structs, a Transport contract per
// direction, an in-process transport for tests, and a real grpc-backed
// transport for production use.
package rpc

import (
	"go.mongodb.org/mongo-driver/bson"

	"github.com/metagoto/shardkit/pkg/configstore"
	"github.com/metagoto/shardkit/pkg/shardkey"
)

// MoveChunkRequest is the admin-database moveChunk command (router/balancer
// -> donor).
type MoveChunkRequest struct {
	NS             string
	Min            shardkey.Key
	Max            shardkey.Key
	From           string
	To             string
	ChunkID        string
	ConfigEndpoint string
}

// MoveChunkResponse is moveChunk's reply.
type MoveChunkResponse struct {
	OK     bool
	Errmsg string
	Split  bool
}

// RecvChunkStartRequest is _recvChunkStart (donor -> recipient).
type RecvChunkStartRequest struct {
	NS             string
	From           string
	Min            shardkey.Key
	Max            shardkey.Key
	ConfigEndpoint string
}

// RecvChunkStartResponse is _recvChunkStart's reply.
type RecvChunkStartResponse struct {
	Started bool
	OK      bool
	Errmsg  string
}

// RecvChunkStatusRequest is _recvChunkStatus (donor -> recipient); it carries
// no fields.
type RecvChunkStatusRequest struct{}

// RecvChunkStatusResponse is _recvChunkStatus's reply, reporting the
// recipient's current state and progress counters (spec.md §3 "Pending
// migration state (recipient)").
type RecvChunkStatusResponse struct {
	State       string
	NumCloned   int64
	BytesCloned int64
	NumCatchup  int64
	NumSteady   int64
	Errmsg      string
}

// RecvChunkCommitRequest is _recvChunkCommit (donor -> recipient); it
// carries no fields.
type RecvChunkCommitRequest struct{}

// RecvChunkCommitResponse is _recvChunkCommit's reply.
type RecvChunkCommitResponse struct {
	State string
	OK    bool
}

// RecvChunkAbortRequest is _recvChunkAbort (donor -> recipient); it carries
// no fields.
type RecvChunkAbortRequest struct{}

// RecvChunkAbortResponse is _recvChunkAbort's reply.
type RecvChunkAbortResponse struct {
	OK bool
}

// MigrateCloneRequest is _migrateClone (recipient -> donor); it carries no
// fields (the donor walks its own clone_locs set).
type MigrateCloneRequest struct{}

// MigrateCloneResponse is _migrateClone's reply: a batch of whole documents
// capped at a per-message payload limit (spec.md §4.4).
type MigrateCloneResponse struct {
	Objects []bson.M
	Size    int64
}

// TransferModsRequest is _transferMods (recipient -> donor); it carries no
// fields.
type TransferModsRequest struct{}

// TransferModsResponse is _transferMods's reply: a batch of deleted ids and
// reloaded documents, capped at a per-message payload limit (spec.md §4.4).
type TransferModsResponse struct {
	Deleted []any
	Reload  []bson.M
	Size    int64
}

// ChunkVersion mirrors configstore.Version for wire payloads that should not
// import configstore directly into a generated client stub; kept as a type
// alias here since this module has no generated stubs, but named distinctly
// so the wire shape is visible at a glance.
type ChunkVersion = configstore.Version
