package rpc

import "context"

// RecipientTransport is the set of control RPCs a donor issues against a
// recipient (spec.md §6: _recvChunkStart, _recvChunkStatus, _recvChunkCommit,
// _recvChunkAbort).
type RecipientTransport interface {
	RecvChunkStart(ctx context.Context, req RecvChunkStartRequest) (RecvChunkStartResponse, error)
	RecvChunkStatus(ctx context.Context, req RecvChunkStatusRequest) (RecvChunkStatusResponse, error)
	RecvChunkCommit(ctx context.Context, req RecvChunkCommitRequest) (RecvChunkCommitResponse, error)
	RecvChunkAbort(ctx context.Context, req RecvChunkAbortRequest) (RecvChunkAbortResponse, error)
}

// DonorTransport is the set of control RPCs a recipient issues against a
// donor to pull chunk contents and catch-up deltas (spec.md §6:
// _migrateClone, _transferMods).
type DonorTransport interface {
	MigrateClone(ctx context.Context, req MigrateCloneRequest) (MigrateCloneResponse, error)
	TransferMods(ctx context.Context, req TransferModsRequest) (TransferModsResponse, error)
}
