package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/metagoto/shardkit/pkg/migerr"
)

// method names used on the wire, one per control RPC (spec.md §6).
const (
	methodRecvChunkStart  = "/shardkit.rpc.Recipient/RecvChunkStart"
	methodRecvChunkStatus = "/shardkit.rpc.Recipient/RecvChunkStatus"
	methodRecvChunkCommit = "/shardkit.rpc.Recipient/RecvChunkCommit"
	methodRecvChunkAbort  = "/shardkit.rpc.Recipient/RecvChunkAbort"
	methodMigrateClone    = "/shardkit.rpc.Donor/MigrateClone"
	methodTransferMods    = "/shardkit.rpc.Donor/TransferMods"
)

// GRPCClient is a RecipientTransport and DonorTransport backed by a real
// grpc.ClientConn. There is no generated service stub for this protocol
// (spec.md ships no .proto), so each request/reply pair is marshaled to
// JSON, base64-wrapped as a single field of a google.protobuf.Struct, and
// invoked through conn.Invoke directly rather than through generated client
// code — the same shape grpc-go's generated stubs produce under the hood,
// without needing a protoc-generated .pb.go checked in.
type GRPCClient struct {
	conn *grpc.ClientConn
}

// NewGRPCClient wraps an already-dialed connection.
func NewGRPCClient(conn *grpc.ClientConn) *GRPCClient {
	return &GRPCClient{conn: conn}
}

func encodeEnvelope(v any) (*structpb.Struct, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{
		"payload": base64.StdEncoding.EncodeToString(body),
	})
}

func decodeEnvelope(s *structpb.Struct, out any) error {
	encoded := s.GetFields()["payload"].GetStringValue()
	body, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func call[Req any, Resp any](ctx context.Context, conn *grpc.ClientConn, method string, req Req) (Resp, error) {
	var zero Resp
	envelope, err := encodeEnvelope(req)
	if err != nil {
		return zero, err
	}
	reply := new(structpb.Struct)
	if err := conn.Invoke(ctx, method, envelope, reply); err != nil {
		return zero, fromGRPCStatus(err)
	}
	var resp Resp
	if err := decodeEnvelope(reply, &resp); err != nil {
		return zero, err
	}
	return resp, nil
}

func (c *GRPCClient) RecvChunkStart(ctx context.Context, req RecvChunkStartRequest) (RecvChunkStartResponse, error) {
	return call[RecvChunkStartRequest, RecvChunkStartResponse](ctx, c.conn, methodRecvChunkStart, req)
}

func (c *GRPCClient) RecvChunkStatus(ctx context.Context, req RecvChunkStatusRequest) (RecvChunkStatusResponse, error) {
	return call[RecvChunkStatusRequest, RecvChunkStatusResponse](ctx, c.conn, methodRecvChunkStatus, req)
}

func (c *GRPCClient) RecvChunkCommit(ctx context.Context, req RecvChunkCommitRequest) (RecvChunkCommitResponse, error) {
	return call[RecvChunkCommitRequest, RecvChunkCommitResponse](ctx, c.conn, methodRecvChunkCommit, req)
}

func (c *GRPCClient) RecvChunkAbort(ctx context.Context, req RecvChunkAbortRequest) (RecvChunkAbortResponse, error) {
	return call[RecvChunkAbortRequest, RecvChunkAbortResponse](ctx, c.conn, methodRecvChunkAbort, req)
}

func (c *GRPCClient) MigrateClone(ctx context.Context, req MigrateCloneRequest) (MigrateCloneResponse, error) {
	return call[MigrateCloneRequest, MigrateCloneResponse](ctx, c.conn, methodMigrateClone, req)
}

func (c *GRPCClient) TransferMods(ctx context.Context, req TransferModsRequest) (TransferModsResponse, error) {
	return call[TransferModsRequest, TransferModsResponse](ctx, c.conn, methodTransferMods, req)
}

// toGRPCStatus translates a migerr sentinel into the grpc status code a
// server handler should return, so a remote caller sees the same taxonomy a
// local caller would get back from pkg/migerr.
func toGRPCStatus(err error) error {
	if err == nil {
		return nil
	}
	switch err.(type) {
	case *migerr.InvalidArgument:
		return status.Error(codes.InvalidArgument, err.Error())
	case *migerr.StaleConfig:
		return status.Error(codes.FailedPrecondition, err.Error())
	case *migerr.LockBusy:
		return status.Error(codes.Aborted, err.Error())
	case *migerr.ResourceExhausted:
		return status.Error(codes.ResourceExhausted, err.Error())
	case *migerr.Timeout:
		return status.Error(codes.DeadlineExceeded, err.Error())
	case *migerr.Interrupted:
		return status.Error(codes.Canceled, err.Error())
	case *migerr.OwnershipInconsistency:
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Unknown, err.Error())
	}
}

// fromGRPCStatus wraps a grpc status error in a *migerr.PeerFailed carrying
// the status code and message; callers on the client side don't get the
// peer's original migerr type back (it didn't cross the wire as a typed
// value).
func fromGRPCStatus(err error) error {
	if st, ok := status.FromError(err); ok {
		return &migerr.PeerFailed{RPC: st.Code().String(), Cause: status.Error(st.Code(), st.Message())}
	}
	return err
}
