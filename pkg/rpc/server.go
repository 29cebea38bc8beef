package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// RegisterRecipient exposes a RecipientTransport implementation as a grpc
// service, handler by handler, using the same envelope encoding the client
// stub in grpc.go uses. There's no generated *_grpc.pb.go, so registration
// is a short hand-rolled grpc.ServiceDesc instead of the usual
// pb.RegisterXServer call.
func RegisterRecipient(s grpc.ServiceRegistrar, impl RecipientTransport) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "shardkit.rpc.Recipient",
		HandlerType: (*RecipientTransport)(nil),
		Methods: []grpc.MethodDesc{
			unaryMethod("RecvChunkStart", func(ctx context.Context, req RecvChunkStartRequest) (RecvChunkStartResponse, error) {
				return impl.RecvChunkStart(ctx, req)
			}),
			unaryMethod("RecvChunkStatus", func(ctx context.Context, req RecvChunkStatusRequest) (RecvChunkStatusResponse, error) {
				return impl.RecvChunkStatus(ctx, req)
			}),
			unaryMethod("RecvChunkCommit", func(ctx context.Context, req RecvChunkCommitRequest) (RecvChunkCommitResponse, error) {
				return impl.RecvChunkCommit(ctx, req)
			}),
			unaryMethod("RecvChunkAbort", func(ctx context.Context, req RecvChunkAbortRequest) (RecvChunkAbortResponse, error) {
				return impl.RecvChunkAbort(ctx, req)
			}),
		},
	}, impl)
}

// RegisterDonor does the same for a DonorTransport implementation (the
// handlers a recipient calls to pull chunk contents and deltas).
func RegisterDonor(s grpc.ServiceRegistrar, impl DonorTransport) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "shardkit.rpc.Donor",
		HandlerType: (*DonorTransport)(nil),
		Methods: []grpc.MethodDesc{
			unaryMethod("MigrateClone", func(ctx context.Context, req MigrateCloneRequest) (MigrateCloneResponse, error) {
				return impl.MigrateClone(ctx, req)
			}),
			unaryMethod("TransferMods", func(ctx context.Context, req TransferModsRequest) (TransferModsResponse, error) {
				return impl.TransferMods(ctx, req)
			}),
		},
	}, impl)
}

func unaryMethod[Req any, Resp any](name string, fn func(context.Context, Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(_ any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			envelope := new(structpb.Struct)
			if err := dec(envelope); err != nil {
				return nil, err
			}
			var req Req
			if err := decodeEnvelope(envelope, &req); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				resp, err := fn(ctx, req.(Req))
				if err != nil {
					return nil, toGRPCStatus(err)
				}
				return encodeEnvelope(resp)
			}
			if interceptor == nil {
				return handler(ctx, req)
			}
			info := &grpc.UnaryServerInfo{FullMethod: name}
			return interceptor(ctx, req, info, handler)
		},
	}
}
