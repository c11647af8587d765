// Package storeapi exposes the log store's contents over gRPC.
package storeapi

import (
	"context"

	"google.golang.org/grpc"
)

const (
	ServiceName = "xlog.LogStore"

	tailMethod = "/" + ServiceName + "/Tail"
	readMethod = "/" + ServiceName + "/Read"
)

type TailRequest struct{}

type TailResponse struct {
	Tail     uint64 `json:"tail"`
	Durable  uint64 `json:"durable"`
	FlushLSN uint64 `json:"flush_lsn"`
	Count    int    `json:"count"`
}

type ReadRequest struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

type Entry struct {
	LSN        uint64 `json:"lsn"`
	Payload    []byte `json:"payload"`
	ReceivedAt int64  `json:"received_at_unix_ms"`
}

type ReadResponse struct {
	Entries []Entry `json:"entries"`
	// Truncated is set when the range was cut at the server's limit.
	Truncated bool `json:"truncated"`
}

type LogStoreServer interface {
	Tail(context.Context, *TailRequest) (*TailResponse, error)
	Read(context.Context, *ReadRequest) (*ReadResponse, error)
}

func RegisterLogStoreServer(s grpc.ServiceRegistrar, srv LogStoreServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LogStoreServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Tail", Handler: tailHandler},
		{MethodName: "Read", Handler: readHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "xlog/logstore",
}

func tailHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(TailRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LogStoreServer).Tail(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: tailMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LogStoreServer).Tail(ctx, req.(*TailRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func readHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ReadRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LogStoreServer).Read(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: readMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LogStoreServer).Read(ctx, req.(*ReadRequest))
	}
	return interceptor(ctx, in, info, handler)
}
