package storeapi

import (
	"context"
	"errors"
	"time"

	"github.com/danmuck/xlogship/internal/logging"
	"github.com/danmuck/xlogship/internal/logstore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// MaxReadEntries bounds one Read response.
const MaxReadEntries = 1024

var errStopReplay = errors.New("storeapi: read limit reached")

type Server struct {
	log   logstore.Log
	flush func() uint64
}

// NewServer serves records from l. flush reports the receiver's flush
// cursor and may be nil.
func NewServer(l logstore.Log, flush func() uint64) *Server {
	return &Server{log: l, flush: flush}
}

func (s *Server) Tail(ctx context.Context, _ *TailRequest) (*TailResponse, error) {
	resp := &TailResponse{
		Tail:    s.log.Tail(),
		Durable: s.log.DurableLSN(),
		Count:   s.log.Len(),
	}
	if s.flush != nil {
		resp.FlushLSN = s.flush()
	}
	return resp, nil
}

func (s *Server) Read(ctx context.Context, req *ReadRequest) (*ReadResponse, error) {
	from, to := req.From, req.To
	if from == 0 {
		from = 1
	}
	if to == 0 {
		to = s.log.Tail()
	}
	if to < from {
		return nil, status.Errorf(codes.InvalidArgument, "empty range [%d,%d]", from, to)
	}
	resp := &ReadResponse{Entries: []Entry{}}
	err := s.log.Replay(from, to, func(r logstore.Record) error {
		if len(resp.Entries) == MaxReadEntries {
			resp.Truncated = true
			return errStopReplay
		}
		resp.Entries = append(resp.Entries, Entry{
			LSN:        r.LSN,
			Payload:    r.Payload,
			ReceivedAt: r.ReceivedAt.UnixMilli(),
		})
		return ctx.Err()
	})
	if err != nil && !errors.Is(err, errStopReplay) {
		return nil, status.FromContextError(err).Err()
	}
	return resp, nil
}

// NewGRPCServer builds a gRPC server with the log store service and
// request logging registered.
func NewGRPCServer(srv LogStoreServer, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(logUnary))
	g := grpc.NewServer(opts...)
	RegisterLogStoreServer(g, srv)
	return g
}

func logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	log := logging.For("storeapi")
	ev := log.Debug()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Str("method", info.FullMethod).
		Str("code", status.Code(err).String()).
		Dur("duration", time.Since(start)).
		Msg("rpc")
	return resp, err
}
