package exchange

import (
	"context"
	"errors"
	"net"

	"github.com/signalsfoundry/sagin-testbed/internal/logging"
	"github.com/signalsfoundry/sagin-testbed/internal/protocol"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	exchangeServiceName  = "sagin.bridge.v1.DecisionExchange"
	latestStateMethod    = "/" + exchangeServiceName + "/LatestState"
	submitDecisionMethod = "/" + exchangeServiceName + "/SubmitDecision"

	requestIDMetadataKey = "x-request-id"
)

// DecisionExchangeServer is the agent-facing gRPC service: the agent pulls
// the latest state and pushes its decision, both as google.protobuf.Struct.
type DecisionExchangeServer interface {
	LatestState(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	SubmitDecision(context.Context, *structpb.Struct) (*emptypb.Empty, error)
}

func latestStateHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DecisionExchangeServer).LatestState(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: latestStateMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DecisionExchangeServer).LatestState(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func submitDecisionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DecisionExchangeServer).SubmitDecision(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: submitDecisionMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DecisionExchangeServer).SubmitDecision(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// DecisionExchangeServiceDesc describes the service for grpc.Server.RegisterService.
var DecisionExchangeServiceDesc = grpc.ServiceDesc{
	ServiceName: exchangeServiceName,
	HandlerType: (*DecisionExchangeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "LatestState", Handler: latestStateHandler},
		{MethodName: "SubmitDecision", Handler: submitDecisionHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sagin/bridge/v1/exchange.proto",
}

// GRPCTransport serves DecisionExchange in-process. States and decisions
// are buffered in a MemoryTransport.
type GRPCTransport struct {
	*MemoryTransport

	server *grpc.Server
	log    logging.Logger
}

// NewGRPCTransport builds the server with otelgrpc instrumentation and the
// given interceptors ahead of the request-id interceptor.
func NewGRPCTransport(log logging.Logger, interceptors ...grpc.UnaryServerInterceptor) *GRPCTransport {
	if log == nil {
		log = logging.Noop()
	}
	chain := append([]grpc.UnaryServerInterceptor{RequestIDUnaryServerInterceptor(log)}, interceptors...)
	g := &GRPCTransport{
		MemoryTransport: NewMemoryTransport(),
		server: grpc.NewServer(
			grpc.StatsHandler(otelgrpc.NewServerHandler()),
			grpc.ChainUnaryInterceptor(chain...),
		),
		log: log,
	}
	g.server.RegisterService(&DecisionExchangeServiceDesc, g)
	return g
}

// Serve accepts agent connections on lis until Stop.
func (g *GRPCTransport) Serve(lis net.Listener) error {
	g.log.Info(context.Background(), "decision exchange listening", logging.String("addr", lis.Addr().String()))
	err := g.server.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Stop drains in-flight RPCs and stops the server.
func (g *GRPCTransport) Stop() { g.server.GracefulStop() }

// LatestState implements DecisionExchangeServer.
func (g *GRPCTransport) LatestState(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	s := g.Latest()
	if s == nil {
		return nil, status.Error(codes.Unavailable, "no state published yet")
	}
	pb, err := protocol.StateToStruct(s)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode state: %v", err)
	}
	return pb, nil
}

// SubmitDecision implements DecisionExchangeServer.
func (g *GRPCTransport) SubmitDecision(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	d, err := protocol.DecisionFromMap(in.AsMap())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if !d.HasTick {
		return nil, status.Error(codes.InvalidArgument, "decision must carry a tick")
	}
	if err := g.Submit(d); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if l := logging.LoggerFromContext(ctx); l != nil {
		l.Debug(ctx, "decision submitted",
			logging.Int64("tick", d.Tick),
			logging.Int("assignments", len(d.Assignments)),
			logging.Int("link_patches", len(d.LinkPatches)),
		)
	}
	return &emptypb.Empty{}, nil
}

// RequestIDUnaryServerInterceptor ensures a request_id is present on the
// context, sourcing it from inbound metadata if provided, and attaches a
// per-request logger annotated with request_id and method.
func RequestIDUnaryServerInterceptor(base logging.Logger) grpc.UnaryServerInterceptor {
	if base == nil {
		base = logging.Noop()
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(requestIDMetadataKey); len(vals) > 0 && vals[0] != "" {
				ctx = logging.ContextWithRequestID(ctx, vals[0])
			}
		}

		ctx, reqLog := logging.WithRequestLogger(ctx, base.With(logging.String("method", info.FullMethod)))
		ctx = logging.ContextWithLogger(ctx, reqLog)

		return handler(ctx, req)
	}
}

// Client is the agent side of DecisionExchange.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

// LatestState fetches the most recent export.
func (c *Client) LatestState(ctx context.Context) (*protocol.State, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, latestStateMethod, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return protocol.StateFromStruct(out)
}

// SubmitDecision sends d, which must carry its tick.
func (c *Client) SubmitDecision(ctx context.Context, d protocol.Decision) error {
	in, err := structpb.NewStruct(d.Map())
	if err != nil {
		return err
	}
	return c.cc.Invoke(ctx, submitDecisionMethod, in, new(emptypb.Empty))
}
