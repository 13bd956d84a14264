package siloapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "fedknn.v1.Silo"

const (
	Silo_NegotiateParams_FullMethodName      = "/fedknn.v1.Silo/NegotiateParams"
	Silo_ExchangeKey_FullMethodName          = "/fedknn.v1.Silo/ExchangeKey"
	Silo_EstimateContribution_FullMethodName = "/fedknn.v1.Silo/EstimateContribution"
	Silo_ExchangeBuckets_FullMethodName      = "/fedknn.v1.Silo/ExchangeBuckets"
	Silo_BroadcastRadius_FullMethodName      = "/fedknn.v1.Silo/BroadcastRadius"
	Silo_SendFinalCount_FullMethodName       = "/fedknn.v1.Silo/SendFinalCount"
	Silo_StreamResults_FullMethodName        = "/fedknn.v1.Silo/StreamResults"
)

// SiloServer is the server API for the silo service.
type SiloServer interface {
	NegotiateParams(context.Context, *NegotiateRequest) (*NegotiateResponse, error)
	ExchangeKey(context.Context, *ExchangeRequest) (*ExchangeResponse, error)
	EstimateContribution(context.Context, *EstimateRequest) (*EnvelopeResponse, error)
	ExchangeBuckets(context.Context, *BucketsRequest) (*EnvelopeResponse, error)
	BroadcastRadius(context.Context, *RadiusRequest) (*EnvelopeResponse, error)
	SendFinalCount(context.Context, *FinalCountRequest) (*Ack, error)
	StreamResults(*ResultsRequest, grpc.ServerStreamingServer[Result]) error
}

// UnimplementedSiloServer can be embedded to satisfy SiloServer.
type UnimplementedSiloServer struct{}

func (UnimplementedSiloServer) NegotiateParams(context.Context, *NegotiateRequest) (*NegotiateResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method NegotiateParams not implemented")
}
func (UnimplementedSiloServer) ExchangeKey(context.Context, *ExchangeRequest) (*ExchangeResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ExchangeKey not implemented")
}
func (UnimplementedSiloServer) EstimateContribution(context.Context, *EstimateRequest) (*EnvelopeResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method EstimateContribution not implemented")
}
func (UnimplementedSiloServer) ExchangeBuckets(context.Context, *BucketsRequest) (*EnvelopeResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ExchangeBuckets not implemented")
}
func (UnimplementedSiloServer) BroadcastRadius(context.Context, *RadiusRequest) (*EnvelopeResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method BroadcastRadius not implemented")
}
func (UnimplementedSiloServer) SendFinalCount(context.Context, *FinalCountRequest) (*Ack, error) {
	return nil, status.Error(codes.Unimplemented, "method SendFinalCount not implemented")
}
func (UnimplementedSiloServer) StreamResults(*ResultsRequest, grpc.ServerStreamingServer[Result]) error {
	return status.Error(codes.Unimplemented, "method StreamResults not implemented")
}

// RegisterSiloServer registers srv on s.
func RegisterSiloServer(s grpc.ServiceRegistrar, srv SiloServer) {
	s.RegisterService(&Silo_ServiceDesc, srv)
}

func unaryHandler[Req any, PReq interface {
	*Req
	Message
}, Resp any](method string, call func(SiloServer, context.Context, PReq) (Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := PReq(new(Req))
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SiloServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(SiloServer), ctx, req.(PReq))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func streamResultsHandler(srv any, stream grpc.ServerStream) error {
	m := new(ResultsRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(SiloServer).StreamResults(m, &grpc.GenericServerStream[ResultsRequest, Result]{ServerStream: stream})
}

// Silo_ServiceDesc is the grpc.ServiceDesc for the silo service.
var Silo_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SiloServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "NegotiateParams",
			Handler: unaryHandler(Silo_NegotiateParams_FullMethodName, func(s SiloServer, ctx context.Context, in *NegotiateRequest) (*NegotiateResponse, error) {
				return s.NegotiateParams(ctx, in)
			}),
		},
		{
			MethodName: "ExchangeKey",
			Handler: unaryHandler(Silo_ExchangeKey_FullMethodName, func(s SiloServer, ctx context.Context, in *ExchangeRequest) (*ExchangeResponse, error) {
				return s.ExchangeKey(ctx, in)
			}),
		},
		{
			MethodName: "EstimateContribution",
			Handler: unaryHandler(Silo_EstimateContribution_FullMethodName, func(s SiloServer, ctx context.Context, in *EstimateRequest) (*EnvelopeResponse, error) {
				return s.EstimateContribution(ctx, in)
			}),
		},
		{
			MethodName: "ExchangeBuckets",
			Handler: unaryHandler(Silo_ExchangeBuckets_FullMethodName, func(s SiloServer, ctx context.Context, in *BucketsRequest) (*EnvelopeResponse, error) {
				return s.ExchangeBuckets(ctx, in)
			}),
		},
		{
			MethodName: "BroadcastRadius",
			Handler: unaryHandler(Silo_BroadcastRadius_FullMethodName, func(s SiloServer, ctx context.Context, in *RadiusRequest) (*EnvelopeResponse, error) {
				return s.BroadcastRadius(ctx, in)
			}),
		},
		{
			MethodName: "SendFinalCount",
			Handler: unaryHandler(Silo_SendFinalCount_FullMethodName, func(s SiloServer, ctx context.Context, in *FinalCountRequest) (*Ack, error) {
				return s.SendFinalCount(ctx, in)
			}),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamResults",
			Handler:       streamResultsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "silo.proto",
}

// SiloClient is the client API for the silo service.
type SiloClient interface {
	NegotiateParams(ctx context.Context, in *NegotiateRequest, opts ...grpc.CallOption) (*NegotiateResponse, error)
	ExchangeKey(ctx context.Context, in *ExchangeRequest, opts ...grpc.CallOption) (*ExchangeResponse, error)
	EstimateContribution(ctx context.Context, in *EstimateRequest, opts ...grpc.CallOption) (*EnvelopeResponse, error)
	ExchangeBuckets(ctx context.Context, in *BucketsRequest, opts ...grpc.CallOption) (*EnvelopeResponse, error)
	BroadcastRadius(ctx context.Context, in *RadiusRequest, opts ...grpc.CallOption) (*EnvelopeResponse, error)
	SendFinalCount(ctx context.Context, in *FinalCountRequest, opts ...grpc.CallOption) (*Ack, error)
	StreamResults(ctx context.Context, in *ResultsRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[Result], error)
}

type siloClient struct {
	cc grpc.ClientConnInterface
}

// NewSiloClient creates a client that always uses the fedknn codec.
func NewSiloClient(cc grpc.ClientConnInterface) SiloClient {
	return &siloClient{cc}
}

func callOpts(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

func (c *siloClient) NegotiateParams(ctx context.Context, in *NegotiateRequest, opts ...grpc.CallOption) (*NegotiateResponse, error) {
	out := new(NegotiateResponse)
	if err := c.cc.Invoke(ctx, Silo_NegotiateParams_FullMethodName, in, out, callOpts(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *siloClient) ExchangeKey(ctx context.Context, in *ExchangeRequest, opts ...grpc.CallOption) (*ExchangeResponse, error) {
	out := new(ExchangeResponse)
	if err := c.cc.Invoke(ctx, Silo_ExchangeKey_FullMethodName, in, out, callOpts(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *siloClient) EstimateContribution(ctx context.Context, in *EstimateRequest, opts ...grpc.CallOption) (*EnvelopeResponse, error) {
	out := new(EnvelopeResponse)
	if err := c.cc.Invoke(ctx, Silo_EstimateContribution_FullMethodName, in, out, callOpts(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *siloClient) ExchangeBuckets(ctx context.Context, in *BucketsRequest, opts ...grpc.CallOption) (*EnvelopeResponse, error) {
	out := new(EnvelopeResponse)
	if err := c.cc.Invoke(ctx, Silo_ExchangeBuckets_FullMethodName, in, out, callOpts(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *siloClient) BroadcastRadius(ctx context.Context, in *RadiusRequest, opts ...grpc.CallOption) (*EnvelopeResponse, error) {
	out := new(EnvelopeResponse)
	if err := c.cc.Invoke(ctx, Silo_BroadcastRadius_FullMethodName, in, out, callOpts(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *siloClient) SendFinalCount(ctx context.Context, in *FinalCountRequest, opts ...grpc.CallOption) (*Ack, error) {
	out := new(Ack)
	if err := c.cc.Invoke(ctx, Silo_SendFinalCount_FullMethodName, in, out, callOpts(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *siloClient) StreamResults(ctx context.Context, in *ResultsRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[Result], error) {
	stream, err := c.cc.NewStream(ctx, &Silo_ServiceDesc.Streams[0], Silo_StreamResults_FullMethodName, callOpts(opts)...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[ResultsRequest, Result]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
