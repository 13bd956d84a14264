// Package grpcserver exposes a silo over gRPC.
//
// It delegates all protocol logic to internal/service.SiloService, translating
// between siloapi messages and service-layer types.
package grpcserver

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/opaque/fedknn/api/siloapi"
	"github.com/opaque/fedknn/internal/service"
	"github.com/opaque/fedknn/internal/session"
	"github.com/opaque/fedknn/internal/store"
	"github.com/opaque/fedknn/pkg/bucket"
	"github.com/opaque/fedknn/pkg/crypto"
	"github.com/opaque/fedknn/pkg/wire"
)

// Server implements siloapi.SiloServer.
type Server struct {
	siloapi.UnimplementedSiloServer
	svc *service.SiloService
}

// New creates a new gRPC server backed by the given SiloService.
func New(svc *service.SiloService) *Server {
	return &Server{svc: svc}
}

// Register attaches the silo service to s.
func (s *Server) Register(reg grpc.ServiceRegistrar) {
	siloapi.RegisterSiloServer(reg, s)
}

func (s *Server) NegotiateParams(ctx context.Context, req *siloapi.NegotiateRequest) (*siloapi.NegotiateResponse, error) {
	if req.RoundID == "" {
		return nil, status.Error(codes.InvalidArgument, "round_id is required")
	}
	p, err := s.svc.NegotiateParams(ctx, req.RoundID)
	if err != nil {
		return nil, mapError(err)
	}
	return &siloapi.NegotiateResponse{P: p.P, G: p.G}, nil
}

func (s *Server) ExchangeKey(ctx context.Context, req *siloapi.ExchangeRequest) (*siloapi.ExchangeResponse, error) {
	if req.RoundID == "" {
		return nil, status.Error(codes.InvalidArgument, "round_id is required")
	}
	pub, err := s.svc.ExchangeKey(ctx, req.RoundID, req.Public)
	if err != nil {
		return nil, mapError(err)
	}
	return &siloapi.ExchangeResponse{Public: pub}, nil
}

func (s *Server) EstimateContribution(ctx context.Context, req *siloapi.EstimateRequest) (*siloapi.EnvelopeResponse, error) {
	if req.RoundID == "" {
		return nil, status.Error(codes.InvalidArgument, "round_id is required")
	}
	env, err := s.svc.EstimateContribution(ctx, req.RoundID, req.Vector, int(req.K), req.Predicate)
	if err != nil {
		return nil, mapError(err)
	}
	return &siloapi.EnvelopeResponse{Envelope: env}, nil
}

func (s *Server) ExchangeBuckets(ctx context.Context, req *siloapi.BucketsRequest) (*siloapi.EnvelopeResponse, error) {
	if req.RoundID == "" {
		return nil, status.Error(codes.InvalidArgument, "round_id is required")
	}
	env, err := s.svc.ExchangeBuckets(ctx, req.RoundID, req.Envelope, bucket.Encoding(req.Encoding))
	if err != nil {
		return nil, mapError(err)
	}
	return &siloapi.EnvelopeResponse{Envelope: env}, nil
}

func (s *Server) BroadcastRadius(ctx context.Context, req *siloapi.RadiusRequest) (*siloapi.EnvelopeResponse, error) {
	if req.RoundID == "" {
		return nil, status.Error(codes.InvalidArgument, "round_id is required")
	}
	env, err := s.svc.BroadcastRadius(ctx, req.RoundID, req.Envelope)
	if err != nil {
		return nil, mapError(err)
	}
	return &siloapi.EnvelopeResponse{Envelope: env}, nil
}

func (s *Server) SendFinalCount(ctx context.Context, req *siloapi.FinalCountRequest) (*siloapi.Ack, error) {
	if req.RoundID == "" {
		return nil, status.Error(codes.InvalidArgument, "round_id is required")
	}
	if err := s.svc.SendFinalCount(ctx, req.RoundID, int(req.Count)); err != nil {
		return nil, mapError(err)
	}
	return &siloapi.Ack{}, nil
}

func (s *Server) StreamResults(req *siloapi.ResultsRequest, stream grpc.ServerStreamingServer[siloapi.Result]) error {
	if req.RoundID == "" {
		return status.Error(codes.InvalidArgument, "round_id is required")
	}
	cands, err := s.svc.Results(stream.Context(), req.RoundID)
	if err != nil {
		return mapError(err)
	}

	for _, c := range cands {
		if err := stream.Send(&siloapi.Result{
			VectorID:  c.VectorID,
			Distance:  c.Distance,
			Attribute: c.Attribute,
			Vector:    c.Vector,
		}); err != nil {
			return err
		}
	}
	return nil
}

// mapError translates service-layer errors to gRPC status codes.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrSessionExpired):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, service.ErrPhaseOrder):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, wire.ErrMalformed),
		errors.Is(err, service.ErrInvalidArgument),
		errors.Is(err, session.ErrInvalidID),
		errors.Is(err, store.ErrDimensionMismatch),
		errors.Is(err, crypto.ErrInvalidPublicValue):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
