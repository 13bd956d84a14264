package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/opaque/fedknn/api/siloapi"
	"github.com/opaque/fedknn/internal/broker"
	"github.com/opaque/fedknn/internal/service"
	"github.com/opaque/fedknn/internal/session"
	"github.com/opaque/fedknn/internal/store"
	"github.com/opaque/fedknn/pkg/aggregate"
	"github.com/opaque/fedknn/pkg/client"
	"github.com/opaque/fedknn/pkg/threshold"
	"github.com/opaque/fedknn/pkg/wire"
)

func newService(t *testing.T, id int, xs ...float32) *service.SiloService {
	t.Helper()
	cfg := service.DefaultConfig()
	cfg.SiloID = id
	svc, err := service.New(cfg, store.NewMemoryStore(id), nil, nil)
	if err != nil {
		t.Fatalf("failed to create silo service: %v", err)
	}
	t.Cleanup(svc.Close)

	recs := make([]store.Record, len(xs))
	for i, x := range xs {
		recs[i] = store.Record{ID: int64(i), Vector: []float32{x}, Attribute: fmt.Sprintf("silo=%d,n=%d", id, i)}
	}
	if err := svc.Reload(context.Background(), recs); err != nil {
		t.Fatalf("failed to load records: %v", err)
	}
	return svc
}

// startSilo serves svc over an in-memory listener and returns a client for it.
func startSilo(t *testing.T, svc *service.SiloService) *client.SiloClient {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer(ServerOptions(nil)...)
	New(svc).Register(gs)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	c, err := client.Dial(client.Config{SiloID: svc.SiloID(), Address: "passthrough:///bufnet"},
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	if err != nil {
		t.Fatalf("failed to dial silo: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestFederatedQueryOverGRPC(t *testing.T) {
	clients := []*client.SiloClient{
		startSilo(t, newService(t, 0, 1, 2, 5)),
		startSilo(t, newService(t, 1, 1.5, 3)),
		startSilo(t, newService(t, 2, 4)),
	}
	silos := make([]broker.Silo, len(clients))
	for i, c := range clients {
		silos[i] = c
	}

	for _, strategy := range []aggregate.Strategy{aggregate.Plaintext{}, aggregate.Oblivious{}} {
		for _, mode := range []threshold.Mode{threshold.ModeBinarySearch, threshold.ModePriorityQueue} {
			t.Run(strategy.Name()+"/"+mode.String(), func(t *testing.T) {
				cfg := broker.DefaultConfig()
				cfg.Strategy = strategy
				cfg.Options.Threshold = mode
				b, err := broker.New(cfg, silos, nil)
				if err != nil {
					t.Fatalf("broker.New failed: %v", err)
				}

				res, err := b.Query(context.Background(), broker.Query{Vector: []float32{0}, K: 4})
				if err != nil {
					t.Fatalf("Query failed: %v", err)
				}
				want := []float32{1, 1.5, 2, 3}
				if len(res.Hits) != len(want) {
					t.Fatalf("got %d hits, want %d", len(res.Hits), len(want))
				}
				for i, h := range res.Hits {
					if h.Distance != want[i] {
						t.Errorf("hit %d distance = %v, want %v", i, h.Distance, want[i])
					}
				}
				if res.Hits[1].SiloID != 1 || res.Hits[1].Attribute != "silo=1,n=0" {
					t.Errorf("unexpected second hit %+v", res.Hits[1])
				}
				if res.Counts[0] != 2 || res.Counts[1] != 2 || res.Counts[2] != 0 {
					t.Errorf("counts = %v, want [2 2 0]", res.Counts)
				}
				if res.Traffic.SentBytes <= 0 || res.Traffic.ReceivedBytes <= 0 {
					t.Errorf("traffic not counted: %+v", res.Traffic)
				}
				// 8 key exchanges, negotiation and 5 protocol calls per silo
				if want := int64(3 * 14); res.Traffic.Calls != want {
					t.Errorf("calls = %d, want %d", res.Traffic.Calls, want)
				}
			})
		}
	}
}

func TestErrorCodes(t *testing.T) {
	c := startSilo(t, newService(t, 0, 1, 2))
	ctx := context.Background()

	_, err := c.EstimateContribution(ctx, "unknown", []float32{0}, 1, "")
	if code := status.Code(err); code != codes.NotFound {
		t.Errorf("unknown round: code = %v, want NotFound", code)
	}

	if _, err := c.NegotiateParams(ctx, ""); status.Code(err) != codes.InvalidArgument {
		t.Errorf("empty round id: code = %v, want InvalidArgument", status.Code(err))
	}

	if _, err := c.NegotiateParams(ctx, "r1"); err != nil {
		t.Fatalf("NegotiateParams failed: %v", err)
	}
	_, err = c.EstimateContribution(ctx, "r1", []float32{0}, 1, "")
	if code := status.Code(err); code != codes.FailedPrecondition {
		t.Errorf("estimate before keying: code = %v, want FailedPrecondition", code)
	}

	if _, err := c.ExchangeKey(ctx, "r1", 0); status.Code(err) != codes.InvalidArgument {
		t.Errorf("zero public value: code = %v, want InvalidArgument", status.Code(err))
	}
}

func TestStreamResultsEmptyRoundID(t *testing.T) {
	c := startSilo(t, newService(t, 0, 1))
	if _, err := c.StreamResults(context.Background(), ""); status.Code(err) != codes.InvalidArgument {
		t.Errorf("code = %v, want InvalidArgument", status.Code(err))
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{context.Canceled, codes.Canceled},
		{fmt.Errorf("rpc: %w", context.DeadlineExceeded), codes.DeadlineExceeded},
		{session.ErrSessionNotFound, codes.NotFound},
		{session.ErrSessionExpired, codes.NotFound},
		{fmt.Errorf("buckets: %w", service.ErrPhaseOrder), codes.FailedPrecondition},
		{wire.ErrMalformed, codes.InvalidArgument},
		{service.ErrInvalidArgument, codes.InvalidArgument},
		{store.ErrDimensionMismatch, codes.InvalidArgument},
		{errors.New("disk on fire"), codes.Internal},
	}
	for _, tt := range tests {
		if got := status.Code(mapError(tt.err)); got != tt.want {
			t.Errorf("mapError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
	if mapError(nil) != nil {
		t.Error("mapError(nil) should be nil")
	}
}

func TestRecoveryInterceptor(t *testing.T) {
	intercept := RecoveryUnaryInterceptor(slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := intercept(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/test"},
		func(context.Context, any) (any, error) { panic("boom") })
	if status.Code(err) != codes.Internal {
		t.Errorf("code = %v, want Internal", status.Code(err))
	}
}

var _ siloapi.SiloServer = (*Server)(nil)
