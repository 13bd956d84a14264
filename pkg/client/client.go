// Package client is the broker's gRPC connection to one silo.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/opaque/fedknn/api/siloapi"
	"github.com/opaque/fedknn/internal/store"
	"github.com/opaque/fedknn/pkg/bucket"
	"github.com/opaque/fedknn/pkg/crypto"
)

// ErrEmptyAddress is returned when a silo has no address.
var ErrEmptyAddress = errors.New("silo address cannot be empty")

// Config describes one silo endpoint.
type Config struct {
	SiloID  int
	Address string

	// Creds defaults to insecure transport.
	Creds credentials.TransportCredentials
}

// SiloClient calls one silo. It is safe for concurrent use.
type SiloClient struct {
	id      int
	addr    string
	conn    *grpc.ClientConn
	rpc     siloapi.SiloClient
	counter *Counter
}

// Dial connects to a silo. The connection is established lazily on the
// first call.
func Dial(cfg Config, opts ...grpc.DialOption) (*SiloClient, error) {
	if cfg.Address == "" {
		return nil, ErrEmptyAddress
	}
	creds := cfg.Creds
	if creds == nil {
		creds = insecure.NewCredentials()
	}

	counter := &Counter{}
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithStatsHandler(counter),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to silo %d at %s: %w", cfg.SiloID, cfg.Address, err)
	}
	return &SiloClient{
		id:      cfg.SiloID,
		addr:    cfg.Address,
		conn:    conn,
		rpc:     siloapi.NewSiloClient(conn),
		counter: counter,
	}, nil
}

// ID returns the silo ID.
func (c *SiloClient) ID() int {
	return c.id
}

// Address returns the silo address.
func (c *SiloClient) Address() string {
	return c.addr
}

// Traffic returns the bytes exchanged with the silo so far.
func (c *SiloClient) Traffic() Traffic {
	return c.counter.Snapshot()
}

// Close closes the connection.
func (c *SiloClient) Close() error {
	return c.conn.Close()
}

func (c *SiloClient) NegotiateParams(ctx context.Context, roundID string) (crypto.Params, error) {
	resp, err := c.rpc.NegotiateParams(ctx, &siloapi.NegotiateRequest{RoundID: roundID})
	if err != nil {
		return crypto.Params{}, err
	}
	return crypto.Params{P: resp.P, G: resp.G}, nil
}

func (c *SiloClient) ExchangeKey(ctx context.Context, roundID string, public uint64) (uint64, error) {
	resp, err := c.rpc.ExchangeKey(ctx, &siloapi.ExchangeRequest{RoundID: roundID, Public: public})
	if err != nil {
		return 0, err
	}
	return resp.Public, nil
}

func (c *SiloClient) EstimateContribution(ctx context.Context, roundID string, query []float32, k int, predicate string) ([]byte, error) {
	resp, err := c.rpc.EstimateContribution(ctx, &siloapi.EstimateRequest{
		RoundID:   roundID,
		Vector:    query,
		K:         uint32(k),
		Predicate: predicate,
	})
	if err != nil {
		return nil, err
	}
	return resp.Envelope, nil
}

func (c *SiloClient) ExchangeBuckets(ctx context.Context, roundID string, envelope []byte, enc bucket.Encoding) ([]byte, error) {
	resp, err := c.rpc.ExchangeBuckets(ctx, &siloapi.BucketsRequest{
		RoundID:  roundID,
		Envelope: envelope,
		Encoding: uint32(enc),
	})
	if err != nil {
		return nil, err
	}
	return resp.Envelope, nil
}

func (c *SiloClient) BroadcastRadius(ctx context.Context, roundID string, envelope []byte) ([]byte, error) {
	resp, err := c.rpc.BroadcastRadius(ctx, &siloapi.RadiusRequest{RoundID: roundID, Envelope: envelope})
	if err != nil {
		return nil, err
	}
	return resp.Envelope, nil
}

func (c *SiloClient) SendFinalCount(ctx context.Context, roundID string, count int) error {
	_, err := c.rpc.SendFinalCount(ctx, &siloapi.FinalCountRequest{RoundID: roundID, Count: uint32(count)})
	return err
}

// StreamResults drains the result stream.
func (c *SiloClient) StreamResults(ctx context.Context, roundID string) ([]store.Candidate, error) {
	stream, err := c.rpc.StreamResults(ctx, &siloapi.ResultsRequest{RoundID: roundID})
	if err != nil {
		return nil, err
	}
	var out []store.Candidate
	for {
		r, err := stream.Recv()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, store.Candidate{
			SiloID:    c.id,
			VectorID:  r.VectorID,
			Distance:  r.Distance,
			Attribute: r.Attribute,
			Vector:    r.Vector,
		})
	}
}
