package client

import (
	"context"
	"sync/atomic"

	"google.golang.org/grpc/stats"
)

// Traffic is a byte and call count snapshot.
type Traffic struct {
	SentBytes     int64 `json:"sent_bytes"`
	ReceivedBytes int64 `json:"received_bytes"`
	Calls         int64 `json:"calls"`
}

// Add returns the element-wise sum.
func (t Traffic) Add(o Traffic) Traffic {
	return Traffic{
		SentBytes:     t.SentBytes + o.SentBytes,
		ReceivedBytes: t.ReceivedBytes + o.ReceivedBytes,
		Calls:         t.Calls + o.Calls,
	}
}

// Sub returns t minus an earlier snapshot.
func (t Traffic) Sub(o Traffic) Traffic {
	return Traffic{
		SentBytes:     t.SentBytes - o.SentBytes,
		ReceivedBytes: t.ReceivedBytes - o.ReceivedBytes,
		Calls:         t.Calls - o.Calls,
	}
}

// Total returns sent plus received bytes.
func (t Traffic) Total() int64 {
	return t.SentBytes + t.ReceivedBytes
}

// Counter is a gRPC stats handler that counts message bytes on the wire.
type Counter struct {
	sent     atomic.Int64
	received atomic.Int64
	calls    atomic.Int64
}

var _ stats.Handler = (*Counter)(nil)

func (c *Counter) TagRPC(ctx context.Context, _ *stats.RPCTagInfo) context.Context {
	return ctx
}

func (c *Counter) HandleRPC(_ context.Context, s stats.RPCStats) {
	switch s := s.(type) {
	case *stats.Begin:
		c.calls.Add(1)
	case *stats.OutPayload:
		c.sent.Add(int64(s.WireLength))
	case *stats.InPayload:
		c.received.Add(int64(s.WireLength))
	}
}

func (c *Counter) TagConn(ctx context.Context, _ *stats.ConnTagInfo) context.Context {
	return ctx
}

func (c *Counter) HandleConn(context.Context, stats.ConnStats) {}

// Snapshot returns the current totals.
func (c *Counter) Snapshot() Traffic {
	return Traffic{
		SentBytes:     c.sent.Load(),
		ReceivedBytes: c.received.Load(),
		Calls:         c.calls.Load(),
	}
}
