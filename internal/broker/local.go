package broker

import (
	"context"

	"github.com/opaque/fedknn/internal/service"
	"github.com/opaque/fedknn/internal/store"
)

// LocalSilo runs a silo service in the broker's process, without a transport.
type LocalSilo struct {
	*service.SiloService
}

func (s LocalSilo) ID() int {
	return s.SiloID()
}

func (s LocalSilo) StreamResults(ctx context.Context, roundID string) ([]store.Candidate, error) {
	return s.Results(ctx, roundID)
}

var _ Silo = LocalSilo{}
