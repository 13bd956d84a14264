package broker

import "fmt"

// Phase names a step of the query protocol.
type Phase string

const (
	PhaseKeyExchange  Phase = "key-exchange"
	PhaseContribution Phase = "contribution"
	PhaseAllocation   Phase = "allocation"
	PhaseBuckets      Phase = "buckets"
	PhaseRefine       Phase = "refine"
	PhaseRadius       Phase = "radius"
	PhaseSelect       Phase = "select"
	PhaseFinalCount   Phase = "final-count"
	PhaseResults      Phase = "results"
)

// BrokerSide is the SiloID of errors raised by the broker's own
// aggregation steps.
const BrokerSide = -1

// PhaseError reports which phase and silo aborted a query.
type PhaseError struct {
	Phase  Phase
	SiloID int
	Err    error
}

func (e *PhaseError) Error() string {
	if e.SiloID == BrokerSide {
		return fmt.Sprintf("%s: %v", e.Phase, e.Err)
	}
	return fmt.Sprintf("%s: silo %d: %v", e.Phase, e.SiloID, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

func brokerError(p Phase, err error) error {
	if err == nil {
		return nil
	}
	return &PhaseError{Phase: p, SiloID: BrokerSide, Err: err}
}
