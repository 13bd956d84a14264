// Package siloapi defines the broker-to-silo RPC surface: message types, their
// protobuf wire encoding, and the gRPC service description.
//
// Messages are encoded field by field with protowire and carried by a codec
// registered under the "fedknn" content subtype, so no generated code is
// needed.
package siloapi

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Message is implemented by every request and response.
type Message interface {
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

// Encoding values carried in BucketsRequest.
const (
	EncodingInterval uint32 = 1
	EncodingRanked   uint32 = 2
)

// NegotiateRequest opens a round on the silo.
type NegotiateRequest struct {
	RoundID string
}

// NegotiateResponse carries the silo's Diffie-Hellman group.
type NegotiateResponse struct {
	P uint64
	G uint64
}

// ExchangeRequest carries the broker's public value for one exchange.
type ExchangeRequest struct {
	RoundID string
	Public  uint64
}

// ExchangeResponse carries the silo's public value.
type ExchangeResponse struct {
	Public uint64
}

// EstimateRequest starts the local search and asks for a contribution.
type EstimateRequest struct {
	RoundID   string
	Vector    []float32
	K         uint32
	Predicate string
}

// EnvelopeResponse carries one sealed payload.
type EnvelopeResponse struct {
	Envelope []byte
}

// BucketsRequest carries the sealed local budget and the requested encoding.
type BucketsRequest struct {
	RoundID  string
	Envelope []byte
	Encoding uint32
}

// RadiusRequest carries the sealed global radius.
type RadiusRequest struct {
	RoundID  string
	Envelope []byte
}

// FinalCountRequest tells the silo how many candidates to return.
type FinalCountRequest struct {
	RoundID string
	Count   uint32
}

// Ack is an empty response.
type Ack struct{}

// ResultsRequest asks the silo to stream its selected candidates.
type ResultsRequest struct {
	RoundID string
}

// Result is one streamed candidate.
type Result struct {
	VectorID  int64
	Distance  float32
	Attribute string
	Vector    []float32
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendFloat(b []byte, num protowire.Number, v float32) []byte {
	if v == 0 && !math.Signbit(float64(v)) {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

func appendFloats(b []byte, num protowire.Number, v []float32) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(4*len(v)))
	for _, f := range v {
		b = protowire.AppendFixed32(b, math.Float32bits(f))
	}
	return b
}

// field is a decoded field value; only the member matching its wire type is set.
type field struct {
	num   protowire.Number
	typ   protowire.Type
	v     uint64
	bytes []byte
}

// fields decodes every top-level field of b.
func fields(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.v, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.v = uint64(v)
		case protowire.Fixed64Type:
			f.v, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func (f field) expect(typ protowire.Type) error {
	if f.typ != typ {
		return fmt.Errorf("field %d: wire type %d, want %d", f.num, f.typ, typ)
	}
	return nil
}

func (f field) float() (float32, error) {
	if err := f.expect(protowire.Fixed32Type); err != nil {
		return 0, err
	}
	return math.Float32frombits(uint32(f.v)), nil
}

func (f field) floats() ([]float32, error) {
	if err := f.expect(protowire.BytesType); err != nil {
		return nil, err
	}
	if len(f.bytes)%4 != 0 {
		return nil, fmt.Errorf("field %d: packed float length %d", f.num, len(f.bytes))
	}
	out := make([]float32, 0, len(f.bytes)/4)
	for b := f.bytes; len(b) > 0; {
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, math.Float32frombits(v))
		b = b[n:]
	}
	return out, nil
}

func (m *NegotiateRequest) Marshal() ([]byte, error) {
	return appendString(nil, 1, m.RoundID), nil
}

func (m *NegotiateRequest) Unmarshal(b []byte) error {
	*m = NegotiateRequest{}
	return fields(b, func(f field) error {
		if f.num == 1 {
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			m.RoundID = string(f.bytes)
		}
		return nil
	})
}

func (m *NegotiateResponse) Marshal() ([]byte, error) {
	b := appendVarint(nil, 1, m.P)
	return appendVarint(b, 2, m.G), nil
}

func (m *NegotiateResponse) Unmarshal(b []byte) error {
	*m = NegotiateResponse{}
	return fields(b, func(f field) error {
		switch f.num {
		case 1:
			m.P = f.v
			return f.expect(protowire.VarintType)
		case 2:
			m.G = f.v
			return f.expect(protowire.VarintType)
		}
		return nil
	})
}

func (m *ExchangeRequest) Marshal() ([]byte, error) {
	b := appendString(nil, 1, m.RoundID)
	return appendVarint(b, 2, m.Public), nil
}

func (m *ExchangeRequest) Unmarshal(b []byte) error {
	*m = ExchangeRequest{}
	return fields(b, func(f field) error {
		switch f.num {
		case 1:
			m.RoundID = string(f.bytes)
			return f.expect(protowire.BytesType)
		case 2:
			m.Public = f.v
			return f.expect(protowire.VarintType)
		}
		return nil
	})
}

func (m *ExchangeResponse) Marshal() ([]byte, error) {
	return appendVarint(nil, 1, m.Public), nil
}

func (m *ExchangeResponse) Unmarshal(b []byte) error {
	*m = ExchangeResponse{}
	return fields(b, func(f field) error {
		if f.num == 1 {
			m.Public = f.v
			return f.expect(protowire.VarintType)
		}
		return nil
	})
}

func (m *EstimateRequest) Marshal() ([]byte, error) {
	b := appendString(nil, 1, m.RoundID)
	b = appendFloats(b, 2, m.Vector)
	b = appendVarint(b, 3, uint64(m.K))
	return appendString(b, 4, m.Predicate), nil
}

func (m *EstimateRequest) Unmarshal(b []byte) error {
	*m = EstimateRequest{}
	return fields(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.RoundID = string(f.bytes)
			return f.expect(protowire.BytesType)
		case 2:
			m.Vector, err = f.floats()
			return err
		case 3:
			m.K = uint32(f.v)
			return f.expect(protowire.VarintType)
		case 4:
			m.Predicate = string(f.bytes)
			return f.expect(protowire.BytesType)
		}
		return nil
	})
}

func (m *EnvelopeResponse) Marshal() ([]byte, error) {
	return appendBytes(nil, 1, m.Envelope), nil
}

func (m *EnvelopeResponse) Unmarshal(b []byte) error {
	*m = EnvelopeResponse{}
	return fields(b, func(f field) error {
		if f.num == 1 {
			m.Envelope = append([]byte(nil), f.bytes...)
			return f.expect(protowire.BytesType)
		}
		return nil
	})
}

func (m *BucketsRequest) Marshal() ([]byte, error) {
	b := appendString(nil, 1, m.RoundID)
	b = appendBytes(b, 2, m.Envelope)
	return appendVarint(b, 3, uint64(m.Encoding)), nil
}

func (m *BucketsRequest) Unmarshal(b []byte) error {
	*m = BucketsRequest{}
	return fields(b, func(f field) error {
		switch f.num {
		case 1:
			m.RoundID = string(f.bytes)
			return f.expect(protowire.BytesType)
		case 2:
			m.Envelope = append([]byte(nil), f.bytes...)
			return f.expect(protowire.BytesType)
		case 3:
			m.Encoding = uint32(f.v)
			return f.expect(protowire.VarintType)
		}
		return nil
	})
}

func (m *RadiusRequest) Marshal() ([]byte, error) {
	b := appendString(nil, 1, m.RoundID)
	return appendBytes(b, 2, m.Envelope), nil
}

func (m *RadiusRequest) Unmarshal(b []byte) error {
	*m = RadiusRequest{}
	return fields(b, func(f field) error {
		switch f.num {
		case 1:
			m.RoundID = string(f.bytes)
			return f.expect(protowire.BytesType)
		case 2:
			m.Envelope = append([]byte(nil), f.bytes...)
			return f.expect(protowire.BytesType)
		}
		return nil
	})
}

func (m *FinalCountRequest) Marshal() ([]byte, error) {
	b := appendString(nil, 1, m.RoundID)
	return appendVarint(b, 2, uint64(m.Count)), nil
}

func (m *FinalCountRequest) Unmarshal(b []byte) error {
	*m = FinalCountRequest{}
	return fields(b, func(f field) error {
		switch f.num {
		case 1:
			m.RoundID = string(f.bytes)
			return f.expect(protowire.BytesType)
		case 2:
			m.Count = uint32(f.v)
			return f.expect(protowire.VarintType)
		}
		return nil
	})
}

func (m *Ack) Marshal() ([]byte, error) { return nil, nil }

func (m *Ack) Unmarshal(b []byte) error {
	return fields(b, func(field) error { return nil })
}

func (m *ResultsRequest) Marshal() ([]byte, error) {
	return appendString(nil, 1, m.RoundID), nil
}

func (m *ResultsRequest) Unmarshal(b []byte) error {
	*m = ResultsRequest{}
	return fields(b, func(f field) error {
		if f.num == 1 {
			m.RoundID = string(f.bytes)
			return f.expect(protowire.BytesType)
		}
		return nil
	})
}

func (m *Result) Marshal() ([]byte, error) {
	b := appendVarint(nil, 1, uint64(m.VectorID))
	b = appendFloat(b, 2, m.Distance)
	b = appendString(b, 3, m.Attribute)
	return appendFloats(b, 4, m.Vector), nil
}

func (m *Result) Unmarshal(b []byte) error {
	*m = Result{}
	return fields(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.VectorID = int64(f.v)
			return f.expect(protowire.VarintType)
		case 2:
			m.Distance, err = f.float()
			return err
		case 3:
			m.Attribute = string(f.bytes)
			return f.expect(protowire.BytesType)
		case 4:
			m.Vector, err = f.floats()
			return err
		}
		return nil
	})
}
