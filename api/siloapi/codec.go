package siloapi

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype used by the silo service.
const CodecName = "fedknn"

func init() {
	encoding.RegisterCodec(codec{})
}

type codec struct{}

func (codec) Name() string { return CodecName }

func (codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(Message)
	if !ok {
		return nil, fmt.Errorf("siloapi: cannot marshal %T", v)
	}
	return m.Marshal()
}

func (codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(Message)
	if !ok {
		return fmt.Errorf("siloapi: cannot unmarshal into %T", v)
	}
	return m.Unmarshal(data)
}
