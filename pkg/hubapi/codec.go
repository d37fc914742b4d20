// Package hubapi defines the wire surface of the svchub.Hub gRPC service:
// message types, the hand-written service descriptor, the JSON codec both
// sides speak, and a typed client.
//
// The fleet exchanges JSON on the wire — payloads are snake_case JSON
// documents carried in gRPC frames with the "json" content-subtype — so
// there is no generated protobuf code anywhere in the contract.
package hubapi

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the content-subtype clients pass via grpc.CallContentSubtype.
const CodecName = "json"

func init() {
	encoding.RegisterCodec(codec{})
}

type codec struct{}

func (codec) Name() string { return CodecName }

func (codec) Marshal(v any) ([]byte, error) {
	var raw json.RawMessage
	switch m := v.(type) {
	case json.RawMessage:
		raw = m
	case *json.RawMessage:
		raw = *m
	default:
		return json.Marshal(v)
	}
	if len(raw) == 0 {
		return []byte("{}"), nil
	}
	return raw, nil
}

func (codec) Unmarshal(data []byte, v any) error {
	if raw, ok := v.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], data...)
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json codec: %w", err)
	}
	return nil
}
