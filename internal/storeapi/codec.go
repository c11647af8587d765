package storeapi

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is sent as the gRPC content-subtype; messages travel as JSON
// so the service needs no generated code.
const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
