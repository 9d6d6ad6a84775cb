package pb

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the content-subtype both halves of the ingest surface
// negotiate (application/grpc+json). Clients opt in with
// grpc.CallContentSubtype(CodecName); the server resolves the codec
// from the registry by this name.
const CodecName = "json"

// Codec serializes the hand-maintained wire structs as JSON. The types
// in this package are not generated proto.Messages, so the default
// proto codec cannot marshal them.
type Codec struct{}

func (Codec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (Codec) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json codec: %w", err)
	}
	return nil
}

func (Codec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(Codec{})
}
