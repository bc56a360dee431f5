package transport

import (
	"encoding/json"

	"github.com/ryandielhenn/zephyrgms/pkg/membership"
)

// Envelope is the body of one Deliver call.
type Envelope struct {
	From    membership.Address `json:"from"`
	To      membership.Address `json:"to"`
	Payload json.RawMessage    `json:"payload"`
}

// Ack is the empty reply to Deliver.
type Ack struct{}

// jsonCodec replaces the protobuf codec on the Deliver service, so messages
// need no generated code.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }
