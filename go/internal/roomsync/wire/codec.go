package wire

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Envelope is the frame exchanged with the room server over stream transports
type Envelope struct {
	Type   string          `json:"type" msgpack:"type"`
	ID     string          `json:"id,omitempty" msgpack:"id,omitempty"`
	RoomID int64           `json:"roomId,omitempty" msgpack:"roomId,omitempty"`
	UserID string          `json:"userId,omitempty" msgpack:"userId,omitempty"`
	OK     *bool           `json:"ok,omitempty" msgpack:"ok,omitempty"`
	Error  string          `json:"error,omitempty" msgpack:"error,omitempty"`
	Data   json.RawMessage `json:"data,omitempty" msgpack:"data,omitempty"`
}

// Codec turns envelopes into frames
type Codec interface {
	Name() string
	// Binary reports whether frames must go out as binary messages
	Binary() bool
	Marshal(env Envelope) ([]byte, error)
	Unmarshal(data []byte, env *Envelope) error
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }
func (jsonCodec) Binary() bool { return false }

func (jsonCodec) Marshal(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (jsonCodec) Unmarshal(data []byte, env *Envelope) error {
	return json.Unmarshal(data, env)
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return "msgpack" }
func (msgpackCodec) Binary() bool { return true }

func (msgpackCodec) Marshal(env Envelope) ([]byte, error) {
	return msgpack.Marshal(env)
}

func (msgpackCodec) Unmarshal(data []byte, env *Envelope) error {
	return msgpack.Unmarshal(data, env)
}

var (
	JSON    Codec = jsonCodec{}
	MsgPack Codec = msgpackCodec{}
)

// Lookup returns the codec registered under name
func Lookup(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON, nil
	case "msgpack":
		return MsgPack, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// Encode marshals v as JSON into an envelope of the given type
func Encode(typ string, v interface{}) (Envelope, error) {
	env := Envelope{Type: typ}
	if v == nil {
		return env, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	env.Data = data
	return env, nil
}

// Decode unmarshals the envelope payload into v
func (e Envelope) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s envelope has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}
