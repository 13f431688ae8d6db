package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	v1 "pulse/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	wsSubprotocolJSON    = "pulse.realtime.v1"
	wsSubprotocolMsgpack = "pulse.realtime.v1+msgpack"
)

// Codec frames envelopes for one negotiated subprotocol.
type Codec interface {
	Subprotocol() string
	MessageType() websocket.MessageType
	Encode(env v1.Envelope) ([]byte, error)
	Decode(data []byte) (v1.Envelope, error)
}

// codecFor returns the codec for a negotiated subprotocol, or nil when unsupported.
func codecFor(subprotocol string) Codec {
	switch subprotocol {
	case wsSubprotocolJSON:
		return jsonCodec{}
	case wsSubprotocolMsgpack:
		return msgpackCodec{}
	default:
		return nil
	}
}

type jsonCodec struct{}

func (jsonCodec) Subprotocol() string { return wsSubprotocolJSON }
func (jsonCodec) MessageType() websocket.MessageType { return websocket.MessageText }
func (jsonCodec) Encode(env v1.Envelope) ([]byte, error) { return json.Marshal(env) }

func (jsonCodec) Decode(data []byte) (v1.Envelope, error) {
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadFrame, err)
	}
	return env, nil
}

// msgpackCodec carries the same envelope as binary frames. Payloads keep their
// JSON field names: they are converted through a generic value on the way in and out.
type msgpackCodec struct{}

type msgpackEnvelope struct {
	V       string    `msgpack:"v"`
	Type    string    `msgpack:"type"`
	ID      string    `msgpack:"id,omitempty"`
	TS      time.Time `msgpack:"ts,omitempty"`
	Payload any       `msgpack:"payload,omitempty"`
}

func (msgpackCodec) Subprotocol() string { return wsSubprotocolMsgpack }
func (msgpackCodec) MessageType() websocket.MessageType { return websocket.MessageBinary }

func (msgpackCodec) Encode(env v1.Envelope) ([]byte, error) {
	out := msgpackEnvelope{V: env.V, Type: env.Type, ID: env.ID, TS: env.TS}
	if len(env.Payload) > 0 {
		dec := json.NewDecoder(bytes.NewReader(env.Payload))
		dec.UseNumber()
		var p any
		if err := dec.Decode(&p); err != nil {
			return nil, err
		}
		out.Payload = jsonNumbersToNative(p)
	}
	return msgpack.Marshal(out)
}

func (msgpackCodec) Decode(data []byte) (v1.Envelope, error) {
	var in msgpackEnvelope
	if err := msgpack.Unmarshal(data, &in); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadFrame, err)
	}
	env := v1.Envelope{V: in.V, Type: in.Type, ID: in.ID, TS: in.TS}
	if in.Payload != nil {
		b, err := json.Marshal(in.Payload)
		if err != nil {
			return v1.Envelope{}, fmt.Errorf("%w: %v", errBadFrame, err)
		}
		env.Payload = b
	}
	return env, nil
}

// jsonNumbersToNative turns json.Number leaves into int64 or float64 so msgpack
// encodes them as numbers rather than strings.
func jsonNumbersToNative(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case map[string]any:
		for k, e := range x {
			x[k] = jsonNumbersToNative(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = jsonNumbersToNative(e)
		}
		return x
	default:
		return v
	}
}
