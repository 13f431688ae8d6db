package realtime

import (
	"encoding/json"
	"time"

	v1 "pulse/contracts/realtime/v1"
)

// newEnvelope wraps a payload. Marshal failures cannot happen for the v1 payload
// structs; they degrade to an empty payload rather than a lost event.
func newEnvelope(typ string, payload any, ts time.Time) v1.Envelope {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			b = []byte("{}")
		}
		raw = b
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewID(ts),
		TS:      ts,
		Payload: raw,
	}
}

func chatEvent(typ string, c Chat, forUser string, ts time.Time) v1.Envelope {
	return newEnvelope(typ, v1.ChatStatePayload{Chat: c.ViewFor(forUser).Wire()}, ts)
}
