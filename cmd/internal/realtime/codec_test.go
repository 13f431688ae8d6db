package realtime

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	v1 "pulse/contracts/realtime/v1"

	"github.com/coder/websocket"
)

func TestCodecFor(t *testing.T) {
	cases := []struct {
		subprotocol string
		wantType    websocket.MessageType
		wantNil     bool
	}{
		{wsSubprotocolJSON, websocket.MessageText, false},
		{wsSubprotocolMsgpack, websocket.MessageBinary, false},
		{"", 0, true},
		{"pulse.realtime.v2", 0, true},
	}
	for _, tc := range cases {
		c := codecFor(tc.subprotocol)
		if tc.wantNil {
			if c != nil {
				t.Fatalf("codecFor(%q) = %v, want nil", tc.subprotocol, c)
			}
			continue
		}
		if c == nil || c.Subprotocol() != tc.subprotocol || c.MessageType() != tc.wantType {
			t.Fatalf("codecFor(%q) = %v", tc.subprotocol, c)
		}
	}
}

func TestMsgpackCodec_PreservesPayloadFields(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := newEnvelope(v1.EventNewMessageReceived, v1.NewMessageReceivedPayload{
		ChatID:  "chat-1",
		Message: v1.Message{ID: "m1", ChatID: "chat-1", SenderID: "a", RecipientID: "b", Text: "héllo", Status: "active", CreatedAt: ts},
	}, ts)

	codec := msgpackCodec{}
	b, err := codec.Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := codec.Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.V != in.V || out.Type != in.Type || out.ID != in.ID || !out.TS.Equal(in.TS) {
		t.Fatalf("envelope header mismatch: %+v vs %+v", out, in)
	}

	var p v1.NewMessageReceivedPayload
	if err := json.Unmarshal(out.Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.ChatID != "chat-1" || p.Message.Text != "héllo" || !p.Message.CreatedAt.Equal(ts) {
		t.Fatalf("payload mismatch: %+v", p)
	}
}

func TestMsgpackCodec_KeepsNumbers(t *testing.T) {
	in := v1.Envelope{V: v1.Version, Type: v1.TypeChatHistory, ID: "r1", Payload: json.RawMessage(`{"chatId":"c","limit":25}`)}

	b, err := msgpackCodec{}.Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := msgpackCodec{}.Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var p v1.ChatHistoryPayload
	if err := json.Unmarshal(out.Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.Limit != 25 {
		t.Fatalf("limit=%d want 25", p.Limit)
	}
}

func TestCodecs_RejectGarbageAsBadFrame(t *testing.T) {
	for _, c := range []Codec{jsonCodec{}, msgpackCodec{}} {
		if _, err := c.Decode([]byte{0xc1, 0x00, '{'}); !errors.Is(err, errBadFrame) {
			t.Fatalf("%s: expected errBadFrame, got %v", c.Subprotocol(), err)
		}
	}
}
