package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestEncodeOutboundShapes(t *testing.T) {
	sig, err := NewSignal("u2", SignalOffer, map[string]string{"type": "offer", "sdp": "v=0"})
	if err != nil {
		t.Fatalf("NewSignal: %v", err)
	}

	tests := []struct {
		name string
		env  *Envelope
		want string
	}{
		{"chat", NewChatMessage("m1", "hello"), `{"type":"chat_message","message":"hello","message_id":"m1"}`},
		{"typing true", NewTyping(true), `{"type":"typing","is_typing":true}`},
		{"typing false", NewTyping(false), `{"type":"typing","is_typing":false}`},
		{"ping", NewPing(), `{"type":"ping"}`},
		{"offer", sig, `{"type":"webrtc_signal","signal_type":"offer","data":{"sdp":"v=0","type":"offer"},"target_user":"u2"}`},
	}

	for _, tt := range tests {
		got, err := Encode(tt.env)
		if err != nil {
			t.Fatalf("%s: Encode: %v", tt.name, err)
		}
		if string(got) != tt.want {
			t.Fatalf("%s: got %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestEncodeRejectsUntyped(t *testing.T) {
	if _, err := Encode(&Envelope{}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if _, err := Encode(nil); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for nil, got %v", err)
	}
}

func TestNewSignalWithoutData(t *testing.T) {
	env, err := NewSignal("u2", SignalCallEnded, nil)
	if err != nil {
		t.Fatalf("NewSignal: %v", err)
	}
	if env.Data != nil {
		t.Fatalf("expected no data, got %s", env.Data)
	}
}

func TestDecodeInboundShapes(t *testing.T) {
	env, err := Decode([]byte(`{"type":"chat_message","message":{"id":42,"content":"hi","sender":"assistant","timestamp":"2024-05-01T10:00:00Z"}}`))
	if err != nil {
		t.Fatalf("Decode chat: %v", err)
	}
	msg, err := env.ChatMessage()
	if err != nil {
		t.Fatalf("ChatMessage: %v", err)
	}
	if msg.ID != "42" || msg.Content != "hi" || msg.Sender != SenderAssistant {
		t.Fatalf("unexpected message: %+v", msg)
	}

	env, err = Decode([]byte(`{"type":"webrtc_signal","signal":{"type":"ice-candidate","data":{"candidate":"c"},"from_user":"u1"}}`))
	if err != nil {
		t.Fatalf("Decode signal: %v", err)
	}
	if env.Signal == nil || env.Signal.Type != SignalICECandidate || env.Signal.FromUser != "u1" {
		t.Fatalf("unexpected signal: %+v", env.Signal)
	}

	env, err = Decode([]byte(`{"type":"typing_indicator","user_id":"u3","is_typing":true}`))
	if err != nil {
		t.Fatalf("Decode typing: %v", err)
	}
	if env.UserID != "u3" || !env.Typing() {
		t.Fatalf("unexpected typing envelope: %+v", env)
	}

	env, err = Decode([]byte(`{"type":"error","message":"target offline"}`))
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if text, err := env.Text(); err != nil || text != "target offline" {
		t.Fatalf("Text() = %q, %v", text, err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	frames := []string{
		``,
		`   `,
		`[1,2,3]`,
		`"chat_message"`,
		`{"type":`,
		`{"message":"no type"}`,
		`{"type":""}`,
	}
	for _, f := range frames {
		if _, err := Decode([]byte(f)); !errors.Is(err, ErrMalformed) {
			t.Fatalf("frame %q: expected ErrMalformed, got %v", f, err)
		}
	}
}

func TestDecodeUnknownTypeIsAccepted(t *testing.T) {
	env, err := Decode([]byte(`{"type":"presence","user_id":"u9"}`))
	if err != nil {
		t.Fatalf("unknown type should decode, got %v", err)
	}
	if env.Type != "presence" {
		t.Fatalf("got type %q", env.Type)
	}
}

func TestAccessorsOnWrongShape(t *testing.T) {
	env := NewChatMessage("m1", "plain text")
	if _, err := env.ChatMessage(); err == nil {
		t.Fatal("expected error decoding string message as object")
	}

	empty := &Envelope{Type: TypeChatMessage}
	if _, err := empty.Text(); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if empty.Typing() {
		t.Fatal("absent is_typing must read as false")
	}
}

func TestMessageIDForms(t *testing.T) {
	var msg ChatMessage
	if err := json.Unmarshal([]byte(`{"id":"3f2a-uuid","content":"x","sender":"user","timestamp":"2024-05-01T10:00:00Z"}`), &msg); err != nil {
		t.Fatalf("string id: %v", err)
	}
	if msg.ID != "3f2a-uuid" {
		t.Fatalf("got %q", msg.ID)
	}

	out, err := json.Marshal(MessageID("17"))
	if err != nil || string(out) != "17" {
		t.Fatalf("numeric id marshal: %s, %v", out, err)
	}
	out, err = json.Marshal(MessageID("abc"))
	if err != nil || string(out) != `"abc"` {
		t.Fatalf("string id marshal: %s, %v", out, err)
	}

	if err := json.Unmarshal([]byte(`{"id":true}`), &msg); err == nil || !strings.Contains(err.Error(), "message id") {
		t.Fatalf("expected message id error, got %v", err)
	}
}
