package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/parley/internal/protocol"
)

type recordingChat struct {
	mu       sync.Mutex
	messages []protocol.ChatMessage
	typing   []string
}

func (c *recordingChat) OnRemoteMessage(msg protocol.ChatMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
}

func (c *recordingChat) OnRemoteTyping(userID string, isTyping bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := "stop"
	if isTyping {
		state = "start"
	}
	c.typing = append(c.typing, userID+":"+state)
}

type recordingCall struct {
	mu      sync.Mutex
	signals []protocol.Signal
}

func (c *recordingCall) HandleRemoteSignal(_ context.Context, sig protocol.Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signals = append(c.signals, sig)
}

func decode(t *testing.T, frame string) *protocol.Envelope {
	t.Helper()
	env, err := protocol.Decode([]byte(frame))
	if err != nil {
		t.Fatalf("decode %s: %v", frame, err)
	}
	return env
}

func TestDispatchRoutes(t *testing.T) {
	chat := &recordingChat{}
	call := &recordingCall{}
	r := NewRouter(chat, call)
	ctx := context.Background()

	tests := []struct {
		name  string
		frame string
		want  Route
	}{
		{"chat", `{"type":"chat_message","message":{"id":7,"content":"hi","sender":"assistant","timestamp":"2024-05-01T10:00:00Z"}}`, RouteChat},
		{"typing indicator", `{"type":"typing_indicator","user_id":"bob","is_typing":true}`, RouteTyping},
		{"typing", `{"type":"typing","user_id":"bob","is_typing":false}`, RouteTyping},
		{"nested signal", `{"type":"webrtc_signal","signal":{"type":"offer","data":{"type":"offer","sdp":"v=0"},"from_user":"bob"}}`, RouteCall},
		{"flat signal", `{"type":"webrtc_signal","signal_type":"call-ended","user_id":"bob"}`, RouteCall},
		{"established", `{"type":"connection_established","session_id":"s-1"}`, RouteDiagnostics},
		{"ping", `{"type":"ping"}`, RouteDiagnostics},
		{"pong", `{"type":"pong"}`, RouteDiagnostics},
		{"error", `{"type":"error","message":"target offline"}`, RouteDiagnostics},
		{"unknown", `{"type":"presence","user_id":"bob"}`, RouteDropped},
		{"chat without message", `{"type":"chat_message"}`, RouteDropped},
		{"chat with string message", `{"type":"chat_message","message":"raw"}`, RouteDropped},
		{"typing without user", `{"type":"typing_indicator","is_typing":true}`, RouteDropped},
		{"signal without payload", `{"type":"webrtc_signal"}`, RouteDropped},
		{"signal without type", `{"type":"webrtc_signal","signal":{"from_user":"bob"}}`, RouteDropped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Dispatch(ctx, decode(t, tt.frame)); got != tt.want {
				t.Fatalf("Dispatch = %s, want %s", got, tt.want)
			}
		})
	}

	if len(chat.messages) != 1 || chat.messages[0].ID != "7" || chat.messages[0].Sender != protocol.SenderAssistant {
		t.Fatalf("chat messages = %+v", chat.messages)
	}
	if len(chat.typing) != 2 || chat.typing[0] != "bob:start" || chat.typing[1] != "bob:stop" {
		t.Fatalf("typing = %v", chat.typing)
	}
	if len(call.signals) != 2 {
		t.Fatalf("signals = %+v", call.signals)
	}
	if call.signals[0].Type != protocol.SignalOffer || call.signals[0].FromUser != "bob" {
		t.Fatalf("offer = %+v", call.signals[0])
	}
	var sdp map[string]string
	if err := json.Unmarshal(call.signals[0].Data, &sdp); err != nil || sdp["sdp"] != "v=0" {
		t.Fatalf("offer data = %s (%v)", call.signals[0].Data, err)
	}
	if call.signals[1].Type != protocol.SignalCallEnded || call.signals[1].FromUser != "bob" {
		t.Fatalf("flat signal = %+v", call.signals[1])
	}
	if r.SessionID() != "s-1" {
		t.Fatalf("SessionID = %q", r.SessionID())
	}
	if r.LastServerError() != "target offline" {
		t.Fatalf("LastServerError = %q", r.LastServerError())
	}
}

func TestDispatchWithoutConsumers(t *testing.T) {
	r := NewRouter(nil, nil)
	ctx := context.Background()

	if got := r.Dispatch(ctx, nil); got != RouteDropped {
		t.Fatalf("nil envelope routed to %s", got)
	}
	if got := r.Dispatch(ctx, decode(t, `{"type":"chat_message","message":{"id":"a","content":"x"}}`)); got != RouteDropped {
		t.Fatalf("chat without consumer routed to %s", got)
	}
	if got := r.Dispatch(ctx, decode(t, `{"type":"webrtc_signal","signal":{"type":"offer"}}`)); got != RouteDropped {
		t.Fatalf("signal without consumer routed to %s", got)
	}
}

func TestRunPreservesOrder(t *testing.T) {
	chat := &recordingChat{}
	r := NewRouter(chat, nil)

	in := make(chan *protocol.Envelope, 3)
	for _, id := range []string{"1", "2", "3"} {
		in <- decode(t, `{"type":"chat_message","message":{"id":"`+id+`","content":"m`+id+`"}}`)
	}
	close(in)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), in) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after input closed")
	}

	if len(chat.messages) != 3 {
		t.Fatalf("got %d messages", len(chat.messages))
	}
	for i, want := range []protocol.MessageID{"1", "2", "3"} {
		if chat.messages[i].ID != want {
			t.Fatalf("message %d id = %s, want %s", i, chat.messages[i].ID, want)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	r := NewRouter(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := r.Run(ctx, make(chan *protocol.Envelope)); err != context.Canceled {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
}
