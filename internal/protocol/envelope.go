// Package protocol defines the envelope format exchanged over the chat
// channel. A single websocket carries both chat traffic and call signaling;
// every frame is a self-describing JSON object discriminated by "type".
package protocol

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of envelope.
type Type string

// Envelope type constants.
const (
	TypeChatMessage           Type = "chat_message"
	TypeTyping                Type = "typing"           // outbound typing edge
	TypeTypingIndicator       Type = "typing_indicator" // inbound typing state of another user
	TypeWebRTCSignal          Type = "webrtc_signal"
	TypePing                  Type = "ping"
	TypePong                  Type = "pong"
	TypeConnectionEstablished Type = "connection_established"
	TypeError                 Type = "error"
)

// SignalType identifies the call-negotiation step carried by a webrtc_signal.
type SignalType string

// Call signal constants.
const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
	SignalCallEnded    SignalType = "call-ended"
	SignalCallRejected SignalType = "call-rejected"
)

// Sender identifies who authored a chat message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
	SenderSystem    Sender = "system"
)

// Envelope is the unit of wire exchange. Only the fields relevant to Type are
// populated; the rest are omitted when encoding.
//
// Message is kept raw because its shape depends on direction: outbound
// chat_message and error frames carry a string, inbound chat_message carries
// a ChatMessage object.
type Envelope struct {
	Type Type `json:"type"`

	// chat_message / error
	Message   json.RawMessage `json:"message,omitempty"`
	MessageID string          `json:"message_id,omitempty"` // outbound chat_message only

	// typing / typing_indicator
	UserID   string `json:"user_id,omitempty"`
	IsTyping *bool  `json:"is_typing,omitempty"`

	// webrtc_signal (outbound, flat)
	SignalType SignalType      `json:"signal_type,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	TargetUser string          `json:"target_user,omitempty"`

	// webrtc_signal (inbound, nested)
	Signal *Signal `json:"signal,omitempty"`

	// connection_established
	SessionID string `json:"session_id,omitempty"`
}

// Signal is a call-negotiation payload. Data is a session descriptor for
// offer/answer, an ICE candidate init for ice-candidate, and empty otherwise.
type Signal struct {
	Type       SignalType      `json:"type"`
	Data       json.RawMessage `json:"data,omitempty"`
	FromUser   string          `json:"from_user,omitempty"`
	TargetUser string          `json:"target_user,omitempty"`
}

// ChatMessage is one entry of a conversation timeline.
type ChatMessage struct {
	ID        MessageID `json:"id"`
	Content   string    `json:"content"`
	Sender    Sender    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// NewChatMessage builds an outbound chat_message envelope. id is the
// client-assigned message id that the server echoes back.
func NewChatMessage(id, content string) *Envelope {
	raw, _ := json.Marshal(content)
	return &Envelope{Type: TypeChatMessage, Message: raw, MessageID: id}
}

// NewTyping builds an outbound typing envelope.
func NewTyping(isTyping bool) *Envelope {
	return &Envelope{Type: TypeTyping, IsTyping: &isTyping}
}

// NewSignal builds an outbound webrtc_signal envelope. data is marshalled to
// JSON; a nil data produces an envelope without a data field.
func NewSignal(target string, typ SignalType, data any) (*Envelope, error) {
	env := &Envelope{Type: TypeWebRTCSignal, SignalType: typ, TargetUser: target}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		env.Data = raw
	}
	return env, nil
}

// NewPing builds a keep-alive ping envelope.
func NewPing() *Envelope {
	return &Envelope{Type: TypePing}
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// ChatMessage decodes the object form of the message field (inbound
// chat_message).
func (e *Envelope) ChatMessage() (ChatMessage, error) {
	var msg ChatMessage
	if len(e.Message) == 0 {
		return msg, errMissing("message")
	}
	if err := json.Unmarshal(e.Message, &msg); err != nil {
		return msg, err
	}
	return msg, nil
}

// Text decodes the string form of the message field (outbound chat_message,
// inbound error).
func (e *Envelope) Text() (string, error) {
	var s string
	if len(e.Message) == 0 {
		return "", errMissing("message")
	}
	if err := json.Unmarshal(e.Message, &s); err != nil {
		return "", err
	}
	return s, nil
}

// Typing reports the typing flag, treating an absent flag as false.
func (e *Envelope) Typing() bool {
	return e.IsTyping != nil && *e.IsTyping
}
