package signaling

import (
	"fmt"

	"github.com/1ureka/parley/internal/protocol"
	"github.com/1ureka/parley/internal/util"
)

// EnvelopeSender writes envelopes to the channel. transport.Session satisfies
// it.
type EnvelopeSender interface {
	Send(env *protocol.Envelope)
}

// Sender builds outbound envelopes.
type Sender struct {
	out EnvelopeSender
}

func NewSender(out EnvelopeSender) *Sender {
	return &Sender{out: out}
}

// SendSignal sends a call signal to target. data is marshalled as the signal
// payload and may be nil.
func (s *Sender) SendSignal(target string, typ protocol.SignalType, data any) error {
	env, err := protocol.NewSignal(target, typ, data)
	if err != nil {
		return fmt.Errorf("failed to encode %s signal: %w", typ, err)
	}
	s.out.Send(env)
	util.Stats.AddSignal()
	util.LogDebug("[signal] %s → %s", typ, target)
	return nil
}

// PublishChat sends a chat message with a client-assigned id.
func (s *Sender) PublishChat(id, content string) {
	s.out.Send(protocol.NewChatMessage(id, content))
}

// PublishTyping sends a typing edge.
func (s *Sender) PublishTyping(isTyping bool) {
	s.out.Send(protocol.NewTyping(isTyping))
}

// Ping sends a keep-alive ping.
func (s *Sender) Ping() {
	s.out.Send(protocol.NewPing())
}
