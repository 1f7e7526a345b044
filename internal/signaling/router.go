// Package signaling routes inbound envelopes from the channel to the chat and
// call consumers, and builds the outbound ones.
package signaling

import (
	"context"
	"sync"

	"github.com/1ureka/parley/internal/protocol"
	"github.com/1ureka/parley/internal/util"
)

// ChatHandler consumes chat traffic.
type ChatHandler interface {
	OnRemoteMessage(msg protocol.ChatMessage)
	OnRemoteTyping(userID string, isTyping bool)
}

// CallHandler consumes call negotiation signals.
type CallHandler interface {
	HandleRemoteSignal(ctx context.Context, sig protocol.Signal)
}

// Route is the consumer an envelope was handed to.
type Route int

const (
	RouteDropped Route = iota
	RouteChat
	RouteTyping
	RouteCall
	RouteDiagnostics
)

func (r Route) String() string {
	switch r {
	case RouteChat:
		return "chat"
	case RouteTyping:
		return "typing"
	case RouteCall:
		return "call"
	case RouteDiagnostics:
		return "diagnostics"
	default:
		return "dropped"
	}
}

// Router dispatches each inbound envelope to exactly one consumer. Envelopes
// that cannot be routed are logged and dropped.
type Router struct {
	chat ChatHandler
	call CallHandler
	log  util.Logger

	mu        sync.Mutex
	sessionID string
	lastError string
}

// NewRouter returns a Router. Either handler may be nil, in which case the
// matching envelopes are dropped.
func NewRouter(chat ChatHandler, call CallHandler) *Router {
	return &Router{chat: chat, call: call, log: util.Scope("router")}
}

// Run dispatches envelopes in receive order until in is closed or ctx ends.
func (r *Router) Run(ctx context.Context, in <-chan *protocol.Envelope) error {
	for {
		select {
		case env, ok := <-in:
			if !ok {
				return nil
			}
			r.Dispatch(ctx, env)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Dispatch routes a single envelope and reports where it went.
func (r *Router) Dispatch(ctx context.Context, env *protocol.Envelope) Route {
	if env == nil {
		return RouteDropped
	}

	switch env.Type {
	case protocol.TypeChatMessage:
		if r.chat == nil {
			return r.drop(env, "no chat consumer")
		}
		msg, err := env.ChatMessage()
		if err != nil {
			return r.drop(env, err.Error())
		}
		r.chat.OnRemoteMessage(msg)
		return RouteChat

	case protocol.TypeTypingIndicator, protocol.TypeTyping:
		if r.chat == nil {
			return r.drop(env, "no chat consumer")
		}
		if env.UserID == "" {
			return r.drop(env, "missing user_id")
		}
		r.chat.OnRemoteTyping(env.UserID, env.Typing())
		return RouteTyping

	case protocol.TypeWebRTCSignal:
		if r.call == nil {
			return r.drop(env, "no call consumer")
		}
		sig, ok := signalOf(env)
		if !ok {
			return r.drop(env, "missing signal")
		}
		r.call.HandleRemoteSignal(ctx, sig)
		return RouteCall

	case protocol.TypeConnectionEstablished:
		r.mu.Lock()
		r.sessionID = env.SessionID
		r.mu.Unlock()
		r.log.Infof("channel established (session %s)", env.SessionID)
		return RouteDiagnostics

	case protocol.TypePing, protocol.TypePong:
		r.log.Debugf("%s", env.Type)
		return RouteDiagnostics

	case protocol.TypeError:
		text, err := env.Text()
		if err != nil {
			text = string(env.Message)
		}
		r.mu.Lock()
		r.lastError = text
		r.mu.Unlock()
		r.log.Errorf("server error: %s", text)
		return RouteDiagnostics

	default:
		return r.drop(env, "unknown type")
	}
}

func (r *Router) drop(env *protocol.Envelope, reason string) Route {
	r.log.Warnf("dropping %q envelope: %s", env.Type, reason)
	return RouteDropped
}

// signalOf extracts the call signal. The relay nests it under "signal"; a
// flat signal_type/data form is accepted too.
func signalOf(env *protocol.Envelope) (protocol.Signal, bool) {
	if env.Signal != nil {
		if env.Signal.Type == "" {
			return protocol.Signal{}, false
		}
		return *env.Signal, true
	}
	if env.SignalType == "" {
		return protocol.Signal{}, false
	}
	return protocol.Signal{
		Type:       env.SignalType,
		Data:       env.Data,
		FromUser:   env.UserID,
		TargetUser: env.TargetUser,
	}, true
}

// SessionID returns the id announced by the last connection_established.
func (r *Router) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// LastServerError returns the text of the last error envelope.
func (r *Router) LastServerError() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastError
}
