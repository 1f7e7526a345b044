// Package transport owns the long-lived websocket channel to the relay. A
// Session reconnects on its own with a fixed delay, keeps the connection alive
// with pings and hands decoded envelopes to a single consumer in receive
// order.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/parley/internal/protocol"
	"github.com/1ureka/parley/internal/util"
	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
)

const (
	DefaultReconnectDelay = 3 * time.Second
	DefaultPingInterval   = 30 * time.Second

	inboundBufferSize = 64 // decoded envelopes waiting for the consumer
	statusBufferSize  = 16
)

// ErrClosed is returned by Close when the session was already closed.
var ErrClosed = errors.New("transport: session closed")

// Status is the observable state of the channel.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnected
	StatusReconnecting
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Dropped reports whether the status means the channel is unusable.
func (s Status) Dropped() bool {
	return s == StatusDisconnected || s == StatusError
}

// CredentialFunc returns a fresh channel token. Tokens are single-use, so it
// is called before every dial.
type CredentialFunc func(ctx context.Context) (string, error)

// Options configures a Session.
type Options struct {
	Endpoint       string // e.g. ws://host/ws/chat/<conversation>
	Credential     CredentialFunc
	ReconnectDelay time.Duration
	PingInterval   time.Duration
	Clock          clock.Clock
	Dialer         *websocket.Dialer
}

// Session is a self-healing websocket channel.
type Session struct {
	opts Options
	log  util.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	envelopes chan *protocol.Envelope

	mu      sync.Mutex
	status  Status
	conn    *conn
	subs    map[int]chan Status
	nextSub int

	closeOnce sync.Once
}

// Connect validates opts and starts the connection loop. It returns before the
// first dial completes; watch Subscribe for the outcome.
func Connect(ctx context.Context, opts Options) (*Session, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("transport: endpoint is required")
	}
	if opts.Credential == nil {
		return nil, errors.New("transport: credential func is required")
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}

	sCtx, sCancel := context.WithCancel(ctx)
	s := &Session{
		opts:      opts,
		log:       util.Scope("transport"),
		ctx:       sCtx,
		cancel:    sCancel,
		done:      make(chan struct{}),
		envelopes: make(chan *protocol.Envelope, inboundBufferSize),
		status:    StatusDisconnected,
		subs:      make(map[int]chan Status),
	}

	go s.run()
	return s, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Done returns a channel that is closed once the session has shut down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close stops reconnecting, closes the active connection and waits for the
// connection loop to exit.
func (s *Session) Close() error {
	err := ErrClosed
	s.closeOnce.Do(func() { err = nil })
	s.cancel()
	<-s.done
	return err
}

func (s *Session) run() {
	defer close(s.done)
	defer s.closeSubscribers()
	defer close(s.envelopes)

	for {
		if err := s.connectOnce(); err != nil {
			if s.ctx.Err() != nil {
				s.setStatus(StatusDisconnected)
				return
			}
			s.log.Warnf("connect failed: %v", err)
			s.setStatus(StatusError)
		} else {
			s.setStatus(StatusDisconnected)
		}

		if s.ctx.Err() != nil {
			return
		}

		s.setStatus(StatusReconnecting)
		util.Stats.AddRetry()
		s.log.Infof("reconnecting in %s", s.opts.ReconnectDelay)

		select {
		case <-s.opts.Clock.After(s.opts.ReconnectDelay):
		case <-s.ctx.Done():
			s.setStatus(StatusDisconnected)
			return
		}
	}
}

// connectOnce dials a single connection and serves it until it drops. A nil
// return means the connection was open and later closed.
func (s *Session) connectOnce() error {
	token, err := s.opts.Credential(s.ctx)
	if err != nil {
		return fmt.Errorf("credential: %w", err)
	}

	ws, _, err := s.opts.Dialer.DialContext(s.ctx, s.opts.Endpoint+"/"+token+"/", nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.opts.Endpoint, err)
	}

	c := newConn(s.ctx, ws)
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()

	s.log.Infof("connected to %s", s.opts.Endpoint)
	s.setStatus(StatusConnected)

	go s.keepAlive(c)
	err = s.readLoop(c)

	s.mu.Lock()
	if s.conn == c {
		s.conn = nil
	}
	s.mu.Unlock()
	c.close()

	if s.ctx.Err() == nil {
		s.log.Warnf("connection lost: %v", err)
	}
	return nil
}

// readLoop decodes frames until the connection fails. Malformed frames are
// dropped and do not end the connection.
func (s *Session) readLoop(c *conn) error {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}

		env, err := protocol.Decode(data)
		if err != nil {
			util.Stats.AddDropped()
			s.log.Warnf("dropping inbound frame: %v", err)
			continue
		}

		util.Stats.AddRecv()
		if env.Type == protocol.TypePong {
			util.Stats.AddPong()
		}

		select {
		case s.envelopes <- env:
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}
}

// keepAlive sends a ping every PingInterval while c is open. A missing pong is
// not treated as a failure.
func (s *Session) keepAlive(c *conn) {
	ticker := s.opts.Clock.Ticker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.enqueue(c, protocol.NewPing())
		case <-c.ctx.Done():
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// Envelopes returns the inbound stream. It is closed when the session shuts
// down.
func (s *Session) Envelopes() <-chan *protocol.Envelope {
	return s.envelopes
}

// Send writes env on the current connection. While disconnected the envelope
// is dropped.
func (s *Session) Send(env *protocol.Envelope) {
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()

	if c == nil {
		util.Stats.AddDropped()
		s.log.Debugf("not connected, dropping %s", envType(env))
		return
	}
	s.enqueue(c, env)
}

func (s *Session) enqueue(c *conn, env *protocol.Envelope) {
	data, err := protocol.Encode(env)
	if err != nil {
		util.Stats.AddDropped()
		s.log.Errorf("cannot encode %s: %v", envType(env), err)
		return
	}
	if !c.send(data) {
		util.Stats.AddDropped()
		s.log.Debugf("connection closing, dropping %s", envType(env))
	}
}

func envType(env *protocol.Envelope) string {
	if env == nil {
		return "<nil>"
	}
	return string(env.Type)
}

// ---------------------------------------------------------------------------
// Status
// ---------------------------------------------------------------------------

// Status returns the current channel status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Subscribe registers for status changes. The returned func unsubscribes and
// closes the channel. Slow subscribers miss intermediate updates.
func (s *Session) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, statusBufferSize)

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == st {
		return
	}
	s.status = st
	s.log.Debugf("status: %s", st)

	for _, ch := range s.subs {
		select {
		case ch <- st:
		default:
		}
	}
}

func (s *Session) closeSubscribers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
