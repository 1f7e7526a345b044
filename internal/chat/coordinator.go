// Package chat keeps the ordered message timeline of one conversation and the
// set of remote users currently typing.
//
// Sends are optimistic: a submitted message is on the timeline before either
// the real-time publish or the persistence call completes. A failed
// persistence call adds one system message; the original stays.
package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/1ureka/parley/internal/protocol"
	"github.com/1ureka/parley/internal/util"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultTypingDebounce = time.Second
	DefaultEchoWindow     = 10 * time.Second

	pendingEchoSize = 256
	eventBufferSize = 64
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("chat: coordinator closed")

// Persister stores messages durably. api.Client satisfies it.
type Persister interface {
	PostMessage(ctx context.Context, conversationID, content string, sender protocol.Sender) error
}

// Publisher sends real-time chat traffic. signaling.Sender satisfies it.
type Publisher interface {
	PublishChat(id, content string)
	PublishTyping(isTyping bool)
}

// Options configures a Coordinator.
type Options struct {
	ConversationID string
	Persister      Persister
	Publisher      Publisher
	Clock          clock.Clock

	// TypingDebounce is the idle time after the last keystroke before the
	// stop edge is sent.
	TypingDebounce time.Duration
	// TypingExpiry drops a remote typist after this long without an update.
	// Zero keeps typists until they send a stop.
	TypingExpiry time.Duration
	// EchoWindow is how long a sent id is remembered to suppress the relay's
	// echo of it.
	EchoWindow time.Duration
}

// EventKind identifies a coordinator notification.
type EventKind int

const (
	EventMessage EventKind = iota
	EventTyping
)

// Event is delivered to subscribers.
type Event struct {
	Kind    EventKind
	Message protocol.ChatMessage // EventMessage
	Typing  []string             // EventTyping, sorted
}

// Coordinator is the chat stream of one conversation.
type Coordinator struct {
	opts Options
	log  util.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Ids this client sent, waiting for the relay echo.
	pending *expirable.LRU[protocol.MessageID, struct{}]

	mu       sync.Mutex
	closed   bool
	timeline []protocol.ChatMessage

	typing      bool
	typingGen   uint64
	typingTimer *clock.Timer

	remoteTyping map[string]typist
	typistGen    uint64

	subs    map[int]chan Event
	nextSub int
}

// New returns a Coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.Persister == nil || opts.Publisher == nil {
		return nil, errors.New("chat: persister and publisher are required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.TypingDebounce <= 0 {
		opts.TypingDebounce = DefaultTypingDebounce
	}
	if opts.EchoWindow <= 0 {
		opts.EchoWindow = DefaultEchoWindow
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		opts:         opts,
		log:          util.Scope("chat"),
		ctx:          ctx,
		cancel:       cancel,
		pending:      expirable.NewLRU[protocol.MessageID, struct{}](pendingEchoSize, nil, opts.EchoWindow),
		remoteTyping: make(map[string]typist),
		subs:         make(map[int]chan Event),
	}, nil
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// Submit appends content to the timeline, publishes it on the channel and
// persists it in the background. Empty content is rejected with ErrEmpty.
func (c *Coordinator) Submit(ctx context.Context, content string) (protocol.ChatMessage, error) {
	text, err := Sanitize(content)
	if err != nil {
		return protocol.ChatMessage{}, err
	}

	msg := protocol.ChatMessage{
		ID:        protocol.MessageID(uuid.NewString()),
		Content:   text,
		Sender:    protocol.SenderUser,
		Timestamp: c.opts.Clock.Now(),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return protocol.ChatMessage{}, ErrClosed
	}
	c.appendLocked(msg)
	c.pending.Add(msg.ID, struct{}{})
	c.wg.Add(1)
	c.mu.Unlock()

	c.opts.Publisher.PublishChat(string(msg.ID), text)
	go c.persist(context.WithoutCancel(ctx), text)

	return msg, nil
}

// persist runs independently of the publish; its failure never removes the
// optimistic message.
func (c *Coordinator) persist(parent context.Context, text string) {
	defer c.wg.Done()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	err := c.opts.Persister.PostMessage(ctx, c.opts.ConversationID, text, protocol.SenderUser)
	if err == nil {
		return
	}

	c.log.Warnf("failed to persist message: %v", err)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appendLocked(protocol.ChatMessage{
		ID:        protocol.MessageID(uuid.NewString()),
		Content:   "Failed to save message: " + err.Error(),
		Sender:    protocol.SenderSystem,
		Timestamp: c.opts.Clock.Now(),
	})
}

// OnRemoteMessage appends a message received from the channel. The relay's
// echo of a message this client sent is dropped.
func (c *Coordinator) OnRemoteMessage(msg protocol.ChatMessage) {
	if _, sent := c.pending.Peek(msg.ID); sent && msg.ID != "" {
		c.pending.Remove(msg.ID)
		c.log.Debugf("suppressed echo of %s", msg.ID)
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = c.opts.Clock.Now()
	}
	if msg.Sender == "" {
		msg.Sender = protocol.SenderUser
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.appendLocked(msg)
}

// Timeline returns a copy of the messages in display order.
func (c *Coordinator) Timeline() []protocol.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.ChatMessage(nil), c.timeline...)
}

func (c *Coordinator) appendLocked(msg protocol.ChatMessage) {
	c.timeline = append(c.timeline, msg)
	c.emitLocked(Event{Kind: EventMessage, Message: msg})
}

// ---------------------------------------------------------------------------
// Typing
// ---------------------------------------------------------------------------

// SetTyping reports local keystrokes. Only edges are published: true on the
// first keystroke, false once TypingDebounce passes without another one or
// when SetTyping(false) is called.
func (c *Coordinator) SetTyping(isTyping bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	if !isTyping {
		c.stopTypingLocked()
		return
	}

	if !c.typing {
		c.typing = true
		c.opts.Publisher.PublishTyping(true)
	}

	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingGen++
	gen := c.typingGen
	c.typingTimer = c.opts.Clock.AfterFunc(c.opts.TypingDebounce, func() { c.typingIdle(gen) })
}

func (c *Coordinator) typingIdle(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.typingGen {
		return
	}
	c.stopTypingLocked()
}

func (c *Coordinator) stopTypingLocked() {
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	c.typingGen++
	if c.typing {
		c.typing = false
		c.opts.Publisher.PublishTyping(false)
	}
}

// typist is a registry entry. expiry is nil unless TypingExpiry is set.
type typist struct {
	expiry *clock.Timer
	gen    uint64
}

// OnRemoteTyping updates the typing registry.
func (c *Coordinator) OnRemoteTyping(userID string, isTyping bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	prev, present := c.remoteTyping[userID]
	if prev.expiry != nil {
		prev.expiry.Stop()
	}

	if !isTyping {
		if !present {
			return
		}
		delete(c.remoteTyping, userID)
		c.emitTypingLocked()
		return
	}

	c.typistGen++
	entry := typist{gen: c.typistGen}
	if c.opts.TypingExpiry > 0 {
		gen := entry.gen
		entry.expiry = c.opts.Clock.AfterFunc(c.opts.TypingExpiry, func() { c.expireTypist(userID, gen) })
	}
	c.remoteTyping[userID] = entry
	if !present {
		c.emitTypingLocked()
	}
}

func (c *Coordinator) expireTypist(userID string, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.remoteTyping[userID]; !ok || entry.gen != gen {
		return
	}
	delete(c.remoteTyping, userID)
	c.emitTypingLocked()
}

// TypingUsers returns the remote users currently typing, sorted.
func (c *Coordinator) TypingUsers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typingUsersLocked()
}

func (c *Coordinator) typingUsersLocked() []string {
	users := make([]string, 0, len(c.remoteTyping))
	for u := range c.remoteTyping {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

func (c *Coordinator) emitTypingLocked() {
	c.emitLocked(Event{Kind: EventTyping, Typing: c.typingUsersLocked()})
}

// ---------------------------------------------------------------------------
// Lifecycle & observers
// ---------------------------------------------------------------------------

// Subscribe registers for timeline and typing updates. Slow subscribers miss
// events.
func (c *Coordinator) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, eventBufferSize)

	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.mu.Unlock()

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
}

func (c *Coordinator) emitLocked(ev Event) {
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Wait blocks until every in-flight persistence call has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Close sends a pending typing stop, cancels in-flight persistence calls and
// closes all subscriptions.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.stopTypingLocked()
	c.closed = true
	for _, t := range c.remoteTyping {
		if t.expiry != nil {
			t.expiry.Stop()
		}
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
}
