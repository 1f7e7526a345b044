package relay

import (
	"context"
	"sync"
	"time"

	"github.com/1ureka/parley/internal/protocol"
	"github.com/1ureka/parley/internal/util"
	"github.com/gorilla/websocket"
)

const (
	peerSendBuffer = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
)

// peer is one websocket joined to a conversation room. Writes go through a
// single writer goroutine; the socket is closed when ctx ends.
type peer struct {
	userID string
	room   string
	ws     *websocket.Conn
	send   chan []byte

	ctx    context.Context
	cancel context.CancelFunc
}

func newPeer(parent context.Context, ws *websocket.Conn, room, userID string) *peer {
	ctx, cancel := context.WithCancel(parent)
	return &peer{
		userID: userID,
		room:   room,
		ws:     ws,
		send:   make(chan []byte, peerSendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// enqueue hands a frame to the writer. Frames for a slow or closed peer are
// dropped.
func (p *peer) enqueue(data []byte) bool {
	select {
	case <-p.ctx.Done():
		return false
	default:
	}
	select {
	case p.send <- data:
		util.Stats.AddSent()
		return true
	default:
		util.Stats.AddDropped()
		util.LogWarning("[relay] send buffer full for user %s, frame dropped", p.userID)
		return false
	}
}

// deliver encodes env and enqueues it.
func (p *peer) deliver(env *protocol.Envelope) bool {
	data, err := protocol.Encode(env)
	if err != nil {
		util.LogError("[relay] encode %s: %v", env.Type, err)
		return false
	}
	return p.enqueue(data)
}

func (p *peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = p.ws.Close()
	}()

	for {
		select {
		case data := <-p.send:
			_ = p.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				util.LogDebug("[relay] write to %s failed: %v", p.userID, err)
				p.cancel()
				return
			}

		case <-ticker.C:
			_ = p.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.cancel()
				return
			}

		case <-p.ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = p.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}

// readPump calls handle for every text frame until the socket fails.
func (p *peer) readPump(handle func(*peer, []byte)) {
	defer p.cancel()

	_ = p.ws.SetReadDeadline(time.Now().Add(pongWait))
	p.ws.SetPongHandler(func(string) error {
		return p.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := p.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				util.LogWarning("[relay] read from %s: %v", p.userID, err)
			}
			return
		}
		// Any inbound frame proves liveness.
		_ = p.ws.SetReadDeadline(time.Now().Add(pongWait))
		handle(p, data)
	}
}

// hub tracks the peers of every conversation room, one peer per user.
type hub struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*peer
}

func newHub() *hub {
	return &hub{rooms: make(map[string]map[string]*peer)}
}

// join registers p and returns the peer it displaced, if the same user was
// already connected to the room.
func (h *hub) join(p *peer) *peer {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[p.room]
	if !ok {
		room = make(map[string]*peer)
		h.rooms[p.room] = room
	}
	prev := room[p.userID]
	room[p.userID] = p
	return prev
}

// leave removes p. It reports false when p had already been displaced or
// disconnected.
func (h *hub) leave(p *peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	room := h.rooms[p.room]
	if room[p.userID] != p {
		return false
	}
	delete(room, p.userID)
	if len(room) == 0 {
		delete(h.rooms, p.room)
	}
	return true
}

// broadcast delivers env to every peer of room except the one for exclude.
func (h *hub) broadcast(room string, env *protocol.Envelope, exclude string) {
	data, err := protocol.Encode(env)
	if err != nil {
		util.LogError("[relay] encode %s: %v", env.Type, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for userID, p := range h.rooms[room] {
		if userID != exclude {
			p.enqueue(data)
		}
	}
}

// sendTo delivers env to one user of room. It reports false when the user
// is not connected.
func (h *hub) sendTo(room, userID string, env *protocol.Envelope) bool {
	h.mu.RLock()
	p, ok := h.rooms[room][userID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return p.deliver(env)
}

// members returns the connected users of room.
func (h *hub) members(room string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.rooms[room]))
	for userID := range h.rooms[room] {
		out = append(out, userID)
	}
	return out
}

// closeAll disconnects every peer.
func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, room := range h.rooms {
		for _, p := range room {
			p.cancel()
		}
	}
	h.rooms = make(map[string]map[string]*peer)
}
