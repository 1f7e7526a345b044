package transport

import (
	"context"
	"sync"
	"time"

	"github.com/1ureka/parley/internal/util"
	"github.com/gorilla/websocket"
)

const sendBufferSize = 64 // outgoing frame channel capacity

// conn is one dialed websocket. All writes go through a single writer
// goroutine; the connection is closed when its context ends.
type conn struct {
	ws    *websocket.Conn
	inbox chan []byte

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newConn(parent context.Context, ws *websocket.Conn) *conn {
	ctx, cancel := context.WithCancel(parent)
	c := &conn{
		ws:     ws,
		inbox:  make(chan []byte, sendBufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	go c.writeLoop()

	// Closing the socket unblocks the reader.
	go func() {
		<-ctx.Done()
		c.closeSocket()
	}()

	return c
}

// writeLoop is the single-writer goroutine.
func (c *conn) writeLoop() {
	for {
		select {
		case data := <-c.inbox:
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				util.LogError("websocket write failed: %v", err)
				c.cancel()
				return
			}
			util.Stats.AddSent()
		case <-c.ctx.Done():
			return
		}
	}
}

// send enqueues a frame. It blocks while the buffer is full and reports false
// once the connection is closing.
func (c *conn) send(data []byte) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}

	select {
	case c.inbox <- data:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *conn) close() {
	c.cancel()
	c.closeSocket()
}

func (c *conn) closeSocket() {
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.ws.Close()
	})
}
