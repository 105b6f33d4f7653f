// Package websocket attaches observers to sessions over a gorilla/websocket
// duplex channel. The handler upgrades GET /sessions/{id}/ws, subscribes the
// connection to the hub and dispatches inbound commands; the hub drives
// outbound delivery and liveness through the session.Conn implementation.
package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"goa.design/montage/runtime/wire"
)

// Conn adapts a gorilla websocket connection to session.Conn. Outbound
// writes and control frames are serialized with a mutex: the hub's writer and
// pinger goroutines both write.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	pongWindow   time.Duration

	mu sync.Mutex

	pongMu   sync.Mutex
	lastPong time.Time

	closeOnce sync.Once
	closeErr  error
}

func newConn(ws *websocket.Conn, writeTimeout, pongWindow time.Duration) *Conn {
	c := &Conn{
		ws:           ws,
		writeTimeout: writeTimeout,
		pongWindow:   pongWindow,
		lastPong:     time.Now(),
	}
	ws.SetPongHandler(func(string) error {
		c.pongMu.Lock()
		c.lastPong = time.Now()
		c.pongMu.Unlock()
		return nil
	})
	return c
}

// Send implements session.Conn. Each write carries a deadline so a stalled
// peer fails the send instead of wedging the hub's writer goroutine.
func (c *Conn) Send(_ context.Context, ev wire.Event) error {
	data, err := wire.EncodeEvent(ev)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Ping implements session.Conn. It fails when the peer has not answered a
// probe within the pong window, which makes the hub drop the observer.
func (c *Conn) Ping(_ context.Context) error {
	c.pongMu.Lock()
	silent := time.Since(c.lastPong)
	c.pongMu.Unlock()
	if silent > c.pongWindow {
		return &websocket.CloseError{Code: websocket.CloseGoingAway, Text: "pong window exceeded"}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// Close implements session.Conn. Idempotent.
func (c *Conn) Close(_ context.Context) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		deadline := time.Now().Add(c.writeTimeout)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.mu.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
