package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// emitTimeout bounds a single outbound write.
const emitTimeout = 5 * time.Second

// WSChannel is the production Channel: JSON envelopes as text frames over a
// persistent WebSocket.
type WSChannel struct {
	endpoint string
	cb       Callbacks

	mu         sync.Mutex
	conn       *websocket.Conn
	localClose bool
	cancelRead context.CancelFunc
}

// NewWSChannel creates an unconnected WebSocket channel for the given
// ws:// or wss:// endpoint. It satisfies Factory.
func NewWSChannel(endpoint string, cb Callbacks) Channel {
	return &WSChannel{endpoint: endpoint, cb: cb}
}

// Dial opens the WebSocket and starts the read loop. The caller's context
// bounds only the dial; the read loop runs until the connection dies or
// Close is called.
func (c *WSChannel) Dial(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return fmt.Errorf("channel already connected to %s", c.endpoint)
	}

	conn, _, err := websocket.Dial(ctx, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket dial %s: %w", c.endpoint, err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c.conn = conn
	c.cancelRead = cancel

	go c.readLoop(readCtx, conn)
	return nil
}

func (c *WSChannel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			reason := c.classify(err)
			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			if c.cb.OnDisconnect != nil {
				c.cb.OnDisconnect(reason)
			}
			return
		}

		if typ != websocket.MessageText {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("[transport] %s: dropping malformed frame: %v", c.endpoint, err)
			continue
		}
		if c.cb.OnEvent != nil {
			c.cb.OnEvent(env)
		}
	}
}

// classify maps a read error to a DisconnectReason. A local Close wins over
// whatever error the read loop observed.
func (c *WSChannel) classify(err error) DisconnectReason {
	c.mu.Lock()
	local := c.localClose
	c.mu.Unlock()

	if local || errors.Is(err, context.Canceled) {
		return ReasonLocalClose
	}

	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return ReasonServerClose
	case -1:
		// No close frame: abrupt loss.
		return ReasonTransportLoss
	default:
		return ReasonServerClose
	}
}

// Emit sends one event envelope with a fresh correlation id.
func (c *WSChannel) Emit(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("channel not connected")
	}

	env := Envelope{ID: uuid.NewString(), Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", event, err)
		}
		env.Payload = data
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", event, err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, emitTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// Close tears down the connection. The read loop reports ReasonLocalClose.
func (c *WSChannel) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.localClose = true
	cancel := c.cancelRead
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	err := conn.Close(websocket.StatusNormalClosure, "client disconnect")
	if cancel != nil {
		cancel()
	}
	return err
}

// Closed reports whether the channel currently has no live connection.
func (c *WSChannel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn == nil
}
