// Package push implements the low-latency push channel: a websocket
// connection carrying outbound sends and inbound receipts, acks, and
// messages. Inbound frames are published on the bus; nothing in this
// package knows who consumes them.
package push

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/courier-chat/courier/internal/bus"
	"github.com/courier-chat/courier/internal/transport"
)

// ErrNotConnected is returned by SendMessage when the channel is down.
// Callers fall back to the durable transport; this is never a user error.
var ErrNotConnected = errors.New("push: not connected")

// Client is the push channel client.
type Client struct {
	url    string
	bus    *bus.Bus
	logger *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	watches   map[string]chan struct{}

	readCancel context.CancelFunc
}

// NewClient creates a push client for the given websocket URL.
func NewClient(url string, b *bus.Bus, logger *zap.Logger) *Client {
	return &Client{
		url:     url,
		bus:     b,
		logger:  logger,
		watches: make(map[string]chan struct{}),
	}
}

// Connect dials the push endpoint and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.url, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return fmt.Errorf("dial push channel: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.readCancel = cancel
	c.mu.Unlock()

	c.logger.Info("push channel connected", zap.String("url", c.url))
	c.bus.Emit(bus.KindPushConnected, nil)

	go c.readLoop(readCtx, conn)
	return nil
}

// Disconnect closes the connection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	cancel := c.readCancel
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}

// IsConnected reports whether the push channel is currently usable.
// Connectivity can drop between this check and a send; callers must not
// treat a true result as a delivery guarantee.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SendMessage transmits an outbound send frame. The client message ID
// rides in the payload so the server can deduplicate.
func (c *Client) SendMessage(ctx context.Context, send transport.MessageSend) error {
	c.mu.Lock()
	conn := c.conn
	ok := c.connected
	c.mu.Unlock()

	if !ok || conn == nil {
		return ErrNotConnected
	}

	frame := transport.Frame{Kind: transport.FrameMessageSend, Send: &send}
	if err := wsjson.Write(ctx, conn, frame); err != nil {
		return fmt.Errorf("write send frame: %w", err)
	}
	return nil
}

// WatchReceipt registers a fire-once watch for the delivery receipt of a
// client message ID. The returned channel is closed when the receipt
// arrives; cancel removes the watch.
func (c *Client) WatchReceipt(clientMessageID string) (<-chan struct{}, func()) {
	ch := make(chan struct{})
	c.mu.Lock()
	c.watches[clientMessageID] = ch
	c.mu.Unlock()

	return ch, func() {
		c.mu.Lock()
		delete(c.watches, clientMessageID)
		c.mu.Unlock()
	}
}

func (c *Client) fireReceipt(clientMessageID string) {
	c.mu.Lock()
	ch, ok := c.watches[clientMessageID]
	if ok {
		delete(c.watches, clientMessageID)
	}
	c.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var frame transport.Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			c.mu.Lock()
			wasConnected := c.connected && c.conn == conn
			if wasConnected {
				c.connected = false
				c.conn = nil
			}
			c.mu.Unlock()

			if wasConnected {
				c.logger.Warn("push channel disconnected", zap.Error(err))
				c.bus.Emit(bus.KindPushDisconnected, nil)
			}
			return
		}
		c.handleFrame(frame)
	}
}

func (c *Client) handleFrame(frame transport.Frame) {
	switch frame.Kind {
	case transport.FrameReceipt:
		if frame.Receipt == nil {
			return
		}
		c.fireReceipt(frame.Receipt.ClientMessageID)
		c.bus.Emit(bus.KindPushReceipt, frame.Receipt)
	case transport.FrameAck:
		if frame.Ack == nil {
			return
		}
		c.bus.Emit(bus.KindPushAck, frame.Ack)
	case transport.FrameMessage:
		if frame.Message == nil {
			return
		}
		c.bus.Emit(bus.KindPushMessage, frame.Message)
	default:
		c.logger.Warn("unknown push frame kind", zap.String("kind", string(frame.Kind)))
	}
}
