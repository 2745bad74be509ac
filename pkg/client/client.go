// Package client speaks the gateway protocol from the device or app side.
// Each Client numbers its requests from 1 in send order.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sameehj/hwbridge/pkg/protocol"
	"github.com/sameehj/hwbridge/pkg/transport"
)

// ErrClosed is returned by Receive once the connection has ended and every
// buffered message has been read.
var ErrClosed = errors.New("client: connection closed")

const inboundBuffer = 64

type Client struct {
	conn transport.Conn

	mu     sync.Mutex
	lastID uint16

	inbound   chan protocol.Message
	err       error
	done      chan struct{}
	readDone  chan struct{}
	closeOnce sync.Once
}

// Dial connects to a TCP listener.
func Dial(ctx context.Context, addr string) (*Client, error) {
	conn, err := transport.DialTCP(ctx, addr)
	if err != nil {
		return nil, err
	}
	return New(conn), nil
}

// DialWebSocket connects to a WebSocket listener.
func DialWebSocket(ctx context.Context, url string) (*Client, error) {
	conn, err := transport.DialWebSocket(ctx, url)
	if err != nil {
		return nil, err
	}
	return New(conn), nil
}

// New wraps conn and starts reading from it.
func New(conn transport.Conn) *Client {
	c := &Client{
		conn:     conn,
		inbound:  make(chan protocol.Message, inboundBuffer),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// readLoop buffers inbound messages until the connection fails or Close is
// called, even if nobody is receiving.
func (c *Client) readLoop() {
	defer close(c.readDone)
	defer close(c.inbound)
	for {
		msg, err := c.conn.ReadMessage()
		if err != nil {
			c.err = err
			return
		}
		select {
		case c.inbound <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Client) nextID() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastID++
	if c.lastID == 0 {
		c.lastID = 1
	}
	return c.lastID
}

// Send parses a text command like "bridge 1 i token" and sends it. The id
// is consumed even when the line cannot be encoded, so later ids keep
// matching send order.
func (c *Client) Send(line string) (uint16, error) {
	id := c.nextID()
	msg, err := protocol.ParseLine(id, line)
	if err != nil {
		return id, err
	}
	return id, c.conn.WriteMessage(msg)
}

// SendCommand sends cmd with body under the next id.
func (c *Client) SendCommand(cmd protocol.Command, body string) (uint16, error) {
	id := c.nextID()
	return id, c.conn.WriteMessage(protocol.Message{ID: id, Command: cmd, Body: body})
}

// Reset restarts request numbering at 1.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastID = 0
}

// Receive returns the next message from the gateway.
func (c *Client) Receive(ctx context.Context) (protocol.Message, error) {
	select {
	case msg, ok := <-c.inbound:
		if !ok {
			if c.err != nil {
				return protocol.Message{}, fmt.Errorf("%w: %v", ErrClosed, c.err)
			}
			return protocol.Message{}, ErrClosed
		}
		return msg, nil
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

// Call sends line and waits for the message carrying the same id. Messages
// with other ids that arrive first are returned in skipped.
func (c *Client) Call(ctx context.Context, line string) (reply protocol.Message, skipped []protocol.Message, err error) {
	id, err := c.Send(line)
	if err != nil {
		return protocol.Message{}, nil, err
	}
	for {
		msg, err := c.Receive(ctx)
		if err != nil {
			return protocol.Message{}, skipped, err
		}
		if msg.ID == id && (msg.IsResponse() || msg.Command != protocol.CommandBridge) {
			return msg, skipped, nil
		}
		skipped = append(skipped, msg)
	}
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return c.conn.Close()
}
