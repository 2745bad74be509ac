package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sameehj/hwbridge/pkg/protocol"
)

var (
	// ErrClosed is returned when delivering to a session whose connection
	// has been torn down.
	ErrClosed = errors.New("session: closed")
	// ErrQueueFull is returned when the outbound queue has no room.
	ErrQueueFull = errors.New("session: outbound queue full")
)

// Outbox is the bounded outbound queue of one connection. Every message
// written to the peer passes through it, which keeps responses and
// deliveries in FIFO order. Deliveries from other connections never block;
// the connection's own replies wait for room.
type Outbox struct {
	mu     sync.Mutex
	queue  chan protocol.Message
	done   chan struct{}
	closed bool
	seq    *protocol.Sequence
}

func NewOutbox(size int, seq *protocol.Sequence) *Outbox {
	if size <= 0 {
		size = 1
	}
	if seq == nil {
		seq = &protocol.Sequence{}
	}
	return &Outbox{
		queue: make(chan protocol.Message, size),
		done:  make(chan struct{}),
		seq:   seq,
	}
}

// Send enqueues msg as is, waiting while the queue is full. Used for
// responses, which already carry the request id. It returns ErrClosed once
// the outbox is closed and ctx.Err() if ctx ends first.
func (o *Outbox) Send(ctx context.Context, msg protocol.Message) error {
	select {
	case <-o.done:
		return ErrClosed
	default:
	}
	select {
	case o.queue <- msg:
		return nil
	case <-o.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Originate enqueues a server-originated message, assigning it the next id
// of this connection's sequence. It fails with ErrQueueFull instead of
// waiting. Allocation and enqueue happen under one lock so ids leave the
// queue in increasing order.
func (o *Outbox) Originate(cmd protocol.Command, body string) (protocol.Message, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return protocol.Message{}, ErrClosed
	}
	if len(o.queue) == cap(o.queue) {
		return protocol.Message{}, ErrQueueFull
	}
	msg := protocol.Message{ID: o.seq.Next(), Command: cmd, Body: body}
	select {
	case o.queue <- msg:
		return msg, nil
	default:
		return protocol.Message{}, ErrQueueFull
	}
}

// Next returns the next queued message for the connection's single writer.
// After Close it keeps returning what is still queued, then reports false.
func (o *Outbox) Next() (protocol.Message, bool) {
	select {
	case msg := <-o.queue:
		return msg, true
	case <-o.done:
	}
	select {
	case msg := <-o.queue:
		return msg, true
	default:
		return protocol.Message{}, false
	}
}

// Close stops further sends and wakes senders waiting for room. Queued
// messages stay available to Next.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.done)
}

// Len returns the number of queued messages.
func (o *Outbox) Len() int {
	return len(o.queue)
}

// Sequence returns the id sequence shared with the connection's reader.
func (o *Outbox) Sequence() *protocol.Sequence {
	return o.seq
}

// Session is one authenticated hardware connection.
type Session struct {
	ID         string
	Token      string
	RemoteAddr string
	StartedAt  time.Time

	outbox *Outbox
	live   atomic.Bool
}

// New creates a live session for token writing through outbox.
func New(token, remoteAddr string, outbox *Outbox) *Session {
	s := &Session{
		ID:         uuid.NewString(),
		Token:      token,
		RemoteAddr: remoteAddr,
		StartedAt:  time.Now(),
		outbox:     outbox,
	}
	s.live.Store(true)
	return s
}

// Live reports whether the connection behind the session is still up.
func (s *Session) Live() bool {
	return s.live.Load()
}

// Deliver enqueues an inbound message for the device. The id comes from the
// device's own connection sequence.
func (s *Session) Deliver(cmd protocol.Command, body string) (protocol.Message, error) {
	if !s.Live() {
		return protocol.Message{}, ErrClosed
	}
	return s.outbox.Originate(cmd, body)
}

// Close marks the session dead. The outbox belongs to the connection and is
// closed by its owner.
func (s *Session) Close() {
	s.live.Store(false)
}
