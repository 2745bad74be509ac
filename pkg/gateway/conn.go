package gateway

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sameehj/hwbridge/pkg/metrics"
	"github.com/sameehj/hwbridge/pkg/protocol"
	"github.com/sameehj/hwbridge/pkg/session"
	"github.com/sameehj/hwbridge/pkg/transport"
)

// handler holds the command state of one connection. handle and close are
// only called from the connection's reader goroutine.
type handler interface {
	// handle returns the reply for msg, or false when nothing is sent back.
	handle(ctx context.Context, msg protocol.Message) (protocol.Message, bool)
	close()
}

type connection struct {
	id         string
	kind       string
	remoteAddr string
	startedAt  time.Time
	transport  transport.Conn
	outbox     *session.Outbox
	identity   atomic.Value // string
}

func newConnection(kind string, conn transport.Conn, queueSize int) *connection {
	return &connection{
		id:         uuid.NewString(),
		kind:       kind,
		remoteAddr: conn.RemoteAddr(),
		startedAt:  time.Now(),
		transport:  conn,
		outbox:     session.NewOutbox(queueSize, &protocol.Sequence{}),
	}
}

func (c *connection) setIdentity(identity string) {
	c.identity.Store(identity)
}

func (c *connection) info() ConnectionInfo {
	identity, _ := c.identity.Load().(string)
	return ConnectionInfo{
		ID:         c.id,
		Listener:   c.kind,
		RemoteAddr: c.remoteAddr,
		StartedAt:  c.startedAt,
		Identity:   identity,
	}
}

// run reads commands until the peer goes away or ctx ends, then tears the
// connection down. The returned error is the reason the read loop stopped.
func (c *connection) run(ctx context.Context, h handler, s *Server) error {
	stop := context.AfterFunc(ctx, func() { _ = c.transport.Close() })
	defer stop()

	writerDone := make(chan struct{})
	go c.writeLoop(s, writerDone)

	err := c.readLoop(ctx, h, s)

	h.close()
	c.outbox.Close()
	<-writerDone
	_ = c.transport.Close()
	return err
}

func (c *connection) readLoop(ctx context.Context, h handler, s *Server) error {
	seq := c.outbox.Sequence()
	for {
		msg, err := c.transport.ReadMessage()
		if err != nil {
			return err
		}
		seq.Observe(msg.ID)

		reply, ok := h.handle(ctx, msg)
		metrics.CommandsTotal.WithLabelValues(c.kind, msg.Command.String(), replyLabel(reply, ok)).Inc()
		if !ok {
			continue
		}
		// Waits while the queue is full, so a slow peer throttles its own
		// commands instead of losing replies.
		if err := c.outbox.Send(ctx, reply); err != nil {
			return err
		}
	}
}

// writeLoop is the only writer on the transport. After a write failure it
// closes the transport, which ends the read loop, and the outbox, which
// releases a reader waiting for room.
func (c *connection) writeLoop(s *Server, done chan<- struct{}) {
	defer close(done)
	for {
		msg, ok := c.outbox.Next()
		if !ok {
			return
		}
		if err := c.transport.WriteMessage(msg); err != nil {
			s.logDebug("write_failed", "id", c.id, "error", err)
			_ = c.transport.Close()
			c.outbox.Close()
			return
		}
	}
}

func replyLabel(reply protocol.Message, ok bool) string {
	switch {
	case !ok:
		return "none"
	case reply.IsResponse():
		return reply.Code.String()
	default:
		return protocol.CodeOK.String()
	}
}
