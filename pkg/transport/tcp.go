package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sameehj/hwbridge/pkg/protocol"
)

type streamConn struct {
	conn net.Conn
	dec  *protocol.Decoder

	mu  sync.Mutex
	buf *bufio.Writer
	enc *protocol.Encoder
}

// NewStreamConn frames messages over a byte stream such as a TCP socket or
// one end of net.Pipe.
func NewStreamConn(conn net.Conn) Conn {
	buf := bufio.NewWriter(conn)
	return &streamConn{
		conn: conn,
		dec:  protocol.NewDecoder(bufio.NewReader(conn)),
		buf:  buf,
		enc:  protocol.NewEncoder(buf),
	}
}

func (c *streamConn) ReadMessage() (protocol.Message, error) {
	return c.dec.Decode()
}

func (c *streamConn) WriteMessage(msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enc.Encode(msg); err != nil {
		return err
	}
	return c.buf.Flush()
}

func (c *streamConn) Close() error {
	return c.conn.Close()
}

func (c *streamConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// TCPListener accepts framed TCP connections.
type TCPListener struct {
	listener net.Listener
}

func ListenTCP(addr string) (*TCPListener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return &TCPListener{listener: listener}, nil
}

func (l *TCPListener) Accept() (Conn, error) {
	conn, err := l.listener.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrListenerClosed
		}
		return nil, err
	}
	return NewStreamConn(conn), nil
}

func (l *TCPListener) Close() error {
	return l.listener.Close()
}

func (l *TCPListener) Addr() string {
	return l.listener.Addr().String()
}

// DialTCP opens a framed TCP connection.
func DialTCP(ctx context.Context, addr string) (Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return NewStreamConn(conn), nil
}
