package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sameehj/hwbridge/pkg/protocol"
)

// DefaultWebSocketPath is where WebSocketListener upgrades requests.
const DefaultWebSocketPath = "/websocket"

const wsShutdownTimeout = 5 * time.Second

type wsConn struct {
	conn *websocket.Conn

	mu sync.Mutex
}

// NewWebSocketConn carries one frame per binary WebSocket message.
func NewWebSocketConn(conn *websocket.Conn) Conn {
	return &wsConn{conn: conn}
}

func (c *wsConn) ReadMessage() (protocol.Message, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return protocol.Message{}, err
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		return protocol.ParseFrame(data)
	}
}

func (c *wsConn) WriteMessage(msg protocol.Message) error {
	frame, err := protocol.AppendFrame(nil, msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

func (c *wsConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// WebSocketListener upgrades HTTP requests on one path and hands the
// resulting connections to Accept.
type WebSocketListener struct {
	listener net.Listener
	server   *http.Server
	upgrader websocket.Upgrader
	path     string

	conns     chan Conn
	done      chan struct{}
	closeOnce sync.Once
}

func ListenWebSocket(addr, path string) (*WebSocketListener, error) {
	if path == "" {
		path = DefaultWebSocketPath
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	l := &WebSocketListener{
		listener: listener,
		path:     path,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(chan Conn),
		done:  make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, l.handleUpgrade)
	l.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		_ = l.server.Serve(listener)
	}()
	return l, nil
}

func (l *WebSocketListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	select {
	case l.conns <- NewWebSocketConn(conn):
	case <-l.done:
		_ = conn.Close()
	}
}

func (l *WebSocketListener) Accept() (Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, ErrListenerClosed
	}
}

func (l *WebSocketListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		ctx, cancel := context.WithTimeout(context.Background(), wsShutdownTimeout)
		defer cancel()
		err = l.server.Shutdown(ctx)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	})
	return err
}

func (l *WebSocketListener) Addr() string {
	return l.listener.Addr().String()
}

// URL returns the ws:// address clients dial.
func (l *WebSocketListener) URL() string {
	return "ws://" + l.Addr() + l.path
}

// DialWebSocket connects to a WebSocketListener.
func DialWebSocket(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	return NewWebSocketConn(conn), nil
}
