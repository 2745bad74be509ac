// Package transport carries protocol frames over stream and message
// oriented connections. The gateway only sees Conn and Listener.
package transport

import (
	"errors"

	"github.com/sameehj/hwbridge/pkg/protocol"
)

// ErrListenerClosed is returned by Accept after Close.
var ErrListenerClosed = errors.New("transport: listener closed")

// Conn is a message-delimited, ordered connection. ReadMessage is called from
// one goroutine; WriteMessage is safe for concurrent use.
type Conn interface {
	ReadMessage() (protocol.Message, error)
	WriteMessage(msg protocol.Message) error
	Close() error
	RemoteAddr() string
}

// Listener accepts Conns.
type Listener interface {
	Accept() (Conn, error)
	Close() error
	Addr() string
}
