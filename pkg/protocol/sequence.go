package protocol

import (
	"math"
	"sync/atomic"
)

// Sequence tracks message ids on one server-side connection. Requests are
// answered with their own id; messages the server originates take the next
// id after the highest one observed so far. Safe for concurrent use: the
// connection's reader observes ids while other connections allocate ids for
// deliveries.
type Sequence struct {
	last atomic.Uint32
}

// Observe records an id seen on the connection in either direction.
func (s *Sequence) Observe(id uint16) {
	for {
		cur := s.last.Load()
		if uint32(id) <= cur {
			return
		}
		if s.last.CompareAndSwap(cur, uint32(id)) {
			return
		}
	}
}

// Next allocates an id for a server-originated message. Ids wrap from 65535
// back to 1; zero is never returned.
func (s *Sequence) Next() uint16 {
	for {
		cur := s.last.Load()
		next := cur + 1
		if next > math.MaxUint16 {
			next = 1
		}
		if s.last.CompareAndSwap(cur, next) {
			return uint16(next)
		}
	}
}

// Last returns the highest id observed or allocated.
func (s *Sequence) Last() uint16 {
	return uint16(s.last.Load())
}
