package bridge

// DefaultMaxSlots bounds the slot index accepted by bridge commands.
const DefaultMaxSlots = 128

// Table maps slot indices to target tokens for one connection. It is owned by
// that connection's reader goroutine and is not safe for concurrent use.
//
// Only tokens are stored; sessions are resolved on every forward so a
// reconnecting target is picked up without rebinding.
type Table struct {
	slots map[int]string
}

func NewTable() *Table {
	return &Table{slots: make(map[int]string)}
}

// Bind sets or overwrites the target of slot.
func (t *Table) Bind(slot int, token string) {
	t.slots[slot] = token
}

// Target returns the token bound to slot.
func (t *Table) Target(slot int) (string, bool) {
	token, ok := t.slots[slot]
	return token, ok
}

// Len returns the number of bound slots.
func (t *Table) Len() int {
	return len(t.slots)
}

// Reset drops every binding.
func (t *Table) Reset() {
	clear(t.slots)
}
