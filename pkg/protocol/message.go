package protocol

import "fmt"

// Message is the unit exchanged on every connection. Responses carry their
// status in Code and have no Body.
type Message struct {
	ID      uint16
	Command Command
	Body    string
	Code    Code
}

// NewResponse builds the response to request id.
func NewResponse(id uint16, code Code) Message {
	return Message{ID: id, Command: CommandResponse, Code: code}
}

// IsResponse reports whether m is a response frame.
func (m Message) IsResponse() bool {
	return m.Command == CommandResponse
}

func (m Message) String() string {
	if m.IsResponse() {
		return fmt.Sprintf("(%d, %s)", m.ID, m.Code)
	}
	return fmt.Sprintf("(%d, %s, %q)", m.ID, m.Command, m.Body)
}
