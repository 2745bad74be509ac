package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrIllegalCommand marks a command that does not follow its grammar.
var ErrIllegalCommand = errors.New("illegal command")

// ParseLine converts a text command such as "bridge 1 aw 10 10" into a
// Message with the given id. Whitespace between fields collapses to a single
// space in the body.
func ParseLine(id uint16, line string) (Message, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Message{}, fmt.Errorf("%w: empty line", ErrIllegalCommand)
	}
	cmd, ok := LookupCommand(fields[0])
	if !ok {
		return Message{}, fmt.Errorf("%w: unknown command %q", ErrIllegalCommand, fields[0])
	}
	return Message{ID: id, Command: cmd, Body: strings.Join(fields[1:], " ")}, nil
}

// BridgeMode distinguishes slot initialization from forwarding.
type BridgeMode int

const (
	BridgeInit BridgeMode = iota
	BridgeForward
)

// initMarker is the second body field that selects BridgeInit.
const initMarker = "i"

// BridgeCommand is a decoded bridge body.
type BridgeCommand struct {
	Slot int
	Mode BridgeMode
	// Token is set for BridgeInit.
	Token string
	// Payload is set for BridgeForward.
	Payload string
}

// ParseBridge decodes "<slot> i <token>" or "<slot> <sub-command...>".
// Slots above maxSlots are rejected; maxSlots <= 0 disables the cap.
//
// A literal "i" as the second field always means init, so a forwarded
// payload can never start with a standalone "i".
func ParseBridge(body string, maxSlots int) (BridgeCommand, error) {
	fields := strings.Fields(body)
	if len(fields) < 3 {
		return BridgeCommand{}, fmt.Errorf("%w: bridge needs a slot and at least two more fields, got %d", ErrIllegalCommand, len(fields))
	}
	slot, err := strconv.Atoi(fields[0])
	if err != nil || slot < 0 {
		return BridgeCommand{}, fmt.Errorf("%w: bad bridge slot %q", ErrIllegalCommand, fields[0])
	}
	if maxSlots > 0 && slot > maxSlots {
		return BridgeCommand{}, fmt.Errorf("%w: bridge slot %d above limit %d", ErrIllegalCommand, slot, maxSlots)
	}
	if fields[1] == initMarker {
		return BridgeCommand{Slot: slot, Mode: BridgeInit, Token: fields[2]}, nil
	}
	return BridgeCommand{Slot: slot, Mode: BridgeForward, Payload: strings.Join(fields[1:], " ")}, nil
}
