package bridge

import (
	"errors"
	"log/slog"

	"github.com/sameehj/hwbridge/pkg/protocol"
	"github.com/sameehj/hwbridge/pkg/session"
)

// Directory resolves a device token to its live session.
type Directory interface {
	Lookup(token string) (*session.Session, bool)
}

// Result is the outcome of one bridge command.
type Result struct {
	// Code is the status for the sender. It is CodeOK for a delivered
	// forward even though nothing is sent back in that case.
	Code protocol.Code
	// Delivered is the message queued on the target for a successful forward.
	Delivered *protocol.Message
	// Err explains a non-OK Code.
	Err error
}

// Response returns the message to send back to the bridging device. A
// delivered forward has no response.
func (r Result) Response(id uint16) (protocol.Message, bool) {
	if r.Delivered != nil {
		return protocol.Message{}, false
	}
	return protocol.NewResponse(id, r.Code), true
}

var (
	ErrSlotNotBound  = errors.New("bridge: slot not initialized")
	ErrTargetOffline = errors.New("bridge: target device offline")
)

// Dispatcher executes bridge commands against a connection's Table.
type Dispatcher struct {
	directory Directory
	maxSlots  int
	logger    *slog.Logger
}

func NewDispatcher(directory Directory, maxSlots int) *Dispatcher {
	if maxSlots == 0 {
		maxSlots = DefaultMaxSlots
	}
	return &Dispatcher{directory: directory, maxSlots: maxSlots}
}

func (d *Dispatcher) SetLogger(logger *slog.Logger) {
	d.logger = logger
}

// Dispatch handles a bridge message from the connection that owns table.
func (d *Dispatcher) Dispatch(table *Table, msg protocol.Message) Result {
	cmd, err := protocol.ParseBridge(msg.Body, d.maxSlots)
	if err != nil {
		return Result{Code: protocol.CodeIllegalCommand, Err: err}
	}

	if cmd.Mode == protocol.BridgeInit {
		table.Bind(cmd.Slot, cmd.Token)
		d.logDebug("bridge_init", "slot", cmd.Slot)
		return Result{Code: protocol.CodeOK}
	}

	token, ok := table.Target(cmd.Slot)
	if !ok {
		return Result{Code: protocol.CodeNotAllowed, Err: ErrSlotNotBound}
	}
	target, ok := d.directory.Lookup(token)
	if !ok {
		return Result{Code: protocol.CodeDeviceNotInNetwork, Err: ErrTargetOffline}
	}
	delivered, err := target.Deliver(protocol.CommandBridge, cmd.Payload)
	if err != nil {
		// The target went away or stopped draining between lookup and enqueue.
		d.logWarn("bridge_deliver_failed", "slot", cmd.Slot, "target", target.ID, "error", err)
		return Result{Code: protocol.CodeDeviceNotInNetwork, Err: errors.Join(ErrTargetOffline, err)}
	}
	d.logDebug("bridge_forward", "slot", cmd.Slot, "target", target.ID, "id", delivered.ID)
	return Result{Code: protocol.CodeOK, Delivered: &delivered}
}

func (d *Dispatcher) logDebug(msg string, args ...any) {
	if d.logger != nil {
		d.logger.Debug(msg, args...)
	}
}

func (d *Dispatcher) logWarn(msg string, args ...any) {
	if d.logger != nil {
		d.logger.Warn(msg, args...)
	}
}
