package protocol

import (
	"fmt"
	"strings"
)

// Command identifies the kind of a Message on the wire.
type Command uint8

const (
	CommandResponse     Command = 0
	CommandLogin        Command = 2
	CommandGetToken     Command = 5
	CommandPing         Command = 6
	CommandRefreshToken Command = 9
	CommandBridge       Command = 15
	CommandHardware     Command = 20
)

var commandNames = map[Command]string{
	CommandResponse:     "response",
	CommandLogin:        "login",
	CommandGetToken:     "getToken",
	CommandPing:         "ping",
	CommandRefreshToken: "refreshToken",
	CommandBridge:       "bridge",
	CommandHardware:     "hardware",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("command(%d)", uint8(c))
}

// LookupCommand maps a text command name to its code. Matching is case-insensitive.
func LookupCommand(name string) (Command, bool) {
	for cmd, n := range commandNames {
		if cmd == CommandResponse {
			continue
		}
		if strings.EqualFold(n, name) {
			return cmd, true
		}
	}
	return 0, false
}

// Code is the status carried by a response frame.
type Code uint16

const (
	CodeOK                 Code = 200
	CodeIllegalCommand     Code = 2
	CodeNotAuthenticated   Code = 5
	CodeNotAllowed         Code = 6
	CodeDeviceNotInNetwork Code = 7
	CodeInvalidToken       Code = 9
	CodeServerError        Code = 500
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeIllegalCommand:
		return "ILLEGAL_COMMAND"
	case CodeNotAuthenticated:
		return "NOT_AUTHENTICATED"
	case CodeNotAllowed:
		return "NOT_ALLOWED"
	case CodeDeviceNotInNetwork:
		return "DEVICE_NOT_IN_NETWORK"
	case CodeInvalidToken:
		return "INVALID_TOKEN"
	case CodeServerError:
		return "SERVER_ERROR"
	default:
		return fmt.Sprintf("code(%d)", uint16(c))
	}
}
