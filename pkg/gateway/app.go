package gateway

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/sameehj/hwbridge/pkg/auth"
	"github.com/sameehj/hwbridge/pkg/protocol"
)

// appHandler serves one application connection. Apps manage device tokens;
// they do not bridge.
type appHandler struct {
	server *Server
	conn   *connection
	user   string
}

func newAppHandler(s *Server, c *connection) *appHandler {
	return &appHandler{server: s, conn: c}
}

func (h *appHandler) handle(ctx context.Context, msg protocol.Message) (protocol.Message, bool) {
	if msg.Command == protocol.CommandLogin {
		return protocol.NewResponse(msg.ID, h.login(msg.Body)), true
	}
	if h.user == "" {
		return protocol.NewResponse(msg.ID, protocol.CodeNotAuthenticated), true
	}

	switch msg.Command {
	case protocol.CommandPing:
		return protocol.NewResponse(msg.ID, protocol.CodeOK), true
	case protocol.CommandGetToken:
		return h.token(ctx, msg, h.server.tokens.Issue)
	case protocol.CommandRefreshToken:
		return h.token(ctx, msg, h.server.tokens.Refresh)
	case protocol.CommandBridge:
		return protocol.NewResponse(msg.ID, protocol.CodeNotAllowed), true
	default:
		return protocol.NewResponse(msg.ID, protocol.CodeIllegalCommand), true
	}
}

func (h *appHandler) login(body string) protocol.Code {
	if h.user != "" {
		return protocol.CodeNotAllowed
	}
	fields := strings.Fields(body)
	if len(fields) != 2 {
		return protocol.CodeIllegalCommand
	}
	if h.server.users == nil {
		return protocol.CodeNotAuthenticated
	}
	if err := h.server.users.Verify(fields[0], fields[1]); err != nil {
		h.server.logWarn("app_login_rejected", "id", h.conn.id, "user", fields[0], "remote", h.conn.remoteAddr)
		return protocol.CodeNotAuthenticated
	}
	h.user = fields[0]
	h.conn.setIdentity(h.user)
	h.server.logInfo("app_login", "id", h.conn.id, "user", h.user)
	return protocol.CodeOK
}

type tokenFunc func(ctx context.Context, owner string, dashID int) (auth.Device, error)

// token answers getToken/refreshToken with the token as body, echoing the
// request id and command.
func (h *appHandler) token(ctx context.Context, msg protocol.Message, issue tokenFunc) (protocol.Message, bool) {
	fields := strings.Fields(msg.Body)
	if len(fields) != 1 {
		return protocol.NewResponse(msg.ID, protocol.CodeIllegalCommand), true
	}
	dashID, err := strconv.Atoi(fields[0])
	if err != nil || dashID < 0 {
		return protocol.NewResponse(msg.ID, protocol.CodeIllegalCommand), true
	}
	device, err := issue(ctx, h.user, dashID)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return protocol.Message{}, false
		}
		h.server.logError("token_issue_failed", "id", h.conn.id, "user", h.user, "dash", dashID, "error", err)
		return protocol.NewResponse(msg.ID, protocol.CodeServerError), true
	}
	h.server.logDebug("token_issued", "id", h.conn.id, "user", h.user, "dash", dashID, "command", msg.Command.String())
	return protocol.Message{ID: msg.ID, Command: msg.Command, Body: device.Token}, true
}

func (h *appHandler) close() {}
