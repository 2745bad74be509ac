package gateway

import (
	"context"
	"errors"
	"strings"

	"github.com/sameehj/hwbridge/pkg/auth"
	"github.com/sameehj/hwbridge/pkg/bridge"
	"github.com/sameehj/hwbridge/pkg/metrics"
	"github.com/sameehj/hwbridge/pkg/protocol"
	"github.com/sameehj/hwbridge/pkg/session"
)

// hardwareHandler serves one device connection: login, ping and bridge.
type hardwareHandler struct {
	server  *Server
	conn    *connection
	table   *bridge.Table
	session *session.Session
}

func newHardwareHandler(s *Server, c *connection) *hardwareHandler {
	return &hardwareHandler{server: s, conn: c, table: bridge.NewTable()}
}

func (h *hardwareHandler) handle(ctx context.Context, msg protocol.Message) (protocol.Message, bool) {
	if msg.Command == protocol.CommandLogin {
		return protocol.NewResponse(msg.ID, h.login(ctx, msg.Body)), true
	}
	if h.session == nil {
		return protocol.NewResponse(msg.ID, protocol.CodeNotAuthenticated), true
	}

	switch msg.Command {
	case protocol.CommandPing:
		return protocol.NewResponse(msg.ID, protocol.CodeOK), true
	case protocol.CommandBridge:
		res := h.server.dispatcher.Dispatch(h.table, msg)
		recordBridge(res)
		if res.Err != nil {
			h.server.logDebug("bridge_rejected", "id", h.conn.id, "msg_id", msg.ID, "code", res.Code.String(), "error", res.Err)
		}
		return res.Response(msg.ID)
	default:
		return protocol.NewResponse(msg.ID, protocol.CodeIllegalCommand), true
	}
}

func (h *hardwareHandler) login(ctx context.Context, body string) protocol.Code {
	if h.session != nil {
		return protocol.CodeNotAllowed
	}
	fields := strings.Fields(body)
	if len(fields) != 1 {
		return protocol.CodeIllegalCommand
	}
	token := fields[0]

	if _, err := h.server.tokens.Resolve(ctx, token); err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			h.server.logWarn("login_rejected", "id", h.conn.id, "remote", h.conn.remoteAddr)
			return protocol.CodeInvalidToken
		}
		h.server.logError("token_resolve_failed", "id", h.conn.id, "error", err)
		return protocol.CodeServerError
	}

	h.session = session.New(token, h.conn.remoteAddr, h.conn.outbox)
	if prev := h.server.registry.Register(token, h.session); prev != nil {
		h.server.logInfo("session_replaced", "id", h.conn.id, "previous", prev.ID)
	} else {
		metrics.SessionsOnline.Inc()
	}
	h.conn.setIdentity(session.MaskToken(token))
	h.server.logInfo("device_login", "id", h.conn.id, "session", h.session.ID)
	return protocol.CodeOK
}

func (h *hardwareHandler) close() {
	if h.session != nil {
		h.session.Close()
		if h.server.registry.Unregister(h.session.Token, h.session) {
			metrics.SessionsOnline.Dec()
		}
	}
	h.table.Reset()
}

func recordBridge(res bridge.Result) {
	switch {
	case res.Delivered != nil:
		metrics.BridgeForwards.WithLabelValues("delivered").Inc()
	case errors.Is(res.Err, bridge.ErrSlotNotBound):
		metrics.BridgeForwards.WithLabelValues("not_allowed").Inc()
	case errors.Is(res.Err, bridge.ErrTargetOffline):
		metrics.BridgeForwards.WithLabelValues("offline").Inc()
		if errors.Is(res.Err, session.ErrQueueFull) {
			metrics.DroppedMessages.Inc()
		}
	}
}
