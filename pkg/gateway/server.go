package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/sameehj/hwbridge/pkg/auth"
	"github.com/sameehj/hwbridge/pkg/bridge"
	"github.com/sameehj/hwbridge/pkg/metrics"
	"github.com/sameehj/hwbridge/pkg/session"
	"github.com/sameehj/hwbridge/pkg/transport"
)

const (
	ListenerHardware = "hardware"
	ListenerApp      = "app"

	defaultQueueSize = 64
)

type Server struct {
	registry    *session.Registry
	tokens      auth.TokenStore
	users       *auth.Users
	dispatcher  *bridge.Dispatcher
	authorizers map[string]Authorizer
	maxSessions int
	queueSize   int
	logger      *slog.Logger

	mu    sync.Mutex
	conns map[string]*connection
	wg    sync.WaitGroup
}

// NewServer builds a gateway resolving device logins through tokens and
// bridging through registry. authorizer admits hardware connections; app
// connections are admitted by SetAppAuthorizer, or all of them by default.
func NewServer(registry *session.Registry, tokens auth.TokenStore, authorizer Authorizer) *Server {
	if authorizer == nil {
		authorizer = NoopAuthorizer{}
	}
	authorizers := map[string]Authorizer{
		ListenerHardware: authorizer,
		ListenerApp:      NoopAuthorizer{},
	}
	return &Server{
		registry:    registry,
		tokens:      tokens,
		dispatcher:  bridge.NewDispatcher(registry, bridge.DefaultMaxSlots),
		authorizers: authorizers,
		queueSize:   defaultQueueSize,
		conns:       make(map[string]*connection),
	}
}

func (s *Server) SetLogger(logger *slog.Logger) {
	s.logger = logger
	s.dispatcher.SetLogger(logger)
}

// SetMaxSessions caps concurrent hardware connections. App connections are
// not counted.
func (s *Server) SetMaxSessions(max int) {
	s.maxSessions = max
}

// SetMaxSlots caps bridge slot indices.
func (s *Server) SetMaxSlots(max int) {
	s.dispatcher = bridge.NewDispatcher(s.registry, max)
	s.dispatcher.SetLogger(s.logger)
}

// SetQueueSize sets the outbound queue length of new connections.
func (s *Server) SetQueueSize(size int) {
	if size > 0 {
		s.queueSize = size
	}
}

// SetAppAuthorizer sets the admission check for application connections.
func (s *Server) SetAppAuthorizer(authorizer Authorizer) {
	if authorizer == nil {
		authorizer = NoopAuthorizer{}
	}
	s.authorizers[ListenerApp] = authorizer
}

// SetUsers enables application logins.
func (s *Server) SetUsers(users *auth.Users) {
	s.users = users
}

// ServeHardware accepts device connections until ctx is cancelled or the
// listener fails.
func (s *Server) ServeHardware(ctx context.Context, listener transport.Listener) error {
	return s.serve(ctx, listener, ListenerHardware)
}

// ServeApp accepts application connections.
func (s *Server) ServeApp(ctx context.Context, listener transport.Listener) error {
	return s.serve(ctx, listener, ListenerApp)
}

func (s *Server) serve(ctx context.Context, listener transport.Listener, kind string) error {
	stop := context.AfterFunc(ctx, func() { _ = listener.Close() })
	defer stop()
	defer listener.Close()
	s.logInfo("gateway_listening", "listener", kind, "addr", listener.Addr())

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if errors.Is(err, transport.ErrListenerClosed) {
				return nil
			}
			s.logError("accept_failed", "listener", kind, "error", err)
			return err
		}

		if kind == ListenerHardware && s.maxSessions > 0 && s.connectionCount(kind) >= s.maxSessions {
			s.logWarn("session_limit_reached", "listener", kind, "remote", conn.RemoteAddr(), "limit", s.maxSessions)
			metrics.ConnectionsRejected.WithLabelValues(kind, "limit").Inc()
			_ = conn.Close()
			continue
		}

		if err := s.authorizers[kind].Allow(ctx, conn.RemoteAddr()); err != nil {
			s.logWarn("session_denied", "listener", kind, "remote", conn.RemoteAddr(), "error", err)
			metrics.ConnectionsRejected.WithLabelValues(kind, "denied").Inc()
			_ = conn.Close()
			continue
		}

		c := newConnection(kind, conn, s.queueSize)
		var h handler
		if kind == ListenerHardware {
			h = newHardwareHandler(s, c)
		} else {
			h = newAppHandler(s, c)
		}
		s.register(c)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.unregister(c.id)
			s.logInfo("session_start", "id", c.id, "listener", kind, "remote", c.remoteAddr)
			err := c.run(ctx, h, s)
			s.logInfo("session_end", "id", c.id, "listener", kind, "remote", c.remoteAddr, "reason", err)
		}()
	}
}

// Wait blocks until every connection goroutine has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) register(c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c.id] = c
	metrics.ConnectionsOpen.WithLabelValues(c.kind).Inc()
}

func (s *Server) unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conns[id]; ok {
		delete(s.conns, id)
		metrics.ConnectionsOpen.WithLabelValues(c.kind).Dec()
	}
}

func (s *Server) connectionCount(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.conns {
		if c.kind == kind {
			n++
		}
	}
	return n
}

// ListConnections returns open connections ordered by start time.
func (s *Server) ListConnections() []ConnectionInfo {
	s.mu.Lock()
	out := make([]ConnectionInfo, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c.info())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Registry exposes the live hardware sessions.
func (s *Server) Registry() *session.Registry {
	return s.registry
}

func (s *Server) logDebug(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}

func (s *Server) logInfo(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Info(msg, args...)
	}
}

func (s *Server) logWarn(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}

func (s *Server) logError(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Error(msg, args...)
	}
}

func (s *Server) String() string {
	return fmt.Sprintf("gateway(%d hardware, %d app connections, %d sessions)",
		s.connectionCount(ListenerHardware), s.connectionCount(ListenerApp), s.registry.Count())
}
