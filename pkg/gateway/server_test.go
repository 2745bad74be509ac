package gateway

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sameehj/hwbridge/pkg/auth"
	"github.com/sameehj/hwbridge/pkg/client"
	"github.com/sameehj/hwbridge/pkg/protocol"
	"github.com/sameehj/hwbridge/pkg/session"
	"github.com/sameehj/hwbridge/pkg/transport"
	"golang.org/x/crypto/bcrypt"
)

const (
	waitTimeout  = 2 * time.Second
	quietTimeout = 150 * time.Millisecond
)

type testGateway struct {
	server   *Server
	store    *auth.MemoryStore
	hardware string
	app      string
}

func startGateway(t *testing.T, seed ...auth.Device) *testGateway {
	t.Helper()
	g := newTestGateway(t, seed...)
	g.start(t)
	return g
}

func newTestGateway(t *testing.T, seed ...auth.Device) *testGateway {
	t.Helper()

	store, err := auth.NewMemoryStore(seed...)
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte("pass"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	users, err := auth.NewUsers([]auth.User{{Name: "dima", PasswordHash: string(hash)}})
	if err != nil {
		t.Fatalf("users: %v", err)
	}

	srv := NewServer(session.NewRegistry(4), store, nil)
	srv.SetUsers(users)
	return &testGateway{server: srv, store: store}
}

func (g *testGateway) start(t *testing.T) {
	t.Helper()

	hw, err := transport.ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen hardware: %v", err)
	}
	app, err := transport.ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen app: %v", err)
	}
	g.hardware, g.app = hw.Addr(), app.Addr()

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = g.server.ServeHardware(ctx, hw) }()
	go func() { _ = g.server.ServeApp(ctx, app) }()
	t.Cleanup(func() {
		cancel()
		g.server.Wait()
	})
}

func dial(t *testing.T, addr string) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	c, err := client.Dial(ctx, addr)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func send(t *testing.T, c *client.Client, line string) {
	t.Helper()
	if _, err := c.Send(line); err != nil {
		t.Fatalf("send %q: %v", line, err)
	}
}

func expect(t *testing.T, c *client.Client, want protocol.Message) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	got, err := c.Receive(ctx)
	if err != nil {
		t.Fatalf("waiting for %s: %v", want, err)
	}
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func expectQuiet(t *testing.T, c *client.Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), quietTimeout)
	defer cancel()
	if got, err := c.Receive(ctx); err == nil {
		t.Fatalf("expected no message, got %s", got)
	}
}

func bridged(id uint16, body string) protocol.Message {
	return protocol.Message{ID: id, Command: protocol.CommandBridge, Body: body}
}

// loggedInDevice connects a device, logs it in and resets its numbering so
// the next command is id 1 again.
func loggedInDevice(t *testing.T, g *testGateway, token string) *client.Client {
	t.Helper()
	c := dial(t, g.hardware)
	send(t, c, "login "+token)
	expect(t, c, protocol.NewResponse(1, protocol.CodeOK))
	c.Reset()
	return c
}

func waitForSessions(t *testing.T, g *testGateway, n int) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if g.server.Registry().Count() == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d sessions, got %d", n, g.server.Registry().Count())
}

func TestBridgeInitOK(t *testing.T) {
	g := startGateway(t, auth.Device{Token: "tok1", Owner: "dima", DashID: 1})
	hw := loggedInDevice(t, g, "tok1")

	send(t, hw, "bridge 1 i auth_token")
	expect(t, hw, protocol.NewResponse(1, protocol.CodeOK))
}

func TestBridgeInitIllegalCommand(t *testing.T) {
	g := startGateway(t, auth.Device{Token: "tok1", Owner: "dima", DashID: 1})
	hw := loggedInDevice(t, g, "tok1")

	for i, line := range []string{"bridge 1 i", "bridge i", "bridge 1 auth_tone", "bridge 1", "bridge 1"} {
		send(t, hw, line)
		expect(t, hw, protocol.NewResponse(uint16(i+1), protocol.CodeIllegalCommand))
	}
}

func TestSeveralBridgeInitOK(t *testing.T) {
	g := startGateway(t, auth.Device{Token: "tok1", Owner: "dima", DashID: 1})
	hw := loggedInDevice(t, g, "tok1")

	for _, line := range []string{"bridge 1 i auth_token", "bridge 2 i auth_token", "bridge 3 i auth_token", "bridge 4 i auth_token"} {
		send(t, hw, line)
	}
	for i := 1; i <= 4; i++ {
		expect(t, hw, protocol.NewResponse(uint16(i), protocol.CodeOK))
	}

	for i := 0; i < 4; i++ {
		send(t, hw, "bridge 5 i auth_token")
	}
	for i := 5; i <= 8; i++ {
		expect(t, hw, protocol.NewResponse(uint16(i), protocol.CodeOK))
	}
}

func TestBridgeWithoutInit(t *testing.T) {
	g := startGateway(t, auth.Device{Token: "tok1", Owner: "dima", DashID: 1})
	hw := loggedInDevice(t, g, "tok1")

	send(t, hw, "bridge 1 aw 10 10")
	expect(t, hw, protocol.NewResponse(1, protocol.CodeNotAllowed))
}

func TestBridgeInitAndSendNoOtherDevices(t *testing.T) {
	g := startGateway(t, auth.Device{Token: "tok1", Owner: "dima", DashID: 1})
	hw := loggedInDevice(t, g, "tok1")

	send(t, hw, "bridge 1 i auth_token")
	expect(t, hw, protocol.NewResponse(1, protocol.CodeOK))
	send(t, hw, "bridge 1 aw 10 10")
	expect(t, hw, protocol.NewResponse(2, protocol.CodeDeviceNotInNetwork))
}

func TestCorrectWorkflowTwoDevicesSameToken(t *testing.T) {
	g := startGateway(t, auth.Device{Token: "tok1", Owner: "dima", DashID: 1})
	hw := loggedInDevice(t, g, "tok1")
	// A second device with the same token replaces the first in the registry.
	other := loggedInDevice(t, g, "tok1")

	send(t, hw, "bridge 1 i tok1")
	expect(t, hw, protocol.NewResponse(1, protocol.CodeOK))
	send(t, hw, "bridge 1 aw 10 10")
	expect(t, other, bridged(2, "aw 10 10"))
	expectQuiet(t, hw)
}

func TestCorrectWorkflowTokenFromApp(t *testing.T) {
	g := startGateway(t, auth.Device{Token: "tok1", Owner: "dima", DashID: 1})
	hw := loggedInDevice(t, g, "tok1")

	app := dial(t, g.app)
	send(t, app, "login dima pass")
	expect(t, app, protocol.NewResponse(1, protocol.CodeOK))
	send(t, app, "getToken 2")
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	reply, err := app.Receive(ctx)
	if err != nil {
		t.Fatalf("getToken: %v", err)
	}
	if reply.ID != 2 || reply.Command != protocol.CommandGetToken || len(reply.Body) != 32 {
		t.Fatalf("unexpected getToken reply %s", reply)
	}
	token2 := reply.Body

	target := loggedInDevice(t, g, token2)

	send(t, hw, "bridge 1 i "+token2)
	expect(t, hw, protocol.NewResponse(1, protocol.CodeOK))
	send(t, hw, "bridge 1 aw 11 11")
	expect(t, target, bridged(2, "aw 11 11"))
	expectQuiet(t, hw)
}

func TestCorrectWorkflowSeparateSlots(t *testing.T) {
	g := startGateway(t,
		auth.Device{Token: "tok1", Owner: "dima", DashID: 1},
		auth.Device{Token: "tok2", Owner: "dima", DashID: 2},
		auth.Device{Token: "tok3", Owner: "dima", DashID: 3},
	)
	hw := loggedInDevice(t, g, "tok1")
	second := loggedInDevice(t, g, "tok2")
	third := loggedInDevice(t, g, "tok3")

	send(t, hw, "bridge 1 i tok2")
	expect(t, hw, protocol.NewResponse(1, protocol.CodeOK))
	send(t, hw, "bridge 2 i tok3")
	expect(t, hw, protocol.NewResponse(2, protocol.CodeOK))

	send(t, hw, "bridge 1 aw 11 11")
	expect(t, second, bridged(2, "aw 11 11"))
	send(t, hw, "bridge 2 aw 13 13")
	expect(t, third, bridged(2, "aw 13 13"))

	expectQuiet(t, second)
	expectQuiet(t, third)
	expectQuiet(t, hw)
}

func TestTargetIDsContinueAfterItsOwnCommands(t *testing.T) {
	g := startGateway(t,
		auth.Device{Token: "tok1", Owner: "dima", DashID: 1},
		auth.Device{Token: "tok2", Owner: "dima", DashID: 2},
	)
	hw := loggedInDevice(t, g, "tok1")
	target := dial(t, g.hardware)
	send(t, target, "login tok2")
	expect(t, target, protocol.NewResponse(1, protocol.CodeOK))
	send(t, target, "ping")
	expect(t, target, protocol.NewResponse(2, protocol.CodeOK))

	send(t, hw, "bridge 1 i tok2")
	expect(t, hw, protocol.NewResponse(1, protocol.CodeOK))
	send(t, hw, "bridge 1 vw 1 100")
	send(t, hw, "bridge 1 vw 1 101")
	expect(t, target, bridged(3, "vw 1 100"))
	expect(t, target, bridged(4, "vw 1 101"))
}

func TestIDsTrackMixedCommands(t *testing.T) {
	g := startGateway(t,
		auth.Device{Token: "tok1", Owner: "dima", DashID: 1},
		auth.Device{Token: "tok2", Owner: "dima", DashID: 2},
	)
	hw := loggedInDevice(t, g, "tok1")
	target := loggedInDevice(t, g, "tok2")

	send(t, hw, "bridge 1 i tok2")  // 1 OK
	send(t, hw, "bridge x aw 1 1")  // 2 ILLEGAL_COMMAND
	send(t, hw, "bridge 1 aw 1 1")  // 3 silent
	send(t, hw, "bridge 2 aw 1 1")  // 4 NOT_ALLOWED
	send(t, hw, "bridge 3 i ghost") // 5 OK
	send(t, hw, "bridge 3 aw 1 1")  // 6 DEVICE_NOT_IN_NETWORK

	expect(t, hw, protocol.NewResponse(1, protocol.CodeOK))
	expect(t, hw, protocol.NewResponse(2, protocol.CodeIllegalCommand))
	expect(t, hw, protocol.NewResponse(4, protocol.CodeNotAllowed))
	expect(t, hw, protocol.NewResponse(5, protocol.CodeOK))
	expect(t, hw, protocol.NewResponse(6, protocol.CodeDeviceNotInNetwork))
	expect(t, target, bridged(2, "aw 1 1"))
}

func TestDisconnectedTargetIsNotInNetwork(t *testing.T) {
	g := startGateway(t,
		auth.Device{Token: "tok1", Owner: "dima", DashID: 1},
		auth.Device{Token: "tok2", Owner: "dima", DashID: 2},
	)
	hw := loggedInDevice(t, g, "tok1")
	target := loggedInDevice(t, g, "tok2")
	waitForSessions(t, g, 2)

	send(t, hw, "bridge 1 i tok2")
	expect(t, hw, protocol.NewResponse(1, protocol.CodeOK))

	_ = target.Close()
	waitForSessions(t, g, 1)

	send(t, hw, "bridge 1 aw 1 1")
	expect(t, hw, protocol.NewResponse(2, protocol.CodeDeviceNotInNetwork))

	// Reconnecting under the same token is picked up without rebinding.
	again := loggedInDevice(t, g, "tok2")
	send(t, hw, "bridge 1 aw 2 2")
	expect(t, again, bridged(2, "aw 2 2"))
}

func TestHardwareRequiresLogin(t *testing.T) {
	g := startGateway(t, auth.Device{Token: "tok1", Owner: "dima", DashID: 1})
	hw := dial(t, g.hardware)

	send(t, hw, "bridge 1 i tok1")
	expect(t, hw, protocol.NewResponse(1, protocol.CodeNotAuthenticated))
	send(t, hw, "login wrong")
	expect(t, hw, protocol.NewResponse(2, protocol.CodeInvalidToken))
	send(t, hw, "login")
	expect(t, hw, protocol.NewResponse(3, protocol.CodeIllegalCommand))
	send(t, hw, "login tok1")
	expect(t, hw, protocol.NewResponse(4, protocol.CodeOK))
	send(t, hw, "login tok1")
	expect(t, hw, protocol.NewResponse(5, protocol.CodeNotAllowed))
	send(t, hw, "getToken 1")
	expect(t, hw, protocol.NewResponse(6, protocol.CodeIllegalCommand))
}

func TestAppLoginAndRefresh(t *testing.T) {
	g := startGateway(t)
	app := dial(t, g.app)

	send(t, app, "getToken 1")
	expect(t, app, protocol.NewResponse(1, protocol.CodeNotAuthenticated))
	send(t, app, "login dima nope")
	expect(t, app, protocol.NewResponse(2, protocol.CodeNotAuthenticated))
	send(t, app, "login dima pass")
	expect(t, app, protocol.NewResponse(3, protocol.CodeOK))

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	first, _, err := app.Call(ctx, "getToken 1")
	if err != nil {
		t.Fatalf("getToken: %v", err)
	}
	again, _, err := app.Call(ctx, "getToken 1")
	if err != nil {
		t.Fatalf("getToken: %v", err)
	}
	if first.Body != again.Body {
		t.Fatalf("expected stable token, got %q and %q", first.Body, again.Body)
	}
	refreshed, _, err := app.Call(ctx, "refreshToken 1")
	if err != nil {
		t.Fatalf("refreshToken: %v", err)
	}
	if refreshed.Command != protocol.CommandRefreshToken || refreshed.Body == first.Body {
		t.Fatalf("expected new token from refresh, got %s", refreshed)
	}
	if _, err := g.store.Resolve(ctx, first.Body); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected old token revoked, got %v", err)
	}

	bad, _, err := app.Call(ctx, "getToken abc")
	if err != nil {
		t.Fatalf("getToken: %v", err)
	}
	if bad.Code != protocol.CodeIllegalCommand {
		t.Fatalf("expected ILLEGAL_COMMAND for bad dash id, got %s", bad)
	}
	denied, _, err := app.Call(ctx, "bridge 1 i tok")
	if err != nil {
		t.Fatalf("bridge: %v", err)
	}
	if denied.Code != protocol.CodeNotAllowed {
		t.Fatalf("expected NOT_ALLOWED for app bridge, got %s", denied)
	}
}

func TestSessionLimit(t *testing.T) {
	g := newTestGateway(t, auth.Device{Token: "tok1", Owner: "dima", DashID: 1})
	g.server.SetMaxSessions(1)
	g.start(t)

	first := dial(t, g.hardware)
	send(t, first, "ping")
	expect(t, first, protocol.NewResponse(1, protocol.CodeNotAuthenticated))

	second := dial(t, g.hardware)
	_, _ = second.Send("ping")
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if _, err := second.Receive(ctx); !errors.Is(err, client.ErrClosed) {
		t.Fatalf("expected second connection to be closed, got %v", err)
	}
}

func TestListConnectionsMasksTokens(t *testing.T) {
	const token = "4ae3851817194e2596cf1b7103603ef8"
	g := startGateway(t, auth.Device{Token: token, Owner: "dima", DashID: 1})
	loggedInDevice(t, g, token)

	conns := g.server.ListConnections()
	if len(conns) != 1 {
		t.Fatalf("expected 1 connection, got %d", len(conns))
	}
	if conns[0].Listener != ListenerHardware || conns[0].Identity != "4ae3****" {
		t.Fatalf("unexpected connection info %+v", conns[0])
	}
}

func TestSessionLimitIgnoresAppConnections(t *testing.T) {
	g := newTestGateway(t, auth.Device{Token: "tok1", Owner: "dima", DashID: 1})
	g.server.SetMaxSessions(1)
	g.start(t)

	app := dial(t, g.app)
	send(t, app, "login dima pass")
	expect(t, app, protocol.NewResponse(1, protocol.CodeOK))

	hw := dial(t, g.hardware)
	send(t, hw, "ping")
	expect(t, hw, protocol.NewResponse(1, protocol.CodeNotAuthenticated))

	extra := dial(t, g.hardware)
	_, _ = extra.Send("ping")
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if _, err := extra.Receive(ctx); !errors.Is(err, client.ErrClosed) {
		t.Fatalf("expected second hardware connection to be closed, got %v", err)
	}
}

func TestAllowlistsArePerListener(t *testing.T) {
	g := newTestGateway(t)
	g.server.authorizers[ListenerHardware] = AllowlistAuthorizer{Allowed: []string{"10.9.9.9"}}
	g.start(t)

	app := dial(t, g.app)
	send(t, app, "login dima pass")
	expect(t, app, protocol.NewResponse(1, protocol.CodeOK))

	hw := dial(t, g.hardware)
	_, _ = hw.Send("ping")
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if _, err := hw.Receive(ctx); !errors.Is(err, client.ErrClosed) {
		t.Fatalf("expected hardware connection outside the allowlist to be closed, got %v", err)
	}

	denied := newTestGateway(t)
	denied.server.SetAppAuthorizer(AllowlistAuthorizer{Allowed: []string{"10.9.9.9"}})
	denied.start(t)

	device := dial(t, denied.hardware)
	send(t, device, "ping")
	expect(t, device, protocol.NewResponse(1, protocol.CodeNotAuthenticated))

	blocked := dial(t, denied.app)
	_, _ = blocked.Send("ping")
	if _, err := blocked.Receive(ctx); !errors.Is(err, client.ErrClosed) {
		t.Fatalf("expected app connection outside the allowlist to be closed, got %v", err)
	}
}

// pipeListener hands out in-memory connections. net.Pipe has no buffering,
// so a peer that stops reading stalls the gateway's writer immediately.
type pipeListener struct {
	conns     chan transport.Conn
	done      chan struct{}
	closeOnce sync.Once
}

func newPipeListener() *pipeListener {
	return &pipeListener{conns: make(chan transport.Conn), done: make(chan struct{})}
}

func (l *pipeListener) Accept() (transport.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, transport.ErrListenerClosed
	}
}

func (l *pipeListener) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}

func (l *pipeListener) Addr() string {
	return "pipe"
}

func (l *pipeListener) dial(t *testing.T) (net.Conn, transport.Conn) {
	t.Helper()
	server, peer := net.Pipe()
	select {
	case l.conns <- transport.NewStreamConn(server):
	case <-time.After(waitTimeout):
		t.Fatalf("gateway did not accept the pipe connection")
	}
	t.Cleanup(func() { _ = peer.Close() })
	return peer, transport.NewStreamConn(peer)
}

func TestPipelinedCommandsAllAnsweredWithSlowReader(t *testing.T) {
	g := newTestGateway(t)
	g.server.SetQueueSize(1)
	listener := newPipeListener()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = g.server.ServeHardware(ctx, listener) }()
	t.Cleanup(func() {
		cancel()
		g.server.Wait()
	})

	raw, peer := listener.dial(t)
	if err := raw.SetDeadline(time.Now().Add(5 * waitTimeout)); err != nil {
		t.Fatalf("deadline: %v", err)
	}

	const n = 6
	written := make(chan error, 1)
	go func() {
		for id := uint16(1); id <= n; id++ {
			if err := peer.WriteMessage(protocol.Message{ID: id, Command: protocol.CommandPing}); err != nil {
				written <- err
				return
			}
		}
		written <- nil
	}()

	// Hold off reading so the gateway's queue fills up behind the stalled writer.
	time.Sleep(quietTimeout)

	for id := uint16(1); id <= n; id++ {
		msg, err := peer.ReadMessage()
		if err != nil {
			t.Fatalf("reading reply %d: %v", id, err)
		}
		if want := protocol.NewResponse(id, protocol.CodeNotAuthenticated); msg != want {
			t.Fatalf("expected %s, got %s", want, msg)
		}
	}
	if err := <-written; err != nil {
		t.Fatalf("write: %v", err)
	}
}
