package realtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

var errConnClosed = errors.New("use of closed connection")

// fakeAuth is an in-memory AuthProvider.
type fakeAuth struct {
	mu             sync.Mutex
	authenticated  bool
	token          string
	refreshedToken string
	refreshErr     error
	refreshes      int
	gate           chan struct{}
}

func (a *fakeAuth) IsAuthenticated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.authenticated
}

func (a *fakeAuth) CurrentToken() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token
}

func (a *fakeAuth) RefreshToken(ctx context.Context) error {
	a.mu.Lock()
	a.refreshes++
	gate := a.gate
	a.mu.Unlock()

	// A gated refresh stays in flight until the test closes the gate.
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.refreshErr != nil {
		return a.refreshErr
	}

	if a.refreshedToken != "" {
		a.token = a.refreshedToken
	}

	return nil
}

func (a *fakeAuth) setAuthenticated(v bool) {
	a.mu.Lock()
	a.authenticated = v
	a.mu.Unlock()
}

func (a *fakeAuth) setToken(tok string) {
	a.mu.Lock()
	a.token = tok
	a.mu.Unlock()
}

func (a *fakeAuth) setGate(gate chan struct{}) {
	a.mu.Lock()
	a.gate = gate
	a.mu.Unlock()
}

func (a *fakeAuth) refreshCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refreshes
}

// fakeServer hands out fakeConns and records every dial.
type fakeServer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	dials    []time.Time
	urls     []string
	headers  []http.Header
	dialErrs []error
	failAll  error
	live     int
	maxLive  int
}

func (s *fakeServer) dial(_ context.Context, rawURL string, header http.Header) (wsConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dials = append(s.dials, time.Now())
	s.urls = append(s.urls, rawURL)
	s.headers = append(s.headers, header)

	if len(s.dialErrs) > 0 {
		err := s.dialErrs[0]
		s.dialErrs = s.dialErrs[1:]

		if err != nil {
			return nil, err
		}
	}

	if s.failAll != nil {
		return nil, s.failAll
	}

	c := &fakeConn{server: s, in: make(chan []byte, 16), closed: make(chan struct{})}
	s.conns = append(s.conns, c)
	s.live++
	s.maxLive = max(s.maxLive, s.live)

	return c, nil
}

func (s *fakeServer) setFailAll(err error) {
	s.mu.Lock()
	s.failAll = err
	s.mu.Unlock()
}

func (s *fakeServer) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dials)
}

func (s *fakeServer) conn(i int) *fakeConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[i]
}

func (s *fakeServer) lastToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := url.Parse(s.urls[len(s.urls)-1])
	if err != nil {
		return ""
	}

	return u.Query().Get("token")
}

// fakeConn is the client side of one fake socket. The test plays the
// server through push, drop and serverClose.
type fakeConn struct {
	server *fakeServer
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu        sync.Mutex
	readErr   error
	closeCode websocket.StatusCode
	closedBy  string
	writes    [][]byte
}

func (c *fakeConn) Read(context.Context) (websocket.MessageType, []byte, error) {
	select {
	case data := <-c.in:
		return websocket.MessageText, data, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		return 0, nil, c.readErr
	}
}

func (c *fakeConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}

	c.mu.Lock()
	c.writes = append(c.writes, append([]byte(nil), p...))
	c.mu.Unlock()

	return nil
}

func (c *fakeConn) Close(code websocket.StatusCode, reason string) error {
	c.shut("client", code, websocket.CloseError{Code: code, Reason: reason})
	return nil
}

func (c *fakeConn) SetReadLimit(int64) {}

func (c *fakeConn) shut(by string, code websocket.StatusCode, readErr error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closedBy = by
		c.closeCode = code
		c.readErr = readErr
		c.mu.Unlock()

		c.server.mu.Lock()
		c.server.live--
		c.server.mu.Unlock()

		close(c.closed)
	})
}

// push delivers a frame from the server.
func (c *fakeConn) push(frame string) {
	c.in <- []byte(frame)
}

// drop simulates the network failing under the socket.
func (c *fakeConn) drop() {
	c.shut("server", 0, io.ErrUnexpectedEOF)
}

// serverClose simulates a close frame from the server.
func (c *fakeConn) serverClose(code websocket.StatusCode) {
	c.shut("server", code, websocket.CloseError{Code: code, Reason: "server"})
}

func (c *fakeConn) clientCloseCode() (websocket.StatusCode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closedBy == "client"
}

// sentTypes returns the type of every frame the client wrote.
func (c *fakeConn) sentTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var types []string
	for _, w := range c.writes {
		msg, err := Decode(w)
		if err != nil {
			types = append(types, "<invalid>")
			continue
		}

		types = append(types, msg.Type)
	}

	return types
}

// eventLog drains a subscription so no event is dropped.
type eventLog struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{}
}

func recordEvents(c *Connection) *eventLog {
	ch, _ := c.Subscribe()
	l := &eventLog{done: make(chan struct{})}

	go func() {
		defer close(l.done)
		for ev := range ch {
			l.mu.Lock()
			l.events = append(l.events, ev)
			l.mu.Unlock()
		}
	}()

	return l
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) ofKind(kind EventKind) []Event {
	var out []Event
	for _, ev := range l.all() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}

	return out
}

func (l *eventLog) states() []State {
	var out []State
	for _, ev := range l.ofKind(EventStateChanged) {
		out = append(out, ev.State)
	}

	return out
}

type harness struct {
	t      *testing.T
	conn   *Connection
	server *fakeServer
	auth   *fakeAuth
	router *Router
	events *eventLog
	stop   func()
}

func testOptions() Options {
	return Options{
		URL:     "wss://rt.lyo.example/ws",
		Device:  "test-device",
		Version: "1.0.0",
	}
}

// newHarness builds a Connection over a fakeServer and starts Run. It
// must be called inside a synctest bubble.
func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	h := &harness{
		t:      t,
		server: &fakeServer{},
		auth:   &fakeAuth{authenticated: true, token: "initial-token"},
		router: NewRouter(slog.Default()),
	}

	tr := newTransport(h.server.dial, time.Second, slog.Default())
	h.conn = newConnection(opts, h.auth, h.router, tr, slog.Default())
	h.events = recordEvents(h.conn)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)

	go func() { errc <- h.conn.Run(ctx) }()

	h.stop = func() {
		cancel()
		require.ErrorIs(t, <-errc, context.Canceled)
		<-h.events.done
	}

	return h
}

// connected connects and waits for the session to open.
func (h *harness) connected() *fakeConn {
	h.t.Helper()

	h.conn.Connect()
	h.settle()
	require.Equal(h.t, StateConnected, h.conn.Status().State)

	return h.server.conn(h.server.dialCount() - 1)
}

// settle waits until every goroutine in the bubble is blocked.
func (h *harness) settle() {
	synctest.Wait()
}
