package e2e_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/lyo-realtime/internal/auth"
	"github.com/alexjbarnes/lyo-realtime/internal/bridge"
	"github.com/alexjbarnes/lyo-realtime/internal/mcpserver"
	"github.com/alexjbarnes/lyo-realtime/internal/notify"
	"github.com/alexjbarnes/lyo-realtime/internal/realtime"
	"github.com/alexjbarnes/lyo-realtime/internal/server"
	"github.com/alexjbarnes/lyo-realtime/internal/state"
	"github.com/coder/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testEmail    = "learner@example.com"
	testPassword = "correct-horse"
	controlToken = "e2e-control-token"

	waitTimeout = 5 * time.Second
	waitTick    = 10 * time.Millisecond
)

// backend fakes the Lyo REST auth API and the realtime WebSocket
// endpoint. Login issues access-1, refresh issues access-2.
type backend struct {
	srv *httptest.Server

	mu       sync.Mutex
	conn     *websocket.Conn
	tokens   []string
	received []realtime.Message
}

func newBackend(t *testing.T) *backend {
	t.Helper()

	b := &backend{}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", b.handleLogin)
	mux.HandleFunc("POST /auth/refresh", b.handleRefresh)
	mux.HandleFunc("/ws", b.handleSocket)

	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)

	return b
}

func (b *backend) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Password != testPassword {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_credentials"}`))
		return
	}

	writeTokens(w, "access-1", "refresh-1")
}

func (b *backend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken != "refresh-1" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	writeTokens(w, "access-2", "refresh-2")
}

func writeTokens(w http.ResponseWriter, access, refresh string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "Bearer",
		"expires_in":    3600,
	})
}

func (b *backend) handleSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token != "access-1" && token != "access-2" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	b.mu.Lock()
	b.conn = conn
	b.tokens = append(b.tokens, token)
	b.mu.Unlock()

	ctx := r.Context()

	welcome, _ := realtime.Encode(realtime.NewMessage(realtime.TypeConnectionEstablished, map[string]any{"session_id": "srv-e2e"}))
	if err := conn.Write(ctx, websocket.MessageText, welcome); err != nil {
		return
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		msg, err := realtime.Decode(data)
		if err != nil {
			continue
		}

		b.mu.Lock()
		b.received = append(b.received, msg)
		b.mu.Unlock()
	}
}

// push writes msg to the most recent client socket.
func (b *backend) push(t *testing.T, typ string, data map[string]any) {
	t.Helper()

	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	require.NotNil(t, conn, "no client connected")

	frame, err := realtime.Encode(realtime.NewMessage(typ, data))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), waitTimeout)
	defer cancel()

	require.NoError(t, conn.Write(ctx, websocket.MessageText, frame))
}

func (b *backend) connectTokens() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]string(nil), b.tokens...)
}

func (b *backend) receivedTypes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var types []string
	for _, m := range b.received {
		types = append(types, m.Type)
	}

	return types
}

// harness wires the real client stack against the fake backend and
// serves the control API on an httptest server.
type harness struct {
	backend   *backend
	conn      *realtime.Connection
	scheduler *notify.Scheduler
	delivered chan notify.Request
	control   *httptest.Server
	client    *http.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	b := newBackend(t)

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	session, err := auth.NewSession(auth.NewClient(b.srv.URL, b.srv.Client()), st, logger)
	require.NoError(t, err)
	require.NoError(t, session.SignIn(t.Context(), testEmail, testPassword))

	platform := notify.NewLocalPlatform(true, logger)
	t.Cleanup(platform.Close)

	scheduler := notify.NewScheduler(platform, st, notify.NewSettings(notify.QuietHours{}), logger)

	h := &harness{
		backend:   b,
		scheduler: scheduler,
		delivered: make(chan notify.Request, 16),
	}

	platform.OnDeliver(func(req notify.Request, final bool) {
		scheduler.HandleDelivered(req, final)
		select {
		case h.delivered <- req:
		default:
		}
	})

	router := realtime.NewRouter(logger)
	bridge.New(notify.NewPlanner(scheduler, logger), logger).Register(router)

	h.conn = realtime.NewConnection(realtime.Options{
		URL:     "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/ws",
		Device:  "e2e",
		Version: "test",
	}, session, router, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = h.conn.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	hash, err := bcrypt.GenerateFromPassword([]byte(controlToken), bcrypt.MinCost)
	require.NoError(t, err)

	mcpServer := mcp.NewServer(&mcp.Implementation{Name: "lyo-realtime-e2e", Version: "test"}, nil)
	mcpserver.RegisterTools(mcpServer, h.conn, scheduler)

	h.control = httptest.NewServer(server.NewRouter(server.Config{
		Realtime:      h.conn,
		Notifications: scheduler,
		MCPHandler: mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
			return mcpServer
		}, nil),
		TokenHash: string(hash),
		Logger:    logger,
	}))
	t.Cleanup(h.control.Close)

	h.client = h.control.Client()

	return h
}

// connect asks the connection to connect and waits for the session.
func (h *harness) connect(t *testing.T) {
	t.Helper()

	h.conn.Connect()
	require.Eventually(t, func() bool {
		return h.conn.Status().State == realtime.StateConnected && h.conn.Status().ServerSession != ""
	}, waitTimeout, waitTick)
}

// do performs an authenticated control API request.
func (h *harness) do(t *testing.T, method, path string, body []byte) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), method, h.control.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+controlToken)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

// mcpSession creates an MCP client session authenticated with token
// over the streamable HTTP transport.
func (h *harness) mcpSession(t *testing.T, token string) (*mcp.ClientSession, error) {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.control.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: token,
				base:  h.client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	if err != nil {
		return nil, err
	}
	t.Cleanup(func() { _ = session.Close() })

	return session, nil
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}

func extractTextContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)

	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "expected TextContent")

	return tc.Text
}
