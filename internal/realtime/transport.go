package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/lyo-realtime/internal/errors"
	"github.com/coder/websocket"
)

const (
	// eventChanSize is the buffer between session goroutines and the
	// connection executor.
	eventChanSize = 64

	// outboundChanSize is the per-session send queue. Sends beyond it
	// are dropped.
	outboundChanSize = 64

	// defaultReadLimit caps one inbound frame.
	defaultReadLimit = 1 << 20

	// writeTimeout bounds a single frame write.
	writeTimeout = 10 * time.Second

	// shutdownWait is how long Shutdown waits for the last session to
	// finish its close handshake.
	shutdownWait = 5 * time.Second

	// DefaultConnectTimeout bounds the dial and upgrade.
	DefaultConnectTimeout = 10 * time.Second
)

var (
	errOutboundFull     = errors.New("outbound queue full")
	errTransportStopped = errors.New("transport stopped")
)

//go:generate mockgen -destination=mock_wsconn_test.go -package=realtime -mock_names=wsConn=MockWSConn . wsConn

// wsConn abstracts the WebSocket connection so the transport can be
// tested without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// dialFunc opens a WebSocket. A 401/403 upgrade response must come back
// as an AuthError.
type dialFunc func(ctx context.Context, url string, header http.Header) (wsConn, error)

// Reason says why a session is being closed locally.
type Reason string

const (
	ReasonManual    Reason = "manual"
	ReasonAuth      Reason = "auth required"
	ReasonHeartbeat Reason = "heartbeat timeout"
	ReasonOffline   Reason = "offline"
	ReasonShutdown  Reason = "shutdown"
)

// closeCode maps a reason to the close frame status. Manual and auth
// closes are normal closures so the peer does not treat them as a drop.
func (r Reason) closeCode() websocket.StatusCode {
	switch r {
	case ReasonManual, ReasonAuth, ReasonShutdown:
		return websocket.StatusNormalClosure
	}

	return websocket.StatusGoingAway
}

type transportEventKind int

const (
	eventOpened transportEventKind = iota
	eventMessage
	eventClosed
	eventFailed
)

// transportEvent is a lifecycle notification or an inbound frame from one
// session. Sessions closed locally emit nothing after Disconnect.
type transportEvent struct {
	kind    transportEventKind
	session uint64
	data    []byte
	code    websocket.StatusCode
	err     error
}

// session is one physical socket.
type session struct {
	id     uint64
	ctx    context.Context
	cancel context.CancelFunc
	out    chan []byte
	done   chan struct{}

	// guarded by Transport.mu
	open   bool
	reason Reason
}

// Transport owns at most one live WebSocket session. Each session runs
// one goroutine that dials, reads and closes, plus one writer goroutine
// draining the send queue, so writes are serialized per session.
type Transport struct {
	dial           dialFunc
	logger         *slog.Logger
	connectTimeout time.Duration
	readLimit      int64

	events chan transportEvent
	stop   chan struct{}

	mu      sync.Mutex
	cur     *session
	last    *session
	nextID  uint64
	stopped bool
}

// NewTransport creates a Transport that dials with coder/websocket.
func NewTransport(connectTimeout time.Duration, logger *slog.Logger) *Transport {
	return newTransport(dialWebSocket, connectTimeout, logger)
}

func newTransport(dial dialFunc, connectTimeout time.Duration, logger *slog.Logger) *Transport {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}

	return &Transport{
		dial:           dial,
		logger:         logger,
		connectTimeout: connectTimeout,
		readLimit:      defaultReadLimit,
		events:         make(chan transportEvent, eventChanSize),
		stop:           make(chan struct{}),
	}
}

func dialWebSocket(ctx context.Context, url string, header http.Header) (wsConn, error) {
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &apperrors.AuthError{Err: fmt.Errorf("%w: HTTP %d", apperrors.ErrAuthRejected, resp.StatusCode)}
		}

		return nil, &apperrors.TransportError{Op: "dial", Err: err}
	}

	return conn, nil
}

// Events is the single stream of session events.
func (t *Transport) Events() <-chan transportEvent {
	return t.events
}

// Connect starts a new session and returns its id. It fails with
// ErrAlreadyConnected while a session is dialing or open. The dial does
// not begin until the previous session has fully torn down.
func (t *Transport) Connect(url string, header http.Header) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return 0, errTransportStopped
	}

	if t.cur != nil {
		return 0, apperrors.ErrAlreadyConnected
	}

	t.nextID++
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:     t.nextID,
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan []byte, outboundChanSize),
		done:   make(chan struct{}),
	}

	prev := t.last
	t.cur, t.last = s, s

	go t.run(s, prev, url, header)

	return s.id, nil
}

// Send queues one text frame on the open session.
func (t *Transport) Send(data []byte) error {
	t.mu.Lock()
	s := t.cur
	open := s != nil && s.open
	t.mu.Unlock()

	if !open {
		return apperrors.ErrNotConnected
	}

	select {
	case <-s.ctx.Done():
		return apperrors.ErrNotConnected
	case s.out <- data:
		return nil
	default:
		return errOutboundFull
	}
}

// Disconnect closes the current session with the close code for reason
// and drops anything still queued. It returns false when there was no
// session. Teardown finishes in the background.
func (t *Transport) Disconnect(reason Reason) bool {
	t.mu.Lock()
	s := t.cur
	if s == nil {
		t.mu.Unlock()
		return false
	}

	t.cur = nil
	s.open = false
	s.reason = reason
	t.mu.Unlock()

	s.cancel()

	return true
}

// Shutdown closes any session, stops event delivery and waits briefly
// for the close handshake.
func (t *Transport) Shutdown() {
	t.Disconnect(ReasonShutdown)

	t.mu.Lock()
	last := t.last
	if !t.stopped {
		t.stopped = true
		close(t.stop)
	}
	t.mu.Unlock()

	if last == nil {
		return
	}

	timer := time.NewTimer(shutdownWait)
	defer timer.Stop()

	select {
	case <-last.done:
	case <-timer.C:
		t.logger.Warn("websocket close did not finish in time")
	}
}

func (t *Transport) run(s *session, prev *session, url string, header http.Header) {
	defer close(s.done)

	if prev != nil {
		<-prev.done
	}

	log := t.logger.With(slog.Uint64("session", s.id))

	dialCtx, cancel := context.WithTimeout(s.ctx, t.connectTimeout)
	conn, err := t.dial(dialCtx, url, header)
	cancel()

	if err != nil {
		t.release(s)

		if s.ctx.Err() != nil {
			log.Debug("dial abandoned after disconnect")
			return
		}

		t.emit(transportEvent{kind: eventFailed, session: s.id, err: err})

		return
	}

	conn.SetReadLimit(t.readLimit)

	t.mu.Lock()
	if s.ctx.Err() != nil {
		reason := s.reason
		t.mu.Unlock()

		log.Debug("disconnected while dialing, closing new socket")
		_ = conn.Close(reason.closeCode(), string(reason))

		return
	}

	s.open = true
	t.mu.Unlock()

	log.Debug("websocket open")
	t.emit(transportEvent{kind: eventOpened, session: s.id})

	readDone := make(chan error, 1)
	go func() { readDone <- t.readLoop(s, conn) }()

	writeCtx, stopWriter := context.WithCancel(context.Background())
	writerDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		t.writeLoop(writeCtx, s, conn, log)
	}()

	var readErr error

	select {
	case readErr = <-readDone:
		// Releases the socket when the read side failed first.
		_ = conn.Close(websocket.StatusGoingAway, "read failed")
	case <-s.ctx.Done():
		t.mu.Lock()
		reason := s.reason
		t.mu.Unlock()

		if err := conn.Close(reason.closeCode(), string(reason)); err != nil {
			log.Debug("closing websocket", slog.String("error", err.Error()))
		}

		readErr = <-readDone
	}

	stopWriter()
	<-writerDone
	t.release(s)

	if s.ctx.Err() != nil {
		log.Debug("websocket closed locally")
		return
	}

	s.cancel()

	code := websocket.CloseStatus(readErr)
	log.Debug("websocket closed",
		slog.Int("code", int(code)),
		slog.String("error", readErr.Error()),
	)

	t.emit(transportEvent{
		kind:    eventClosed,
		session: s.id,
		code:    code,
		err:     &apperrors.TransportError{Op: "read", Err: readErr},
	})
}

// readLoop feeds text frames to the event stream until the socket
// fails. The read context is never cancelled; closing conn ends it.
func (t *Transport) readLoop(s *session, conn wsConn) error {
	for {
		typ, data, err := conn.Read(context.Background())
		if err != nil {
			return err
		}

		if typ != websocket.MessageText {
			t.logger.Debug("ignoring binary frame", slog.Int("bytes", len(data)))
			continue
		}

		select {
		case t.events <- transportEvent{kind: eventMessage, session: s.id, data: data}:
		case <-t.stop:
			return errTransportStopped
		}
	}
}

func (t *Transport) writeLoop(ctx context.Context, s *session, conn wsConn, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			if n := len(s.out); n > 0 {
				log.Debug("dropping queued frames on disconnect", slog.Int("count", n))
			}

			return
		case data := <-s.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()

			if err != nil {
				log.Warn("websocket write failed", slog.String("error", err.Error()))
				_ = conn.Close(websocket.StatusGoingAway, "write failed")

				return
			}
		}
	}
}

// release clears s as the current session if it still is.
func (t *Transport) release(s *session) {
	t.mu.Lock()
	if t.cur == s {
		t.cur = nil
	}
	s.open = false
	t.mu.Unlock()
}

func (t *Transport) emit(ev transportEvent) {
	select {
	case t.events <- ev:
	case <-t.stop:
	}
}
