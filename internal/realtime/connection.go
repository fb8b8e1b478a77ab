package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/alexjbarnes/lyo-realtime/internal/errors"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	clientName = "lyo-realtime"

	// dispatchChanSize is the queue between the executor and the
	// handler goroutine. The executor blocks when it is full, which
	// keeps delivery in receive order.
	dispatchChanSize = 256

	// subscriberChanSize is the per-subscriber event buffer. Events
	// for a full subscriber are dropped.
	subscriberChanSize = 16
)

var errHeartbeatTimeout = errors.New("no heartbeat response")

// State is the connection lifecycle state. Reconnecting is Disconnected
// with a reconnect timer armed.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

var stateNames = [...]string{"disconnected", "connecting", "connected", "reconnecting"}

func (s State) String() string {
	if int(s) < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}

	return stateNames[s]
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// EventKind classifies connection events.
type EventKind int

const (
	// EventStateChanged is sent on every state transition.
	EventStateChanged EventKind = iota
	// EventEstablished is sent when the server confirms the session.
	EventEstablished
	// EventReconnectExhausted means the retry budget is spent. Only an
	// explicit Connect resumes.
	EventReconnectExhausted
	// EventAuthFailed carries an AuthError the user has to resolve.
	EventAuthFailed
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state_changed"
	case EventEstablished:
		return "established"
	case EventReconnectExhausted:
		return "reconnect_exhausted"
	case EventAuthFailed:
		return "auth_failed"
	}

	return fmt.Sprintf("event(%d)", int(k))
}

// Event is one observable change of the connection.
type Event struct {
	Kind          EventKind
	State         State
	Err           error
	ServerSession string
}

// Status is a point-in-time snapshot of the connection.
type Status struct {
	State            State     `json:"state"`
	Online           bool      `json:"online"`
	Attempt          int       `json:"attempt"`
	MaxAttempts      int       `json:"max_attempts"`
	ReconnectPending bool      `json:"reconnect_pending"`
	Exhausted        bool      `json:"exhausted"`
	LastError        string    `json:"last_error,omitempty"`
	ServerSession    string    `json:"server_session,omitempty"`
	ConnectedSince   time.Time `json:"connected_since,omitzero"`
}

// Options configure a Connection. Zero values take the package defaults.
type Options struct {
	URL     string
	Device  string
	Version string

	ConnectTimeout     time.Duration
	HeartbeatInterval  time.Duration
	HeartbeatMaxMissed int
	MaxAttempts        int
	BackoffCap         time.Duration
}

func (o Options) withDefaults() Options {
	if o.Version == "" {
		o.Version = "dev"
	}

	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}

	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}

	if o.HeartbeatMaxMissed <= 0 {
		o.HeartbeatMaxMissed = DefaultHeartbeatMaxMissed
	}

	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}

	if o.BackoffCap <= 0 {
		o.BackoffCap = DefaultBackoffCap
	}

	return o
}

type cmdKind int

const (
	cmdConnect cmdKind = iota
	cmdDisconnect
	cmdSetOnline
	cmdClose
)

type command struct {
	kind   cmdKind
	online bool
}

type refreshResult struct {
	gen int
	err error
}

// Connection is the reconnecting client.
//
// Architecture: Run is a single executor goroutine that owns every state
// mutation. Public methods enqueue commands and return immediately.
// The transport feeds session events into the executor, which handles
// system messages itself and queues the rest, in receive order, to one
// dispatch goroutine that calls the Router. Outbound frames go straight
// to the transport's per-session writer.
type Connection struct {
	opts      Options
	logger    *slog.Logger
	binder    *AuthBinder
	router    *Router
	transport *Transport
	policy    *ReconnectPolicy
	hb        *heartbeat

	cmdMu sync.Mutex
	cmds  []command
	wake  chan struct{}

	dispatch  chan Message
	refreshCh chan refreshResult
	running   atomic.Bool

	// Executor state. Only the Run goroutine touches these.
	state          State
	session        uint64
	online         bool
	deferred       bool
	exhausted      bool
	retry          *time.Timer
	refreshing     bool
	refreshingGen  int
	refreshGen     int
	refreshPending bool
	authRetried    bool
	authRequired   int
	lastErr        error
	serverSession  string
	connectedSince time.Time

	statusMu sync.RWMutex
	status   Status

	subMu      sync.Mutex
	subs       map[int]chan Event
	nextSub    int
	subsClosed bool
}

// NewConnection creates a Connection dialing opts.URL with credentials
// from provider. Inbound messages go to router. Call Run to start it.
func NewConnection(opts Options, provider AuthProvider, router *Router, logger *slog.Logger) *Connection {
	opts = opts.withDefaults()

	return newConnection(opts, provider, router, NewTransport(opts.ConnectTimeout, logger), logger)
}

func newConnection(opts Options, provider AuthProvider, router *Router, transport *Transport, logger *slog.Logger) *Connection {
	opts = opts.withDefaults()

	c := &Connection{
		opts:      opts,
		logger:    logger,
		binder:    NewAuthBinder(provider, logger),
		router:    router,
		transport: transport,
		policy:    NewReconnectPolicy(opts.MaxAttempts, opts.BackoffCap),
		hb:        newHeartbeat(opts.HeartbeatInterval, opts.HeartbeatMaxMissed),
		wake:      make(chan struct{}, 1),
		dispatch:  make(chan Message, dispatchChanSize),
		refreshCh: make(chan refreshResult, 1),
		online:    true,
		subs:      make(map[int]chan Event),
	}
	c.publish()

	return c
}

// Connect asks for a connection. It resets the reconnect budget, so it
// is also how a caller resumes after EventReconnectExhausted.
func (c *Connection) Connect() { c.enqueue(command{kind: cmdConnect}) }

// Disconnect closes the connection with a normal closure. No reconnect
// follows. Safe from any state.
func (c *Connection) Disconnect() { c.enqueue(command{kind: cmdDisconnect}) }

// SetOnline reports a network availability transition.
func (c *Connection) SetOnline(online bool) {
	c.enqueue(command{kind: cmdSetOnline, online: online})
}

// Close disconnects and makes Run return nil.
func (c *Connection) Close() { c.enqueue(command{kind: cmdClose}) }

// Send queues msg on the open session. When there is no open session
// the message is logged and dropped.
func (c *Connection) Send(msg Message) {
	data, err := Encode(msg)
	if err != nil {
		c.logger.Warn("dropping outbound message", slog.String("error", err.Error()))
		return
	}

	if err := c.transport.Send(data); err != nil {
		c.logger.Warn("dropping outbound message",
			slog.String("type", msg.Type),
			slog.String("error", err.Error()),
		)
	}
}

// Status returns the latest snapshot.
func (c *Connection) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()

	return c.status
}

// Subscribe returns a stream of connection events and a func that ends
// the subscription. The channel is closed when Run returns.
func (c *Connection) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberChanSize)

	c.subMu.Lock()
	defer c.subMu.Unlock()

	if c.subsClosed {
		close(ch)
		return ch, func() {}
	}

	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch

	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()

		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
}

// WatchConnectivity forwards online/offline transitions from updates
// until ctx is done or updates is closed.
func (c *Connection) WatchConnectivity(ctx context.Context, updates <-chan bool) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case online, ok := <-updates:
			if !ok {
				return nil
			}

			c.SetOnline(online)
		}
	}
}

// Run is the executor. It returns nil after Close, or ctx's error.
func (c *Connection) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("connection already running")
	}

	runCtx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()
		c.dispatchLoop(runCtx)
	}()

	defer func() {
		c.teardown()
		cancel()
		wg.Wait()
	}()

	for {
		if c.runCommands() {
			return nil
		}

		c.publish()

		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-c.wake:

		case ev := <-c.transport.Events():
			c.handleTransportEvent(runCtx, ev)

		case <-c.retryC():
			c.retry = nil
			c.onRetryDue()

		case <-c.hb.C():
			c.onHeartbeatTick()

		case res := <-c.refreshCh:
			c.onRefreshResult(runCtx, res)
		}

		c.publish()
	}
}

func (c *Connection) enqueue(cmd command) {
	c.cmdMu.Lock()
	c.cmds = append(c.cmds, cmd)
	c.cmdMu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// runCommands applies queued commands in order. It reports true after a
// Close.
func (c *Connection) runCommands() bool {
	c.cmdMu.Lock()
	cmds := c.cmds
	c.cmds = nil
	c.cmdMu.Unlock()

	for _, cmd := range cmds {
		switch cmd.kind {
		case cmdConnect:
			c.onConnect()
		case cmdDisconnect:
			c.onDisconnect()
		case cmdSetOnline:
			c.onOnline(cmd.online)
		case cmdClose:
			c.onDisconnect()
			return true
		}
	}

	return false
}

func (c *Connection) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.dispatch:
			c.router.Dispatch(ctx, msg)
		}
	}
}

func (c *Connection) onConnect() {
	c.stopRetry()
	c.policy.Reset()
	c.deferred = false
	c.exhausted = false
	c.authRetried = false
	c.authRequired = 0
	c.refreshGen++
	c.refreshPending = false
	c.startConnect()
}

func (c *Connection) onDisconnect() {
	c.closeSession(ReasonManual)
	c.deferred = false
	c.refreshGen++
	c.refreshPending = false
	c.setState(StateDisconnected)
	c.logger.Info("disconnected")
}

func (c *Connection) onOnline(online bool) {
	if online == c.online {
		return
	}

	c.online = online

	if !online {
		c.logger.Info("network offline")

		pending := c.retry != nil || c.session != 0
		c.stopRetry()
		c.closeSession(ReasonOffline)

		if pending {
			c.deferred = true
		}

		c.setState(StateDisconnected)

		return
	}

	c.logger.Info("network online")

	if !c.deferred {
		return
	}

	c.deferred = false

	if c.exhausted {
		c.logger.Info("reconnect budget exhausted, waiting for explicit connect")
		return
	}

	// An online transition retries at once without spending budget.
	c.startConnect()
}

// startConnect dials unless a session exists, the network is down or
// there is no credential.
func (c *Connection) startConnect() {
	if c.session != 0 {
		c.logger.Debug("connect ignored, session already active")
		return
	}

	if !c.online {
		c.deferred = true
		c.setState(StateDisconnected)
		c.logger.Info("offline, connect deferred")

		return
	}

	token, ok := c.binder.CurrentCredential()
	if !ok {
		c.authFailed(&apperrors.AuthError{Err: apperrors.ErrNotAuthenticated})
		return
	}

	url, header, err := connectTarget(c.opts.URL, token, c.opts.Device, c.opts.Version)
	if err != nil {
		c.lastErr = err
		c.logger.Error("cannot build connect target", slog.String("error", err.Error()))
		c.setState(StateDisconnected)

		return
	}

	id, err := c.transport.Connect(url, header)
	if err != nil {
		c.lastErr = err
		c.logger.Warn("transport refused connect", slog.String("error", err.Error()))
		c.setState(StateDisconnected)

		return
	}

	c.session = id
	c.setState(StateConnecting)
	c.logger.Debug("connecting",
		slog.Uint64("session", id),
		slog.Int("attempt", c.policy.Attempt()),
	)
}

// closeSession tears down the current session locally and stops the
// timers tied to it.
func (c *Connection) closeSession(reason Reason) {
	c.stopRetry()
	c.hb.stop()

	if c.session != 0 {
		c.transport.Disconnect(reason)
		c.session = 0
	}

	c.serverSession = ""
	c.connectedSince = time.Time{}
}

func (c *Connection) handleTransportEvent(ctx context.Context, ev transportEvent) {
	if c.session == 0 || ev.session != c.session {
		c.logger.Debug("ignoring event from stale session", slog.Uint64("session", ev.session))
		return
	}

	switch ev.kind {
	case eventOpened:
		c.onOpened()
	case eventMessage:
		c.onFrame(ctx, ev.data)
	case eventFailed:
		c.onDialFailed(ctx, ev.err)
	case eventClosed:
		c.onClosed(ev)
	}
}

func (c *Connection) onOpened() {
	c.policy.Reset()
	c.exhausted = false
	c.authRetried = false
	c.lastErr = nil
	c.connectedSince = time.Now()
	c.hb.start()
	c.setState(StateConnected)
	c.logger.Info("connected", slog.Uint64("session", c.session))
}

func (c *Connection) onDialFailed(ctx context.Context, err error) {
	c.session = 0
	c.lastErr = err

	if apperrors.IsAuth(err) {
		if c.authRetried {
			c.authFailed(err)
			return
		}

		c.logger.Warn("server rejected credential, refreshing", slog.String("error", err.Error()))
		c.setState(StateDisconnected)
		c.beginRefresh(ctx)

		return
	}

	c.logger.Warn("connect failed", slog.String("error", err.Error()))
	c.setState(StateDisconnected)
	c.scheduleReconnect()
}

func (c *Connection) onClosed(ev transportEvent) {
	c.session = 0
	c.hb.stop()
	c.serverSession = ""
	c.connectedSince = time.Time{}

	if ev.code == websocket.StatusNormalClosure {
		c.logger.Info("server closed connection normally")
		c.setState(StateDisconnected)

		return
	}

	c.lastErr = ev.err
	c.logger.Warn("connection lost",
		slog.Int("code", int(ev.code)),
		slog.String("error", ev.err.Error()),
	)
	c.setState(StateDisconnected)
	c.scheduleReconnect()
}

// scheduleReconnect arms the retry timer for the next attempt, defers
// it while offline, or reports exhaustion.
func (c *Connection) scheduleReconnect() {
	c.stopRetry()

	if c.policy.Exhausted() {
		c.exhausted = true
		c.deferred = false
		c.lastErr = fmt.Errorf("%w after %d attempts", apperrors.ErrReconnectExhausted, c.policy.MaxAttempts())
		c.setState(StateDisconnected)
		c.logger.Warn("giving up reconnecting", slog.Int("attempts", c.policy.MaxAttempts()))
		c.emit(Event{Kind: EventReconnectExhausted, State: c.state, Err: c.lastErr})

		return
	}

	if !c.online {
		c.deferred = true
		c.setState(StateDisconnected)
		c.logger.Info("offline, reconnect deferred")

		return
	}

	delay, _ := c.policy.Next()
	c.retry = time.NewTimer(delay)
	c.setState(StateReconnecting)
	c.logger.Info("reconnect scheduled",
		slog.Int("attempt", c.policy.Attempt()),
		slog.Duration("delay", delay),
	)
}

func (c *Connection) retryC() <-chan time.Time {
	if c.retry == nil {
		return nil
	}

	return c.retry.C
}

func (c *Connection) stopRetry() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

func (c *Connection) onRetryDue() {
	if !c.online {
		c.deferred = true
		c.setState(StateDisconnected)

		return
	}

	c.startConnect()
}

func (c *Connection) onHeartbeatTick() {
	if c.session == 0 || c.state != StateConnected {
		c.hb.stop()
		return
	}

	if c.hb.tick() {
		c.logger.Warn("heartbeat timeout, closing connection",
			slog.Int("missed", c.opts.HeartbeatMaxMissed),
		)
		c.closeSession(ReasonHeartbeat)
		c.lastErr = &apperrors.TransportError{Op: "heartbeat", Err: errHeartbeatTimeout}
		c.setState(StateDisconnected)
		c.scheduleReconnect()

		return
	}

	c.Send(NewMessage(TypeHeartbeat, nil))
}

// onFrame handles system types inline and queues everything else for
// dispatch.
func (c *Connection) onFrame(ctx context.Context, data []byte) {
	typ := gjson.GetBytes(data, "type")
	if typ.Type != gjson.String {
		c.logger.Warn("dropping frame without type", slog.Int("bytes", len(data)))
		return
	}

	switch typ.Str {
	case TypeHeartbeat:
		c.hb.ack()
		c.Send(NewMessage(TypeHeartbeatResponse, nil))

	case TypeHeartbeatResponse:
		c.hb.ack()

	case TypeAuthRequired:
		c.closeSession(ReasonAuth)

		// A second demand with no application traffic since the last one
		// means the refreshed credential is not accepted either.
		c.authRequired++
		if c.authRequired > 1 {
			c.authRequired = 0
			c.authFailed(&apperrors.AuthError{Err: fmt.Errorf("%w: repeated auth_required", apperrors.ErrAuthRejected)})

			return
		}

		c.logger.Warn("server requires authentication")
		c.setState(StateDisconnected)
		c.beginRefresh(ctx)

	case TypeConnectionEstablished:
		c.serverSession = gjson.GetBytes(data, "data.session_id").String()
		c.logger.Info("session established", slog.String("server_session", c.serverSession))
		c.emit(Event{Kind: EventEstablished, State: c.state, ServerSession: c.serverSession})

	default:
		msg, err := Decode(data)
		if err != nil {
			c.logger.Warn("dropping undecodable message", slog.String("error", err.Error()))
			return
		}

		c.authRequired = 0

		select {
		case c.dispatch <- msg:
		case <-ctx.Done():
		}
	}
}

// beginRefresh starts one credential refresh for the current generation.
// A refresh still running for an older generation is left to finish and
// the new one starts when its result arrives.
func (c *Connection) beginRefresh(ctx context.Context) {
	if c.refreshing {
		if c.refreshingGen != c.refreshGen {
			c.refreshPending = true
		}

		return
	}

	c.refreshing = true
	c.refreshPending = false
	c.refreshingGen = c.refreshGen
	gen := c.refreshGen

	go func() {
		err := c.binder.Refresh(ctx)

		select {
		case c.refreshCh <- refreshResult{gen: gen, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (c *Connection) onRefreshResult(ctx context.Context, res refreshResult) {
	c.refreshing = false

	if res.gen != c.refreshGen {
		c.logger.Debug("discarding superseded refresh result")

		if c.refreshPending {
			c.beginRefresh(ctx)
		}

		return
	}

	if res.err != nil {
		c.authFailed(res.err)
		return
	}

	c.logger.Info("credential refreshed, reconnecting")
	c.authRetried = true
	c.startConnect()
}

func (c *Connection) authFailed(err error) {
	c.lastErr = err
	c.authRetried = false
	c.setState(StateDisconnected)
	c.logger.Warn("authentication failed, staying disconnected", slog.String("error", err.Error()))
	c.emit(Event{Kind: EventAuthFailed, State: c.state, Err: err})
}

func (c *Connection) setState(s State) {
	if c.state == s {
		return
	}

	prev := c.state
	c.state = s

	c.logger.Debug("connection state changed",
		slog.String("from", prev.String()),
		slog.String("to", s.String()),
	)
	c.emit(Event{Kind: EventStateChanged, State: s, Err: c.lastErr})
}

func (c *Connection) emit(ev Event) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (c *Connection) publish() {
	st := Status{
		State:            c.state,
		Online:           c.online,
		Attempt:          c.policy.Attempt(),
		MaxAttempts:      c.policy.MaxAttempts(),
		ReconnectPending: c.retry != nil,
		Exhausted:        c.exhausted,
		ServerSession:    c.serverSession,
		ConnectedSince:   c.connectedSince,
	}

	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}

	c.statusMu.Lock()
	c.status = st
	c.statusMu.Unlock()
}

// teardown runs when Run exits.
func (c *Connection) teardown() {
	c.stopRetry()
	c.hb.stop()
	c.session = 0
	c.transport.Shutdown()
	c.setState(StateDisconnected)
	c.publish()

	c.subMu.Lock()
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.subsClosed = true
	c.subMu.Unlock()
}
