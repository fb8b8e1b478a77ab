package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

//go:generate mockgen -destination=mock_platform_test.go -package=notify . Platform

// Platform is the notification substrate: authorization plus schedule and
// cancel primitives. Add replaces any pending request with the same
// identifier.
type Platform interface {
	RequestAuthorization(ctx context.Context) (bool, error)
	Add(ctx context.Context, req Request) error
	Remove(identifiers ...string)
	Pending() []Request
}

// DeliverFunc receives a fired notification. final is true when the
// request will not fire again and has been dropped from the platform.
type DeliverFunc func(req Request, final bool)

// LocalPlatform is an in-process Platform that arms one timer per pending
// request and hands fired requests to the registered DeliverFuncs.
type LocalPlatform struct {
	authorized bool
	logger     *slog.Logger

	mu       sync.Mutex
	pending  map[string]*localEntry
	delivers []DeliverFunc
	nextGen  uint64
	closed   bool
}

type localEntry struct {
	req   Request
	timer *time.Timer
	gen   uint64
}

// NewLocalPlatform creates a LocalPlatform. authorized is the answer
// RequestAuthorization gives.
func NewLocalPlatform(authorized bool, logger *slog.Logger) *LocalPlatform {
	return &LocalPlatform{
		authorized: authorized,
		logger:     logger,
		pending:    make(map[string]*localEntry),
	}
}

// OnDeliver registers fn to be called for every fired request.
func (p *LocalPlatform) OnDeliver(fn DeliverFunc) {
	p.mu.Lock()
	p.delivers = append(p.delivers, fn)
	p.mu.Unlock()
}

// RequestAuthorization reports the configured authorization answer.
func (p *LocalPlatform) RequestAuthorization(_ context.Context) (bool, error) {
	return p.authorized, nil
}

// Add arms a timer for req, replacing any pending request with the same
// identifier.
func (p *LocalPlatform) Add(_ context.Context, req Request) error {
	if req.Identifier == "" {
		return fmt.Errorf("request has no identifier")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("platform closed")
	}

	if old, ok := p.pending[req.Identifier]; ok {
		old.timer.Stop()
	}

	p.arm(req, time.Now())

	return nil
}

// arm schedules the next firing of req. Caller holds p.mu.
func (p *LocalPlatform) arm(req Request, now time.Time) {
	p.nextGen++
	gen := p.nextGen

	delay := max(req.Trigger.Next(now).Sub(now), 0)
	entry := &localEntry{req: req, gen: gen}
	entry.timer = time.AfterFunc(delay, func() { p.fire(req.Identifier, gen) })
	p.pending[req.Identifier] = entry
}

func (p *LocalPlatform) fire(id string, gen uint64) {
	p.mu.Lock()

	entry, ok := p.pending[id]
	if !ok || entry.gen != gen || p.closed {
		p.mu.Unlock()
		return
	}

	req := entry.req
	final := !req.Trigger.Repeating()

	if final {
		delete(p.pending, id)
	} else {
		p.arm(req, time.Now())
	}

	delivers := append([]DeliverFunc(nil), p.delivers...)
	p.mu.Unlock()

	p.logger.Debug("notification fired",
		slog.String("id", id),
		slog.String("type", string(req.Content.Type)),
		slog.Bool("final", final),
	)

	for _, fn := range delivers {
		fn(req, final)
	}
}

// Remove stops and drops the given requests. Unknown ids are ignored.
func (p *LocalPlatform) Remove(identifiers ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range identifiers {
		if entry, ok := p.pending[id]; ok {
			entry.timer.Stop()
			delete(p.pending, id)
		}
	}
}

// Pending returns the requests still waiting to fire, ordered by
// identifier.
func (p *LocalPlatform) Pending() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Request, 0, len(p.pending))
	for _, entry := range p.pending {
		out = append(out, entry.req)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })

	return out
}

// Close stops every pending timer. Later Adds fail.
func (p *LocalPlatform) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, entry := range p.pending {
		entry.timer.Stop()
		delete(p.pending, id)
	}

	p.closed = true
}
