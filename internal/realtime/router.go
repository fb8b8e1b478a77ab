package realtime

import (
	"context"
	"log/slog"
	"sync"
)

// Handler processes one decoded inbound message.
type Handler func(ctx context.Context, msg Message)

// Router maps message types to handlers. Registration never invokes a
// handler; the last registration for a type wins.
type Router struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRouter creates an empty Router.
func NewRouter(logger *slog.Logger) *Router {
	return &Router{
		logger:   logger,
		handlers: make(map[string]Handler),
	}
}

// Register binds h to typ, replacing any previous handler.
func (r *Router) Register(typ string, h Handler) {
	r.mu.Lock()
	r.handlers[typ] = h
	r.mu.Unlock()
}

// Unregister removes the handler for typ. Unknown types are ignored.
func (r *Router) Unregister(typ string) {
	r.mu.Lock()
	delete(r.handlers, typ)
	r.mu.Unlock()
}

// Types returns the registered message types.
func (r *Router) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}

	return out
}

// Dispatch invokes the handler for msg.Type exactly once and reports
// whether one ran. System types and types with no handler are logged
// and dropped.
func (r *Router) Dispatch(ctx context.Context, msg Message) bool {
	if IsSystemType(msg.Type) {
		r.logger.Debug("system message not routed", slog.String("type", msg.Type))
		return false
	}

	r.mu.RLock()
	h, ok := r.handlers[msg.Type]
	r.mu.RUnlock()

	if !ok {
		r.logger.Debug("no handler for message type, dropping",
			slog.String("type", msg.Type),
			slog.String("id", msg.ID),
		)

		return false
	}

	h(ctx, msg)

	return true
}
