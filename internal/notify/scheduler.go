package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists pending requests across restarts. *state.State
// satisfies it.
type Store interface {
	PutSchedule(id string, data []byte) error
	DeleteSchedule(id string) error
	AllSchedules() (map[string][]byte, error)
}

// Settings are the user-controlled notification preferences.
type Settings struct {
	Disabled map[Type]bool
	Quiet    QuietHours
}

// NewSettings builds Settings with the given types disabled.
func NewSettings(quiet QuietHours, disabled ...Type) Settings {
	s := Settings{Disabled: make(map[Type]bool), Quiet: quiet}
	for _, t := range disabled {
		s.Disabled[t] = true
	}

	return s
}

// Enabled reports whether notifications of type t may be scheduled.
func (s Settings) Enabled(t Type) bool {
	return !s.Disabled[t]
}

// Scheduler validates and tracks notification requests and forwards them
// to a Platform. Each request is independent; there is no ordering
// between entries.
type Scheduler struct {
	platform Platform
	store    Store
	logger   *slog.Logger
	now      func() time.Time

	mu         sync.Mutex
	settings   Settings
	authorized bool
	entries    map[string]Request
}

// NewScheduler creates a Scheduler. store may be nil.
func NewScheduler(platform Platform, store Store, settings Settings, logger *slog.Logger) *Scheduler {
	if settings.Disabled == nil {
		settings.Disabled = make(map[Type]bool)
	}

	return &Scheduler{
		platform: platform,
		store:    store,
		logger:   logger,
		now:      time.Now,
		settings: settings,
		entries:  make(map[string]Request),
	}
}

// Schedule hands a notification to the platform and reports whether it
// was accepted. It returns false when the type is disabled, the trigger is
// invalid, authorization is denied or the platform rejects the request.
// An empty identifier gets a generated one; scheduling an identifier that
// is already pending replaces it.
func (s *Scheduler) Schedule(ctx context.Context, content Content, trigger Trigger, identifier string) bool {
	if identifier == "" {
		identifier = uuid.NewString()
	}

	log := s.logger.With(
		slog.String("id", identifier),
		slog.String("type", string(content.Type)),
	)

	s.mu.Lock()
	enabled := s.settings.Enabled(content.Type)
	quiet := s.settings.Quiet
	authorized := s.authorized
	s.mu.Unlock()

	if !enabled {
		log.Debug("notification type disabled, not scheduling")
		return false
	}

	if err := trigger.Validate(); err != nil {
		log.Warn("invalid notification trigger", slog.String("error", err.Error()))
		return false
	}

	if !authorized {
		granted, err := s.platform.RequestAuthorization(ctx)
		if err != nil {
			log.Warn("notification authorization failed", slog.String("error", err.Error()))
			return false
		}

		if !granted {
			log.Info("notifications not authorized, not scheduling")
			return false
		}

		s.mu.Lock()
		s.authorized = true
		s.mu.Unlock()
	}

	now := s.now()
	if content.Category == "" {
		content.Category = content.Type.Category().ID
	}

	if quiet.Contains(now) && !content.Type.TimeSensitive() {
		log.Info("notification scheduled during quiet hours, deferred",
			slog.String("quiet_hours", quiet.String()),
		)
	}

	req := Request{
		Identifier: identifier,
		Content:    content,
		Trigger:    trigger,
		CreatedAt:  now,
	}

	// Held across Add so a zero-delay firing cannot run HandleDelivered
	// before the entry is tracked.
	s.mu.Lock()
	defer s.mu.Unlock()

	// The type may have been disabled while authorization was pending.
	if !s.settings.Enabled(content.Type) {
		log.Debug("notification type disabled, not scheduling")
		return false
	}

	if err := s.platform.Add(ctx, req); err != nil {
		log.Warn("platform rejected notification", slog.String("error", err.Error()))
		return false
	}

	s.entries[identifier] = req
	s.persist(req)

	log.Debug("notification scheduled",
		slog.String("trigger", string(trigger.Kind)),
		slog.Time("next", trigger.Next(now)),
	)

	return true
}

// Cancel removes a pending notification. Unknown identifiers are a no-op.
func (s *Scheduler) Cancel(identifier string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.platform.Remove(identifier)

	if _, ok := s.entries[identifier]; ok {
		delete(s.entries, identifier)
		s.unpersist(identifier)
		s.logger.Debug("notification cancelled", slog.String("id", identifier))
	}
}

// CancelAll removes every pending notification of type t.
func (s *Scheduler) CancelAll(t Type) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string

	for id, req := range s.entries {
		if req.Content.Type == t {
			ids = append(ids, id)
		}
	}

	if len(ids) == 0 {
		return
	}

	s.platform.Remove(ids...)

	for _, id := range ids {
		delete(s.entries, id)
		s.unpersist(id)
	}

	s.logger.Debug("notifications cancelled",
		slog.String("type", string(t)),
		slog.Int("count", len(ids)),
	)
}

// Pending returns tracked requests ordered by identifier.
func (s *Scheduler) Pending() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Request, 0, len(s.entries))
	for _, req := range s.entries {
		out = append(out, req)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })

	return out
}

// Settings returns a copy of the current settings.
func (s *Scheduler) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := Settings{Disabled: make(map[Type]bool, len(s.settings.Disabled)), Quiet: s.settings.Quiet}
	for t, v := range s.settings.Disabled {
		cp.Disabled[t] = v
	}

	return cp
}

// SetTypeEnabled toggles a type. Disabling a type cancels its pending
// notifications.
func (s *Scheduler) SetTypeEnabled(t Type, enabled bool) {
	s.mu.Lock()
	s.settings.Disabled[t] = !enabled
	s.mu.Unlock()

	if !enabled {
		s.CancelAll(t)
	}
}

// HandleDelivered drops a request that fired for the last time. It is
// registered as a DeliverFunc on the platform.
func (s *Scheduler) HandleDelivered(req Request, final bool) {
	if !final {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[req.Identifier]; ok {
		delete(s.entries, req.Identifier)
		s.unpersist(req.Identifier)
	}
}

// Restore reloads persisted requests into the platform. One-shot
// requests whose fire time has passed are dropped. Returns the number of
// requests restored.
func (s *Scheduler) Restore(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}

	stored, err := s.store.AllSchedules()
	if err != nil {
		return 0, err
	}

	now := s.now()
	restored := 0

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, data := range stored {
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			s.logger.Warn("dropping undecodable stored notification",
				slog.String("id", id),
				slog.String("error", err.Error()),
			)
			s.unpersist(id)

			continue
		}

		if expired(req, now) || !s.settings.Enabled(req.Content.Type) {
			s.unpersist(id)
			continue
		}

		if err := s.platform.Add(ctx, req); err != nil {
			s.logger.Warn("restoring notification",
				slog.String("id", id),
				slog.String("error", err.Error()),
			)

			continue
		}

		s.entries[id] = req
		restored++
	}

	return restored, nil
}

// expired reports whether a one-shot request should already have fired.
// Immediate and interval requests are measured from their creation time.
func expired(req Request, now time.Time) bool {
	switch req.Trigger.Kind {
	case TriggerImmediate:
		return true
	case TriggerDate:
		return req.Trigger.At.Before(now)
	case TriggerInterval:
		return !req.Trigger.Repeats && req.CreatedAt.Add(req.Trigger.Interval).Before(now)
	}

	return false
}

// persist writes req to the store. Caller holds s.mu.
func (s *Scheduler) persist(req Request) {
	if s.store == nil {
		return
	}

	data, err := json.Marshal(req)
	if err != nil {
		s.logger.Warn("encoding notification for storage", slog.String("error", err.Error()))
		return
	}

	if err := s.store.PutSchedule(req.Identifier, data); err != nil {
		s.logger.Warn("persisting notification",
			slog.String("id", req.Identifier),
			slog.String("error", err.Error()),
		)
	}
}

// unpersist removes id from the store. Caller holds s.mu.
func (s *Scheduler) unpersist(id string) {
	if s.store == nil {
		return
	}

	if err := s.store.DeleteSchedule(id); err != nil {
		s.logger.Warn("removing stored notification",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
	}
}
