// Package bridge turns inbound realtime messages into notification
// events.
package bridge

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/alexjbarnes/lyo-realtime/internal/notify"
	"github.com/alexjbarnes/lyo-realtime/internal/realtime"
)

// Message types the bridge consumes.
const (
	TypeAchievementUnlocked = "achievement_unlocked"
	TypeStreakUpdate        = "streak_update"
	TypeReminder            = "reminder"
	TypeCourseUpdate        = "course_update"
	TypeChatMessage         = "chat_message"
)

// Streak statuses carried by streak_update.
const (
	StreakAtRisk    = "at_risk"
	StreakExtended  = "extended"
	StreakMilestone = "milestone"
	StreakBroken    = "broken"
)

// eventHandler is the part of notify.Planner the bridge drives.
type eventHandler interface {
	Handle(ctx context.Context, ev notify.Event) (string, bool)
}

type achievementPayload struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Points      int    `json:"points"`
}

type streakPayload struct {
	Streak int    `json:"streak"`
	Status string `json:"status"`
}

type reminderPayload struct {
	Course   string `json:"course"`
	CourseID string `json:"course_id"`
}

type coursePayload struct {
	CourseID string `json:"course_id"`
	Course   string `json:"course"`
	Summary  string `json:"summary"`
}

type chatPayload struct {
	MessageID string `json:"message_id"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Room      string `json:"room"`
}

// Bridge registers one router handler per consumed message type.
type Bridge struct {
	planner eventHandler
	logger  *slog.Logger
}

// New creates a Bridge feeding planner.
func New(planner eventHandler, logger *slog.Logger) *Bridge {
	return &Bridge{planner: planner, logger: logger}
}

// Register installs the bridge handlers on r.
func (b *Bridge) Register(r *realtime.Router) {
	r.Register(TypeAchievementUnlocked, b.onAchievement)
	r.Register(TypeStreakUpdate, b.onStreak)
	r.Register(TypeReminder, b.onReminder)
	r.Register(TypeCourseUpdate, b.onCourseUpdate)
	r.Register(TypeChatMessage, b.onChat)
}

func (b *Bridge) onAchievement(ctx context.Context, msg realtime.Message) {
	var p achievementPayload
	if !b.decode(msg, &p) {
		return
	}

	b.handle(ctx, "achievement_unlocked", map[string]string{
		"id":          p.ID,
		"title":       p.Title,
		"description": p.Description,
		"points":      strconv.Itoa(p.Points),
	})
}

func (b *Bridge) onStreak(ctx context.Context, msg realtime.Message) {
	var p streakPayload
	if !b.decode(msg, &p) {
		return
	}

	var kind string

	switch p.Status {
	case StreakAtRisk:
		kind = "streak_at_risk"
	case StreakMilestone:
		kind = "streak_milestone"
	case StreakExtended, StreakBroken:
		// Either way the at-risk warning no longer applies.
		kind = "streak_saved"
	default:
		b.logger.Debug("ignoring streak update", slog.String("status", p.Status))
		return
	}

	b.handle(ctx, kind, map[string]string{
		"streak": strconv.Itoa(p.Streak),
		"status": p.Status,
	})
}

func (b *Bridge) onReminder(ctx context.Context, msg realtime.Message) {
	var p reminderPayload
	if !b.decode(msg, &p) {
		return
	}

	b.handle(ctx, "daily_reminder", map[string]string{
		"course":    p.Course,
		"course_id": p.CourseID,
	})
}

func (b *Bridge) onCourseUpdate(ctx context.Context, msg realtime.Message) {
	var p coursePayload
	if !b.decode(msg, &p) {
		return
	}

	b.handle(ctx, "course_update", map[string]string{
		"course_id": p.CourseID,
		"course":    p.Course,
		"summary":   p.Summary,
	})
}

func (b *Bridge) onChat(ctx context.Context, msg realtime.Message) {
	var p chatPayload
	if !b.decode(msg, &p) {
		return
	}

	if p.MessageID == "" {
		p.MessageID = msg.ID
	}

	b.handle(ctx, "chat_message", map[string]string{
		"message_id": p.MessageID,
		"sender":     p.Sender,
		"text":       p.Text,
		"room":       p.Room,
	})
}

func (b *Bridge) decode(msg realtime.Message, v any) bool {
	if err := msg.DecodeData(v); err != nil {
		b.logger.Warn("dropping malformed payload",
			slog.String("type", msg.Type),
			slog.String("error", err.Error()),
		)

		return false
	}

	return true
}

func (b *Bridge) handle(ctx context.Context, kind string, fields map[string]string) {
	id, ok := b.planner.Handle(ctx, notify.Event{Kind: kind, Fields: fields})
	if !ok {
		return
	}

	b.logger.Debug("notification planned",
		slog.String("event", kind),
		slog.String("identifier", id),
	)
}
