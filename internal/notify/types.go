// Package notify turns domain events into scheduled local notifications.
// It builds content, triggers and identifiers and hands them to a
// Platform; it never talks to an operating system substrate directly.
package notify

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Type classifies a notification. Settings enable or disable whole types.
type Type string

const (
	TypeReminder     Type = "reminder"
	TypeStreak       Type = "streak"
	TypeAchievement  Type = "achievement"
	TypeCourseUpdate Type = "course_update"
	TypeSocial       Type = "social"
	TypeChat         Type = "chat_message"
	TypeSystem       Type = "system"
)

var allTypes = []Type{
	TypeReminder,
	TypeStreak,
	TypeAchievement,
	TypeCourseUpdate,
	TypeSocial,
	TypeChat,
	TypeSystem,
}

// Types returns every known notification type.
func Types() []Type {
	return append([]Type(nil), allTypes...)
}

// ParseType validates a type name.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range allTypes {
		if t == known {
			return t, nil
		}
	}

	return "", fmt.Errorf("unknown notification type %q", s)
}

// TimeSensitive reports whether the type bypasses quiet hours. A streak
// about to break or a direct chat message loses its value if held back.
func (t Type) TimeSensitive() bool {
	switch t {
	case TypeStreak, TypeChat, TypeSystem:
		return true
	}

	return false
}

// Category returns the action category for the type.
func (t Type) Category() Category {
	if c, ok := categories[t]; ok {
		return c
	}

	return categories[TypeSystem]
}

// Action is one button attached to a notification category.
type Action struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Foreground bool   `json:"foreground,omitempty"`
}

// Category groups the actions offered for a notification type.
type Category struct {
	ID      string   `json:"id"`
	Actions []Action `json:"actions,omitempty"`
}

var categories = map[Type]Category{
	TypeReminder: {ID: "LEARNING_REMINDER", Actions: []Action{
		{ID: "START_LEARNING", Title: "Start learning", Foreground: true},
		{ID: "SNOOZE_REMINDER", Title: "Remind me later"},
	}},
	TypeStreak: {ID: "STREAK_REMINDER", Actions: []Action{
		{ID: "CONTINUE_STREAK", Title: "Keep my streak", Foreground: true},
	}},
	TypeAchievement: {ID: "ACHIEVEMENT", Actions: []Action{
		{ID: "VIEW_ACHIEVEMENT", Title: "View", Foreground: true},
		{ID: "SHARE_ACHIEVEMENT", Title: "Share", Foreground: true},
	}},
	TypeCourseUpdate: {ID: "COURSE_UPDATE", Actions: []Action{
		{ID: "OPEN_COURSE", Title: "Open course", Foreground: true},
	}},
	TypeSocial: {ID: "SOCIAL", Actions: []Action{
		{ID: "VIEW_POST", Title: "View", Foreground: true},
		{ID: "LIKE_POST", Title: "Like"},
	}},
	TypeChat: {ID: "CHAT_MESSAGE", Actions: []Action{
		{ID: "REPLY", Title: "Reply", Foreground: true},
		{ID: "MARK_READ", Title: "Mark as read"},
	}},
	TypeSystem: {ID: "SYSTEM"},
}

// Categories returns the category registry, one per type, in type order.
func Categories() []Category {
	out := make([]Category, 0, len(allTypes))
	for _, t := range allTypes {
		out = append(out, categories[t])
	}

	return out
}

const (
	maxTitleRunes = 64
	maxBodyRunes  = 240
)

// Content is what the user sees.
type Content struct {
	Type     Type              `json:"type"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Category string            `json:"category"`
	Sound    string            `json:"sound,omitempty"`
	Badge    int               `json:"badge,omitempty"`
	UserInfo map[string]string `json:"user_info,omitempty"`
}

// NewContent builds content for t with its category filled in. Title and
// body are NFC-normalized and truncated to what a lock screen shows.
func NewContent(t Type, title, body string) Content {
	return Content{
		Type:     t,
		Title:    cleanText(title, maxTitleRunes),
		Body:     cleanText(body, maxBodyRunes),
		Category: t.Category().ID,
		Sound:    "default",
	}
}

func cleanText(s string, limit int) string {
	s = strings.TrimSpace(norm.NFC.String(s))
	if utf8.RuneCountInString(s) <= limit {
		return s
	}

	runes := []rune(s)

	return strings.TrimSpace(string(runes[:limit-1])) + "…"
}

// TriggerKind selects when a notification fires.
type TriggerKind string

const (
	TriggerImmediate TriggerKind = "immediate"
	TriggerDate      TriggerKind = "date"
	TriggerInterval  TriggerKind = "interval"
	TriggerRecurring TriggerKind = "recurring"
)

// minRepeatInterval is the shortest allowed repeating interval.
const minRepeatInterval = time.Minute

// Trigger describes when a notification fires.
//
// Recurring triggers fire at Hour:Minute local time every day, or only on
// Weekday when it is set.
type Trigger struct {
	Kind     TriggerKind   `json:"kind"`
	At       time.Time     `json:"at,omitzero"`
	Interval time.Duration `json:"interval,omitempty"`
	Repeats  bool          `json:"repeats,omitempty"`
	Hour     int           `json:"hour,omitempty"`
	Minute   int           `json:"minute,omitempty"`
	Weekday  *time.Weekday `json:"weekday,omitempty"`
}

// Immediate fires as soon as it is scheduled.
func Immediate() Trigger { return Trigger{Kind: TriggerImmediate} }

// At fires once at t.
func At(t time.Time) Trigger { return Trigger{Kind: TriggerDate, At: t} }

// After fires once after d, or every d when repeats is set.
func After(d time.Duration, repeats bool) Trigger {
	return Trigger{Kind: TriggerInterval, Interval: d, Repeats: repeats}
}

// Daily fires every day at hour:minute.
func Daily(hour, minute int) Trigger {
	return Trigger{Kind: TriggerRecurring, Hour: hour, Minute: minute}
}

// Weekly fires every week on wd at hour:minute.
func Weekly(wd time.Weekday, hour, minute int) Trigger {
	return Trigger{Kind: TriggerRecurring, Hour: hour, Minute: minute, Weekday: &wd}
}

// Validate checks the trigger is well formed.
func (t Trigger) Validate() error {
	switch t.Kind {
	case TriggerImmediate:
		return nil
	case TriggerDate:
		if t.At.IsZero() {
			return fmt.Errorf("date trigger needs a time")
		}

		return nil
	case TriggerInterval:
		if t.Interval <= 0 {
			return fmt.Errorf("interval trigger needs a positive interval")
		}

		if t.Repeats && t.Interval < minRepeatInterval {
			return fmt.Errorf("repeating interval must be at least %s", minRepeatInterval)
		}

		return nil
	case TriggerRecurring:
		if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 {
			return fmt.Errorf("recurring trigger time %02d:%02d out of range", t.Hour, t.Minute)
		}

		if t.Weekday != nil && (*t.Weekday < time.Sunday || *t.Weekday > time.Saturday) {
			return fmt.Errorf("recurring trigger weekday %d out of range", *t.Weekday)
		}

		return nil
	}

	return fmt.Errorf("unknown trigger kind %q", t.Kind)
}

// Repeating reports whether the trigger fires more than once.
func (t Trigger) Repeating() bool {
	return t.Kind == TriggerRecurring || (t.Kind == TriggerInterval && t.Repeats)
}

// Next returns the next fire time strictly after now for recurring
// triggers and the single fire time for the others. Date triggers in the
// past return their date; callers treat that as due.
func (t Trigger) Next(now time.Time) time.Time {
	switch t.Kind {
	case TriggerDate:
		return t.At
	case TriggerInterval:
		return now.Add(t.Interval)
	case TriggerRecurring:
		next := time.Date(now.Year(), now.Month(), now.Day(), t.Hour, t.Minute, 0, 0, now.Location())
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}

		if t.Weekday != nil {
			for next.Weekday() != *t.Weekday {
				next = next.AddDate(0, 0, 1)
			}
		}

		return next
	}

	return now
}

// Request is a notification handed to the platform.
type Request struct {
	Identifier string    `json:"identifier"`
	Content    Content   `json:"content"`
	Trigger    Trigger   `json:"trigger"`
	CreatedAt  time.Time `json:"created_at"`
}
