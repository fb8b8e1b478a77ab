package notify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Event is a domain occurrence that may produce a notification, such as
// a streak at risk or an unlocked achievement.
type Event struct {
	Kind   string
	Fields map[string]string
}

// Rule actions.
const (
	ActionSchedule = "schedule"
	ActionCancel   = "cancel"
)

// Rule maps one event kind to a notification. Title, Body and Identifier
// are text/template strings evaluated against the event fields.
type Rule struct {
	Event      string      `yaml:"event"`
	Action     string      `yaml:"action,omitempty"`
	Type       Type        `yaml:"type"`
	Title      string      `yaml:"title"`
	Body       string      `yaml:"body"`
	Identifier string      `yaml:"identifier,omitempty"`
	Trigger    RuleTrigger `yaml:"trigger"`
	Disabled   bool        `yaml:"disabled,omitempty"`
}

// RuleTrigger is the YAML form of a Trigger.
type RuleTrigger struct {
	Kind    TriggerKind   `yaml:"kind"`
	Delay   time.Duration `yaml:"delay,omitempty"`
	Repeats bool          `yaml:"repeats,omitempty"`
	Hour    int           `yaml:"hour,omitempty"`
	Minute  int           `yaml:"minute,omitempty"`
	Weekday string        `yaml:"weekday,omitempty"`
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// build converts the YAML trigger into a Trigger.
func (rt RuleTrigger) build() (Trigger, error) {
	switch rt.Kind {
	case "", TriggerImmediate:
		return Immediate(), nil
	case TriggerInterval:
		return After(rt.Delay, rt.Repeats), nil
	case TriggerRecurring:
		if rt.Weekday == "" {
			return Daily(rt.Hour, rt.Minute), nil
		}

		wd, ok := weekdays[strings.ToLower(rt.Weekday)]
		if !ok {
			return Trigger{}, fmt.Errorf("unknown weekday %q", rt.Weekday)
		}

		return Weekly(wd, rt.Hour, rt.Minute), nil
	case TriggerDate:
		return Trigger{}, fmt.Errorf("date triggers cannot be expressed in rules, use interval")
	}

	return Trigger{}, fmt.Errorf("unknown trigger kind %q", rt.Kind)
}

// validate checks a rule without an event to evaluate it against.
func (r Rule) validate() error {
	if r.Event == "" {
		return fmt.Errorf("rule has no event")
	}

	if r.Disabled {
		return nil
	}

	switch r.Action {
	case "", ActionSchedule:
		if _, err := ParseType(string(r.Type)); err != nil {
			return fmt.Errorf("rule %q: %w", r.Event, err)
		}

		trig, err := r.Trigger.build()
		if err != nil {
			return fmt.Errorf("rule %q: %w", r.Event, err)
		}

		if err := trig.Validate(); err != nil {
			return fmt.Errorf("rule %q: %w", r.Event, err)
		}
	case ActionCancel:
		if r.Identifier == "" {
			return fmt.Errorf("rule %q: cancel needs an identifier", r.Event)
		}
	default:
		return fmt.Errorf("rule %q: unknown action %q", r.Event, r.Action)
	}

	for _, tmpl := range []string{r.Title, r.Body, r.Identifier} {
		if _, err := parseTemplate(tmpl); err != nil {
			return fmt.Errorf("rule %q: %w", r.Event, err)
		}
	}

	return nil
}

// DefaultRules are the built-in event mappings.
func DefaultRules() []Rule {
	return []Rule{
		{
			Event:      "streak_at_risk",
			Type:       TypeStreak,
			Title:      "Your {{.streak}}-day streak is at risk",
			Body:       "Finish a lesson before midnight to keep it going.",
			Identifier: "streak-at-risk",
		},
		{
			Event:      "streak_saved",
			Action:     ActionCancel,
			Identifier: "streak-at-risk",
		},
		{
			Event:      "streak_milestone",
			Type:       TypeStreak,
			Title:      "{{.streak}}-day streak!",
			Body:       "You have learned {{.streak}} days in a row. Keep it up.",
			Identifier: "streak-milestone-{{.streak}}",
		},
		{
			Event:      "achievement_unlocked",
			Type:       TypeAchievement,
			Title:      "Achievement unlocked: {{.title}}",
			Body:       "{{.description}}",
			Identifier: "achievement-{{.id}}",
		},
		{
			Event:      "daily_reminder",
			Type:       TypeReminder,
			Title:      "Time to learn",
			Body:       "Pick up {{if .course}}{{.course}}{{else}}your course{{end}} where you left off.",
			Identifier: "daily-reminder",
			Trigger:    RuleTrigger{Kind: TriggerRecurring, Hour: 19},
		},
		{
			Event:      "course_update",
			Type:       TypeCourseUpdate,
			Title:      "{{.course}} was updated",
			Body:       "{{.summary}}",
			Identifier: "course-{{.course_id}}",
		},
		{
			Event:      "chat_message",
			Type:       TypeChat,
			Title:      "{{.sender}}",
			Body:       "{{.text}}",
			Identifier: "chat-{{.message_id}}",
		},
	}
}

// LoadRules reads a YAML rules file:
//
//	rules:
//	  - event: daily_reminder
//	    type: reminder
//	    title: Time to learn
//	    trigger: {kind: recurring, hour: 8}
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}

	return ParseRules(data)
}

// ParseRules decodes and validates YAML rules.
func ParseRules(data []byte) ([]Rule, error) {
	var f rulesFile

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decoding rules: %w", err)
	}

	for _, r := range f.Rules {
		if err := r.validate(); err != nil {
			return nil, err
		}
	}

	return f.Rules, nil
}

// scheduleCanceller is the part of Scheduler the Planner drives.
type scheduleCanceller interface {
	Schedule(ctx context.Context, content Content, trigger Trigger, identifier string) bool
	Cancel(identifier string)
}

// Planner turns events into scheduler calls using rules keyed by event
// kind. Rules loaded from a file override the defaults per event.
type Planner struct {
	scheduler scheduleCanceller
	logger    *slog.Logger

	mu    sync.RWMutex
	rules map[string]Rule
}

// NewPlanner creates a Planner with the default rules.
func NewPlanner(scheduler scheduleCanceller, logger *slog.Logger) *Planner {
	p := &Planner{scheduler: scheduler, logger: logger}
	p.SetRules(nil)

	return p
}

// SetRules replaces the override set. The defaults always apply to
// events the overrides do not mention.
func (p *Planner) SetRules(overrides []Rule) {
	rules := make(map[string]Rule)
	for _, r := range DefaultRules() {
		rules[r.Event] = r
	}

	for _, r := range overrides {
		rules[r.Event] = r
	}

	p.mu.Lock()
	p.rules = rules
	p.mu.Unlock()
}

// Rule returns the active rule for an event kind.
func (p *Planner) Rule(event string) (Rule, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	r, ok := p.rules[event]

	return r, ok
}

// Handle applies the rule for ev. It returns the notification identifier
// and whether anything was scheduled or cancelled.
func (p *Planner) Handle(ctx context.Context, ev Event) (string, bool) {
	rule, ok := p.Rule(ev.Kind)
	if !ok || rule.Disabled {
		p.logger.Debug("no notification rule for event", slog.String("event", ev.Kind))
		return "", false
	}

	id, err := render(rule.Identifier, ev.Fields)
	if err != nil {
		p.logger.Warn("rendering notification identifier",
			slog.String("event", ev.Kind),
			slog.String("error", err.Error()),
		)

		return "", false
	}

	if rule.Action == ActionCancel {
		p.scheduler.Cancel(id)
		return id, true
	}

	if id == "" {
		id = ev.Kind + "-" + uuid.NewString()
	}

	title, err := render(rule.Title, ev.Fields)
	if err != nil {
		p.logger.Warn("rendering notification title", slog.String("event", ev.Kind), slog.String("error", err.Error()))
		return "", false
	}

	body, err := render(rule.Body, ev.Fields)
	if err != nil {
		p.logger.Warn("rendering notification body", slog.String("event", ev.Kind), slog.String("error", err.Error()))
		return "", false
	}

	trigger, err := rule.Trigger.build()
	if err != nil {
		p.logger.Warn("building notification trigger", slog.String("event", ev.Kind), slog.String("error", err.Error()))
		return "", false
	}

	content := NewContent(rule.Type, title, body)
	if len(ev.Fields) > 0 {
		content.UserInfo = make(map[string]string, len(ev.Fields)+1)
		for k, v := range ev.Fields {
			content.UserInfo[k] = v
		}
	}

	if content.UserInfo == nil {
		content.UserInfo = make(map[string]string, 1)
	}

	content.UserInfo["event"] = ev.Kind

	return id, p.scheduler.Schedule(ctx, content, trigger, id)
}

func parseTemplate(s string) (*template.Template, error) {
	return template.New("").Option("missingkey=zero").Parse(s)
}

func render(tmpl string, fields map[string]string) (string, error) {
	if tmpl == "" {
		return "", nil
	}

	t, err := parseTemplate(tmpl)
	if err != nil {
		return "", err
	}

	if fields == nil {
		fields = map[string]string{}
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, fields); err != nil {
		return "", err
	}

	return buf.String(), nil
}
