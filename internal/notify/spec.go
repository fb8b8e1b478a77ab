package notify

import (
	"fmt"
	"time"
)

// ScheduleSpec is a schedule request as it arrives over the control
// API or an MCP tool call.
type ScheduleSpec struct {
	Type       string      `json:"type"`
	Title      string      `json:"title"`
	Body       string      `json:"body"`
	Identifier string      `json:"identifier,omitempty"`
	Trigger    TriggerSpec `json:"trigger"`
}

// TriggerSpec is the wire form of a Trigger. At is RFC 3339 and Delay a
// Go duration string; an empty Kind means immediate.
type TriggerSpec struct {
	Kind    TriggerKind `json:"kind,omitempty"`
	At      string      `json:"at,omitempty"`
	Delay   string      `json:"delay,omitempty"`
	Repeats bool        `json:"repeats,omitempty"`
	Hour    int         `json:"hour,omitempty"`
	Minute  int         `json:"minute,omitempty"`
	Weekday string      `json:"weekday,omitempty"`
}

// Build converts and validates the trigger.
func (s TriggerSpec) Build() (Trigger, error) {
	var (
		t   Trigger
		err error
	)

	switch s.Kind {
	case TriggerDate:
		at, perr := time.Parse(time.RFC3339, s.At)
		if perr != nil {
			return Trigger{}, fmt.Errorf("date trigger: %w", perr)
		}

		t = At(at)
	case TriggerInterval:
		d, perr := time.ParseDuration(s.Delay)
		if perr != nil {
			return Trigger{}, fmt.Errorf("interval trigger: %w", perr)
		}

		t = After(d, s.Repeats)
	default:
		t, err = RuleTrigger{
			Kind:    s.Kind,
			Hour:    s.Hour,
			Minute:  s.Minute,
			Weekday: s.Weekday,
		}.build()
		if err != nil {
			return Trigger{}, err
		}
	}

	if err := t.Validate(); err != nil {
		return Trigger{}, err
	}

	return t, nil
}

// Build converts the spec into content and trigger.
func (s ScheduleSpec) Build() (Content, Trigger, error) {
	typ, err := ParseType(s.Type)
	if err != nil {
		return Content{}, Trigger{}, err
	}

	if s.Title == "" && s.Body == "" {
		return Content{}, Trigger{}, fmt.Errorf("notification needs a title or body")
	}

	trigger, err := s.Trigger.Build()
	if err != nil {
		return Content{}, Trigger{}, err
	}

	return NewContent(typ, s.Title, s.Body), trigger, nil
}
