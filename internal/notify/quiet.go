package notify

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// QuietHours is a daily window, in local minutes since midnight, during
// which non time-sensitive notifications are deferred. The window may
// wrap past midnight (22:00-07:00).
type QuietHours struct {
	Enabled bool
	Start   int
	End     int
}

// ParseQuietHours parses "HH:MM" bounds. Two empty strings, or equal
// bounds, disable quiet hours.
func ParseQuietHours(start, end string) (QuietHours, error) {
	if start == "" && end == "" {
		return QuietHours{}, nil
	}

	s, err := parseClock(start)
	if err != nil {
		return QuietHours{}, fmt.Errorf("quiet hours start: %w", err)
	}

	e, err := parseClock(end)
	if err != nil {
		return QuietHours{}, fmt.Errorf("quiet hours end: %w", err)
	}

	return QuietHours{Enabled: s != e, Start: s, End: e}, nil
}

func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("%q is not HH:MM", s)
	}

	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("%q has an invalid hour", s)
	}

	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("%q has an invalid minute", s)
	}

	return h*60 + m, nil
}

// Contains reports whether t falls inside the window. Start is
// inclusive, end exclusive.
func (q QuietHours) Contains(t time.Time) bool {
	if !q.Enabled {
		return false
	}

	m := t.Hour()*60 + t.Minute()
	if q.Start < q.End {
		return m >= q.Start && m < q.End
	}

	return m >= q.Start || m < q.End
}

// String renders the window as HH:MM-HH:MM, or "off".
func (q QuietHours) String() string {
	if !q.Enabled {
		return "off"
	}

	return fmt.Sprintf("%02d:%02d-%02d:%02d", q.Start/60, q.Start%60, q.End/60, q.End%60)
}
