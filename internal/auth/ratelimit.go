package auth

import (
	"sync"
	"time"
)

const (
	failureWindow  = 5 * time.Minute
	failureMax     = 10
	failurePruneAt = 1000
)

// failureLimiter counts rejected bearer tokens per IP over a sliding
// window. An IP with failureMax rejections inside the window is refused
// before its token is checked.
type failureLimiter struct {
	now func() time.Time

	mu       sync.Mutex
	failures map[string][]time.Time
}

func newFailureLimiter() *failureLimiter {
	return &failureLimiter{now: time.Now, failures: make(map[string][]time.Time)}
}

// limited reports whether ip is currently locked out.
func (l *failureLimiter) limited(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-failureWindow)

	if len(l.failures) > failurePruneAt {
		for k, times := range l.failures {
			if len(times) == 0 || times[len(times)-1].Before(cutoff) {
				delete(l.failures, k)
			}
		}
	}

	recent := l.failures[ip][:0]
	for _, t := range l.failures[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) == 0 {
		delete(l.failures, ip)
		return false
	}

	l.failures[ip] = recent

	return len(recent) >= failureMax
}

func (l *failureLimiter) record(ip string) {
	l.mu.Lock()
	l.failures[ip] = append(l.failures[ip], l.now())
	l.mu.Unlock()
}
