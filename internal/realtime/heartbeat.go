package realtime

import "time"

// Heartbeat defaults.
const (
	DefaultHeartbeatInterval  = 30 * time.Second
	DefaultHeartbeatMaxMissed = 2
)

// heartbeat tracks liveness of a connected session. It is confined to
// the connection executor.
type heartbeat struct {
	interval  time.Duration
	maxMissed int

	ticker *time.Ticker
	missed int
}

func newHeartbeat(interval time.Duration, maxMissed int) *heartbeat {
	return &heartbeat{interval: interval, maxMissed: maxMissed}
}

// start (re)arms the ticker with a clean count.
func (h *heartbeat) start() {
	h.stop()
	h.ticker = time.NewTicker(h.interval)
}

// stop cancels the ticker. Safe to call when not running.
func (h *heartbeat) stop() {
	if h.ticker != nil {
		h.ticker.Stop()
		h.ticker = nil
	}

	h.missed = 0
}

// C is nil while stopped so a select on it blocks forever.
func (h *heartbeat) C() <-chan time.Time {
	if h.ticker == nil {
		return nil
	}

	return h.ticker.C
}

func (h *heartbeat) running() bool { return h.ticker != nil }

// ack records a response from the peer.
func (h *heartbeat) ack() { h.missed = 0 }

// tick accounts for one elapsed interval. It returns true when maxMissed
// heartbeats are already unanswered; otherwise the caller sends another
// heartbeat, which is now outstanding.
func (h *heartbeat) tick() (expired bool) {
	if h.missed >= h.maxMissed {
		return true
	}

	h.missed++

	return false
}
