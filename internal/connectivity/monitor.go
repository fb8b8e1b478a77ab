// Package connectivity watches network reachability of the realtime
// backend and reports online/offline transitions.
package connectivity

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"
	"time"
)

const (
	// DefaultInterval is the time between probes.
	DefaultInterval = 15 * time.Second

	// probeTimeout bounds one TCP dial.
	probeTimeout = 5 * time.Second

	// offlineAfter is the number of consecutive failed probes before
	// the network is reported offline. One success brings it back.
	offlineAfter = 2
)

// ProbeFunc checks reachability once. A nil error means online.
type ProbeFunc func(ctx context.Context) error

// TCPProbe dials addr and closes the connection.
func TCPProbe(addr string) ProbeFunc {
	return func(ctx context.Context) error {
		d := net.Dialer{Timeout: probeTimeout}

		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}

		return conn.Close()
	}
}

// Monitor probes on an interval and publishes transitions. It starts
// online, so the first update is always false.
type Monitor struct {
	probe    ProbeFunc
	interval time.Duration
	logger   *slog.Logger

	updates  chan bool
	online   atomic.Bool
	failures int
}

// NewMonitor creates a Monitor that runs probe every interval.
func NewMonitor(probe ProbeFunc, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}

	m := &Monitor{
		probe:    probe,
		interval: interval,
		logger:   logger,
		updates:  make(chan bool, 1),
	}
	m.online.Store(true)

	return m
}

// Updates delivers each transition. It is closed when Run returns.
func (m *Monitor) Updates() <-chan bool {
	return m.updates
}

// Online reports the last published state.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Run probes until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	defer close(m.updates)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		err := m.probeOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		online, changed := m.observe(err)
		if !changed {
			continue
		}

		if online {
			m.logger.Info("network reachable")
		} else {
			m.logger.Warn("network unreachable", slog.String("error", err.Error()))
		}

		select {
		case m.updates <- online:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Monitor) probeOnce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	return m.probe(ctx)
}

// observe folds one probe result into the state and reports whether
// the published state flipped.
func (m *Monitor) observe(err error) (online, changed bool) {
	was := m.online.Load()

	if err == nil {
		m.failures = 0
		if was {
			return true, false
		}

		m.online.Store(true)

		return true, true
	}

	m.failures++
	m.logger.Debug("connectivity probe failed",
		slog.Int("consecutive", m.failures),
		slog.String("error", err.Error()),
	)

	if !was || m.failures < offlineAfter {
		return was, false
	}

	m.online.Store(false)

	return false, true
}
