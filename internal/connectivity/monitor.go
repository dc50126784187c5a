// Package connectivity tells the core whether the network is reachable.
package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"
)

// Probe returns nil when the network is reachable.
type Probe func(ctx context.Context) error

// DialProbe returns a probe that opens a TCP connection to the host of rawURL.
func DialProbe(rawURL string, timeout time.Duration) (Probe, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("connectivity: invalid probe url %q", rawURL)
	}
	addr := u.Host
	if u.Port() == "" {
		switch u.Scheme {
		case "https", "wss":
			addr = net.JoinHostPort(u.Hostname(), "443")
		default:
			addr = net.JoinHostPort(u.Hostname(), "80")
		}
	}
	d := net.Dialer{Timeout: timeout}
	return func(ctx context.Context) error {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}, nil
}

// Monitor probes periodically and reports online/offline transitions.
type Monitor struct {
	probe    Probe
	interval time.Duration
	log      *slog.Logger

	mu       sync.Mutex
	online   bool
	watchers []chan bool
}

// NewMonitor creates a monitor. It assumes online until the first probe.
func NewMonitor(probe Probe, interval time.Duration) *Monitor {
	return &Monitor{
		probe:    probe,
		interval: interval,
		online:   true,
		log:      slog.Default().With("component", "connectivity"),
	}
}

// Online returns the last observed state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Watch returns a channel receiving every transition until ctx is done.
func (m *Monitor) Watch(ctx context.Context) <-chan bool {
	ch := make(chan bool, 1)
	m.mu.Lock()
	m.watchers = append(m.watchers, ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, w := range m.watchers {
			if w == ch {
				m.watchers = append(m.watchers[:i:i], m.watchers[i+1:]...)
				close(ch)
				break
			}
		}
	}()
	return ch
}

// Run probes every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.Check(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one probe and publishes a transition if the state changed.
func (m *Monitor) Check(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()
	err := m.probe(pctx)
	m.set(err == nil)
	if err != nil {
		m.log.Debug("probe failed", "error", err)
	}
	return err == nil
}

func (m *Monitor) set(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return
	}
	m.online = online
	m.log.Info("connectivity changed", "online", online)
	for _, w := range m.watchers {
		// Drop a stale unread value so the latest state wins.
		select {
		case <-w:
		default:
		}
		w <- online
	}
}

// Static is a manually controlled source, used in tests and for
// forced offline mode.
type Static struct {
	*Monitor
}

// NewStatic returns a source starting in the given state.
func NewStatic(online bool) *Static {
	m := NewMonitor(func(context.Context) error { return nil }, time.Second)
	m.online = online
	return &Static{Monitor: m}
}

// Set changes the state.
func (s *Static) Set(online bool) {
	s.set(online)
}
