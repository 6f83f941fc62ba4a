package quality

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultPollInterval is how often transport statistics are sampled.
const DefaultPollInterval = 2 * time.Second

// session owns one polling goroutine. A fresh session is created whenever
// the transport handle changes, so a stale ticker can never outlive its
// transport.
type session struct {
	stop chan struct{}
	done chan struct{}
}

// Monitor polls a Transport and publishes quality snapshots.
type Monitor struct {
	log        *zerolog.Logger
	thresholds *Thresholds
	interval   time.Duration

	mu         sync.RWMutex
	enabled    bool
	transport  Transport
	sess       *session
	snapshot   Snapshot
	onSnapshot func(Snapshot)

	// previous-sample state for bitrate deltas
	prevBytes uint64
	prevAt    time.Time
	hasPrev   bool
}

// NewMonitor creates a quality monitor. A nil thresholds uses defaults; a
// non-positive interval uses DefaultPollInterval. The monitor starts enabled
// but idle until a transport is attached.
func NewMonitor(logger *zerolog.Logger, interval time.Duration, th *Thresholds) *Monitor {
	if th == nil {
		th = DefaultThresholds()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Monitor{
		log:        logger,
		thresholds: th,
		interval:   interval,
		enabled:    true,
		snapshot: Snapshot{
			Level: LevelDisconnected,
			Label: LevelDisconnected.Label(),
			Bars:  LevelDisconnected.Bars(),
		},
	}
}

// SetOnSnapshot registers a callback invoked after every published snapshot.
// The callback runs outside the monitor's lock.
func (m *Monitor) SetOnSnapshot(fn func(Snapshot)) {
	m.mu.Lock()
	m.onSnapshot = fn
	m.mu.Unlock()
}

// Snapshot returns the latest published snapshot.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// Attach replaces the monitored transport. The previous polling session is
// cancelled before the new one starts; no tick for the old handle fires
// after Attach returns. Attaching nil detaches.
func (m *Monitor) Attach(t Transport) {
	m.mu.Lock()
	old := m.sess
	m.sess = nil
	m.transport = t
	m.hasPrev = false

	var next *session
	if t != nil && m.enabled {
		next = &session{stop: make(chan struct{}), done: make(chan struct{})}
		m.sess = next
	}
	m.mu.Unlock()

	stopSession(old)
	if next != nil {
		go m.run(t, next)
	}
}

// SetEnabled turns sampling on or off. Disabling cancels the poll timer
// synchronously; the last snapshot stays observable.
func (m *Monitor) SetEnabled(enabled bool) {
	m.mu.Lock()
	if m.enabled == enabled {
		m.mu.Unlock()
		return
	}
	m.enabled = enabled
	old := m.sess
	m.sess = nil
	t := m.transport

	var next *session
	if enabled && t != nil {
		next = &session{stop: make(chan struct{}), done: make(chan struct{})}
		m.sess = next
		m.hasPrev = false
	}
	m.mu.Unlock()

	stopSession(old)
	if next != nil {
		go m.run(t, next)
	}
}

// Close detaches the transport and stops sampling.
func (m *Monitor) Close() {
	m.Attach(nil)
}

func stopSession(s *session) {
	if s == nil {
		return
	}
	close(s.stop)
	<-s.done
}

func (m *Monitor) run(t Transport, s *session) {
	defer close(s.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			m.sample(t, s)
		}
	}
}

// sample performs one poll. A failed statistics query keeps the previous
// snapshot so a single bad poll cannot flap the displayed quality.
func (m *Monitor) sample(t Transport, s *session) {
	ctx, cancel := context.WithTimeout(context.Background(), m.interval)
	reports, err := t.GetStats(ctx)
	cancel()
	if err != nil {
		m.log.Warn().Err(err).Msg("stats query failed, keeping last snapshot")
		return
	}

	var (
		rtt      time.Duration
		jitter   time.Duration
		received uint64
		lost     uint64
		bytes    uint64
	)
	for _, r := range reports {
		switch r.Kind {
		case ReportCandidatePair:
			if r.State == "succeeded" {
				rtt = r.RTT
			}
		case ReportInboundAudio:
			jitter = r.Jitter
			received = r.PacketsReceived
			lost = r.PacketsLost
			bytes = r.BytesReceived
		}
	}

	loss := PacketLossPercent(received, lost)
	level := Classify(t.ConnectionState(), rtt, loss, jitter, m.thresholds)

	now := time.Now()
	snap := Snapshot{
		Level:      level,
		RTT:        rtt,
		PacketLoss: loss,
		Jitter:     jitter,
		Label:      level.Label(),
		Bars:       level.Bars(),
		Timestamp:  now,
	}

	m.mu.Lock()
	// The session may have been replaced while this sample was in flight;
	// a stale sample must not overwrite the new session's state.
	if m.sess != s {
		m.mu.Unlock()
		return
	}
	if m.hasPrev && now.After(m.prevAt) && bytes >= m.prevBytes {
		elapsed := now.Sub(m.prevAt).Seconds()
		snap.BitrateKbps = float64(bytes-m.prevBytes) * 8 / 1000 / elapsed
	}
	m.prevBytes = bytes
	m.prevAt = now
	m.hasPrev = true

	m.snapshot = snap
	cb := m.onSnapshot
	m.mu.Unlock()

	if cb != nil {
		cb(snap)
	}
}
