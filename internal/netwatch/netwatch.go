package netwatch

// Package netwatch turns connectivity polling into a "restored" signal.

import (
	"context"
	"log/slog"
	"time"

	"slot-upload-daemon/internal/sysinfo"
)

// Prober checks that the backend is reachable, e.g. api.Client.Probe.
type Prober interface {
	Probe(ctx context.Context) error
}

type Monitor struct {
	interval time.Duration
	prober   Prober
	link     func() (bool, error)
	restored chan struct{}
	logger   *slog.Logger

	online bool
	known  bool
}

// New creates a monitor. prober may be nil, then only interface state counts.
func New(interval time.Duration, prober Prober, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		interval: interval,
		prober:   prober,
		link:     sysinfo.Online,
		restored: make(chan struct{}, 1),
		logger:   logger,
	}
}

// Restored receives once per offline to online transition. Signals that
// are not consumed coalesce.
func (m *Monitor) Restored() <-chan struct{} {
	return m.restored
}

// Run polls until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.observe(ctx)
	for {
		select {
		case <-ticker.C:
			m.observe(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) observe(ctx context.Context) {
	online := m.check(ctx)
	defer func() { m.online, m.known = online, true }()

	if !m.known || online == m.online {
		return
	}
	if !online {
		m.logger.Warn("Connectivity lost")
		return
	}
	m.logger.Info("Connectivity restored")
	select {
	case m.restored <- struct{}{}:
	default:
	}
}

func (m *Monitor) check(ctx context.Context) bool {
	up, err := m.link()
	if err != nil || !up {
		return false
	}
	if m.prober == nil {
		return true
	}
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return m.prober.Probe(probeCtx) == nil
}
