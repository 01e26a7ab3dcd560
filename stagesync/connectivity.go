// Copyright 2025 Festival Color
// SPDX-License-Identifier: Apache-2.0

package stagesync

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Prober performs one lightweight reachability check against the remote store.
type Prober interface {
	Probe(ctx context.Context) error
}

// HTTPProber probes the remote server's health endpoint.
type HTTPProber struct {
	BaseURL string
	HTTP    *http.Client
}

func (p *HTTPProber) Probe(ctx context.Context) error {
	client := p.HTTP
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return &probeStatusError{status: resp.StatusCode}
	}
	return nil
}

type probeStatusError struct{ status int }

func (e *probeStatusError) Error() string { return http.StatusText(e.status) }

// MonitorConfig tunes the connectivity monitor.
type MonitorConfig struct {
	ProbeInterval time.Duration // how often to probe while offline or idle
	OnlineDwell   time.Duration // minimum healthy span before offline -> online
}

// DefaultMonitorConfig returns the monitor defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		ProbeInterval: 5 * time.Second,
		OnlineDwell:   3 * time.Second,
	}
}

// Monitor exposes reachability of the remote store as a single authoritative
// boolean. Any network caller reports transport failures here (shared fate),
// which demotes to offline immediately; promotion back to online is debounced
// with a minimum dwell so an unstable link does not thrash the replay engine.
type Monitor struct {
	prober Prober
	config MonitorConfig
	logger *slog.Logger

	online atomic.Bool

	mu           sync.Mutex
	lastFailure  time.Time
	healthySince time.Time

	// wake is a single-slot notification: redundant promotions collapse to one.
	wake chan struct{}
}

// NewMonitor creates a connectivity monitor. The monitor starts offline; the
// first successful probe span promotes it.
func NewMonitor(prober Prober, config MonitorConfig, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = DefaultMonitorConfig().ProbeInterval
	}
	return &Monitor{
		prober: prober,
		config: config,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// IsOnline reports the current authoritative reachability state. Never blocks.
func (m *Monitor) IsOnline() bool { return m.online.Load() }

// Wake returns the promotion signal channel. The replay engine selects on it;
// multiple promotions between receives collapse into a single wakeup.
func (m *Monitor) Wake() <-chan struct{} { return m.wake }

// ReportFailure demotes the monitor to offline immediately. Called by the
// replay engine (and any other network caller) on transport errors so that
// the whole client shares one view of reachability.
func (m *Monitor) ReportFailure(err error) {
	m.mu.Lock()
	m.lastFailure = time.Now()
	m.healthySince = time.Time{}
	m.mu.Unlock()

	if m.online.CompareAndSwap(true, false) {
		m.logger.Warn("Connectivity lost", "error", err)
	}
}

// ReportSuccess records a healthy observation and promotes to online once the
// configured dwell has elapsed without failures.
func (m *Monitor) ReportSuccess() {
	now := time.Now()

	m.mu.Lock()
	if m.healthySince.IsZero() {
		m.healthySince = now
	}
	dwellMet := now.Sub(m.healthySince) >= m.config.OnlineDwell || m.lastFailure.IsZero()
	m.mu.Unlock()

	if !dwellMet {
		return
	}
	if m.online.CompareAndSwap(false, true) {
		m.logger.Info("Connectivity restored")
		select {
		case m.wake <- struct{}{}:
		default:
		}
	}
}

// Run probes on the configured interval until the context is cancelled.
// Callers of IsOnline are never blocked by a probe in progress.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.config.ProbeInterval)
	defer ticker.Stop()

	m.probeOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeOnce(ctx)
		}
	}
}

func (m *Monitor) probeOnce(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeInterval)
	defer cancel()

	if err := m.prober.Probe(probeCtx); err != nil {
		if ctx.Err() != nil {
			return
		}
		m.ReportFailure(err)
		return
	}
	m.ReportSuccess()
}
