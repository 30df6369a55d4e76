// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package netmon tracks whether the remote API is reachable.
//
// Two paths feed the monitor: a periodic active probe and hints from the
// host platform. Both go through the same transition handler, which
// re-verifies a change with a fresh probe before publishing exactly one
// ConnectivityChanged event for it.
package netmon

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mobiletoly/go-posync/internal/notify"
)

// DefaultInterval is the polling period of the active probe.
const DefaultInterval = 30 * time.Second

// Sources of a connectivity observation.
const (
	SourceProbe    = "probe"
	SourcePlatform = "platform"
	SourceManual   = "manual"
)

// ConnectivityChanged is published on every verified online/offline transition.
type ConnectivityChanged struct {
	Online bool
	Source string
	At     time.Time
}

// Config holds configuration for a Monitor
type Config struct {
	Interval     time.Duration // polling period, DefaultInterval when zero
	ProbeTimeout time.Duration // per-probe deadline
	Logger       *slog.Logger
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() *Config {
	return &Config{
		Interval:     DefaultInterval,
		ProbeTimeout: 5 * time.Second,
		Logger:       slog.Default(),
	}
}

// Monitor owns the online/offline state.
type Monitor struct {
	prober   Prober
	platform Platform
	cfg      Config
	logger   *slog.Logger

	online atomic.Bool
	events *notify.Hub[ConnectivityChanged]

	transitionMu sync.Mutex // serializes observe

	mu          sync.Mutex // guards lifecycle fields below
	running     bool
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

// New creates a monitor. platform may be nil when the host has no
// connectivity notifications.
func New(prober Prober, platform Platform, cfg *Config) *Monitor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return &Monitor{
		prober:   prober,
		platform: platform,
		cfg:      c,
		logger:   c.Logger,
		events:   notify.NewHub[ConnectivityChanged](0),
	}
}

// IsOnline returns the last verified connectivity state.
func (m *Monitor) IsOnline() bool { return m.online.Load() }

// Events subscribes to verified connectivity transitions.
func (m *Monitor) Events() (<-chan ConnectivityChanged, func()) { return m.events.Subscribe() }

func (m *Monitor) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	return m.prober.Probe(ctx)
}

// Start probes once synchronously to establish the initial state, then
// begins polling and listening to the platform. Calling Start on a running
// monitor does nothing.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	m.online.Store(m.probe(ctx))
	m.logger.Info("network monitor started", "online", m.online.Load(), "interval", m.cfg.Interval)

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.pollLoop(runCtx)
	}()

	if m.platform != nil {
		hints, unsubscribe := m.platform.Subscribe()
		m.unsubscribe = unsubscribe
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.platformLoop(runCtx, hints)
		}()
	}
	return nil
}

func (m *Monitor) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.observe(ctx, m.probe(ctx), SourceProbe)
		}
	}
}

func (m *Monitor) platformLoop(ctx context.Context, hints <-chan bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-hints:
			if !ok {
				return
			}
			m.observe(ctx, online, SourcePlatform)
		}
	}
}

// Check probes immediately and feeds the result through the transition
// handler. It returns the resulting state.
func (m *Monitor) Check(ctx context.Context) bool {
	return m.observe(ctx, m.probe(ctx), SourceManual)
}

// observe is the single transition handler. A reported state that differs
// from the current one is confirmed by a fresh probe before it is applied.
func (m *Monitor) observe(ctx context.Context, reported bool, source string) bool {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()

	current := m.online.Load()
	if reported == current {
		return current
	}
	if ctx.Err() != nil {
		return current
	}
	if verified := m.probe(ctx); verified != reported {
		m.logger.Debug("connectivity hint not confirmed", "reported_online", reported, "source", source)
		return current
	}

	m.online.Store(reported)
	m.logger.Info("connectivity changed", "online", reported, "source", source)
	m.events.Publish(ConnectivityChanged{Online: reported, Source: source, At: time.Now()})
	return reported
}

// Cleanup stops polling and drops the platform subscription. It is safe to
// call more than once and before Start.
func (m *Monitor) Cleanup() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	if m.cancel != nil {
		m.cancel()
	}
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("network monitor stopped")
}
