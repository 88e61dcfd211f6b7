// Package health supervises the poll pipeline with a fixed-period
// liveness probe. Two consecutive probe failures flip the monitor
// offline (one offline callback); the first success afterwards fires
// one recovery callback and resets the counter.
package health

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"
)

// Prober checks one dependency. A nil error means healthy. The context
// carries the probe deadline.
type Prober func(ctx context.Context) error

// Config tunes the monitor. Zero values take the production defaults.
type Config struct {
	Interval     time.Duration // probe spacing, default 30s
	ProbeTimeout time.Duration // per-probe deadline, default 5s
	Threshold    int           // consecutive failures before offline, default 2
}

// Monitor runs the probe loop. Callbacks fire from the loop goroutine.
type Monitor struct {
	probe     Prober
	interval  time.Duration
	timeout   time.Duration
	threshold int

	// OnFailure fires on every failed probe.
	OnFailure func(reason string)
	// OnOffline fires once per transition into the offline state.
	OnOffline func(reason string)
	// OnRecovery fires once on the first success after offline.
	OnRecovery func()

	probeNow chan struct{}

	mu       sync.Mutex
	failures int
	offline  bool
	lastErr  string
}

func NewMonitor(probe Prober, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 2
	}
	return &Monitor{
		probe:     probe,
		interval:  cfg.Interval,
		timeout:   cfg.ProbeTimeout,
		threshold: cfg.Threshold,
		probeNow:  make(chan struct{}, 1),
	}
}

// Run blocks until the context is cancelled. Callers start it on its
// own goroutine.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runProbe(ctx)
		case <-m.probeNow:
			m.runProbe(ctx)
		}
	}
}

// ForceProbe schedules an immediate probe, used by the dashboard's
// manual retry action.
func (m *Monitor) ForceProbe() {
	select {
	case m.probeNow <- struct{}{}:
	default:
	}
}

// Offline reports the current supervision state.
func (m *Monitor) Offline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offline
}

// LastError returns the most recent probe failure message.
func (m *Monitor) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Monitor) runProbe(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.probe(pctx)
	cancel()

	if err != nil {
		m.mu.Lock()
		m.failures++
		m.lastErr = err.Error()
		crossed := !m.offline && m.failures >= m.threshold
		if crossed {
			m.offline = true
		}
		failures := m.failures
		m.mu.Unlock()

		log.Printf("[health] probe failed (%d consecutive): %v", failures, err)
		if m.OnFailure != nil {
			m.OnFailure(err.Error())
		}
		if crossed && m.OnOffline != nil {
			m.OnOffline(err.Error())
		}
		return
	}

	m.mu.Lock()
	wasOffline := m.offline
	m.offline = false
	m.failures = 0
	m.lastErr = ""
	m.mu.Unlock()

	if wasOffline {
		log.Printf("[health] probe recovered")
		if m.OnRecovery != nil {
			m.OnRecovery()
		}
	}
}

// HTTPProber probes an HTTP health endpoint; any 2xx counts as healthy.
func HTTPProber(url string) Prober {
	client := &http.Client{}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("health endpoint returned HTTP %d", resp.StatusCode)
		}
		return nil
	}
}
