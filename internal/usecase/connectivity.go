package usecase

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// DefaultProbeTimeout bounds a single connectivity check.
const DefaultProbeTimeout = 1500 * time.Millisecond

// ConnectivityChecker reports whether the network looks usable.
type ConnectivityChecker interface {
	Check(ctx context.Context) bool
}

// ConnectivityProbe sends an HTTP HEAD to a fixed URL. It is pessimistic:
// any error or timeout means offline, and any status below 500 means online.
type ConnectivityProbe struct {
	url    string
	client *http.Client
}

// NewConnectivityProbe creates a probe. A zero timeout uses DefaultProbeTimeout.
func NewConnectivityProbe(url string, timeout time.Duration) *ConnectivityProbe {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &ConnectivityProbe{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Check implements ConnectivityChecker.
func (p *ConnectivityProbe) Check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

// ConnectivityMonitor probes periodically and calls OnOffline once for each
// online-to-offline edge. It never acts on recovery: going back online is an
// explicit user decision.
type ConnectivityMonitor struct {
	checker   ConnectivityChecker
	interval  time.Duration
	onOffline func(ctx context.Context)
	online    atomic.Bool
	logger    *slog.Logger
}

// NewConnectivityMonitor creates a monitor that assumes it starts online.
func NewConnectivityMonitor(checker ConnectivityChecker, interval time.Duration, onOffline func(ctx context.Context), logger *slog.Logger) *ConnectivityMonitor {
	m := &ConnectivityMonitor{
		checker:   checker,
		interval:  interval,
		onOffline: onOffline,
		logger:    logger,
	}
	m.online.Store(true)
	return m
}

// IsOnline returns the result of the latest probe.
func (m *ConnectivityMonitor) IsOnline() bool {
	return m.online.Load()
}

// Run probes until ctx is done.
func (m *ConnectivityMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *ConnectivityMonitor) probe(ctx context.Context) {
	online := m.checker.Check(ctx)
	wasOnline := m.online.Swap(online)
	switch {
	case wasOnline && !online:
		m.logger.Warn("connectivity lost, switching to offline mode")
		if m.onOffline != nil {
			m.onOffline(ctx)
		}
	case !wasOnline && online:
		m.logger.Info("connectivity restored; staying in the current mode")
	}
}
