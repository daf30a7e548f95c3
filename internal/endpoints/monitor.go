// Package endpoints monitors the health of the private-network endpoints the
// vpn path depends on (secret store, inference runtime, audit store,
// telemetry). Probes are cheap TCP connects with a short timeout so a downed
// tunnel or misconfigured endpoint fails a request in single-digit seconds
// instead of hanging until the outer deadline.
package endpoints

import (
	"context"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	defaultProbeTimeout    = 5 * time.Second
	defaultStalenessWindow = 30 * time.Second
)

// Endpoint is one monitored private-network endpoint.
type Endpoint struct {
	// Name identifies the endpoint in health records and logs
	// (e.g. "secrets", "bedrock-runtime", "audit", "monitoring").
	Name string
	// URL is the endpoint address; the probe dials host:port (443 default).
	URL string
	// Critical endpoints short-circuit an invoke when unhealthy. Non-critical
	// ones (telemetry, audit) only degrade.
	Critical bool
}

// Record is the cached health result for one endpoint.
type Record struct {
	Endpoint  string    `json:"endpoint"`
	Healthy   bool      `json:"healthy"`
	CheckedAt time.Time `json:"checked_at"`
	LastError string    `json:"last_error,omitempty"`
}

// fresh reports whether the record is recent enough to trust.
func (r Record) fresh(now time.Time, window time.Duration) bool {
	return !r.CheckedAt.IsZero() && now.Sub(r.CheckedAt) < window
}

// Dialer is the probe's connect function; replaced in tests.
type Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

// Monitor caches per-endpoint health records. Constructed once per process
// and injected into the vpn entry point; safe for concurrent use.
type Monitor struct {
	endpoints []Endpoint
	timeout   time.Duration
	staleness time.Duration
	dial      Dialer
	log       *slog.Logger

	mu      sync.RWMutex
	records map[string]Record

	group singleflight.Group
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithProbeTimeout overrides the 5s per-probe timeout.
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithStalenessWindow overrides how long a cached record stays trusted.
func WithStalenessWindow(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.staleness = d
		}
	}
}

// WithDialer replaces the TCP dialer (tests).
func WithDialer(d Dialer) Option {
	return func(m *Monitor) { m.dial = d }
}

// NewMonitor creates a Monitor for the given endpoints.
func NewMonitor(eps []Endpoint, log *slog.Logger, opts ...Option) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	m := &Monitor{
		endpoints: eps,
		timeout:   defaultProbeTimeout,
		staleness: defaultStalenessWindow,
		records:   make(map[string]Record, len(eps)),
		log:       log,
	}
	d := &net.Dialer{}
	m.dial = d.DialContext
	for _, o := range opts {
		o(m)
	}
	return m
}

// Endpoints returns the monitored endpoint set.
func (m *Monitor) Endpoints() []Endpoint { return m.endpoints }

// CheckAll probes every endpoint in parallel and returns the refreshed
// records keyed by endpoint name.
func (m *Monitor) CheckAll(ctx context.Context) map[string]Record {
	var wg sync.WaitGroup
	for _, ep := range m.endpoints {
		wg.Add(1)
		go func(ep Endpoint) {
			defer wg.Done()
			m.refresh(ctx, ep)
		}(ep)
	}
	wg.Wait()
	return m.Snapshot()
}

// Snapshot returns a copy of the current records without probing.
func (m *Monitor) Snapshot() map[string]Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Record, len(m.records))
	for k, v := range m.records {
		out[k] = v
	}
	return out
}

// Healthy reports the health of one endpoint, using the cached record when
// fresher than the staleness window and probing otherwise. Concurrent callers
// refreshing the same endpoint share one probe.
func (m *Monitor) Healthy(ctx context.Context, name string) bool {
	ep, ok := m.find(name)
	if !ok {
		// Unknown endpoints are treated as healthy: nothing to gate on.
		return true
	}

	m.mu.RLock()
	rec, have := m.records[name]
	m.mu.RUnlock()

	if have && rec.fresh(time.Now(), m.staleness) {
		return rec.Healthy
	}

	v, _, _ := m.group.Do(name, func() (any, error) {
		return m.refresh(ctx, ep), nil
	})
	return v.(Record).Healthy
}

// UnhealthyCritical returns the names of critical endpoints currently
// unhealthy, refreshing stale records. Used by the vpn entry point to fail
// fast before a downstream call.
func (m *Monitor) UnhealthyCritical(ctx context.Context) []string {
	var down []string
	for _, ep := range m.endpoints {
		if ep.Critical && !m.Healthy(ctx, ep.Name) {
			down = append(down, ep.Name)
		}
	}
	return down
}

func (m *Monitor) find(name string) (Endpoint, bool) {
	for _, ep := range m.endpoints {
		if ep.Name == name {
			return ep, true
		}
	}
	return Endpoint{}, false
}

// refresh probes ep and stores the result.
func (m *Monitor) refresh(ctx context.Context, ep Endpoint) Record {
	rec := Record{Endpoint: ep.Name, CheckedAt: time.Now()}

	addr, err := probeAddr(ep.URL)
	if err != nil {
		rec.LastError = err.Error()
		m.store(rec)
		return rec
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	conn, err := m.dial(probeCtx, "tcp", addr)
	if err != nil {
		rec.LastError = err.Error()
		m.log.Warn("endpoint probe failed",
			slog.String("endpoint", ep.Name),
			slog.String("error", err.Error()),
		)
		m.store(rec)
		return rec
	}
	_ = conn.Close()

	rec.Healthy = true
	m.store(rec)
	return rec
}

func (m *Monitor) store(rec Record) {
	m.mu.Lock()
	m.records[rec.Endpoint] = rec
	m.mu.Unlock()
}

// probeAddr extracts host:port from an endpoint URL, defaulting to 443.
func probeAddr(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	host := u.Hostname()
	if host == "" {
		// Bare host:port without a scheme.
		if h, p, splitErr := net.SplitHostPort(raw); splitErr == nil {
			return net.JoinHostPort(h, p), nil
		}
		host = raw
	}
	port := u.Port()
	if port == "" {
		port = "443"
	}
	return net.JoinHostPort(host, port), nil
}
