package endpoints

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeDialer lets tests script per-address connect outcomes and count dials.
type fakeDialer struct {
	mu    sync.Mutex
	down  map[string]bool
	dials int64
	delay time.Duration
}

func (d *fakeDialer) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	atomic.AddInt64(&d.dials, 1)
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	isDown := d.down[addr]
	d.mu.Unlock()
	if isDown {
		return nil, errors.New("connect: connection refused")
	}
	c, s := net.Pipe()
	go func() { _ = s.Close() }()
	return c, nil
}

func (d *fakeDialer) setDown(addr string, down bool) {
	d.mu.Lock()
	d.down[addr] = down
	d.mu.Unlock()
}

func testEndpoints() []Endpoint {
	return []Endpoint{
		{Name: "secrets", URL: "https://secrets.internal:8443", Critical: true},
		{Name: "bedrock-runtime", URL: "https://bedrock.internal", Critical: true},
		{Name: "monitoring", URL: "https://monitoring.internal", Critical: false},
	}
}

func newTestMonitor(t *testing.T, d *fakeDialer, opts ...Option) *Monitor {
	t.Helper()
	opts = append([]Option{WithDialer(d.dial), WithProbeTimeout(100 * time.Millisecond)}, opts...)
	return NewMonitor(testEndpoints(), slog.Default(), opts...)
}

func TestCheckAll_RecordsEveryEndpoint(t *testing.T) {
	d := &fakeDialer{down: map[string]bool{"secrets.internal:8443": true}}
	m := newTestMonitor(t, d)

	recs := m.CheckAll(context.Background())
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}

	if recs["secrets"].Healthy {
		t.Error("secrets endpoint should be unhealthy")
	}
	if recs["secrets"].LastError == "" {
		t.Error("unhealthy record must carry the last error")
	}
	if !recs["bedrock-runtime"].Healthy {
		t.Error("bedrock-runtime endpoint should be healthy")
	}
	if recs["monitoring"].CheckedAt.IsZero() {
		t.Error("record must carry a check timestamp")
	}
}

func TestHealthy_UsesFreshCache(t *testing.T) {
	d := &fakeDialer{down: map[string]bool{}}
	m := newTestMonitor(t, d, WithStalenessWindow(time.Hour))

	if !m.Healthy(context.Background(), "secrets") {
		t.Fatal("expected healthy")
	}
	before := atomic.LoadInt64(&d.dials)

	// Endpoint goes down, but the cached record is still fresh.
	d.setDown("secrets.internal:8443", true)
	if !m.Healthy(context.Background(), "secrets") {
		t.Error("fresh cache must be served without a probe")
	}
	if atomic.LoadInt64(&d.dials) != before {
		t.Error("no dial expected while the record is fresh")
	}
}

func TestHealthy_StaleRecordForcesProbe(t *testing.T) {
	d := &fakeDialer{down: map[string]bool{}}
	m := newTestMonitor(t, d, WithStalenessWindow(time.Millisecond))

	if !m.Healthy(context.Background(), "secrets") {
		t.Fatal("expected healthy")
	}

	d.setDown("secrets.internal:8443", true)
	time.Sleep(5 * time.Millisecond)

	if m.Healthy(context.Background(), "secrets") {
		t.Error("stale record must trigger a fresh probe")
	}
}

func TestHealthy_SingleFlightSharedProbe(t *testing.T) {
	d := &fakeDialer{down: map[string]bool{}, delay: 30 * time.Millisecond}
	m := newTestMonitor(t, d, WithStalenessWindow(time.Hour))

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Healthy(context.Background(), "secrets")
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&d.dials); got != 1 {
		t.Errorf("expected 1 shared probe, got %d", got)
	}
}

func TestHealthy_UnknownEndpoint(t *testing.T) {
	d := &fakeDialer{down: map[string]bool{}}
	m := newTestMonitor(t, d)

	if !m.Healthy(context.Background(), "nonexistent") {
		t.Error("unknown endpoints must not gate requests")
	}
}

func TestUnhealthyCritical(t *testing.T) {
	d := &fakeDialer{down: map[string]bool{
		"secrets.internal:8443": true,
		"monitoring.internal:443": true,
	}}
	m := newTestMonitor(t, d)

	down := m.UnhealthyCritical(context.Background())
	if len(down) != 1 || down[0] != "secrets" {
		t.Errorf("expected [secrets]; monitoring is non-critical. got %v", down)
	}
}

func TestProbe_RespectsTimeout(t *testing.T) {
	d := &fakeDialer{down: map[string]bool{}, delay: time.Second}
	m := newTestMonitor(t, d, WithProbeTimeout(20*time.Millisecond))

	start := time.Now()
	healthy := m.Healthy(context.Background(), "secrets")
	elapsed := time.Since(start)

	if healthy {
		t.Error("timed-out probe must report unhealthy")
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("probe must respect its timeout, took %v", elapsed)
	}
}

func TestProbeAddr(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"https://secrets.internal", "secrets.internal:443"},
		{"https://secrets.internal:8443", "secrets.internal:8443"},
		{"bedrock.internal:9443", "bedrock.internal:9443"},
	}
	for _, tc := range cases {
		got, err := probeAddr(tc.in)
		if err != nil {
			t.Errorf("%s: unexpected error %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%s: expected %s, got %s", tc.in, tc.want, got)
		}
	}
}
