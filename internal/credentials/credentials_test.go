package credentials

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crosspartition/bedrock-gateway/internal/retry"
	"github.com/crosspartition/bedrock-gateway/pkg/apierr"
)

var testPolicy = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

type countingSource struct {
	mu     sync.Mutex
	calls  int
	token  string
	err    error
	delay  time.Duration
	tokens []string // when set, returned in order
}

func (s *countingSource) Fetch(ctx context.Context) (string, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if s.err != nil {
		return "", s.err
	}
	if len(s.tokens) > 0 {
		idx := n - 1
		if idx >= len(s.tokens) {
			idx = len(s.tokens) - 1
		}
		return s.tokens[idx], nil
	}
	return s.token, nil
}

func (s *countingSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestGet_CachesWithinTTL(t *testing.T) {
	src := &countingSource{token: "tok-a"}
	p := NewProvider(src, slog.Default(), WithTTL(time.Hour), WithRetryPolicy(testPolicy))

	for i := 0; i < 5; i++ {
		c, err := p.Get(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if c.Value != "tok-a" {
			t.Fatalf("expected tok-a, got %s", c.Value)
		}
	}

	if src.Calls() != 1 {
		t.Errorf("expected 1 fetch, got %d", src.Calls())
	}
}

func TestGet_RefreshesAfterExpiry(t *testing.T) {
	src := &countingSource{tokens: []string{"tok-1", "tok-2"}}
	p := NewProvider(src, slog.Default(), WithTTL(10*time.Millisecond), WithRetryPolicy(testPolicy))

	c1, err := p.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	c2, err := p.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if c1.Value != "tok-1" || c2.Value != "tok-2" {
		t.Errorf("expected rotation tok-1 → tok-2, got %s → %s", c1.Value, c2.Value)
	}
}

func TestGet_SingleFlightUnderConcurrency(t *testing.T) {
	src := &countingSource{token: "tok-sf", delay: 20 * time.Millisecond}
	p := NewProvider(src, slog.Default(), WithTTL(time.Hour), WithRetryPolicy(testPolicy))

	const n = 25
	var wg sync.WaitGroup
	var failures int64

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := p.Get(context.Background())
			if err != nil || c.Value != "tok-sf" {
				atomic.AddInt64(&failures, 1)
			}
		}()
	}
	wg.Wait()

	if failures != 0 {
		t.Fatalf("%d callers failed", failures)
	}
	if got := p.FetchCount(); got != 1 {
		t.Errorf("expected exactly 1 underlying fetch, got %d", got)
	}
}

func TestGet_RetriesTransientFetchFailures(t *testing.T) {
	src := &failThenSucceedSource{failures: 2, token: "tok-r"}
	p := NewProvider(src, slog.Default(), WithRetryPolicy(testPolicy))

	c, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Value != "tok-r" {
		t.Errorf("expected tok-r, got %s", c.Value)
	}
	if src.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", src.calls)
	}
}

type failThenSucceedSource struct {
	failures int
	calls    int
	token    string
}

func (s *failThenSucceedSource) Fetch(ctx context.Context) (string, error) {
	s.calls++
	if s.calls <= s.failures {
		return "", errors.New("transient store error")
	}
	return s.token, nil
}

func TestGet_ExhaustedFetchSurfacesError(t *testing.T) {
	src := &countingSource{err: apierr.Network("connect refused", "", "")}
	p := NewProvider(src, slog.Default(), WithRetryPolicy(testPolicy))

	_, err := p.Get(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	var ae *apierr.Error
	if !errors.As(err, &ae) || ae.Category != apierr.CategoryNetwork {
		t.Errorf("expected network category, got %v", err)
	}
	if src.Calls() != 3 {
		t.Errorf("expected 3 attempts, got %d", src.Calls())
	}
}

func TestInvalidate_ForcesRefresh(t *testing.T) {
	src := &countingSource{token: "tok-i"}
	p := NewProvider(src, slog.Default(), WithTTL(time.Hour), WithRetryPolicy(testPolicy))

	if _, err := p.Get(context.Background()); err != nil {
		t.Fatal(err)
	}
	p.Invalidate()
	if _, err := p.Get(context.Background()); err != nil {
		t.Fatal(err)
	}

	if src.Calls() != 2 {
		t.Errorf("expected 2 fetches after invalidate, got %d", src.Calls())
	}
}

// --- SecretStoreSource ------------------------------------------------------

func TestSecretStoreSource_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"bedrock_bearer_token":"secret-tok"}`))
	}))
	defer srv.Close()

	src := &SecretStoreSource{URL: srv.URL}
	tok, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok != "secret-tok" {
		t.Errorf("expected secret-tok, got %s", tok)
	}
}

func TestSecretStoreSource_StoreErrorIsService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	src := &SecretStoreSource{URL: srv.URL}
	_, err := src.Fetch(context.Background())

	var ae *apierr.Error
	if !errors.As(err, &ae) || ae.Category != apierr.CategoryService {
		t.Errorf("expected service category, got %v", err)
	}
}

func TestSecretStoreSource_ConnectFailureIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	src := &SecretStoreSource{URL: srv.URL}
	_, err := src.Fetch(context.Background())

	var ae *apierr.Error
	if !errors.As(err, &ae) || ae.Category != apierr.CategoryNetwork {
		t.Errorf("expected network category, got %v", err)
	}
}

func TestSecretStoreSource_MissingTokenIsPermanent(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	src := &SecretStoreSource{URL: srv.URL}
	p := NewProvider(src, slog.Default(), WithRetryPolicy(testPolicy))

	_, err := p.Get(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	// Permanent: the provider must not burn all attempts on a secret that
	// will never contain the token.
	if got := atomic.LoadInt64(&hits); got != 1 {
		t.Errorf("expected 1 attempt, got %d", got)
	}
}
