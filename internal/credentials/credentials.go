// Package credentials resolves and caches the bearer token used to call the
// downstream inference service.
//
// The cache is an explicitly constructed object injected into the gateway —
// never a package-level global — so tests can build a fresh provider per
// case. Concurrent callers during a refresh share one in-flight fetch via
// singleflight.
package credentials

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/crosspartition/bedrock-gateway/internal/retry"
)

const defaultTTL = 15 * time.Minute

// Credential is the resolved bearer token. Replaced wholesale on refresh,
// never mutated in place.
type Credential struct {
	Value      string
	ObtainedAt time.Time
	TTL        time.Duration
}

// expired reports whether the credential has outlived its TTL at time now.
func (c Credential) expired(now time.Time) bool {
	return c.Value == "" || now.Sub(c.ObtainedAt) >= c.TTL
}

// Source fetches a fresh credential. Implementations distinguish
// connectivity failures (network) from store-reported failures (service) via
// the apierr category of the returned error.
type Source interface {
	Fetch(ctx context.Context) (string, error)
}

// Provider caches the credential for its TTL and refreshes through the
// shared retry policy. Safe for concurrent use.
type Provider struct {
	source Source
	ttl    time.Duration
	policy retry.Policy
	log    *slog.Logger

	mu      sync.RWMutex
	current Credential

	group      singleflight.Group
	fetchCount int64

	// observe is called with the outcome of every source fetch. Optional.
	observe func(ok bool)
}

// Option configures a Provider.
type Option func(*Provider)

// WithTTL overrides the default 15m credential lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(p *Provider) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

// WithRetryPolicy overrides the default fetch policy (3 attempts, 5s each).
func WithRetryPolicy(policy retry.Policy) Option {
	return func(p *Provider) { p.policy = policy }
}

// WithRefreshObserver registers a callback invoked with the outcome of each
// source fetch (metrics export).
func WithRefreshObserver(fn func(ok bool)) Option {
	return func(p *Provider) { p.observe = fn }
}

// NewProvider creates a Provider over the given source.
func NewProvider(source Source, log *slog.Logger, opts ...Option) *Provider {
	if log == nil {
		log = slog.Default()
	}
	p := &Provider{
		source: source,
		ttl:    defaultTTL,
		policy: retry.DefaultPolicy,
		log:    log,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Get returns the cached credential when fresh, otherwise refreshes it.
// Concurrent callers hitting an expired cache collapse into one fetch.
func (p *Provider) Get(ctx context.Context) (Credential, error) {
	p.mu.RLock()
	cur := p.current
	p.mu.RUnlock()

	if !cur.expired(time.Now()) {
		return cur, nil
	}

	v, err, _ := p.group.Do("credential", func() (any, error) {
		// Re-check under the flight: another caller may have refreshed while
		// we waited for the group slot.
		p.mu.RLock()
		cur := p.current
		p.mu.RUnlock()
		if !cur.expired(time.Now()) {
			return cur, nil
		}

		atomic.AddInt64(&p.fetchCount, 1)

		value, err := retry.Do(ctx, p.policy, func(ctx context.Context) (string, error) {
			return p.source.Fetch(ctx)
		})
		if p.observe != nil {
			p.observe(err == nil)
		}
		if err != nil {
			p.log.Error("credential refresh failed", slog.String("error", err.Error()))
			return Credential{}, err
		}

		fresh := Credential{Value: value, ObtainedAt: time.Now(), TTL: p.ttl}
		p.mu.Lock()
		p.current = fresh
		p.mu.Unlock()

		p.log.Debug("credential refreshed", slog.Duration("ttl", p.ttl))
		return fresh, nil
	})
	if err != nil {
		return Credential{}, err
	}
	return v.(Credential), nil
}

// Invalidate drops the cached credential so the next Get refreshes.
// Used when the downstream rejects the token before its TTL elapses.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.current = Credential{}
	p.mu.Unlock()
}

// FetchCount returns the number of underlying source fetches performed.
func (p *Provider) FetchCount() int64 {
	return atomic.LoadInt64(&p.fetchCount)
}
