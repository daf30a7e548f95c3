// Package auth validates caller API keys and enforces the cross-routing
// guard: a key issued for one transport path is rejected on the other with an
// authorization error. Admin keys are valid on both paths.
//
// Keys are provisioned per routing method (INTERNET_API_KEYS / VPN_API_KEYS /
// ADMIN_API_KEYS) — an explicit stored mapping, not a key-prefix convention.
package auth

import (
	"crypto/subtle"
	"strings"

	"github.com/crosspartition/bedrock-gateway/internal/routing"
	"github.com/crosspartition/bedrock-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// Authorizer holds the provisioned key sets. Immutable after construction;
// safe for concurrent use.
type Authorizer struct {
	internetKeys []string
	vpnKeys      []string
	adminKeys    []string
}

// Identity describes the authenticated caller, used for audit annotation.
type Identity struct {
	// Principal is a stable caller label, e.g. "api-key-internet" or "admin".
	Principal string
	// Admin is true when the key is valid on both routing methods.
	Admin bool
}

// New creates an Authorizer from per-method key sets. Empty strings in the
// slices are ignored so a blank env var cannot authorize blank tokens.
func New(internetKeys, vpnKeys, adminKeys []string) *Authorizer {
	return &Authorizer{
		internetKeys: nonEmpty(internetKeys),
		vpnKeys:      nonEmpty(vpnKeys),
		adminKeys:    nonEmpty(adminKeys),
	}
}

func nonEmpty(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

// ExtractToken pulls the caller credential from the request: X-API-Key header
// first, then an Authorization bearer token. Returns "" when absent.
func ExtractToken(ctx *fasthttp.RequestCtx) string {
	if key := strings.TrimSpace(string(ctx.Request.Header.Peek("X-API-Key"))); key != "" {
		return key
	}

	raw := strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization")))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// Authorize validates token against the key set for the given routing method.
//
// Contract:
//   - absent token            → authentication error
//   - token in no key set     → authentication error
//   - token valid but for the other routing method → authorization error
//   - admin token             → allowed on both methods
//
// The same comparison runs for both entry points; there are no path-specific
// exceptions.
func (a *Authorizer) Authorize(token string, method routing.Method, requestID string) (Identity, error) {
	if token == "" {
		return Identity{}, apierr.Authentication(
			"missing API key: supply X-API-Key or an Authorization bearer token",
			string(method), requestID)
	}

	if containsKey(a.adminKeys, token) {
		return Identity{Principal: "admin", Admin: true}, nil
	}

	own, other := a.internetKeys, a.vpnKeys
	if method == routing.MethodVPN {
		own, other = a.vpnKeys, a.internetKeys
	}

	if containsKey(own, token) {
		return Identity{Principal: "api-key-" + string(method)}, nil
	}

	// Cross-routing guard: the key exists but was issued for the other path.
	if containsKey(other, token) {
		return Identity{}, apierr.Authorization(
			"API key is not authorized for the "+string(method)+" routing method",
			string(method), requestID)
	}

	return Identity{}, apierr.Authentication("invalid API key", string(method), requestID)
}

// containsKey does a constant-time membership test to avoid leaking key
// bytes through timing.
func containsKey(keys []string, token string) bool {
	found := false
	for _, k := range keys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(token)) == 1 {
			found = true
		}
	}
	return found
}
