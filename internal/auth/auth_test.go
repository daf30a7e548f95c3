package auth

import (
	"errors"
	"testing"

	"github.com/crosspartition/bedrock-gateway/internal/routing"
	"github.com/crosspartition/bedrock-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

func newTestAuthorizer() *Authorizer {
	return New(
		[]string{"inet-key-1", "inet-key-2"},
		[]string{"vpn-key-1"},
		[]string{"admin-key"},
	)
}

func category(t *testing.T, err error) string {
	t.Helper()
	var ae *apierr.Error
	if !errors.As(err, &ae) {
		t.Fatalf("expected *apierr.Error, got %T (%v)", err, err)
	}
	return ae.Category
}

func TestAuthorize_MatchingKey(t *testing.T) {
	a := newTestAuthorizer()

	id, err := a.Authorize("inet-key-1", routing.MethodInternet, "r1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.Principal != "api-key-internet" {
		t.Errorf("expected api-key-internet, got %s", id.Principal)
	}

	id, err = a.Authorize("vpn-key-1", routing.MethodVPN, "r2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.Principal != "api-key-vpn" {
		t.Errorf("expected api-key-vpn, got %s", id.Principal)
	}
}

func TestAuthorize_CrossRoutingGuard(t *testing.T) {
	a := newTestAuthorizer()

	// Internet key on the vpn path and vice versa — authorization, not
	// authentication: the key is real, just bound to the other path.
	if _, err := a.Authorize("inet-key-1", routing.MethodVPN, "r3"); category(t, err) != apierr.CategoryAuthorization {
		t.Error("internet key on vpn path must yield authorization error")
	}
	if _, err := a.Authorize("vpn-key-1", routing.MethodInternet, "r4"); category(t, err) != apierr.CategoryAuthorization {
		t.Error("vpn key on internet path must yield authorization error")
	}
}

func TestAuthorize_MissingAndUnknownKey(t *testing.T) {
	a := newTestAuthorizer()

	if _, err := a.Authorize("", routing.MethodInternet, "r5"); category(t, err) != apierr.CategoryAuthentication {
		t.Error("missing key must yield authentication error")
	}
	if _, err := a.Authorize("nope", routing.MethodVPN, "r6"); category(t, err) != apierr.CategoryAuthentication {
		t.Error("unknown key must yield authentication error")
	}
}

func TestAuthorize_AdminKeyBothMethods(t *testing.T) {
	a := newTestAuthorizer()

	for _, m := range []routing.Method{routing.MethodInternet, routing.MethodVPN} {
		id, err := a.Authorize("admin-key", m, "r7")
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", m, err)
		}
		if !id.Admin || id.Principal != "admin" {
			t.Errorf("%s: expected admin identity, got %+v", m, id)
		}
	}
}

func TestAuthorize_EmptyConfiguredKeyNeverMatches(t *testing.T) {
	a := New([]string{""}, nil, []string{"  "})
	if _, err := a.Authorize("", routing.MethodInternet, "r8"); err == nil {
		t.Fatal("blank configured keys must not authorize blank tokens")
	}
}

func TestExtractToken(t *testing.T) {
	cases := []struct {
		name   string
		header string
		value  string
		want   string
	}{
		{"api key header", "X-API-Key", "k1", "k1"},
		{"bearer", "Authorization", "Bearer tok-1", "tok-1"},
		{"bearer case-insensitive", "Authorization", "bearer tok-2", "tok-2"},
		{"non-bearer scheme ignored", "Authorization", "Basic dXNlcg==", ""},
		{"bare authorization ignored", "Authorization", "raw-token", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := &fasthttp.RequestCtx{}
			ctx.Request.Header.Set(tc.header, tc.value)
			if got := ExtractToken(ctx); got != tc.want {
				t.Errorf("expected %q, got %q", tc.want, got)
			}
		})
	}

	t.Run("absent", func(t *testing.T) {
		ctx := &fasthttp.RequestCtx{}
		if got := ExtractToken(ctx); got != "" {
			t.Errorf("expected empty token, got %q", got)
		}
	})

	t.Run("api key wins over bearer", func(t *testing.T) {
		ctx := &fasthttp.RequestCtx{}
		ctx.Request.Header.Set("X-API-Key", "k9")
		ctx.Request.Header.Set("Authorization", "Bearer other")
		if got := ExtractToken(ctx); got != "k9" {
			t.Errorf("expected k9, got %q", got)
		}
	})
}
