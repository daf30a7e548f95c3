package credentials

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"context"

	"github.com/crosspartition/bedrock-gateway/internal/retry"
	"github.com/crosspartition/bedrock-gateway/pkg/apierr"
)

// StaticSource serves a pre-provisioned token (e.g. from the environment).
// Used for local development and as the fallback when no secret store is
// configured.
type StaticSource struct {
	Token string
}

func (s StaticSource) Fetch(ctx context.Context) (string, error) {
	if s.Token == "" {
		return "", retry.Permanent(apierr.New(http.StatusInternalServerError,
			apierr.CodeServiceError, apierr.CategoryService,
			"no bearer token configured", "", ""))
	}
	return s.Token, nil
}

// secretPayload is the JSON shape stored in the credential secret.
type secretPayload struct {
	BedrockBearerToken string `json:"bedrock_bearer_token"`
}

// SecretStoreSource fetches the bearer token from an HTTPS secret-store
// endpoint. On the vpn path the URL points at the private secret-store
// endpoint; on the internet path at the public one.
type SecretStoreSource struct {
	// URL is the full secret-value endpoint.
	URL string
	// Header is an optional auth header name/value pair for the store itself.
	Header, HeaderValue string

	Client *http.Client
}

func (s *SecretStoreSource) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return &http.Client{Timeout: 5 * time.Second}
}

// Fetch retrieves and decodes the secret. Connectivity failures surface as
// network errors; store-reported failures (bad status, malformed payload,
// missing field) as service errors.
func (s *SecretStoreSource) Fetch(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("credentials: build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if s.Header != "" {
		req.Header.Set(s.Header, s.HeaderValue)
	}

	resp, err := s.client().Do(req)
	if err != nil {
		return "", apierr.Network(
			"credential store unreachable: "+sanitizeDialError(err), "", "")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", apierr.Service(
			fmt.Sprintf("credential store returned status %d", resp.StatusCode), "", "")
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", apierr.Network("credential store read failed", "", "")
	}

	var payload secretPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", apierr.Service("credential store returned a malformed secret", "", "")
	}
	if payload.BedrockBearerToken == "" {
		return "", retry.Permanent(apierr.Service("bearer token not found in secret", "", ""))
	}

	return payload.BedrockBearerToken, nil
}

// sanitizeDialError trims the URL out of transport errors so secret-store
// addresses never leak into caller-visible messages.
func sanitizeDialError(err error) string {
	msg := err.Error()
	if i := strings.LastIndex(msg, ": "); i >= 0 {
		return msg[i+2:]
	}
	return msg
}
