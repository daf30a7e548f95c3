// Package bedrock calls the Bedrock runtime over HTTPS with bearer-token
// authentication and translates between caller-supplied generic bodies and
// model-family wire formats. One Client is built per routing path; the two
// differ only in endpoint URLs and call timeout.
package bedrock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/crosspartition/bedrock-gateway/pkg/apierr"
)

// defaultTimeout bounds a single downstream call. It must stay below the
// shortest request deadline so audit logging has headroom after a slow call.
const defaultTimeout = 25 * time.Second

const maxReplyBytes = 10 << 20

// defaultProfiles maps model ids that reject on-demand invocation to their
// system-defined inference profile ids.
var defaultProfiles = map[string]string{
	"anthropic.claude-3-5-sonnet-20241022-v2:0": "us.anthropic.claude-3-5-sonnet-20241022-v2:0",
	"anthropic.claude-3-5-sonnet-20240620-v1:0": "us.anthropic.claude-3-5-sonnet-20240620-v1:0",
	"anthropic.claude-3-5-haiku-20241022-v1:0":  "us.anthropic.claude-3-5-haiku-20241022-v1:0",
	"anthropic.claude-3-opus-20240229-v1:0":     "us.anthropic.claude-3-opus-20240229-v1:0",
	"anthropic.claude-3-sonnet-20240229-v1:0":   "us.anthropic.claude-3-sonnet-20240229-v1:0",
	"anthropic.claude-3-haiku-20240307-v1:0":    "us.anthropic.claude-3-haiku-20240307-v1:0",
}

// InvokeRequest is the caller-facing invoke envelope after the gateway has
// parsed it. Body is the provider-specific JSON, either an object or an
// encoded JSON string.
type InvokeRequest struct {
	ModelID     string          `json:"modelId"`
	ContentType string          `json:"contentType"`
	Accept      string          `json:"accept"`
	Body        json.RawMessage `json:"body"`
}

// ModelSummary is one entry of the downstream model catalog.
type ModelSummary struct {
	ModelID      string `json:"modelId"`
	ModelName    string `json:"modelName"`
	ProviderName string `json:"providerName"`
}

// Client invokes the Bedrock runtime and control-plane endpoints.
type Client struct {
	runtimeURL string
	controlURL string
	client     *http.Client
	registry   *Registry
	profiles   map[string]string
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds each downstream call. Keep it strictly below the
// routing path's request deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.client.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithProfiles replaces the model-id to inference-profile mapping.
func WithProfiles(profiles map[string]string) Option {
	return func(c *Client) { c.profiles = profiles }
}

// New creates a Client. runtimeURL serves invocations, controlURL serves the
// model catalog; both are base URLs without a trailing path.
func New(runtimeURL, controlURL string, opts ...Option) *Client {
	c := &Client{
		runtimeURL: strings.TrimRight(runtimeURL, "/"),
		controlURL: strings.TrimRight(controlURL, "/"),
		client:     &http.Client{Timeout: defaultTimeout},
		registry:   NewRegistry(),
		profiles:   defaultProfiles,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// RuntimeURL returns the invocation endpoint base, for health registration.
func (c *Client) RuntimeURL() string { return c.runtimeURL }

// Invoke translates req into the model family's wire body, posts it to the
// runtime endpoint with the bearer token, and normalizes the reply. A 400
// reporting that on-demand invocation is unsupported is retried once with
// the model's inference profile id when one is mapped.
func (c *Client) Invoke(ctx context.Context, token string, req InvokeRequest) (*Reply, error) {
	if req.ModelID == "" {
		return nil, apierr.Validation("modelId is required", "", "")
	}

	fam := c.registry.Resolve(strings.ToLower(req.ModelID))
	payload, err := fam.BuildBody(req.Body)
	if err != nil {
		return nil, err
	}

	raw, err := c.post(ctx, token, req.ModelID, req, payload)
	if err != nil {
		profile, ok := c.profiles[req.ModelID]
		if ok && needsInferenceProfile(err) {
			raw, err = c.post(ctx, token, profile, req, payload)
		}
		if err != nil {
			return nil, err
		}
	}

	reply, err := fam.ParseReply(raw)
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *Client) post(ctx context.Context, token, modelID string, req InvokeRequest, payload []byte) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/model/%s/invoke", c.runtimeURL, url.PathEscape(modelID))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", orDefault(req.ContentType, "application/json"))
	httpReq.Header.Set("Accept", orDefault(req.Accept, "application/json"))

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, asNetworkError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, fmt.Errorf("bedrock: read reply: %w", err)
	}
	return body, nil
}

// ListModels fetches the model catalog from the control-plane endpoint.
func (c *Client) ListModels(ctx context.Context, token string) ([]ModelSummary, error) {
	endpoint := c.controlURL + "/foundation-models"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, asNetworkError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}

	var body struct {
		ModelSummaries []ModelSummary `json:"modelSummaries"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxReplyBytes)).Decode(&body); err != nil {
		return nil, fmt.Errorf("bedrock: decode model catalog: %w", err)
	}
	return body.ModelSummaries, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// asNetworkError keeps deadline errors intact (they map to a timeout) and
// folds transport failures into a network-category error without leaking
// the endpoint URL to the caller.
func asNetworkError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return apierr.Network("cannot reach the inference endpoint", "", "")
}

func needsInferenceProfile(err error) bool {
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.StatusCode != http.StatusBadRequest {
		return false
	}
	msg := strings.ToLower(pe.Message)
	return strings.Contains(msg, "on-demand throughput") || strings.Contains(msg, "inference profile")
}

// ─── Error handling ──────────────────────────────────────────────────────────

type bedrockError struct {
	Message string `json:"message"`
	Type    string `json:"__type"`
}

// ProviderError is a structured error returned by the downstream service.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("bedrock: %s (status=%d)", e.Message, e.StatusCode)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))

	var be bedrockError
	if json.Unmarshal(body, &be) == nil && be.Message != "" {
		return &ProviderError{StatusCode: resp.StatusCode, Message: be.Message}
	}

	return &ProviderError{
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("unexpected status %d", resp.StatusCode),
	}
}
