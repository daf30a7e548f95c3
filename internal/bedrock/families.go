package bedrock

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/crosspartition/bedrock-gateway/pkg/apierr"
)

// anthropicVersion is the API version Bedrock requires on every Anthropic
// invocation body.
const anthropicVersion = "bedrock-2023-05-31"

// defaultMaxTokens is injected when an Anthropic body omits max_tokens,
// which Bedrock rejects.
const defaultMaxTokens = 1024

// Usage is the normalized token accounting of a reply. Families that do not
// report usage leave it zero.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Reply is the family-independent shape every downstream answer is
// normalized to. Raw carries the untouched downstream body for callers that
// need family-specific fields.
type Reply struct {
	Content string          `json:"content"`
	Usage   Usage           `json:"usage"`
	Raw     json.RawMessage `json:"raw"`
}

// Family translates between the caller-supplied generic body and one model
// family's wire format. Implementations are stateless.
type Family interface {
	Name() string
	Match(modelID string) bool
	BuildBody(raw json.RawMessage) ([]byte, error)
	ParseReply(raw []byte) (Reply, error)
}

// Registry resolves a model id to its Family. Resolution order is the
// registration order; the passthrough family is the fallback and always
// matches.
type Registry struct {
	families []Family
}

// NewRegistry creates a Registry with all built-in families.
func NewRegistry() *Registry {
	return &Registry{families: []Family{
		anthropicFamily{},
		titanFamily{},
		novaFamily{},
		llamaFamily{},
		mistralFamily{},
		jambaFamily{},
		passthroughFamily{},
	}}
}

// Resolve returns the first family matching modelID. Never nil.
func (r *Registry) Resolve(modelID string) Family {
	id := strings.ToLower(modelID)
	for _, f := range r.families {
		if f.Match(id) {
			return f
		}
	}
	return passthroughFamily{}
}

// decodeObject unmarshals the caller body into a map. Bodies arrive either
// as a JSON object or as a JSON string containing an encoded object; both
// forms are accepted.
func decodeObject(raw json.RawMessage) (map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return map[string]any{}, nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, apierr.Validation("request body is not valid JSON", "", "")
		}
		trimmed = []byte(s)
	}
	var m map[string]any
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return nil, apierr.Validation("request body is not a JSON object", "", "")
	}
	return m, nil
}

func requireField(m map[string]any, family, field string) error {
	if _, ok := m[field]; !ok {
		return apierr.Validation(
			fmt.Sprintf("%s models require a %q field in the body", family, field), "", "")
	}
	return nil
}

// ─── Anthropic Claude ────────────────────────────────────────────────────────

type anthropicFamily struct{}

func (anthropicFamily) Name() string             { return "anthropic" }
func (anthropicFamily) Match(modelID string) bool { return strings.Contains(modelID, "anthropic") }

// BuildBody injects the mandatory anthropic_version and defaults max_tokens;
// all caller fields pass through untouched.
func (f anthropicFamily) BuildBody(raw json.RawMessage) ([]byte, error) {
	m, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	if err := requireField(m, f.Name(), "messages"); err != nil {
		return nil, err
	}
	if _, ok := m["anthropic_version"]; !ok {
		m["anthropic_version"] = anthropicVersion
	}
	if _, ok := m["max_tokens"]; !ok {
		m["max_tokens"] = defaultMaxTokens
	}
	return json.Marshal(m)
}

func (anthropicFamily) ParseReply(raw []byte) (Reply, error) {
	var body struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return Reply{}, fmt.Errorf("bedrock: decode anthropic reply: %w", err)
	}

	var sb strings.Builder
	for _, c := range body.Content {
		if c.Type == "" || c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}
	return Reply{
		Content: sb.String(),
		Usage:   Usage{InputTokens: body.Usage.InputTokens, OutputTokens: body.Usage.OutputTokens},
		Raw:     raw,
	}, nil
}

// ─── Amazon Titan ────────────────────────────────────────────────────────────

type titanFamily struct{}

func (titanFamily) Name() string             { return "titan" }
func (titanFamily) Match(modelID string) bool { return strings.HasPrefix(modelID, "amazon.titan") }

func (f titanFamily) BuildBody(raw json.RawMessage) ([]byte, error) {
	m, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	if err := requireField(m, f.Name(), "inputText"); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func (titanFamily) ParseReply(raw []byte) (Reply, error) {
	var body struct {
		InputTextTokenCount int `json:"inputTextTokenCount"`
		Results             []struct {
			OutputText string `json:"outputText"`
			TokenCount int    `json:"tokenCount"`
		} `json:"results"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return Reply{}, fmt.Errorf("bedrock: decode titan reply: %w", err)
	}

	r := Reply{Usage: Usage{InputTokens: body.InputTextTokenCount}, Raw: raw}
	if len(body.Results) > 0 {
		r.Content = body.Results[0].OutputText
		r.Usage.OutputTokens = body.Results[0].TokenCount
	}
	return r, nil
}

// ─── Amazon Nova ─────────────────────────────────────────────────────────────

type novaFamily struct{}

func (novaFamily) Name() string             { return "nova" }
func (novaFamily) Match(modelID string) bool { return strings.HasPrefix(modelID, "amazon.nova") }

func (f novaFamily) BuildBody(raw json.RawMessage) ([]byte, error) {
	m, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	if err := requireField(m, f.Name(), "messages"); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func (novaFamily) ParseReply(raw []byte) (Reply, error) {
	var body struct {
		Output struct {
			Message struct {
				Content []struct {
					Text string `json:"text"`
				} `json:"content"`
			} `json:"message"`
		} `json:"output"`
		Usage struct {
			InputTokens  int `json:"inputTokens"`
			OutputTokens int `json:"outputTokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return Reply{}, fmt.Errorf("bedrock: decode nova reply: %w", err)
	}

	var sb strings.Builder
	for _, c := range body.Output.Message.Content {
		sb.WriteString(c.Text)
	}
	return Reply{
		Content: sb.String(),
		Usage:   Usage{InputTokens: body.Usage.InputTokens, OutputTokens: body.Usage.OutputTokens},
		Raw:     raw,
	}, nil
}

// ─── Meta Llama ──────────────────────────────────────────────────────────────

type llamaFamily struct{}

func (llamaFamily) Name() string             { return "llama" }
func (llamaFamily) Match(modelID string) bool { return strings.HasPrefix(modelID, "meta.llama") }

func (f llamaFamily) BuildBody(raw json.RawMessage) ([]byte, error) {
	m, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	if err := requireField(m, f.Name(), "prompt"); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func (llamaFamily) ParseReply(raw []byte) (Reply, error) {
	var body struct {
		Generation           string `json:"generation"`
		PromptTokenCount     int    `json:"prompt_token_count"`
		GenerationTokenCount int    `json:"generation_token_count"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return Reply{}, fmt.Errorf("bedrock: decode llama reply: %w", err)
	}
	return Reply{
		Content: body.Generation,
		Usage:   Usage{InputTokens: body.PromptTokenCount, OutputTokens: body.GenerationTokenCount},
		Raw:     raw,
	}, nil
}

// ─── Mistral ─────────────────────────────────────────────────────────────────

type mistralFamily struct{}

func (mistralFamily) Name() string             { return "mistral" }
func (mistralFamily) Match(modelID string) bool { return strings.HasPrefix(modelID, "mistral.") }

func (f mistralFamily) BuildBody(raw json.RawMessage) ([]byte, error) {
	m, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	if err := requireField(m, f.Name(), "prompt"); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func (mistralFamily) ParseReply(raw []byte) (Reply, error) {
	var body struct {
		Outputs []struct {
			Text string `json:"text"`
		} `json:"outputs"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return Reply{}, fmt.Errorf("bedrock: decode mistral reply: %w", err)
	}

	r := Reply{Raw: raw}
	if len(body.Outputs) > 0 {
		r.Content = body.Outputs[0].Text
	}
	return r, nil
}

// ─── AI21 Jamba ──────────────────────────────────────────────────────────────

type jambaFamily struct{}

func (jambaFamily) Name() string             { return "jamba" }
func (jambaFamily) Match(modelID string) bool { return strings.HasPrefix(modelID, "ai21.") }

func (f jambaFamily) BuildBody(raw json.RawMessage) ([]byte, error) {
	m, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	if err := requireField(m, f.Name(), "messages"); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func (jambaFamily) ParseReply(raw []byte) (Reply, error) {
	var body struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return Reply{}, fmt.Errorf("bedrock: decode jamba reply: %w", err)
	}

	r := Reply{
		Usage: Usage{InputTokens: body.Usage.PromptTokens, OutputTokens: body.Usage.CompletionTokens},
		Raw:   raw,
	}
	if len(body.Choices) > 0 {
		r.Content = body.Choices[0].Message.Content
	}
	return r, nil
}

// ─── Passthrough fallback ────────────────────────────────────────────────────

// passthroughFamily forwards unrecognized model families untouched. The
// reply content is extracted on a best-effort basis from the field names the
// known families use.
type passthroughFamily struct{}

func (passthroughFamily) Name() string              { return "passthrough" }
func (passthroughFamily) Match(modelID string) bool { return true }

func (passthroughFamily) BuildBody(raw json.RawMessage) ([]byte, error) {
	m, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func (passthroughFamily) ParseReply(raw []byte) (Reply, error) {
	var body struct {
		Completion string `json:"completion"`
		Generation string `json:"generation"`
		OutputText string `json:"outputText"`
	}
	// Best effort; an undecodable body still returns the raw payload.
	_ = json.Unmarshal(raw, &body)

	content := body.Completion
	if content == "" {
		content = body.Generation
	}
	if content == "" {
		content = body.OutputText
	}
	return Reply{Content: content, Raw: raw}, nil
}
