package main

import (
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// fakeWords is a pool of words used to build mock completions.
var fakeWords = []string{
	"The", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog",
	"Hello", "world", "This", "is", "a", "mock", "response", "from", "the",
	"mock", "inference", "runtime", "simulating", "a", "real", "model",
	"invocation", "for", "development", "and", "testing", "purposes",
}

// catalog is the fixed model listing served by /foundation-models.
var catalog = []map[string]string{
	{"modelId": "anthropic.claude-3-5-sonnet-20241022-v2:0", "modelName": "Claude 3.5 Sonnet v2", "providerName": "Anthropic"},
	{"modelId": "anthropic.claude-3-haiku-20240307-v1:0", "modelName": "Claude 3 Haiku", "providerName": "Anthropic"},
	{"modelId": "amazon.titan-text-express-v1", "modelName": "Titan Text G1 - Express", "providerName": "Amazon"},
	{"modelId": "amazon.nova-pro-v1:0", "modelName": "Nova Pro", "providerName": "Amazon"},
	{"modelId": "meta.llama3-70b-instruct-v1:0", "modelName": "Llama 3 70B Instruct", "providerName": "Meta"},
	{"modelId": "mistral.mistral-large-2402-v1:0", "modelName": "Mistral Large", "providerName": "Mistral AI"},
	{"modelId": "ai21.jamba-1-5-large-v1:0", "modelName": "Jamba 1.5 Large", "providerName": "AI21 Labs"},
}

// newHandler returns an http.Handler simulating the Bedrock runtime and
// control-plane APIs:
//
//	POST /model/{modelId}/invoke  — model invocation
//	GET  /foundation-models       — model catalog
func newHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/model/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeBedrockError(w, http.StatusMethodNotAllowed, "method not allowed", "MethodNotAllowedException")
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeBedrockError(w, http.StatusServiceUnavailable, "mock service unavailable", "ServiceUnavailableException")
			return
		}
		if r.Header.Get("Authorization") == "" {
			writeBedrockError(w, http.StatusUnauthorized, "missing bearer token", "UnauthorizedException")
			return
		}

		modelID, ok := modelFromPath(r.URL.Path)
		if !ok {
			writeBedrockError(w, http.StatusNotFound, "unknown path "+r.URL.Path, "ResourceNotFoundException")
			return
		}

		if cfg.RequireProfile &&
			strings.HasPrefix(modelID, "anthropic.claude") &&
			!strings.HasPrefix(modelID, "us.") {
			writeBedrockError(w, http.StatusBadRequest,
				"Invocation of model ID "+modelID+" with on-demand throughput isn't supported. "+
					"Retry your request with the ID or ARN of an inference profile that contains this model.",
				"ValidationException")
			return
		}

		body, _ := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		writeInvokeReply(w, modelID, body)
	})

	mux.HandleFunc("/foundation-models", func(w http.ResponseWriter, r *http.Request) {
		applyLatency(cfg)
		if shouldError(cfg) {
			writeBedrockError(w, http.StatusServiceUnavailable, "mock service unavailable", "ServiceUnavailableException")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"modelSummaries": catalog})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeBedrockError(w, http.StatusNotFound, "unknown path "+r.URL.Path, "ResourceNotFoundException")
	})

	return mux
}

// modelFromPath extracts the model id from /model/{id}/invoke.
func modelFromPath(path string) (string, bool) {
	rest := strings.TrimPrefix(path, "/model/")
	id, found := strings.CutSuffix(rest, "/invoke")
	if !found || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	if decoded, err := url.PathUnescape(id); err == nil {
		id = decoded
	}
	return id, true
}

// writeInvokeReply answers in the wire format of the model's family so the
// gateway's reply normalization sees realistic payloads.
func writeInvokeReply(w http.ResponseWriter, modelID string, reqBody []byte) {
	text := fakeSentence(12)
	in := estimateTokens(reqBody)
	out := 12

	id := strings.ToLower(modelID)
	switch {
	case strings.Contains(id, "anthropic"):
		writeJSON(w, http.StatusOK, map[string]any{
			"id":          "msg_mock",
			"type":        "message",
			"role":        "assistant",
			"model":       modelID,
			"stop_reason": "end_turn",
			"content":     []map[string]string{{"type": "text", "text": text}},
			"usage":       map[string]int{"input_tokens": in, "output_tokens": out},
		})
	case strings.HasPrefix(id, "amazon.titan"):
		writeJSON(w, http.StatusOK, map[string]any{
			"inputTextTokenCount": in,
			"results": []map[string]any{
				{"outputText": text, "tokenCount": out, "completionReason": "FINISH"},
			},
		})
	case strings.HasPrefix(id, "amazon.nova"):
		writeJSON(w, http.StatusOK, map[string]any{
			"output": map[string]any{
				"message": map[string]any{
					"role":    "assistant",
					"content": []map[string]string{{"text": text}},
				},
			},
			"usage":      map[string]int{"inputTokens": in, "outputTokens": out},
			"stopReason": "end_turn",
		})
	case strings.HasPrefix(id, "meta.llama"):
		writeJSON(w, http.StatusOK, map[string]any{
			"generation":             text,
			"prompt_token_count":     in,
			"generation_token_count": out,
			"stop_reason":            "stop",
		})
	case strings.HasPrefix(id, "mistral."):
		writeJSON(w, http.StatusOK, map[string]any{
			"outputs": []map[string]any{{"text": text, "stop_reason": "stop"}},
		})
	case strings.HasPrefix(id, "ai21."):
		writeJSON(w, http.StatusOK, map[string]any{
			"id": "chat_mock",
			"choices": []map[string]any{
				{"index": 0, "message": map[string]string{"role": "assistant", "content": text}, "finish_reason": "stop"},
			},
			"usage": map[string]int{"prompt_tokens": in, "completion_tokens": out},
		})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"completion": text})
	}
}

// fakeSentence returns a fake response text of roughly n words.
func fakeSentence(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fakeWords[rand.Intn(len(fakeWords))]
	}
	return strings.Join(words, " ") + "."
}

// estimateTokens approximates a token count from the request size.
func estimateTokens(body []byte) int {
	n := len(body) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// applyLatency sleeps for the configured latency.
func applyLatency(cfg Config) {
	if cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}
}

// shouldError returns true if this request should simulate an error.
func shouldError(cfg Config) bool {
	if cfg.ErrorRate <= 0 {
		return false
	}
	return rand.Float64() < cfg.ErrorRate
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeBedrockError mirrors the downstream error envelope the gateway parses.
func writeBedrockError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, map[string]string{
		"message": msg,
		"__type":  typ,
	})
}
