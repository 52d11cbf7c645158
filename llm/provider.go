package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrRequestFailed is the sentinel for failed model requests.
var ErrRequestFailed = errors.New("llm: request failed")

// Provider is the interface for LLM text generation.
type Provider interface {
	// Generate sends a plain chat completion request.
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)

	// GenerateWithTools sends a request with a forced function-call tool
	// schema and returns the raw arguments object of the tool call.
	GenerateWithTools(ctx context.Context, req ToolRequest) (json.RawMessage, error)

	// ContextWindow reports the provider's context window in tokens.
	ContextWindow() int
}

// Embedder generates vector embeddings.
type Embedder interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for a batch of texts. The result
	// slice corresponds to the input by index; entries may be nil when a
	// single text fails while the batch succeeds.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// GenerateRequest is a plain chat completion request.
type GenerateRequest struct {
	System      string  `json:"system,omitempty"`
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	// JSONMode requests a JSON-object response format.
	JSONMode bool `json:"json_mode,omitempty"`
}

// GenerateResponse is the response from a chat completion.
type GenerateResponse struct {
	Content          string `json:"content"`
	Model            string `json:"model"`
	FinishReason     string `json:"finish_reason"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
}

// ToolRequest is a structured-output request. The provider forces a call to
// the named function and returns its arguments verbatim.
type ToolRequest struct {
	System      string `json:"system,omitempty"`
	Prompt      string `json:"prompt"`
	ToolName    string `json:"tool_name"`
	Description string `json:"description,omitempty"`
	// Schema is a JSON Schema object describing the tool parameters.
	Schema      map[string]any `json:"schema"`
	Temperature float64        `json:"temperature,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
}

// Tier names for provider selection.
const (
	TierFast       = "fast"
	TierExtraction = "extraction"
)

// Tiers holds the named providers an engine selects between.
type Tiers struct {
	Fast       Provider
	Extraction Provider
}

// ForTier returns the provider for a named tier.
func (t Tiers) ForTier(name string) (Provider, error) {
	switch name {
	case TierFast:
		return t.Fast, nil
	case TierExtraction:
		return t.Extraction, nil
	default:
		return nil, fmt.Errorf("unknown llm tier: %s", name)
	}
}

// Config configures an LLM or embedding provider endpoint.
type Config struct {
	Provider      string `json:"provider"` // openai, custom
	Model         string `json:"model"`
	BaseURL       string `json:"base_url"`
	APIKey        string `json:"api_key"`
	ContextWindow int    `json:"context_window"`
	// EmbeddingDim requests a fixed output dimension where the model
	// supports it (text-embedding-3-*).
	EmbeddingDim int `json:"embedding_dim"`
}

// NewProvider creates an LLM provider from configuration.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "openai", "custom":
		return newOpenAI(cfg), nil
	case "":
		return nil, fmt.Errorf("llm provider not specified")
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
}

// NewEmbedder creates an embedding provider from configuration.
func NewEmbedder(cfg Config) (Embedder, error) {
	switch cfg.Provider {
	case "openai", "custom":
		return newOpenAI(cfg), nil
	case "":
		return nil, fmt.Errorf("embedding provider not specified")
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}
}

// codeBlockRe strips markdown code fences from LLM output.
var codeBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// ExtractJSONObject attempts to find a valid JSON object in raw LLM text.
// It handles common quirks: markdown code blocks, text before/after JSON.
func ExtractJSONObject(raw string) (string, error) {
	if m := codeBlockRe.FindStringSubmatch(raw); len(m) > 1 {
		raw = m[1]
	}

	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, "{") {
		return raw, nil
	}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1], nil
	}

	return "", fmt.Errorf("no JSON object found in response")
}
