package domain

import "context"

// LLMProvider is the interface for any LLM backend.
type LLMProvider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Name returns the provider's identifier (e.g., "openai", "ollama").
	Name() string
}

// StreamDelta is a single incremental chunk from a streaming LLM response.
// A delta with Err set is terminal.
type StreamDelta struct {
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Done      bool       `json:"done,omitempty"`
	Usage     *Usage     `json:"usage,omitempty"`
	Err       error      `json:"-"`
}

// StreamingLLMProvider extends LLMProvider with streaming support.
type StreamingLLMProvider interface {
	LLMProvider
	// ChatStream sends a request and returns a channel of incremental deltas.
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamDelta, error)
}

// AvailabilityChecker is implemented by providers whose capability may be
// absent on this machine. Available returns nil when the model can serve.
type AvailabilityChecker interface {
	Available(ctx context.Context) error
}

// ProviderKind identifies a generation backend.
type ProviderKind string

const (
	ProviderOpenAI   ProviderKind = "openai"
	ProviderGemini   ProviderKind = "gemini"
	ProviderOnDevice ProviderKind = "ondevice"
)

// IsCloud reports whether the kind names a cloud-hosted provider.
func (k ProviderKind) IsCloud() bool {
	return k == ProviderOpenAI || k == ProviderGemini
}

// ProviderState is the live provider selection. Model is empty when no
// model handle could be initialized.
type ProviderState struct {
	Kind                  ProviderKind `json:"provider"`
	Model                 string       `json:"model,omitempty"`
	Offline               bool         `json:"offline"`
	LastUnavailableReason string       `json:"lastUnavailableReason,omitempty"`
}

// ModelHandle is a live, initialized model: a streaming provider that
// reports the model identifier it serves.
type ModelHandle interface {
	StreamingLLMProvider
	Model() string
}
