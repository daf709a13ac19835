package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"pagepilot/internal/domain"
	"pagepilot/internal/infra/config"
	"pagepilot/internal/infra/tracer"
)

var (
	_ domain.LLMProvider          = (*OpenAIProvider)(nil)
	_ domain.StreamingLLMProvider = (*OpenAIProvider)(nil)
)

// OpenAIProvider implements domain.LLMProvider for any OpenAI-compatible
// chat completions API. It backs cloud provider A and, through
// OllamaProvider, the on-device model.
type OpenAIProvider struct {
	name    string
	model   string
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewOpenAIProvider creates a provider with configured timeouts.
func NewOpenAIProvider(name string, cfg config.ProviderConfig, logger *slog.Logger) *OpenAIProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		name:    name,
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  NewHTTPClient(cfg),
		logger:  logger,
	}
}

// Name implements domain.LLMProvider.
func (p *OpenAIProvider) Name() string { return p.name }

// Model returns the configured model identifier.
func (p *OpenAIProvider) Model() string { return p.model }

// Chat implements domain.LLMProvider.
func (p *OpenAIProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if req.Model == "" {
		req.Model = p.model
	}
	ctx, span := startChatSpan(ctx, p.name, req.Model)
	defer span.End()

	req.Stream = false
	body, err := json.Marshal(toOpenAIRequest(req))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	respBody, err := doJSONRequest(ctx, p.client, p.baseURL+"/chat/completions", body, bearer(p.apiKey))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	var oaiResp openaiResponse
	if err := json.Unmarshal(respBody, &oaiResp); err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("%w: unmarshal response: %v", domain.ErrProviderError, err)
	}

	result := fromOpenAIResponse(oaiResp)
	setUsageAttrs(span, result.Usage)
	tracer.SetOK(span)
	logChatCompleted(p.logger, p.name, result)
	return result, nil
}

// ChatStream implements domain.StreamingLLMProvider.
func (p *OpenAIProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	if req.Model == "" {
		req.Model = p.model
	}
	req.Stream = true

	oaiReq := toOpenAIRequest(req)
	oaiReq.StreamOptions = &openaiStreamOptions{IncludeUsage: true}
	body, err := json.Marshal(oaiReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpResp, err := doStreamRequest(ctx, p.client, p.baseURL+"/chat/completions", body, bearer(p.apiKey))
	if err != nil {
		return nil, err
	}
	return streamSSE(ctx, httpResp.Body, &openaiStreamDecoder{}), nil
}

// --- OpenAI API wire types ---

type openaiRequest struct {
	Model         string               `json:"model"`
	Messages      []openaiMessage      `json:"messages"`
	Tools         []openaiTool         `json:"tools,omitempty"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	Temperature   *float64             `json:"temperature,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	StreamOptions *openaiStreamOptions `json:"stream_options,omitempty"`
}

type openaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	Name       string           `json:"name,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiTool struct {
	Type     string             `json:"type"`
	Function openaiToolFunction `json:"function"`
}

type openaiToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type openaiToolCall struct {
	Index    *int                   `json:"index,omitempty"`
	ID       string                 `json:"id,omitempty"`
	Type     string                 `json:"type,omitempty"`
	Function openaiToolCallFunction `json:"function"`
}

type openaiToolCallFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
	Created int64          `json:"created"`
}

type openaiChoice struct {
	Index        int           `json:"index"`
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openaiStreamChunk struct {
	ID      string               `json:"id"`
	Choices []openaiStreamChoice `json:"choices"`
	Usage   *openaiUsage         `json:"usage,omitempty"`
}

type openaiStreamChoice struct {
	Delta        openaiStreamDelta `json:"delta"`
	FinishReason *string           `json:"finish_reason"`
}

type openaiStreamDelta struct {
	Content   string           `json:"content,omitempty"`
	ToolCalls []openaiToolCall `json:"tool_calls,omitempty"`
}

func toOpenAIRequest(req domain.ChatRequest) openaiRequest {
	msgs := make([]openaiMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		oaiMsg := openaiMessage{
			Role:    m.Role,
			Content: m.Content,
			Name:    m.Name,
		}
		if m.Role == domain.RoleTool {
			oaiMsg.ToolCallID = m.ToolCallID
			oaiMsg.Name = ""
		}
		for _, tc := range m.ToolCalls {
			oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openaiToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openaiToolCallFunction{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		msgs = append(msgs, oaiMsg)
	}

	oaiReq := openaiRequest{
		Model:     req.Model,
		Messages:  msgs,
		Stream:    req.Stream,
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature > 0 {
		t := req.Temperature
		oaiReq.Temperature = &t
	}
	for _, t := range req.Tools {
		oaiReq.Tools = append(oaiReq.Tools, openaiTool{
			Type: "function",
			Function: openaiToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return oaiReq
}

func fromOpenAIResponse(resp openaiResponse) *domain.ChatResponse {
	result := &domain.ChatResponse{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		CreatedAt: time.Unix(resp.Created, 0),
	}
	if len(resp.Choices) == 0 {
		result.Message = domain.Message{Role: domain.RoleAssistant, Timestamp: result.CreatedAt}
		return result
	}

	choice := resp.Choices[0]
	msg := domain.Message{
		Role:      domain.RoleAssistant,
		Content:   choice.Message.Content,
		Timestamp: result.CreatedAt,
	}
	for _, tc := range choice.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	result.Message = msg
	return result
}

// openaiStreamDecoder accumulates tool call fragments by index. The API
// sends the id and name once, then the arguments in pieces; calls are only
// emitted whole, on finish_reason or at end of stream.
type openaiStreamDecoder struct {
	pending map[int]*domain.ToolCall
	args    map[int]*strings.Builder
}

func (d *openaiStreamDecoder) decode(data []byte) (*domain.StreamDelta, error) {
	var chunk openaiStreamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, err
	}

	delta := &domain.StreamDelta{}
	if len(chunk.Choices) > 0 {
		c := chunk.Choices[0]
		delta.Content = c.Delta.Content
		for i, tc := range c.Delta.ToolCalls {
			idx := i
			if tc.Index != nil {
				idx = *tc.Index
			}
			d.addFragment(idx, tc)
		}
		// Usage arrives in a trailing chunk after finish_reason when
		// include_usage is set, so finishing is left to [DONE] then.
	}
	if chunk.Usage != nil {
		delta.Usage = &domain.Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}
	}
	return delta, nil
}

func (d *openaiStreamDecoder) addFragment(idx int, tc openaiToolCall) {
	if d.pending == nil {
		d.pending = make(map[int]*domain.ToolCall)
		d.args = make(map[int]*strings.Builder)
	}
	call, ok := d.pending[idx]
	if !ok {
		call = &domain.ToolCall{}
		d.pending[idx] = call
		d.args[idx] = &strings.Builder{}
	}
	if tc.ID != "" {
		call.ID = tc.ID
	}
	if tc.Function.Name != "" {
		call.Name = tc.Function.Name
	}
	d.args[idx].WriteString(tc.Function.Arguments)
}

func (d *openaiStreamDecoder) flush() *domain.StreamDelta {
	if len(d.pending) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(d.pending))
	for idx := range d.pending {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	delta := &domain.StreamDelta{}
	for _, idx := range indexes {
		call := *d.pending[idx]
		args := d.args[idx].String()
		if args == "" {
			args = "{}"
		}
		call.Arguments = json.RawMessage(args)
		if call.ID == "" {
			call.ID = fmt.Sprintf("call_%d", idx)
		}
		delta.ToolCalls = append(delta.ToolCalls, call)
	}
	d.pending = nil
	d.args = nil
	return delta
}
