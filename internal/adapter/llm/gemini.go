package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"pagepilot/internal/domain"
	"pagepilot/internal/infra/config"
	"pagepilot/internal/infra/tracer"
)

var (
	_ domain.LLMProvider          = (*GeminiProvider)(nil)
	_ domain.StreamingLLMProvider = (*GeminiProvider)(nil)
)

// GeminiProvider implements domain.LLMProvider for the Google Gemini API
// (cloud provider B).
type GeminiProvider struct {
	name    string
	model   string
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger

	callSeq atomic.Uint64
}

// NewGeminiProvider creates a provider for the Google Gemini API. BaseURL
// includes the API version, e.g. https://generativelanguage.googleapis.com/v1beta.
func NewGeminiProvider(name string, cfg config.ProviderConfig, logger *slog.Logger) *GeminiProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	return &GeminiProvider{
		name:    name,
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  NewHTTPClient(cfg),
		logger:  logger,
	}
}

// Name implements domain.LLMProvider.
func (p *GeminiProvider) Name() string { return p.name }

// Model returns the configured model identifier.
func (p *GeminiProvider) Model() string { return p.model }

func (p *GeminiProvider) headers() map[string]string {
	return map[string]string{"x-goog-api-key": p.apiKey}
}

func (p *GeminiProvider) endpoint(model, method string) string {
	return fmt.Sprintf("%s/models/%s:%s", p.baseURL, url.PathEscape(model), method)
}

// Chat implements domain.LLMProvider.
func (p *GeminiProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if req.Model == "" {
		req.Model = p.model
	}
	ctx, span := startChatSpan(ctx, p.name, req.Model)
	defer span.End()

	body, err := json.Marshal(toGeminiRequest(req))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	respBody, err := doJSONRequest(ctx, p.client, p.endpoint(req.Model, "generateContent"), body, p.headers())
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	var gemResp geminiResponse
	if err := json.Unmarshal(respBody, &gemResp); err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("%w: unmarshal response: %v", domain.ErrProviderError, err)
	}

	result := p.fromGeminiResponse(gemResp)
	result.Model = req.Model
	setUsageAttrs(span, result.Usage)
	tracer.SetOK(span)
	logChatCompleted(p.logger, p.name, result)
	return result, nil
}

// ChatStream implements domain.StreamingLLMProvider.
func (p *GeminiProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	if req.Model == "" {
		req.Model = p.model
	}

	body, err := json.Marshal(toGeminiRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpResp, err := doStreamRequest(ctx, p.client, p.endpoint(req.Model, "streamGenerateContent")+"?alt=sse", body, p.headers())
	if err != nil {
		return nil, err
	}
	return streamSSE(ctx, httpResp.Body, geminiStreamDecoder{p: p}), nil
}

func (p *GeminiProvider) nextCallID(name string) string {
	return fmt.Sprintf("call_%s_%d", name, p.callSeq.Add(1))
}

// --- Gemini API wire types ---

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string              `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall `json:"functionCall,omitempty"`
	FunctionResponse *geminiFuncResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiFuncResponse struct {
	Name     string            `json:"name"`
	Response geminiFuncPayload `json:"response"`
}

type geminiFuncPayload struct {
	Content string `json:"content"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFuncDecl `json:"functionDeclarations"`
}

type geminiFuncDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata *geminiUsage      `json:"usageMetadata,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// toGeminiRequest maps the chat transcript onto Gemini contents. System
// messages are merged into systemInstruction; tool results travel as user
// functionResponse parts.
func toGeminiRequest(req domain.ChatRequest) geminiRequest {
	gemReq := geminiRequest{}
	var system []string

	for _, m := range req.Messages {
		switch {
		case m.Role == domain.RoleSystem:
			system = append(system, m.Content)
			continue
		case m.Role == domain.RoleTool:
			gemReq.Contents = append(gemReq.Contents, geminiContent{
				Role: "user",
				Parts: []geminiPart{{FunctionResponse: &geminiFuncResponse{
					Name:     m.Name,
					Response: geminiFuncPayload{Content: m.Content},
				}}},
			})
			continue
		}

		role := "user"
		if m.Role == domain.RoleAssistant {
			role = "model"
		}
		gc := geminiContent{Role: role}
		if m.Content != "" {
			gc.Parts = append(gc.Parts, geminiPart{Text: m.Content})
		}
		for _, tc := range m.ToolCalls {
			gc.Parts = append(gc.Parts, geminiPart{FunctionCall: &geminiFunctionCall{
				Name: tc.Name,
				Args: tc.Arguments,
			}})
		}
		if len(gc.Parts) == 0 {
			gc.Parts = []geminiPart{{Text: ""}}
		}
		gemReq.Contents = append(gemReq.Contents, gc)
	}

	if len(system) > 0 {
		gemReq.SystemInstruction = &geminiContent{
			Parts: []geminiPart{{Text: strings.Join(system, "\n\n")}},
		}
	}

	if req.Temperature > 0 || req.MaxTokens > 0 {
		gc := &geminiGenerationConfig{MaxOutputTokens: req.MaxTokens}
		if req.Temperature > 0 {
			t := req.Temperature
			gc.Temperature = &t
		}
		gemReq.GenerationConfig = gc
	}

	if len(req.Tools) > 0 {
		decls := make([]geminiFuncDecl, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, geminiFuncDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			})
		}
		gemReq.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}
	return gemReq
}

func (p *GeminiProvider) fromGeminiResponse(resp geminiResponse) *domain.ChatResponse {
	result := &domain.ChatResponse{CreatedAt: time.Now()}
	if resp.UsageMetadata != nil {
		result.Usage = geminiUsageOf(resp.UsageMetadata)
	}

	msg := domain.Message{Role: domain.RoleAssistant, Timestamp: result.CreatedAt}
	if len(resp.Candidates) > 0 {
		var text strings.Builder
		for _, part := range resp.Candidates[0].Content.Parts {
			if part.FunctionCall != nil {
				msg.ToolCalls = append(msg.ToolCalls, p.toolCallOf(part.FunctionCall))
				continue
			}
			text.WriteString(part.Text)
		}
		msg.Content = text.String()
	}
	result.Message = msg
	return result
}

func (p *GeminiProvider) toolCallOf(fc *geminiFunctionCall) domain.ToolCall {
	args := fc.Args
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	return domain.ToolCall{ID: p.nextCallID(fc.Name), Name: fc.Name, Arguments: args}
}

func geminiUsageOf(u *geminiUsage) domain.Usage {
	return domain.Usage{
		PromptTokens:     u.PromptTokenCount,
		CompletionTokens: u.CandidatesTokenCount,
		TotalTokens:      u.TotalTokenCount,
	}
}

// geminiStreamDecoder handles streamGenerateContent chunks, which carry the
// same shape as a full response. Function calls arrive whole.
type geminiStreamDecoder struct {
	p *GeminiProvider
}

func (d geminiStreamDecoder) decode(data []byte) (*domain.StreamDelta, error) {
	var chunk geminiResponse
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, err
	}
	delta := &domain.StreamDelta{}
	if len(chunk.Candidates) > 0 {
		for _, part := range chunk.Candidates[0].Content.Parts {
			if part.FunctionCall != nil {
				delta.ToolCalls = append(delta.ToolCalls, d.p.toolCallOf(part.FunctionCall))
				continue
			}
			delta.Content += part.Text
		}
	}
	if chunk.UsageMetadata != nil {
		u := geminiUsageOf(chunk.UsageMetadata)
		delta.Usage = &u
	}
	return delta, nil
}

func (geminiStreamDecoder) flush() *domain.StreamDelta { return nil }
