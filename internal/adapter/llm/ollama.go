package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"pagepilot/internal/domain"
	"pagepilot/internal/infra/config"
)

var (
	_ domain.LLMProvider          = (*OllamaProvider)(nil)
	_ domain.StreamingLLMProvider = (*OllamaProvider)(nil)
	_ domain.AvailabilityChecker  = (*OllamaProvider)(nil)
)

// Default Ollama timeouts: short connect (local), long response (model loading).
const (
	ollamaDefaultConnTimeout = 5 * time.Second
	ollamaDefaultRespTimeout = 300 * time.Second
)

// OllamaProvider is the on-device model. Ollama exposes an OpenAI-compatible
// endpoint at /v1, so chat and stream are delegated to an inner
// OpenAIProvider; model listing and warmup use the native API.
type OllamaProvider struct {
	inner   *OpenAIProvider
	baseURL string // native API base, without /v1
	client  *http.Client
	logger  *slog.Logger
}

// OllamaModel describes a locally available model.
type OllamaModel struct {
	Name       string    `json:"name"`
	ModifiedAt time.Time `json:"modified_at"`
	Size       int64     `json:"size"`
}

// NewOllamaProvider creates the on-device provider.
func NewOllamaProvider(cfg config.ProviderConfig, logger *slog.Logger) *OllamaProvider {
	ollamaCfg := cfg
	if ollamaCfg.ConnTimeout == 0 {
		ollamaCfg.ConnTimeout = ollamaDefaultConnTimeout
	}
	if ollamaCfg.RespTimeout == 0 {
		ollamaCfg.RespTimeout = ollamaDefaultRespTimeout
	}
	client := NewHTTPClient(ollamaCfg)

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	name := string(domain.ProviderOnDevice)

	return &OllamaProvider{
		inner: &OpenAIProvider{
			name:    name,
			model:   cfg.Model,
			baseURL: baseURL + "/v1",
			client:  client,
			logger:  logger,
		},
		baseURL: baseURL,
		client:  client,
		logger:  logger,
	}
}

// Name implements domain.LLMProvider.
func (p *OllamaProvider) Name() string { return p.inner.Name() }

// Model returns the configured model identifier.
func (p *OllamaProvider) Model() string { return p.inner.model }

// Chat implements domain.LLMProvider.
func (p *OllamaProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	resp, err := p.inner.Chat(ctx, req)
	return resp, mapLocaleError(err)
}

// ChatStream implements domain.StreamingLLMProvider. Mid-stream errors are
// mapped the same way as request errors.
func (p *OllamaProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	in, err := p.inner.ChatStream(ctx, req)
	if err != nil {
		return nil, mapLocaleError(err)
	}
	out := make(chan domain.StreamDelta, cap(in))
	go func() {
		defer close(out)
		for d := range in {
			d.Err = mapLocaleError(d.Err)
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Available implements domain.AvailabilityChecker: the server must answer
// and the configured model must be pulled.
func (p *OllamaProvider) Available(ctx context.Context) error {
	models, err := p.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrOnDeviceUnavailable, err)
	}
	want := p.inner.model
	for _, m := range models {
		if m.Name == want || m.Name == want+":latest" {
			return nil
		}
	}
	return fmt.Errorf("%w: model %q is not installed", domain.ErrOnDeviceUnavailable, want)
}

// ListModels returns the locally available models.
func (p *OllamaProvider) ListModels(ctx context.Context) ([]OllamaModel, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, mapTransportError(err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, mapHTTPError(httpResp.StatusCode, body)
	}

	var resp struct {
		Models []OllamaModel `json:"models"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return resp.Models, nil
}

// Warmup asks the server to load the model so the first turn does not pay
// the load latency.
func (p *OllamaProvider) Warmup(ctx context.Context) error {
	model := p.inner.model
	p.logger.Info("warming up on-device model", "model", model, "base_url", p.baseURL)

	payload, _ := json.Marshal(map[string]string{"model": model, "keep_alive": "5m"})
	resp, err := postJSON(ctx, p.client, p.baseURL+"/api/generate", payload, nil)
	if err != nil {
		return fmt.Errorf("warmup: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	p.logger.Info("on-device model warmed up", "model", model)
	return nil
}

// localeMarkers are fragments of the errors local models return when asked
// to generate in a language they were not built for.
var localeMarkers = []string{
	"unsupported language",
	"language not supported",
	"unsupported locale",
	"locale not supported",
}

func mapLocaleError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, m := range localeMarkers {
		if strings.Contains(msg, m) {
			return fmt.Errorf("%w: %v", domain.ErrUnsupportedLocale, err)
		}
	}
	return err
}
