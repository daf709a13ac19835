package llm

import (
	"fmt"
	"log/slog"

	"pagepilot/internal/domain"
	"pagepilot/internal/infra/config"
)

var (
	_ domain.ModelHandle = (*OpenAIProvider)(nil)
	_ domain.ModelHandle = (*GeminiProvider)(nil)
	_ domain.ModelHandle = (*OllamaProvider)(nil)
	_ domain.ModelHandle = (*CircuitBreakerProvider)(nil)
)

// Factory builds provider handles from configuration. It is the only place
// that knows which concrete client backs each ProviderKind.
type Factory struct {
	cfg    config.LLMConfig
	logger *slog.Logger
}

// NewFactory creates a Factory over the LLM config section.
func NewFactory(cfg config.LLMConfig, logger *slog.Logger) *Factory {
	return &Factory{cfg: cfg, logger: logger}
}

// ProviderConfig returns the settings for kind.
func (f *Factory) ProviderConfig(kind domain.ProviderKind) (config.ProviderConfig, error) {
	switch kind {
	case domain.ProviderOpenAI:
		return f.cfg.OpenAI, nil
	case domain.ProviderGemini:
		return f.cfg.Gemini, nil
	case domain.ProviderOnDevice:
		return f.cfg.OnDevice, nil
	default:
		return config.ProviderConfig{}, domain.NewDomainError("Factory.ProviderConfig", domain.ErrProviderNotFound, string(kind))
	}
}

// NewCloud builds a handle for a cloud kind. model overrides the configured
// model when non-empty. A missing API key yields ErrProviderNotConfigured.
func (f *Factory) NewCloud(kind domain.ProviderKind, model string) (domain.ModelHandle, error) {
	if !kind.IsCloud() {
		return nil, domain.NewDomainError("Factory.NewCloud", domain.ErrProviderNotFound, string(kind))
	}
	pc, err := f.ProviderConfig(kind)
	if err != nil {
		return nil, err
	}
	if pc.APIKey == "" {
		return nil, domain.NewDomainError("Factory.NewCloud", domain.ErrProviderNotConfigured,
			fmt.Sprintf("set llm.%s.api_key", kind))
	}
	if model != "" {
		pc.Model = model
	}

	var h domain.ModelHandle
	switch kind {
	case domain.ProviderOpenAI:
		h = NewOpenAIProvider(string(kind), pc, f.logger)
	case domain.ProviderGemini:
		h = NewGeminiProvider(string(kind), pc, f.logger)
	}
	if f.cfg.Breaker.Enabled {
		h = NewCircuitBreakerProvider(h, f.cfg.Breaker, f.logger)
	}
	return h, nil
}

// NewOnDevice builds the on-device handle. It does not probe availability;
// the returned handle implements domain.AvailabilityChecker for that.
func (f *Factory) NewOnDevice() (domain.ModelHandle, error) {
	if f.cfg.OnDevice.Model == "" {
		return nil, domain.NewDomainError("Factory.NewOnDevice", domain.ErrOnDeviceUnavailable, "no on-device model configured")
	}
	return NewOllamaProvider(f.cfg.OnDevice, f.logger), nil
}
