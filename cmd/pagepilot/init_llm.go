package main

import (
	"context"
	"log/slog"

	"pagepilot/internal/adapter/llm"
	"pagepilot/internal/domain"
	"pagepilot/internal/infra/config"
	"pagepilot/internal/infra/logger"
	"pagepilot/internal/usecase"
)

// LLMComponents holds the provider selection and prompt assembly.
type LLMComponents struct {
	Factory  *llm.Factory
	Selector *usecase.ProviderSelector
	Prompt   *usecase.PromptAssembler
}

// initLLM builds the provider factory and applies the initial mode. A missing
// credential is not fatal: the first turn falls back to the on-device model.
func initLLM(ctx context.Context, cfg *config.Config, log *slog.Logger) *LLMComponents {
	factory := llm.NewFactory(cfg.LLM, logger.Component(log, "llm"))

	cloud := domain.ProviderKind(cfg.LLM.Provider)
	selector := usecase.NewProviderSelector(factory, cloud, logger.Component(log, "selector"))
	if !selector.Init(ctx, cfg.LLM.Offline) {
		log.Warn("no model is usable yet", "reason", selector.State().LastUnavailableReason)
	}

	model := cfg.LLM.OpenAI.Model
	if cloud == domain.ProviderGemini {
		model = cfg.LLM.Gemini.Model
	}
	counter := usecase.NewTokenCounter(model, log)

	if cfg.LLM.Breaker.Enabled {
		log.Info("llm circuit breaker enabled",
			"max_failures", cfg.LLM.Breaker.MaxFailures,
			"timeout", cfg.LLM.Breaker.Timeout,
		)
	}

	return &LLMComponents{
		Factory:  factory,
		Selector: selector,
		Prompt:   usecase.NewPromptAssembler(cfg.Prompt, counter),
	}
}
