package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sony/gobreaker/v2"

	"pagepilot/internal/domain"
	"pagepilot/internal/infra/config"
)

var (
	_ domain.LLMProvider          = (*CircuitBreakerProvider)(nil)
	_ domain.StreamingLLMProvider = (*CircuitBreakerProvider)(nil)
)

// CircuitBreakerProvider wraps a cloud provider with circuit breaker
// protection. When the provider fails repeatedly the circuit opens and
// turns fail fast with ErrProviderError instead of waiting on a dead API.
type CircuitBreakerProvider struct {
	inner   domain.LLMProvider
	breaker *gobreaker.CircuitBreaker[*domain.ChatResponse]
	logger  *slog.Logger
}

// NewCircuitBreakerProvider wraps inner with a circuit breaker. Zero fields
// in cfg fall back to the config defaults.
func NewCircuitBreakerProvider(inner domain.LLMProvider, cfg config.BreakerConfig, logger *slog.Logger) *CircuitBreakerProvider {
	def := config.Defaults().LLM.Breaker
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Interval == 0 {
		cfg.Interval = def.Interval
	}

	cb := gobreaker.NewCircuitBreaker[*domain.ChatResponse](gobreaker.Settings{
		Name:        "llm:" + inner.Name(),
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// Caller mistakes and cancellations say nothing about provider health.
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, domain.ErrAuthInvalid) ||
				errors.Is(err, domain.ErrContextOverflow)
		},
	})

	return &CircuitBreakerProvider{inner: inner, breaker: cb, logger: logger}
}

// Name implements domain.LLMProvider.
func (p *CircuitBreakerProvider) Name() string { return p.inner.Name() }

// Model forwards to the wrapped provider when it reports one.
func (p *CircuitBreakerProvider) Model() string {
	if m, ok := p.inner.(interface{ Model() string }); ok {
		return m.Model()
	}
	return ""
}

// Chat implements domain.LLMProvider.
func (p *CircuitBreakerProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	resp, err := p.breaker.Execute(func() (*domain.ChatResponse, error) {
		return p.inner.Chat(ctx, req)
	})
	if err != nil {
		return nil, p.wrapOpen(err)
	}
	return resp, nil
}

// ChatStream implements domain.StreamingLLMProvider. The breaker guards
// stream initiation; errors after the first byte travel through the channel.
func (p *CircuitBreakerProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	sp, ok := p.inner.(domain.StreamingLLMProvider)
	if !ok {
		resp, err := p.Chat(ctx, req)
		if err != nil {
			return nil, err
		}
		ch := make(chan domain.StreamDelta, 1)
		ch <- domain.StreamDelta{Content: resp.Message.Content, ToolCalls: resp.Message.ToolCalls, Done: true, Usage: &resp.Usage}
		close(ch)
		return ch, nil
	}

	var ch <-chan domain.StreamDelta
	_, err := p.breaker.Execute(func() (*domain.ChatResponse, error) {
		var streamErr error
		ch, streamErr = sp.ChatStream(ctx, req)
		return nil, streamErr
	})
	if err != nil {
		return nil, p.wrapOpen(err)
	}
	return ch, nil
}

func (p *CircuitBreakerProvider) wrapOpen(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: provider %q circuit open: %v", domain.ErrProviderError, p.inner.Name(), err)
	}
	return err
}

// State returns the current breaker state.
func (p *CircuitBreakerProvider) State() gobreaker.State {
	return p.breaker.State()
}
