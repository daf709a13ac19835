package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagepilot/internal/domain"
	"pagepilot/internal/infra/config"
)

func newTestOllama(t *testing.T, model string, handler http.HandlerFunc) *OllamaProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOllamaProvider(config.ProviderConfig{BaseURL: srv.URL, Model: model}, slog.New(slog.DiscardHandler))
}

func tagsHandler(names ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"models":[`)
		for i, n := range names {
			if i > 0 {
				fmt.Fprint(w, ",")
			}
			fmt.Fprintf(w, `{"name":%q}`, n)
		}
		fmt.Fprint(w, `]}`)
	}
}

func TestOllamaAvailable(t *testing.T) {
	p := newTestOllama(t, "llama3.2:3b", tagsHandler("qwen2:7b", "llama3.2:3b"))
	assert.NoError(t, p.Available(context.Background()))
	assert.Equal(t, "ondevice", p.Name())
	assert.Equal(t, "llama3.2:3b", p.Model())
}

func TestOllamaAvailableLatestTag(t *testing.T) {
	p := newTestOllama(t, "phi3", tagsHandler("phi3:latest"))
	assert.NoError(t, p.Available(context.Background()))
}

func TestOllamaAvailableModelMissing(t *testing.T) {
	p := newTestOllama(t, "llama3.2:3b", tagsHandler("qwen2:7b"))
	err := p.Available(context.Background())
	assert.ErrorIs(t, err, domain.ErrOnDeviceUnavailable)
	assert.Contains(t, err.Error(), "llama3.2:3b")
}

func TestOllamaAvailableServerDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := NewOllamaProvider(config.ProviderConfig{BaseURL: url, Model: "m"}, slog.New(slog.DiscardHandler))
	assert.ErrorIs(t, p.Available(context.Background()), domain.ErrOnDeviceUnavailable)
}

func TestOllamaChatUsesV1AndMapsLocale(t *testing.T) {
	p := newTestOllama(t, "m", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))
		http.Error(w, `{"error":"unsupported language: ja"}`, http.StatusBadRequest)
	})
	_, err := p.Chat(context.Background(), domain.ChatRequest{})
	assert.ErrorIs(t, err, domain.ErrUnsupportedLocale)
}

func TestOllamaChatStream(t *testing.T) {
	p := newTestOllama(t, "m", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"local"}}]}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	ch, err := p.ChatStream(context.Background(), domain.ChatRequest{})
	require.NoError(t, err)

	var text string
	for d := range ch {
		text += d.Content
	}
	assert.Equal(t, "local", text)
}

func TestOllamaWarmup(t *testing.T) {
	var called atomic.Bool
	p := newTestOllama(t, "m", func(w http.ResponseWriter, r *http.Request) {
		called.Store(r.URL.Path == "/api/generate")
		fmt.Fprint(w, `{"done":true}`)
	})
	require.NoError(t, p.Warmup(context.Background()))
	assert.True(t, called.Load())
}

func TestMapLocaleError(t *testing.T) {
	assert.Nil(t, mapLocaleError(nil))
	plain := errors.New("boom")
	assert.Same(t, plain, mapLocaleError(plain))
	assert.ErrorIs(t, mapLocaleError(errors.New("Locale not supported by model")), domain.ErrUnsupportedLocale)
}
