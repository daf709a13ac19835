package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
// Missing API keys are not errors: the provider selector reports them at run time.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateGateway(cfg, ve)
	validateLLM(cfg, ve)
	validateConnectivity(cfg, ve)
	validatePrompt(cfg, ve)
	validateBrowser(cfg, ve)
	validateTranscript(cfg, ve)
	validateLogger(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateGateway(cfg *Config, ve *ValidationError) {
	g := cfg.Gateway
	if !g.Enabled {
		return
	}
	if g.Addr == "" {
		ve.Add("gateway.addr is required when gateway is enabled")
	} else if _, _, err := net.SplitHostPort(g.Addr); err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", g.Addr)
	}
	if !strings.HasPrefix(g.Path, "/") {
		ve.Add("gateway.path %q must start with /", g.Path)
	}
	if g.PingInterval <= 0 {
		ve.Add("gateway.ping_interval must be > 0")
	}
	if g.TokenTTL <= 0 {
		ve.Add("gateway.token_ttl must be > 0")
	} else if g.TokenTTL > 24*time.Hour {
		ve.Add("gateway.token_ttl %s exceeds 24h", g.TokenTTL)
	}
	if g.SigningSecret != "" && len(g.SigningSecret) < 16 {
		ve.Add("gateway.signing_secret must be at least 16 bytes")
	}
	if g.PublicBaseURL != "" {
		u, err := url.Parse(g.PublicBaseURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			ve.Add("gateway.public_base_url %q must be a ws:// or wss:// URL", g.PublicBaseURL)
		}
	}
	if g.CommandRate <= 0 {
		ve.Add("gateway.command_rate must be > 0")
	}
	if g.CommandBurst <= 0 {
		ve.Add("gateway.command_burst must be > 0")
	}
	if g.HandshakeRate < 0 {
		ve.Add("gateway.handshakes_per_minute must be >= 0")
	}
}

var validCloudProviders = map[string]bool{
	"openai": true,
	"gemini": true,
}

func validateLLM(cfg *Config, ve *ValidationError) {
	if !validCloudProviders[cfg.LLM.Provider] {
		ve.Add("llm.provider %q is invalid (want: openai, gemini)", cfg.LLM.Provider)
	}
	providers := map[string]ProviderConfig{
		"openai":   cfg.LLM.OpenAI,
		"gemini":   cfg.LLM.Gemini,
		"ondevice": cfg.LLM.OnDevice,
	}
	for name, p := range providers {
		if p.Model == "" {
			ve.Add("llm.%s.model must not be empty", name)
		}
		if p.BaseURL != "" {
			if u, err := url.Parse(p.BaseURL); err != nil || u.Host == "" {
				ve.Add("llm.%s.base_url %q is not a valid URL", name, p.BaseURL)
			}
		}
	}
	if cfg.LLM.Breaker.Enabled && cfg.LLM.Breaker.MaxFailures == 0 {
		ve.Add("llm.breaker.max_failures must be > 0 when the breaker is enabled")
	}
}

func validateConnectivity(cfg *Config, ve *ValidationError) {
	c := cfg.Connectivity
	if !c.Enabled {
		return
	}
	if u, err := url.Parse(c.CheckURL); err != nil || u.Host == "" {
		ve.Add("connectivity.check_url %q is not a valid URL", c.CheckURL)
	}
	if c.Timeout <= 0 || c.Timeout > 5*time.Second {
		ve.Add("connectivity.timeout must be in (0, 5s]")
	}
	if c.Interval <= 0 {
		ve.Add("connectivity.interval must be > 0")
	}
}

func validatePrompt(cfg *Config, ve *ValidationError) {
	p := cfg.Prompt
	if p.OnDeviceExcerpt <= 0 {
		ve.Add("prompt.ondevice_excerpt must be > 0")
	}
	if p.CloudExcerpt <= 0 {
		ve.Add("prompt.cloud_excerpt must be > 0")
	}
	if p.OnDeviceHistory < 0 {
		ve.Add("prompt.ondevice_history must be >= 0")
	}
	if p.HistoryTokens <= 0 {
		ve.Add("prompt.history_tokens must be > 0")
	}
}

var validBrowserBackends = map[string]bool{
	"fetch":    true,
	"chromedp": true,
}

func validateBrowser(cfg *Config, ve *ValidationError) {
	if !validBrowserBackends[cfg.Browser.Backend] {
		ve.Add("browser.backend %q is invalid (want: fetch, chromedp)", cfg.Browser.Backend)
	}
	if cfg.Browser.Timeout <= 0 {
		ve.Add("browser.timeout must be > 0")
	}
}

func validateTranscript(cfg *Config, ve *ValidationError) {
	if cfg.Transcript.Enabled && cfg.Transcript.Path == "" {
		ve.Add("transcript.path is required when transcript is enabled")
	}
}

var validLogFormats = map[string]bool{"text": true, "json": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogFormats[strings.ToLower(cfg.Logger.Format)] {
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}
