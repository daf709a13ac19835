package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestValidateDefaultsPass(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("Defaults should pass validation: %v", err)
	}
}

func TestValidateCases(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"gateway addr", func(c *Config) { c.Gateway.Addr = "nope" }, "gateway.addr \"nope\" is not a valid host:port"},
		{"gateway path", func(c *Config) { c.Gateway.Path = "bridge" }, "gateway.path \"bridge\" must start with /"},
		{"ping interval", func(c *Config) { c.Gateway.PingInterval = 0 }, "gateway.ping_interval must be > 0"},
		{"token ttl", func(c *Config) { c.Gateway.TokenTTL = 48 * time.Hour }, "gateway.token_ttl 48h0m0s exceeds 24h"},
		{"short secret", func(c *Config) { c.Gateway.SigningSecret = "short" }, "gateway.signing_secret must be at least 16 bytes"},
		{"public url", func(c *Config) { c.Gateway.PublicBaseURL = "http://x" }, "must be a ws:// or wss:// URL"},
		{"command rate", func(c *Config) { c.Gateway.CommandRate = 0 }, "gateway.command_rate must be > 0"},
		{"provider", func(c *Config) { c.LLM.Provider = "bedrock" }, "llm.provider \"bedrock\" is invalid"},
		{"model", func(c *Config) { c.LLM.OnDevice.Model = "" }, "llm.ondevice.model must not be empty"},
		{"breaker", func(c *Config) { c.LLM.Breaker.MaxFailures = 0 }, "llm.breaker.max_failures must be > 0"},
		{"probe timeout", func(c *Config) { c.Connectivity.Timeout = 10 * time.Second }, "connectivity.timeout must be in (0, 5s]"},
		{"excerpt", func(c *Config) { c.Prompt.CloudExcerpt = 0 }, "prompt.cloud_excerpt must be > 0"},
		{"browser backend", func(c *Config) { c.Browser.Backend = "webkit" }, "browser.backend \"webkit\" is invalid"},
		{"transcript path", func(c *Config) { c.Transcript.Enabled = true; c.Transcript.Path = "" }, "transcript.path is required"},
		{"log format", func(c *Config) { c.Logger.Format = "xml" }, "logger.format \"xml\" is invalid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			assertContains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateGatewayDisabledSkipsChecks(t *testing.T) {
	cfg := Defaults()
	cfg.Gateway.Enabled = false
	cfg.Gateway.Addr = ""
	if err := Validate(cfg); err != nil {
		t.Fatalf("disabled gateway should not be validated: %v", err)
	}
}

func TestValidateAccumulates(t *testing.T) {
	cfg := Defaults()
	cfg.Gateway.PingInterval = 0
	cfg.Prompt.HistoryTokens = 0
	cfg.Browser.Timeout = 0

	err := Validate(cfg)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error type = %T, want *ValidationError", err)
	}
	if len(ve.Errors) != 3 {
		t.Errorf("errors = %d, want 3: %v", len(ve.Errors), ve.Errors)
	}
}

func TestValidateMissingAPIKeyIsNotAnError(t *testing.T) {
	cfg := Defaults()
	cfg.LLM.OpenAI.APIKey = ""
	cfg.LLM.Gemini.APIKey = ""
	if err := Validate(cfg); err != nil {
		t.Fatalf("missing keys are reported at run time, got %v", err)
	}
}

func assertContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("expected %q to contain %q", s, substr)
	}
}
