package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagepilot/internal/domain"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Gateway.Path != "/bridge" {
		t.Errorf("Gateway.Path = %q, want %q", cfg.Gateway.Path, "/bridge")
	}
	if cfg.Gateway.TokenTTL != 5*time.Minute {
		t.Errorf("Gateway.TokenTTL = %v, want 5m", cfg.Gateway.TokenTTL)
	}
	if cfg.LLM.Provider != "openai" {
		t.Errorf("LLM.Provider = %q, want %q", cfg.LLM.Provider, "openai")
	}
	if cfg.Connectivity.Timeout != 1500*time.Millisecond {
		t.Errorf("Connectivity.Timeout = %v, want 1.5s", cfg.Connectivity.Timeout)
	}
	if cfg.Prompt.OnDeviceExcerpt >= cfg.Prompt.CloudExcerpt {
		t.Errorf("on-device excerpt cap %d should be below cloud cap %d",
			cfg.Prompt.OnDeviceExcerpt, cfg.Prompt.CloudExcerpt)
	}
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Addr != ":8765" {
		t.Errorf("expected defaults, got Gateway.Addr=%q", cfg.Gateway.Addr)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
gateway:
  addr: "127.0.0.1:9000"
  ping_interval: 10s
  token_ttl: 2m
  signing_secret: "0123456789abcdef0123"
llm:
  provider: gemini
  offline: true
  gemini:
    api_key: "g-key"
    model: "gemini-2.0-flash"
browser:
  backend: chromedp
  cdp_url: "ws://127.0.0.1:9222"
logger:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Gateway.Addr)
	assert.Equal(t, 10*time.Second, cfg.Gateway.PingInterval)
	assert.Equal(t, 2*time.Minute, cfg.Gateway.TokenTTL)
	assert.Equal(t, "gemini", cfg.LLM.Provider)
	assert.True(t, cfg.LLM.Offline)
	assert.Equal(t, "g-key", cfg.LLM.Gemini.APIKey)
	assert.Equal(t, "chromedp", cfg.Browser.Backend)
	assert.Equal(t, "debug", cfg.Logger.Level)
	// Untouched sections keep their defaults.
	assert.Equal(t, "/bridge", cfg.Gateway.Path)
	assert.Equal(t, 6000, cfg.Prompt.CloudExcerpt)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gateway: [\n"), 0600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
	assert.ErrorIs(t, err, domain.ErrConfigLoad)
}

func TestLoadRejectsWorldWritable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logger:\n  level: info\n"), 0600))
	require.NoError(t, os.Chmod(path, 0o666))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure permissions")
}

func TestLoadValidationFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm:\n  provider: bedrock\n"), 0600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm.provider")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "plain-key")
	t.Setenv("PAGEPILOT_GEMINI_API_KEY", "gem-key")
	t.Setenv("PAGEPILOT_LLM_PROVIDER", "gemini")
	t.Setenv("PAGEPILOT_LLM_OFFLINE", "true")
	t.Setenv("PAGEPILOT_GATEWAY_PING_INTERVAL", "12s")
	t.Setenv("PAGEPILOT_LOGGER_LEVEL", "debug")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.LLM.OpenAI.APIKey != "plain-key" {
		t.Errorf("OpenAI.APIKey = %q, want %q", cfg.LLM.OpenAI.APIKey, "plain-key")
	}
	if cfg.LLM.Gemini.APIKey != "gem-key" {
		t.Errorf("Gemini.APIKey = %q, want %q", cfg.LLM.Gemini.APIKey, "gem-key")
	}
	if cfg.LLM.Provider != "gemini" || !cfg.LLM.Offline {
		t.Errorf("LLM = %+v", cfg.LLM)
	}
	if cfg.Gateway.PingInterval != 12*time.Second {
		t.Errorf("PingInterval = %v, want 12s", cfg.Gateway.PingInterval)
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "debug")
	}
}

func TestEnvOverridePrefixedKeyWins(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "generic")
	t.Setenv("PAGEPILOT_OPENAI_API_KEY", "specific")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)
	if cfg.LLM.OpenAI.APIKey != "specific" {
		t.Errorf("APIKey = %q, want %q", cfg.LLM.OpenAI.APIKey, "specific")
	}
}

func TestEncryptDecryptValue(t *testing.T) {
	enc, err := EncryptValue("sk-secret", "passphrase")
	require.NoError(t, err)
	assert.NotContains(t, enc, "sk-secret")

	got, err := DecryptValue(enc, "passphrase")
	require.NoError(t, err)
	assert.Equal(t, "sk-secret", got)

	_, err = DecryptValue(enc, "wrong")
	assert.Error(t, err)

	_, err = DecryptValue("no-separator", "passphrase")
	assert.Error(t, err)
}

func TestLoadDecryptsSecrets(t *testing.T) {
	enc, err := EncryptValue("sk-live", "k3y")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "llm:\n  openai:\n    api_key: \"enc:" + enc + "\"\n    model: gpt-4o-mini\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("PAGEPILOT_OPENAI_API_KEY", "")
	t.Setenv("PAGEPILOT_CONFIG_KEY", "k3y")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-live", cfg.LLM.OpenAI.APIKey)
	assert.False(t, strings.HasPrefix(cfg.LLM.OpenAI.APIKey, "enc:"))

	t.Setenv("PAGEPILOT_CONFIG_KEY", "wrong")
	_, err = Load(path)
	assert.ErrorIs(t, err, domain.ErrDecryption)
}
