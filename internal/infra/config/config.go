package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"

	"pagepilot/internal/domain"
)

// Config is the top-level application configuration. It is read once at
// startup and never reloaded.
type Config struct {
	Gateway      GatewayConfig      `yaml:"gateway"`
	LLM          LLMConfig          `yaml:"llm"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Prompt       PromptConfig       `yaml:"prompt"`
	Browser      BrowserConfig      `yaml:"browser"`
	Transcript   TranscriptConfig   `yaml:"transcript"`
	Logger       LoggerConfig       `yaml:"logger"`
	Tracer       TracerConfig       `yaml:"tracer"`
}

// GatewayConfig holds the remote bridge settings.
type GatewayConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Addr          string        `yaml:"addr"`
	Path          string        `yaml:"path"`
	PingInterval  time.Duration `yaml:"ping_interval"`
	TokenTTL      time.Duration `yaml:"token_ttl"`
	SigningSecret string        `yaml:"signing_secret"`  // empty = random per process
	PublicBaseURL string        `yaml:"public_base_url"` // e.g. "wss://desk.example.net"
	CommandRate   float64       `yaml:"command_rate"`    // commands per second per connection
	CommandBurst  int           `yaml:"command_burst"`
	HandshakeRate int           `yaml:"handshakes_per_minute"`
	Advertise     bool          `yaml:"advertise"` // mDNS
}

// ProviderConfig holds settings for a single LLM provider.
type ProviderConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
}

// BreakerConfig configures the circuit breaker around cloud providers.
type BreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// LLMConfig selects the initial provider and holds per-provider settings.
type LLMConfig struct {
	Provider string         `yaml:"provider"` // "openai" or "gemini"
	Offline  bool           `yaml:"offline"`  // start on the on-device model
	OpenAI   ProviderConfig `yaml:"openai"`
	Gemini   ProviderConfig `yaml:"gemini"`
	OnDevice ProviderConfig `yaml:"ondevice"`
	Breaker  BreakerConfig  `yaml:"breaker"`
}

// ConnectivityConfig controls the online probe.
type ConnectivityConfig struct {
	Enabled  bool          `yaml:"enabled"`
	CheckURL string        `yaml:"check_url"`
	Timeout  time.Duration `yaml:"timeout"`
	Interval time.Duration `yaml:"interval"`
}

// PromptConfig holds excerpt caps and history budgets.
type PromptConfig struct {
	OnDeviceExcerpt int `yaml:"ondevice_excerpt"` // runes
	CloudExcerpt    int `yaml:"cloud_excerpt"`    // runes
	OnDeviceHistory int `yaml:"ondevice_history"` // messages
	HistoryTokens   int `yaml:"history_tokens"`
}

// BrowserConfig selects the page-inspection backend.
type BrowserConfig struct {
	Backend   string        `yaml:"backend"` // "fetch" or "chromedp"
	CDPURL    string        `yaml:"cdp_url"`
	Headless  bool          `yaml:"headless"`
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
}

// TranscriptConfig controls conversation persistence.
type TranscriptConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggerConfig holds logger settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// defaultDataDir returns the persistent data directory under $HOME/.pagepilot.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".pagepilot")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Enabled:       true,
			Addr:          ":8765",
			Path:          "/bridge",
			PingInterval:  30 * time.Second,
			TokenTTL:      5 * time.Minute,
			CommandRate:   5,
			CommandBurst:  10,
			HandshakeRate: 30,
		},
		LLM: LLMConfig{
			Provider: "openai",
			OpenAI: ProviderConfig{
				BaseURL: "https://api.openai.com/v1",
				Model:   "gpt-4o-mini",
			},
			Gemini: ProviderConfig{
				BaseURL: "https://generativelanguage.googleapis.com/v1beta",
				Model:   "gemini-2.0-flash",
			},
			OnDevice: ProviderConfig{
				BaseURL: "http://localhost:11434",
				Model:   "llama3.2:3b",
			},
			Breaker: BreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Connectivity: ConnectivityConfig{
			Enabled:  true,
			CheckURL: "https://1.1.1.1",
			Timeout:  1500 * time.Millisecond,
			Interval: 30 * time.Second,
		},
		Prompt: PromptConfig{
			OnDeviceExcerpt: 800,
			CloudExcerpt:    6000,
			OnDeviceHistory: 6,
			HistoryTokens:   12000,
		},
		Browser: BrowserConfig{
			Backend:  "fetch",
			Headless: true,
			Timeout:  20 * time.Second,
		},
		Transcript: TranscriptConfig{
			Enabled: false,
			Path:    filepath.Join(defaultDataDir(), "transcript.db"),
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// defaults only
	case err != nil:
		return nil, fmt.Errorf("%w: read config: %w", domain.ErrConfigLoad, err)
	default:
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		if err := validatePermissions(absPath); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse config: %w", domain.ErrConfigLoad, err)
		}
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("PAGEPILOT_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps PAGEPILOT_* env vars to config fields. The
// conventional OPENAI_API_KEY and GEMINI_API_KEY are honored when the
// prefixed variables are unset.
func ApplyEnvOverrides(cfg *Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	str("PAGEPILOT_GATEWAY_ADDR", &cfg.Gateway.Addr)
	str("PAGEPILOT_GATEWAY_SECRET", &cfg.Gateway.SigningSecret)
	str("PAGEPILOT_GATEWAY_PUBLIC_URL", &cfg.Gateway.PublicBaseURL)
	boolean("PAGEPILOT_GATEWAY_ENABLED", &cfg.Gateway.Enabled)
	if v := os.Getenv("PAGEPILOT_GATEWAY_PING_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Gateway.PingInterval = d
		}
	}
	if v := os.Getenv("PAGEPILOT_GATEWAY_TOKEN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Gateway.TokenTTL = d
		}
	}

	str("PAGEPILOT_LLM_PROVIDER", &cfg.LLM.Provider)
	boolean("PAGEPILOT_LLM_OFFLINE", &cfg.LLM.Offline)
	str("OPENAI_API_KEY", &cfg.LLM.OpenAI.APIKey)
	str("PAGEPILOT_OPENAI_API_KEY", &cfg.LLM.OpenAI.APIKey)
	str("PAGEPILOT_OPENAI_MODEL", &cfg.LLM.OpenAI.Model)
	str("GEMINI_API_KEY", &cfg.LLM.Gemini.APIKey)
	str("PAGEPILOT_GEMINI_API_KEY", &cfg.LLM.Gemini.APIKey)
	str("PAGEPILOT_GEMINI_MODEL", &cfg.LLM.Gemini.Model)
	str("PAGEPILOT_ONDEVICE_URL", &cfg.LLM.OnDevice.BaseURL)
	str("PAGEPILOT_ONDEVICE_MODEL", &cfg.LLM.OnDevice.Model)

	str("PAGEPILOT_BROWSER_BACKEND", &cfg.Browser.Backend)
	str("PAGEPILOT_BROWSER_CDP_URL", &cfg.Browser.CDPURL)
	boolean("PAGEPILOT_TRANSCRIPT_ENABLED", &cfg.Transcript.Enabled)
	str("PAGEPILOT_TRANSCRIPT_PATH", &cfg.Transcript.Path)

	str("PAGEPILOT_LOGGER_LEVEL", &cfg.Logger.Level)
	str("PAGEPILOT_LOGGER_FORMAT", &cfg.Logger.Format)
	boolean("PAGEPILOT_TRACER_ENABLED", &cfg.Tracer.Enabled)
	str("PAGEPILOT_TRACER_EXPORTER", &cfg.Tracer.Exporter)
}

// decryptSecrets finds "enc:..." values among the credentials and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	secrets := map[string]*string{
		"llm.openai.api_key":     &cfg.LLM.OpenAI.APIKey,
		"llm.gemini.api_key":     &cfg.LLM.Gemini.APIKey,
		"gateway.signing_secret": &cfg.Gateway.SigningSecret,
	}
	for name, fp := range secrets {
		if !strings.HasPrefix(*fp, "enc:") {
			continue
		}
		decrypted, err := DecryptValue(strings.TrimPrefix(*fp, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", domain.ErrDecryption, name, err)
		}
		*fp = decrypted
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
// The result is hex(salt) + ":" + hex(nonce+ciphertext), ready to be stored
// behind an "enc:" prefix.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	// Argon2id, 1 pass, 64 MiB, 4 lanes, 32-byte key.
	key := argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
