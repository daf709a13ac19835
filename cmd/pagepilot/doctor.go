package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"pagepilot/internal/adapter/llm"
	"pagepilot/internal/domain"
	"pagepilot/internal/infra/config"
	"pagepilot/internal/infra/logger"
	"pagepilot/internal/usecase"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

func runDoctor() error {
	cfgPath := configPath()
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Cloud credential", Fn: checkCloudCredential},
		{Name: "On-device model", Fn: checkOnDevice},
		{Name: "Network", Fn: checkNetwork},
		{Name: "Bridge", Fn: checkGateway},
		{Name: "Browser", Fn: checkBrowser},
	}

	fmt.Println("pagepilot doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Printf("  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}
		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)
	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Fix the errors in " + cfgPath,
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: cfgPath + " not found, using defaults",
				Fix:     "Create " + cfgPath + " to customize settings",
			}
		}
		return CheckResult{Status: StatusPass, Message: cfgPath + " is valid"}
	}
}

func checkCloudCredential(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "no config loaded"}
	}
	kind := domain.ProviderKind(cfg.LLM.Provider)
	pc, err := llm.NewFactory(cfg.LLM, logger.Discard()).ProviderConfig(kind)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error(), Fix: "Set llm.provider to openai or gemini"}
	}
	if pc.APIKey == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("no API key for %s, only the on-device model can answer", kind),
			Fix:     fmt.Sprintf("Set llm.%s.api_key or PAGEPILOT_%s_API_KEY", kind, strings.ToUpper(string(kind))),
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s key configured (model %s)", kind, pc.Model)}
}

func checkOnDevice(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "no config loaded"}
	}
	h, err := llm.NewFactory(cfg.LLM, logger.Discard()).NewOnDevice()
	if err != nil {
		return CheckResult{Status: StatusWarn, Message: err.Error(), Fix: "Set llm.ondevice.model"}
	}
	checker, ok := h.(domain.AvailabilityChecker)
	if !ok {
		return CheckResult{Status: StatusPass, Message: h.Model() + " configured"}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := checker.Available(ctx); err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s unavailable: %v", h.Model(), err),
			Fix:     "Start Ollama and run: ollama pull " + h.Model(),
		}
	}
	return CheckResult{Status: StatusPass, Message: h.Model() + " is ready"}
}

func checkNetwork(cfg *config.Config) CheckResult {
	url, timeout := config.Defaults().Connectivity.CheckURL, time.Duration(0)
	if cfg != nil {
		url, timeout = cfg.Connectivity.CheckURL, cfg.Connectivity.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !usecase.NewConnectivityProbe(url, timeout).Check(ctx) {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no internet connectivity detected, cloud models will not answer",
			Fix:     "Check your network, or use /offline on",
		}
	}
	return CheckResult{Status: StatusPass, Message: "internet connectivity OK"}
}

func checkGateway(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "no config loaded"}
	}
	if !cfg.Gateway.Enabled {
		return CheckResult{Status: StatusPass, Message: "bridge disabled"}
	}
	ln, err := net.Listen("tcp", cfg.Gateway.Addr)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot listen on %s: %v", cfg.Gateway.Addr, err),
			Fix:     "Change gateway.addr or stop the process using the port",
		}
	}
	ln.Close()
	if cfg.Gateway.SigningSecret == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("listening on %s, pairing codes expire on restart", cfg.Gateway.Addr),
			Fix:     "Set gateway.signing_secret to keep tokens valid across restarts",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s%s available", cfg.Gateway.Addr, cfg.Gateway.Path)}
}

func checkBrowser(cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Browser.Backend != "chromedp" {
		return CheckResult{Status: StatusPass, Message: "fetch backend, no browser required"}
	}
	if cfg.Browser.CDPURL != "" {
		return CheckResult{Status: StatusPass, Message: "using remote browser at " + cfg.Browser.CDPURL}
	}
	for _, name := range []string{"chromium", "chromium-browser", "google-chrome", "google-chrome-stable"} {
		if path, err := exec.LookPath(name); err == nil {
			return CheckResult{Status: StatusPass, Message: fmt.Sprintf("found %s at %s", name, path)}
		}
	}
	return CheckResult{
		Status:  StatusFail,
		Message: "Chrome not found but browser.backend is chromedp",
		Fix:     "Install Chromium, set browser.cdp_url, or use browser.backend: fetch",
	}
}
