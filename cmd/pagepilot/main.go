package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"pagepilot/internal/adapter/discovery"
	"pagepilot/internal/infra/config"
	"pagepilot/internal/infra/logger"
	"pagepilot/internal/infra/tracer"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "doctor":
		if err := runDoctor(); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			os.Exit(1)
		}
	case "discover":
		if err := runDiscover(); err != nil {
			fmt.Fprintf(os.Stderr, "discover: %v\n", err)
			os.Exit(1)
		}
	case "encrypt":
		if err := runEncrypt(); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'pagepilot --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`pagepilot - browser assistant with a remote bridge

USAGE:
    pagepilot [COMMAND] [FLAGS]

COMMANDS:
    doctor      Run health checks on your setup
    discover    List bridges advertised on the local network
    encrypt     Encrypt a secret for config.yaml (needs PAGEPILOT_CONFIG_KEY)

    (no command) - Start the console and the bridge

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml)
    --offline          Start on the on-device model

CONSOLE:
    /pair              Show a pairing code for a remote client
    /offline on|off    Switch between cloud and on-device models
    /clear             Clear the conversation
    /quit              Exit

CONFIGURATION:
    Config file: ./config.yaml (optional)
    Environment: PAGEPILOT_* variables override config`)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("PAGEPILOT_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func hasFlag(name string) bool {
	for _, arg := range os.Args[1:] {
		if arg == name {
			return true
		}
	}
	return false
}

func run() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if hasFlag("--offline") {
		cfg.LLM.Offline = true
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	llmComp := initLLM(ctx, cfg, log)

	rt, cleanup, err := initRuntime(ctx, cfg, llmComp, log)
	if err != nil {
		return fmt.Errorf("runtime: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := cleanup(shutdownCtx); err != nil {
			log.Error("runtime cleanup error", "error", err)
		}
	}()

	st := llmComp.Selector.State()
	log.Info("pagepilot starting",
		"provider", st.Kind,
		"model", st.Model,
		"offline", st.Offline,
		"browser", cfg.Browser.Backend,
		"gateway", cfg.Gateway.Enabled,
		"transcript", cfg.Transcript.Enabled,
	)

	console := newConsole(os.Stdin, os.Stdout, consoleDeps{
		Engine:   rt.Engine,
		Selector: llmComp.Selector,
		Log:      rt.Log,
		Pairing:  rt.Pairing,
	})
	err = console.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runDiscover() error {
	log := logger.Discard()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bridges, err := discovery.NewAdvertiser(log).Scan(ctx)
	if err != nil {
		return err
	}
	if len(bridges) == 0 {
		fmt.Println("No bridges found.")
		return nil
	}
	for _, b := range bridges {
		fmt.Printf("%s\t%s\t(protocol v%s)\n", b.Instance, b.URL(), b.Version)
	}
	return nil
}

func runEncrypt() error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: pagepilot encrypt <value>")
	}
	passphrase := os.Getenv("PAGEPILOT_CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("PAGEPILOT_CONFIG_KEY is not set")
	}
	enc, err := config.EncryptValue(os.Args[2], passphrase)
	if err != nil {
		return err
	}
	fmt.Println("enc:" + enc)
	return nil
}
