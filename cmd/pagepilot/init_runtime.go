package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"

	"pagepilot/internal/adapter/discovery"
	"pagepilot/internal/adapter/gateway"
	"pagepilot/internal/adapter/tool"
	"pagepilot/internal/adapter/transcript"
	"pagepilot/internal/domain"
	"pagepilot/internal/infra/config"
	"pagepilot/internal/infra/logger"
	"pagepilot/internal/infra/middleware"
	"pagepilot/internal/usecase"
)

// RuntimeComponents holds everything the console drives.
type RuntimeComponents struct {
	Log     *usecase.ConversationLog
	Engine  *usecase.Engine
	Gateway *gateway.Server // nil when the bridge is disabled
}

// Pairing appends a pairing prompt to the log and returns its payload.
func (rt *RuntimeComponents) Pairing() (gateway.PairingPayload, error) {
	if rt.Gateway == nil {
		return gateway.PairingPayload{}, errors.New("the bridge is disabled (gateway.enabled: false)")
	}
	p, err := rt.Gateway.Pairing()
	if err != nil {
		return p, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return p, err
	}
	rt.Log.RemoveKind(domain.KindPairing)
	rt.Log.Append(domain.ConversationMessage{
		Role: domain.RoleAssistant,
		Kind: domain.KindPairing,
		Content: domain.PartsContent(
			domain.Part{Type: domain.PartText, Text: "Scan this code from your phone to connect."},
			domain.Part{Type: domain.PartPairing, Data: data},
		),
	})
	return p, nil
}

// initRuntime wires pages, tools, the conversation log, the engine and the
// bridge. The returned cleanup stops everything that was started.
func initRuntime(ctx context.Context, cfg *config.Config, llmComp *LLMComponents, log *slog.Logger) (*RuntimeComponents, func(context.Context) error, error) {
	var closers []func(context.Context) error
	cleanup := func(ctx context.Context) error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i](ctx))
		}
		return errors.Join(errs...)
	}

	pages, closePages, err := initPages(cfg.Browser, log)
	if err != nil {
		return nil, nil, fmt.Errorf("browser: %w", err)
	}
	if closePages != nil {
		closers = append(closers, func(context.Context) error { return closePages() })
	}

	tools, err := tool.NewPageRegistry(pages, logger.Component(log, "tool"))
	if err != nil {
		return nil, nil, fmt.Errorf("tools: %w", err)
	}

	convLog := usecase.NewConversationLog()
	if cfg.Transcript.Enabled {
		store, err := transcript.NewSQLiteStore(cfg.Transcript.Path, logger.Component(log, "transcript"))
		if err != nil {
			cleanup(ctx)
			return nil, nil, fmt.Errorf("transcript: %w", err)
		}
		closers = append(closers, func(context.Context) error { return store.Close() })
		n, err := store.Restore(ctx, convLog)
		if err != nil {
			log.Warn("transcript restore failed", "error", err)
		} else {
			log.Info("transcript restored", "messages", n)
		}
		convLog.Subscribe(store.Listener(context.WithoutCancel(ctx)))
	}

	var events domain.Broadcaster = domain.NopBroadcaster{}
	var srv *gateway.Server
	if cfg.Gateway.Enabled {
		tokens, err := gateway.NewTokenIssuer(cfg.Gateway.SigningSecret, cfg.Gateway.TokenTTL)
		if err != nil {
			cleanup(ctx)
			return nil, nil, fmt.Errorf("gateway: %w", err)
		}
		gwLog := logger.Component(log, "gateway")
		limiter := middleware.NewHandshakeLimiter(ctx, cfg.Gateway.HandshakeRate, 0, gwLog)
		srv = gateway.NewServer(cfg.Gateway, tokens, limiter, gwLog)
		events = srv
	}

	engine := usecase.NewEngine(usecase.EngineDeps{
		Log:        convLog,
		Selector:   llmComp.Selector,
		Prompt:     llmComp.Prompt,
		Pages:      pages,
		Tools:      tools,
		Events:     events,
		Classifier: usecase.NewErrorClassifier(),
		Logger:     logger.Component(log, "engine"),
	})

	convLog.Subscribe(usecase.GatewayMirror(events))
	llmComp.Selector.OnChange(func(st domain.ProviderState) {
		events.BroadcastEvent(domain.EventProvider, st)
	})

	if srv != nil {
		srv.SetCommandHandler(gateway.NewDispatcher(gateway.DispatcherDeps{
			Pages:    pages,
			Engine:   engine,
			Selector: llmComp.Selector,
			Events:   srv,
			Logger:   logger.Component(log, "dispatch"),
		}))
		srv.OnAdmit(func(context.Context) { convLog.RemoveKind(domain.KindPairing) })
		srv.OnStatus(func(connected bool) { log.Info("bridge status", "connected", connected) })
		srv.SetActiveTab(pages.ActiveTab)

		go func() {
			if err := srv.Start(ctx); err != nil {
				log.Error("gateway server error", "error", err)
			}
		}()
		closers = append(closers, srv.Stop)

		if cfg.Gateway.Advertise {
			go advertise(ctx, cfg.Gateway, log)
		}
	}

	if cfg.Connectivity.Enabled {
		probe := usecase.NewConnectivityProbe(cfg.Connectivity.CheckURL, cfg.Connectivity.Timeout)
		monitor := usecase.NewConnectivityMonitor(probe, cfg.Connectivity.Interval,
			func(ctx context.Context) { llmComp.Selector.SetOfflineMode(ctx, true) },
			logger.Component(log, "connectivity"))
		go monitor.Run(ctx)
	}

	return &RuntimeComponents{Log: convLog, Engine: engine, Gateway: srv}, cleanup, nil
}

func initPages(cfg config.BrowserConfig, log *slog.Logger) (domain.PageInspector, func() error, error) {
	pageLog := logger.Component(log, "browser")
	switch cfg.Backend {
	case "chromedp":
		b, err := tool.NewChromeDPInspector(tool.ChromeDPConfig{
			RemoteURL: cfg.CDPURL,
			Headless:  cfg.Headless,
			Timeout:   cfg.Timeout,
		}, pageLog)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	default:
		return tool.NewFetchInspector(cfg.Timeout, cfg.UserAgent, pageLog), nil, nil
	}
}

func advertise(ctx context.Context, cfg config.GatewayConfig, log *slog.Logger) {
	_, portStr, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		log.Warn("mdns: cannot parse gateway address", "addr", cfg.Addr, "error", err)
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port == 0 {
		log.Warn("mdns: gateway needs a fixed port to advertise", "addr", cfg.Addr)
		return
	}
	instance, err := os.Hostname()
	if err != nil || instance == "" {
		instance = "pagepilot"
	}
	if err := discovery.NewAdvertiser(logger.Component(log, "mdns")).Advertise(ctx, instance, port, cfg.Path); err != nil {
		log.Warn("mdns advertise failed", "error", err)
	}
}
