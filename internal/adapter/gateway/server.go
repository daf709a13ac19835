// Package gateway implements the realtime WebSocket bridge that remote
// clients use to drive the assistant.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"pagepilot/internal/domain"
	"pagepilot/internal/infra/config"
	"pagepilot/internal/infra/middleware"
	"pagepilot/internal/infra/tracer"
	"pagepilot/internal/usecase"
)

// StatusUnauthorized closes connections that fail token verification.
const StatusUnauthorized websocket.StatusCode = 4001

// CommandHandler executes one named command.
type CommandHandler interface {
	Handle(ctx context.Context, name string, args json.RawMessage) (any, error)
}

// Server is the bridge endpoint. It implements domain.Broadcaster.
type Server struct {
	cfg          config.GatewayConfig
	tokens       *TokenIssuer
	limiter      *middleware.HandshakeLimiter
	logger       *slog.Logger
	pingInterval time.Duration

	hooksMu   sync.RWMutex
	handler   CommandHandler
	onAdmit   func(ctx context.Context)
	onStatus  []func(connected bool)
	activeTab func(ctx context.Context) (domain.TabInfo, bool)

	mu    sync.RWMutex
	conns map[string]*clientConn

	baseCtx    context.Context
	cancelBase context.CancelFunc
	httpSrv    *http.Server
	boundAddr  string
	stopOnce   sync.Once
}

var _ domain.Broadcaster = (*Server)(nil)

// NewServer creates a bridge server. limiter may be nil.
func NewServer(cfg config.GatewayConfig, tokens *TokenIssuer, limiter *middleware.HandshakeLimiter, logger *slog.Logger) *Server {
	if cfg.Path == "" {
		cfg.Path = "/bridge"
	}
	if cfg.CommandRate <= 0 {
		cfg.CommandRate = 5
	}
	if cfg.CommandBurst <= 0 {
		cfg.CommandBurst = 10
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:          cfg,
		tokens:       tokens,
		limiter:      limiter,
		logger:       logger,
		pingInterval: clampPingInterval(cfg.PingInterval),
		conns:        make(map[string]*clientConn),
		baseCtx:      ctx,
		cancelBase:   cancel,
	}
}

// SetCommandHandler installs the command dispatcher.
func (s *Server) SetCommandHandler(h CommandHandler) {
	s.hooksMu.Lock()
	s.handler = h
	s.hooksMu.Unlock()
}

// OnAdmit registers the hook run first when a connection is admitted.
func (s *Server) OnAdmit(fn func(ctx context.Context)) {
	s.hooksMu.Lock()
	s.onAdmit = fn
	s.hooksMu.Unlock()
}

// OnStatus adds a listener for connected/disconnected transitions.
func (s *Server) OnStatus(fn func(connected bool)) {
	s.hooksMu.Lock()
	s.onStatus = append(s.onStatus, fn)
	s.hooksMu.Unlock()
}

// SetActiveTab installs the source of the tab pushed on admission.
func (s *Server) SetActiveTab(fn func(ctx context.Context) (domain.TabInfo, bool)) {
	s.hooksMu.Lock()
	s.activeTab = fn
	s.hooksMu.Unlock()
}

// Tokens returns the issuer used to verify handshakes.
func (s *Server) Tokens() *TokenIssuer { return s.tokens }

// Start begins accepting connections. Blocks until the context is cancelled
// or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	var upgrade http.Handler = http.HandlerFunc(s.handleUpgrade)
	if s.limiter != nil {
		upgrade = s.limiter.Wrap(upgrade)
	}
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, upgrade)

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.mu.Lock()
	s.boundAddr = listener.Addr().String()
	s.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	srv := s.httpSrv
	s.mu.Unlock()

	go s.heartbeat(s.baseCtx)
	go func() {
		select {
		case <-ctx.Done():
			s.Stop(context.Background())
		case <-s.baseCtx.Done():
		}
	}()

	s.logger.Info("gateway started", "addr", s.BoundAddr(), "path", s.cfg.Path)
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop closes every connection and the listener. Safe to call repeatedly.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.cancelBase()

		s.mu.Lock()
		conns := make([]*clientConn, 0, len(s.conns))
		for _, c := range s.conns {
			conns = append(conns, c)
		}
		clear(s.conns)
		srv := s.httpSrv
		s.mu.Unlock()

		var wg sync.WaitGroup
		for _, c := range conns {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.terminate(websocket.StatusGoingAway, "server shutting down")
			}()
		}
		wg.Wait()
		if len(conns) > 0 {
			s.notifyStatus(false)
		}

		if srv != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			err = srv.Shutdown(shutdownCtx)
		}
		s.logger.Info("gateway stopped")
	})
	return err
}

// BoundAddr returns the actual listen address. Only valid after Start.
func (s *Server) BoundAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.boundAddr
}

// Count returns the number of admitted connections.
func (s *Server) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// BroadcastChat sends a chat frame to every ready connection.
func (s *Server) BroadcastChat(id, role, text string) {
	if id == "" {
		id = usecase.NewID()
	}
	s.broadcast(newChatFrame(id, role, text))
}

// BroadcastEvent sends an event frame to every ready connection.
func (s *Server) BroadcastEvent(name string, data any) {
	s.broadcast(newEventFrame(name, data))
}

func (s *Server) broadcast(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		s.logger.Warn("gateway: marshal broadcast", "error", err)
		return
	}
	for _, c := range s.snapshot() {
		if c.ready.Load() {
			c.enqueueRaw(data)
		}
	}
}

func (s *Server) snapshot() []*clientConn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*clientConn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

func (s *Server) add(c *clientConn) {
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
}

// evict removes c from the active set and reports whether it was present.
func (s *Server) evict(c *clientConn) bool {
	s.mu.Lock()
	if _, ok := s.conns[c.id]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.conns, c.id)
	empty := len(s.conns) == 0
	s.mu.Unlock()

	c.shutdown()
	if empty {
		s.notifyStatus(false)
	}
	return true
}

func (s *Server) notifyStatus(connected bool) {
	s.hooksMu.RLock()
	listeners := slices.Clone(s.onStatus)
	s.hooksMu.RUnlock()
	for _, fn := range listeners {
		fn(connected)
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	protocols := subprotocolTokens(r)
	opts := &websocket.AcceptOptions{InsecureSkipVerify: true}
	if len(protocols) > 0 {
		opts.Subprotocols = protocols[:1]
	}
	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	if err := s.tokens.Verify(credential(protocols)); err != nil {
		s.logger.Warn("gateway: handshake rejected", "remote", middleware.PeerIP(r), "error", err)
		ws.Close(StatusUnauthorized, "unauthorized")
		return
	}

	c := newClientConn(s.baseCtx, usecase.NewID(), ws, rate.NewLimiter(rate.Limit(s.cfg.CommandRate), s.cfg.CommandBurst), s.logger)
	go c.writeLoop()
	s.admit(c)
	c.logger.Info("gateway client connected", "remote", middleware.PeerIP(r))

	s.readLoop(c)

	if s.evict(c) {
		go c.terminate(websocket.StatusNormalClosure, "")
	}
	c.logger.Info("gateway client disconnected")
}

// admit adds c to the active set and marks it ready once the admission
// steps ran: the OnAdmit hook, status listeners, then the active tab push.
func (s *Server) admit(c *clientConn) {
	s.add(c)

	s.hooksMu.RLock()
	onAdmit, activeTab := s.onAdmit, s.activeTab
	s.hooksMu.RUnlock()

	if onAdmit != nil {
		onAdmit(c.ctx)
	}
	s.notifyStatus(true)
	if activeTab != nil {
		if tab, ok := activeTab(c.ctx); ok {
			c.enqueue(newEventFrame(domain.EventActiveTab, tab))
		}
	}
	c.ready.Store(true)
}

func (s *Server) readLoop(c *clientConn) {
	for {
		_, data, err := c.ws.Read(context.Background())
		if err != nil {
			if websocket.CloseStatus(err) == -1 && c.ctx.Err() == nil {
				c.logger.Debug("gateway: read failed", "error", err)
			}
			return
		}

		cmd, ok := decodeCommand(data)
		if !ok {
			c.logger.Debug("gateway: dropped malformed frame", "bytes", len(data))
			continue
		}
		if !c.limiter.Allow() {
			c.logger.Warn("gateway: command rate limited", "command", cmd.Name)
			c.respond(errResponse(cmd.ID, domain.ErrCommandRateLimited))
			continue
		}
		go s.dispatch(c, cmd)
	}
}

// dispatch runs one command and enqueues exactly one response for it.
// Commands outlive the connection that sent them; only Stop cancels them.
// The response is dropped when the connection is gone by then.
func (s *Server) dispatch(c *clientConn, cmd Command) {
	ctx := domain.ContextWithConnID(s.baseCtx, c.id)
	ctx, span := tracer.StartSpan(ctx, "gateway.command")
	span.SetAttributes(tracer.StringAttr("command", cmd.Name), tracer.StringAttr("conn_id", c.id))

	data, err := s.invoke(ctx, cmd)
	tracer.Finish(span, err)

	res := okResponse(cmd.ID, data)
	if err != nil {
		c.logger.Debug("gateway: command failed", "command", cmd.Name, "error", err)
		res = errResponse(cmd.ID, err)
	}
	if !c.respond(res) {
		c.logger.Debug("gateway: connection gone, response dropped", "command", cmd.Name, "id", cmd.ID)
	}
}

func (s *Server) invoke(ctx context.Context, cmd Command) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("gateway: command panicked", "command", cmd.Name, "panic", r)
			err = fmt.Errorf("command %s failed: %v", cmd.Name, r)
		}
	}()

	s.hooksMu.RLock()
	h := s.handler
	s.hooksMu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownCommand, cmd.Name)
	}
	return h.Handle(ctx, cmd.Name, cmd.Args)
}
