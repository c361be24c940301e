// Package gateway serves the REST and WebSocket API in front of the agent
// service.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/soyeahso/kristal-gateway/internal/agent"
	"github.com/soyeahso/kristal-gateway/internal/config"
	"github.com/soyeahso/kristal-gateway/internal/hooks"
	"github.com/soyeahso/kristal-gateway/internal/logging"
	"github.com/soyeahso/kristal-gateway/internal/session"
	"github.com/soyeahso/kristal-gateway/internal/store"
	"github.com/soyeahso/kristal-gateway/internal/version"
)

const (
	shutdownTimeout = 10 * time.Second
	maxFrameBytes   = 1 << 20
)

// Agent is the upstream client the gateway forwards to.
type Agent interface {
	CreateSession(ctx context.Context, req agent.CreateSessionRequest) (string, error)
	Query(ctx context.Context, req agent.QueryRequest) (*agent.Response, error)
}

// HistoryReader reads the exchange log for a session.
type HistoryReader interface {
	History(ctx context.Context, sessionID string, limit int) ([]store.Exchange, error)
}

// Server is the kristal-gateway HTTP + WebSocket server.
type Server struct {
	cfg      config.Config
	agent    Agent
	sessions *session.Registry
	history  HistoryReader
	hooks    *hooks.Manager
	log      *logging.Logger
	clients  *ClientRegistry
	handlers map[string]RequestHandler
	version  string
	eventSeq atomic.Int64
	upgrader websocket.Upgrader

	mu         sync.Mutex
	addr       string
	startedAt  time.Time
	httpServer *http.Server
}

// ServerOption configures the gateway server.
type ServerOption func(*Server)

// WithHooks sets the hook manager for lifecycle events.
func WithHooks(hm *hooks.Manager) ServerOption {
	return func(s *Server) {
		s.hooks = hm
	}
}

// WithHistory exposes the exchange log at /api/session/{id}/history.
func WithHistory(h HistoryReader) ServerOption {
	return func(s *Server) {
		s.history = h
	}
}

// New creates a gateway server. Sessions must be the registry ag records into.
func New(cfg config.Config, ag Agent, sessions *session.Registry, log *logging.Logger, opts ...ServerOption) *Server {
	s := &Server{
		cfg:      cfg,
		agent:    ag,
		sessions: sessions,
		log:      log.Sub("gateway"),
		clients:  NewClientRegistry(log.Sub("ws")),
		handlers: make(map[string]RequestHandler),
		version:  version.Version,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkWebSocketOrigin(cfg.Gateway.CORSOrigins),
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registerRPCHandlers()
	return s
}

// checkWebSocketOrigin admits requests without an Origin header (non-browser
// clients) and browser requests from an allowed CORS origin.
func checkWebSocketOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || isOriginAllowed(origin, allowed)
	}
}

// Handle registers an RPC method handler.
func (s *Server) Handle(method string, handler RequestHandler) {
	s.handlers[method] = handler
}

// Methods returns the registered RPC method names, sorted.
func (s *Server) Methods() []string {
	methods := make([]string, 0, len(s.handlers))
	for m := range s.handlers {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return methods
}

// resolveBindAddr computes the listen address from config.
func resolveBindAddr(cfg config.GatewayConfig) string {
	switch cfg.Bind {
	case "lan", "auto":
		return fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	case "custom":
		host := cfg.CustomBindHost
		if host == "" {
			host = "0.0.0.0"
		}
		return net.JoinHostPort(host, fmt.Sprint(cfg.Port))
	default:
		return fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully. It also
// runs the session sweeper for the lifetime of the server.
func (s *Server) Start(ctx context.Context) error {
	addr := resolveBindAddr(s.cfg.Gateway)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Chat requests hold the response open for the whole upstream query.
		WriteTimeout: s.cfg.QueryTimeout() + s.cfg.CreateSessionTimeout() + 30*time.Second,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	s.httpServer = srv
	s.addr = ln.Addr().String()
	s.startedAt = time.Now()
	s.mu.Unlock()

	sweeperDone := s.sessions.StartSweeper(ctx, s.cfg.SweepInterval())

	s.log.Info().
		Str("addr", s.addr).
		Str("bind", s.cfg.Gateway.Bind).
		Str("environment", s.cfg.Environment).
		Strs("corsOrigins", s.cfg.Gateway.CORSOrigins).
		Bool("websocket", s.cfg.Gateway.WebSocket).
		Dur("sessionTimeout", s.sessions.Timeout()).
		Msg("gateway server starting")

	s.hooks.Emit(ctx, hooks.EventGatewayStart, map[string]any{"addr": s.addr})

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		s.log.Info().Msg("shutting down gateway server")
		s.hooks.Emit(context.Background(), hooks.EventGatewayStop, nil)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.clients.CloseAll()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("graceful shutdown incomplete")
		}
		<-sweeperDone
		// Handlers still running past the shutdown deadline must not reach
		// hook consumers whose resources the caller releases after Start.
		s.hooks.Close()
	}()

	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-stopped
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// handleWebSocket upgrades the request and runs the frame loop.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	// The upgrade hijacks the connection, so r.Context() no longer tracks it.
	client := NewClient(context.WithoutCancel(r.Context()), conn, r.RemoteAddr, s.log.Sub("ws"))
	s.clients.Add(client)
	defer func() {
		s.clients.Remove(client.ConnID)
		client.Close()
	}()

	ready := ReadyPayload{
		Protocol: ProtocolVersion,
		Version:  s.version,
		ConnID:   client.ConnID,
		Methods:  s.Methods(),
		Events:   []string{EventConnectReady, EventChatPending},
	}
	if err := client.SendEvent(EventConnectReady, ready, s.eventSeq.Add(1)); err != nil {
		s.log.Warn().Err(err).Str("connId", client.ConnID).Msg("failed to send ready event")
		return
	}

	s.readLoop(client)
}

// readLoop processes incoming frames until the socket closes.
func (s *Server) readLoop(client *Client) {
	for {
		frame, err := client.ReadFrame()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Str("connId", client.ConnID).Msg("client closed connection")
			} else if websocket.IsUnexpectedCloseError(err) || errors.Is(err, net.ErrClosed) {
				s.log.Debug().Err(err).Str("connId", client.ConnID).Msg("connection dropped")
			} else {
				s.log.Warn().Err(err).Str("connId", client.ConnID).Msg("read error")
			}
			return
		}

		if frame.Type != FrameTypeRequest {
			s.log.Debug().Str("type", frame.Type).Msg("ignoring non-request frame")
			continue
		}
		s.dispatch(client, frame)
	}
}

// dispatch runs the handler for a request frame on its own goroutine so a
// long query does not block the read loop.
func (s *Server) dispatch(client *Client, frame Frame) {
	handler, ok := s.handlers[frame.Method]
	if !ok {
		client.RespondError(frame.ID, ErrorShape{
			Code:    CodeMethodNotFound,
			Message: "unknown method: " + frame.Method,
		})
		return
	}

	rc := &RequestContext{Client: client, Frame: frame, Server: s}
	client.Go(func() { handler(rc) })
}
