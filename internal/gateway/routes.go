package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Handler builds the HTTP handler: middleware chain plus every /api route.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.log.Sub("http")))
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(s.cfg.Gateway.CORSOrigins))

	r.NotFound(handleNotFound)
	r.MethodNotAllowed(handleMethodNotAllowed)

	r.Route("/api", func(api chi.Router) {
		api.Post("/chat", s.handleChat)

		api.Post("/session", s.handleCreateSession)
		api.Route("/session/{sessionID}", func(sr chi.Router) {
			sr.Get("/", s.handleGetSession)
			sr.Delete("/", s.handleDeleteSession)
			sr.Get("/history", s.handleSessionHistory)
		})

		api.Get("/health", s.handleHealth)

		if !s.cfg.IsProduction() {
			api.Get("/debug/env", s.handleDebugEnv)
		}
		if s.cfg.Gateway.WebSocket {
			api.Get("/ws", s.handleWebSocket)
		}
	})
	return r
}

// RequestHandler processes one RPC request frame.
type RequestHandler func(rc *RequestContext)

// RequestContext carries everything an RPC handler needs.
type RequestContext struct {
	Client *Client
	Frame  Frame
	Server *Server
}

// Respond sends a success response.
func (rc *RequestContext) Respond(payload any) {
	if err := rc.Client.Respond(rc.Frame.ID, payload); err != nil {
		rc.Server.log.Warn().Err(err).Str("method", rc.Frame.Method).Msg("failed to send response")
	}
}

// Fail classifies err the same way the REST API does and sends it.
func (rc *RequestContext) Fail(err error) {
	status, shape := classify(err, !rc.Server.cfg.IsProduction())
	rc.Server.log.Warn().
		Err(err).
		Str("connId", rc.Client.ConnID).
		Str("method", rc.Frame.Method).
		Str("code", shape.Code).
		Int("status", status).
		Msg("rpc failed")
	if err := rc.Client.RespondError(rc.Frame.ID, shape); err != nil {
		rc.Server.log.Debug().Err(err).Str("method", rc.Frame.Method).Msg("failed to send error")
	}
}

// Params unmarshals the request params into target.
func (rc *RequestContext) Params(target any) error {
	if len(rc.Frame.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(rc.Frame.Params, target); err != nil {
		return invalidBody(err)
	}
	return nil
}

// registerRPCHandlers sets up the WebSocket methods.
func (s *Server) registerRPCHandlers() {
	s.Handle("health", s.rpcHealth)
	s.Handle("chat.send", s.rpcChatSend)
	s.Handle("session.create", s.rpcSessionCreate)
	s.Handle("session.get", s.rpcSessionGet)
	s.Handle("session.delete", s.rpcSessionDelete)
	s.Handle("session.history", s.rpcSessionHistory)
}

type sessionIDParams struct {
	SessionID string `json:"sessionId"`
	Limit     int    `json:"limit,omitempty"`
}

func (p sessionIDParams) validate() error {
	if p.SessionID == "" {
		return &validationError{Fields: []FieldError{{Field: "sessionId", Message: "field required"}}}
	}
	return nil
}

func (s *Server) rpcHealth(rc *RequestContext) {
	rc.Respond(s.health())
}

func (s *Server) rpcChatSend(rc *RequestContext) {
	var req ChatRequest
	if err := rc.Params(&req); err != nil {
		rc.Fail(err)
		return
	}
	if err := req.Normalize(); err != nil {
		rc.Fail(err)
		return
	}

	if err := rc.Client.SendEvent(EventChatPending, map[string]any{
		"requestId": rc.Frame.ID,
		"sessionId": req.SessionID,
	}, s.eventSeq.Add(1)); err != nil {
		s.log.Debug().Err(err).Str("connId", rc.Client.ConnID).Msg("failed to send chat.pending")
	}

	resp, err := s.chat(rc.Client.Context(), req)
	if err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(resp)
}

func (s *Server) rpcSessionCreate(rc *RequestContext) {
	var req SessionCreateRequest
	if err := rc.Params(&req); err != nil {
		rc.Fail(err)
		return
	}
	if err := req.Normalize(); err != nil {
		rc.Fail(err)
		return
	}

	view, err := s.createSession(rc.Client.Context(), req)
	if err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(view)
}

func (s *Server) rpcSessionGet(rc *RequestContext) {
	var p sessionIDParams
	if err := rc.Params(&p); err != nil {
		rc.Fail(err)
		return
	}
	if err := p.validate(); err != nil {
		rc.Fail(err)
		return
	}

	view, err := s.getSession(p.SessionID)
	if err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(view)
}

func (s *Server) rpcSessionDelete(rc *RequestContext) {
	var p sessionIDParams
	if err := rc.Params(&p); err != nil {
		rc.Fail(err)
		return
	}
	if err := p.validate(); err != nil {
		rc.Fail(err)
		return
	}

	if err := s.deleteSession(rc.Client.Context(), p.SessionID); err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(map[string]any{"success": true, "message": "Session deleted"})
}

func (s *Server) rpcSessionHistory(rc *RequestContext) {
	var p sessionIDParams
	if err := rc.Params(&p); err != nil {
		rc.Fail(err)
		return
	}
	if err := p.validate(); err != nil {
		rc.Fail(err)
		return
	}

	resp, err := s.sessionHistory(rc.Client.Context(), p.SessionID, p.Limit)
	if err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(resp)
}
