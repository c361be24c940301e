package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/soyeahso/kristal-gateway/internal/agent"
	"github.com/soyeahso/kristal-gateway/internal/hooks"
	"github.com/soyeahso/kristal-gateway/internal/session"
	"github.com/soyeahso/kristal-gateway/internal/store"
)

const maxBodyBytes = 1 << 20

// SessionView is the JSON form of a session record.
type SessionView struct {
	SessionID    string    `json:"sessionId"`
	ClientID     string    `json:"clientId"`
	KristalID    *string   `json:"kristalId"`
	CreatedAt    time.Time `json:"createdAt"`
	MessageCount int       `json:"messageCount"`
}

func viewOf(rec session.Record) SessionView {
	v := SessionView{
		SessionID:    rec.SessionID,
		ClientID:     rec.ClientID,
		CreatedAt:    rec.CreatedAt,
		MessageCount: rec.MessageCount,
	}
	if rec.KristalID != "" {
		k := rec.KristalID
		v.KristalID = &k
	}
	return v
}

// HealthResponse is returned by GET /api/health and the health RPC.
type HealthResponse struct {
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
	AgentAPIStatus string    `json:"agentApiStatus"`
	Sessions       int       `json:"sessions"`
	Clients        int       `json:"clients"`
	Version        string    `json:"version"`
}

// HistoryResponse is returned by GET /api/session/{id}/history.
type HistoryResponse struct {
	SessionID string           `json:"sessionId"`
	Exchanges []store.Exchange `json:"exchanges"`
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return invalidBody(errors.New("request body is empty"))
		}
		return invalidBody(err)
	}
	return nil
}

// chat answers req, opening a session first when the request has none.
func (s *Server) chat(ctx context.Context, req ChatRequest) (*agent.Response, error) {
	sessionID := req.SessionID
	if sessionID == "" {
		id, err := s.agent.CreateSession(ctx, agent.CreateSessionRequest{
			ClientID:  req.ClientID,
			KristalID: req.KristalID,
		})
		if err != nil {
			return nil, &sessionCreationError{err: err}
		}
		s.log.Info().Str("sessionId", id).Str("clientId", req.ClientID).Msg("auto-created session")
		sessionID = id
	}

	return s.agent.Query(ctx, agent.QueryRequest{
		Message:   req.Message,
		ClientID:  req.ClientID,
		KristalID: req.KristalID,
		SessionID: sessionID,
		Source:    req.Source,
	})
}

func (s *Server) createSession(ctx context.Context, req SessionCreateRequest) (SessionView, error) {
	id, err := s.agent.CreateSession(ctx, agent.CreateSessionRequest{
		ClientID:              req.ClientID,
		KristalID:             req.KristalID,
		RelationshipManagerID: req.RelationshipManagerID,
	})
	if err != nil {
		return SessionView{}, err
	}
	rec, ok := s.sessions.Get(id)
	if !ok {
		return SessionView{}, fmt.Errorf("session %s created but not found in registry", id)
	}
	return viewOf(rec), nil
}

func (s *Server) getSession(id string) (SessionView, error) {
	rec, ok := s.sessions.Get(id)
	if !ok {
		return SessionView{}, ErrSessionNotFound
	}
	return viewOf(rec), nil
}

func (s *Server) deleteSession(ctx context.Context, id string) error {
	if !s.sessions.Delete(id) {
		return ErrSessionNotFound
	}
	s.log.Info().Str("sessionId", id).Msg("session deleted")
	s.hooks.EmitAsync(ctx, hooks.EventSessionDeleted, map[string]any{"sessionId": id})
	return nil
}

func (s *Server) sessionHistory(ctx context.Context, id string, limit int) (HistoryResponse, error) {
	resp := HistoryResponse{SessionID: id, Exchanges: []store.Exchange{}}
	if s.history == nil {
		return resp, nil
	}
	exchanges, err := s.history.History(ctx, id, limit)
	if err != nil {
		return HistoryResponse{}, err
	}
	resp.Exchanges = exchanges
	return resp, nil
}

func (s *Server) health() HealthResponse {
	return HealthResponse{
		Status:         "healthy",
		Timestamp:      time.Now().UTC(),
		AgentAPIStatus: "available",
		Sessions:       s.sessions.Len(),
		Clients:        s.clients.Count(),
		Version:        s.version,
	}
}

// HTTP handlers

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := req.Normalize(); err != nil {
		s.writeError(w, r, err)
		return
	}

	resp, err := s.chat(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req SessionCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := req.Normalize(); err != nil {
		s.writeError(w, r, err)
		return
	}

	view, err := s.createSession(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	view, err := s.getSession(chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.deleteSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Session deleted"})
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, r, &validationError{Fields: []FieldError{{Field: "limit", Message: "must be a positive integer"}}})
			return
		}
		limit = n
	}

	resp, err := s.sessionHistory(r.Context(), chi.URLParam(r, "sessionID"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.health())
}

// handleDebugEnv shows the configuration the process actually resolved.
// It is only routed outside production.
func (s *Server) handleDebugEnv(w http.ResponseWriter, _ *http.Request) {
	env := func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return "NOT SET"
	}
	origins := s.cfg.Gateway.CORSOrigins
	if origins == nil {
		origins = []string{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"raw_cors_origins_env":    env("CORS_ORIGINS"),
		"parsed_cors_origins":     origins,
		"cors_origins_count":      len(origins),
		"agent_api_url":           s.cfg.Agent.BaseURL,
		"relationship_manager_id": s.cfg.Agent.RelationshipManagerID,
		"environment":             s.cfg.Environment,
		"all_env_vars": map[string]string{
			"CORS_ORIGINS":            env("CORS_ORIGINS"),
			"AGENT_API_URL":           env("AGENT_API_URL"),
			"RELATIONSHIP_MANAGER_ID": env("RELATIONSHIP_MANAGER_ID"),
		},
	})
}

func handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, errorBody{Error: ErrorShape{
		Code:    CodeNotFound,
		Message: "Not found",
		Details: r.URL.Path,
	}})
}

func handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: ErrorShape{
		Code:    "METHOD_NOT_ALLOWED",
		Message: r.Method + " not allowed",
		Details: r.URL.Path,
	}})
}
