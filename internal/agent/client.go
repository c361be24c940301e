// Package agent talks to the upstream conversational agent service.
//
// Client opens sessions with POST /get_session and sends questions with
// POST /query. Every failure comes back as *Error carrying a Kind, so the
// HTTP layer can map it to a status without inspecting transport details.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/soyeahso/kristal-gateway/internal/hooks"
	"github.com/soyeahso/kristal-gateway/internal/interpret"
	"github.com/soyeahso/kristal-gateway/internal/logging"
	"github.com/soyeahso/kristal-gateway/internal/session"
	"github.com/soyeahso/kristal-gateway/internal/version"
)

const (
	opCreateSession = "get_session"
	opQuery         = "query"

	// DefaultCreateTimeout bounds a get_session call.
	DefaultCreateTimeout = 30 * time.Second
	// DefaultQueryTimeout bounds a query call; answers can take minutes.
	DefaultQueryTimeout = 5 * time.Minute

	maxResponseBytes = 16 << 20
)

// Config holds the upstream location and request defaults.
type Config struct {
	BaseURL               string
	RelationshipManagerID string
	CreateTimeout         time.Duration
	QueryTimeout          time.Duration
}

// TokenResolver supplies the bearer token for each call. An empty token is
// sent as-is and left for the upstream to reject.
type TokenResolver interface {
	ResolveToken(ctx context.Context) string
}

// Client calls the agent service.
type Client struct {
	cfg      Config
	creds    TokenResolver
	sessions *session.Registry
	http     *http.Client
	hooks    *hooks.Manager
	log      *logging.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithHooks emits session and query lifecycle events to m.
func WithHooks(m *hooks.Manager) Option {
	return func(c *Client) { c.hooks = m }
}

// New creates a client. Sessions created through it are stored in sessions.
func New(cfg Config, creds TokenResolver, sessions *session.Registry, log *logging.Logger, opts ...Option) *Client {
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.CreateTimeout <= 0 {
		cfg.CreateTimeout = DefaultCreateTimeout
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}

	c := &Client{
		cfg:      cfg,
		creds:    creds,
		sessions: sessions,
		http:     &http.Client{},
		log:      log.Sub("agent"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the normalized upstream base URL.
func (c *Client) BaseURL() string { return c.cfg.BaseURL }

// Sessions returns the registry new sessions are recorded in.
func (c *Client) Sessions() *session.Registry { return c.sessions }

func (c *Client) rmID(override string) string {
	if override != "" {
		return override
	}
	return c.cfg.RelationshipManagerID
}

// CreateSession opens a conversation upstream and records it locally.
// It returns the session ID assigned by the agent service.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (string, error) {
	body := createSessionBody{
		ClientID:              req.ClientID,
		RelationshipManagerID: c.rmID(req.RelationshipManagerID),
		KristalID:             req.KristalID,
	}

	c.log.Info().Str("clientId", req.ClientID).Msg("creating session")
	data, err := c.post(ctx, opCreateSession, c.cfg.CreateTimeout, body)
	if err != nil {
		return "", err
	}

	id, _ := data["session_id"].(string)
	if id == "" {
		return "", &Error{Kind: KindAgentAPI, Op: opCreateSession, Message: "No session_id in API response"}
	}

	c.sessions.Create(id, session.Record{
		SessionID: id,
		ClientID:  req.ClientID,
		KristalID: req.KristalID,
		CreatedAt: c.sessions.Now(),
	})
	c.log.Info().Str("sessionId", id).Str("clientId", req.ClientID).Msg("session created")

	c.hooks.EmitAsync(ctx, hooks.EventSessionCreated, map[string]any{
		"sessionId": id,
		"clientId":  req.ClientID,
		"kristalId": req.KristalID,
	})
	return id, nil
}

// Query sends one message inside an existing session and interprets the answer.
func (c *Client) Query(ctx context.Context, req QueryRequest) (*Response, error) {
	if req.SessionID == "" {
		return nil, &Error{Kind: KindPrecondition, Op: opQuery, Message: sessionRequiredMsg, StatusCode: http.StatusBadRequest}
	}

	body := queryBody{
		Query:                 req.Message,
		ClientID:              req.ClientID,
		RelationshipManagerID: c.rmID(req.RelationshipManagerID),
		SessionID:             req.SessionID,
		KristalID:             req.KristalID,
		Source:                req.Source,
	}

	start := time.Now()
	c.log.Info().Str("sessionId", req.SessionID).Str("clientId", req.ClientID).Msg("sending query")
	data, err := c.post(ctx, opQuery, c.cfg.QueryTimeout, body)
	elapsed := time.Since(start)
	if err != nil {
		c.hooks.EmitAsync(ctx, hooks.EventQueryFailed, map[string]any{
			"sessionId": req.SessionID,
			"clientId":  req.ClientID,
			"kristalId": req.KristalID,
			"query":     req.Message,
			"kind":      KindOf(err).String(),
			"error":     err.Error(),
			"elapsedMs": elapsed.Milliseconds(),
		})
		return nil, err
	}

	text, _ := data["agent_response"].(string)
	parsed := interpret.Interpret(text)
	resp := &Response{
		Response:   text,
		Sources:    parsed.Sources,
		Validation: parsed.Validation,
		SessionID:  req.SessionID,
		Chart:      chartFrom(data["chart"]),
		Metadata:   map[string]any{"agent_api_response": data},
	}

	c.log.Info().
		Str("sessionId", req.SessionID).
		Int("sources", len(resp.Sources)).
		Bool("validated", resp.Validation != nil).
		Dur("elapsed", elapsed).
		Msg("query answered")

	c.hooks.EmitAsync(ctx, hooks.EventQueryCompleted, map[string]any{
		"sessionId": req.SessionID,
		"clientId":  req.ClientID,
		"kristalId": req.KristalID,
		"query":     req.Message,
		"response":  text,
		"elapsedMs": elapsed.Milliseconds(),
	})
	return resp, nil
}

// post sends payload to <base>/<op> and decodes a JSON object reply.
// It makes exactly one attempt.
func (c *Client) post(ctx context.Context, op string, timeout time.Duration, payload any) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	endpoint := c.cfg.BaseURL + "/" + op
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, transportError(op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.creds.ResolveToken(ctx))
	httpReq.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.http.Do(httpReq)
	if err != nil {
		aerr := transportError(op, err)
		c.log.Error().Err(err).Str("op", op).Str("kind", aerr.Kind.String()).Msg("agent request failed")
		return nil, aerr
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		aerr := transportError(op, err)
		c.log.Error().Err(err).Str("op", op).Str("kind", aerr.Kind.String()).Msg("reading agent response failed")
		return nil, aerr
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.log.Error().
			Str("op", op).
			Int("status", resp.StatusCode).
			Str("body", truncate(string(respBody), 512)).
			Msg("agent API error")
		return nil, apiError(op, resp.StatusCode, respBody)
	}

	var data map[string]any
	if err := json.Unmarshal(respBody, &data); err != nil || data == nil {
		return nil, &Error{
			Kind:       KindAgentAPI,
			Op:         op,
			Message:    "Invalid JSON in API response",
			StatusCode: resp.StatusCode,
			Details:    string(respBody),
			Err:        err,
		}
	}
	return data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
