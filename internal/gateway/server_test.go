package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/soyeahso/kristal-gateway/internal/agent"
	"github.com/soyeahso/kristal-gateway/internal/config"
	"github.com/soyeahso/kristal-gateway/internal/credential"
	"github.com/soyeahso/kristal-gateway/internal/hooks"
	"github.com/soyeahso/kristal-gateway/internal/session"
	"github.com/soyeahso/kristal-gateway/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAgentAPI stands in for the upstream agent service.
type fakeAgentAPI struct {
	srv           *httptest.Server
	sessionStatus atomic.Int32
	queryStatus   atomic.Int32
	sessionCalls  atomic.Int32
	queryCalls    atomic.Int32
	nextID        atomic.Int32

	mu        sync.Mutex
	lastQuery map[string]any
}

func newFakeAgentAPI(t *testing.T) *fakeAgentAPI {
	t.Helper()
	f := &fakeAgentAPI{}
	f.sessionStatus.Store(http.StatusOK)
	f.queryStatus.Store(http.StatusOK)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /get_session", func(w http.ResponseWriter, r *http.Request) {
		f.sessionCalls.Add(1)
		if code := int(f.sessionStatus.Load()); code != http.StatusOK {
			http.Error(w, "session backend down", code)
			return
		}
		id := f.nextID.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{"session_id": "sess-" + string(rune('0'+id))})
	})
	mux.HandleFunc("POST /query", func(w http.ResponseWriter, r *http.Request) {
		f.queryCalls.Add(1)
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.lastQuery = body
		f.mu.Unlock()

		if code := int(f.queryStatus.Load()); code != http.StatusOK {
			http.Error(w, "query failed upstream", code)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"agent_response": "AUM is up. See [Factsheet](https://storage.googleapis.com/k/f.pdf)\nValidation Status: PASS\nSummary of Findings: consistent\nAgent ID Validated: checker\n",
			"chart":          "https://charts.example.com/aum.png",
		})
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAgentAPI) query() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastQuery
}

type testEnv struct {
	srv      *Server
	ts       *httptest.Server
	upstream *fakeAgentAPI
	sessions *session.Registry
}

func newTestEnv(t *testing.T, mutate func(*config.Config), opts ...ServerOption) *testEnv {
	t.Helper()
	up := newFakeAgentAPI(t)

	cfg := config.Defaults()
	cfg.Agent.BaseURL = up.srv.URL
	cfg.Gateway.CORSOrigins = []string{"http://localhost:3000"}
	if mutate != nil {
		mutate(&cfg)
	}

	log := testLog()
	reg := session.New(time.Hour)
	creds := credential.NewProvider(log, credential.StaticSource{Key: "test-key"})
	ac := agent.New(agent.Config{BaseURL: cfg.Agent.BaseURL, RelationshipManagerID: "001"}, creds, reg, log)

	srv := New(cfg, ac, reg, log, opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{srv: srv, ts: ts, upstream: up, sessions: reg}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rdr *bytes.Reader
	if s, ok := body.(string); ok {
		rdr = bytes.NewReader([]byte(s))
	} else if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	} else {
		rdr = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, e.ts.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

// --- REST ---

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.sessions.Create("s-1", session.Record{CreatedAt: time.Now()})

	resp, body := env.do(t, "GET", "/api/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "available", body["agentApiStatus"])
	assert.Equal(t, float64(1), body["sessions"])
	assert.NotEmpty(t, body["timestamp"])
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))
}

func TestNotFoundEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.do(t, "GET", "/nonexistent", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, CodeNotFound, errorCode(body))
}

func TestCreateSessionEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.do(t, "POST", "/api/session", map[string]any{"clientId": "K16325000"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "sess-1", body["sessionId"])
	assert.Equal(t, "16325000", body["clientId"])
	assert.Nil(t, body["kristalId"])
	assert.Equal(t, float64(0), body["messageCount"])
	assert.NotEmpty(t, body["createdAt"])

	_, ok := env.sessions.Get("sess-1")
	assert.True(t, ok)
}

func TestCreateSessionValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.do(t, "POST", "/api/session", map[string]any{"clientId": "ABC"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, CodeValidation, errorCode(body))
	assert.Equal(t, int32(0), env.upstream.sessionCalls.Load())

	resp, body = env.do(t, "POST", "/api/session", "{not json")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, CodeValidation, errorCode(body))
}

func TestCreateSessionUpstreamFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.upstream.sessionStatus.Store(http.StatusInternalServerError)

	resp, body := env.do(t, "POST", "/api/session", map[string]any{"clientId": "1"})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, CodeAgentAPI, errorCode(body))
	assert.Equal(t, 0, env.sessions.Len())
}

func TestGetAndDeleteSession(t *testing.T) {
	env := newTestEnv(t, nil)
	env.sessions.Create("s-1", session.Record{ClientID: "7", KristalID: "KR-1", CreatedAt: time.Now()})

	resp, body := env.do(t, "GET", "/api/session/s-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "s-1", body["sessionId"])
	assert.Equal(t, "KR-1", body["kristalId"])

	resp, body = env.do(t, "DELETE", "/api/session/s-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "Session deleted", body["message"])

	resp, body = env.do(t, "GET", "/api/session/s-1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, CodeNotFound, errorCode(body))

	resp, _ = env.do(t, "DELETE", "/api/session/s-1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetExpiredSession(t *testing.T) {
	env := newTestEnv(t, nil)
	env.sessions.Create("old", session.Record{CreatedAt: time.Now().Add(-2 * time.Hour)})

	resp, _ := env.do(t, "GET", "/api/session/old", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, 0, env.sessions.Len())
}

func TestChatAutoCreatesSession(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.do(t, "POST", "/api/chat", map[string]any{
		"message":   "What is my AUM?",
		"clientId":  "K16325000",
		"kristalId": "KR-5",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "sess-1", body["sessionId"])
	assert.Contains(t, body["response"], "AUM is up")
	assert.Equal(t, map[string]any{"url": "https://charts.example.com/aum.png", "title": "Chart"}, body["chart"])

	sources, _ := body["sources"].([]any)
	require.Len(t, sources, 1)
	assert.Equal(t, "document", sources[0].(map[string]any)["type"])
	validation, _ := body["validation"].(map[string]any)
	assert.Equal(t, "PASS", validation["status"])
	assert.Contains(t, body, "metadata")

	q := env.upstream.query()
	assert.Equal(t, "16325000", q["client_id"])
	assert.Equal(t, "sess-1", q["session_id"])
	assert.Equal(t, "KR-5", q["kristal_id"])
	assert.Equal(t, int32(1), env.upstream.sessionCalls.Load())
}

func TestChatWithExistingSession(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.do(t, "POST", "/api/chat", map[string]any{
		"message":   "hello",
		"clientId":  "42",
		"sessionId": "existing",
		"source":    "mobile",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "existing", body["sessionId"])
	assert.Equal(t, int32(0), env.upstream.sessionCalls.Load())
	assert.Equal(t, "mobile", env.upstream.query()["source"])
}

func TestChatValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, req := range []map[string]any{
		{"message": "", "clientId": "1"},
		{"message": strings.Repeat("x", MaxMessageLength+1), "clientId": "1"},
		{"message": "hi", "clientId": "K-1"},
		{"message": "hi"},
	} {
		resp, body := env.do(t, "POST", "/api/chat", req)
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		assert.Equal(t, CodeValidation, errorCode(body))
	}
	assert.Equal(t, int32(0), env.upstream.queryCalls.Load())
}

func TestChatSessionCreationFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.upstream.sessionStatus.Store(http.StatusForbidden)

	resp, body := env.do(t, "POST", "/api/chat", map[string]any{"message": "hi", "clientId": "1"})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, CodeSessionCreation, errorCode(body))
	assert.Equal(t, int32(0), env.upstream.queryCalls.Load())
}

func TestChatUpstreamQueryFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.upstream.queryStatus.Store(http.StatusInternalServerError)

	resp, body := env.do(t, "POST", "/api/chat", map[string]any{"message": "hi", "clientId": "1", "sessionId": "s"})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, CodeAgentAPI, errorCode(body))
	e := body["error"].(map[string]any)
	assert.Equal(t, "Agent API error: 500", e["message"])
	assert.Equal(t, "query failed upstream\n", e["details"])
}

func TestChatUpstreamUnreachable(t *testing.T) {
	env := newTestEnv(t, nil)
	env.upstream.srv.Close()

	resp, body := env.do(t, "POST", "/api/chat", map[string]any{"message": "hi", "clientId": "1", "sessionId": "s"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, CodeNetwork, errorCode(body))
}

type stubHistory struct {
	exchanges []store.Exchange
	gotLimit  int
}

func (h *stubHistory) History(_ context.Context, sessionID string, limit int) ([]store.Exchange, error) {
	h.gotLimit = limit
	var out []store.Exchange
	for _, e := range h.exchanges {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestSessionHistory(t *testing.T) {
	hist := &stubHistory{exchanges: []store.Exchange{
		{ID: 1, SessionID: "s-1", Query: "q1", Status: store.StatusOK},
		{ID: 2, SessionID: "s-2", Query: "other", Status: store.StatusOK},
	}}
	env := newTestEnv(t, nil, WithHistory(hist))

	resp, body := env.do(t, "GET", "/api/session/s-1/history?limit=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "s-1", body["sessionId"])
	assert.Len(t, body["exchanges"], 1)
	assert.Equal(t, 5, hist.gotLimit)

	resp, _ = env.do(t, "GET", "/api/session/s-1/history?limit=zero", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestSessionHistoryDisabled(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.do(t, "GET", "/api/session/anything/history", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{}, body["exchanges"])
}

func TestDebugEnv(t *testing.T) {
	t.Setenv("CORS_ORIGINS", "http://localhost:3000")
	env := newTestEnv(t, nil)

	resp, body := env.do(t, "GET", "/api/debug/env", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", body["raw_cors_origins_env"])
	assert.Equal(t, float64(1), body["cors_origins_count"])
	assert.Equal(t, env.upstream.srv.URL, body["agent_api_url"])
	assert.Equal(t, "development", body["environment"])
	assert.NotContains(t, body, "agent_api_key")
}

func TestDebugEnvHiddenInProduction(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Environment = "production" })

	resp, _ := env.do(t, "GET", "/api/debug/env", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSessionDeleteEmitsHook(t *testing.T) {
	hm := hooks.NewManager(testLog())
	deleted := make(chan string, 1)
	hm.On(hooks.EventSessionDeleted, "test", func(_ context.Context, p hooks.Payload) error {
		deleted <- p.String("sessionId")
		return nil
	})
	env := newTestEnv(t, nil, WithHooks(hm))
	env.sessions.Create("s-9", session.Record{CreatedAt: time.Now()})

	resp, _ := env.do(t, "DELETE", "/api/session/s-9", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	hm.Wait()
	assert.Equal(t, "s-9", <-deleted)
}

// --- WebSocket ---

func dialWS(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/api/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { conn.Close() })

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ready Frame
	require.NoError(t, conn.ReadJSON(&ready))
	require.Equal(t, EventConnectReady, ready.Event)
	return conn
}

func call(t *testing.T, conn *websocket.Conn, id, method string, params any) Frame {
	t.Helper()
	req, err := NewRequest(id, method, params)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(req))

	for {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var f Frame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Type == FrameTypeResponse && f.ID == id {
			return f
		}
	}
}

func TestWebSocketReadyEvent(t *testing.T) {
	env := newTestEnv(t, nil)
	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, FrameTypeEvent, f.Type)
	assert.Equal(t, EventConnectReady, f.Event)

	var ready ReadyPayload
	require.NoError(t, json.Unmarshal(f.Payload, &ready))
	assert.Equal(t, ProtocolVersion, ready.Protocol)
	assert.NotEmpty(t, ready.ConnID)
	assert.Contains(t, ready.Methods, "chat.send")
	assert.Contains(t, ready.Methods, "session.create")
}

func TestWebSocketHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dialWS(t, env)

	f := call(t, conn, "r1", "health", nil)
	require.NotNil(t, f.OK)
	assert.True(t, *f.OK)

	var h HealthResponse
	require.NoError(t, json.Unmarshal(f.Payload, &h))
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, 1, h.Clients)
}

func TestWebSocketUnknownMethod(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dialWS(t, env)

	f := call(t, conn, "r1", "nope", nil)
	require.NotNil(t, f.OK)
	assert.False(t, *f.OK)
	assert.Equal(t, CodeMethodNotFound, f.Error.Code)
}

func TestWebSocketSessionLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dialWS(t, env)

	f := call(t, conn, "c1", "session.create", map[string]any{"clientId": "K9"})
	require.True(t, *f.OK)
	var view SessionView
	require.NoError(t, json.Unmarshal(f.Payload, &view))
	assert.Equal(t, "9", view.ClientID)

	f = call(t, conn, "g1", "session.get", map[string]any{"sessionId": view.SessionID})
	require.True(t, *f.OK)

	f = call(t, conn, "d1", "session.delete", map[string]any{"sessionId": view.SessionID})
	require.True(t, *f.OK)

	f = call(t, conn, "g2", "session.get", map[string]any{"sessionId": view.SessionID})
	require.False(t, *f.OK)
	assert.Equal(t, CodeNotFound, f.Error.Code)

	f = call(t, conn, "g3", "session.get", map[string]any{})
	require.False(t, *f.OK)
	assert.Equal(t, CodeValidation, f.Error.Code)
}

func TestWebSocketChatSend(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dialWS(t, env)

	req, err := NewRequest("chat-1", "chat.send", map[string]any{"message": "hi", "clientId": "123"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(req))

	var sawPending bool
	for {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var f Frame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Type == FrameTypeEvent && f.Event == EventChatPending {
			sawPending = true
			continue
		}
		if f.Type == FrameTypeResponse && f.ID == "chat-1" {
			require.True(t, *f.OK)
			var resp agent.Response
			require.NoError(t, json.Unmarshal(f.Payload, &resp))
			assert.Equal(t, "sess-1", resp.SessionID)
			require.NotNil(t, resp.Validation)
			assert.Equal(t, "PASS", resp.Validation.Status)
			break
		}
	}
	assert.True(t, sawPending)
}

func TestWebSocketChatSendValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dialWS(t, env)

	f := call(t, conn, "chat-1", "chat.send", map[string]any{"message": "", "clientId": "abc"})
	require.False(t, *f.OK)
	assert.Equal(t, CodeValidation, f.Error.Code)
}

func TestWebSocketDisabled(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Gateway.WebSocket = false })

	resp, _ := env.do(t, "GET", "/api/ws", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t, nil)
	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/api/ws"

	header := http.Header{}
	header.Set("Origin", "http://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

// --- Start/shutdown ---

func TestServerStartAndShutdown(t *testing.T) {
	up := newFakeAgentAPI(t)
	cfg := config.Defaults()
	cfg.Gateway.Bind = "loopback"
	cfg.Gateway.Port = 0
	cfg.Agent.BaseURL = up.srv.URL

	log := testLog()
	reg := session.New(time.Hour)
	ac := agent.New(agent.Config{BaseURL: up.srv.URL}, credential.NewProvider(log), reg, log)

	hm := hooks.NewManager(log)
	var started, stopped atomic.Bool
	hm.On(hooks.EventGatewayStart, "t", func(context.Context, hooks.Payload) error { started.Store(true); return nil })
	hm.On(hooks.EventGatewayStop, "t", func(context.Context, hooks.Payload) error { stopped.Store(true); return nil })

	srv := New(cfg, ac, reg, log, WithHooks(hm))
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	require.Eventually(t, func() bool { return srv.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + srv.Addr() + "/api/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	assert.True(t, started.Load())
	assert.True(t, stopped.Load())

	var late atomic.Int32
	hm.On(hooks.EventQueryCompleted, "late", func(context.Context, hooks.Payload) error { late.Add(1); return nil })
	hm.EmitAsync(context.Background(), hooks.EventQueryCompleted, map[string]any{"sessionId": "s"})
	hm.Wait()
	assert.Equal(t, int32(0), late.Load())
}
