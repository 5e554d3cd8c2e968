package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jubee/internal/config"
	"jubee/internal/db"
	"jubee/internal/domain"
	"jubee/internal/engine"
	"jubee/internal/events"
	"jubee/internal/intake"
	"jubee/internal/migrate"
	"jubee/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	e, err := engine.New(engine.Options{
		DB:          conn,
		Config:      config.Default(),
		Logger:      zerolog.Nop(),
		Synchronous: true,
	})
	require.NoError(t, err)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true, Logger: zerolog.Nop()},
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		e.Close()
		conn.Close()
	})
	return &testServer{URL: "http://" + ln.Addr().String(), Engine: e, client: &http.Client{}}
}

func as(actor string) map[string]string { return map[string]string{"X-Actor-Id": actor} }

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func (s *testServer) snapshot(t *testing.T, method, path string, body any, actor string, want int) intake.Snapshot {
	t.Helper()
	res, data := doJSON(t, s.client, method, s.URL+path, body, as(actor))
	require.Equal(t, want, res.StatusCode, string(data))
	var snap intake.Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	return snap
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func expectError(t *testing.T, res *http.Response, data []byte, status int, code string) {
	t.Helper()
	require.Equal(t, status, res.StatusCode, string(data))
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, code, env.Error.Code)
}

func runPrecheck(t *testing.T, s *testServer, actor string) intake.Snapshot {
	t.Helper()
	snap := s.snapshot(t, http.MethodPost, "/v0/sessions", map[string]any{"tool": "precheck"}, actor, http.StatusCreated)
	base := "/v0/sessions/" + snap.ID
	s.snapshot(t, http.MethodPost, base+"/text", map[string]any{"value": "Acme Ltd"}, actor, http.StatusOK)
	s.snapshot(t, http.MethodPost, base+"/text", map[string]any{"value": "Union of India"}, actor, http.StatusOK)
	snap = s.snapshot(t, http.MethodPost, base+"/choice", map[string]any{"option_id": "delhi-hc"}, actor, http.StatusOK)
	assert.Equal(t, "case-type", snap.Stage.Name)
	s.snapshot(t, http.MethodPost, base+"/choice", map[string]any{"option_id": "writ-petition"}, actor, http.StatusOK)
	snap = s.snapshot(t, http.MethodPost, base+"/files", map[string]any{
		"files": []map[string]any{{"name": "petition.pdf", "type": "application/pdf", "size": 1024}},
	}, actor, http.StatusOK)
	assert.Equal(t, "annexures", snap.Stage.Name)
	return s.snapshot(t, http.MethodPost, base+"/choice", map[string]any{"option_id": "skip-annexures"}, actor, http.StatusOK)
}

func TestPrecheckOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	snap := runPrecheck(t, srv, "alice")
	assert.Equal(t, domain.StatusComplete, snap.Status)
	assert.Equal(t, "scrutiny", snap.Stage.Name)
	assert.Contains(t, string(snap.Result), "defects")

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/sessions", nil, as("alice"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var list paginatedSessions
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, snap.ID, list.Items[0].ID)
	assert.Equal(t, domain.StatusComplete, list.Items[0].Status)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/sessions", nil, as("bob"))
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.NoError(t, json.Unmarshal(data, &list))
	assert.Empty(t, list.Items)
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t)
	snap := srv.snapshot(t, http.MethodPost, "/v0/sessions", map[string]any{"tool": "precheck"}, "alice", http.StatusCreated)
	base := srv.URL + "/v0/sessions/" + snap.ID

	res, data := doJSON(t, srv.client, http.MethodPost, base+"/text", map[string]any{"value": "  "}, as("alice"))
	expectError(t, res, data, http.StatusUnprocessableEntity, "validation_failed")

	res, data = doJSON(t, srv.client, http.MethodPost, base+"/choice", map[string]any{"option_id": "delhi-hc"}, as("alice"))
	expectError(t, res, data, http.StatusConflict, "invalid_action")

	res, data = doJSON(t, srv.client, http.MethodPost, base+"/retry", nil, as("alice"))
	expectError(t, res, data, http.StatusConflict, "invalid_action")

	res, data = doJSON(t, srv.client, http.MethodPost, base+"/upload-failure", map[string]any{"message": "picker offline"}, as("alice"))
	expectError(t, res, data, http.StatusConflict, "invalid_action")

	res, data = doJSON(t, srv.client, http.MethodGet, base, nil, as("bob"))
	expectError(t, res, data, http.StatusNotFound, "not_found")

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/sessions/missing", nil, as("alice"))
	expectError(t, res, data, http.StatusNotFound, "not_found")

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/sessions", map[string]any{"tool": "nope"}, as("alice"))
	expectError(t, res, data, http.StatusNotFound, "unknown_tool")

	res, data = doJSON(t, srv.client, http.MethodDelete, base+"/documents/petition/nope", nil, as("alice"))
	expectError(t, res, data, http.StatusNotFound, "not_found")

	res, data = doJSON(t, srv.client, http.MethodGet, base, nil, nil)
	expectError(t, res, data, http.StatusUnauthorized, "unauthorized")
}

func TestToolsEndpoints(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/tools", nil, as("alice"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var tools []ToolSummary
	require.NoError(t, json.Unmarshal(data, &tools))
	require.Len(t, tools, 3)
	assert.Equal(t, "drafting", tools[0].Name)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/tools/precheck", nil, as("alice"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var def struct {
		Name   string `json:"name"`
		Start  string `json:"start"`
		Stages []struct {
			Name string `json:"name"`
		} `json:"stages"`
	}
	require.NoError(t, json.Unmarshal(data, &def))
	assert.Equal(t, "petitioner", def.Start)
	assert.NotEmpty(t, def.Stages)

	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "bearerAuth")
}

func TestJWTAndAPIKeyAuth(t *testing.T) {
	srv := newTestServer(t)

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"actor_id": "carol"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var login DevLoginResponse
	require.NoError(t, json.Unmarshal(data, &login))

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var who WhoAmIResponse
	require.NoError(t, json.Unmarshal(data, &who))
	assert.Equal(t, WhoAmIResponse{ActorID: "carol", Source: "jwt"}, who)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer garbage"})
	expectError(t, res, data, http.StatusUnauthorized, "invalid_credentials")

	require.NoError(t, srv.Engine.Repo.InsertAPIKey(context.Background(), domain.APIKey{
		ID: "k1", ActorID: "dave", Name: "ci", KeyHash: repo.HashAPIKey("jb_live_123"),
	}))
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": "jb_live_123"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &who))
	assert.Equal(t, "dave", who.ActorID)
}

func TestSessionEventsPaginate(t *testing.T) {
	srv := newTestServer(t)
	snap := runPrecheck(t, srv, "alice")

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/sessions/"+snap.ID+"/events?limit=2", nil, as("alice"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page paginatedEvents
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/sessions/"+snap.ID+"/events?limit=200&cursor="+page.NextCursor, nil, as("alice"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var rest paginatedEvents
	require.NoError(t, json.Unmarshal(data, &rest))
	require.NotEmpty(t, rest.Items)
	assert.Less(t, rest.Items[0].ID, page.Items[1].ID)
	assert.Equal(t, events.SessionCreated, rest.Items[len(rest.Items)-1].Type)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/sessions/"+snap.ID+"/events?cursor=abc", nil, as("alice"))
	expectError(t, res, data, http.StatusBadRequest, "bad_request")
}

func TestStreamSendsSnapshotFirst(t *testing.T) {
	srv := newTestServer(t)
	snap := srv.snapshot(t, http.MethodPost, "/v0/sessions", map[string]any{"tool": "drafting"}, "alice", http.StatusCreated)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v0/sessions/"+snap.ID+"/stream", nil)
	require.NoError(t, err)
	req.Header.Set("X-Actor-Id", "alice")
	res, err := srv.client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, res.Header.Get("Content-Type"), "text/event-stream")

	reader := bufio.NewReader(res.Body)
	var event, payload string
	for payload == "" {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			payload = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	assert.Equal(t, "snapshot", event)
	var got intake.Snapshot
	require.NoError(t, json.Unmarshal([]byte(payload), &got))
	assert.Equal(t, snap.ID, got.ID)
	assert.Equal(t, "doc-type", got.Stage.Name)
}

type hookRecorder struct {
	mu       sync.Mutex
	received []sessionDelivery
	headers  []http.Header
	bodies   [][]byte
	status   int
}

func (h *hookRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != 0 {
		w.WriteHeader(h.status)
		return
	}
	var d sessionDelivery
	_ = json.Unmarshal(body, &d)
	h.received = append(h.received, d)
	h.headers = append(h.headers, r.Header.Clone())
	h.bodies = append(h.bodies, body)
	w.WriteHeader(http.StatusNoContent)
}

func (h *hookRecorder) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.received)
}

func TestWebhookDispatcherDeliversFilteredEvents(t *testing.T) {
	srv := newTestServer(t)

	completed := &hookRecorder{}
	completedSrv := httptest.NewServer(completed)
	defer completedSrv.Close()
	drafting := &hookRecorder{}
	draftingSrv := httptest.NewServer(drafting)
	defer draftingSrv.Close()

	d := NewWebhookDispatcher(srv.Engine.Repo, []config.WebhookConfig{
		{URL: completedSrv.URL, Events: []string{events.SessionCompleted}, Secret: "shh"},
		{URL: draftingSrv.URL, Tools: []string{"drafting"}},
	}, zerolog.Nop())
	ctx := context.Background()
	d.DispatchAll(ctx)

	snap := runPrecheck(t, srv, "alice")

	require.Eventually(t, func() bool {
		d.DispatchAll(ctx)
		return completed.count() == 1
	}, 3*time.Second, 20*time.Millisecond)

	completed.mu.Lock()
	got := completed.received[0]
	header := completed.headers[0]
	body := completed.bodies[0]
	completed.mu.Unlock()
	assert.Equal(t, events.SessionCompleted, got.Type)
	assert.Equal(t, snap.ID, got.Session.ID)
	assert.Equal(t, "precheck", got.Session.Tool)
	assert.Equal(t, events.SessionCompleted, header.Get("X-Jubee-Event"))
	assert.Equal(t, snap.ID, header.Get("X-Jubee-Session"))
	assert.Equal(t, "sha256="+signBody("shh", body), header.Get("X-Jubee-Signature"))
	assert.Empty(t, header.Get("X-Jubee-Secret"))

	assert.Zero(t, drafting.count(), "precheck events must not reach a drafting-only hook")
}

func TestWebhookFailureDoesNotBlockOtherHooks(t *testing.T) {
	srv := newTestServer(t)

	broken := &hookRecorder{status: http.StatusInternalServerError}
	brokenSrv := httptest.NewServer(broken)
	defer brokenSrv.Close()
	healthy := &hookRecorder{}
	healthySrv := httptest.NewServer(healthy)
	defer healthySrv.Close()

	d := NewWebhookDispatcher(srv.Engine.Repo, []config.WebhookConfig{
		{URL: brokenSrv.URL},
		{URL: healthySrv.URL, Events: []string{events.SessionCreated}},
	}, zerolog.Nop())
	ctx := context.Background()
	d.DispatchAll(ctx)

	srv.snapshot(t, http.MethodPost, "/v0/sessions", map[string]any{"tool": "precheck"}, "alice", http.StatusCreated)
	d.DispatchAll(ctx)
	assert.Equal(t, 1, healthy.count())

	broken.mu.Lock()
	broken.status = 0
	broken.mu.Unlock()
	d.DispatchAll(ctx)
	assert.Equal(t, 1, broken.count())
	assert.Equal(t, 1, healthy.count())
}

func TestSessionFilter(t *testing.T) {
	evt := domain.Event{Type: "session.created", Tool: "precheck"}
	assert.True(t, newSessionFilter(nil, nil).match(evt))
	assert.True(t, newSessionFilter([]string{" "}, nil).match(evt))
	assert.False(t, newSessionFilter([]string{"session.failed"}, nil).match(evt))
	assert.True(t, newSessionFilter([]string{"session.created"}, []string{"precheck"}).match(evt))
	assert.False(t, newSessionFilter(nil, []string{"drafting"}).match(evt))
}
