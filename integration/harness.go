package integration

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	apirest "github.com/641i130/Ayaka/api/rest"
	"github.com/641i130/Ayaka/api/sse"
	"github.com/641i130/Ayaka/cache"
	"github.com/641i130/Ayaka/config"
	"github.com/641i130/Ayaka/game/engine"
	"github.com/641i130/Ayaka/game/session"
	mw "github.com/641i130/Ayaka/middleware"
	"github.com/641i130/Ayaka/playlog"
	"github.com/641i130/Ayaka/plugin/hook"
	"github.com/641i130/Ayaka/script"
	"github.com/641i130/Ayaka/story"
	"github.com/641i130/Ayaka/testutil"
)

// TestServer wraps a real HTTP server with the full play stack wired together.
type TestServer struct {
	DB     *gorm.DB
	Cache  cache.Cache
	PubSub cache.PubSub
	Hub    *session.Hub
	Logs   *playlog.Service
	Hooks  *hook.Center
	Server *httptest.Server
	URL    string // http://127.0.0.1:<port>
	Sec    config.SecurityConfig
}

// storyContext builds the fixture story: an opening paragraph ending in
// a choice, then a closing paragraph reached through the next expression.
func storyContext() *engine.Context {
	return testutil.BuildContext("demo", "p1", map[string][]story.Paragraph{
		"p1": {{Tag: "p1", Title: "Prologue", Texts: []script.Line{
			testutil.TextLine("one"),
			testutil.TextLine("two"),
			testutil.SwitchLine("left", "right"),
		}, Next: testutil.NextTo("p2")}},
		"p2": {{Tag: "p2", Title: "Finale", Texts: []script.Line{
			testutil.TextLine("end"),
		}}},
	})
}

// NewTestServer creates a fully wired play server for integration testing.
// It mirrors the dependency wiring in main.go.
func NewTestServer(t *testing.T) *TestServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	// ---- Infrastructure ----
	db := testutil.SetupTestDB(t)
	c, pubsub := testutil.SetupTestCache(t)
	logger := zap.NewNop()

	sec := config.SecurityConfig{
		JWTSecret:      "integration-test-secret",
		JWTTTLH:        72 * time.Hour,
		RateLimitRPS:   1000,
		RateLimitBurst: 2000,
		AllowedOrigins: []string{}, // allow all origins
	}

	eng := storyContext()

	// ---- Services ----
	logs := playlog.New(db, c, logger)

	hooks := hook.New()
	hooks.Register(hook.SessionClosed, 0, "playlog", func(_ context.Context, _ string, data interface{}) (interface{}, error) {
		if ev, ok := data.(*hook.SessionEvent); ok {
			logs.Record(playlog.Entry{
				SessionID: ev.ID,
				Title:     ev.Title,
				Kind:      playlog.KindClosed,
				Payload:   map[string]string{"reason": ev.Reason},
			})
		}
		return data, nil
	})
	hooks.Register(hook.SessionClosed, 10, "sse", func(ctx context.Context, _ string, data interface{}) (interface{}, error) {
		if ev, ok := data.(*hook.SessionEvent); ok {
			_ = sse.Publish(ctx, pubsub, ev.ID, sse.Event{Kind: "closed"})
		}
		return data, nil
	})

	factory := func() (*session.Session, error) {
		return session.NewWithDB(eng.Fork(), db, logger), nil
	}
	hub := session.NewHub(factory, c, hooks, session.HubConfig{MaxSessions: 16}, logger)

	// ---- Gin HTTP Server ----
	r := gin.New()
	r.Use(mw.TraceID(), mw.Recovery(logger))
	r.Use(mw.RateLimit(sec.RateLimitRPS, sec.RateLimitBurst))

	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(200, gin.H{"status": "ok", "sessions": hub.Len()})
	})

	// ---- REST API routes (mirrors main.go) ----
	sessionH := apirest.NewSessionHandler(hub, pubsub, logs, sec, eng.Game().Title, logger)
	storyH := apirest.NewStoryHandler(eng)
	sseH := sse.NewHandler(pubsub, logger)

	api := r.Group("/api")
	{
		api.GET("/story", storyH.Meta)
		api.POST("/sessions", sessionH.Create)

		sessG := api.Group("/sessions/:id")
		sessG.Use(mw.Auth(sec, c))
		sessG.GET("", sessionH.Get)
		sessG.DELETE("", sessionH.Delete)
		sessG.POST("/next", sessionH.Next)
		sessG.POST("/back", sessionH.Back)
		sessG.POST("/switch", sessionH.Switch)
		sessG.POST("/restart", sessionH.Restart)
		sessG.GET("/history", sessionH.History)
		sessG.GET("/records", sessionH.Records)
		sessG.POST("/save", sessionH.Save)
		sessG.POST("/load", sessionH.Load)
		sessG.GET("/settings", sessionH.GetSettings)
		sessG.PUT("/settings", sessionH.PutSettings)
		sessG.GET("/events", sessionH.Events)
		sessG.GET("/stream", mw.OriginCheck(sec.AllowedOrigins), sseH.Stream)
	}

	// ---- Start server ----
	server := httptest.NewServer(r)

	return &TestServer{
		DB:     db,
		Cache:  c,
		PubSub: pubsub,
		Hub:    hub,
		Logs:   logs,
		Hooks:  hooks,
		Server: server,
		URL:    server.URL,
		Sec:    sec,
	}
}

// Close persists and drops all sessions, drains the play log, then
// shuts the HTTP server down.
func (ts *TestServer) Close() {
	ts.Hub.CloseAll(context.Background())
	ts.Logs.Stop(context.Background())
	ts.Server.Close()
}

// --- HTTP helpers ---

// PostJSON sends a POST request with JSON body and optional Bearer token.
func (ts *TestServer) PostJSON(t *testing.T, path string, body interface{}, token string) *http.Response {
	t.Helper()
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequest("POST", ts.URL+path, bodyReader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// Get sends a GET request with optional Bearer token.
func (ts *TestServer) Get(t *testing.T, path string, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest("GET", ts.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// Put sends a PUT request with JSON body and optional Bearer token.
func (ts *TestServer) Put(t *testing.T, path string, body interface{}, token string) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest("PUT", ts.URL+path, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// Delete sends a DELETE request with optional Bearer token.
func (ts *TestServer) Delete(t *testing.T, path string, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest("DELETE", ts.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// ReadJSON reads and decodes a JSON response body into the given target.
func ReadJSON(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, target), "body: %s", string(data))
}

// --- Play flow helpers ---

// CreateSession starts a play session and returns its id and control token.
func (ts *TestServer) CreateSession(t *testing.T) (id, token string) {
	t.Helper()
	resp := ts.PostJSON(t, "/api/sessions", map[string]string{}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var result map[string]interface{}
	ReadJSON(t, resp, &result)
	return result["session_id"].(string), result["token"].(string)
}

// Next advances the session one step and returns the new state.
func (ts *TestServer) Next(t *testing.T, id, token string) map[string]interface{} {
	t.Helper()
	resp := ts.PostJSON(t, "/api/sessions/"+id+"/next", nil, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var state map[string]interface{}
	ReadJSON(t, resp, &state)
	return state
}

// --- Stream client ---

// StreamClient consumes a server-sent event stream line by line.
type StreamClient struct {
	t      *testing.T
	cancel context.CancelFunc
	resp   *http.Response
	lines  chan string
}

// ConnectStream opens the session's event stream, authenticating with
// the token query parameter the way an EventSource client would.
func (ts *TestServer) ConnectStream(t *testing.T, id, token string) *StreamClient {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		ts.URL+"/api/sessions/"+id+"/stream?token="+token, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		t.Fatalf("stream status %d", resp.StatusCode)
	}
	sc := &StreamClient{t: t, cancel: cancel, resp: resp, lines: make(chan string, 64)}
	go sc.readLoop()
	return sc
}

func (sc *StreamClient) readLoop() {
	r := bufio.NewReader(sc.resp.Body)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			sc.lines <- strings.TrimRight(line, "\n")
		}
		if err != nil {
			close(sc.lines)
			return
		}
	}
}

// WaitLine returns the next stream line with the given prefix, skipping others.
func (sc *StreamClient) WaitLine(prefix string, timeout time.Duration) string {
	sc.t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case line, ok := <-sc.lines:
			if !ok {
				sc.t.Fatalf("stream closed while waiting for %q", prefix)
				return ""
			}
			if strings.HasPrefix(line, prefix) {
				return line
			}
		case <-deadline:
			sc.t.Fatalf("timed out waiting for stream line %q", prefix)
			return ""
		}
	}
}

// Close tears down the stream connection.
func (sc *StreamClient) Close() {
	sc.cancel()
	sc.resp.Body.Close()
}
