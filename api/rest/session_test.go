package rest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/641i130/Ayaka/api/rest"
	"github.com/641i130/Ayaka/cache"
	"github.com/641i130/Ayaka/config"
	"github.com/641i130/Ayaka/game/engine"
	"github.com/641i130/Ayaka/game/session"
	mw "github.com/641i130/Ayaka/middleware"
	"github.com/641i130/Ayaka/playlog"
	"github.com/641i130/Ayaka/script"
	"github.com/641i130/Ayaka/story"
	"github.com/641i130/Ayaka/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// storyContext builds a four-line story: two text lines, a choice, one
// closing line. Fresh per session so cursors stay isolated.
func storyContext() *engine.Context {
	return testutil.BuildContext("demo", "p1", map[string][]story.Paragraph{
		"p1": {{Tag: "p1", Title: "Prologue", Texts: []script.Line{
			testutil.TextLine("one"),
			testutil.TextLine("two"),
			testutil.SwitchLine("left", "right"),
			testutil.TextLine("end"),
		}}},
	})
}

type testEnv struct {
	router *gin.Engine
	cache  cache.Cache
	pubsub cache.PubSub
}

func newSessionRouter(t *testing.T, hubCfg session.HubConfig) *testEnv {
	t.Helper()
	c, ps := testutil.SetupTestCache(t)
	sec := config.SecurityConfig{JWTSecret: "test-secret", JWTTTLH: time.Hour}

	factory := func() (*session.Session, error) {
		return session.New(storyContext(), nil, zap.NewNop()), nil
	}
	hub := session.NewHub(factory, c, nil, hubCfg, zap.NewNop())
	t.Cleanup(func() { hub.CloseAll(context.Background()) })

	logs := playlog.New(nil, c, zap.NewNop())
	t.Cleanup(func() { logs.Stop(context.Background()) })

	h := rest.NewSessionHandler(hub, ps, logs, sec, "demo", zap.NewNop())
	sh := rest.NewStoryHandler(storyContext())

	r := gin.New()
	r.Use(mw.TraceID())
	api := r.Group("/api")
	api.GET("/story", sh.Meta)
	api.POST("/sessions", h.Create)

	authed := api.Group("/sessions/:id", mw.Auth(sec, c))
	authed.GET("", h.Get)
	authed.DELETE("", h.Delete)
	authed.POST("/next", h.Next)
	authed.POST("/back", h.Back)
	authed.POST("/switch", h.Switch)
	authed.POST("/restart", h.Restart)
	authed.GET("/history", h.History)
	authed.GET("/records", h.Records)
	authed.POST("/save", h.Save)
	authed.POST("/load", h.Load)
	authed.GET("/settings", h.GetSettings)
	authed.PUT("/settings", h.PutSettings)
	authed.GET("/events", h.Events)

	return &testEnv{router: r, cache: c, pubsub: ps}
}

func request(r *gin.Engine, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func postJSON(r *gin.Engine, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	return request(r, http.MethodPost, path, body, headers...)
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

// createSession opens a session through the API and returns its id,
// token and auth header pair.
func createSession(t *testing.T, env *testEnv) (string, string, []string) {
	t.Helper()
	w := postJSON(env.router, "/api/sessions", map[string]string{"lang": "en"})
	require.Equal(t, http.StatusCreated, w.Code)
	resp := decode(t, w)
	id := resp["session_id"].(string)
	token := resp["token"].(string)
	require.NotEmpty(t, id)
	require.NotEmpty(t, token)
	return id, token, []string{"Authorization", "Bearer " + token}
}

func TestCreateSession(t *testing.T) {
	env := newSessionRouter(t, session.HubConfig{})

	w := postJSON(env.router, "/api/sessions", map[string]string{"lang": "en"})
	require.Equal(t, http.StatusCreated, w.Code)

	resp := decode(t, w)
	assert.NotEmpty(t, resp["session_id"])
	assert.NotEmpty(t, resp["token"])

	state := resp["state"].(map[string]interface{})
	assert.Equal(t, false, state["done"])
	assert.Nil(t, state["actions"])
	assert.Equal(t, float64(0), state["history_len"])
}

func TestCreateSession_EmptyBody(t *testing.T) {
	env := newSessionRouter(t, session.HubConfig{})

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestCreateSession_HubFull(t *testing.T) {
	env := newSessionRouter(t, session.HubConfig{MaxSessions: 1})

	w1 := postJSON(env.router, "/api/sessions", nil)
	require.Equal(t, http.StatusCreated, w1.Code)

	w2 := postJSON(env.router, "/api/sessions", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w2.Code)
}

func TestGetState_Unauthorized(t *testing.T) {
	env := newSessionRouter(t, session.HubConfig{})
	id, _, _ := createSession(t, env)

	w := request(env.router, http.MethodGet, "/api/sessions/"+id, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGetState_WrongSession(t *testing.T) {
	env := newSessionRouter(t, session.HubConfig{})
	_, _, auth1 := createSession(t, env)
	id2, _, _ := createSession(t, env)

	// A valid token for session one does not open session two.
	w := request(env.router, http.MethodGet, "/api/sessions/"+id2, nil, auth1...)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestNext(t *testing.T) {
	env := newSessionRouter(t, session.HubConfig{})
	id, _, auth := createSession(t, env)

	w := postJSON(env.router, "/api/sessions/"+id+"/next", nil, auth...)
	require.Equal(t, http.StatusOK, w.Code)

	state := decode(t, w)
	assert.Equal(t, false, state["done"])
	assert.Equal(t, float64(1), state["history_len"])
	assert.Equal(t, "Prologue", state["title"])

	actions := state["actions"].(map[string]interface{})
	primary := actions["primary"].(map[string]interface{})
	assert.Equal(t, "text", primary["t"])

	pos := state["position"].(map[string]interface{})
	assert.Equal(t, "p1", pos["para"])
	assert.Equal(t, float64(0), pos["act"])
}

func TestNext_LedgerMarksVisited(t *testing.T) {
	env := newSessionRouter(t, session.HubConfig{})
	id, _, auth := createSession(t, env)

	// The ledger records a line the moment it is displayed.
	w := postJSON(env.router, "/api/sessions/"+id+"/next", nil, auth...)
	state := decode(t, w)
	assert.Equal(t, true, state["visited"])

	postJSON(env.router, "/api/sessions/"+id+"/restart", nil, auth...)
	w = postJSON(env.router, "/api/sessions/"+id+"/next", nil, auth...)
	state = decode(t, w)
	assert.Equal(t, true, state["visited"])
}

func TestNext_ThroughEnd(t *testing.T) {
	env := newSessionRouter(t, session.HubConfig{})
	id, _, auth := createSession(t, env)

	// one, two
	postJSON(env.router, "/api/sessions/"+id+"/next", nil, auth...)
	postJSON(env.router, "/api/sessions/"+id+"/next", nil, auth...)
	// choice
	w := postJSON(env.router, "/api/sessions/"+id+"/next", nil, auth...)
	state := decode(t, w)
	actions := state["actions"].(map[string]interface{})
	primary := actions["primary"].(map[string]interface{})
	require.Equal(t, "switches", primary["t"])

	// pick and land on "end"
	w = postJSON(env.router, "/api/sessions/"+id+"/switch", map[string]int{"index": 0}, auth...)
	require.Equal(t, http.StatusOK, w.Code)

	// past the end
	w = postJSON(env.router, "/api/sessions/"+id+"/next", nil, auth...)
	require.Equal(t, http.StatusOK, w.Code)
	state = decode(t, w)
	assert.Equal(t, true, state["done"])
	assert.Nil(t, state["actions"])
	assert.Nil(t, state["position"])
}

func TestBack(t *testing.T) {
	env := newSessionRouter(t, session.HubConfig{})
	id, _, auth := createSession(t, env)

	postJSON(env.router, "/api/sessions/"+id+"/next", nil, auth...)
	postJSON(env.router, "/api/sessions/"+id+"/next", nil, auth...)

	w := postJSON(env.router, "/api/sessions/"+id+"/back", nil, auth...)
	require.Equal(t, http.StatusOK, w.Code)
	state := decode(t, w)
	assert.Equal(t, float64(1), state["history_len"])
	assert.Equal(t, false, state["can_go_back"])

	// Only one line left, nothing to return to.
	w = postJSON(env.router, "/api/sessions/"+id+"/back", nil, auth...)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestBack_RedisplaysPreviousLine(t *testing.T) {
	env := newSessionRouter(t, session.HubConfig{})
	id, _, auth := createSession(t, env)

	postJSON(env.router, "/api/sessions/"+id+"/next", nil, auth...)
	postJSON(env.router, "/api/sessions/"+id+"/next", nil, auth...)

	w := postJSON(env.router, "/api/sessions/"+id+"/back", nil, auth...)
	state := decode(t, w)
	pos := state["position"].(map[string]interface{})
	assert.Equal(t, float64(0), pos["act"])

	// Stepping forward again replays line two.
	w = postJSON(env.router, "/api/sessions/"+id+"/next", nil, auth...)
	state = decode(t, w)
	pos = state["position"].(map[string]interface{})
	assert.Equal(t, float64(1), pos["act"])
}

func TestSwitch_NoPendingChoice(t *testing.T) {
	env := newSessionRouter(t, session.HubConfig{})
	id, _, auth := createSession(t, env)

	postJSON(env.router, "/api/sessions/"+id+"/next", nil, auth...)
	w := postJSON(env.router, "/api/sessions/"+id+"/switch", map[string]int{"index": 0}, auth...)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSwitch_OutOfRange(t *testing.T) {
	env := newSessionRouter(t, session.HubConfig{})
	id, _, auth := createSession(t, env)

	postJSON(env.router, "/api/sessions/"+id+"/next", nil, auth...)
	postJSON(env.router, "/api/sessions/"+id+"/next", nil, auth...)
	postJSON(env.router, "/api/sessions/"+id+"/next", nil, auth...)

	w := postJSON(env.router, "/api/sessions/"+id+"/switch", map[string]int{"index": 5}, auth...)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSwitch_MissingIndex(t *testing.T) {
	env := newSessionRouter(t, session.HubConfig{})
	id, _, auth := createSession(t, env)

	postJSON(env.router, "/api/sessions/"+id+"/next", nil, auth...)
	postJSON(env.router, "/api/sessions/"+id+"/next", nil, auth...)
	postJSON(env.router, "/api/sessions/"+id+"/next", nil, auth...)

	w := postJSON(env.router, "/api/sessions/"+id+"/switch", map[string]string{}, auth...)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSwitch_AdvancesIntoBranch(t *testing.T) {
	env := newSessionRouter(t, session.HubConfig{})
	id, _, auth := createSession(t, env)

	postJSON(env.router, "/api/sessions/"+id+"/next", nil, auth...)
	postJSON(env.router, "/api/sessions/"+id+"/next", nil, auth...)
	postJSON(env.router, "/api/sessions/"+id+"/next", nil, auth...)

	w := postJSON(env.router, "/api/sessions/"+id+"/switch", map[string]int{"index": 1}, auth...)
	require.Equal(t, http.StatusOK, w.Code)
	state := decode(t, w)
	actions := state["actions"].(map[string]interface{})
	primary := actions["primary"].(map[string]interface{})
	assert.Equal(t, "text", primary["t"])
}

func TestSaveAndLoad(t *testing.T) {
	env := newSessionRouter(t, session.HubConfig{})
	id, _, auth := createSession(t, env)

	postJSON(env.router, "/api/sessions/"+id+"/next", nil, auth...)
	postJSON(env.router, "/api/sessions/"+id+"/next", nil, auth...)

	w := postJSON(env.router, "/api/sessions/"+id+"/save", nil, auth...)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decode(t, w)["slot"])

	// Step past the choice, then rewind to the save.
	postJSON(env.router, "/api/sessions/"+id+"/next", nil, auth...)
	postJSON(env.router, "/api/sessions/"+id+"/switch", map[string]int{"index": 0}, auth...)

	w = postJSON(env.router, "/api/sessions/"+id+"/load", map[string]int{"slot": 0}, auth...)
	require.Equal(t, http.StatusOK, w.Code)
	state := decode(t, w)
	assert.Equal(t, float64(2), state["history_len"])
	pos := state["position"].(map[string]interface{})
	assert.Equal(t, float64(1), pos["act"])
}

func TestSave_ReplacesSlot(t *testing.T) {
	env := newSessionRouter(t, session.HubConfig{})
	id, _, auth := createSession(t, env)

	postJSON(env.router, "/api/sessions/"+id+"/next", nil, auth...)
	postJSON(env.router, "/api/sessions/"+id+"/save", nil, auth...)
	postJSON(env.router, "/api/sessions/"+id+"/next", nil, auth...)

	w := postJSON(env.router, "/api/sessions/"+id+"/save", map[string]int{"slot": 0}, auth...)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decode(t, w)["slot"])

	w = request(env.router, http.MethodGet, "/api/sessions/"+id+"/records", nil, auth...)
	resp := decode(t, w)
	records := resp["records"].([]interface{})
	require.Len(t, records, 1)
	slot := records[0].(map[string]interface{})
	assert.Equal(t, float64(2), slot["steps"])
	assert.Equal(t, "two", slot["preview"])
}

func TestLoad_BadSlot(t *testing.T) {
	env := newSessionRouter(t, session.HubConfig{})
	id, _, auth := createSession(t, env)

	w := postJSON(env.router, "/api/sessions/"+id+"/load", map[string]int{"slot": 3}, auth...)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRestart(t *testing.T) {
	env := newSessionRouter(t, session.HubConfig{})
	id, _, auth := createSession(t, env)

	postJSON(env.router, "/api/sessions/"+id+"/next", nil, auth...)
	postJSON(env.router, "/api/sessions/"+id+"/save", nil, auth...)

	w := postJSON(env.router, "/api/sessions/"+id+"/restart", nil, auth...)
	require.Equal(t, http.StatusOK, w.Code)
	state := decode(t, w)
	assert.Equal(t, float64(0), state["history_len"])
	assert.Nil(t, state["actions"])
	assert.Equal(t, false, state["done"])

	// Saved records survive a restart.
	w = request(env.router, http.MethodGet, "/api/sessions/"+id+"/records", nil, auth...)
	assert.Len(t, decode(t, w)["records"], 1)
}

func TestHistory(t *testing.T) {
	env := newSessionRouter(t, session.HubConfig{})
	id, _, auth := createSession(t, env)

	postJSON(env.router, "/api/sessions/"+id+"/next", nil, auth...)
	postJSON(env.router, "/api/sessions/"+id+"/next", nil, auth...)

	w := request(env.router, http.MethodGet, "/api/sessions/"+id+"/history", nil, auth...)
	require.Equal(t, http.StatusOK, w.Code)
	history := decode(t, w)["history"].([]interface{})
	require.Len(t, history, 2)

	first := history[0].(map[string]interface{})["primary"].(map[string]interface{})
	assert.Equal(t, "text", first["t"])
}

func TestSettings(t *testing.T) {
	env := newSessionRouter(t, session.HubConfig{})
	id, _, auth := createSession(t, env)

	w := request(env.router, http.MethodGet, "/api/sessions/"+id+"/settings", nil, auth...)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "en", resp["lang"])
	assert.Contains(t, resp["available"], "en")

	w = request(env.router, http.MethodPut, "/api/sessions/"+id+"/settings",
		map[string]string{"lang": "en", "sub_lang": "en"}, auth...)
	require.Equal(t, http.StatusOK, w.Code)

	// With a sub language set, steps render a bilingual pair.
	w = postJSON(env.router, "/api/sessions/"+id+"/next", nil, auth...)
	state := decode(t, w)
	actions := state["actions"].(map[string]interface{})
	assert.NotNil(t, actions["sub"])
}

func TestEvents(t *testing.T) {
	env := newSessionRouter(t, session.HubConfig{})
	id, _, auth := createSession(t, env)

	postJSON(env.router, "/api/sessions/"+id+"/next", nil, auth...)

	// The play log writes async; poll until both events land.
	require.Eventually(t, func() bool {
		w := request(env.router, http.MethodGet, "/api/sessions/"+id+"/events", nil, auth...)
		if w.Code != http.StatusOK {
			return false
		}
		events := decode(t, w)["events"].([]interface{})
		return len(events) >= 2
	}, 3*time.Second, 50*time.Millisecond)

	w := request(env.router, http.MethodGet, "/api/sessions/"+id+"/events?limit=1", nil, auth...)
	require.Equal(t, http.StatusOK, w.Code)
	events := decode(t, w)["events"].([]interface{})
	require.Len(t, events, 1)
	newest := events[0].(map[string]interface{})
	assert.Equal(t, "stepped", newest["kind"])
}

func TestEvents_BadLimit(t *testing.T) {
	env := newSessionRouter(t, session.HubConfig{})
	id, _, auth := createSession(t, env)

	w := request(env.router, http.MethodGet, "/api/sessions/"+id+"/events?limit=zero", nil, auth...)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteSession(t *testing.T) {
	env := newSessionRouter(t, session.HubConfig{})
	id, _, auth := createSession(t, env)

	w := request(env.router, http.MethodDelete, "/api/sessions/"+id, nil, auth...)
	require.Equal(t, http.StatusOK, w.Code)

	// The presence key is gone, so the token no longer authenticates.
	w = request(env.router, http.MethodGet, "/api/sessions/"+id, nil, auth...)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStoryMeta(t *testing.T) {
	env := newSessionRouter(t, session.HubConfig{})

	w := request(env.router, http.MethodGet, "/api/story", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "demo", resp["title"])
	assert.Equal(t, "en", resp["base_lang"])
	assert.Equal(t, "text", resp["frontend"])
	assert.Contains(t, resp["locales"], "en")
}
