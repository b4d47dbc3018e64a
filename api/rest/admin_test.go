package rest_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/641i130/Ayaka/api/rest"
	"github.com/641i130/Ayaka/game/session"
	"github.com/641i130/Ayaka/scheduler"
	"github.com/641i130/Ayaka/testutil"
)

func newAdminRouter(t *testing.T, adminKey string) (*gin.Engine, *session.Hub) {
	t.Helper()
	c, _ := testutil.SetupTestCache(t)
	factory := func() (*session.Session, error) {
		return session.New(storyContext(), nil, zap.NewNop()), nil
	}
	hub := session.NewHub(factory, c, nil, session.HubConfig{}, zap.NewNop())
	t.Cleanup(func() { hub.CloseAll(context.Background()) })

	sched := scheduler.New(zap.NewNop())
	t.Cleanup(sched.Stop)
	sched.AddTicker("autosave", time.Hour, func() {})

	h := rest.NewAdminHandler(hub, sched, zap.NewNop())
	r := gin.New()
	adminG := r.Group("/api/admin", rest.AdminAuth(adminKey))
	adminG.GET("/metrics", h.Metrics)
	adminG.GET("/sessions", h.ListSessions)
	adminG.POST("/sessions/:id/close", h.CloseSession)
	return r, hub
}

// ---- AdminAuth ----

func TestAdminAuth_NoKey_Disabled(t *testing.T) {
	// When adminKey is empty, admin endpoints must answer 503 so the
	// server cannot be deployed with an unprotected admin surface.
	r, _ := newAdminRouter(t, "")
	w := request(r, http.MethodGet, "/api/admin/metrics", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAdminAuth_WrongKey(t *testing.T) {
	r, _ := newAdminRouter(t, "secret")
	w := request(r, http.MethodGet, "/api/admin/metrics", nil, "X-Admin-Key", "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// ---- Handlers ----

func TestAdminMetrics(t *testing.T) {
	r, hub := newAdminRouter(t, "secret")
	_, err := hub.Create(context.Background(), session.Settings{})
	require.NoError(t, err)
	_, err = hub.Create(context.Background(), session.Settings{})
	require.NoError(t, err)

	w := request(r, http.MethodGet, "/api/admin/metrics", nil, "X-Admin-Key", "secret")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, float64(2), resp["live_sessions"])
	assert.Contains(t, resp["scheduler_tasks"], "autosave")
}

func TestAdminListSessions(t *testing.T) {
	r, hub := newAdminRouter(t, "secret")
	id, err := hub.Create(context.Background(), session.Settings{})
	require.NoError(t, err)

	w := request(r, http.MethodGet, "/api/admin/sessions", nil, "X-Admin-Key", "secret")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, float64(1), resp["count"])
	infos := resp["sessions"].([]interface{})
	require.Len(t, infos, 1)
	info := infos[0].(map[string]interface{})
	assert.Equal(t, id, info["id"])
	assert.Equal(t, "demo", info["title"])
}

func TestAdminCloseSession(t *testing.T) {
	r, hub := newAdminRouter(t, "secret")
	id, err := hub.Create(context.Background(), session.Settings{})
	require.NoError(t, err)

	w := request(r, http.MethodPost, "/api/admin/sessions/"+id+"/close", nil, "X-Admin-Key", "secret")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, true, resp["ok"])
	assert.Equal(t, 0, hub.Len())

	w = request(r, http.MethodPost, "/api/admin/sessions/"+id+"/close", nil, "X-Admin-Key", "secret")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
