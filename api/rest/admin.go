package rest

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/641i130/Ayaka/game/session"
	"github.com/641i130/Ayaka/scheduler"
)

// AdminHandler handles operator-only REST endpoints.
// Routes should be protected by AdminAuth middleware.
type AdminHandler struct {
	hub    *session.Hub
	sched  *scheduler.Scheduler
	logger *zap.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(hub *session.Hub, sched *scheduler.Scheduler, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{hub: hub, sched: sched, logger: logger}
}

// Metrics returns server health metrics.
// GET /api/admin/metrics
func (h *AdminHandler) Metrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"live_sessions":   h.hub.Len(),
		"scheduler_tasks": h.sched.ListTickers(),
	})
}

// ListSessions returns a snapshot of all live sessions.
// GET /api/admin/sessions
func (h *AdminHandler) ListSessions(c *gin.Context) {
	infos := h.hub.Snapshot()
	c.JSON(http.StatusOK, gin.H{"sessions": infos, "count": len(infos)})
}

// CloseSession force-closes a live session, persisting what it can first.
// POST /api/admin/sessions/:id/close
func (h *AdminHandler) CloseSession(c *gin.Context) {
	id := c.Param("id")
	err := h.hub.Do(c.Request.Context(), id, func(s *session.Session) error {
		return s.PersistAll(c.Request.Context())
	})
	if errors.Is(err, session.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		h.logger.Error("persist on admin close failed",
			zap.String("session_id", id), zap.Error(err))
	}
	h.hub.Remove(c.Request.Context(), id)
	h.logger.Info("admin closed session", zap.String("session_id", id))
	c.JSON(http.StatusOK, gin.H{"ok": true, "persisted": err == nil})
}

// AdminAuth returns a middleware that checks the X-Admin-Key header.
// WARNING: if adminKey is empty all admin endpoints are disabled (503) so the
// server cannot be accidentally deployed without protection. Set a non-empty
// server.admin_key in config to enable admin routes.
func AdminAuth(adminKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminKey == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable,
				gin.H{"error": "admin endpoints disabled: set server.admin_key in config"})
			return
		}
		key := c.GetHeader("X-Admin-Key")
		if key != adminKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
