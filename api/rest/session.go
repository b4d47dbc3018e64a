package rest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/641i130/Ayaka/api/sse"
	"github.com/641i130/Ayaka/cache"
	"github.com/641i130/Ayaka/config"
	"github.com/641i130/Ayaka/game/session"
	mw "github.com/641i130/Ayaka/middleware"
	"github.com/641i130/Ayaka/playlog"
)

const cacheTimeout = 2 * time.Second

// SessionHandler handles play-session REST endpoints. All state changes
// go through the hub, which serializes access per session; after each
// change the new state is pushed to stream subscribers and recorded in
// the play log.
type SessionHandler struct {
	hub        *session.Hub
	pubsub     cache.PubSub
	logs       *playlog.Service
	sec        config.SecurityConfig
	storyTitle string
	logger     *zap.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(hub *session.Hub, pubsub cache.PubSub, logs *playlog.Service,
	sec config.SecurityConfig, storyTitle string, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		hub:        hub,
		pubsub:     pubsub,
		logs:       logs,
		sec:        sec,
		storyTitle: storyTitle,
		logger:     logger,
	}
}

// sessionState is the wire form of a session's current state. Actions
// is nil before the first step; Done marks a finished story.
type sessionState struct {
	SessionID  string              `json:"session_id"`
	Title      string              `json:"title,omitempty"`
	Done       bool                `json:"done"`
	Actions    *session.ActionPair `json:"actions,omitempty"`
	Position   *session.Position   `json:"position,omitempty"`
	Visited    bool                `json:"visited"`
	CanGoBack  bool                `json:"can_go_back"`
	HistoryLen int                 `json:"history_len"`
}

// buildState renders the session's displayed position into wire form.
// A session with history but no displayed position has run past the end.
func buildState(id string, s *session.Session) (sessionState, error) {
	st := sessionState{
		SessionID:  id,
		Title:      s.CurrentTitle(),
		CanGoBack:  s.CanGoBack(),
		HistoryLen: s.HistoryLen(),
	}
	cur, ok := s.CurrentRun()
	if !ok {
		st.Done = st.HistoryLen > 0
		return st, nil
	}
	pos := session.PositionOf(cur)
	st.Position = &pos
	st.Visited = s.CurrentVisited()
	pair, _, err := s.CurrentActions()
	if err != nil {
		return st, err
	}
	st.Actions = &pair
	return st, nil
}

// bindSession pins the authenticated token to the session in the path.
// Tokens are minted per session; using one against another session's
// routes is a 403 even if the token itself is valid.
func bindSession(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if mw.GetSessionID(c) != id {
		c.JSON(http.StatusForbidden, gin.H{"error": "token not valid for this session"})
		return "", false
	}
	return id, true
}

// respondErr maps hub errors onto HTTP statuses.
func respondErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, session.ErrHubFull):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "too many sessions"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// publish pushes the new state to the session's stream subscribers.
func (h *SessionHandler) publish(c *gin.Context, id, kind string, state sessionState) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), cacheTimeout)
	defer cancel()
	if err := sse.Publish(ctx, h.pubsub, id, sse.Event{Kind: kind, State: state}); err != nil {
		h.logger.Warn("publish state failed",
			zap.String("session_id", id), zap.Error(err))
	}
}

// record appends an event to the play log.
func (h *SessionHandler) record(c *gin.Context, id, kind string, payload interface{}) {
	h.logs.Record(playlog.Entry{
		TraceID:   mw.GetTraceID(c),
		SessionID: id,
		Title:     h.storyTitle,
		Kind:      kind,
		Payload:   payload,
	})
}

type createSessionRequest struct {
	Lang    string `json:"lang"`
	SubLang string `json:"sub_lang"`
}

// Create handles POST /api/sessions.
// Starts a fresh session and returns its id plus the token that
// controls it. The body is optional; without one the story's base
// language is used.
func (h *SessionHandler) Create(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := h.hub.Create(c.Request.Context(), session.Settings{
		Lang:    req.Lang,
		SubLang: req.SubLang,
	})
	if err != nil {
		respondErr(c, err)
		return
	}

	token, err := mw.GenerateToken(id, h.sec.JWTSecret, h.sec.JWTTTLH)
	if err != nil {
		h.hub.Remove(c.Request.Context(), id)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token error"})
		return
	}

	var state sessionState
	if err := h.hub.Do(c.Request.Context(), id, func(s *session.Session) error {
		var err error
		state, err = buildState(id, s)
		return err
	}); err != nil {
		h.logger.Warn("initial state failed", zap.String("session_id", id), zap.Error(err))
	}

	h.record(c, id, playlog.KindOpened, gin.H{"lang": req.Lang, "sub_lang": req.SubLang})
	c.JSON(http.StatusCreated, gin.H{
		"session_id": id,
		"token":      token,
		"state":      state,
	})
}

// Get handles GET /api/sessions/:id.
func (h *SessionHandler) Get(c *gin.Context) {
	id, ok := bindSession(c)
	if !ok {
		return
	}
	var state sessionState
	err := h.hub.Do(c.Request.Context(), id, func(s *session.Session) error {
		var err error
		state, err = buildState(id, s)
		return err
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// Delete handles DELETE /api/sessions/:id.
// Persists the session's records before dropping it; the token stops
// working once the presence key is gone.
func (h *SessionHandler) Delete(c *gin.Context) {
	id, ok := bindSession(c)
	if !ok {
		return
	}
	err := h.hub.Do(c.Request.Context(), id, func(s *session.Session) error {
		return s.PersistAll(c.Request.Context())
	})
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			respondErr(c, err)
			return
		}
		// Still close, but tell the client the save may be incomplete.
		h.logger.Error("persist on close failed",
			zap.String("session_id", id), zap.Error(err))
	}
	// The hub fires the close hook, which records the event.
	h.hub.Remove(c.Request.Context(), id)
	c.JSON(http.StatusOK, gin.H{"message": "closed", "persisted": err == nil})
}
