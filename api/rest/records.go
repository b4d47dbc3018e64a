package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/641i130/Ayaka/game/session"
	"github.com/641i130/Ayaka/playlog"
)

var errNoRecord = errors.New("rest: no record in slot")

// History handles GET /api/sessions/:id/history.
// Returns the rendered lines of the current run, oldest first.
func (h *SessionHandler) History(c *gin.Context) {
	id, ok := bindSession(c)
	if !ok {
		return
	}
	var history []session.ActionPair
	err := h.hub.Do(c.Request.Context(), id, func(s *session.Session) error {
		history = s.CurrentHistory()
		return nil
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

// recordSlot is the wire form of one save slot.
type recordSlot struct {
	Slot    int    `json:"slot"`
	Steps   int    `json:"steps"`
	Preview string `json:"preview"`
}

// Records handles GET /api/sessions/:id/records.
// Lists the save slots with a one-line text preview each.
func (h *SessionHandler) Records(c *gin.Context) {
	id, ok := bindSession(c)
	if !ok {
		return
	}
	var slots []recordSlot
	err := h.hub.Do(c.Request.Context(), id, func(s *session.Session) error {
		recs := s.Records()
		previews := s.RecordsText()
		slots = make([]recordSlot, 0, len(recs))
		for i, rec := range recs {
			slots = append(slots, recordSlot{
				Slot:    i,
				Steps:   len(rec.History),
				Preview: previews[i].String(),
			})
		}
		return nil
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": slots})
}

type saveRequest struct {
	// Omitted or negative appends a new slot.
	Slot *int `json:"slot"`
}

// Save handles POST /api/sessions/:id/save.
// Stores the current run into a slot and persists all records so the
// save outlives the process.
func (h *SessionHandler) Save(c *gin.Context) {
	id, ok := bindSession(c)
	if !ok {
		return
	}
	var req saveRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	slot := -1
	if req.Slot != nil {
		slot = *req.Slot
	}

	var saved int
	err := h.hub.Do(c.Request.Context(), id, func(s *session.Session) error {
		s.SaveTo(slot)
		if slot >= 0 && slot < len(s.Records()) {
			saved = slot
		} else {
			saved = len(s.Records()) - 1
		}
		return s.PersistAll(c.Request.Context())
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	h.record(c, id, playlog.KindSaved, gin.H{"slot": saved})
	c.JSON(http.StatusOK, gin.H{"slot": saved})
}

type loadRequest struct {
	Slot *int `json:"slot" binding:"required"`
}

// Load handles POST /api/sessions/:id/load.
// Resumes play from a saved slot; the displayed position returns to the
// slot's last line and the story continues from there.
func (h *SessionHandler) Load(c *gin.Context) {
	id, ok := bindSession(c)
	if !ok {
		return
	}
	var req loadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	slot := *req.Slot

	var state sessionState
	err := h.hub.Do(c.Request.Context(), id, func(s *session.Session) error {
		if slot < 0 || slot >= len(s.Records()) {
			return errNoRecord
		}
		if err := s.ResumeSlot(slot); err != nil {
			return err
		}
		var err error
		state, err = buildState(id, s)
		return err
	})
	if errors.Is(err, errNoRecord) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no record in slot"})
		return
	}
	if err != nil {
		respondErr(c, err)
		return
	}
	h.publish(c, id, playlog.KindLoaded, state)
	h.record(c, id, playlog.KindLoaded, gin.H{"slot": slot, "position": state.Position})
	c.JSON(http.StatusOK, state)
}

// GetSettings handles GET /api/sessions/:id/settings.
func (h *SessionHandler) GetSettings(c *gin.Context) {
	id, ok := bindSession(c)
	if !ok {
		return
	}
	var (
		st      session.Settings
		locales []string
	)
	err := h.hub.Do(c.Request.Context(), id, func(s *session.Session) error {
		st = s.Settings()
		locales = s.AvailableLocales()
		return nil
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"lang":      st.Lang,
		"sub_lang":  st.SubLang,
		"available": locales,
	})
}

type settingsRequest struct {
	Lang    string `json:"lang"`
	SubLang string `json:"sub_lang"`
}

// PutSettings handles PUT /api/sessions/:id/settings.
// Changes the display languages and re-renders the current line, so
// the response already reads in the new language.
func (h *SessionHandler) PutSettings(c *gin.Context) {
	id, ok := bindSession(c)
	if !ok {
		return
	}
	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var state sessionState
	err := h.hub.Do(c.Request.Context(), id, func(s *session.Session) error {
		s.SetSettings(session.Settings{Lang: req.Lang, SubLang: req.SubLang})
		var err error
		state, err = buildState(id, s)
		return err
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	h.publish(c, id, playlog.KindSettings, state)
	h.record(c, id, playlog.KindSettings, gin.H{"lang": req.Lang, "sub_lang": req.SubLang})
	c.JSON(http.StatusOK, state)
}

// Events handles GET /api/sessions/:id/events?limit=n.
// Returns the session's recent play events from the rolling feed,
// newest first.
func (h *SessionHandler) Events(c *gin.Context) {
	id, ok := bindSession(c)
	if !ok {
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	if limit > 100 {
		limit = 100
	}
	events, err := h.logs.Recent(c.Request.Context(), id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if events == nil {
		events = []json.RawMessage{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}
