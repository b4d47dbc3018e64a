package rest

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/641i130/Ayaka/game/engine"
	"github.com/641i130/Ayaka/game/session"
	"github.com/641i130/Ayaka/playlog"
)

var (
	errNoPendingChoice   = errors.New("rest: no pending choice")
	errChoiceUnavailable = errors.New("rest: choice unavailable")
)

// Next handles POST /api/sessions/:id/next.
// Advances the story one step and returns the new state.
func (h *SessionHandler) Next(c *gin.Context) {
	id, ok := bindSession(c)
	if !ok {
		return
	}
	var state sessionState
	err := h.hub.Do(c.Request.Context(), id, func(s *session.Session) error {
		if _, _, err := s.Step(); err != nil {
			return err
		}
		var err error
		state, err = buildState(id, s)
		return err
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	h.publish(c, id, playlog.KindStepped, state)
	h.record(c, id, playlog.KindStepped, gin.H{"position": state.Position, "done": state.Done})
	c.JSON(http.StatusOK, state)
}

// Back handles POST /api/sessions/:id/back.
// Undoes the last displayed line. With less than two lines of history
// there is nothing to return to and the call is a conflict.
func (h *SessionHandler) Back(c *gin.Context) {
	id, ok := bindSession(c)
	if !ok {
		return
	}
	var (
		state sessionState
		moved bool
	)
	err := h.hub.Do(c.Request.Context(), id, func(s *session.Session) error {
		moved = s.GoBack()
		if !moved {
			return nil
		}
		var err error
		state, err = buildState(id, s)
		return err
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	if !moved {
		c.JSON(http.StatusConflict, gin.H{"error": "nothing to go back to"})
		return
	}
	h.publish(c, id, playlog.KindBacked, state)
	h.record(c, id, playlog.KindBacked, gin.H{"position": state.Position})
	c.JSON(http.StatusOK, state)
}

type switchRequest struct {
	// Pointer so index 0 binds as present.
	Index *int `json:"index" binding:"required"`
}

// Switch handles POST /api/sessions/:id/switch.
// Picks a branch of the pending choice, then advances into it. Choices
// are only open while the displayed line is a switch line; picking a
// disabled or out-of-range entry is a client error, not a panic.
func (h *SessionHandler) Switch(c *gin.Context) {
	id, ok := bindSession(c)
	if !ok {
		return
	}
	var req switchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	index := *req.Index

	var state sessionState
	err := h.hub.Do(c.Request.Context(), id, func(s *session.Session) error {
		pair, ok, err := s.CurrentActions()
		if err != nil {
			return err
		}
		if !ok || pair.Primary.Kind != engine.ActionKindSwitches {
			return errNoPendingChoice
		}
		flags := s.Switches()
		if index < 0 || index >= len(flags) || !flags[index] {
			return errChoiceUnavailable
		}
		s.SelectSwitch(index)
		if _, _, err := s.Step(); err != nil {
			return err
		}
		state, err = buildState(id, s)
		return err
	})
	switch {
	case errors.Is(err, errNoPendingChoice):
		c.JSON(http.StatusConflict, gin.H{"error": "no pending choice"})
		return
	case errors.Is(err, errChoiceUnavailable):
		c.JSON(http.StatusBadRequest, gin.H{"error": "choice unavailable"})
		return
	case err != nil:
		respondErr(c, err)
		return
	}
	h.publish(c, id, playlog.KindSwitched, state)
	h.record(c, id, playlog.KindSwitched, gin.H{"index": index, "position": state.Position})
	c.JSON(http.StatusOK, state)
}

// Restart handles POST /api/sessions/:id/restart.
// Drops the current run and starts the story over. Saved records and
// the global ledger survive.
func (h *SessionHandler) Restart(c *gin.Context) {
	id, ok := bindSession(c)
	if !ok {
		return
	}
	var state sessionState
	err := h.hub.Do(c.Request.Context(), id, func(s *session.Session) error {
		s.StartNew()
		var err error
		state, err = buildState(id, s)
		return err
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	h.publish(c, id, playlog.KindRestarted, state)
	h.record(c, id, playlog.KindRestarted, nil)
	c.JSON(http.StatusOK, state)
}
