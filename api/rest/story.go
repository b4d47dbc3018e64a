package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/641i130/Ayaka/game/engine"
)

// StoryHandler serves the loaded story's metadata. The endpoint is
// public: clients read it before they have a session.
type StoryHandler struct {
	eng *engine.Context
}

// NewStoryHandler creates a new StoryHandler.
func NewStoryHandler(eng *engine.Context) *StoryHandler {
	return &StoryHandler{eng: eng}
}

// Meta handles GET /api/story.
func (h *StoryHandler) Meta(c *gin.Context) {
	game := h.eng.Game()
	props := game.Props
	if props == nil {
		props = map[string]string{}
	}
	c.JSON(http.StatusOK, gin.H{
		"title":     game.Title,
		"author":    game.Author,
		"base_lang": game.BaseLang,
		"locales":   game.Locales(),
		"frontend":  h.eng.Frontend().String(),
		"props":     props,
	})
}
