// Package sse streams live session updates to preview clients over
// Server-Sent Events. Every state-changing REST call publishes the
// resulting state on the session's pub/sub channel; subscribers see
// the story advance without polling.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/641i130/Ayaka/cache"
	mw "github.com/641i130/Ayaka/middleware"
)

const keepaliveInterval = 30 * time.Second

// Channel returns the pub/sub channel carrying one session's events.
func Channel(sessionID string) string { return "session:" + sessionID }

// Event is the envelope pushed to stream subscribers. State carries the
// session state after the change, in the same shape the REST API returns.
type Event struct {
	Kind  string      `json:"kind"`
	State interface{} `json:"state,omitempty"`
}

// Publish marshals an event and publishes it on the session's channel.
// Delivery is best-effort; a session with no subscribers drops events.
func Publish(ctx context.Context, ps cache.PubSub, sessionID string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("sse: marshal event: %w", err)
	}
	return ps.Publish(ctx, Channel(sessionID), string(data))
}

// Handler handles the SSE endpoint.
type Handler struct {
	pubsub cache.PubSub
	logger *zap.Logger
}

// NewHandler creates a new SSE Handler.
func NewHandler(pubsub cache.PubSub, logger *zap.Logger) *Handler {
	return &Handler{pubsub: pubsub, logger: logger}
}

// Stream handles GET /api/sessions/:id/stream?token=<jwt>.
// Auth middleware has already validated the token (EventSource clients
// pass it as a query parameter); here we only pin it to the session in
// the path before switching the connection to an event stream.
func (h *Handler) Stream(c *gin.Context) {
	sessionID := c.Param("id")
	if mw.GetSessionID(c) != sessionID {
		c.JSON(http.StatusForbidden, gin.H{"error": "token not valid for this session"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	subCtx, subCancel := context.WithCancel(c.Request.Context())
	defer subCancel()

	msgCh, unsub, err := h.pubsub.Subscribe(subCtx, Channel(sessionID))
	if err != nil {
		h.logger.Error("sse subscribe failed",
			zap.String("session_id", sessionID), zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	defer unsub()

	// Send initial connected event.
	fmt.Fprintf(c.Writer, "event: connected\ndata: {}\n\n")
	c.Writer.Flush()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			fmt.Fprintf(c.Writer, "event: update\ndata: %s\n\n", msg.Payload)
			c.Writer.Flush()

		case <-ticker.C:
			// Keepalive comment to prevent proxy timeouts.
			fmt.Fprintf(c.Writer, ": keepalive\n\n")
			c.Writer.Flush()

		case <-c.Request.Context().Done():
			return
		}
	}
}
