package http

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/layer-3/authflow/internal/logger"
	"github.com/layer-3/authflow/service"
)

const (
	DefaultHeartbeat = 15 * time.Second

	// Sent once the subscription is live. Events published after it are
	// delivered on this stream.
	readyEvent = "ready"
)

// StreamHandler serves session progress as server-sent events.
type StreamHandler struct {
	authService *service.AuthService
	heartbeat   time.Duration
}

func NewStreamHandler(authService *service.AuthService, heartbeat time.Duration) *StreamHandler {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &StreamHandler{authService: authService, heartbeat: heartbeat}
}

// Stream relays every event published for the session until the client goes
// away or the session's feed is closed.
func (h *StreamHandler) Stream(c *gin.Context) {
	id := c.Param("id")
	feed, unsubscribe, err := h.authService.Subscribe(id)
	if err != nil {
		writeError(c, err)
		return
	}
	defer unsubscribe()

	log := logger.From(c.Request.Context(), nil).With(logger.SessionID(id))
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(readyEvent, gin.H{"sessionId": id})
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-feed:
			if !ok {
				log.Debug("feed closed")
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		case <-ticker.C:
			_, err := io.WriteString(w, ": ping\n\n")
			return err == nil
		}
	})
}
