package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	realtimeWriteTimeout = 10 * time.Second
	realtimePingInterval = 30 * time.Second
)

var realtimeUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The HTTP surface already allows any origin; the socket follows suit.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleRealtime upgrades the connection and streams session events as JSON
// frames until the client disconnects. Browsers cannot set headers on a
// websocket handshake, so the token rides in the query string.
func (h *httpHandler) handleRealtime(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	if _, err := h.tokens.ValidateToken(token); err != nil {
		h.logger.Warn("realtime token validation failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := realtimeUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	events, unsubscribe := h.session.Events().Subscribe(c.Request.Context())
	defer unsubscribe()

	// Reader goroutine: clients send nothing meaningful, but reading is
	// required to observe close frames and pong responses.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(realtimePingInterval)
	defer ping.Stop()

	for {
		select {
		case event, open := <-events:
			if !open {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(realtimeWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(realtimeWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
