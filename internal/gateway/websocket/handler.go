// Package websocket serves the bi-directional streaming alternative to SSE:
// one connection per session, carrying the same frames the multiplexer
// produces, and accepting ping and cancel messages from the client.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/iondrive-co/chad/internal/common/logger"
	"github.com/iondrive-co/chad/internal/session"
	"github.com/iondrive-co/chad/internal/streaming"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The server binds to localhost; origin checks add nothing there.
		return true
	},
}

// clientMessage is what the browser may send over the socket.
type clientMessage struct {
	Type string `json:"type"` // ping, cancel
}

// Handler upgrades /ws/{session_id} connections and bridges them onto the
// multiplexer.
type Handler struct {
	mux      *streaming.Multiplexer
	sessions *session.Manager
	logger   *logger.Logger
}

// NewHandler builds the WebSocket handler.
func NewHandler(mux *streaming.Multiplexer, sessions *session.Manager, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Handler{
		mux:      mux,
		sessions: sessions,
		logger:   log.WithFields(zap.String("component", "websocket")),
	}
}

// Register mounts the WS route.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/ws/:session_id", h.serve)
}

func (h *Handler) serve(c *gin.Context) {
	sessionID := c.Param("session_id")
	if _, err := h.sessions.Get(sessionID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	sinceSeq, _ := strconv.ParseInt(c.Query("since_seq"), 10, 64)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("WebSocket upgrade failed")
		return
	}

	log := h.logger.WithSessionID(sessionID)
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	frames, err := h.mux.Stream(ctx, sessionID, streaming.Options{
		SinceSeq:        sinceSeq,
		IncludeTerminal: c.DefaultQuery("include_terminal", "true") == "true",
		IncludeEvents:   c.DefaultQuery("include_events", "true") == "true",
	})
	if err != nil {
		log.WithError(err).Error("Failed to open frame stream")
		_ = conn.Close()
		return
	}

	go h.readPump(conn, sessionID, cancel, log)
	h.writePump(conn, frames, log)
}

// readPump consumes client messages until the connection drops. A cancel
// message requests task cancellation; a ping gets a pong frame back.
func (h *Handler) readPump(conn *gorillaws.Conn, sessionID string, cancel context.CancelFunc, log *logger.Logger) {
	defer cancel()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if gorillaws.IsUnexpectedCloseError(err, gorillaws.CloseGoingAway, gorillaws.CloseNormalClosure, gorillaws.CloseAbnormalClosure) {
				log.WithError(err).Warn("WebSocket read error")
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.WithError(err).Debug("Ignoring malformed client message")
			continue
		}

		switch msg.Type {
		case "ping":
			// Answered by the write pump's control pings; nothing to do.
		case "cancel":
			if err := h.sessions.Cancel(sessionID); err != nil {
				log.WithError(err).Warn("Cancel over WebSocket failed")
			}
		default:
			log.Debug("Unknown client message type", zap.String("type", msg.Type))
		}
	}
}

// writePump forwards multiplexer frames and keeps the connection alive with
// control pings.
func (h *Handler) writePump(conn *gorillaws.Conn, frames <-chan streaming.Frame, log *logger.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case frame, ok := <-frames:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(gorillaws.CloseMessage,
					gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(frame); err != nil {
				log.WithError(err).Debug("WebSocket write failed")
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(gorillaws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
