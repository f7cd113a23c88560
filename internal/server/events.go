package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/workspace/backend/internal/presence"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const websocketWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type presenceRequestPayload struct {
	ClientID string           `json:"clientId"`
	Name     string           `json:"name"`
	Color    string           `json:"color"`
	Cursor   *presence.Cursor `json:"cursor"`
}

type presenceResponsePayload struct {
	Peers []presence.Peer `json:"peers"`
}

func (h *httpHandler) handlePresence(c *gin.Context) {
	principal, userID, ok := principalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	documentID, ok := documentIDFrom(c)
	if !ok {
		return
	}
	var request presenceRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.ClientID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if _, err := h.documents.Get(c.Request.Context(), documentID); err != nil {
		h.respondError(c, "presence", err)
		return
	}

	name := strings.TrimSpace(request.Name)
	if name == "" {
		name = principal.Name
	}
	if name == "" {
		name = userID.String()
	}
	peers, err := presence.Exchange(c.Request.Context(), h.presence, documentID.String(), presence.Peer{
		ClientID: strings.TrimSpace(request.ClientID),
		UserID:   userID.String(),
		Name:     name,
		Color:    request.Color,
		Cursor:   request.Cursor,
	})
	if err != nil {
		h.logger.Error("presence exchange failed", zap.String("document_id", documentID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence_failed"})
		return
	}
	c.JSON(http.StatusOK, presenceResponsePayload{Peers: peers})
}

// handleEvents streams change messages for one document over a websocket.
func (h *httpHandler) handleEvents(c *gin.Context) {
	documentID, ok := documentIDFrom(c)
	if !ok {
		return
	}
	if _, err := h.documents.Get(c.Request.Context(), documentID); err != nil {
		h.respondError(c, "events", err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	stream, cancel := h.dispatcher.Subscribe(ctx, documentID.String())
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-ctx.Done():
			return
		case message := <-stream:
			if err := writeChange(conn, message); err != nil {
				return
			}
		case now := <-ticker.C:
			heartbeat := ChangeMessage{Event: changeEventHeartbeat, DocumentID: documentID.String(), Timestamp: now.UTC()}
			if err := writeChange(conn, heartbeat); err != nil {
				return
			}
		}
	}
}

func writeChange(conn *websocket.Conn, message ChangeMessage) error {
	if err := conn.SetWriteDeadline(time.Now().Add(websocketWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(message)
}
