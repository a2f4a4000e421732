package handler

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"hangouts-relay/internal/auth"
	"hangouts-relay/internal/hangout"
	"hangouts-relay/internal/model"
	"hangouts-relay/internal/registry"
	"hangouts-relay/internal/relay"
	"hangouts-relay/internal/store"
)

type WebSocketHandler struct {
	Coordinator *relay.Coordinator
	Syncer      *relay.Syncer
	TokenConfig auth.TokenConfig
}

type clientMessage struct {
	Type     string         `json:"type"`
	Command  string         `json:"command,omitempty"`
	Username string         `json:"username,omitempty"`
	Email    string         `json:"email,omitempty"`
	Message  *model.Message `json:"message,omitempty"`
}

type serverMessage struct {
	Type    string         `json:"type"`
	Hangout *model.Hangout `json:"hangout,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// HangoutFrame is the wire encoding for pushed and replayed hangout events;
// the coordinator and syncer are constructed with it.
func HangoutFrame(h model.Hangout) ([]byte, error) {
	return json.Marshal(serverMessage{Type: "hangout", Hangout: &h})
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsWriter serializes writes: pushes for other users' commands arrive from
// their connection goroutines concurrently with this connection's own replies.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) Write(message []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteMessage(websocket.TextMessage, message)
}

func (w *wsWriter) Close() error {
	return w.conn.Close()
}

func (h *WebSocketHandler) Serve(c *gin.Context) {
	tokenString := c.Query("token")
	if tokenString == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	claims, err := auth.VerifyToken(tokenString, h.TokenConfig)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	browserID := c.Query("browserId")
	if browserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing browserId"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	conn := &registry.Connection{
		Username:  claims.Username,
		BrowserID: browserID,
		Writer:    &wsWriter{conn: ws},
	}
	if err := h.Syncer.OnConnect(c.Request.Context(), conn); err != nil {
		log.Printf("ws connect sync (%s/%s): %v", claims.Username, browserID, err)
		_ = ws.Close()
		return
	}
	defer func() {
		h.Syncer.OnDisconnect(conn)
		_ = ws.Close()
	}()

	ws.SetReadLimit(1024 * 1024)
	const pongWait = 60 * time.Second
	const writeWait = 10 * time.Second
	pingPeriod := (pongWait * 9) / 10

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	var closeOnce sync.Once
	closeDone := func() {
		closeOnce.Do(func() {
			close(done)
		})
	}
	defer closeDone()

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				deadline := time.Now().Add(writeWait)
				if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					_ = ws.Close()
					return
				}
			}
		}
	}()

	sender := relay.Identity{Username: claims.Username, BrowserID: browserID}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "ping":
			out, _ := json.Marshal(serverMessage{Type: "pong"})
			_ = conn.Writer.Write(out)
		case "hangout":
			payload := relay.Payload{Username: msg.Username, Email: msg.Email, Message: msg.Message}
			res, err := h.Coordinator.Submit(c.Request.Context(), hangout.Command(msg.Command), sender, payload)
			if err != nil {
				out, _ := json.Marshal(serverMessage{Type: "error", Error: errorCode(err)})
				_ = conn.Writer.Write(out)
				continue
			}
			out, _ := json.Marshal(serverMessage{Type: "ack", Hangout: &res.Sender})
			_ = conn.Writer.Write(out)
		}
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, hangout.ErrUnsupportedCommand):
		return "UNSUPPORTED_COMMAND"
	case errors.Is(err, store.ErrStorageUnavailable):
		return "STORAGE_UNAVAILABLE"
	case errors.Is(err, relay.ErrValidationFailed):
		return "VALIDATION_FAILED"
	default:
		return "INTERNAL"
	}
}
