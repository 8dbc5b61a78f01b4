package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"mediabot/internal/models"
)

const (
	eventBuffer  = 64
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// eventHub fans job events out to websocket clients. Each client has a
// bounded send buffer; a client that falls behind is disconnected.
type eventHub struct {
	mu       sync.Mutex
	clients  map[*eventClient]struct{}
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

type eventClient struct {
	conn   *websocket.Conn
	chatID int64
	send   chan []byte
	once   sync.Once
	done   chan struct{}
}

func newEventHub(logger *slog.Logger) *eventHub {
	return &eventHub{
		clients: make(map[*eventClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// broadcast is registered as a scheduler observer and must not block.
func (h *eventHub) broadcast(ev models.JobEvent) {
	data, err := json.Marshal(gin.H{"type": "job_update", "event": ev})
	if err != nil {
		h.logger.Warn("marshal job event failed", "job_id", ev.JobID, "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.chatID != 0 && c.chatID != ev.ChatID {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.Warn("event client too slow, disconnecting")
			delete(h.clients, c)
			c.close()
		}
	}
}

func (h *eventHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *eventHub) register(c *eventClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("event client connected", "clients", n, "chat_id", c.chatID)
}

func (h *eventHub) unregister(c *eventClient) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	c.close()
	h.logger.Info("event client disconnected", "clients", n)
}

func (c *eventClient) close() {
	c.once.Do(func() { close(c.done) })
}

// serve upgrades the request and streams events until either side closes.
// An optional chat_id query parameter restricts the stream to one chat.
func (h *eventHub) serve(c *gin.Context) {
	var chatID int64
	if raw := c.Query("chat_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat_id"})
			return
		}
		chatID = id
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := &eventClient{
		conn:   conn,
		chatID: chatID,
		send:   make(chan []byte, eventBuffer),
		done:   make(chan struct{}),
	}
	h.register(client)

	// the read loop only notices the peer going away
	go func() {
		defer h.unregister(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case <-client.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case data := <-client.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.unregister(client)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				h.unregister(client)
				return
			}
		}
	}
}
