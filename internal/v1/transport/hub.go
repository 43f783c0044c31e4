// Package transport owns the WebSocket ingress: connection acceptance on
// /chat/:roomId, inbound frame handling, and the ack path back to the sender.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chatflow/server/internal/v1/logging"
	"github.com/chatflow/server/internal/v1/metrics"
	"github.com/chatflow/server/internal/v1/presence"
	"github.com/chatflow/server/internal/v1/queue"
	"github.com/chatflow/server/internal/v1/ratelimit"
	"github.com/chatflow/server/internal/v1/registry"
	"github.com/chatflow/server/internal/v1/writer"
)

// Counters is a snapshot of the ingress metrics.
type Counters struct {
	MessagesReceived int64 `json:"messagesReceived"`
	MessagesQueued   int64 `json:"messagesQueued"`
	MessagesFailed   int64 `json:"messagesFailed"`
	AcksSent         int64 `json:"acksSent"`
	AcksFailed       int64 `json:"acksFailed"`
}

// Hub accepts WebSocket connections and binds each to a room session. All
// per-frame work happens in the session's read loop; the hub only does
// admission and teardown.
type Hub struct {
	registry    *registry.Registry
	writers     *writer.Manager
	producer    queue.Producer
	presence    *presence.Service
	rateLimiter *ratelimit.RateLimiter

	serverID       string
	rooms          int
	allowedOrigins []string
	queueCapacity  int

	messagesReceived atomic.Int64
	messagesQueued   atomic.Int64
	messagesFailed   atomic.Int64
	acksSent         atomic.Int64
	acksFailed       atomic.Int64
}

// NewHub wires the ingress against its collaborators. allowedOrigins is the
// comma-separated browser origin allowlist; empty allows localhost only.
func NewHub(reg *registry.Registry, writers *writer.Manager, producer queue.Producer, pres *presence.Service, rl *ratelimit.RateLimiter, serverID string, rooms int, allowedOrigins string, queueCapacity int) *Hub {
	origins := []string{"http://localhost:3000"}
	if allowedOrigins != "" {
		origins = origins[:0]
		for _, o := range strings.Split(allowedOrigins, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return &Hub{
		registry:       reg,
		writers:        writers,
		producer:       producer,
		presence:       pres,
		rateLimiter:    rl,
		serverID:       serverID,
		rooms:          rooms,
		allowedOrigins: origins,
		queueCapacity:  queueCapacity,
	}
}

// ServeWs validates the request and upgrades to a WebSocket connection.
// Everything that can be rejected is rejected before the upgrade, while a
// plain HTTP error response is still possible.
func (h *Hub) ServeWs(c *gin.Context) {
	if h.rateLimiter != nil && !h.rateLimiter.CheckWebSocket(c) {
		return
	}

	roomID, err := h.validateRoomID(c.Param("roomId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := validateOrigin(c.Request, h.allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	conn, err := h.upgradeWebSocket(c)
	if err != nil {
		return
	}

	h.HandleConnection(c, conn, roomID)
}

// HandleConnection registers the established connection and starts its read
// loop. Split from ServeWs so tests can drive it with a fake connection.
func (h *Hub) HandleConnection(c *gin.Context, conn wsConnection, roomID string) {
	session := writer.NewSession(uuid.NewString(), roomID, conn, c.ClientIP(), h.queueCapacity)
	h.registry.Add(roomID, session)
	if err := h.presence.Join(c.Request.Context(), roomID, session.ID); err != nil {
		logging.Warn(c.Request.Context(), "presence join failed", zap.Error(err))
	}
	metrics.IncConnection()

	logging.Info(c.Request.Context(), "session connected",
		zap.String("session_id", session.ID),
		zap.String("room_id", roomID),
		zap.String("client_ip", session.ClientIP))

	client := &client{hub: h, session: session, conn: conn}
	go client.readPump()
}

// validateRoomID accepts only integer room ids within the fixed room set.
func (h *Hub) validateRoomID(raw string) (string, error) {
	id, err := strconv.Atoi(raw)
	if err != nil {
		return "", fmt.Errorf("roomId must be an integer")
	}
	if id < 1 || id > h.rooms {
		return "", fmt.Errorf("roomId must be between 1 and %d", h.rooms)
	}
	return strconv.Itoa(id), nil
}

// validateOrigin checks the request origin against the allowlist. Requests
// without an Origin header are allowed so non-browser clients can connect.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin URL: %w", err)
	}

	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}

	logging.Warn(r.Context(), "origin not in allowed list",
		zap.String("origin", origin), zap.Strings("allowed_origins", allowedOrigins))
	return fmt.Errorf("origin not allowed: %s", origin)
}

func (h *Hub) upgradeWebSocket(c *gin.Context) (wsConnection, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, h.allowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "failed to upgrade connection", zap.Error(err))
		return nil, err
	}
	return conn, nil
}

// Shutdown closes every live session so clients reconnect elsewhere.
func (h *Hub) Shutdown(ctx context.Context) {
	logging.Info(ctx, "closing all live sessions")
	closed := 0
	for room := 1; room <= h.rooms; room++ {
		for _, s := range h.registry.Snapshot(strconv.Itoa(room)) {
			h.writers.Close(s)
			closed++
		}
	}
	logging.Info(ctx, "sessions closed", zap.Int("count", closed))
}

// Snapshot returns the current counter values.
func (h *Hub) Snapshot() Counters {
	return Counters{
		MessagesReceived: h.messagesReceived.Load(),
		MessagesQueued:   h.messagesQueued.Load(),
		MessagesFailed:   h.messagesFailed.Load(),
		AcksSent:         h.acksSent.Load(),
		AcksFailed:       h.acksFailed.Load(),
	}
}
