package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chatflow/server/internal/v1/logging"
	"github.com/chatflow/server/internal/v1/metrics"
	"github.com/chatflow/server/internal/v1/types"
	"github.com/chatflow/server/internal/v1/writer"
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// client drives one session's read loop. The write side lives entirely in the
// write serializer; this type only ever reads from the socket and hands
// frames off.
type client struct {
	hub     *Hub
	session *writer.Session
	conn    wsConnection
}

// readPump processes inbound frames until the socket errors or closes. Each
// text frame is parsed, validated, published to the room's queue partition,
// and acknowledged. Frame handling never blocks on the socket write path.
func (c *client) readPump() {
	defer func() {
		c.hub.writers.Close(c.session)
		metrics.DecConnection()
		logging.Info(context.Background(), "session disconnected",
			zap.String("session_id", c.session.ID),
			zap.String("room_id", c.session.RoomID))
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Warn(context.Background(), "socket read failed",
					zap.String("session_id", c.session.ID), zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.handleFrame(data)
	}
}

// handleFrame runs one inbound frame through parse, validate, publish, ack.
// Validation failures are terminal for the frame but not the connection: the
// client gets an ERROR ack and the session stays open.
func (c *client) handleFrame(data []byte) {
	ctx := context.Background()
	c.hub.messagesReceived.Add(1)

	var msg types.ChatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.hub.messagesFailed.Add(1)
		metrics.IngressFrames.WithLabelValues("parse_error").Inc()
		c.sendAck(types.ErrorResponse("invalid message format"))
		return
	}

	if err := msg.Validate(); err != nil {
		c.hub.messagesFailed.Add(1)
		metrics.IngressFrames.WithLabelValues("validation_error").Inc()
		c.sendAck(types.ErrorResponse(err.Error()))
		return
	}

	// First valid frame binds the user to the session for sender exclusion.
	if c.session.UserID() == "" {
		c.session.SetUserID(msg.UserID)
	}

	queueMsg := types.NewQueueMessage(c.session.RoomID, msg, c.hub.serverID, c.session.ClientIP)
	if err := c.hub.producer.Publish(ctx, queueMsg); err != nil {
		c.hub.messagesFailed.Add(1)
		metrics.IngressFrames.WithLabelValues("publish_error").Inc()
		logging.Error(ctx, "publish failed",
			zap.String("session_id", c.session.ID),
			zap.String("message_id", queueMsg.MessageID),
			zap.Error(err))
		c.sendAck(types.ErrorResponse("failed to queue message"))
		return
	}

	c.hub.messagesQueued.Add(1)
	metrics.IngressFrames.WithLabelValues("queued").Inc()
	c.sendAck(types.SuccessResponse(queueMsg.MessageID, msg))
}

// sendAck delivers the response through the write serializer so acks and
// broadcasts interleave on a single writer.
func (c *client) sendAck(resp types.MessageResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		c.hub.acksFailed.Add(1)
		return
	}
	if c.hub.writers.Send(c.session, data) {
		c.hub.acksSent.Add(1)
	} else {
		c.hub.acksFailed.Add(1)
	}
}
