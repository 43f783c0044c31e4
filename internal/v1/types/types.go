// Package types defines the wire-level message shapes shared by the ingress
// handler, the queue producer/consumer, and the persistence layer.
package types

import (
	"time"

	"github.com/google/uuid"
)

// MessageType classifies a chat frame.
type MessageType string

const (
	MessageText  MessageType = "TEXT"
	MessageJoin  MessageType = "JOIN"
	MessageLeave MessageType = "LEAVE"
)

// Valid reports whether t is one of the three accepted frame kinds.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageJoin, MessageLeave:
		return true
	}
	return false
}

// ChatMessage is the client→server frame. All fields arrive as strings;
// Timestamp is the client's ISO-8601 clock reading and is never trusted for
// ordering.
type ChatMessage struct {
	UserID      string      `json:"userId"`
	Username    string      `json:"username"`
	Message     string      `json:"message"`
	Timestamp   string      `json:"timestamp"`
	MessageType MessageType `json:"messageType"`
}

// QueueMessage is the envelope that travels through the external queue and is
// eventually persisted. It is created once at ingress and immutable afterward.
type QueueMessage struct {
	MessageID   string      `json:"messageId"`
	RoomID      string      `json:"roomId"`
	UserID      string      `json:"userId"`
	Username    string      `json:"username"`
	Message     string      `json:"message"`
	Timestamp   string      `json:"timestamp"` // server clock, ISO-8601 UTC
	MessageType MessageType `json:"messageType"`
	ServerID    string      `json:"serverId"`
	ClientIP    string      `json:"clientIp"`
}

// NewQueueMessage stamps a validated chat frame with a fresh message id and
// the server-side timestamp.
func NewQueueMessage(roomID string, msg ChatMessage, serverID, clientIP string) QueueMessage {
	return QueueMessage{
		MessageID:   uuid.NewString(),
		RoomID:      roomID,
		UserID:      msg.UserID,
		Username:    msg.Username,
		Message:     msg.Message,
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		MessageType: msg.MessageType,
		ServerID:    serverID,
		ClientIP:    clientIP,
	}
}

// TimestampAsTime parses the envelope timestamp for the persistence boundary.
// A missing or unparsable timestamp falls back to now; row ordering in the
// store does not depend on it.
func (m QueueMessage) TimestampAsTime() time.Time {
	if m.Timestamp == "" {
		return time.Now().UTC()
	}
	t, err := time.Parse(time.RFC3339Nano, m.Timestamp)
	if err != nil {
		return time.Now().UTC()
	}
	return t
}

// MessageResponse is the server→client reply to a submitted frame. Status is
// "SUCCESS" or "ERROR"; only an explicit SUCCESS constitutes an ack. Broadcast
// envelopes are distinct frames and never carry a status.
type MessageResponse struct {
	Status          string       `json:"status"`
	MessageID       string       `json:"messageId,omitempty"`
	ServerTimestamp string       `json:"serverTimestamp,omitempty"`
	OriginalMessage *ChatMessage `json:"originalMessage,omitempty"`
	ErrorMessage    string       `json:"errorMessage,omitempty"`
}

// SuccessResponse builds the ingress ack for an accepted frame.
func SuccessResponse(messageID string, original ChatMessage) MessageResponse {
	return MessageResponse{
		Status:          "SUCCESS",
		MessageID:       messageID,
		ServerTimestamp: time.Now().UTC().Format(time.RFC3339Nano),
		OriginalMessage: &original,
	}
}

// ErrorResponse builds an error reply. The connection stays open; errors are
// per-frame.
func ErrorResponse(reason string) MessageResponse {
	return MessageResponse{
		Status:          "ERROR",
		ServerTimestamp: time.Now().UTC().Format(time.RFC3339Nano),
		ErrorMessage:    reason,
	}
}
