// Package broadcast fans consumed messages out to the local sessions of a
// room.
package broadcast

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/chatflow/server/internal/v1/logging"
	"github.com/chatflow/server/internal/v1/metrics"
	"github.com/chatflow/server/internal/v1/registry"
	"github.com/chatflow/server/internal/v1/types"
	"github.com/chatflow/server/internal/v1/writer"
)

// Counters is a snapshot of the broadcaster metrics.
type Counters struct {
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	NoRoom    int64 `json:"noRoom"`
}

// Broadcaster delivers each consumed message to every live session of its
// room on this node. The frame is marshalled once per message; delivery goes
// through the write serializer, so a slow session never blocks the others.
type Broadcaster struct {
	registry *registry.Registry
	writers  *writer.Manager

	// excludeSender suppresses echoing a message back to the session of the
	// user who sent it. Off by default: the sender's own frame doubles as the
	// end-to-end delivery confirmation.
	excludeSender bool

	delivered atomic.Int64
	failed    atomic.Int64
	noRoom    atomic.Int64
}

func New(reg *registry.Registry, writers *writer.Manager, excludeSender bool) *Broadcaster {
	return &Broadcaster{
		registry:      reg,
		writers:       writers,
		excludeSender: excludeSender,
	}
}

// Broadcast sends the full queue envelope to the room's local sessions, so
// clients see the messageId and roomId alongside the chat payload. A room
// with no local sessions is normal on a partitioned fleet and is only
// counted, not logged.
func (b *Broadcaster) Broadcast(ctx context.Context, msg types.QueueMessage) {
	sessions := b.registry.Snapshot(msg.RoomID)
	if len(sessions) == 0 {
		b.noRoom.Add(1)
		return
	}

	frame, err := json.Marshal(msg)
	if err != nil {
		b.failed.Add(int64(len(sessions)))
		logging.Error(ctx, "failed to marshal broadcast frame",
			zap.String("message_id", msg.MessageID), zap.Error(err))
		return
	}

	for _, s := range sessions {
		if b.excludeSender && s.UserID() == msg.UserID {
			continue
		}
		if b.writers.Send(s, frame) {
			b.delivered.Add(1)
			metrics.BroadcastDeliveries.WithLabelValues("delivered").Inc()
		} else {
			b.failed.Add(1)
			metrics.BroadcastDeliveries.WithLabelValues("failed").Inc()
		}
	}
}

// Snapshot returns the current counter values.
func (b *Broadcaster) Snapshot() Counters {
	return Counters{
		Delivered: b.delivered.Load(),
		Failed:    b.failed.Load(),
		NoRoom:    b.noRoom.Load(),
	}
}
