package health

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chatflow/server/internal/v1/broadcast"
	"github.com/chatflow/server/internal/v1/consumer"
	"github.com/chatflow/server/internal/v1/queue"
	"github.com/chatflow/server/internal/v1/registry"
	"github.com/chatflow/server/internal/v1/store"
	"github.com/chatflow/server/internal/v1/transport"
	"github.com/chatflow/server/internal/v1/writer"
)

// Stats aggregates the per-component counter snapshots into one operator
// endpoint. Optional components are nil when disabled and omitted from the
// response.
type Stats struct {
	ServerID string
	NodeList []string
	Rooms    int

	Hub         *transport.Hub
	Writers     *writer.Manager
	Registry    *registry.Registry
	Queue       *queue.Service
	Batcher     *queue.Batcher
	DLQ         *queue.DeadLetter
	BatchWriter *store.BatchWriter
	Pool        *consumer.Pool
	Broadcaster *broadcast.Broadcaster
}

// Handler serves GET /stats. With ?queues=true it additionally fetches the
// approximate depth gauges for every room queue this node consumes; that
// round-trips to the external queue per room, so it is opt-in.
func (s *Stats) Handler(c *gin.Context) {
	resp := gin.H{
		"serverId":      s.ServerID,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"activeRooms":   s.Registry.RoomCount(),
		"totalSessions": s.Registry.SessionCount(),
		"roomSessions":  s.Registry.RoomStats(),
	}

	if s.Hub != nil {
		resp["ingress"] = s.Hub.Snapshot()
	}
	if s.Writers != nil {
		resp["writeSerializer"] = s.Writers.Snapshot()
	}
	if s.Queue != nil {
		resp["queueMessagesSent"] = s.Queue.MessagesSent()
	}
	if s.Batcher != nil {
		resp["producerBatcher"] = s.Batcher.Snapshot()
	}
	if s.BatchWriter != nil {
		resp["batchWriter"] = s.BatchWriter.Snapshot()
	}
	if s.DLQ != nil {
		resp["deadLetter"] = s.DLQ.Snapshot()
	}
	if s.Broadcaster != nil {
		resp["broadcast"] = s.Broadcaster.Snapshot()
	}
	if s.Pool != nil {
		resp["consumer"] = s.Pool.Snapshot()
		resp["partition"] = gin.H{
			"nodeList":      s.NodeList,
			"assignedRooms": s.Pool.Rooms(),
			"assignments":   consumer.AllAssignments(s.NodeList, s.Rooms),
		}
	}

	if c.Query("queues") == "true" && s.Queue != nil && s.Pool != nil {
		attrs := make(map[string]any)
		for _, roomID := range s.Pool.Rooms() {
			a, err := s.Queue.QueueAttributes(c.Request.Context(), roomID)
			if err != nil {
				attrs[roomID] = gin.H{"error": err.Error()}
				continue
			}
			attrs[roomID] = a
		}
		resp["queueAttributes"] = attrs
	}

	c.JSON(http.StatusOK, resp)
}
