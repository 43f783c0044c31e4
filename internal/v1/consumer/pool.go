package consumer

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/chatflow/server/internal/v1/logging"
	"github.com/chatflow/server/internal/v1/metrics"
	"github.com/chatflow/server/internal/v1/queue"
	"github.com/chatflow/server/internal/v1/types"
)

// idleBackoff is the pause after a receive returns no messages, so an empty
// long poll does not spin the worker.
const idleBackoff = 100 * time.Millisecond

// Dispatcher fans a consumed message out to the room's local sessions.
type Dispatcher interface {
	Broadcast(ctx context.Context, msg types.QueueMessage)
}

// Sink accepts a consumed message for persistence. A false return means the
// message must stay on the queue for redelivery.
type Sink interface {
	Enqueue(msg types.QueueMessage) bool
}

// PoolCounters is a snapshot of the consumer metrics.
type PoolCounters struct {
	Processed       int64 `json:"processed"`
	DecodeFailures  int64 `json:"decodeFailures"`
	ReceiveFailures int64 `json:"receiveFailures"`
	Redelivered     int64 `json:"redelivered"`
	Workers         int   `json:"workers"`
}

// Pool polls this node's assigned room queues and drives each message through
// broadcast and persistence. Worker count is capped at the number of assigned
// rooms; rooms are distributed round-robin so every room has exactly one
// polling worker and per-room delivery order is preserved.
type Pool struct {
	svc               *queue.Service
	dispatcher        Dispatcher
	sink              Sink
	rooms             []string
	maxMessages       int32
	waitTime          int32
	visibilityTimeout int32

	workers int
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	processed       atomic.Int64
	decodeFailures  atomic.Int64
	receiveFailures atomic.Int64
	redelivered     atomic.Int64
}

// PoolConfig carries the receive tuning knobs.
type PoolConfig struct {
	Threads           int
	MaxMessages       int
	WaitTimeSeconds   int
	VisibilityTimeout int
}

// NewPool creates the pool without starting it. sink may be nil when
// persistence is disabled; messages are then deleted after broadcast.
func NewPool(svc *queue.Service, dispatcher Dispatcher, sink Sink, rooms []string, cfg PoolConfig) *Pool {
	workers := cfg.Threads
	if workers > len(rooms) {
		workers = len(rooms)
	}
	return &Pool{
		svc:               svc,
		dispatcher:        dispatcher,
		sink:              sink,
		rooms:             rooms,
		maxMessages:       int32(cfg.MaxMessages),
		waitTime:          int32(cfg.WaitTimeSeconds),
		visibilityTimeout: int32(cfg.VisibilityTimeout),
		workers:           workers,
	}
}

// Start launches the polling workers. Each worker owns a disjoint subset of
// the assigned rooms.
func (p *Pool) Start() {
	if p.workers == 0 {
		logging.Warn(context.Background(), "consumer pool has no rooms to poll")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	byWorker := make([][]string, p.workers)
	for i, room := range p.rooms {
		byWorker[i%p.workers] = append(byWorker[i%p.workers], room)
	}

	for i, assigned := range byWorker {
		p.wg.Add(1)
		go p.worker(ctx, i, assigned)
	}
	logging.Info(ctx, "consumer pool started",
		zap.Int("workers", p.workers), zap.Int("rooms", len(p.rooms)))
}

func (p *Pool) worker(ctx context.Context, id int, rooms []string) {
	defer p.wg.Done()
	for {
		received := 0
		for _, roomID := range rooms {
			if ctx.Err() != nil {
				return
			}
			received += p.pollRoom(ctx, roomID)
		}
		if received == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idleBackoff):
			}
		}
	}
}

// pollRoom issues one long-poll receive against a room queue and processes
// everything it returns. It reports the number of messages received so the
// worker can back off when all its rooms are idle.
func (p *Pool) pollRoom(ctx context.Context, roomID string) int {
	url, ok := p.svc.QueueURL(ctx, roomID)
	if !ok {
		return 0
	}

	out, err := p.svc.Client().ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(url),
		MaxNumberOfMessages: p.maxMessages,
		WaitTimeSeconds:     p.waitTime,
		VisibilityTimeout:   p.visibilityTimeout,
	})
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		p.receiveFailures.Add(1)
		logging.Error(ctx, "receive failed", zap.String("room_id", roomID), zap.Error(err))
		return 0
	}

	for _, raw := range out.Messages {
		p.handle(ctx, roomID, url, raw)
	}
	return len(out.Messages)
}

// handle processes one queue message: decode, broadcast to local sessions,
// then hand off to the persistence sink. The message is deleted only when the
// sink accepted it; otherwise it reappears after the visibility timeout and
// the idempotent insert absorbs the re-broadcast side effect on persistence.
func (p *Pool) handle(ctx context.Context, roomID, url string, raw sqstypes.Message) {
	var msg types.QueueMessage
	if err := json.Unmarshal([]byte(aws.ToString(raw.Body)), &msg); err != nil {
		p.decodeFailures.Add(1)
		metrics.ConsumerMessages.WithLabelValues("decode_error").Inc()
		// Not deleted: the message redelivers after the visibility timeout
		// and eventually lands in the queue's own DLQ via its redrive policy.
		logging.Error(ctx, "undecodable queue message, leaving for redelivery",
			zap.String("room_id", roomID), zap.Error(err))
		return
	}

	if p.dispatcher != nil {
		p.dispatcher.Broadcast(ctx, msg)
	}

	if p.sink != nil && !p.sink.Enqueue(msg) {
		p.redelivered.Add(1)
		metrics.ConsumerMessages.WithLabelValues("requeued").Inc()
		return
	}

	p.delete(ctx, url, raw)
	p.processed.Add(1)
	metrics.ConsumerMessages.WithLabelValues("processed").Inc()
}

func (p *Pool) delete(ctx context.Context, url string, raw sqstypes.Message) {
	if _, err := p.svc.Client().DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: raw.ReceiptHandle,
	}); err != nil {
		logging.Warn(ctx, "delete failed, message will redeliver", zap.Error(err))
	}
}

// Stop cancels the workers and waits for in-flight polls to unwind.
func (p *Pool) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.wg.Wait()
}

// Rooms returns the rooms this pool polls.
func (p *Pool) Rooms() []string {
	return p.rooms
}

// Snapshot returns the current counter values.
func (p *Pool) Snapshot() PoolCounters {
	return PoolCounters{
		Processed:       p.processed.Load(),
		DecodeFailures:  p.decodeFailures.Load(),
		ReceiveFailures: p.receiveFailures.Load(),
		Redelivered:     p.redelivered.Load(),
		Workers:         p.workers,
	}
}
