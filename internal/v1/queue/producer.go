package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/chatflow/server/internal/v1/logging"
	"github.com/chatflow/server/internal/v1/metrics"
	"github.com/chatflow/server/internal/v1/types"
)

// Producer delivers a QueueMessage to its room partition. The ingress handler
// reflects the returned error in the client ack.
type Producer interface {
	Publish(ctx context.Context, msg types.QueueMessage) error
	Stop()
}

// SingleSender publishes synchronously, one message per call. This is the
// default mode: the ack to the client reports the true queue outcome.
type SingleSender struct {
	svc *Service
}

func NewSingleSender(svc *Service) *SingleSender {
	return &SingleSender{svc: svc}
}

func (p *SingleSender) Publish(ctx context.Context, msg types.QueueMessage) error {
	return p.svc.Publish(ctx, msg)
}

func (p *SingleSender) Stop() {}

// BatcherCounters is a snapshot of the micro-batcher metrics.
type BatcherCounters struct {
	Queued      int64 `json:"queued"`
	BatchesSent int64 `json:"batchesSent"`
	Sent        int64 `json:"sent"`
	Failed      int64 `json:"failed"`
	Dropped     int64 `json:"dropped"`
}

// roomBatch is one room's pending micro-batch. Append order is submission
// order, which the batch send preserves, keeping per-room FIFO intact.
type roomBatch struct {
	mu      sync.Mutex
	pending []types.QueueMessage
}

// Batcher coalesces publishes per room and flushes on a timer or when a
// room's batch reaches the external queue's batch limit. Publish reports
// success when the message is accepted into the batch: the ack to the sender
// is optimistic in this mode. Entries that fail within a batch are counted
// and dropped; the DLQ is a persistence-side facility only.
type Batcher struct {
	svc          *Service
	maxBatchSize int
	capacity     int
	interval     time.Duration
	clock        clock.WithTicker

	mu    sync.Mutex
	rooms map[string]*roomBatch

	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	queued      atomic.Int64
	batchesSent atomic.Int64
	sent        atomic.Int64
	failed      atomic.Int64
	dropped     atomic.Int64
}

// NewBatcher starts the background flusher. maxBatchSize is capped at 10 by
// the external queue's batch call limit; capacity bounds each room's pending
// batch (default 100).
func NewBatcher(svc *Service, maxBatchSize, capacity int, interval time.Duration, clk clock.WithTicker) *Batcher {
	if clk == nil {
		clk = clock.RealClock{}
	}
	b := &Batcher{
		svc:          svc,
		maxBatchSize: maxBatchSize,
		capacity:     capacity,
		interval:     interval,
		clock:        clk,
		rooms:        make(map[string]*roomBatch),
		quit:         make(chan struct{}),
	}
	b.wg.Add(1)
	go b.flushLoop()
	return b
}

func (b *Batcher) room(roomID string) *roomBatch {
	b.mu.Lock()
	defer b.mu.Unlock()
	rb, ok := b.rooms[roomID]
	if !ok {
		rb = &roomBatch{}
		b.rooms[roomID] = rb
	}
	return rb
}

// Publish appends to the room's batch and returns without touching the
// network. The batch is sent eagerly once it reaches maxBatchSize.
func (b *Batcher) Publish(ctx context.Context, msg types.QueueMessage) error {
	rb := b.room(msg.RoomID)

	rb.mu.Lock()
	if len(rb.pending) >= b.capacity {
		rb.mu.Unlock()
		b.dropped.Add(1)
		metrics.ProducerMessages.WithLabelValues("dropped").Inc()
		return fmt.Errorf("producer batch full for room %s", msg.RoomID)
	}
	rb.pending = append(rb.pending, msg)
	b.queued.Add(1)

	var eager []types.QueueMessage
	if len(rb.pending) >= b.maxBatchSize {
		eager = b.takeLocked(rb)
	}
	rb.mu.Unlock()

	if len(eager) > 0 {
		b.sendBatch(ctx, msg.RoomID, eager)
	}
	return nil
}

// takeLocked removes up to maxBatchSize messages; rb.mu must be held.
func (b *Batcher) takeLocked(rb *roomBatch) []types.QueueMessage {
	n := len(rb.pending)
	if n > b.maxBatchSize {
		n = b.maxBatchSize
	}
	taken := make([]types.QueueMessage, n)
	copy(taken, rb.pending[:n])
	rb.pending = append(rb.pending[:0], rb.pending[n:]...)
	return taken
}

func (b *Batcher) flushLoop() {
	defer b.wg.Done()
	ticker := b.clock.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.quit:
			b.flushAll(context.Background(), true)
			return
		case <-ticker.C():
			b.flushAll(context.Background(), false)
		}
	}
}

// flushAll drains each room's batch. On the periodic tick each room sends at
// most one batch call; on shutdown it loops until every room is empty.
func (b *Batcher) flushAll(ctx context.Context, drainFully bool) {
	b.mu.Lock()
	roomIDs := make([]string, 0, len(b.rooms))
	for roomID := range b.rooms {
		roomIDs = append(roomIDs, roomID)
	}
	b.mu.Unlock()

	for _, roomID := range roomIDs {
		rb := b.room(roomID)
		for {
			rb.mu.Lock()
			batch := b.takeLocked(rb)
			rb.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			b.sendBatch(ctx, roomID, batch)
			if !drainFully {
				break
			}
		}
	}
}

func (b *Batcher) sendBatch(ctx context.Context, roomID string, batch []types.QueueMessage) {
	url, ok := b.svc.QueueURL(ctx, roomID)
	if !ok {
		b.failed.Add(int64(len(batch)))
		metrics.ProducerMessages.WithLabelValues("no_queue").Add(float64(len(batch)))
		logging.Error(ctx, "dropping batch, queue URL unavailable",
			zap.String("room_id", roomID), zap.Int("count", len(batch)))
		return
	}

	entries := make([]sqstypes.SendMessageBatchRequestEntry, 0, len(batch))
	for i, msg := range batch {
		body, err := json.Marshal(msg)
		if err != nil {
			b.failed.Add(1)
			continue
		}
		entry := sqstypes.SendMessageBatchRequestEntry{
			Id:          aws.String(strconv.Itoa(i)),
			MessageBody: aws.String(string(body)),
		}
		if b.svc.fifoEnabled {
			entry.MessageGroupId = aws.String(msg.RoomID)
			entry.MessageDeduplicationId = aws.String(msg.MessageID)
		}
		entries = append(entries, entry)
	}
	if len(entries) == 0 {
		return
	}

	out, err := b.svc.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
		QueueUrl: aws.String(url),
		Entries:  entries,
	})
	if err != nil {
		b.failed.Add(int64(len(entries)))
		metrics.ProducerMessages.WithLabelValues("error").Add(float64(len(entries)))
		logging.Error(ctx, "batch send failed, messages lost",
			zap.String("room_id", roomID), zap.Int("count", len(entries)), zap.Error(err))
		return
	}

	b.batchesSent.Add(1)
	b.sent.Add(int64(len(out.Successful)))
	metrics.ProducerMessages.WithLabelValues("sent").Add(float64(len(out.Successful)))
	if len(out.Failed) > 0 {
		b.failed.Add(int64(len(out.Failed)))
		metrics.ProducerMessages.WithLabelValues("error").Add(float64(len(out.Failed)))
		for _, f := range out.Failed {
			logging.Error(ctx, "batch entry rejected",
				zap.String("room_id", roomID),
				zap.String("code", aws.ToString(f.Code)),
				zap.String("reason", aws.ToString(f.Message)))
		}
	}
}

// Stop performs a final full flush and stops the scheduler.
func (b *Batcher) Stop() {
	b.stopOnce.Do(func() {
		close(b.quit)
		b.wg.Wait()
	})
}

// Snapshot returns the current counter values.
func (b *Batcher) Snapshot() BatcherCounters {
	return BatcherCounters{
		Queued:      b.queued.Load(),
		BatchesSent: b.batchesSent.Load(),
		Sent:        b.sent.Load(),
		Failed:      b.failed.Load(),
		Dropped:     b.dropped.Load(),
	}
}
