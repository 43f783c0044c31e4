package store

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/chatflow/server/internal/v1/logging"
	"github.com/chatflow/server/internal/v1/metrics"
	"github.com/chatflow/server/internal/v1/queue"
	"github.com/chatflow/server/internal/v1/types"
)

// pollInterval is how long the flusher waits for one message before checking
// the time-based flush condition.
const pollInterval = 100 * time.Millisecond

// BatchWriterCounters is a snapshot of the writer metrics.
type BatchWriterCounters struct {
	Enqueued    int64 `json:"enqueued"`
	Written     int64 `json:"written"`
	Batches     int64 `json:"batches"`
	Dropped     int64 `json:"dropped"`
	WriteErrors int64 `json:"writeErrors"`
	BufferSize  int   `json:"bufferSize"`
}

// BatchWriter stages messages in a bounded buffer and flushes them to the
// database from a single goroutine, either when the pending batch reaches
// batchSize or when flushInterval elapses with work pending. Enqueue never
// blocks: a full buffer rejects the message and the consumer leaves it on the
// external queue for redelivery.
type BatchWriter struct {
	persistence   Persistence
	dlq           *queue.DeadLetter
	batchSize     int
	flushInterval time.Duration
	clock         clock.Clock

	buffer chan types.QueueMessage
	quit   chan struct{}
	done   chan struct{}

	enqueued    atomic.Int64
	written     atomic.Int64
	batches     atomic.Int64
	dropped     atomic.Int64
	writeErrors atomic.Int64
}

// NewBatchWriter creates the writer without starting it. persistence may be
// nil, in which case Enqueue always returns false and Start is a no-op (the
// fabric runs broadcast-only). The batchSize ≤ bufferCapacity invariant is
// enforced by config validation before this point.
func NewBatchWriter(persistence Persistence, dlq *queue.DeadLetter, batchSize, bufferCapacity int, flushInterval time.Duration, clk clock.Clock) *BatchWriter {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &BatchWriter{
		persistence:   persistence,
		dlq:           dlq,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		clock:         clk,
		buffer:        make(chan types.QueueMessage, bufferCapacity),
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start launches the flusher goroutine.
func (w *BatchWriter) Start() {
	if w.persistence == nil {
		logging.Warn(context.Background(), "database not configured, persistence disabled")
		close(w.done)
		return
	}
	go w.run()
}

// Enqueue offers a message to the buffer. false means the caller must not
// acknowledge the queue message; redelivery after the visibility timeout is
// the retry path.
func (w *BatchWriter) Enqueue(msg types.QueueMessage) bool {
	if w.persistence == nil {
		return false
	}
	select {
	case w.buffer <- msg:
		w.enqueued.Add(1)
		metrics.BatchBufferSize.Set(float64(len(w.buffer)))
		return true
	default:
		w.dropped.Add(1)
		logging.Warn(context.Background(), "batch buffer full, rejecting message",
			zap.String("message_id", msg.MessageID))
		return false
	}
}

func (w *BatchWriter) run() {
	defer close(w.done)

	batch := make([]types.QueueMessage, 0, w.batchSize)
	lastFlush := w.clock.Now()

	for {
		select {
		case <-w.quit:
			// Drain whatever is left and flush the final partial batch.
			for {
				select {
				case msg := <-w.buffer:
					batch = append(batch, msg)
					if len(batch) >= w.batchSize {
						w.flush(batch)
						batch = batch[:0]
					}
					continue
				default:
				}
				break
			}
			if len(batch) > 0 {
				logging.Info(context.Background(), "flushing final batch on shutdown", zap.Int("count", len(batch)))
				w.flush(batch)
			}
			return
		case msg := <-w.buffer:
			batch = append(batch, msg)
		case <-w.clock.After(pollInterval):
		}

		now := w.clock.Now()
		if len(batch) >= w.batchSize || (len(batch) > 0 && now.Sub(lastFlush) >= w.flushInterval) {
			w.flush(batch)
			batch = batch[:0]
			lastFlush = now
		}
		metrics.BatchBufferSize.Set(float64(len(w.buffer)))
	}
}

// flush writes one batch: message insert first, then the user-activity
// rollup. Any failure diverts the entire batch to the dead-letter sink.
func (w *BatchWriter) flush(batch []types.QueueMessage) {
	ctx := context.Background()
	start := time.Now()

	if _, err := w.persistence.BatchInsertMessages(ctx, batch); err != nil {
		w.writeErrors.Add(1)
		logging.Error(ctx, "batch insert failed, diverting to DLQ",
			zap.Int("count", len(batch)), zap.Error(err))
		if w.dlq != nil {
			w.dlq.SendBatch(ctx, batch, "database write failure: "+err.Error())
		}
		return
	}

	if _, err := w.persistence.BatchUpsertUserActivity(ctx, batch); err != nil {
		w.writeErrors.Add(1)
		logging.Error(ctx, "user activity upsert failed, diverting to DLQ",
			zap.Int("count", len(batch)), zap.Error(err))
		if w.dlq != nil {
			w.dlq.SendBatch(ctx, batch, "user activity upsert failure: "+err.Error())
		}
		return
	}

	w.written.Add(int64(len(batch)))
	w.batches.Add(1)
	metrics.BatchFlushDuration.Observe(time.Since(start).Seconds())
}

// Stop signals the flusher and waits for the drain to finish, bounded by ctx.
func (w *BatchWriter) Stop(ctx context.Context) error {
	select {
	case <-w.quit:
	default:
		close(w.quit)
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the current counter values.
func (w *BatchWriter) Snapshot() BatchWriterCounters {
	return BatchWriterCounters{
		Enqueued:    w.enqueued.Load(),
		Written:     w.written.Load(),
		Batches:     w.batches.Load(),
		Dropped:     w.dropped.Load(),
		WriteErrors: w.writeErrors.Load(),
		BufferSize:  len(w.buffer),
	}
}
