package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/chatflow/server/internal/v1/logging"
	"github.com/chatflow/server/internal/v1/types"
)

// dlqGroupID is the fixed partition key for database-failure envelopes. The
// DLQ has no ordering requirement beyond keeping one partition.
const dlqGroupID = "database-failures"

// FailedMessage wraps a message that could not be persisted. Repeat failures
// of the same message produce distinct envelopes because the dedup id
// includes the failure timestamp.
type FailedMessage struct {
	OriginalMessage  types.QueueMessage `json:"originalMessage"`
	FailureReason    string             `json:"failureReason"`
	FailureTimestamp string             `json:"failureTimestamp"`
	AttemptCount     int                `json:"attemptCount"`
}

// DeadLetterCounters is a snapshot of the DLQ metrics.
type DeadLetterCounters struct {
	Sent int64 `json:"sent"`
	Lost int64 `json:"lost"`
}

// DeadLetter ships batch-insert failures to a dedicated recovery queue. The
// core never consumes it; replay is operator-driven. If the DLQ is disabled
// or its publish fails, the message is logged at error level and counted as
// truly lost.
type DeadLetter struct {
	client    API
	queueName string
	enabled   bool

	mu  sync.Mutex
	url string

	sent atomic.Int64
	lost atomic.Int64
}

func NewDeadLetter(client API, queueName string, enabled bool) *DeadLetter {
	return &DeadLetter{
		client:    client,
		queueName: queueName,
		enabled:   enabled,
	}
}

// Enabled reports whether the sink will attempt DLQ publishes.
func (d *DeadLetter) Enabled() bool {
	return d.enabled
}

func (d *DeadLetter) queueURL(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.url != "" {
		return d.url, nil
	}
	out, err := d.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(d.queueName),
	})
	if err != nil {
		return "", fmt.Errorf("failed to resolve DLQ %s: %w", d.queueName, err)
	}
	d.url = aws.ToString(out.QueueUrl)
	return d.url, nil
}

// SendBatch ships every message of a failed batch individually. Messages that
// cannot be delivered are logged with their full body so operators can
// recover them from logs as a last resort.
func (d *DeadLetter) SendBatch(ctx context.Context, batch []types.QueueMessage, reason string) {
	if !d.enabled {
		d.logLost(ctx, batch, reason)
		return
	}

	url, err := d.queueURL(ctx)
	if err != nil {
		logging.Error(ctx, "DLQ unavailable", zap.Error(err))
		d.logLost(ctx, batch, reason)
		return
	}

	now := time.Now().UTC()
	for _, msg := range batch {
		envelope := FailedMessage{
			OriginalMessage:  msg,
			FailureReason:    reason,
			FailureTimestamp: now.Format(time.RFC3339Nano),
			AttemptCount:     1,
		}
		body, err := json.Marshal(envelope)
		if err != nil {
			d.lost.Add(1)
			continue
		}

		input := &sqs.SendMessageInput{
			QueueUrl:    aws.String(url),
			MessageBody: aws.String(string(body)),
		}
		if strings.HasSuffix(d.queueName, ".fifo") {
			input.MessageGroupId = aws.String(dlqGroupID)
			input.MessageDeduplicationId = aws.String(fmt.Sprintf("%s-%d", msg.MessageID, now.UnixMilli()))
		}

		if _, err := d.client.SendMessage(ctx, input); err != nil {
			d.lost.Add(1)
			logging.Error(ctx, "DLQ publish failed, message lost",
				zap.String("message_id", msg.MessageID),
				zap.String("body", string(body)),
				zap.Error(err))
			continue
		}
		d.sent.Add(1)
	}
}

func (d *DeadLetter) logLost(ctx context.Context, batch []types.QueueMessage, reason string) {
	d.lost.Add(int64(len(batch)))
	for _, msg := range batch {
		logging.Error(ctx, "message lost, DLQ not available",
			zap.String("message_id", msg.MessageID),
			zap.String("room_id", msg.RoomID),
			zap.String("reason", reason))
	}
}

// Snapshot returns the current counter values.
func (d *DeadLetter) Snapshot() DeadLetterCounters {
	return DeadLetterCounters{
		Sent: d.sent.Load(),
		Lost: d.lost.Load(),
	}
}
