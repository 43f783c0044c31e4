// Package queue wraps the external room-partitioned queue (SQS). Each room
// maps to one FIFO partition named {prefix}{roomId}; per-room ordering is the
// queue's per-partition FIFO guarantee.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/chatflow/server/internal/v1/logging"
	"github.com/chatflow/server/internal/v1/metrics"
	"github.com/chatflow/server/internal/v1/types"
)

// API is the subset of the SQS client the fabric uses. *sqs.Client satisfies
// it; tests substitute fakes.
type API interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// NewClient builds an SQS client from the ambient AWS configuration. endpoint
// overrides the service URL for local stacks (LocalStack, ElasticMQ).
func NewClient(ctx context.Context, region, endpoint string) (*sqs.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	return sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

// Attributes holds the approximate depth gauges of one room queue.
type Attributes struct {
	ApproxMessages   string `json:"approxMessages"`
	ApproxNotVisible string `json:"approxNotVisible"`
	ApproxDelayed    string `json:"approxDelayed"`
}

// Service resolves and caches queue URLs and performs single-message
// publishes. URL resolution is lazy with a per-room retry timestamp: a queue
// that does not exist yet is retried on the configured interval and never
// blocks other rooms.
type Service struct {
	client        API
	queuePrefix   string
	fifoEnabled   bool
	retryInterval time.Duration

	mu       sync.Mutex
	urlCache map[string]string
	retryAt  map[string]time.Time

	messagesSent atomic.Int64
}

func NewService(client API, queuePrefix string, fifoEnabled bool, retryInterval time.Duration) *Service {
	return &Service{
		client:        client,
		queuePrefix:   queuePrefix,
		fifoEnabled:   fifoEnabled,
		retryInterval: retryInterval,
		urlCache:      make(map[string]string),
		retryAt:       make(map[string]time.Time),
	}
}

// QueueName returns the external queue name for a room.
func (s *Service) QueueName(roomID string) string {
	name := s.queuePrefix + roomID
	if s.fifoEnabled {
		name += ".fifo"
	}
	return name
}

// QueueURL returns the cached URL for a room's queue, resolving it on first
// use. A failed resolution is retried no sooner than the retry interval; until
// then the room is simply unavailable (ok=false).
func (s *Service) QueueURL(ctx context.Context, roomID string) (string, bool) {
	s.mu.Lock()
	if url, ok := s.urlCache[roomID]; ok {
		s.mu.Unlock()
		return url, true
	}
	if until, ok := s.retryAt[roomID]; ok && time.Now().Before(until) {
		s.mu.Unlock()
		return "", false
	}
	s.mu.Unlock()

	out, err := s.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(s.QueueName(roomID)),
	})
	if err != nil {
		logging.Warn(ctx, "queue URL resolution failed, will retry",
			zap.String("room_id", roomID),
			zap.Duration("retry_in", s.retryInterval),
			zap.Error(err))
		s.mu.Lock()
		s.retryAt[roomID] = time.Now().Add(s.retryInterval)
		s.mu.Unlock()
		return "", false
	}

	url := aws.ToString(out.QueueUrl)
	s.mu.Lock()
	s.urlCache[roomID] = url
	delete(s.retryAt, roomID)
	s.mu.Unlock()

	logging.Info(ctx, "resolved queue URL", zap.String("room_id", roomID), zap.String("url", url))
	return url, true
}

// Publish sends one message to its room partition. The dedup id is the
// message id, so the queue suppresses duplicate submissions within its window.
func (s *Service) Publish(ctx context.Context, msg types.QueueMessage) error {
	url, ok := s.QueueURL(ctx, msg.RoomID)
	if !ok {
		metrics.ProducerMessages.WithLabelValues("no_queue").Inc()
		return fmt.Errorf("queue URL not available for room %s", msg.RoomID)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(url),
		MessageBody: aws.String(string(body)),
	}
	if s.fifoEnabled {
		input.MessageGroupId = aws.String(msg.RoomID)
		input.MessageDeduplicationId = aws.String(msg.MessageID)
	}

	if _, err := s.client.SendMessage(ctx, input); err != nil {
		metrics.ProducerMessages.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to publish to room %s: %w", msg.RoomID, err)
	}

	s.messagesSent.Add(1)
	metrics.ProducerMessages.WithLabelValues("sent").Inc()
	return nil
}

// QueueAttributes fetches the approximate depth gauges for a room queue.
func (s *Service) QueueAttributes(ctx context.Context, roomID string) (Attributes, error) {
	url, ok := s.QueueURL(ctx, roomID)
	if !ok {
		return Attributes{}, fmt.Errorf("queue URL not available for room %s", roomID)
	}

	out, err := s.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(url),
		AttributeNames: []sqstypes.QueueAttributeName{
			sqstypes.QueueAttributeNameApproximateNumberOfMessages,
			sqstypes.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
			sqstypes.QueueAttributeNameApproximateNumberOfMessagesDelayed,
		},
	})
	if err != nil {
		return Attributes{}, fmt.Errorf("failed to get queue attributes for room %s: %w", roomID, err)
	}

	return Attributes{
		ApproxMessages:   out.Attributes[string(sqstypes.QueueAttributeNameApproximateNumberOfMessages)],
		ApproxNotVisible: out.Attributes[string(sqstypes.QueueAttributeNameApproximateNumberOfMessagesNotVisible)],
		ApproxDelayed:    out.Attributes[string(sqstypes.QueueAttributeNameApproximateNumberOfMessagesDelayed)],
	}, nil
}

// Client exposes the underlying API for the consumer pool.
func (s *Service) Client() API {
	return s.client
}

// MessagesSent returns the total successfully published message count.
func (s *Service) MessagesSent() int64 {
	return s.messagesSent.Load()
}
