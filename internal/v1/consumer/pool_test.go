package consumer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatflow/server/internal/v1/queue"
	"github.com/chatflow/server/internal/v1/types"
)

type fakeAPI struct {
	mu       sync.Mutex
	messages map[string][]sqstypes.Message
	deleted  []string
	received int
}

func (f *fakeAPI) GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	url := "https://sqs.test/" + aws.ToString(params.QueueName)
	return &sqs.GetQueueUrlOutput{QueueUrl: aws.String(url)}, nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeAPI) SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error) {
	return &sqs.SendMessageBatchOutput{}, nil
}

func (f *fakeAPI) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received++
	url := aws.ToString(params.QueueUrl)
	msgs := f.messages[url]
	f.messages[url] = nil
	return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
}

func (f *fakeAPI) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeAPI) GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	return &sqs.GetQueueAttributesOutput{Attributes: map[string]string{}}, nil
}

func (f *fakeAPI) deletedHandles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.deleted))
	copy(out, f.deleted)
	return out
}

type recordingDispatcher struct {
	mu   sync.Mutex
	msgs []types.QueueMessage
}

func (d *recordingDispatcher) Broadcast(ctx context.Context, msg types.QueueMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, msg)
}

func (d *recordingDispatcher) seen() []types.QueueMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]types.QueueMessage, len(d.msgs))
	copy(out, d.msgs)
	return out
}

type fakeSink struct {
	mu     sync.Mutex
	accept bool
	msgs   []types.QueueMessage
}

func (s *fakeSink) Enqueue(msg types.QueueMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accept {
		s.msgs = append(s.msgs, msg)
	}
	return s.accept
}

func queueMessageBody(t *testing.T, id, roomID string) string {
	t.Helper()
	body, err := json.Marshal(types.QueueMessage{
		MessageID:   id,
		RoomID:      roomID,
		UserID:      "7",
		Username:    "alice",
		Message:     "hi",
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		MessageType: types.MessageText,
	})
	require.NoError(t, err)
	return string(body)
}

func newTestPool(api *fakeAPI, dispatcher Dispatcher, sink Sink, rooms []string) *Pool {
	svc := queue.NewService(api, "chat-room-", false, time.Minute)
	return NewPool(svc, dispatcher, sink, rooms, PoolConfig{
		Threads:           4,
		MaxMessages:       10,
		WaitTimeSeconds:   0,
		VisibilityTimeout: 30,
	})
}

func TestPollRoom_BroadcastsThenDeletesWhenSinkAccepts(t *testing.T) {
	api := &fakeAPI{messages: map[string][]sqstypes.Message{
		"https://sqs.test/chat-room-1": {{
			Body:          aws.String(queueMessageBody(t, "m1", "1")),
			ReceiptHandle: aws.String("rh-1"),
		}},
	}}
	dispatcher := &recordingDispatcher{}
	sink := &fakeSink{accept: true}
	p := newTestPool(api, dispatcher, sink, []string{"1"})

	got := p.pollRoom(context.Background(), "1")
	assert.Equal(t, 1, got)

	require.Len(t, dispatcher.seen(), 1)
	assert.Equal(t, "m1", dispatcher.seen()[0].MessageID)
	require.Len(t, sink.msgs, 1)
	assert.Equal(t, []string{"rh-1"}, api.deletedHandles())
	assert.Equal(t, int64(1), p.Snapshot().Processed)
}

func TestPollRoom_KeepsMessageWhenSinkRejects(t *testing.T) {
	api := &fakeAPI{messages: map[string][]sqstypes.Message{
		"https://sqs.test/chat-room-1": {{
			Body:          aws.String(queueMessageBody(t, "m1", "1")),
			ReceiptHandle: aws.String("rh-1"),
		}},
	}}
	dispatcher := &recordingDispatcher{}
	sink := &fakeSink{accept: false}
	p := newTestPool(api, dispatcher, sink, []string{"1"})

	p.pollRoom(context.Background(), "1")

	// Broadcast still happened, but the message stays for redelivery.
	assert.Len(t, dispatcher.seen(), 1)
	assert.Empty(t, api.deletedHandles())
	snap := p.Snapshot()
	assert.Equal(t, int64(0), snap.Processed)
	assert.Equal(t, int64(1), snap.Redelivered)
}

func TestPollRoom_NilSinkDeletesAfterBroadcast(t *testing.T) {
	api := &fakeAPI{messages: map[string][]sqstypes.Message{
		"https://sqs.test/chat-room-1": {{
			Body:          aws.String(queueMessageBody(t, "m1", "1")),
			ReceiptHandle: aws.String("rh-1"),
		}},
	}}
	dispatcher := &recordingDispatcher{}
	p := newTestPool(api, dispatcher, nil, []string{"1"})

	p.pollRoom(context.Background(), "1")

	assert.Len(t, dispatcher.seen(), 1)
	assert.Equal(t, []string{"rh-1"}, api.deletedHandles())
}

func TestPollRoom_UndecodableMessageIsLeftForRedelivery(t *testing.T) {
	api := &fakeAPI{messages: map[string][]sqstypes.Message{
		"https://sqs.test/chat-room-1": {{
			Body:          aws.String("{not json"),
			ReceiptHandle: aws.String("rh-bad"),
		}},
	}}
	dispatcher := &recordingDispatcher{}
	sink := &fakeSink{accept: true}
	p := newTestPool(api, dispatcher, sink, []string{"1"})

	p.pollRoom(context.Background(), "1")

	assert.Empty(t, dispatcher.seen())
	assert.Empty(t, sink.msgs)
	assert.Empty(t, api.deletedHandles())
	snap := p.Snapshot()
	assert.Equal(t, int64(1), snap.DecodeFailures)
	assert.Equal(t, int64(0), snap.Processed)
}

func TestNewPool_CapsWorkersAtRoomCount(t *testing.T) {
	api := &fakeAPI{messages: map[string][]sqstypes.Message{}}
	p := newTestPool(api, &recordingDispatcher{}, nil, []string{"1", "2"})
	assert.Equal(t, 2, p.Snapshot().Workers)
}

func TestPool_StartStop(t *testing.T) {
	api := &fakeAPI{messages: map[string][]sqstypes.Message{
		"https://sqs.test/chat-room-1": {{
			Body:          aws.String(queueMessageBody(t, "m1", "1")),
			ReceiptHandle: aws.String("rh-1"),
		}},
	}}
	dispatcher := &recordingDispatcher{}
	p := newTestPool(api, dispatcher, nil, []string{"1", "2", "3"})

	p.Start()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(dispatcher.seen()) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	p.Stop()

	assert.Len(t, dispatcher.seen(), 1)
}
