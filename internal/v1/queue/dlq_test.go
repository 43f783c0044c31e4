package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatflow/server/internal/v1/types"
)

func TestDeadLetter_SendBatchWrapsEachMessage(t *testing.T) {
	client := &fakeClient{}
	d := NewDeadLetter(client, "chat-db-dlq", true)

	batch := []types.QueueMessage{testMessage("m-1", "1"), testMessage("m-2", "1")}
	d.SendBatch(context.Background(), batch, "database write failure: deadlock")

	inputs := client.sentInputs()
	require.Len(t, inputs, 2)

	var envelope FailedMessage
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(inputs[0].MessageBody)), &envelope))
	assert.Equal(t, "m-1", envelope.OriginalMessage.MessageID)
	assert.Equal(t, "database write failure: deadlock", envelope.FailureReason)
	assert.Equal(t, 1, envelope.AttemptCount)
	_, err := time.Parse(time.RFC3339Nano, envelope.FailureTimestamp)
	assert.NoError(t, err)

	// Standard queue: no FIFO attributes.
	assert.Nil(t, inputs[0].MessageGroupId)

	snap := d.Snapshot()
	assert.Equal(t, int64(2), snap.Sent)
	assert.Equal(t, int64(0), snap.Lost)
}

func TestDeadLetter_FIFOQueueAttributes(t *testing.T) {
	client := &fakeClient{}
	d := NewDeadLetter(client, "chat-db-dlq.fifo", true)

	d.SendBatch(context.Background(), []types.QueueMessage{testMessage("m-1", "1")}, "boom")

	inputs := client.sentInputs()
	require.Len(t, inputs, 1)
	assert.Equal(t, "database-failures", aws.ToString(inputs[0].MessageGroupId))
	assert.Contains(t, aws.ToString(inputs[0].MessageDeduplicationId), "m-1-")
}

func TestDeadLetter_DisabledCountsLost(t *testing.T) {
	client := &fakeClient{}
	d := NewDeadLetter(client, "chat-db-dlq", false)

	d.SendBatch(context.Background(), []types.QueueMessage{testMessage("m-1", "1")}, "boom")

	assert.Empty(t, client.sentInputs())
	assert.Equal(t, int64(1), d.Snapshot().Lost)
}

func TestDeadLetter_UnresolvableQueueCountsLost(t *testing.T) {
	client := &fakeClient{getURLErr: errors.New("no such queue")}
	d := NewDeadLetter(client, "chat-db-dlq", true)

	d.SendBatch(context.Background(), []types.QueueMessage{testMessage("m-1", "1")}, "boom")

	assert.Empty(t, client.sentInputs())
	assert.Equal(t, int64(1), d.Snapshot().Lost)
}

func TestDeadLetter_PublishFailureCountsLostPerMessage(t *testing.T) {
	client := &fakeClient{sendErr: errors.New("throttled")}
	d := NewDeadLetter(client, "chat-db-dlq", true)

	batch := []types.QueueMessage{testMessage("m-1", "1"), testMessage("m-2", "1")}
	d.SendBatch(context.Background(), batch, "boom")

	snap := d.Snapshot()
	assert.Equal(t, int64(0), snap.Sent)
	assert.Equal(t, int64(2), snap.Lost)
}

func TestDeadLetter_ResolvesURLOnce(t *testing.T) {
	client := &fakeClient{}
	d := NewDeadLetter(client, "chat-db-dlq", true)

	d.SendBatch(context.Background(), []types.QueueMessage{testMessage("m-1", "1")}, "a")
	d.SendBatch(context.Background(), []types.QueueMessage{testMessage("m-2", "1")}, "b")

	assert.Equal(t, 1, client.urlCalls())
}
