package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatflow/server/internal/v1/registry"
	"github.com/chatflow/server/internal/v1/types"
	"github.com/chatflow/server/internal/v1/writer"
)

type recordingConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *recordingConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.frames = append(c.frames, cp)
	return nil
}

func (c *recordingConn) Close() error                    { return nil }
func (c *recordingConn) SetWriteDeadline(time.Time) error { return nil }

func (c *recordingConn) received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func queueMsg(id, roomID, userID string) types.QueueMessage {
	return types.QueueMessage{
		MessageID:   id,
		RoomID:      roomID,
		UserID:      userID,
		Username:    "alice",
		Message:     "hello",
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		MessageType: types.MessageText,
		ServerID:    "node-1",
	}
}

func TestBroadcast_DeliversToAllRoomSessions(t *testing.T) {
	reg := registry.New()
	writers := writer.NewManager(2, 16, nil)
	defer writers.Stop()
	b := New(reg, writers, false)

	conns := make([]*recordingConn, 3)
	for i, id := range []string{"s1", "s2", "s3"} {
		conns[i] = &recordingConn{}
		reg.Add("1", writer.NewSession(id, "1", conns[i], "127.0.0.1", 8))
	}
	other := &recordingConn{}
	reg.Add("2", writer.NewSession("s4", "2", other, "127.0.0.1", 8))

	b.Broadcast(context.Background(), queueMsg("m-1", "1", "7"))

	for _, conn := range conns {
		waitFor(t, func() bool { return len(conn.received()) == 1 })
	}
	assert.Empty(t, other.received())
	assert.Equal(t, int64(3), b.Snapshot().Delivered)
}

func TestBroadcast_FrameIsQueueEnvelope(t *testing.T) {
	reg := registry.New()
	writers := writer.NewManager(1, 8, nil)
	defer writers.Stop()
	b := New(reg, writers, false)

	conn := &recordingConn{}
	reg.Add("1", writer.NewSession("s1", "1", conn, "127.0.0.1", 8))

	msg := queueMsg("m-123", "1", "7")
	b.Broadcast(context.Background(), msg)

	waitFor(t, func() bool { return len(conn.received()) == 1 })

	var got types.QueueMessage
	require.NoError(t, json.Unmarshal(conn.received()[0], &got))
	assert.Equal(t, "m-123", got.MessageID)
	assert.Equal(t, "1", got.RoomID)
	assert.Equal(t, msg.UserID, got.UserID)
	assert.Equal(t, msg.Username, got.Username)
	assert.Equal(t, msg.Message, got.Message)
	assert.Equal(t, msg.MessageType, got.MessageType)
	assert.Equal(t, msg.ServerID, got.ServerID)
}

func TestBroadcast_EmptyRoomIsCounted(t *testing.T) {
	reg := registry.New()
	writers := writer.NewManager(1, 8, nil)
	defer writers.Stop()
	b := New(reg, writers, false)

	b.Broadcast(context.Background(), queueMsg("m-1", "9", "7"))

	snap := b.Snapshot()
	assert.Equal(t, int64(1), snap.NoRoom)
	assert.Equal(t, int64(0), snap.Delivered)
}

func TestBroadcast_SenderExclusion(t *testing.T) {
	reg := registry.New()
	writers := writer.NewManager(1, 8, nil)
	defer writers.Stop()
	b := New(reg, writers, true)

	senderConn := &recordingConn{}
	sender := writer.NewSession("s1", "1", senderConn, "127.0.0.1", 8)
	sender.SetUserID("7")
	reg.Add("1", sender)

	otherConn := &recordingConn{}
	other := writer.NewSession("s2", "1", otherConn, "127.0.0.1", 8)
	other.SetUserID("8")
	reg.Add("1", other)

	b.Broadcast(context.Background(), queueMsg("m-1", "1", "7"))

	waitFor(t, func() bool { return len(otherConn.received()) == 1 })
	assert.Empty(t, senderConn.received())
}

func TestBroadcast_SenderIncludedByDefault(t *testing.T) {
	reg := registry.New()
	writers := writer.NewManager(1, 8, nil)
	defer writers.Stop()
	b := New(reg, writers, false)

	senderConn := &recordingConn{}
	sender := writer.NewSession("s1", "1", senderConn, "127.0.0.1", 8)
	sender.SetUserID("7")
	reg.Add("1", sender)

	b.Broadcast(context.Background(), queueMsg("m-1", "1", "7"))

	waitFor(t, func() bool { return len(senderConn.received()) == 1 })
}
