package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatflow/server/internal/v1/queue"
	"github.com/chatflow/server/internal/v1/registry"
	"github.com/chatflow/server/internal/v1/types"
	"github.com/chatflow/server/internal/v1/writer"
)

type fakeProducer struct {
	mu        sync.Mutex
	published []types.QueueMessage
	err       error
}

func (p *fakeProducer) Publish(ctx context.Context, msg types.QueueMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, msg)
	return nil
}

func (p *fakeProducer) Stop() {}

func (p *fakeProducer) messages() []types.QueueMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.QueueMessage, len(p.published))
	copy(out, p.published)
	return out
}

var _ queue.Producer = (*fakeProducer)(nil)

func newTestHub(producer queue.Producer) (*Hub, *registry.Registry, *writer.Manager) {
	reg := registry.New()
	writers := writer.NewManager(2, 16, func(s *writer.Session) { reg.Remove(s) })
	hub := NewHub(reg, writers, producer, nil, nil, "node-1", 20, "", 16)
	return hub, reg, writers
}

func performWs(t *testing.T, hub *Hub, target string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/chat/:roomId", hub.ServeWs)

	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestServeWs_RejectsNonIntegerRoom(t *testing.T) {
	hub, _, writers := newTestHub(&fakeProducer{})
	defer writers.Stop()

	rec := performWs(t, hub, "/chat/lobby", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "roomId must be an integer")
}

func TestServeWs_RejectsRoomOutOfRange(t *testing.T) {
	hub, _, writers := newTestHub(&fakeProducer{})
	defer writers.Stop()

	for _, room := range []string{"0", "21", "-3"} {
		rec := performWs(t, hub, "/chat/"+room, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "room %s", room)
		assert.Contains(t, rec.Body.String(), "roomId must be between 1 and 20")
	}
}

func TestServeWs_RejectsDisallowedOrigin(t *testing.T) {
	hub, _, writers := newTestHub(&fakeProducer{})
	defer writers.Stop()

	rec := performWs(t, hub, "/chat/1", map[string]string{"Origin": "https://evil.example"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestValidateOrigin(t *testing.T) {
	allowed := []string{"http://localhost:3000", "https://chat.example.com"}

	makeReq := func(origin string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/chat/1", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		return req
	}

	// No Origin header allows non-browser clients.
	assert.NoError(t, validateOrigin(makeReq(""), allowed))
	assert.NoError(t, validateOrigin(makeReq("http://localhost:3000"), allowed))
	assert.NoError(t, validateOrigin(makeReq("https://chat.example.com"), allowed))

	assert.Error(t, validateOrigin(makeReq("https://evil.example"), allowed))
	// Scheme must match, not just the host.
	assert.Error(t, validateOrigin(makeReq("http://chat.example.com"), allowed))
}

func TestValidateRoomID(t *testing.T) {
	hub, _, writers := newTestHub(&fakeProducer{})
	defer writers.Stop()

	id, err := hub.validateRoomID("7")
	require.NoError(t, err)
	assert.Equal(t, "7", id)

	// Normalizes formatting so registry and queue keys agree.
	id, err = hub.validateRoomID("007")
	require.NoError(t, err)
	assert.Equal(t, "7", id)

	_, err = hub.validateRoomID("abc")
	assert.Error(t, err)
	_, err = hub.validateRoomID("0")
	assert.Error(t, err)
	_, err = hub.validateRoomID("21")
	assert.Error(t, err)
}

func TestHandleConnection_RegistersSession(t *testing.T) {
	hub, reg, writers := newTestHub(&fakeProducer{})
	defer writers.Stop()

	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/chat/3", nil)

	conn := newScriptedConn()
	hub.HandleConnection(c, conn, "3")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && reg.SessionCount() == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	assert.Equal(t, 1, reg.SessionCount())
	assert.Len(t, reg.Snapshot("3"), 1)

	// Closing the socket tears the session down and prunes the registry.
	conn.closeRead()
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && reg.SessionCount() != 0 {
		time.Sleep(2 * time.Millisecond)
	}
	assert.Equal(t, 0, reg.SessionCount())
}
