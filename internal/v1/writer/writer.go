// Package writer serializes outbound socket writes. The underlying WebSocket
// write is not reentrant, so every outbound frame goes through a per-session
// FIFO drained by a shared worker pool. A per-session work-in-progress counter
// guarantees at most one worker writes to a given socket at any time without
// pinning a goroutine per connection.
package writer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chatflow/server/internal/v1/logging"
)

const writeWait = 10 * time.Second

// Conn is the subset of the WebSocket connection used by the writer.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Session represents one live socket bound to a room. It is created by the
// ingress handler on connect, owned by the session registry while live, and
// destroyed on close. The write queue and wip counter belong to the write
// serializer protocol.
type Session struct {
	ID       string
	RoomID   string
	ClientIP string

	conn   Conn
	queue  chan []byte
	wip    atomic.Int32
	closed atomic.Bool

	mu     sync.RWMutex
	userID string
}

// NewSession wraps an established connection. capacity bounds the outbound
// queue; a slow client sheds frames rather than stalling the fleet.
func NewSession(id, roomID string, conn Conn, clientIP string, capacity int) *Session {
	return &Session{
		ID:       id,
		RoomID:   roomID,
		ClientIP: clientIP,
		conn:     conn,
		queue:    make(chan []byte, capacity),
	}
}

// SetUserID records the user bound to this session after its first valid frame.
func (s *Session) SetUserID(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = userID
}

// UserID returns the user bound to this session, or "" before the first frame.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// Counters is a point-in-time snapshot of the serializer metrics.
type Counters struct {
	Sent          int64 `json:"sent"`
	Queued        int64 `json:"queued"`
	Dropped       int64 `json:"dropped"`
	Errors        int64 `json:"errors"`
	ActiveWriters int32 `json:"activeWriters"`
}

// Manager owns the shared worker pool. Producers call Send from any
// goroutine; the wip counter ensures a single drain task per session.
type Manager struct {
	tasks   chan *Session
	quit    chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup

	// onClose runs once per session teardown, outside any lock. The registry
	// hooks in here to prune its entry.
	onClose func(*Session)

	sent          atomic.Int64
	queued        atomic.Int64
	dropped       atomic.Int64
	errors        atomic.Int64
	activeWriters atomic.Int32
}

// NewManager starts workerCount drain workers. taskBacklog bounds the number
// of sessions that can be awaiting a worker at once.
func NewManager(workerCount, taskBacklog int, onClose func(*Session)) *Manager {
	if onClose == nil {
		onClose = func(*Session) {}
	}
	m := &Manager{
		tasks:   make(chan *Session, taskBacklog),
		quit:    make(chan struct{}),
		onClose: onClose,
	}
	for i := 0; i < workerCount; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	return m
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.quit:
			return
		case s := <-m.tasks:
			m.activeWriters.Add(1)
			m.drain(s)
			m.activeWriters.Add(-1)
		}
	}
}

// Send enqueues a frame for the session and schedules a drain task if none is
// running. It never blocks: a full queue or a closed session drops the frame.
func (m *Manager) Send(s *Session, data []byte) bool {
	if s.closed.Load() {
		m.dropped.Add(1)
		return false
	}

	select {
	case s.queue <- data:
	default:
		m.dropped.Add(1)
		logging.Warn(context.Background(), "session queue full, dropping frame", zap.String("session_id", s.ID))
		return false
	}
	m.queued.Add(1)

	// First pending frame schedules the drain; later offers are picked up by
	// the running task through the wip counter.
	if s.wip.Add(1) == 1 {
		m.schedule(s)
	}
	return true
}

func (m *Manager) schedule(s *Session) {
	if m.stopped.Load() {
		s.wip.Add(-1)
		return
	}
	select {
	case m.tasks <- s:
	default:
		// Task backlog full. Revert the increment so a later Send reschedules.
		s.wip.Add(-1)
		m.errors.Add(1)
		logging.Error(context.Background(), "writer task backlog full", zap.String("session_id", s.ID))
	}
}

// drain writes queued frames until the queue is momentarily empty, then
// settles the wip counter. If offers raced in while writing, it loops; the
// counter reaching zero hands exclusivity back to Send.
func (m *Manager) drain(s *Session) {
	missed := int32(1)
	for {
		for {
			var data []byte
			select {
			case data = <-s.queue:
			default:
				data = nil
			}
			if data == nil {
				break
			}
			if s.closed.Load() {
				m.discardQueue(s)
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				m.errors.Add(1)
				logging.Error(context.Background(), "socket write failed",
					zap.String("session_id", s.ID), zap.Error(err))
				m.Close(s)
				return
			}
			m.sent.Add(1)
		}
		missed = s.wip.Add(-missed)
		if missed == 0 {
			return
		}
	}
}

// Close tears a session down exactly once: the queue is discarded and
// counted, the socket closed, and the onClose hook invoked.
func (m *Manager) Close(s *Session) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	m.discardQueue(s)
	_ = s.conn.Close()
	m.onClose(s)
}

func (m *Manager) discardQueue(s *Session) {
	n := 0
	for {
		select {
		case <-s.queue:
			n++
		default:
			if n > 0 {
				m.dropped.Add(int64(n))
				logging.Warn(context.Background(), "discarded queued frames on session close",
					zap.String("session_id", s.ID), zap.Int("count", n))
			}
			return
		}
	}
}

// Stop shuts the worker pool down. Queued frames on live sessions are not
// delivered; callers close sessions first during graceful shutdown.
func (m *Manager) Stop() {
	if !m.stopped.CompareAndSwap(false, true) {
		return
	}
	close(m.quit)
	m.wg.Wait()
}

// Snapshot returns the current counter values.
func (m *Manager) Snapshot() Counters {
	return Counters{
		Sent:          m.sent.Load(),
		Queued:        m.queued.Load(),
		Dropped:       m.dropped.Load(),
		Errors:        m.errors.Load(),
		ActiveWriters: m.activeWriters.Load(),
	}
}
