// Package registry tracks which sessions are live in which room on this node.
package registry

import (
	"sync"

	"github.com/chatflow/server/internal/v1/metrics"
	"github.com/chatflow/server/internal/v1/writer"
)

// Registry is the per-node map of roomId → live sessions. A session belongs
// to at most one room at a time; moving it is atomic under the registry lock.
// Readers take copied snapshots, so broadcast iteration never holds the lock.
type Registry struct {
	mu            sync.RWMutex
	roomSessions  map[string]map[string]*writer.Session
	sessionToRoom map[string]string
}

func New() *Registry {
	return &Registry{
		roomSessions:  make(map[string]map[string]*writer.Session),
		sessionToRoom: make(map[string]string),
	}
}

// Add registers a session in a room, removing it from its previous room first
// if it had one.
func (r *Registry) Add(roomID string, s *writer.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.sessionToRoom[s.ID]; ok && prev != roomID {
		r.removeLocked(prev, s.ID)
	}

	sessions, ok := r.roomSessions[roomID]
	if !ok {
		sessions = make(map[string]*writer.Session)
		r.roomSessions[roomID] = sessions
		metrics.ActiveRooms.Inc()
	}
	sessions[s.ID] = s
	r.sessionToRoom[s.ID] = roomID
	metrics.RoomSessions.WithLabelValues(roomID).Inc()
}

// Remove unregisters a session. Empty room entries are pruned so the map does
// not accumulate dead rooms.
func (r *Registry) Remove(s *writer.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	roomID, ok := r.sessionToRoom[s.ID]
	if !ok {
		return
	}
	r.removeLocked(roomID, s.ID)
}

func (r *Registry) removeLocked(roomID, sessionID string) {
	delete(r.sessionToRoom, sessionID)
	sessions, ok := r.roomSessions[roomID]
	if !ok {
		return
	}
	if _, present := sessions[sessionID]; !present {
		return
	}
	delete(sessions, sessionID)
	metrics.RoomSessions.WithLabelValues(roomID).Dec()
	if len(sessions) == 0 {
		delete(r.roomSessions, roomID)
		metrics.ActiveRooms.Dec()
		metrics.RoomSessions.DeleteLabelValues(roomID)
	}
}

// Snapshot returns a copy of the room's live sessions, safe to iterate
// without the lock. A concurrently added session may or may not appear.
func (r *Registry) Snapshot(roomID string) []*writer.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions, ok := r.roomSessions[roomID]
	if !ok {
		return nil
	}
	out := make([]*writer.Session, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s)
	}
	return out
}

// RoomCount returns the number of rooms with at least one live session.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.roomSessions)
}

// SessionCount returns the total number of live sessions on this node.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessionToRoom)
}

// RoomStats returns the current session count per room.
func (r *Registry) RoomStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make(map[string]int, len(r.roomSessions))
	for roomID, sessions := range r.roomSessions {
		stats[roomID] = len(sessions)
	}
	return stats
}
