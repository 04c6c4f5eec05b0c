package chat

import (
	"sync"

	"github.com/Tyrowin/roomchat/internal/metrics"
)

// Registry maps rooms to the sessions currently joined to them. Membership is
// keyed by connection ID, so a connection is in at most one room at a time.
// A single lock serializes every join, leave and snapshot.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]*Session
	byConn map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms:  make(map[string]map[string]*Session),
		byConn: make(map[string]string),
	}
}

// Join registers s under room. Joining the room s is already in is a no-op;
// joining any other room fails until s leaves the first one.
func (r *Registry) Join(room string, s *Session) error {
	id := s.conn.ID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.byConn[id]; ok {
		if current != room {
			return ErrAlreadySubscribedElsewhere
		}
		// A fresh session object for the same connection replaces the old one.
		r.rooms[room][id] = s
		return nil
	}

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]*Session)
		r.rooms[room] = members
	}
	members[id] = s
	r.byConn[id] = room
	metrics.SessionsActive.Inc()
	return nil
}

// Leave removes s from room. It does nothing when s is not a member.
func (r *Registry) Leave(room string, s *Session) {
	id := s.conn.ID()

	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok || members[id] != s {
		return
	}
	delete(members, id)
	delete(r.byConn, id)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
	metrics.SessionsActive.Dec()
}

// Members returns a snapshot of the sessions joined to room. The slice is not
// updated by later joins or leaves.
func (r *Registry) Members(room string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[room]
	out := make([]*Session, 0, len(members))
	for _, s := range members {
		out = append(out, s)
	}
	return out
}

// Len is the total number of joined connections across all rooms.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

// Rooms is the number of rooms with at least one member.
func (r *Registry) Rooms() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
