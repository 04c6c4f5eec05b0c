// Package presence records which users signalled appear in a room. It only
// tracks the minimal appear/disappear signal; nothing is pushed to clients.
package presence

import (
	"context"
	"sort"
	"sync"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// Memory keeps presence in process memory.
type Memory struct {
	mu    sync.RWMutex
	rooms map[string]map[string]int
}

// NewMemory returns an empty tracker.
func NewMemory() *Memory {
	return &Memory{rooms: make(map[string]map[string]int)}
}

// Appear marks user as present in room. A user with several connections in
// the same room stays present until every one of them disappears.
func (m *Memory) Appear(_ context.Context, room string, user chat.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	users, ok := m.rooms[room]
	if !ok {
		users = make(map[string]int)
		m.rooms[room] = users
	}
	users[user.ID]++
	return nil
}

// Disappear drops one appearance of user in room.
func (m *Memory) Disappear(_ context.Context, room string, user chat.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	users, ok := m.rooms[room]
	if !ok || users[user.ID] == 0 {
		return nil
	}
	users[user.ID]--
	if users[user.ID] == 0 {
		delete(users, user.ID)
	}
	if len(users) == 0 {
		delete(m.rooms, room)
	}
	return nil
}

// Online returns the sorted IDs of users present in room.
func (m *Memory) Online(_ context.Context, room string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.rooms[room]))
	for id := range m.rooms[room] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }
