// Package store provides the message stores behind the relay: an in-memory
// store for tests and development, an embedded Pebble store, and a Postgres
// store over pgx.
package store

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// Memory keeps messages in process memory, in insertion order per room.
type Memory struct {
	mu    sync.RWMutex
	seq   int64
	rooms map[string][]chat.Message
	now   func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		rooms: make(map[string][]chat.Message),
		now:   time.Now,
	}
}

// Save validates m and appends it to its room.
func (s *Memory) Save(_ context.Context, m chat.Message) (chat.Message, error) {
	if err := chat.ValidateMessage(m); err != nil {
		return chat.Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	m.ID = strconv.FormatInt(s.seq, 10)
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}
	s.rooms[m.Room] = append(s.rooms[m.Room], m)
	return m, nil
}

// RecentMessages returns up to limit messages of room, newest first.
func (s *Memory) RecentMessages(_ context.Context, room string, limit int) ([]chat.Message, error) {
	limit = chat.ClampLimit(limit, 0)

	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.rooms[room]
	out := make([]chat.Message, 0, min(limit, len(msgs)))
	for i := len(msgs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, msgs[i])
	}
	return out, nil
}

// Count returns the number of stored messages across all rooms.
func (s *Memory) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, msgs := range s.rooms {
		n += len(msgs)
	}
	return n
}

// Close is a no-op.
func (s *Memory) Close() error { return nil }
