package store

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// Pebble stores messages in an embedded Pebble database.
//
// Key format: msg:<hex(room)>:<unix_nano_padded>-<seq>. The room is hex
// encoded so that no room name can produce a key inside another room's range.
type Pebble struct {
	db  *pebble.DB
	seq uint64
	log *zap.Logger
}

// OpenPebble opens (or creates) a Pebble database at path.
func OpenPebble(path string, log *zap.Logger) (*Pebble, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("opening_pebble_db", zap.String("path", path))
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		log.Error("pebble_open_failed", zap.String("path", path), zap.Error(err))
		return nil, errors.Wrapf(err, "open pebble at %s", path)
	}
	return &Pebble{db: db, log: log}, nil
}

func roomPrefix(room string) []byte {
	return []byte("msg:" + hex.EncodeToString([]byte(room)) + ":")
}

// prefixUpperBound returns the smallest key greater than every key with prefix.
// Prefixes here always end in ':', so bumping the last byte is enough.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	end[len(end)-1]++
	return end
}

// Save validates m and writes it with a time-ordered key.
func (s *Pebble) Save(_ context.Context, m chat.Message) (chat.Message, error) {
	if err := chat.ValidateMessage(m); err != nil {
		return chat.Message{}, err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	m.ID = uuid.NewString()

	data, err := json.Marshal(m)
	if err != nil {
		return chat.Message{}, errors.Wrap(err, "marshal message")
	}

	n := atomic.AddUint64(&s.seq, 1)
	key := fmt.Sprintf("%s%020d-%06d", roomPrefix(m.Room), m.CreatedAt.UnixNano(), n%1_000_000)
	if err := s.db.Set([]byte(key), data, pebble.Sync); err != nil {
		s.log.Error("save_message_failed", zap.String("room", m.Room), zap.String("key", key), zap.Error(err))
		return chat.Message{}, errors.Wrap(err, "write message")
	}
	s.log.Debug("message_saved", zap.String("room", m.Room), zap.String("key", key), zap.String("msg_id", m.ID))
	return m, nil
}

// RecentMessages walks the room's key range backwards and returns up to limit
// messages, newest first.
func (s *Pebble) RecentMessages(_ context.Context, room string, limit int) ([]chat.Message, error) {
	limit = chat.ClampLimit(limit, 0)
	prefix := roomPrefix(room)

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open iterator")
	}
	defer iter.Close()

	out := make([]chat.Message, 0, limit)
	for valid := iter.Last(); valid && len(out) < limit; valid = iter.Prev() {
		var m chat.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			s.log.Error("message_decode_failed", zap.ByteString("key", iter.Key()), zap.Error(err))
			return nil, errors.Wrap(err, "decode message")
		}
		out = append(out, m)
	}
	return out, iter.Error()
}

// Close closes the database.
func (s *Pebble) Close() error {
	if err := s.db.Close(); err != nil {
		return err
	}
	s.log.Info("pebble_closed")
	return nil
}
