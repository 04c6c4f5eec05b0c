package store

import (
	"context"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/roomchat/internal/chat"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id         BIGSERIAL PRIMARY KEY,
	content    TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	user_name  TEXT NOT NULL DEFAULT '',
	user_email TEXT NOT NULL DEFAULT '',
	room       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS index_messages_on_room_and_created_at ON messages (room, created_at DESC);
`

// Postgres stores messages in a messages table through a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// OpenPostgres connects to databaseURL, verifies the connection and ensures
// the messages table exists.
func OpenPostgres(ctx context.Context, databaseURL string, log *zap.Logger) (*Postgres, error) {
	if log == nil {
		log = zap.NewNop()
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "connect to postgres")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ensure messages schema")
	}
	log.Info("postgres_store_ready")
	return &Postgres{pool: pool, log: log}, nil
}

// Save validates m and inserts it, letting the database assign id and timestamps.
func (s *Postgres) Save(ctx context.Context, m chat.Message) (chat.Message, error) {
	if err := chat.ValidateMessage(m); err != nil {
		return chat.Message{}, err
	}

	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO messages (content, user_id, user_name, user_email, room)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		m.Content, m.Author.ID, m.Author.Name, m.Author.Email, m.Room,
	).Scan(&id, &m.CreatedAt)
	if err != nil {
		s.log.Error("save_message_failed", zap.String("room", m.Room), zap.String("user", m.Author.ID), zap.Error(err))
		return chat.Message{}, errors.Wrap(err, "insert message")
	}
	m.ID = strconv.FormatInt(id, 10)
	return m, nil
}

// RecentMessages returns up to limit messages of room, newest first.
func (s *Postgres) RecentMessages(ctx context.Context, room string, limit int) ([]chat.Message, error) {
	limit = chat.ClampLimit(limit, 0)

	rows, err := s.pool.Query(ctx,
		`SELECT id, content, user_id, user_name, user_email, room, created_at
		 FROM messages
		 WHERE room = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		room, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query recent messages")
	}
	defer rows.Close()

	out := make([]chat.Message, 0, limit)
	for rows.Next() {
		var (
			m  chat.Message
			id int64
		)
		if err := rows.Scan(&id, &m.Content, &m.Author.ID, &m.Author.Name, &m.Author.Email, &m.Room, &m.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		m.ID = strconv.FormatInt(id, 10)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Close releases the pool.
func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}
