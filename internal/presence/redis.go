package presence

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// RedisConfig configures the redis tracker.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// TTL bounds how long a room's presence hash survives without any appear.
	TTL time.Duration
}

// Redis keeps presence in a hash per room (roomchat:presence:<room>) mapping
// user ID to the number of live appearances.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedis connects to redis and verifies the connection.
func NewRedis(ctx context.Context, c RedisConfig) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "ping redis at %s", c.Addr)
	}

	ttl := c.TTL
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &Redis{rdb: rdb, ttl: ttl}, nil
}

func presenceKey(room string) string { return "roomchat:presence:" + room }

// Appear increments user's appearance count and renews the room TTL.
func (r *Redis) Appear(ctx context.Context, room string, user chat.Identity) error {
	key := presenceKey(room)
	pipe := r.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, user.ID, 1)
	pipe.Expire(ctx, key, r.ttl)
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "presence appear")
}

// Disappear decrements user's appearance count, removing the field at zero.
func (r *Redis) Disappear(ctx context.Context, room string, user chat.Identity) error {
	key := presenceKey(room)
	n, err := r.rdb.HIncrBy(ctx, key, user.ID, -1).Result()
	if err != nil {
		return errors.Wrap(err, "presence disappear")
	}
	if n <= 0 {
		if err := r.rdb.HDel(ctx, key, user.ID).Err(); err != nil {
			return errors.Wrap(err, "presence clear")
		}
	}
	return nil
}

// Online returns the sorted IDs of users present in room.
func (r *Redis) Online(ctx context.Context, room string) ([]string, error) {
	ids, err := r.rdb.HKeys(ctx, presenceKey(room)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "presence online")
	}
	sort.Strings(ids)
	return ids, nil
}

// Close closes the redis client.
func (r *Redis) Close() error {
	return r.rdb.Close()
}
