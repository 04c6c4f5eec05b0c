package presence

import (
	"context"
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// Tracker is a presence backend that owns resources.
type Tracker interface {
	chat.Presence
	io.Closer
}

// Open builds the tracker selected by driver: "memory" or "redis".
func Open(ctx context.Context, driver string, cfg RedisConfig) (Tracker, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		r, err := NewRedis(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, errors.Errorf("unknown presence driver %q", driver)
	}
}
