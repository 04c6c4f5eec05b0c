package store

import (
	"context"
	"io"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// Closer is a message store that owns resources.
type Closer interface {
	chat.Store
	io.Closer
}

// Open builds the store selected by driver: "memory", "pebble" or "postgres".
func Open(ctx context.Context, driver, path, databaseURL string, log *zap.Logger) (Closer, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "memory":
		return NewMemory(), nil
	case "", "pebble":
		s, err := OpenPebble(path, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres", "postgresql":
		if databaseURL == "" {
			return nil, errors.New("postgres store requires a database url")
		}
		s, err := OpenPostgres(ctx, databaseURL, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, errors.Errorf("unknown store driver %q", driver)
	}
}
