package chat_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/store"
)

var errSendFailed = errors.New("send failed")

// fakeConn records every frame it is asked to send.
type fakeConn struct {
	id   string
	fail bool

	mu     sync.Mutex
	frames [][]byte
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errSendFailed
	}
	c.frames = append(c.frames, payload)
	return nil
}

// messages decodes the message payloads received so far.
func (c *fakeConn) messages(t *testing.T) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []string
	for _, frame := range c.frames {
		var env chat.Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		if env.Message != "" {
			out = append(out, env.Message)
		}
	}
	return out
}

// failingStore rejects every save with a non-validation error.
type failingStore struct{}

func (failingStore) Save(context.Context, chat.Message) (chat.Message, error) {
	return chat.Message{}, errors.New("disk full")
}

func (failingStore) RecentMessages(context.Context, string, int) ([]chat.Message, error) {
	return nil, errors.New("disk full")
}

// recordingPresence counts appear and disappear calls.
type recordingPresence struct {
	mu        sync.Mutex
	appear    int
	disappear int
}

func (p *recordingPresence) Appear(context.Context, string, chat.Identity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.appear++
	return nil
}

func (p *recordingPresence) Disappear(context.Context, string, chat.Identity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disappear++
	return nil
}

func (p *recordingPresence) Online(context.Context, string) ([]string, error) { return nil, nil }

func (p *recordingPresence) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.appear, p.disappear
}

func newTestRelay(t *testing.T) (*chat.Relay, *store.Memory) {
	t.Helper()
	messages := store.NewMemory()
	relay := chat.NewRelay(chat.Options{
		Store:  messages,
		Logger: zaptest.NewLogger(t),
	})
	return relay, messages
}

var (
	alice = chat.Identity{ID: "1", Name: "alice"}
	bob   = chat.Identity{ID: "2", Name: "bob"}
	carol = chat.Identity{ID: "3", Name: "carol"}
)
