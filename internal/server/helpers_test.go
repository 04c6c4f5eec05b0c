package server_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/roomchat/internal/auth"
	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/presence"
	"github.com/Tyrowin/roomchat/internal/server"
	"github.com/Tyrowin/roomchat/internal/store"
)

const testOrigin = "http://localhost:8080"

type testEnv struct {
	srv      *server.Server
	http     *httptest.Server
	wsURL    string
	store    *store.Memory
	presence *presence.Memory
}

// newTestEnv starts a server with in-memory collaborators. customize may
// adjust the config before the server is built.
func newTestEnv(t *testing.T, customize func(cfg *server.Config)) *testEnv {
	t.Helper()

	cfg := *server.NewConfig()
	cfg.AllowedOrigins = []string{testOrigin}
	if customize != nil {
		customize(&cfg)
	}

	env := &testEnv{store: store.NewMemory(), presence: presence.NewMemory()}
	env.srv = server.New(cfg, server.Deps{
		Store:    env.store,
		Presence: env.presence,
		Auth:     auth.Header{},
		Logger:   zaptest.NewLogger(t),
	})
	env.srv.Start()
	env.http = httptest.NewServer(env.srv.Routes())
	env.wsURL = "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"

	t.Cleanup(func() {
		_ = env.srv.Shutdown(2 * time.Second)
		env.http.Close()
	})
	return env
}

func identityHeader(userID string) http.Header {
	h := http.Header{}
	h.Set("Origin", testOrigin)
	if userID != "" {
		h.Set(auth.HeaderUserID, userID)
		h.Set(auth.HeaderUserName, userID)
	}
	return h
}

// peer is a raw websocket client that understands batched frames.
type peer struct {
	t       *testing.T
	conn    *websocket.Conn
	pending []chat.Envelope
}

func (e *testEnv) connect(t *testing.T, userID string) *peer {
	t.Helper()
	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	conn, resp, err := dialer.Dial(e.wsURL, identityHeader(userID))
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &peer{t: t, conn: conn}
}

func (p *peer) send(cmd chat.Command) {
	p.t.Helper()
	data, err := json.Marshal(cmd)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.WriteMessage(websocket.TextMessage, data))
}

func (p *peer) sendRaw(data string) {
	p.t.Helper()
	require.NoError(p.t, p.conn.WriteMessage(websocket.TextMessage, []byte(data)))
}

// next returns the next envelope or fails the test after timeout.
func (p *peer) next(timeout time.Duration) chat.Envelope {
	p.t.Helper()
	env, ok := p.tryNext(timeout)
	if !ok {
		p.t.Fatalf("no frame within %s", timeout)
	}
	return env
}

func (p *peer) tryNext(timeout time.Duration) (chat.Envelope, bool) {
	p.t.Helper()
	if len(p.pending) == 0 {
		_ = p.conn.SetReadDeadline(time.Now().Add(timeout))
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return chat.Envelope{}, false
		}
		for _, line := range bytes.Split(data, []byte{'\n'}) {
			var env chat.Envelope
			require.NoError(p.t, json.Unmarshal(line, &env))
			p.pending = append(p.pending, env)
		}
	}
	env := p.pending[0]
	p.pending = p.pending[1:]
	return env, true
}

// expectNothing asserts that no frame arrives within timeout.
func (p *peer) expectNothing(timeout time.Duration) {
	p.t.Helper()
	if env, ok := p.tryNext(timeout); ok {
		p.t.Errorf("unexpected frame: %+v", env)
	}
}

func (p *peer) subscribe(room string) {
	p.t.Helper()
	p.send(chat.Command{Command: chat.CommandSubscribe, Room: room})
	env := p.next(2 * time.Second)
	require.Equal(p.t, room, env.Subscribed, "subscribe reply: %+v", env)
}
