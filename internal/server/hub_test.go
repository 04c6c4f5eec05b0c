package server_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/server"
	"github.com/Tyrowin/roomchat/internal/store"
)

// TestHubShutdownWithoutClients verifies the hub stops promptly when idle.
func TestHubShutdownWithoutClients(t *testing.T) {
	hub := server.NewHub(zaptest.NewLogger(t))
	go hub.Run()

	assert.NoError(t, hub.Shutdown(2*time.Second))
	assert.Equal(t, 0, hub.Len())
}

// TestConcurrentShutdown verifies Shutdown may be called from several
// goroutines at once.
func TestConcurrentShutdown(t *testing.T) {
	hub := server.NewHub(zaptest.NewLogger(t))
	go hub.Run()

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- hub.Shutdown(2 * time.Second)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}

// TestRegisterAfterShutdown verifies a hub that stopped refuses clients.
func TestRegisterAfterShutdown(t *testing.T) {
	hub := server.NewHub(zaptest.NewLogger(t))
	go hub.Run()
	require.NoError(t, hub.Shutdown(time.Second))

	relay := chat.NewRelay(chat.Options{Store: store.NewMemory()})
	c := server.NewClient(nil, hub, relay, chat.Identity{ID: "late"}, "addr", *server.NewConfig())
	assert.False(t, hub.Register(c))
	assert.Equal(t, 0, hub.Len())
}

// TestHubShutdownClosesClients verifies that shutdown disconnects every
// client and leaves the rooms empty.
func TestHubShutdownClosesClients(t *testing.T) {
	env := newTestEnv(t, nil)

	peers := []*peer{env.connect(t, "alice"), env.connect(t, "bob"), env.connect(t, "carol")}
	for _, p := range peers {
		p.subscribe("general")
	}
	require.Equal(t, 3, env.srv.Hub().Len())

	require.NoError(t, env.srv.Shutdown(2*time.Second))

	for _, p := range peers {
		_ = p.conn.SetReadDeadline(time.Now().Add(frameWait))
		_, _, err := p.conn.ReadMessage()
		assert.Error(t, err)
	}
	assert.Empty(t, env.srv.Relay().Registry.Members("general"))
}

// TestClientSendBufferFull verifies that a client whose queue is full is
// evicted and later sends fail fast.
func TestClientSendBufferFull(t *testing.T) {
	hub := server.NewHub(zaptest.NewLogger(t))
	relay := chat.NewRelay(chat.Options{Store: store.NewMemory()})
	cfg := *server.NewConfig()
	cfg.SendBuffer = 1

	c := server.NewClient(nil, hub, relay, chat.Identity{ID: "alice"}, "127.0.0.1:1", cfg)
	assert.NotEmpty(t, c.ID())

	require.NoError(t, c.Send([]byte(`{"message":"one"}`)))
	assert.ErrorIs(t, c.Send([]byte(`{"message":"two"}`)), server.ErrSendBufferFull)
	assert.ErrorIs(t, c.Send([]byte(`{"message":"three"}`)), server.ErrConnClosed)
}

// TestSlowMemberDoesNotBlockRoom verifies one failing member does not stop
// delivery to the others.
func TestSlowMemberDoesNotBlockRoom(t *testing.T) {
	hub := server.NewHub(zaptest.NewLogger(t))
	relay := chat.NewRelay(chat.Options{Store: store.NewMemory()})
	cfg := *server.NewConfig()
	cfg.SendBuffer = 1

	slow := server.NewClient(nil, hub, relay, chat.Identity{ID: "slow"}, "a", cfg)
	cfg.SendBuffer = 8
	fast := server.NewClient(nil, hub, relay, chat.Identity{ID: "fast"}, "b", cfg)

	slowSession := relay.NewSession(slow)
	fastSession := relay.NewSession(fast)
	require.NoError(t, slowSession.Subscribe(context.Background(), "general", chat.Identity{ID: "slow"}))
	require.NoError(t, fastSession.Subscribe(context.Background(), "general", chat.Identity{ID: "fast"}))

	// The slow client takes one frame, overflows on the second and is closed
	// for the third. The fast one gets all three.
	wantFailed := []int{0, 1, 1}
	for i, failed := range wantFailed {
		d := relay.Broadcaster.Publish(chat.Message{ID: "m", Content: "x", Room: "general", Author: chat.Identity{ID: "fast"}})
		assert.Equal(t, 2, d.Attempted, "publish %d", i)
		assert.Equal(t, failed, d.Failed, "publish %d", i)
	}
	require.NoError(t, fast.Send([]byte("{}")))
}
