package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/roomchat/internal/metrics"
)

// Hub supervises the live WebSocket connections: it registers them, runs
// their pumps, evicts slow consumers and closes everything on shutdown. Room
// membership lives in the chat registry, not here.
type Hub struct {
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	log        *zap.Logger
}

// NewHub creates a hub. Call Run in its own goroutine before registering clients.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		log:        log,
	}
}

// Len returns the number of registered connections.
func (h *Hub) Len() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Register hands c to the hub, which starts its pumps. It reports false when
// the hub is shutting down.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *Hub) unregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
		// Run has exited; shutdown already dropped every client.
		h.remove(c)
	}
}

// Run starts the hub's main event loop. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.log.Warn("nil_client_registration")
				continue
			}

			h.mutex.Lock()
			h.clients[client] = struct{}{}
			clientCount := len(h.clients)
			h.mutex.Unlock()
			metrics.ConnectionsActive.Inc()
			client.log.Info("client_registered", zap.String("remote", client.addr), zap.Int("clients", clientCount))

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump()
			}()

		case client := <-h.unregister:
			if h.remove(client) {
				client.log.Info("client_unregistered", zap.String("remote", client.addr), zap.Int("clients", h.Len()))
			}
		}
	}
}

// remove drops c and closes its send queue, which makes the write pump send a
// close frame. It reports whether c was registered.
func (h *Hub) remove(c *Client) bool {
	h.mutex.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	h.mutex.Unlock()

	if ok {
		metrics.ConnectionsActive.Dec()
	}
	c.closeSend()
	return ok
}

// evict removes a client whose send buffer overflowed.
func (h *Hub) evict(c *Client) {
	if h.remove(c) {
		c.log.Warn("client_evicted", zap.String("remote", c.addr), zap.String("reason", "send buffer full"))
	}
}

func (h *Hub) shutdownClients() {
	h.log.Info("hub_shutdown_started")

	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
			client.log.Warn("close_failed", zap.Error(err))
		}
	}

	h.log.Info("hub_connections_closed", zap.Int("clients", len(clients)))
}

// Shutdown closes every connection and waits for the pumps to exit, giving up
// after timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("hub_shutdown_completed")
		return nil
	case <-time.After(timeout):
		h.log.Warn("hub_shutdown_timeout", zap.Duration("timeout", timeout))
		return context.DeadlineExceeded
	}
}
