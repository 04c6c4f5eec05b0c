package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/roomchat/internal/auth"
	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/store"
)

// Deps are the collaborators a Server is built around.
type Deps struct {
	Store    chat.Store
	Presence chat.Presence
	Renderer chat.Renderer
	Auth     auth.Provider
	Logger   *zap.Logger
}

// Server holds the relay, the connection hub and the HTTP handlers of one
// roomchat process.
type Server struct {
	cfg      Config
	relay    *chat.Relay
	hub      *Hub
	renderer chat.Renderer
	auth     auth.Provider
	origins  originPolicy
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// New builds a server from cfg and deps. Call Start before serving.
func New(cfg Config, deps Deps) *Server {
	cfg = sanitizeConfig(cfg)

	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	messages := deps.Store
	if messages == nil {
		messages = store.NewMemory()
	}
	provider := deps.Auth
	if provider == nil {
		provider = auth.Header{}
	}
	renderer := deps.Renderer
	if renderer == nil {
		renderer = chat.RenderFunc(func(m chat.Message, _ chat.Identity) (string, error) {
			return m.Content, nil
		})
	}

	s := &Server{
		cfg: cfg,
		relay: chat.NewRelay(chat.Options{
			Store:    messages,
			Renderer: renderer,
			Presence: deps.Presence,
			Logger:   log.Named("chat"),
		}),
		hub:      NewHub(log.Named("hub")),
		renderer: renderer,
		auth:     provider,
		origins:  newOriginPolicy(cfg.AllowedOrigins, log),
		log:      log,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.check,
	}
	return s
}

// Config returns the sanitized configuration.
func (s *Server) Config() Config { return s.cfg }

// Relay returns the chat relay.
func (s *Server) Relay() *chat.Relay { return s.relay }

// Hub returns the connection hub.
func (s *Server) Hub() *Hub { return s.hub }

// Start runs the hub loop in its own goroutine.
func (s *Server) Start() {
	go s.hub.Run()
	s.log.Info("hub_started")
}

// Shutdown closes all connections, waiting at most timeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	return s.hub.Shutdown(timeout)
}

// CreateServer creates and configures an HTTP server with the specified port and handler.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// StartServer starts the HTTP server and blocks until it exits.
func StartServer(server *http.Server, log *zap.Logger) error {
	log.Info("server_listening", zap.String("addr", server.Addr))
	return server.ListenAndServe()
}

// ShutdownServer gracefully shuts down the HTTP server without interrupting
// active requests, waiting at most timeout.
func ShutdownServer(server *http.Server, timeout time.Duration, log *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("http_shutdown_failed", zap.Error(err))
		return err
	}
	log.Info("http_shutdown_completed")
	return nil
}
