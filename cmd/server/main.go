package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/Tyrowin/roomchat/internal/auth"
	"github.com/Tyrowin/roomchat/internal/logger"
	"github.com/Tyrowin/roomchat/internal/presence"
	"github.com/Tyrowin/roomchat/internal/render"
	"github.com/Tyrowin/roomchat/internal/server"
	"github.com/Tyrowin/roomchat/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	envPath := flag.String("env", ".env", "path to a .env file; missing files are ignored")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envPath, err)
	}

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	defer func() { _ = log.Sync() }()

	if err := run(*cfg, log); err != nil {
		log.Error("server_failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg server.Config, log *zap.Logger) error {
	ctx := context.Background()

	messages, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.Path, cfg.Store.DatabaseURL, log.Named("store"))
	if err != nil {
		return err
	}
	defer func() {
		if err := messages.Close(); err != nil {
			log.Warn("store_close_failed", zap.Error(err))
		}
	}()

	tracker, err := presence.Open(ctx, cfg.Presence.Driver, presence.RedisConfig{
		Addr:     cfg.Presence.RedisAddr,
		Password: cfg.Presence.RedisPassword,
		DB:       cfg.Presence.RedisDB,
		TTL:      cfg.Presence.TTL,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tracker.Close() }()

	provider, err := auth.New(cfg.Auth.Mode, cfg.Auth.JWTSecret)
	if err != nil {
		return err
	}
	renderer, err := render.New(cfg.Render.Format)
	if err != nil {
		return err
	}

	srv := server.New(cfg, server.Deps{
		Store:    messages,
		Presence: tracker,
		Renderer: renderer,
		Auth:     provider,
		Logger:   log,
	})
	srv.Start()

	httpServer := server.CreateServer(cfg.Port, srv.Routes())
	log.Info("server_configured",
		zap.String("store", cfg.Store.Driver),
		zap.String("presence", cfg.Presence.Driver),
		zap.String("auth", cfg.Auth.Mode),
		zap.String("render", cfg.Render.Format),
		zap.Stringer("max_message_size", cfg.MaxMessageSize),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := server.StartServer(httpServer, log); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Info("shutdown_signal", zap.String("signal", sig.String()))
	case err, ok := <-errCh:
		if ok {
			return err
		}
	}

	if err := server.ShutdownServer(httpServer, cfg.ShutdownTimeout, log); err != nil {
		log.Warn("http_shutdown_incomplete", zap.Error(err))
	}
	if err := srv.Shutdown(cfg.ShutdownTimeout); err != nil {
		log.Warn("hub_shutdown_incomplete", zap.Error(err))
	}
	return nil
}
