package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/forumlab/pushgate/internal/bus"
	"github.com/forumlab/pushgate/internal/config"
	"github.com/forumlab/pushgate/internal/httpserver"
	"github.com/forumlab/pushgate/internal/push"
	"github.com/forumlab/pushgate/internal/sqlite"
	"github.com/forumlab/pushgate/internal/sse"
	"github.com/forumlab/pushgate/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open token store: %w", err)
	}
	defer store.Close()
	logger.Info("token store opened", "path", cfg.DatabasePath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The bus is optional: without Redis every send degrades to local-only
	// delivery, which is correct for a single-process deployment.
	var (
		eventBus bus.PubSub
		presence push.Presence
		redisBus *bus.RedisBus
	)
	if cfg.RedisURL != "" {
		redisBus, err = bus.Dial(ctx, cfg.RedisURL, cfg.PresenceWindow, logger)
		if err != nil {
			logger.Warn("redis unavailable, running in local-only mode", "error", err)
		} else {
			defer redisBus.Close()
			eventBus = redisBus
			presence = redisBus
			logger.Info("connected to redis", "url", cfg.RedisURL)
		}
	} else {
		logger.Info("REDIS_URL not set, running in local-only mode")
	}

	wsManager := ws.NewManager(store, eventBus, presence, cfg.AuthTimeout, logger)
	sseManager := sse.NewManager(store, eventBus, presence, cfg.SSEKeepAlive, logger)

	pusher := push.NewPusher(logger)
	pusher.Register(ws.TransportName, wsManager)
	pusher.Register(sse.TransportName, sseManager)

	if redisBus != nil {
		redisBus.Attach(ws.TransportName, wsManager)
		redisBus.Attach(sse.TransportName, sseManager)
		go func() {
			if err := redisBus.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("bus subscriber exited with error", "error", err)
			}
		}()
	}

	notifier := push.NewNotifier(pusher, logger)
	notifierDone := make(chan struct{})
	go func() {
		defer close(notifierDone)
		notifier.Run(ctx)
	}()

	reaper := push.NewReaper(pusher, presence, cfg.ReapInterval, logger)
	go func() {
		if err := reaper.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("reaper exited with error", "error", err)
		}
	}()

	server := httpserver.NewServer(cfg, pusher, wsManager.Handler(), sseManager.Handler(), logger)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server exited with error", "error", err)
		}
	}()

	logger.Info("server started", "port", cfg.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down http server", "error", err)
	}

	// Let the notifier finish draining its queue.
	select {
	case <-notifierDone:
	case <-time.After(5 * time.Second):
		logger.Warn("notifier did not drain in time")
	}

	return nil
}
