package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/tutorlane/relay/internal/config"
	"github.com/tutorlane/relay/internal/relay"
	"github.com/tutorlane/relay/internal/server"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	tracker := relay.NewTracker(cfg.MaxConnections, cfg.MaxConnectionsPerAddr)

	// Two channels share the hub implementation: video signaling caps
	// rooms at two peers and tracks the negotiation initiator, classroom
	// sync allows more peers and doesn't.
	videoHub := relay.NewHub(relay.ChannelConfig{
		Name:               "video",
		MaxPeers:           2,
		MaxRooms:           cfg.MaxRoomsPerChannel,
		NotifyJoin:         true,
		NotifyLeave:        true,
		TrackInitiator:     true,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		RateLimitCount:     cfg.RateLimitCount,
		RateLimitWindow:    cfg.RateLimitWindow,
		MaxSignalBytes:     cfg.MaxSignalBytes,
		AllowedSignalTypes: cfg.AllowedSignalTypes,
	}, tracker, logger)

	classroomHub := relay.NewHub(relay.ChannelConfig{
		Name:               "classroom",
		MaxPeers:           cfg.ClassroomMaxPeers,
		MaxRooms:           cfg.MaxRoomsPerChannel,
		NotifyJoin:         true,
		NotifyLeave:        true,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		RateLimitCount:     cfg.RateLimitCount,
		RateLimitWindow:    cfg.RateLimitWindow,
		MaxSignalBytes:     cfg.MaxSignalBytes,
		AllowedSignalTypes: cfg.AllowedSignalTypes,
	}, tracker, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go videoHub.Run(ctx)
	go classroomHub.Run(ctx)

	opts := server.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		Tracker:        tracker,
		Logger:         logger,
	}
	if cfg.AuthRequired {
		if cfg.AuthURL == "" {
			logger.Error("RELAY_AUTH_REQUIRED is set but RELAY_AUTH_URL is empty")
			os.Exit(1)
		}
		opts.Validator = server.NewHTTPValidator(cfg.AuthURL)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", server.HealthCheck)
	mux.HandleFunc("/stats", server.Stats(tracker, videoHub, classroomHub))
	mux.HandleFunc("/ws/video", server.ServeWs(videoHub, opts))
	mux.HandleFunc("/ws/classroom", server.ServeWs(classroomHub, opts))

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}

	go func() {
		logger.Info("starting signaling relay", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down", "grace", cfg.ShutdownGrace)

	// Drain both channels before closing the listener: going-away close
	// frames first, force-termination of stragglers after the grace
	// period. Canceling ctx already stopped the heartbeat tickers.
	var wg sync.WaitGroup
	for _, hub := range []*relay.Hub{videoHub, classroomHub} {
		wg.Add(1)
		go func(h *relay.Hub) {
			defer wg.Done()
			h.Drain(cfg.ShutdownGrace)
		}(hub)
	}
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	logger.Info("shutdown complete")
}
