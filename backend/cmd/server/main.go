package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/BioHazard786/Warpcam/backend/internal/config"
	"github.com/BioHazard786/Warpcam/backend/internal/logging"
	"github.com/BioHazard786/Warpcam/backend/internal/server"
	"github.com/BioHazard786/Warpcam/backend/internal/signaling"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "warpcam-server:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := signaling.NewHub(signaling.HubOptions{
		MaxViewers:           cfg.MaxViewers,
		PresenceTimeout:      cfg.PresenceTimeout,
		SweepInterval:        cfg.SweepInterval,
		MaxMessageBytes:      cfg.MaxMessageBytes,
		MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		MessageBurst:         cfg.MessageBurst,
		Logger:               logger,
	})
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.NewRouter(hub, cfg.AllowedOrigins, logger),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting signaling server", "addr", cfg.ListenAddr, "max_viewers", cfg.MaxViewers)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down", "timeout", cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown; closing
	// the hub closes them.
	stopHub()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
