package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/blackmichael/fedinode/internal/config"
	"github.com/blackmichael/fedinode/internal/federation"
	"github.com/blackmichael/fedinode/internal/httpserver"
	"github.com/blackmichael/fedinode/internal/httpsig"
	"github.com/blackmichael/fedinode/internal/resolver"
	"github.com/blackmichael/fedinode/internal/sqlite"
	"github.com/blackmichael/fedinode/internal/streaming"
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

	// One repository implements every store the engine needs: actors,
	// follows, notes and the outbound activity log.
	repo, err := sqlite.NewRepository(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("create repository: %w", err)
	}
	defer repo.Close()
	logger.Info("opened database", "path", cfg.DatabasePath)

	res := resolver.New(repo, logger)
	verifier := httpsig.NewVerifier(res, logger)
	deliverer := federation.NewDeliverer(res, logger, cfg.DeliveryTimeout)
	follows := federation.NewFollowService(repo, repo, repo, res, deliverer, logger, cfg.Domain)
	hub := streaming.NewHub(logger)
	dispatcher := federation.NewDispatcher(repo, repo, follows, repo, res, deliverer, hub, logger)

	server := httpserver.NewServer(cfg, verifier, dispatcher, repo, repo, hub, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server exited with error", "error", err)
		}
	}()

	logger.Info("node started", "domain", cfg.Domain, "port", cfg.Port)

	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)

	if err := server.Shutdown(context.Background()); err != nil {
		logger.Error("error shutting down http server", "error", err)
	}

	return nil
}
