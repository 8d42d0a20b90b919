package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/chatrelay/chatrelay/internal/api"
	"github.com/chatrelay/chatrelay/internal/config"
	"github.com/chatrelay/chatrelay/internal/db"
	"github.com/chatrelay/chatrelay/internal/provider"
	"github.com/chatrelay/chatrelay/internal/relay"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file loaded, using system environment", zap.Error(err))
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	store, err := db.New(cfg.DB.Path)
	if err != nil {
		logger.Fatal("failed to initialize database",
			zap.Error(err),
			zap.String("dbPath", cfg.DB.Path))
	}
	defer store.Close()

	registry := provider.NewRegistry(store)
	relaySvc := relay.New(store, registry, provider.NewCompleter, relay.Config{
		MaxMessageChars:    cfg.Relay.MaxMessageChars,
		HistoryTokenBudget: cfg.Relay.HistoryTokenBudget,
		ProviderTimeout:    cfg.Relay.ProviderTimeout,
		SystemPrompt:       cfg.Relay.SystemPrompt,
	}, logger)

	handler := api.NewHandler(store, relaySvc, logger)

	go runArchiver(ctx, store, cfg.Archive, logger)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("starting server", zap.String("addr", cfg.Server.Addr))
	if err := runServer(ctx, srv); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

// runArchiver periodically marks idle sessions as archived.
func runArchiver(ctx context.Context, store *db.Store, cfg config.ArchiveConfig, logger *zap.Logger) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			archived, err := store.ArchiveIdleSessions(ctx, time.Now().Add(-cfg.After))
			if err != nil {
				logger.Error("failed to archive idle sessions", zap.Error(err))
				continue
			}
			if archived > 0 {
				logger.Info("archived idle sessions", zap.Int64("count", archived))
			}
		}
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
