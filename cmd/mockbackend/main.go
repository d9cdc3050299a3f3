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

	"github.com/zhouzirui/carelink/internal/config"
	"github.com/zhouzirui/carelink/internal/logger"
	"github.com/zhouzirui/carelink/internal/mockbackend"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		logger.L.Debug("no .env file loaded, using system environment only", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.L.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.Setup(os.Stderr, cfg.Log.Format, cfg.Log.Level)

	if len(cfg.Mock.Tokens) == 0 {
		logger.L.Warn("MOCK_TOKENS is empty; every request will be rejected")
	}

	var store mockbackend.HistoryStore = mockbackend.NewMemoryStore()
	if cfg.Mock.HistoryDB != "" {
		sqlite, err := mockbackend.NewSQLiteStore(cfg.Mock.HistoryDB)
		if err != nil {
			logger.L.Error("failed to open history database", "path", cfg.Mock.HistoryDB, "error", err)
			os.Exit(1)
		}
		store = sqlite
		logger.L.Info("sqlite history store initialized", "path", cfg.Mock.HistoryDB)
	}
	defer store.Close()

	server := mockbackend.NewServer(cfg.Mock.Tokens, store, mockbackend.Options{
		PingInterval: cfg.WS.PingInterval,
		WriteTimeout: cfg.WS.WriteTimeout,
		ReadTimeout:  cfg.WS.ReadTimeout,
	})

	srv := &http.Server{
		Addr:              cfg.Mock.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.L.Info("mock backend listening", "addr", cfg.Mock.Addr, "users", len(cfg.Mock.Tokens))
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.L.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
