package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/carelink/internal/bootstrap"
	"github.com/zhouzirui/carelink/internal/config"
	"github.com/zhouzirui/carelink/internal/handler"
	"github.com/zhouzirui/carelink/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		logger.L.Debug("no .env file loaded, using system environment only", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.L.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.Setup(os.Stderr, cfg.Log.Format, cfg.Log.Level)

	store, err := bootstrap.AuthStore(cfg.Auth)
	if err != nil {
		logger.L.Error("failed to initialize auth store", "error", err)
		os.Exit(1)
	}
	if _, ok := store.Current(); !ok {
		logger.L.Warn("no signed-in identity; PUT /api/me or set USER_ID and AUTH_TOKEN")
	}

	chatSvc, err := bootstrap.ChatService(cfg)
	if err != nil {
		logger.L.Error("failed to initialize chat service", "error", err)
		os.Exit(1)
	}
	defer chatSvc.CloseAll()

	router, chatHandler := handler.NewRouter(store, chatSvc)
	defer chatHandler.Close()

	if err := startServer(ctx, cfg.Server, router); err != nil {
		logger.L.Error("server error", "error", err)
		os.Exit(1)
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) error {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		// streams end with the process context
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	logger.L.Info("carelink companion listening", "addr", addr)
	return runServer(ctx, srv)
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
