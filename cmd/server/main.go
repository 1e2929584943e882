package main

import (
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/parleychat/parley/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	// A missing .env file is fine; env vars may come from the environment.
	_ = godotenv.Load()

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	server.SetConfig(cfg)
	server.InitLogging(cfg.Logging)

	store := server.NewStore()
	registry := server.NewRegistry()
	hub := server.NewHub()
	go hub.Run()

	svc := server.NewService(store, registry, hub)
	router := server.SetupRoutes(svc)
	httpServer := server.CreateServer(cfg.Port, router)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
		if err := server.ShutdownServer(httpServer, 10*time.Second); err != nil {
			slog.Warn("http shutdown incomplete", "error", err)
		}
		if err := hub.Shutdown(5 * time.Second); err != nil {
			slog.Warn("hub shutdown incomplete", "error", err)
		}
	}
}
