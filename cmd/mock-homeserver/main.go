// Command mock-homeserver runs an in-memory homeserver that challenges
// register, password change and device deletion with configurable
// interactive-authentication flows. It is meant for trying the uiaa CLI
// and for integration testing.
//
// Configuration:
//
//	MOCK_PORT   - Listen port (default: 8008)
//	MOCK_CONFIG - Path to a YAML file with users, tokens and flows (optional)
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rhuss/uiaa/pkg/debug"
	"github.com/rhuss/uiaa/pkg/homeserver"
	"github.com/rhuss/uiaa/pkg/observability"
)

func main() {
	debug.Init("", os.Getenv("MOCK_LOG_LEVEL"))

	port := os.Getenv("MOCK_PORT")
	if port == "" {
		port = "8008"
	}

	cfg := homeserver.DefaultConfig()
	if path := os.Getenv("MOCK_CONFIG"); path != "" {
		loaded, err := homeserver.LoadConfig(path)
		if err != nil {
			slog.Error("loading config", "path", path, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	hs, err := homeserver.New(cfg)
	if err != nil {
		slog.Error("creating homeserver", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/", hs)
	mux.Handle("GET /metrics", observability.Handler())

	srv := &http.Server{Addr: ":" + port, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("mock homeserver starting", "port", port, "server_name", cfg.ServerName)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("mock homeserver failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("mock homeserver shutting down", "open_sessions", hs.OpenSessions())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}
