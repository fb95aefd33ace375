// Command tether-relay hosts the cross-process coordination service:
// broadcast channels and queued locks over a single websocket endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/streamtether/tether/internal/adapters/bus"
	"github.com/streamtether/tether/internal/domain"
)

func main() {
	listen := flag.String("listen", ":7433", "listen address")
	path := flag.String("path", "/relay", "websocket endpoint path")
	pingInterval := flag.Duration("ping-interval", 30*time.Second, "websocket keepalive interval")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	relayCfg := domain.DefaultRelayConfig()
	relayCfg.PingInterval = *pingInterval
	relay := bus.NewRelay(relayCfg, logger)

	mux := http.NewServeMux()
	mux.Handle(*path, relay.Handler())

	server := &http.Server{
		Addr:    *listen,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "addr", *listen, "path", *path)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown failed", "error", err)
			os.Exit(1)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}
}
