// main.go
// Wires the relay together: configuration, the registry goroutine, the
// session endpoint and the HTTP server, and shuts them down on SIGINT/SIGTERM.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"presence-relay/internal/auth"
	"presence-relay/internal/config"
	"presence-relay/internal/relay"

	"github.com/mama165/sdk-go/logs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadRelay()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	log := logs.GetLoggerFromString(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	address := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	if err := serve(ctx, cfg, log, listener); err != nil {
		return err
	}
	log.Info("Relay stopped cleanly")
	return nil
}

// serve runs the relay on listener until ctx is done, then drains it.
func serve(ctx context.Context, cfg config.Relay, log *slog.Logger, listener net.Listener) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	manager := relay.NewManager(log, relay.NewMetrics(registry))
	handler := relay.NewHandler(log, manager, auth.NewJWT(cfg.JWTSecret), relay.Options{
		SendBufferSize: cfg.SendBufferSize,
		WriteTimeout:   cfg.WriteTimeout,
		MaxMessageSize: cfg.MaxMessageSize,
	})

	server := &http.Server{
		Handler:           relay.NewRouter(cfg.EndpointPath, handler, manager, registry),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		manager.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info("Starting relay", "address", listener.Addr().String(), "endpoint", cfg.EndpointPath)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("relay server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
