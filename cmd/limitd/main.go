// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main runs the limitd daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/ludohenin/limitd"
	lderrors "github.com/ludohenin/limitd/pkg/errors"
	"github.com/ludohenin/limitd/pkg/handler"
	"github.com/ludohenin/limitd/pkg/health"
	"github.com/ludohenin/limitd/pkg/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const envPrefix = "LIMITD_"

// daemonConfig holds the settings of the process around the server.
type daemonConfig struct {
	MetricsAddress  string        `env:"METRICS_ADDRESS"  envDefault:":9090"`
	HealthAddress   string        `env:"HEALTH_ADDRESS"   envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	MaxGoroutines   int           `env:"MAX_GOROUTINES"   envDefault:"50000"`

	// MaxConnectionsPerHost caps concurrent connections from one address; 0 disables it
	MaxConnectionsPerHost int `env:"MAX_CONNECTIONS_PER_HOST" envDefault:"0"`
}

func main() {
	if err := godotenv.Load(); err != nil {
		// .env file is optional
	}

	envOpts := env.Options{Prefix: envPrefix}
	var dcfg daemonConfig
	if err := env.ParseWithOptions(&dcfg, envOpts); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}
	opts, err := limitd.LoadOptions(envOpts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}
	cfg, err := limitd.NewConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := server.NewLogger(os.Stdout, cfg)

	serverOpts := []server.Option{
		server.WithLogger(logger),
		server.WithRegisterer(prometheus.DefaultRegisterer),
	}
	if dcfg.MaxConnectionsPerHost > 0 {
		serverOpts = append(serverOpts, server.WithHandler(handler.NewHostLimit(dcfg.MaxConnectionsPerHost)))
	}

	srv, err := server.New(opts, serverOpts...)
	if err != nil {
		logger.Error("Failed to create server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	checker := health.NewChecker(5 * time.Second)
	checker.Register("limiter", health.LimiterCheck(srv.Limiter()), true)
	checker.Register("listener", health.ListenerCheck(func() bool {
		return srv.State() == server.StateListening
	}), true)
	checker.Register("goroutines", func(ctx context.Context) error {
		if n := runtime.NumGoroutine(); n > dcfg.MaxGoroutines {
			return fmt.Errorf("too many goroutines: %d > %d", n, dcfg.MaxGoroutines)
		}
		return nil
	}, false)

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	events := srv.Subscribe()
	g.Go(func() error {
		for ev := range events {
			attrs := []any{slog.String("state", ev.State.String())}
			if ev.Addr != nil {
				attrs = append(attrs, slog.String("address", ev.Addr.String()))
			}
			if ev.Err != nil {
				logger.Error("limitd server error", append(attrs, slog.String("error", ev.Err.Error()))...)
				continue
			}
			logger.Info("limitd server state changed", attrs...)
		}
		return nil
	})

	if _, err := srv.Start(ctx); err != nil {
		srv.Close()
		cancel()
		g.Wait()
		os.Exit(1)
	}

	g.Go(func() error {
		return serveHTTP(ctx, dcfg.MetricsAddress, metricsMux(), logger)
	})
	g.Go(func() error {
		return serveHTTP(ctx, dcfg.HealthAddress, healthMux(checker), logger)
	})

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	g.Go(func() error {
		<-ctx.Done()
		return shutdown(srv, dcfg.ShutdownTimeout, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("limitd terminated with error: %s", err))
		os.Exit(1)
	}
	logger.Info("limitd stopped")
}

// shutdown stops accepting, lets accepted connections finish within
// timeout and releases the limiter.
func shutdown(srv *server.Server, timeout time.Duration, logger *slog.Logger) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := srv.Drain(shutdownCtx)
	if errors.Is(err, lderrors.ErrShutdownTimeout) {
		logger.Warn("Shutdown timeout exceeded, connections were closed")
		err = nil
	}
	if cErr := srv.Close(); cErr != nil && err == nil {
		err = cErr
	}
	return err
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func healthMux(checker *health.Checker) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())
	return mux
}

// serveHTTP runs an HTTP server until ctx is cancelled.
func serveHTTP(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	if addr == "" {
		return nil
	}

	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", slog.String("address", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server on %s: %w", addr, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// StopSignalHandler cancels ctx on SIGINT or SIGTERM.
func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
