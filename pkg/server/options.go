// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"io"
	"log/slog"
	"strings"

	"github.com/ludohenin/limitd"
	lderrors "github.com/ludohenin/limitd/pkg/errors"
	"github.com/ludohenin/limitd/pkg/handler"
	"github.com/ludohenin/limitd/pkg/limiter"
	"github.com/ludohenin/limitd/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// Option customizes a Server beyond its Options.
type Option func(*Server)

// WithLimiter uses l instead of opening the backend named by the db
// option. The server does not close l.
func WithLimiter(l limiter.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithLogger replaces the JSON logger built from the log_level option.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithRegisterer registers the server's Prometheus collectors on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Server) { s.registerer = reg }
}

// WithGaugeReporter sends memory gauges to r instead of the Prometheus
// gauge vector.
func WithGaugeReporter(r metrics.Reporter) Option {
	return func(s *Server) { s.gauges = r }
}

// WithSamplerOptions tunes the memory sampler.
func WithSamplerOptions(opts ...metrics.SamplerOption) Option {
	return func(s *Server) { s.samplerOpts = append(s.samplerOpts, opts...) }
}

// WithHandler adds connection hooks after the logging hook.
func WithHandler(h handler.Handler) Option {
	return func(s *Server) { s.hooks = append(s.hooks, h) }
}

// WithErrorReporter replaces the reporter built from error_reporter_url.
func WithErrorReporter(r lderrors.Reporter) Option {
	return func(s *Server) { s.reporter = r }
}

// WithQueueSize sets the per-connection queue between pipeline stages.
func WithQueueSize(n int) Option {
	return func(s *Server) { s.queueSize = n }
}

// NewLogger builds the JSON logger described by cfg. Every entry carries
// the deployment region.
func NewLogger(w io.Writer, cfg limitd.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(h).With(slog.String("region", cfg.DeploymentRegion))
}
