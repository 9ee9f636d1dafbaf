// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ludohenin/limitd"
	"github.com/ludohenin/limitd/pkg/breaker"
	"github.com/ludohenin/limitd/pkg/codec"
	jsoncodec "github.com/ludohenin/limitd/pkg/codec/json"
	"github.com/ludohenin/limitd/pkg/codec/protobuf"
	lderrors "github.com/ludohenin/limitd/pkg/errors"
	"github.com/ludohenin/limitd/pkg/handler"
	"github.com/ludohenin/limitd/pkg/limiter"
	"github.com/ludohenin/limitd/pkg/limiter/memory"
	"github.com/ludohenin/limitd/pkg/limiter/redis"
	"github.com/ludohenin/limitd/pkg/metrics"
	"github.com/ludohenin/limitd/pkg/pipeline"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrInvalidState is returned by Start on a server that is not in StateCreated.
var ErrInvalidState = errors.New("invalid server state")

// graceAfterCancel bounds the wait for pipelines once Drain has
// cancelled them.
const graceAfterCancel = time.Second

// Server accepts connections and runs one pipeline per connection against
// a shared limiter.
type Server struct {
	config   limitd.Config
	logger   *slog.Logger
	codec    codec.Codec
	limiter  limiter.Limiter
	owned    bool
	metrics  *metrics.Metrics
	reporter lderrors.Reporter
	handler  handler.Handler
	pipeline pipeline.Config
	sampler  *metrics.Sampler

	registerer  prometheus.Registerer
	gauges      metrics.Reporter
	samplerOpts []metrics.SamplerOption
	hooks       []handler.Handler
	queueSize   int

	// op serializes Start and Stop
	op sync.Mutex

	mu         sync.Mutex
	state      State
	subs       []chan Event
	listener   net.Listener
	acceptDone chan struct{}

	wg         sync.WaitGroup
	connCtx    context.Context
	connCancel context.CancelFunc
}

// New validates opts and builds a server that is not yet listening. A
// missing db fails before anything is created. When a metrics key is set
// the memory sampler starts here and runs until Stop.
func New(opts limitd.Options, options ...Option) (*Server, error) {
	cfg, err := limitd.NewConfig(opts)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config: cfg,
		state:  StateCreated,
	}
	for _, opt := range options {
		opt(s)
	}
	if s.logger == nil {
		s.logger = NewLogger(os.Stdout, cfg)
	}

	s.codec, err = newCodec(cfg.Protocol)
	if err != nil {
		return nil, lderrors.NewConfig("protocol", err)
	}

	if s.reporter == nil {
		s.reporter = lderrors.NopReporter{}
		if cfg.ErrorReporterURL != "" {
			s.reporter = lderrors.NewHTTPReporter(cfg.ErrorReporterURL, cfg.DeploymentRegion, s.logger)
		}
	}

	s.metrics = metrics.New("limitd", cfg.DeploymentRegion, s.registerer)

	if s.limiter == nil {
		l, err := openLimiter(cfg, s.logger)
		if err != nil {
			return nil, lderrors.NewConfig("db", err)
		}
		s.limiter, s.owned = l, true
	}

	s.handler = append(handler.Chain{handler.NewLogging(s.logger)}, s.hooks...)
	s.pipeline = pipeline.Config{
		Codec:        s.codec,
		Limiter:      s.limiter,
		MaxFrameSize: cfg.MaxFrameSize,
		QueueSize:    s.queueSize,
		RequestRate:  cfg.ConnRequestRate,
		RequestBurst: cfg.ConnRequestBurst,
		Reporter:     s.reporter,
		Logger:       s.logger,
	}
	if cfg.CollectResourceUsage {
		s.pipeline.Metrics = s.metrics
	}

	s.connCtx, s.connCancel = context.WithCancel(context.Background())

	if cfg.MetricsAPIKey != "" {
		gauges := s.gauges
		if gauges == nil {
			gauges = s.metrics
		}
		s.sampler = metrics.StartSampler(gauges, s.samplerOpts...)
	}

	return s, nil
}

// Config returns the validated configuration.
func (s *Server) Config() limitd.Config {
	return s.config
}

// Limiter returns the limiter shared by every connection.
func (s *Server) Limiter() limiter.Limiter {
	return s.limiter
}

// Metrics returns the server's collectors.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// Addr returns the bound address, or nil when the server is not listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil || s.state != StateListening {
		return nil
	}
	return s.listener.Addr()
}

// Start binds hostname:port and accepts connections in the background. A
// bind failure is returned as a listen error, published as an error event
// and leaves the server in StateCreated. It is never retried.
func (s *Server) Start(ctx context.Context) (net.Addr, error) {
	s.op.Lock()
	defer s.op.Unlock()

	if st := s.State(); st != StateCreated {
		return nil, fmt.Errorf("%w: cannot start a %s server", ErrInvalidState, st)
	}
	s.transition(Event{State: StateStarting})

	address := s.config.Address()
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		err = fmt.Errorf("%w: failed to listen on %s: %w", lderrors.ErrListen, address, err)
		s.logger.Debug("server error", slog.String("address", address), slog.String("error", err.Error()))
		s.reporter.Report(ctx, err, map[string]string{"address": address})
		s.transition(Event{State: StateCreated, Err: err})
		return nil, err
	}

	s.mu.Lock()
	s.listener = ln
	s.acceptDone = make(chan struct{})
	s.mu.Unlock()

	go s.serve(ln, s.acceptDone)

	s.logger.Debug("server started",
		slog.String("address", ln.Addr().String()),
		slog.String("protocol", s.codec.Name()))
	s.transition(Event{State: StateListening, Addr: ln.Addr()})
	return ln.Addr(), nil
}

// Stop closes the listening socket, waits for the accept loop to exit,
// stops the memory sampler and publishes the close event. Accepted
// connections keep running; use Drain to wait for them. Stop is idempotent.
func (s *Server) Stop() error {
	s.op.Lock()
	defer s.op.Unlock()

	switch s.State() {
	case StateStopping, StateClosed:
		return nil
	}
	s.transition(Event{State: StateStopping})

	s.mu.Lock()
	ln, acceptDone := s.listener, s.acceptDone
	s.mu.Unlock()

	var err error
	if ln != nil {
		if cErr := ln.Close(); cErr != nil && !errors.Is(cErr, net.ErrClosed) {
			err = cErr
		}
		<-acceptDone
	}
	if s.sampler != nil {
		s.sampler.Stop()
	}

	s.logger.Debug("server closed")
	s.transition(Event{State: StateClosed})
	return err
}

// Drain stops the server if needed and waits for accepted connections to
// finish. When ctx expires first, remaining connections are closed and
// ErrShutdownTimeout is returned.
func (s *Server) Drain(ctx context.Context) error {
	if err := s.Stop(); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Debug("all connections closed gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout exceeded, forcing connection closure")
		s.connCancel()
		select {
		case <-done:
		case <-time.After(graceAfterCancel):
		}
		return lderrors.ErrShutdownTimeout
	}
}

// Close stops the server, closes every connection and releases the
// limiter when the server opened it.
func (s *Server) Close() error {
	err := s.Stop()
	s.connCancel()
	s.wg.Wait()

	if c, ok := s.limiter.(io.Closer); ok && s.owned {
		if cErr := c.Close(); cErr != nil && err == nil {
			err = cErr
		}
	}
	return err
}

func (s *Server) serve(ln net.Listener, done chan<- struct{}) {
	defer close(done)

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.State() != StateListening {
				return
			}
			// resource exhaustion such as EMFILE; back off and keep serving
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > time.Second {
				delay = time.Second
			}
			s.logger.Warn("failed to accept connection",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", delay))
			time.Sleep(delay)
			continue
		}
		delay = 0

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// handleConn runs the pipeline of one connection. Its errors are logged by
// the handler chain and never reach the server's event channel.
func (s *Server) handleConn(conn net.Conn) {
	ctx := s.connCtx
	hctx := handler.NewContext(uuid.NewString(), conn.RemoteAddr(), s.codec.Name())

	if err := s.handler.OnConnect(ctx, hctx); err != nil {
		s.logger.Debug("connection rejected",
			append(hctx.LogAttrs(), slog.String("error", err.Error()))...)
		conn.Close()
		return
	}

	p := pipeline.New(conn, hctx, s.pipeline)

	var err error
	if s.config.CollectResourceUsage {
		err = s.metrics.ObserveConnection(func() error { return p.Run(ctx) })
		if err != nil {
			s.metrics.ConnectionErrors.WithLabelValues(errorType(err)).Inc()
		}
	} else {
		err = p.Run(ctx)
	}

	s.handler.OnDisconnect(ctx, hctx, err)
}

func errorType(err error) string {
	switch {
	case errors.Is(err, lderrors.ErrDecode):
		return "decode"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "connection"
	}
}

// newCodec resolves a protocol name to its codec.
func newCodec(name string) (codec.Codec, error) {
	switch name {
	case protobuf.Name:
		return protobuf.Codec{}, nil
	case jsoncodec.Name:
		return jsoncodec.Codec{}, nil
	default:
		return nil, fmt.Errorf("unsupported protocol %q", name)
	}
}

// openLimiter opens the backend named by cfg.DB: "memory" (or memory://)
// for in-process buckets, redis:// or rediss:// for a shared Redis store.
func openLimiter(cfg limitd.Config, logger *slog.Logger) (limiter.Limiter, error) {
	buckets := limiter.DefaultBuckets()
	if cfg.BucketsFile != "" {
		var err error
		if buckets, err = limiter.LoadBuckets(cfg.BucketsFile); err != nil {
			return nil, err
		}
	}

	switch {
	case cfg.DB == "memory" || strings.HasPrefix(cfg.DB, "memory://"):
		return memory.New(buckets)

	case strings.HasPrefix(cfg.DB, "redis://") || strings.HasPrefix(cfg.DB, "rediss://"):
		store, err := redis.Open(cfg.DB, buckets)
		if err != nil {
			return nil, err
		}
		store.Breaker().OnStateChange(func(from, to breaker.State) {
			logger.Warn("limiter circuit breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		})
		return store, nil

	default:
		return nil, fmt.Errorf("unsupported db location %q", cfg.DB)
	}
}
