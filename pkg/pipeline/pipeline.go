// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/ludohenin/limitd/pkg/codec"
	lderrors "github.com/ludohenin/limitd/pkg/errors"
	"github.com/ludohenin/limitd/pkg/frame"
	"github.com/ludohenin/limitd/pkg/handler"
	"github.com/ludohenin/limitd/pkg/limiter"
	"github.com/ludohenin/limitd/pkg/metrics"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// DefaultQueueSize is the capacity of the channels between stages.
const DefaultQueueSize = 32

// Config is shared by every pipeline of a server.
type Config struct {
	// Codec decodes requests and encodes responses
	Codec codec.Codec

	// Limiter answers TAKE, PUT and STATUS requests
	Limiter limiter.Limiter

	// MaxFrameSize bounds inbound and outbound payloads
	MaxFrameSize int

	// QueueSize is the capacity of each inter-stage channel
	QueueSize int

	// RequestRate limits frames read per second on one connection. Zero
	// disables the throttle.
	RequestRate  float64
	RequestBurst int

	// Metrics is optional
	Metrics *metrics.Metrics

	// Reporter receives unexpected dispatch failures
	Reporter lderrors.Reporter

	// Logger for pipeline events
	Logger *slog.Logger
}

// Pipeline serves one connection: frames are read and decoded, dispatched
// to the limiter, then encoded and written back in arrival order.
type Pipeline struct {
	config   Config
	conn     net.Conn
	hctx     *handler.Context
	throttle *rate.Limiter
}

// New creates the pipeline for conn.
func New(conn net.Conn, hctx *handler.Context, cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Reporter == nil {
		cfg.Reporter = lderrors.NopReporter{}
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = frame.DefaultMaxSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	p := &Pipeline{
		config: cfg,
		conn:   conn,
		hctx:   hctx,
	}
	if cfg.RequestRate > 0 {
		burst := cfg.RequestBurst
		if burst <= 0 {
			burst = 1
		}
		p.throttle = rate.NewLimiter(rate.Limit(cfg.RequestRate), burst)
	}
	return p
}

// Run blocks until the connection ends. It returns nil when the client
// closed the stream on a frame boundary and every response was written.
// Cancelling ctx closes the connection. The connection is always closed when
// Run returns.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	// unblocks Read and Write on any stage failure or cancellation
	stop := context.AfterFunc(ctx, func() { p.conn.Close() })
	defer func() {
		stop()
		p.conn.Close()
	}()

	requests := make(chan codec.Request, p.config.QueueSize)
	payloads := make(chan []byte, p.config.QueueSize)

	g.Go(func() error {
		defer close(requests)
		return p.read(ctx, requests)
	})
	g.Go(func() error {
		defer close(payloads)
		return p.dispatch(ctx, requests, payloads)
	})
	g.Go(func() error {
		return p.write(payloads)
	})

	return g.Wait()
}

// read is the only stage that touches the inbound side of the socket. A
// frame or payload that cannot be decoded ends the connection.
func (p *Pipeline) read(ctx context.Context, out chan<- codec.Request) error {
	fr := frame.NewReader(p.conn, p.config.MaxFrameSize)

	for {
		if p.throttle != nil {
			if err := p.throttle.Wait(ctx); err != nil {
				return err
			}
		}

		payload, err := fr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			class := lderrors.ErrConnection
			if errors.Is(err, frame.ErrTooLarge) || errors.Is(err, frame.ErrBadLength) {
				class = lderrors.ErrDecode
			}
			return p.connErr("read", class, err)
		}
		if p.config.Metrics != nil {
			p.config.Metrics.FrameSize.WithLabelValues("in").Observe(float64(len(payload)))
		}

		req, err := p.config.Codec.DecodeRequest(payload)
		if err != nil {
			return p.connErr("decode", lderrors.ErrDecode, err)
		}

		select {
		case out <- req:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// dispatch answers requests in order. A failing request yields an error
// response; only an encoding failure ends the connection.
func (p *Pipeline) dispatch(ctx context.Context, in <-chan codec.Request, out chan<- []byte) error {
	for req := range in {
		res := p.handle(ctx, req)

		payload, err := p.config.Codec.EncodeResponse(res)
		if err != nil {
			return p.connErr("encode", lderrors.ErrConnection, err)
		}

		select {
		case out <- payload:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// write flushes whenever it has caught up with the dispatcher, so responses
// to pipelined requests share syscalls.
func (p *Pipeline) write(in <-chan []byte) error {
	fw := frame.NewWriter(p.conn, p.config.MaxFrameSize)

	for payload := range in {
		if err := fw.Write(payload); err != nil {
			return p.connErr("write", lderrors.ErrConnection, err)
		}
		if p.config.Metrics != nil {
			p.config.Metrics.FrameSize.WithLabelValues("out").Observe(float64(len(payload)))
		}
		if len(in) == 0 {
			if err := fw.Flush(); err != nil {
				return p.connErr("write", lderrors.ErrConnection, err)
			}
		}
	}
	if err := fw.Flush(); err != nil {
		return p.connErr("write", lderrors.ErrConnection, err)
	}
	return nil
}

func (p *Pipeline) handle(ctx context.Context, req codec.Request) codec.Response {
	if p.config.Metrics == nil {
		return p.safeDispatch(ctx, req)
	}

	var res codec.Response
	p.config.Metrics.ObserveRequest(req.Method.String(), func() string {
		res = p.safeDispatch(ctx, req)
		return status(res)
	})
	return res
}

func (p *Pipeline) safeDispatch(ctx context.Context, req codec.Request) (res codec.Response) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: panic in %s: %v", lderrors.ErrDispatch, req.Method, r)
			p.config.Logger.Error("recovered dispatch panic",
				append(p.hctx.LogAttrs(), slog.String("error", err.Error()))...)
			p.config.Reporter.Report(ctx, err, map[string]string{
				"session": p.hctx.SessionID,
				"method":  req.Method.String(),
				"type":    req.Type,
			})
			res = errorResponse(req, codec.CodeInternal)
		}
	}()

	res, err := Dispatch(ctx, p.config.Limiter, req)
	if err != nil {
		code := Code(err)
		p.config.Logger.Debug("request failed",
			append(p.hctx.LogAttrs(),
				slog.String("method", req.Method.String()),
				slog.String("type", req.Type),
				slog.String("code", code),
				slog.String("error", err.Error()))...)
		if code == codec.CodeInternal {
			p.config.Reporter.Report(ctx, err, map[string]string{
				"session": p.hctx.SessionID,
				"method":  req.Method.String(),
				"type":    req.Type,
			})
		}
		return errorResponse(req, code)
	}
	return res
}

func (p *Pipeline) connErr(op string, class, err error) error {
	return lderrors.NewConn(op, p.hctx.SessionID, p.hctx.RemoteAddr, class, err)
}

func status(res codec.Response) string {
	switch res.Kind {
	case codec.KindError:
		return "error"
	case codec.KindPong:
		return "pong"
	}
	if res.Conformant {
		return "conformant"
	}
	return "nonconformant"
}
