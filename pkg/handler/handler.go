// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
)

// Context contains connection metadata. It is created once per accepted
// connection and passed to every Handler call for that connection.
type Context struct {
	// SessionID is a unique identifier for this connection
	SessionID string

	// RemoteAddr is the client's network address in host:port form
	RemoteAddr string

	// RemoteHost and RemotePort are RemoteAddr split in two
	RemoteHost string
	RemotePort string

	// Protocol is the codec name serving the connection
	Protocol string
}

// NewContext builds a Context for a connection from addr.
func NewContext(sessionID string, addr net.Addr, protocol string) *Context {
	hctx := &Context{
		SessionID: sessionID,
		Protocol:  protocol,
	}
	if addr == nil {
		return hctx
	}
	hctx.RemoteAddr = addr.String()
	host, port, err := net.SplitHostPort(hctx.RemoteAddr)
	if err != nil {
		hctx.RemoteHost = hctx.RemoteAddr
		return hctx
	}
	hctx.RemoteHost, hctx.RemotePort = host, port
	return hctx
}

// LogAttrs returns the attributes every connection log entry carries.
func (c *Context) LogAttrs() []any {
	return []any{
		slog.String("session", c.SessionID),
		slog.String("remote_address", c.RemoteHost),
		slog.String("remote_port", c.RemotePort),
	}
}

// Handler defines notification callbacks for the connection lifecycle.
//
// OnConnect is called after a connection is accepted and before its
// pipeline starts. Returning an error rejects the connection: it is closed
// without reading a byte.
//
// OnDisconnect is called once the pipeline has stopped. A handler that
// rejected the connection itself is not called; handlers that accepted it
// before another one rejected it are, with the rejection error. err is nil
// when the client closed the connection on a frame boundary.
type Handler interface {
	OnConnect(ctx context.Context, hctx *Context) error
	OnDisconnect(ctx context.Context, hctx *Context, err error)
}

// NoopHandler is a Handler implementation that accepts every connection.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) OnConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnDisconnect(ctx context.Context, hctx *Context, err error) {}

// Logging writes the debug entries for accepted, failed and closed
// connections.
type Logging struct {
	Logger *slog.Logger
}

var _ Handler = (*Logging)(nil)

// NewLogging returns a Logging handler. A nil logger uses slog.Default.
func NewLogging(logger *slog.Logger) *Logging {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logging{Logger: logger}
}

func (h *Logging) OnConnect(ctx context.Context, hctx *Context) error {
	h.Logger.DebugContext(ctx, "connection accepted", hctx.LogAttrs()...)
	return nil
}

func (h *Logging) OnDisconnect(ctx context.Context, hctx *Context, err error) {
	if err != nil && !errors.Is(err, io.EOF) {
		attrs := append(hctx.LogAttrs(), slog.String("error", err.Error()))
		h.Logger.DebugContext(ctx, "connection error", attrs...)
	}
	h.Logger.DebugContext(ctx, "connection closed", hctx.LogAttrs()...)
}

// Chain calls every handler in order. OnConnect stops at the first error
// and releases the handlers that already accepted, in reverse order, with
// that error. OnDisconnect always reaches every handler.
type Chain []Handler

var _ Handler = Chain(nil)

func (c Chain) OnConnect(ctx context.Context, hctx *Context) error {
	for i, h := range c {
		if err := h.OnConnect(ctx, hctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				c[j].OnDisconnect(ctx, hctx, err)
			}
			return err
		}
	}
	return nil
}

func (c Chain) OnDisconnect(ctx context.Context, hctx *Context, err error) {
	for _, h := range c {
		h.OnDisconnect(ctx, hctx, err)
	}
}
