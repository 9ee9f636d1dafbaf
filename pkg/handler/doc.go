// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the hooks the server calls around the lifetime
// of every accepted connection.
//
// # Data Flow
//
//	accept → Handler.OnConnect → pipeline runs → Handler.OnDisconnect → close
//
// # Context
//
// The Context struct carries session metadata across all handler calls:
//   - SessionID: Unique identifier for this connection
//   - RemoteAddr, RemoteHost, RemotePort: Client's network address
//   - Protocol: Codec name (protocol-buffers, json)
//
// # Implementations
//
//   - NoopHandler accepts everything and does nothing.
//   - Logging writes the connection accepted / error / closed debug entries.
//   - Chain runs several handlers in order.
//
// # Example
//
//	type MaxConns struct {
//		open atomic.Int64
//		max  int64
//	}
//
//	func (h *MaxConns) OnConnect(ctx context.Context, hctx *handler.Context) error {
//		if h.open.Add(1) > h.max {
//			h.open.Add(-1)
//			return errors.New("too many connections")
//		}
//		return nil
//	}
//
//	func (h *MaxConns) OnDisconnect(ctx context.Context, hctx *handler.Context, err error) {
//		h.open.Add(-1)
//	}
package handler
