// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package server implements the limitd TCP server.
//
// # Overview
//
// The server owns the validated configuration, the logger, the listening
// socket and the limiter shared by every connection. Each accepted
// connection gets its own pipeline (see package pipeline); nothing else is
// shared between connections.
//
// # Lifecycle
//
//	Created ──Start──▶ Starting ──bind ok──▶ Listening ──Stop──▶ Stopping ──▶ Closed
//	                      │
//	                      └──bind failed──▶ Created (Event.Err set)
//
// Every transition is published as an Event to each Subscribe channel.
// Start returns the bound address or a listen error; it never retries.
//
// # Stop and Drain
//
// Stop closes the listening socket, waits for the accept loop, stops the
// memory sampler and publishes StateClosed. Connections that were already
// accepted keep running. Drain additionally waits for them and, once its
// context expires, closes the rest and returns ErrShutdownTimeout:
//
//	server.Stop()
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//	if err := server.Drain(ctx); err != nil { ... }
//	server.Close()
//
// # Backends
//
// The db option selects the limiter:
//
//   - memory, memory://        in-process token buckets
//   - redis://, rediss://      token buckets shared through Redis
//
// Bucket types come from the buckets_file option (TOML) or default to a
// single "default" type.
//
// # Metrics
//
// When metrics_api_key is set, memory.rss, memory.heapTotal and
// memory.heapUsed are sampled every 5 seconds from construction until Stop.
// collect_resource_usage enables per-connection and per-request Prometheus
// instrumentation.
package server
