// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package pipeline serves one limitd connection.
//
// # Stages
//
// Every connection runs three goroutines linked by bounded channels:
//
//	socket → read (frame + decode) → dispatch (limiter + encode) → write (frame) → socket
//
// The reader is the only consumer of the inbound byte stream and the writer
// the only producer of the outbound one, so responses leave in the order
// their requests arrived.
//
// # Backpressure
//
// A client that stops reading blocks the writer on the socket. The payload
// channel then fills and blocks the dispatcher, the request channel fills
// and blocks the reader, and TCP flow control pushes back on the client.
// No stage buffers more than QueueSize messages, and nothing is shared with
// other connections.
//
// # Error Handling
//
//   - Malformed frames or payloads: the connection is closed, nothing is written
//   - Socket errors: the connection is closed
//   - Limiter errors and panics: an error response for that request only
//
// Errors returned by Run wrap errors.ErrDecode or errors.ErrConnection and
// never leave the connection that produced them.
//
// # Example
//
//	hctx := handler.NewContext(uuid.NewString(), conn.RemoteAddr(), protobuf.Name)
//	p := pipeline.New(conn, hctx, pipeline.Config{
//		Codec:   protobuf.Codec{},
//		Limiter: store,
//		Logger:  logger,
//	})
//	err := p.Run(ctx)
package pipeline
