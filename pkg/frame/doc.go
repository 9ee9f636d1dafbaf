// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package frame implements the length-prefixed framing used on limitd
// connections.
//
// # Wire Format
//
// Every message, in both directions, is one frame:
//
//	┌──────────────────┬──────────────────────────┐
//	│ length (uvarint) │ payload (length bytes)   │
//	└──────────────────┴──────────────────────────┘
//
// The payload schema is owned by the protocol codec; this package never
// looks inside it.
//
// # Partial Reads
//
// Reader buffers the connection and blocks until a whole frame has arrived,
// so TCP segment boundaries never leak into the codec. A stream that ends
// cleanly between frames yields io.EOF; one that ends inside a frame yields
// ErrTruncated.
//
// # Limits
//
// Frames announcing more than the configured maximum are rejected with
// ErrTooLarge before any payload memory is allocated.
package frame
