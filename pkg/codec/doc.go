// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package codec defines the protocol codec contract of limitd.
//
// A Codec turns one frame payload into a Request and one Response back into
// a payload. It never sees frame boundaries; those belong to package frame.
//
// # Variants
//
// The set of codecs is closed and chosen by name when the server is built:
//
//   - "protocol-buffers": package codec/protobuf
//   - "json": package codec/json
//
// Every connection of a server and every message on it use the same codec.
//
// # Errors
//
// Decode failures wrap ErrMalformed. The pipeline treats them as a broken
// connection and closes it without answering.
package codec
