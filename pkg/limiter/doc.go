// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package limiter defines the contract between the connection pipeline and
// the quota-tracking backend.
//
// The pipeline only ever calls Limiter.Decide for TAKE requests. PUT and
// STATUS are served when the backend also implements Putter and Statuser.
// Backends live in subpackages:
//
//   - memory: sharded in-process token buckets
//   - redis: token buckets evaluated atomically by a Lua script
//
// Bucket types are configured with Buckets, usually loaded from a TOML file
// with LoadBuckets.
package limiter
