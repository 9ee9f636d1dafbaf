// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package limiter

import (
	"context"
	"errors"
)

var (
	// ErrUnknownBucketType is returned for a bucket type that is not configured.
	ErrUnknownBucketType = errors.New("unknown bucket type")

	// ErrUnavailable is returned when the backing store cannot be reached.
	ErrUnavailable = errors.New("limiter unavailable")

	// ErrInvalidCount is returned for negative counts or counts above the bucket size.
	ErrInvalidCount = errors.New("invalid count")
)

// Decision is the answer of a Limiter to one request.
type Decision struct {
	// Conformant is true when the tokens were granted.
	Conformant bool

	// Remaining is the number of whole tokens left in the bucket.
	Remaining int64

	// Reset is the unix time (seconds) at which the bucket is full again.
	Reset int64

	// Limit is the bucket size.
	Limit int64
}

// Limiter decides whether count tokens can be taken from the bucket
// identified by bucketType and key. Implementations are shared by every
// connection and must be safe for concurrent use.
type Limiter interface {
	Decide(ctx context.Context, bucketType, key string, count int64) (Decision, error)
}

// Putter is implemented by limiters that can return tokens to a bucket.
// A count of zero or less refills the bucket completely.
type Putter interface {
	Put(ctx context.Context, bucketType, key string, count int64) (Decision, error)
}

// Statuser is implemented by limiters that can report a bucket without
// taking from it.
type Statuser interface {
	Status(ctx context.Context, bucketType, key string) (Decision, error)
}

// Pinger is implemented by limiters backed by a remote store.
type Pinger interface {
	Ping(ctx context.Context) error
}
