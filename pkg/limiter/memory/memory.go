// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-process limiter backend built from token
// buckets spread over BLAKE3-selected shards.
package memory

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ludohenin/limitd/pkg/limiter"
	"github.com/zeebo/blake3"
)

// ShardCount is the number of independently locked bucket maps.
const ShardCount = 16

var (
	_ limiter.Limiter  = (*Store)(nil)
	_ limiter.Putter   = (*Store)(nil)
	_ limiter.Statuser = (*Store)(nil)
)

// tokenBucket implements the token bucket algorithm. It is guarded by the
// lock of the shard that owns it.
type tokenBucket struct {
	limits     limiter.Limits
	tokens     float64
	lastRefill time.Time
}

func newTokenBucket(l limiter.Limits, now time.Time) *tokenBucket {
	return &tokenBucket{
		limits:     l,
		tokens:     float64(l.Size),
		lastRefill: now,
	}
}

// refill adds tokens based on elapsed time.
func (tb *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens = math.Min(float64(tb.limits.Size), tb.tokens+elapsed*tb.limits.Rate())
	tb.lastRefill = now
}

func (tb *tokenBucket) take(n int64, now time.Time) bool {
	tb.refill(now)
	if tb.tokens >= float64(n) {
		tb.tokens -= float64(n)
		return true
	}
	return false
}

func (tb *tokenBucket) put(n int64, now time.Time) {
	tb.refill(now)
	if n <= 0 {
		tb.tokens = float64(tb.limits.Size)
		return
	}
	tb.tokens = math.Min(float64(tb.limits.Size), tb.tokens+float64(n))
}

func (tb *tokenBucket) full(now time.Time) bool {
	tb.refill(now)
	return tb.tokens >= float64(tb.limits.Size)
}

func (tb *tokenBucket) decision(conformant bool, now time.Time) limiter.Decision {
	return limiter.Decision{
		Conformant: conformant,
		Remaining:  int64(math.Floor(tb.tokens)),
		Reset:      tb.limits.ResetAt(now, tb.tokens).Unix(),
		Limit:      tb.limits.Size,
	}
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithCleanupInterval sets how often full buckets are evicted. Zero disables eviction.
func WithCleanupInterval(d time.Duration) Option {
	return func(s *Store) { s.cleanupEvery = d }
}

// Store manages token buckets for every configured bucket type.
type Store struct {
	buckets      limiter.Buckets
	shards       [ShardCount]shard
	now          func() time.Time
	cleanupEvery time.Duration

	mu           sync.Mutex
	cleanupTimer *time.Timer
	closed       bool
}

// New creates a Store for the given bucket types.
func New(buckets limiter.Buckets, opts ...Option) (*Store, error) {
	if err := buckets.Validate(); err != nil {
		return nil, err
	}

	s := &Store{
		buckets:      buckets,
		now:          time.Now,
		cleanupEvery: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	for i := range s.shards {
		s.shards[i].buckets = make(map[string]*tokenBucket)
	}

	if s.cleanupEvery > 0 {
		s.cleanupTimer = time.AfterFunc(s.cleanupEvery, s.cleanup)
	}
	return s, nil
}

// Decide takes count tokens from the bucket if they are available.
func (s *Store) Decide(_ context.Context, bucketType, key string, count int64) (limiter.Decision, error) {
	return s.with(bucketType, key, count, func(tb *tokenBucket, now time.Time) bool {
		return tb.take(count, now)
	})
}

// Put returns count tokens to the bucket; count 0 refills it.
func (s *Store) Put(_ context.Context, bucketType, key string, count int64) (limiter.Decision, error) {
	if count < 0 {
		return limiter.Decision{}, fmt.Errorf("%w: %d", limiter.ErrInvalidCount, count)
	}
	return s.with(bucketType, key, 0, func(tb *tokenBucket, now time.Time) bool {
		tb.put(count, now)
		return true
	})
}

// Status reports the bucket without changing it.
func (s *Store) Status(_ context.Context, bucketType, key string) (limiter.Decision, error) {
	return s.with(bucketType, key, 0, func(tb *tokenBucket, now time.Time) bool {
		tb.refill(now)
		return true
	})
}

func (s *Store) with(bucketType, key string, count int64, fn func(*tokenBucket, time.Time) bool) (limiter.Decision, error) {
	limits, err := s.buckets.Lookup(bucketType, key)
	if err != nil {
		return limiter.Decision{}, err
	}
	if limits.Unlimited {
		return limiter.Decision{Conformant: true, Remaining: limits.Size, Limit: limits.Size}, nil
	}
	if count < 0 || count > limits.Size {
		return limiter.Decision{}, fmt.Errorf("%w: %d for bucket size %d", limiter.ErrInvalidCount, count, limits.Size)
	}

	id := bucketID(bucketType, key)
	sh := &s.shards[shardIndex(id)]
	now := s.now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	tb, ok := sh.buckets[id]
	if !ok || tb.limits != limits {
		tb = newTokenBucket(limits, now)
		sh.buckets[id] = tb
	}
	conformant := fn(tb, now)
	return tb.decision(conformant, now), nil
}

// Len returns the number of buckets currently tracked.
func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.buckets)
		sh.mu.Unlock()
	}
	return n
}

// cleanup drops buckets that have refilled completely; they are
// indistinguishable from buckets that were never used.
func (s *Store) cleanup() {
	now := s.now()
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for id, tb := range sh.buckets {
			if tb.full(now) {
				delete(sh.buckets, id)
			}
		}
		sh.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.cleanupTimer = time.AfterFunc(s.cleanupEvery, s.cleanup)
	}
}

// Close stops the cleanup timer.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.cleanupTimer != nil {
		s.cleanupTimer.Stop()
	}
	return nil
}

func bucketID(bucketType, key string) string {
	return bucketType + "\x00" + key
}

// shardIndex hashes the bucket id with BLAKE3 and keeps the first four bytes.
func shardIndex(id string) uint32 {
	sum := blake3.Sum256([]byte(id))
	return binary.BigEndian.Uint32(sum[:4]) % ShardCount
}
