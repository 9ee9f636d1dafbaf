// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package redis provides a limiter backend whose token buckets live in
// Redis. Each call runs one Lua script, so concurrent limitd instances
// sharing the same Redis see consistent buckets.
package redis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/ludohenin/limitd/pkg/breaker"
	"github.com/ludohenin/limitd/pkg/limiter"
	"github.com/redis/go-redis/v9"
)

const (
	modeTake   = "take"
	modePut    = "put"
	modeStatus = "status"
)

// script refills, applies the mode and stores the bucket. Tokens are kept
// as a decimal string because Lua numbers returned to Redis are truncated.
var script = redis.NewScript(`
local key = KEYS[1]
local size = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local count = tonumber(ARGV[4])
local mode = ARGV[5]

local state = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = size
  ts = now
end

if now > ts then
  tokens = math.min(size, tokens + (now - ts) / 1000 * rate)
  ts = now
end

local conformant = 1
if mode == 'take' then
  if tokens >= count then
    tokens = tokens - count
  else
    conformant = 0
  end
elseif mode == 'put' then
  if count <= 0 then
    tokens = size
  else
    tokens = math.min(size, tokens + count)
  end
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'ts', tostring(ts))
if rate > 0 then
  redis.call('PEXPIRE', key, math.ceil((size - tokens) / rate * 1000) + 1000)
end

return {conformant, tostring(tokens)}
`)

var (
	_ limiter.Limiter  = (*Store)(nil)
	_ limiter.Putter   = (*Store)(nil)
	_ limiter.Statuser = (*Store)(nil)
	_ limiter.Pinger   = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithPrefix sets the key prefix. The default is "limitd:".
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(cb *breaker.CircuitBreaker) Option {
	return func(s *Store) { s.breaker = cb }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is a Redis-backed limiter.
type Store struct {
	client  redis.UniversalClient
	buckets limiter.Buckets
	prefix  string
	breaker *breaker.CircuitBreaker
	now     func() time.Time
	owned   bool
}

// New creates a Store on an existing client. The caller keeps ownership of client.
func New(client redis.UniversalClient, buckets limiter.Buckets, opts ...Option) (*Store, error) {
	if err := buckets.Validate(); err != nil {
		return nil, err
	}

	s := &Store{
		client:  client,
		buckets: buckets,
		prefix:  "limitd:",
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.breaker == nil {
		s.breaker = breaker.New(breaker.Config{
			MaxFailures:  5,
			ResetTimeout: 10 * time.Second,
			IsFailure:    isBackendFailure,
		})
	}
	return s, nil
}

// Open parses a redis:// URL, creates a client and a Store owning it.
func Open(url string, buckets limiter.Buckets, opts ...Option) (*Store, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	s, err := New(redis.NewClient(ropts), buckets, opts...)
	if err != nil {
		return nil, err
	}
	s.owned = true
	return s, nil
}

// Decide takes count tokens from the bucket if they are available.
func (s *Store) Decide(ctx context.Context, bucketType, key string, count int64) (limiter.Decision, error) {
	return s.run(ctx, bucketType, key, count, modeTake)
}

// Put returns count tokens to the bucket; count 0 refills it.
func (s *Store) Put(ctx context.Context, bucketType, key string, count int64) (limiter.Decision, error) {
	return s.run(ctx, bucketType, key, count, modePut)
}

// Status reports the bucket without taking from it.
func (s *Store) Status(ctx context.Context, bucketType, key string) (limiter.Decision, error) {
	return s.run(ctx, bucketType, key, 0, modeStatus)
}

// Ping checks that Redis answers.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", limiter.ErrUnavailable, err)
	}
	return nil
}

// Breaker returns the circuit breaker guarding Redis calls.
func (s *Store) Breaker() *breaker.CircuitBreaker {
	return s.breaker
}

// Close closes the client if the Store created it.
func (s *Store) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}

func (s *Store) run(ctx context.Context, bucketType, key string, count int64, mode string) (limiter.Decision, error) {
	limits, err := s.buckets.Lookup(bucketType, key)
	if err != nil {
		return limiter.Decision{}, err
	}
	if limits.Unlimited {
		return limiter.Decision{Conformant: true, Remaining: limits.Size, Limit: limits.Size}, nil
	}
	if count < 0 || (mode == modeTake && count > limits.Size) {
		return limiter.Decision{}, fmt.Errorf("%w: %d for bucket size %d", limiter.ErrInvalidCount, count, limits.Size)
	}

	now := s.now()
	var res []any
	err = s.breaker.Do(ctx, func(ctx context.Context) error {
		var rErr error
		res, rErr = script.Run(ctx, s.client,
			[]string{s.prefix + bucketType + ":" + key},
			limits.Size,
			strconv.FormatFloat(limits.Rate(), 'f', -1, 64),
			now.UnixMilli(),
			count,
			mode,
		).Slice()
		return rErr
	})
	if err != nil {
		return limiter.Decision{}, fmt.Errorf("%w: %v", limiter.ErrUnavailable, err)
	}

	conformant, tokens, err := parseResult(res)
	if err != nil {
		return limiter.Decision{}, fmt.Errorf("%w: %v", limiter.ErrUnavailable, err)
	}

	return limiter.Decision{
		Conformant: conformant,
		Remaining:  int64(math.Floor(tokens)),
		Reset:      limits.ResetAt(now, tokens).Unix(),
		Limit:      limits.Size,
	}, nil
}

func parseResult(res []any) (bool, float64, error) {
	if len(res) != 2 {
		return false, 0, fmt.Errorf("unexpected script result %v", res)
	}
	flag, ok := res[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected conformant value %T", res[0])
	}
	str, ok := res[1].(string)
	if !ok {
		return false, 0, fmt.Errorf("unexpected tokens value %T", res[1])
	}
	tokens, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return false, 0, err
	}
	return flag == 1, tokens, nil
}

// isBackendFailure keeps cancelled client contexts from opening the breaker.
func isBackendFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, redis.Nil)
}
