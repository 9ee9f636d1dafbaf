// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ludohenin/limitd/pkg/breaker"
	"github.com/ludohenin/limitd/pkg/limiter"
	"github.com/redis/go-redis/v9"
)

var testBuckets = limiter.Buckets{
	"ip":   {Limits: limiter.Limits{Size: 3, PerSecond: 1}},
	"free": {Limits: limiter.Limits{Unlimited: true}},
}

// newLiveStore connects to LIMITD_TEST_REDIS_URL or skips the test.
func newLiveStore(t *testing.T, now func() time.Time) *Store {
	t.Helper()
	url := os.Getenv("LIMITD_TEST_REDIS_URL")
	if url == "" {
		t.Skip("LIMITD_TEST_REDIS_URL not set")
	}

	s, err := Open(url, testBuckets, WithPrefix("limitd-test:"+uuid.NewString()+":"), WithClock(now))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.Ping(context.Background()); err != nil {
		t.Skipf("redis not reachable: %v", err)
	}
	return s
}

func TestStore_Live(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := newLiveStore(t, func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := s.Decide(ctx, "ip", "10.0.0.1", 1)
		if err != nil {
			t.Fatalf("Decide() error = %v", err)
		}
		if !d.Conformant || d.Remaining != int64(2-i) {
			t.Fatalf("request %d: unexpected decision %+v", i, d)
		}
	}

	d, _ := s.Decide(ctx, "ip", "10.0.0.1", 1)
	if d.Conformant {
		t.Error("Expected fourth request to be rejected")
	}

	now = now.Add(time.Second)
	d, _ = s.Status(ctx, "ip", "10.0.0.1")
	if d.Remaining != 1 {
		t.Errorf("Expected one refilled token, got %d", d.Remaining)
	}

	d, _ = s.Put(ctx, "ip", "10.0.0.1", 0)
	if d.Remaining != 3 {
		t.Errorf("Expected full bucket after put, got %d", d.Remaining)
	}
}

func TestStore_LocalErrors(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()

	s, err := New(client, testBuckets)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()

	if _, err := s.Decide(ctx, "nope", "k", 1); !errors.Is(err, limiter.ErrUnknownBucketType) {
		t.Errorf("Expected ErrUnknownBucketType, got %v", err)
	}
	if _, err := s.Decide(ctx, "ip", "k", 4); !errors.Is(err, limiter.ErrInvalidCount) {
		t.Errorf("Expected ErrInvalidCount, got %v", err)
	}
	if _, err := s.Put(ctx, "ip", "k", -1); !errors.Is(err, limiter.ErrInvalidCount) {
		t.Errorf("Expected ErrInvalidCount for negative put, got %v", err)
	}

	d, err := s.Decide(ctx, "free", "k", 1000)
	if err != nil || !d.Conformant {
		t.Errorf("Expected unlimited bucket to conform without redis, got %+v, %v", d, err)
	}
}

func TestStore_Unavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	cb := breaker.New(breaker.Config{MaxFailures: 2, ResetTimeout: time.Minute, IsFailure: isBackendFailure})
	s, err := New(client, testBuckets, WithBreaker(cb))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := s.Decide(ctx, "ip", "k", 1); !errors.Is(err, limiter.ErrUnavailable) {
			t.Fatalf("Expected ErrUnavailable, got %v", err)
		}
	}
	if s.Breaker().State() != breaker.StateOpen {
		t.Fatalf("Expected breaker to be open, got %s", s.Breaker().State())
	}

	_, err = s.Decide(ctx, "ip", "k", 1)
	if !errors.Is(err, limiter.ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable with open breaker, got %v", err)
	}

	if err := s.Ping(ctx); !errors.Is(err, limiter.ErrUnavailable) {
		t.Errorf("Expected Ping to fail, got %v", err)
	}
}

func TestOpen_InvalidURL(t *testing.T) {
	if _, err := Open("http://localhost", testBuckets); err == nil {
		t.Error("Expected error for non-redis url")
	}
}

func TestParseResult(t *testing.T) {
	ok, tokens, err := parseResult([]any{int64(1), "2.5"})
	if err != nil || !ok || tokens != 2.5 {
		t.Errorf("Unexpected result %v %v %v", ok, tokens, err)
	}
	if _, _, err := parseResult([]any{"x"}); err == nil {
		t.Error("Expected error for short result")
	}
}
