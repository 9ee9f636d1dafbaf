// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ludohenin/limitd/pkg/limiter"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newStore(t *testing.T, clock *fakeClock) *Store {
	t.Helper()
	s, err := New(limiter.Buckets{
		"ip": {
			Limits:    limiter.Limits{Size: 5, PerSecond: 1},
			Overrides: map[string]limiter.Limits{"127.0.0.1": {Unlimited: true}},
		},
		"once": {Limits: limiter.Limits{Size: 2}},
	}, WithClock(clock.Now), WithCleanupInterval(0))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_DecideDrainsAndRefills(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := newStore(t, clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := s.Decide(ctx, "ip", "10.0.0.1", 1)
		if err != nil {
			t.Fatalf("Decide() error = %v", err)
		}
		if !d.Conformant {
			t.Fatalf("request %d: expected conformant", i)
		}
		if d.Remaining != int64(4-i) {
			t.Errorf("request %d: expected remaining %d, got %d", i, 4-i, d.Remaining)
		}
		if d.Limit != 5 {
			t.Errorf("Expected limit 5, got %d", d.Limit)
		}
	}

	d, _ := s.Decide(ctx, "ip", "10.0.0.1", 1)
	if d.Conformant {
		t.Error("Expected sixth request to be rejected")
	}
	if want := clock.Now().Add(5 * time.Second).Unix(); d.Reset != want {
		t.Errorf("Expected reset %d, got %d", want, d.Reset)
	}

	clock.Advance(2 * time.Second)
	d, _ = s.Decide(ctx, "ip", "10.0.0.1", 2)
	if !d.Conformant || d.Remaining != 0 {
		t.Errorf("Expected two refilled tokens to be granted, got %+v", d)
	}

	// other keys are independent
	d, _ = s.Decide(ctx, "ip", "10.0.0.2", 5)
	if !d.Conformant {
		t.Error("Expected a fresh key to have a full bucket")
	}
}

func TestStore_Errors(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	s := newStore(t, clock)
	ctx := context.Background()

	if _, err := s.Decide(ctx, "missing", "k", 1); !errors.Is(err, limiter.ErrUnknownBucketType) {
		t.Errorf("Expected ErrUnknownBucketType, got %v", err)
	}
	if _, err := s.Decide(ctx, "ip", "k", 6); !errors.Is(err, limiter.ErrInvalidCount) {
		t.Errorf("Expected ErrInvalidCount, got %v", err)
	}
	if _, err := s.Decide(ctx, "ip", "k", -1); !errors.Is(err, limiter.ErrInvalidCount) {
		t.Errorf("Expected ErrInvalidCount, got %v", err)
	}
}

func TestStore_PutAndStatus(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	s := newStore(t, clock)
	ctx := context.Background()

	s.Decide(ctx, "once", "job", 2)

	d, err := s.Status(ctx, "once", "job")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if d.Remaining != 0 {
		t.Errorf("Expected empty bucket, got %d", d.Remaining)
	}

	clock.Advance(time.Hour)
	if d, _ := s.Status(ctx, "once", "job"); d.Remaining != 0 {
		t.Errorf("Expected bucket without refill rate to stay empty, got %d", d.Remaining)
	}

	d, _ = s.Put(ctx, "once", "job", 1)
	if d.Remaining != 1 {
		t.Errorf("Expected one token after put, got %d", d.Remaining)
	}

	d, _ = s.Put(ctx, "once", "job", 0)
	if d.Remaining != 2 {
		t.Errorf("Expected full bucket after put all, got %d", d.Remaining)
	}
}

func TestStore_PutNegativeCount(t *testing.T) {
	s := newStore(t, &fakeClock{now: time.Unix(0, 0)})
	ctx := context.Background()

	if d, _ := s.Decide(ctx, "once", "job", 2); d.Remaining != 0 {
		t.Fatalf("Expected drained bucket, got %d", d.Remaining)
	}
	if _, err := s.Put(ctx, "once", "job", -5); !errors.Is(err, limiter.ErrInvalidCount) {
		t.Errorf("Expected ErrInvalidCount, got %v", err)
	}
	if d, _ := s.Status(ctx, "once", "job"); d.Remaining != 0 {
		t.Errorf("Expected bucket to stay empty, got %d", d.Remaining)
	}
}

func TestStore_Unlimited(t *testing.T) {
	s := newStore(t, &fakeClock{now: time.Unix(0, 0)})

	for i := 0; i < 100; i++ {
		d, err := s.Decide(context.Background(), "ip", "127.0.0.1", 1)
		if err != nil || !d.Conformant {
			t.Fatalf("Expected unlimited override to always conform, got %+v, %v", d, err)
		}
	}
	if s.Len() != 0 {
		t.Errorf("Expected unlimited buckets not to be tracked, got %d", s.Len())
	}
}

func TestStore_Cleanup(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	s := newStore(t, clock)
	ctx := context.Background()

	s.Decide(ctx, "ip", "a", 1)
	s.Decide(ctx, "ip", "b", 5)
	s.Decide(ctx, "once", "c", 1)
	if s.Len() != 3 {
		t.Fatalf("Expected 3 buckets, got %d", s.Len())
	}

	clock.Advance(2 * time.Second)
	s.cleanup()

	// "a" refilled, "b" and "c" did not
	if s.Len() != 2 {
		t.Errorf("Expected 2 buckets after cleanup, got %d", s.Len())
	}
}

func TestStore_Concurrent(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	s := newStore(t, clock)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := s.Decide(ctx, "ip", fmt.Sprintf("shared-%d", i%2), 1)
			if err != nil {
				t.Errorf("Decide() error = %v", err)
				return
			}
			if d.Conformant {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if granted != 10 {
		t.Errorf("Expected exactly 10 grants across two buckets of 5, got %d", granted)
	}
}

func TestShardIndex(t *testing.T) {
	seen := make(map[uint32]bool)
	for i := 0; i < 1000; i++ {
		idx := shardIndex(bucketID("ip", fmt.Sprintf("10.0.%d.%d", i/256, i%256)))
		if idx >= ShardCount {
			t.Fatalf("Shard index %d out of range", idx)
		}
		seen[idx] = true
	}
	if len(seen) != ShardCount {
		t.Errorf("Expected keys to spread over all %d shards, got %d", ShardCount, len(seen))
	}
	if shardIndex("ip\x00k") != shardIndex("ip\x00k") {
		t.Error("Expected shard selection to be deterministic")
	}
}
