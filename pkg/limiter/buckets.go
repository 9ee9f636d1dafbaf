// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package limiter

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Limits describe one token bucket. Exactly one refill rate should be set;
// when several are, the finest grained one wins.
type Limits struct {
	Size      int64   `toml:"size"`
	PerSecond float64 `toml:"per_second"`
	PerMinute float64 `toml:"per_minute"`
	PerHour   float64 `toml:"per_hour"`
	PerDay    float64 `toml:"per_day"`
	Unlimited bool    `toml:"unlimited"`
}

// Rate returns the refill rate in tokens per second.
func (l Limits) Rate() float64 {
	switch {
	case l.PerSecond > 0:
		return l.PerSecond
	case l.PerMinute > 0:
		return l.PerMinute / 60
	case l.PerHour > 0:
		return l.PerHour / 3600
	case l.PerDay > 0:
		return l.PerDay / 86400
	default:
		return 0
	}
}

// ResetAt returns when a bucket holding remaining tokens will be full.
func (l Limits) ResetAt(now time.Time, remaining float64) time.Time {
	missing := float64(l.Size) - remaining
	r := l.Rate()
	if missing <= 0 || r <= 0 {
		return now
	}
	return now.Add(time.Duration(math.Ceil(missing / r * float64(time.Second))))
}

func (l Limits) validate() error {
	if l.Unlimited {
		return nil
	}
	if l.Size <= 0 {
		return fmt.Errorf("size must be positive, got %d", l.Size)
	}
	if l.PerSecond < 0 || l.PerMinute < 0 || l.PerHour < 0 || l.PerDay < 0 {
		return fmt.Errorf("refill rates must not be negative")
	}
	return nil
}

// BucketType is a named family of buckets with optional per-key overrides.
type BucketType struct {
	Limits
	Overrides map[string]Limits `toml:"overrides"`
}

// For returns the limits applying to key.
func (b BucketType) For(key string) Limits {
	if o, ok := b.Overrides[key]; ok {
		return o
	}
	return b.Limits
}

// Buckets maps bucket type names to their configuration.
type Buckets map[string]BucketType

// DefaultBuckets is used when no buckets file is configured.
func DefaultBuckets() Buckets {
	return Buckets{
		"default": {Limits: Limits{Size: 100, PerSecond: 10}},
	}
}

// Lookup returns the limits for bucketType and key.
func (b Buckets) Lookup(bucketType, key string) (Limits, error) {
	bt, ok := b[bucketType]
	if !ok {
		return Limits{}, fmt.Errorf("%w: %q", ErrUnknownBucketType, bucketType)
	}
	return bt.For(key), nil
}

// Names returns the configured bucket type names in sorted order.
func (b Buckets) Names() []string {
	names := make([]string, 0, len(b))
	for n := range b {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate checks every bucket type and override.
func (b Buckets) Validate() error {
	for _, name := range b.Names() {
		bt := b[name]
		if err := bt.Limits.validate(); err != nil {
			return fmt.Errorf("bucket %q: %w", name, err)
		}
		for key, o := range bt.Overrides {
			if err := o.validate(); err != nil {
				return fmt.Errorf("bucket %q override %q: %w", name, key, err)
			}
		}
	}
	return nil
}

type bucketsFile struct {
	Buckets Buckets `toml:"buckets"`
}

// LoadBuckets reads bucket types from a TOML file:
//
//	[buckets.ip]
//	size = 10
//	per_second = 5
//
//	[buckets.ip.overrides."127.0.0.1"]
//	unlimited = true
func LoadBuckets(path string) (Buckets, error) {
	var f bucketsFile
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("failed to read buckets file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("unknown keys in buckets file %s: %s", path, strings.Join(keys, ", "))
	}
	if len(f.Buckets) == 0 {
		return nil, fmt.Errorf("buckets file %s defines no buckets", path)
	}
	if err := f.Buckets.Validate(); err != nil {
		return nil, err
	}
	return f.Buckets, nil
}
