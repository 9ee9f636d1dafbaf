// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ludohenin/limitd/pkg/limiter"
)

var errDown = errors.New("down")

func pass(context.Context) error { return nil }
func fail(context.Context) error { return errDown }

func TestChecker_Health(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]CheckFunc
		crit   map[string]bool
		want   Status
	}{
		{
			name:   "no checks",
			checks: map[string]CheckFunc{},
			want:   StatusHealthy,
		},
		{
			name:   "all pass",
			checks: map[string]CheckFunc{"a": pass, "b": pass},
			crit:   map[string]bool{"a": true},
			want:   StatusHealthy,
		},
		{
			name:   "non critical failure",
			checks: map[string]CheckFunc{"a": pass, "b": fail},
			crit:   map[string]bool{"a": true},
			want:   StatusDegraded,
		},
		{
			name:   "critical failure",
			checks: map[string]CheckFunc{"a": fail, "b": fail},
			crit:   map[string]bool{"a": true},
			want:   StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(time.Minute)
			for name, fn := range tt.checks {
				c.Register(name, fn, tt.crit[name])
			}

			status, checks := c.Health(context.Background())
			if status != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, status)
			}
			if len(checks) != len(tt.checks) {
				t.Fatalf("Expected %d checks, got %d", len(tt.checks), len(checks))
			}
			for i := 1; i < len(checks); i++ {
				if checks[i-1].Name > checks[i].Name {
					t.Errorf("Expected checks sorted by name, got %s before %s", checks[i-1].Name, checks[i].Name)
				}
			}
		})
	}
}

func TestChecker_Cache(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewChecker(10 * time.Second)
	c.now = func() time.Time { return now }

	calls := 0
	c.Register("counter", func(context.Context) error { calls++; return nil }, false)

	c.Health(context.Background())
	c.Health(context.Background())
	if calls != 1 {
		t.Errorf("Expected cached result, check ran %d times", calls)
	}

	now = now.Add(11 * time.Second)
	c.Health(context.Background())
	if calls != 2 {
		t.Errorf("Expected check to rerun after TTL, ran %d times", calls)
	}
}

func TestHandlers(t *testing.T) {
	tests := []struct {
		name      string
		check     CheckFunc
		critical  bool
		wantLive  int
		wantReady int
	}{
		{name: "healthy", check: pass, wantLive: http.StatusOK, wantReady: http.StatusOK},
		{name: "degraded", check: fail, wantLive: http.StatusOK, wantReady: http.StatusServiceUnavailable},
		{name: "unhealthy", check: fail, critical: true, wantLive: http.StatusServiceUnavailable, wantReady: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(time.Minute)
			c.Register("limiter", tt.check, tt.critical)

			rec := httptest.NewRecorder()
			c.HTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			if rec.Code != tt.wantLive {
				t.Errorf("Health: expected %d, got %d", tt.wantLive, rec.Code)
			}

			var body struct {
				Status Status  `json:"status"`
				Checks []Check `json:"checks"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("Failed to decode body: %v", err)
			}
			if len(body.Checks) != 1 || body.Checks[0].Name != "limiter" {
				t.Errorf("Unexpected checks %+v", body.Checks)
			}

			rec = httptest.NewRecorder()
			c.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
			if rec.Code != tt.wantReady {
				t.Errorf("Ready: expected %d, got %d", tt.wantReady, rec.Code)
			}
		})
	}
}

func TestLivenessHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
}

type localLimiter struct{}

func (localLimiter) Decide(context.Context, string, string, int64) (limiter.Decision, error) {
	return limiter.Decision{}, nil
}

type remoteLimiter struct {
	localLimiter
	err error
}

func (r remoteLimiter) Ping(context.Context) error { return r.err }

func TestLimiterCheck(t *testing.T) {
	if err := LimiterCheck(localLimiter{})(context.Background()); err != nil {
		t.Errorf("Expected local limiter to pass, got %v", err)
	}
	if err := LimiterCheck(remoteLimiter{})(context.Background()); err != nil {
		t.Errorf("Expected reachable limiter to pass, got %v", err)
	}
	if err := LimiterCheck(remoteLimiter{err: errDown})(context.Background()); !errors.Is(err, errDown) {
		t.Errorf("Expected ping error, got %v", err)
	}
}

func TestListenerCheck(t *testing.T) {
	listening := false
	check := ListenerCheck(func() bool { return listening })

	if err := check(context.Background()); !errors.Is(err, ErrNotListening) {
		t.Errorf("Expected ErrNotListening, got %v", err)
	}
	listening = true
	if err := check(context.Background()); err != nil {
		t.Errorf("Expected nil, got %v", err)
	}
}
