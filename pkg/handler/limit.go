// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrTooManyConnections is returned by HostLimit.OnConnect when a host is at its limit.
var ErrTooManyConnections = errors.New("too many connections from host")

// HostLimit caps concurrent connections per remote host.
type HostLimit struct {
	max int

	mu    sync.Mutex
	hosts map[string]int
}

var _ Handler = (*HostLimit)(nil)

// NewHostLimit allows max concurrent connections per host.
func NewHostLimit(max int) *HostLimit {
	return &HostLimit{
		max:   max,
		hosts: make(map[string]int),
	}
}

func (h *HostLimit) OnConnect(ctx context.Context, hctx *Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.hosts[hctx.RemoteHost] >= h.max {
		return fmt.Errorf("%w: %s", ErrTooManyConnections, hctx.RemoteHost)
	}
	h.hosts[hctx.RemoteHost]++
	return nil
}

func (h *HostLimit) OnDisconnect(ctx context.Context, hctx *Context, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.hosts[hctx.RemoteHost] <= 1 {
		delete(h.hosts, hctx.RemoteHost)
		return
	}
	h.hosts[hctx.RemoteHost]--
}

// Open returns the number of connections tracked for host.
func (h *HostLimit) Open(host string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hosts[host]
}
