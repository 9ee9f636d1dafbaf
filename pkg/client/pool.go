// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ludohenin/limitd/pkg/codec"
	"github.com/ludohenin/limitd/pkg/limiter"
)

var (
	// ErrPoolClosed is returned when the pool is closed.
	ErrPoolClosed = errors.New("client: pool is closed")
	// ErrPoolExhausted is returned when no connections are available.
	ErrPoolExhausted = errors.New("client: pool exhausted")
)

// PoolConfig holds connection pool configuration.
type PoolConfig struct {
	// MaxIdle is the maximum number of idle connections in the pool.
	MaxIdle int
	// MaxActive is the maximum number of connections handed out at once.
	// If 0, there is no limit.
	MaxActive int
	// MaxConnLifetime is the maximum time a connection is reused.
	MaxConnLifetime time.Duration
	// DialTimeout is the timeout for establishing new connections.
	DialTimeout time.Duration
	// WaitTimeout is the maximum time to wait for a connection when the pool
	// is exhausted. If 0, Get fails immediately.
	WaitTimeout time.Duration
}

// DialFunc creates a new connection.
type DialFunc func(ctx context.Context) (*Conn, error)

// Pool reuses connections to one server.
type Pool struct {
	mu       sync.Mutex
	idle     []*Conn
	active   int
	dial     DialFunc
	config   PoolConfig
	closed   bool
	waitChan chan struct{}
	now      func() time.Time
}

// NewPool creates a new connection pool.
func NewPool(dial DialFunc, config PoolConfig) *Pool {
	if config.MaxIdle <= 0 {
		config.MaxIdle = 4
	}
	if config.MaxConnLifetime == 0 {
		config.MaxConnLifetime = 30 * time.Minute
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 5 * time.Second
	}

	return &Pool{
		dial:     dial,
		config:   config,
		waitChan: make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Get returns an idle connection or dials a new one.
func (p *Pool) Get(ctx context.Context) (*Conn, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		for len(p.idle) > 0 {
			conn := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
			if p.isValid(conn) {
				p.active++
				p.mu.Unlock()
				return conn, nil
			}
			conn.Close()
		}

		if p.config.MaxActive == 0 || p.active < p.config.MaxActive {
			p.active++
			p.mu.Unlock()
			return p.dialNew(ctx)
		}
		p.mu.Unlock()

		if p.config.WaitTimeout <= 0 {
			return nil, ErrPoolExhausted
		}
		if err := p.wait(ctx); err != nil {
			return nil, err
		}
	}
}

func (p *Pool) wait(ctx context.Context) error {
	timer := time.NewTimer(p.config.WaitTimeout)
	defer timer.Stop()

	select {
	case <-p.waitChan:
		return nil
	case <-timer.C:
		return ErrPoolExhausted
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) dialNew(ctx context.Context) (*Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.config.DialTimeout)
	defer cancel()

	conn, err := p.dial(dialCtx)
	if err != nil {
		p.release()
		return nil, err
	}
	return conn, nil
}

// Put hands conn back. Broken or expired connections are closed.
func (p *Pool) Put(conn *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.active--
	if p.closed || !p.isValid(conn) || len(p.idle) >= p.config.MaxIdle {
		conn.Close()
	} else {
		p.idle = append(p.idle, conn)
	}
	p.notify()
}

func (p *Pool) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active--
	p.notify()
}

// notify wakes one waiter. It must be called with p.mu held.
func (p *Pool) notify() {
	select {
	case p.waitChan <- struct{}{}:
	default:
	}
}

// isValid must be called with p.mu held.
func (p *Pool) isValid(conn *Conn) bool {
	if p.config.MaxConnLifetime > 0 && p.now().Sub(conn.createdAt) > p.config.MaxConnLifetime {
		return false
	}
	return conn.usable()
}

// Close closes the pool and all idle connections.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	for _, conn := range p.idle {
		conn.Close()
	}
	p.idle = nil
	return nil
}

// Stats returns pool statistics.
func (p *Pool) Stats() (idle, active int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), p.active
}

// Client is a limitd client backed by a Pool. It is safe for concurrent use.
type Client struct {
	pool *Pool
}

// New creates a Client for the server at address.
func New(address string, c codec.Codec, config PoolConfig) *Client {
	return &Client{
		pool: NewPool(func(ctx context.Context) (*Conn, error) {
			return Dial(ctx, address, c)
		}, config),
	}
}

func (cl *Client) with(ctx context.Context, fn func(*Conn) error) error {
	conn, err := cl.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("client: no connection: %w", err)
	}
	defer cl.pool.Put(conn)
	return fn(conn)
}

// Take removes count tokens from a bucket.
func (cl *Client) Take(ctx context.Context, bucketType, key string, count int64) (d limiter.Decision, err error) {
	err = cl.with(ctx, func(c *Conn) error {
		d, err = c.Take(ctx, bucketType, key, count)
		return err
	})
	return d, err
}

// Put returns count tokens to a bucket.
func (cl *Client) Put(ctx context.Context, bucketType, key string, count int64) (d limiter.Decision, err error) {
	err = cl.with(ctx, func(c *Conn) error {
		d, err = c.Put(ctx, bucketType, key, count)
		return err
	})
	return d, err
}

// Reset refills a bucket.
func (cl *Client) Reset(ctx context.Context, bucketType, key string) (d limiter.Decision, err error) {
	err = cl.with(ctx, func(c *Conn) error {
		d, err = c.Reset(ctx, bucketType, key)
		return err
	})
	return d, err
}

// Status reports a bucket.
func (cl *Client) Status(ctx context.Context, bucketType, key string) (d limiter.Decision, err error) {
	err = cl.with(ctx, func(c *Conn) error {
		d, err = c.Status(ctx, bucketType, key)
		return err
	})
	return d, err
}

// Ping checks the server answers.
func (cl *Client) Ping(ctx context.Context) error {
	return cl.with(ctx, func(c *Conn) error { return c.Ping(ctx) })
}

// Stats returns the pool statistics.
func (cl *Client) Stats() (idle, active int) {
	return cl.pool.Stats()
}

// Close closes idle connections. Connections in use are closed when they
// are handed back.
func (cl *Client) Close() error {
	return cl.pool.Close()
}
