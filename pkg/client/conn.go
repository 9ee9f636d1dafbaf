// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/ludohenin/limitd/pkg/codec"
	"github.com/ludohenin/limitd/pkg/frame"
	"github.com/ludohenin/limitd/pkg/limiter"
)

var (
	// ErrClosed is returned by a Conn after Close or after a transport error.
	ErrClosed = errors.New("client: connection closed")

	// ErrMismatch is returned when a response does not answer the request
	// sent in the same position.
	ErrMismatch = errors.New("client: response does not match request")
)

// ResponseError is a KindError response.
type ResponseError struct {
	Code string
}

func (e *ResponseError) Error() string {
	return "limitd: " + e.Code
}

// Conn is one client connection. Requests passed to a single Do call are
// pipelined; concurrent calls are serialized.
type Conn struct {
	mu     sync.Mutex
	conn   net.Conn
	fr     *frame.Reader
	fw     *frame.Writer
	codec  codec.Codec
	seq    uint64
	broken bool

	createdAt time.Time
}

// Dial connects to a limitd server speaking c.
func Dial(ctx context.Context, address string, c codec.Codec) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}
	return NewConn(nc, c), nil
}

// NewConn wraps an established connection.
func NewConn(nc net.Conn, c codec.Codec) *Conn {
	return &Conn{
		conn:      nc,
		fr:        frame.NewReader(nc, 0),
		fw:        frame.NewWriter(nc, 0),
		codec:     c,
		createdAt: time.Now(),
	}
}

// Do sends reqs in one write and returns their responses in order. Empty
// request IDs are filled in. A transport or protocol failure breaks the
// connection for good.
func (c *Conn) Do(ctx context.Context, reqs ...codec.Request) ([]codec.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken {
		return nil, ErrClosed
	}

	// expire pending I/O only once ctx reports its error
	c.conn.SetDeadline(time.Time{})
	expired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(expired)
		c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer func() {
		if !stop() {
			<-expired
		}
	}()

	res, err := c.roundTrip(reqs)
	if err != nil {
		c.broken = true
		c.conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return res, nil
}

func (c *Conn) roundTrip(reqs []codec.Request) ([]codec.Response, error) {
	for i := range reqs {
		if reqs[i].ID == "" {
			c.seq++
			reqs[i].ID = strconv.FormatUint(c.seq, 10)
		}
		payload, err := c.codec.EncodeRequest(reqs[i])
		if err != nil {
			return nil, err
		}
		if err := c.fw.Write(payload); err != nil {
			return nil, err
		}
	}
	if err := c.fw.Flush(); err != nil {
		return nil, err
	}

	out := make([]codec.Response, len(reqs))
	for i := range reqs {
		payload, err := c.fr.Next()
		if err != nil {
			return nil, err
		}
		if out[i], err = c.codec.DecodeResponse(payload); err != nil {
			return nil, err
		}
		if out[i].RequestID != reqs[i].ID {
			return nil, fmt.Errorf("%w: sent %q, got %q", ErrMismatch, reqs[i].ID, out[i].RequestID)
		}
	}
	return out, nil
}

func (c *Conn) decide(ctx context.Context, req codec.Request) (limiter.Decision, error) {
	res, err := c.Do(ctx, req)
	if err != nil {
		return limiter.Decision{}, err
	}
	return decision(res[0])
}

// Take removes count tokens from a bucket. A zero count takes one.
func (c *Conn) Take(ctx context.Context, bucketType, key string, count int64) (limiter.Decision, error) {
	return c.decide(ctx, codec.Request{Method: codec.Take, Type: bucketType, Key: key, Count: count})
}

// Put returns count tokens to a bucket.
func (c *Conn) Put(ctx context.Context, bucketType, key string, count int64) (limiter.Decision, error) {
	return c.decide(ctx, codec.Request{Method: codec.Put, Type: bucketType, Key: key, Count: count})
}

// Reset refills a bucket.
func (c *Conn) Reset(ctx context.Context, bucketType, key string) (limiter.Decision, error) {
	return c.decide(ctx, codec.Request{Method: codec.Put, Type: bucketType, Key: key, All: true})
}

// Status reports a bucket without changing it.
func (c *Conn) Status(ctx context.Context, bucketType, key string) (limiter.Decision, error) {
	return c.decide(ctx, codec.Request{Method: codec.Status, Type: bucketType, Key: key})
}

// Ping checks the server answers.
func (c *Conn) Ping(ctx context.Context) error {
	res, err := c.Do(ctx, codec.Request{Method: codec.Ping})
	if err != nil {
		return err
	}
	if res[0].Kind != codec.KindPong {
		return fmt.Errorf("%w: expected pong, got %s", ErrMismatch, res[0].Kind)
	}
	return nil
}

// Close closes the connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broken = true
	return c.conn.Close()
}

func (c *Conn) usable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.broken
}

func decision(res codec.Response) (limiter.Decision, error) {
	switch res.Kind {
	case codec.KindDecision:
		return limiter.Decision{
			Conformant: res.Conformant,
			Remaining:  res.Remaining,
			Reset:      res.Reset,
			Limit:      res.Limit,
		}, nil
	case codec.KindError:
		return limiter.Decision{}, &ResponseError{Code: res.Error}
	default:
		return limiter.Decision{}, fmt.Errorf("%w: unexpected %s response", ErrMismatch, res.Kind)
	}
}
