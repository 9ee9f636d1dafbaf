// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/ludohenin/limitd/pkg/breaker"
	"github.com/ludohenin/limitd/pkg/codec"
	lderrors "github.com/ludohenin/limitd/pkg/errors"
	"github.com/ludohenin/limitd/pkg/limiter"
)

// ErrUnsupported is returned when the limiter does not implement the
// optional interface a method needs.
var ErrUnsupported = errors.New("method not supported by limiter")

// Dispatch answers one request against l. PING never reaches the limiter.
// A TAKE or PUT with a zero count asks for one token; a PUT with All set
// refills the bucket.
func Dispatch(ctx context.Context, l limiter.Limiter, req codec.Request) (codec.Response, error) {
	var (
		d   limiter.Decision
		err error
	)

	switch req.Method {
	case codec.Ping:
		return codec.Response{RequestID: req.ID, Kind: codec.KindPong}, nil

	case codec.Take:
		d, err = l.Decide(ctx, req.Type, req.Key, countOf(req))

	case codec.Put:
		p, ok := l.(limiter.Putter)
		if !ok {
			return codec.Response{}, fmt.Errorf("%w: %w: PUT", lderrors.ErrDispatch, ErrUnsupported)
		}
		count := countOf(req)
		switch {
		case req.All:
			count = 0
		case req.Count < 0:
			return codec.Response{}, fmt.Errorf("%w: %w: %d", lderrors.ErrDispatch, limiter.ErrInvalidCount, req.Count)
		}
		d, err = p.Put(ctx, req.Type, req.Key, count)

	case codec.Status:
		s, ok := l.(limiter.Statuser)
		if !ok {
			return codec.Response{}, fmt.Errorf("%w: %w: STATUS", lderrors.ErrDispatch, ErrUnsupported)
		}
		d, err = s.Status(ctx, req.Type, req.Key)

	default:
		return codec.Response{}, fmt.Errorf("%w: %w: %s", lderrors.ErrDispatch, ErrUnsupported, req.Method)
	}

	if err != nil {
		return codec.Response{}, fmt.Errorf("%w: %w", lderrors.ErrDispatch, err)
	}
	return codec.Response{
		RequestID:  req.ID,
		Kind:       codec.KindDecision,
		Conformant: d.Conformant,
		Remaining:  d.Remaining,
		Reset:      d.Reset,
		Limit:      d.Limit,
	}, nil
}

// Code maps a dispatch error to the code sent to the client.
func Code(err error) string {
	switch {
	case errors.Is(err, limiter.ErrUnknownBucketType):
		return codec.CodeUnknownBucketType
	case errors.Is(err, limiter.ErrInvalidCount):
		return codec.CodeInvalidCount
	case errors.Is(err, ErrUnsupported):
		return codec.CodeUnsupported
	case errors.Is(err, limiter.ErrUnavailable),
		errors.Is(err, breaker.ErrCircuitOpen),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return codec.CodeUnavailable
	default:
		return codec.CodeInternal
	}
}

func countOf(req codec.Request) int64 {
	if req.Count == 0 {
		return 1
	}
	return req.Count
}

func errorResponse(req codec.Request, code string) codec.Response {
	return codec.Response{
		RequestID: req.ID,
		Kind:      codec.KindError,
		Error:     code,
	}
}
