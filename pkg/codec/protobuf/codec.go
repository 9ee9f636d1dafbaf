// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package protobuf implements the "protocol-buffers" codec. Messages are
// encoded field by field with protowire, following this schema:
//
//	message Request  { string id = 1; Method method = 2; string type = 3;
//	                   string key = 4; int64 count = 5; bool all = 6; }
//	message Response { string request_id = 1; Kind kind = 2; bool conformant = 3;
//	                   int64 remaining = 4; int64 reset = 5; int64 limit = 6;
//	                   string error = 7; }
package protobuf

import (
	"fmt"

	"github.com/ludohenin/limitd/pkg/codec"
	"google.golang.org/protobuf/encoding/protowire"
)

// Name is the configuration name of this codec.
const Name = "protocol-buffers"

const (
	reqID     protowire.Number = 1
	reqMethod protowire.Number = 2
	reqType   protowire.Number = 3
	reqKey    protowire.Number = 4
	reqCount  protowire.Number = 5
	reqAll    protowire.Number = 6

	resRequestID  protowire.Number = 1
	resKind       protowire.Number = 2
	resConformant protowire.Number = 3
	resRemaining  protowire.Number = 4
	resReset      protowire.Number = 5
	resLimit      protowire.Number = 6
	resError      protowire.Number = 7
)

// Codec implements codec.Codec. It is stateless.
type Codec struct{}

var _ codec.Codec = (*Codec)(nil)

// Name implements codec.Codec.
func (Codec) Name() string { return Name }

// DecodeRequest implements codec.Codec.
func (Codec) DecodeRequest(b []byte) (codec.Request, error) {
	var req codec.Request
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case reqID:
			return consumeString(typ, b, &req.ID)
		case reqType:
			return consumeString(typ, b, &req.Type)
		case reqKey:
			return consumeString(typ, b, &req.Key)
		case reqMethod:
			var v uint64
			n, err := consumeVarint(typ, b, &v)
			if err == nil && v > uint64(codec.Ping) {
				err = fmt.Errorf("%w: unknown method %d", codec.ErrMalformed, v)
			}
			req.Method = codec.Method(v)
			return n, err
		case reqCount:
			var v uint64
			n, err := consumeVarint(typ, b, &v)
			req.Count = int64(v)
			return n, err
		case reqAll:
			var v uint64
			n, err := consumeVarint(typ, b, &v)
			req.All = protowire.DecodeBool(v)
			return n, err
		default:
			return skip(num, typ, b)
		}
	})
	if err != nil {
		return codec.Request{}, err
	}
	if err := req.Validate(); err != nil {
		return codec.Request{}, err
	}
	return req, nil
}

// EncodeResponse implements codec.Codec.
func (Codec) EncodeResponse(res codec.Response) ([]byte, error) {
	var b []byte
	b = appendString(b, resRequestID, res.RequestID)
	b = appendVarint(b, resKind, uint64(res.Kind))
	b = appendVarint(b, resConformant, protowire.EncodeBool(res.Conformant))
	b = appendVarint(b, resRemaining, uint64(res.Remaining))
	b = appendVarint(b, resReset, uint64(res.Reset))
	b = appendVarint(b, resLimit, uint64(res.Limit))
	b = appendString(b, resError, res.Error)
	return b, nil
}

// EncodeRequest implements codec.Codec.
func (Codec) EncodeRequest(req codec.Request) ([]byte, error) {
	var b []byte
	b = appendString(b, reqID, req.ID)
	b = appendVarint(b, reqMethod, uint64(req.Method))
	b = appendString(b, reqType, req.Type)
	b = appendString(b, reqKey, req.Key)
	b = appendVarint(b, reqCount, uint64(req.Count))
	b = appendVarint(b, reqAll, protowire.EncodeBool(req.All))
	return b, nil
}

// DecodeResponse implements codec.Codec.
func (Codec) DecodeResponse(b []byte) (codec.Response, error) {
	var res codec.Response
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var v uint64
		switch num {
		case resRequestID:
			return consumeString(typ, b, &res.RequestID)
		case resError:
			return consumeString(typ, b, &res.Error)
		case resKind:
			n, err := consumeVarint(typ, b, &v)
			res.Kind = codec.Kind(v)
			return n, err
		case resConformant:
			n, err := consumeVarint(typ, b, &v)
			res.Conformant = protowire.DecodeBool(v)
			return n, err
		case resRemaining:
			n, err := consumeVarint(typ, b, &v)
			res.Remaining = int64(v)
			return n, err
		case resReset:
			n, err := consumeVarint(typ, b, &v)
			res.Reset = int64(v)
			return n, err
		case resLimit:
			n, err := consumeVarint(typ, b, &v)
			res.Limit = int64(v)
			return n, err
		default:
			return skip(num, typ, b)
		}
	})
	if err != nil {
		return codec.Response{}, err
	}
	return res, nil
}

type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

// walk calls fn for every field in b. fn returns how many value bytes it consumed.
func walk(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return malformed(n)
		}
		b = b[n:]

		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

func consumeString(typ protowire.Type, b []byte, dst *string) (int, error) {
	if typ != protowire.BytesType {
		return 0, fmt.Errorf("%w: wire type %d for string field", codec.ErrMalformed, typ)
	}
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return 0, malformed(n)
	}
	*dst = v
	return n, nil
}

func consumeVarint(typ protowire.Type, b []byte, dst *uint64) (int, error) {
	if typ != protowire.VarintType {
		return 0, fmt.Errorf("%w: wire type %d for varint field", codec.ErrMalformed, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, malformed(n)
	}
	*dst = v
	return n, nil
}

func skip(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, malformed(n)
	}
	return n, nil
}

func malformed(n int) error {
	return fmt.Errorf("%w: %v", codec.ErrMalformed, protowire.ParseError(n))
}

// Zero values are omitted, as proto3 does.
func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}
