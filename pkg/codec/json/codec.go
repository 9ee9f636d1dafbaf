// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package json implements the "json" codec: one JSON object per frame.
package json

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ludohenin/limitd/pkg/codec"
)

// Name is the configuration name of this codec.
const Name = "json"

type request struct {
	ID     string `json:"id,omitempty"`
	Method string `json:"method,omitempty"`
	Type   string `json:"type"`
	Key    string `json:"key"`
	Count  int64  `json:"count,omitempty"`
	All    bool   `json:"all,omitempty"`
}

type response struct {
	RequestID  string `json:"request_id,omitempty"`
	Kind       string `json:"kind"`
	Conformant bool   `json:"conformant"`
	Remaining  int64  `json:"remaining"`
	Reset      int64  `json:"reset"`
	Limit      int64  `json:"limit"`
	Error      string `json:"error,omitempty"`
}

// Codec implements codec.Codec. It is stateless.
type Codec struct{}

var _ codec.Codec = (*Codec)(nil)

// Name implements codec.Codec.
func (Codec) Name() string { return Name }

// DecodeRequest implements codec.Codec. Unknown fields are rejected.
func (Codec) DecodeRequest(payload []byte) (codec.Request, error) {
	var r request
	if err := strictUnmarshal(payload, &r); err != nil {
		return codec.Request{}, err
	}
	m, err := codec.ParseMethod(r.Method)
	if err != nil {
		return codec.Request{}, err
	}
	req := codec.Request{
		ID:     r.ID,
		Method: m,
		Type:   r.Type,
		Key:    r.Key,
		Count:  r.Count,
		All:    r.All,
	}
	if err := req.Validate(); err != nil {
		return codec.Request{}, err
	}
	return req, nil
}

// EncodeResponse implements codec.Codec.
func (Codec) EncodeResponse(res codec.Response) ([]byte, error) {
	return json.Marshal(response{
		RequestID:  res.RequestID,
		Kind:       res.Kind.String(),
		Conformant: res.Conformant,
		Remaining:  res.Remaining,
		Reset:      res.Reset,
		Limit:      res.Limit,
		Error:      res.Error,
	})
}

// EncodeRequest implements codec.Codec.
func (Codec) EncodeRequest(req codec.Request) ([]byte, error) {
	return json.Marshal(request{
		ID:     req.ID,
		Method: req.Method.String(),
		Type:   req.Type,
		Key:    req.Key,
		Count:  req.Count,
		All:    req.All,
	})
}

// DecodeResponse implements codec.Codec.
func (Codec) DecodeResponse(payload []byte) (codec.Response, error) {
	var r response
	if err := strictUnmarshal(payload, &r); err != nil {
		return codec.Response{}, err
	}

	res := codec.Response{
		RequestID:  r.RequestID,
		Conformant: r.Conformant,
		Remaining:  r.Remaining,
		Reset:      r.Reset,
		Limit:      r.Limit,
		Error:      r.Error,
	}
	switch r.Kind {
	case "decision":
		res.Kind = codec.KindDecision
	case "error":
		res.Kind = codec.KindError
	case "pong":
		res.Kind = codec.KindPong
	default:
		return codec.Response{}, fmt.Errorf("%w: unknown kind %q", codec.ErrMalformed, r.Kind)
	}
	return res, nil
}

func strictUnmarshal(payload []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", codec.ErrMalformed, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data", codec.ErrMalformed)
	}
	return nil
}
