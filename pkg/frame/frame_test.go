// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package frame

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
)

func TestReader_OneFramePerPayload(t *testing.T) {
	payloads := [][]byte{
		[]byte("take"),
		{},
		bytes.Repeat([]byte{0xab}, 300), // two-byte length prefix
		[]byte("last"),
	}

	var stream []byte
	for _, p := range payloads {
		stream = Append(stream, p)
	}

	tests := []struct {
		name string
		r    io.Reader
	}{
		{name: "whole stream", r: bytes.NewReader(stream)},
		{name: "one byte at a time", r: iotest.OneByteReader(bytes.NewReader(stream))},
		{name: "half reads", r: iotest.HalfReader(bytes.NewReader(stream))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fr := NewReader(tt.r, 0)
			for i, want := range payloads {
				got, err := fr.Next()
				if err != nil {
					t.Fatalf("frame %d: Next() error = %v", i, err)
				}
				if !bytes.Equal(got, want) {
					t.Errorf("frame %d: got %d bytes, want %d", i, len(got), len(want))
				}
			}
			if _, err := fr.Next(); !errors.Is(err, io.EOF) {
				t.Errorf("Expected io.EOF at end of stream, got %v", err)
			}
		})
	}
}

func TestReader_Errors(t *testing.T) {
	tests := []struct {
		name    string
		stream  []byte
		maxSize int
		wantErr error
	}{
		{
			name:    "truncated payload",
			stream:  []byte{0x05, 'a', 'b'},
			wantErr: ErrTruncated,
		},
		{
			name:    "truncated prefix",
			stream:  []byte{0x80},
			wantErr: ErrTruncated,
		},
		{
			name:    "too large",
			stream:  Append(nil, []byte("0123456789")),
			maxSize: 4,
			wantErr: ErrTooLarge,
		},
		{
			name:    "overlong prefix",
			stream:  bytes.Repeat([]byte{0xff}, 11),
			wantErr: ErrBadLength,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fr := NewReader(bytes.NewReader(tt.stream), tt.maxSize)
			_, err := fr.Next()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestWriter_PrefixesLength(t *testing.T) {
	var buf bytes.Buffer
	fw := NewWriter(&buf, 0)

	for _, p := range []string{"a", "bc", strings.Repeat("x", 200)} {
		if err := fw.Write([]byte(p)); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	if buf.Len() != 0 {
		t.Error("Expected writes to be buffered until Flush")
	}
	if err := fw.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	fr := NewReader(&buf, 0)
	for _, want := range []string{"a", "bc", strings.Repeat("x", 200)} {
		got, err := fr.Next()
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if string(got) != want {
			t.Errorf("Expected %q, got %q", want, got)
		}
	}
}

func TestWriter_TooLarge(t *testing.T) {
	fw := NewWriter(io.Discard, 2)
	if err := fw.Write([]byte("abc")); !errors.Is(err, ErrTooLarge) {
		t.Errorf("Expected ErrTooLarge, got %v", err)
	}
}
