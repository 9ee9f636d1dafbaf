// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package frame

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxSize is the largest payload accepted when no limit is given.
const DefaultMaxSize = 1 << 20

var (
	// ErrTooLarge is returned when a frame announces more bytes than allowed.
	ErrTooLarge = errors.New("frame: payload too large")

	// ErrBadLength is returned when the length prefix is not a valid uvarint.
	ErrBadLength = errors.New("frame: malformed length prefix")

	// ErrTruncated is returned when the stream ends inside a frame.
	ErrTruncated = errors.New("frame: truncated")
)

// Reader splits a byte stream into frame payloads.
type Reader struct {
	br      *bufio.Reader
	maxSize int
}

// NewReader returns a Reader that rejects payloads above maxSize.
func NewReader(r io.Reader, maxSize int) *Reader {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Reader{
		br:      bufio.NewReader(r),
		maxSize: maxSize,
	}
}

// Next blocks until one complete frame has arrived and returns its payload.
// It returns io.EOF only when the stream ends on a frame boundary.
func (r *Reader) Next() ([]byte, error) {
	n, err := r.readLength()
	if err != nil {
		return nil, err
	}
	if n > uint64(r.maxSize) {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, n, r.maxSize)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r.br, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncated
		}
		return nil, err
	}
	return payload, nil
}

// readLength decodes the uvarint prefix one byte at a time so that a
// prefix split across reads is still decoded correctly.
func (r *Reader) readLength() (uint64, error) {
	var x uint64
	var s uint
	for i := 0; i < binary.MaxVarintLen64; i++ {
		b, err := r.br.ReadByte()
		if err != nil {
			if i > 0 && errors.Is(err, io.EOF) {
				return 0, ErrTruncated
			}
			return 0, err
		}
		if b < 0x80 {
			if i == binary.MaxVarintLen64-1 && b > 1 {
				return 0, ErrBadLength
			}
			return x | uint64(b)<<s, nil
		}
		x |= uint64(b&0x7f) << s
		s += 7
	}
	return 0, ErrBadLength
}

// Writer prefixes every payload with its length. Writes are buffered until
// Flush.
type Writer struct {
	bw      *bufio.Writer
	maxSize int
	hdr     [binary.MaxVarintLen64]byte
}

// NewWriter returns a Writer that refuses payloads above maxSize.
func NewWriter(w io.Writer, maxSize int) *Writer {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Writer{
		bw:      bufio.NewWriter(w),
		maxSize: maxSize,
	}
}

// Write appends one frame carrying payload.
func (w *Writer) Write(payload []byte) error {
	if len(payload) > w.maxSize {
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, len(payload), w.maxSize)
	}
	n := binary.PutUvarint(w.hdr[:], uint64(len(payload)))
	if _, err := w.bw.Write(w.hdr[:n]); err != nil {
		return err
	}
	_, err := w.bw.Write(payload)
	return err
}

// Flush writes buffered frames to the underlying writer.
func (w *Writer) Flush() error {
	return w.bw.Flush()
}

// Append appends payload as a frame to dst.
func Append(dst, payload []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(payload)))
	return append(dst, payload...)
}
