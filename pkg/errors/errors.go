// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides the error taxonomy shared by the limitd server,
// connection pipeline and limiter backends.
package errors

import (
	"errors"
	"fmt"
)

// Error classes. Every error produced by limitd wraps exactly one of them.
var (
	// ErrConfiguration indicates invalid or incomplete server options.
	ErrConfiguration = errors.New("configuration error")

	// ErrListen indicates the listening socket could not be bound.
	ErrListen = errors.New("listen error")

	// ErrConnection indicates a socket-level fault on an accepted connection.
	ErrConnection = errors.New("connection error")

	// ErrDecode indicates a malformed frame or payload.
	ErrDecode = errors.New("decode error")

	// ErrDispatch indicates the limiter rejected or failed a single request.
	ErrDispatch = errors.New("dispatch error")

	// ErrShutdownTimeout is returned when draining connections exceeds its deadline.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// ConfigError describes a rejected configuration field.
type ConfigError struct {
	Field string
	Err   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %v", ErrConfiguration, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", ErrConfiguration, e.Field, e.Err)
}

// Unwrap returns both the class and the underlying error.
func (e *ConfigError) Unwrap() []error {
	return []error{ErrConfiguration, e.Err}
}

// NewConfig creates a ConfigError for field.
func NewConfig(field string, err error) error {
	return &ConfigError{Field: field, Err: err}
}

// ConnError wraps an error with the connection it happened on.
type ConnError struct {
	Op         string // Operation that failed (read, decode, write, ...)
	SessionID  string // Session identifier
	RemoteAddr string // Client address
	Class      error  // One of ErrConnection, ErrDecode
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *ConnError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s [%s] %s: %v", e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the class and the underlying error.
func (e *ConnError) Unwrap() []error {
	if e.Class == nil {
		return []error{e.Err}
	}
	return []error{e.Class, e.Err}
}

// NewConn creates a ConnError. It returns nil when err is nil.
func NewConn(op, sessionID, remoteAddr string, class, err error) error {
	if err == nil {
		return nil
	}
	return &ConnError{
		Op:         op,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Class:      class,
		Err:        err,
	}
}
