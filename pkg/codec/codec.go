// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed is returned by Codec implementations for payloads they cannot decode.
var ErrMalformed = errors.New("malformed payload")

// Method is the operation a Request asks for.
type Method int

const (
	// Take removes Count tokens from a bucket if they are available.
	Take Method = iota

	// Put returns Count tokens to a bucket (or refills it when All is set).
	Put

	// Status reports a bucket without changing it.
	Status

	// Ping asks the server to answer without consulting the limiter.
	Ping
)

// String returns a string representation of the method.
func (m Method) String() string {
	switch m {
	case Take:
		return "TAKE"
	case Put:
		return "PUT"
	case Status:
		return "STATUS"
	case Ping:
		return "PING"
	default:
		return "UNKNOWN"
	}
}

// ParseMethod is the inverse of Method.String.
func ParseMethod(s string) (Method, error) {
	switch strings.ToUpper(s) {
	case "TAKE", "":
		return Take, nil
	case "PUT":
		return Put, nil
	case "STATUS":
		return Status, nil
	case "PING":
		return Ping, nil
	default:
		return 0, fmt.Errorf("%w: unknown method %q", ErrMalformed, s)
	}
}

// Kind tells the client how to read a Response.
type Kind int

const (
	KindDecision Kind = iota
	KindError
	KindPong
)

// String returns a string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindDecision:
		return "decision"
	case KindError:
		return "error"
	case KindPong:
		return "pong"
	default:
		return "unknown"
	}
}

// Error codes carried by KindError responses.
const (
	CodeUnknownBucketType = "UNKNOWN_BUCKET_TYPE"
	CodeInvalidCount      = "INVALID_COUNT"
	CodeUnsupported       = "UNSUPPORTED"
	CodeUnavailable       = "UNAVAILABLE"
	CodeInternal          = "INTERNAL"
)

// Request is one decoded client message.
type Request struct {
	ID     string
	Method Method
	Type   string
	Key    string
	Count  int64
	All    bool
}

// Validate rejects requests that name no bucket type. PING carries none.
func (r Request) Validate() error {
	if r.Method != Ping && r.Type == "" {
		return fmt.Errorf("%w: %s without bucket type", ErrMalformed, r.Method)
	}
	return nil
}

// Response is the answer to one Request.
type Response struct {
	RequestID  string
	Kind       Kind
	Conformant bool
	Remaining  int64
	Reset      int64
	Limit      int64
	Error      string
}

// Codec translates frame payloads to Requests and Responses to payloads.
// A server uses exactly one Codec for its whole lifetime, shared by every
// connection, so implementations must be safe for concurrent use.
//
// The client side of the protocol uses EncodeRequest and DecodeResponse.
type Codec interface {
	// Name is the protocol name used in configuration.
	Name() string

	DecodeRequest(payload []byte) (Request, error)
	EncodeResponse(res Response) ([]byte, error)

	EncodeRequest(req Request) ([]byte, error)
	DecodeResponse(payload []byte) (Response, error)
}
