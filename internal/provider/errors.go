package provider

import (
	"context"
	"fmt"
)

// ConnectionError is a transport-level failure (dial, TLS, client timeout).
// Retryable.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection failure: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AbortError means the request was interrupted by the caller. Never retried.
type AbortError struct {
	Err error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("request aborted: %v", e.Err)
}

func (e *AbortError) Unwrap() error { return e.Err }

// StatusError is a non-2xx backend response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.Code, e.Message)
}

// ParseError means the backend replied 2xx but the body was unusable.
// Never retried.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unparsable backend response: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// FromTransport classifies an error from http.Client.Do. A live ctx error
// means the caller interrupted the request; anything else is a network
// problem.
func FromTransport(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return &AbortError{Err: ctx.Err()}
	}
	return &ConnectionError{Err: err}
}
