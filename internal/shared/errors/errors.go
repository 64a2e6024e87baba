package errors

import (
	"errors"
	"fmt"
)

// Domain errors
var (
	// Input errors
	ErrInvalidInput = errors.New("invalid input")
	ErrEmptyURL     = errors.New("target URL cannot be empty")

	// Session errors
	ErrStreamEndedWithoutResult = errors.New("stream ended without result")
	ErrScanCancelled            = errors.New("scan cancelled")
	ErrNoActiveScan             = errors.New("no active scan")
	ErrNoResult                 = errors.New("scan has no result yet")
	ErrSessionNotFound          = errors.New("session not found")

	// Export errors
	ErrUnknownTable = errors.New("unknown result table")
)

// TransportError is a network-level failure while talking to the scanning backend.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// HTTPError is a non-2xx answer from the scanning backend.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("HTTP error! status: %d", e.Status)
}

// DecodeError reports bytes that are not valid UTF-8 text.
type DecodeError struct {
	// Offset is the byte offset of the offending line within the stream.
	Offset int64
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("invalid UTF-8 in stream line at byte offset %d", e.Offset)
}

// ParseFailure is a single unusable record. It never terminates a session.
type ParseFailure struct {
	RawLine string
	Reason  string
}

func (e *ParseFailure) Error() string {
	return fmt.Sprintf("unparseable record: %s", e.Reason)
}

// InvalidInputError wraps a rejected scan request.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid input: %s", e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InvalidInputError) Is(target error) bool {
	return target == ErrInvalidInput
}
