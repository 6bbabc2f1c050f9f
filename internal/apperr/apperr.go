// Package apperr defines the caller-visible failure taxonomy of the upscaler.
//
// Every pipeline stage reports failures as *Error values carrying a Reason.
// The Reason fixes the machine-readable code and HTTP status; Detail is the
// only text that reaches the caller. The wrapped Err stays server-side.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Reason identifies one terminal failure state of the request pipeline.
type Reason int

const (
	InternalProcessingError Reason = iota
	RateLimited
	PayloadTooLarge
	UnsupportedType
	ContentTypeMismatch
	InvalidScaleFactor
	InvalidRequest
	CorruptImage
	DecodeFailed
	ResourceExceeded
	ProcessingTimeout
)

type reasonInfo struct {
	code   string
	status int
	detail string
}

var reasons = map[Reason]reasonInfo{
	InternalProcessingError: {"INTERNAL_PROCESSING_ERROR", http.StatusInternalServerError, "Internal server error during image processing"},
	RateLimited:             {"RATE_LIMITED", http.StatusTooManyRequests, "Rate limit exceeded. Please try again later."},
	PayloadTooLarge:         {"PAYLOAD_TOO_LARGE", http.StatusRequestEntityTooLarge, "File too large"},
	UnsupportedType:         {"UNSUPPORTED_TYPE", http.StatusUnsupportedMediaType, "Unsupported file format. Allowed: JPEG, PNG, WebP"},
	ContentTypeMismatch:     {"CONTENT_TYPE_MISMATCH", http.StatusUnsupportedMediaType, "File content does not match the declared content type"},
	InvalidScaleFactor:      {"INVALID_SCALE_FACTOR", http.StatusBadRequest, "Invalid scale factor"},
	InvalidRequest:          {"INVALID_REQUEST", http.StatusBadRequest, "Malformed upload request"},
	CorruptImage:            {"CORRUPT_IMAGE", http.StatusUnprocessableEntity, "File is not a valid image"},
	DecodeFailed:            {"DECODE_FAILED", http.StatusUnprocessableEntity, "Image could not be decoded"},
	ResourceExceeded:        {"RESOURCE_EXCEEDED", http.StatusUnprocessableEntity, "Requested output exceeds processing limits"},
	ProcessingTimeout:       {"PROCESSING_TIMEOUT", http.StatusServiceUnavailable, "Image processing timed out"},
}

// Code returns the machine-readable error code, e.g. "RATE_LIMITED".
func (r Reason) Code() string { return reasons[r].code }

// Status returns the HTTP status code the reason maps to.
func (r Reason) Status() int { return reasons[r].status }

// String implements fmt.Stringer.
func (r Reason) String() string {
	if info, ok := reasons[r]; ok {
		return info.code
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}

// CallerError reports whether the failure was caused by the caller's input
// rather than by the server.
func (r Reason) CallerError() bool {
	switch r {
	case PayloadTooLarge, UnsupportedType, ContentTypeMismatch, InvalidScaleFactor,
		InvalidRequest, CorruptImage, DecodeFailed, ResourceExceeded:
		return true
	}
	return false
}

// Error is a typed pipeline failure.
type Error struct {
	Reason Reason
	// Detail is safe to show to the caller. Defaults to the reason's text.
	Detail string
	// Err is the underlying cause, logged server-side only.
	Err error
	// RetryAfter is set for RateLimited.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.PublicDetail(), e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.PublicDetail())
}

func (e *Error) Unwrap() error { return e.Err }

// PublicDetail returns the caller-facing message.
func (e *Error) PublicDetail() string {
	if e.Detail != "" {
		return e.Detail
	}
	return reasons[e.Reason].detail
}

// New creates an Error with a custom caller-facing detail.
func New(reason Reason, detail string) *Error {
	return &Error{Reason: reason, Detail: detail}
}

// Wrap creates an Error around an internal cause. The cause is never shown
// to the caller.
func Wrap(reason Reason, err error) *Error {
	return &Error{Reason: reason, Err: err}
}

// From extracts an *Error from err. Anything that is not already typed is
// coerced to InternalProcessingError.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(InternalProcessingError, err)
}

// Is reports whether err carries the given reason.
func Is(err error, reason Reason) bool {
	var e *Error
	return errors.As(err, &e) && e.Reason == reason
}
