// Package stt defines the Transcriber interface for speech-to-text backends.
//
// A transcriber consumes one encoded audio segment and returns its text. It
// is a batch interface: the whole segment is submitted in a single call and
// the caller decides how to split long recordings (see internal/segment).
//
// Failures are classified into two classes so that the orchestration loop
// can decide whether to retry:
//
//   - [TransientError] — timeouts, rate limiting, 5xx-style server faults.
//     Worth retrying with the same bytes.
//   - [PermanentError] — malformed audio, authentication rejection, or any
//     fault that repeating the call cannot fix.
//
// Implementations wrap their underlying errors with [Transient] or
// [Permanent]; anything left unclassified is treated as permanent by callers.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
	"io"
)

// Transcriber is the abstraction over any speech-to-text backend.
type Transcriber interface {
	// Transcribe submits one encoded audio segment and returns its
	// transcribed text. name is the segment's file name hint (e.g.,
	// "segment_0.mp3") used by multipart-upload backends; it carries no
	// semantics beyond helping the remote service sniff the container
	// format.
	//
	// audio is read to completion. Callers that intend to retry must
	// rewind the reader themselves before the next attempt.
	//
	// Errors are wrapped as [TransientError] or [PermanentError].
	Transcribe(ctx context.Context, audio io.Reader, name string) (string, error)
}

// TransientError marks a failure that is worth retrying with the same input.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that repeating the call cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError. Returns nil if err is nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as a PermanentError. Returns nil if err is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsTransient reports whether err is classified as retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is classified as not retryable.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
