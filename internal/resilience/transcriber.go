package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/segscribe/segscribe/pkg/stt"
)

// FallbackTranscriber implements [stt.Transcriber] with automatic failover
// across multiple speech-to-text backends. Each backend has its own circuit
// breaker, so a backend that keeps failing is skipped until it recovers.
type FallbackTranscriber struct {
	group *FallbackGroup[stt.Transcriber]
}

// Compile-time interface assertion.
var _ stt.Transcriber = (*FallbackTranscriber)(nil)

// NewFallbackTranscriber creates a [FallbackTranscriber] with primary as the
// preferred backend.
func NewFallbackTranscriber(primary stt.Transcriber, primaryName string, cfg FallbackConfig) *FallbackTranscriber {
	return &FallbackTranscriber{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional backend as a fallback.
func (f *FallbackTranscriber) AddFallback(name string, t stt.Transcriber) {
	f.group.AddFallback(name, t)
}

// Transcribe sends the audio to the first healthy backend. A backend that has
// consumed part of the stream before failing requires a rewind, so audio must
// implement io.Seeker when more than one backend is registered.
func (f *FallbackTranscriber) Transcribe(ctx context.Context, audio io.Reader, name string) (string, error) {
	seeker, seekable := audio.(io.Seeker)
	first := true

	text, err := ExecuteWithResult(f.group, func(t stt.Transcriber) (string, error) {
		if !first {
			if !seekable {
				return "", stt.Permanent(errors.New("audio source is not rewindable for failover"))
			}
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return "", stt.Permanent(fmt.Errorf("rewind for failover: %w", err))
			}
		}
		first = false
		return t.Transcribe(ctx, audio, name)
	})
	if err != nil {
		return "", classify(err)
	}
	return text, nil
}

// classify keeps the error taxonomy intact across the failover wrapper: the
// caller's retry policy keys on the last underlying failure. All circuits
// open counts as transient because breakers reset with time.
func classify(err error) error {
	if stt.IsTransient(err) || stt.IsPermanent(err) {
		return err
	}
	if errors.Is(err, ErrCircuitOpen) {
		return stt.Transient(err)
	}
	return stt.Permanent(err)
}
