// Package native provides an in-process speech-to-text transcriber backed by
// the whisper.cpp CGO bindings, eliminating network calls entirely.
//
// The whisper.cpp static library (libwhisper.a) and headers (whisper.h) must
// be available at link time via LIBRARY_PATH and C_INCLUDE_PATH environment
// variables. The model is loaded once at construction and shared across all
// calls; each call gets its own whisper context because contexts are not
// thread-safe.
//
// Unlike the HTTP backends this transcriber cannot parse arbitrary
// compressed containers: segments must be encoded as 16-bit PCM WAV
// (the media encoder produces 16 kHz mono WAV when this backend is active).
package native

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/segscribe/segscribe/pkg/stt"
)

// Compile-time assertion that Transcriber implements stt.Transcriber.
var _ stt.Transcriber = (*Transcriber)(nil)

// Transcriber implements stt.Transcriber using whisper.cpp Go bindings.
type Transcriber struct {
	model    whisperlib.Model
	language string
}

// Option is a functional option for configuring a Transcriber.
type Option func(*Transcriber)

// WithLanguage sets the BCP-47 language code for transcription (e.g., "en",
// "de", "zh"). An empty value keeps whisper.cpp's default.
func WithLanguage(lang string) Option {
	return func(t *Transcriber) { t.language = lang }
}

// New creates a Transcriber that loads the whisper.cpp model from the given
// file path. The caller must call Close when the transcriber is no longer
// needed.
func New(modelPath string, opts ...Option) (*Transcriber, error) {
	if modelPath == "" {
		return nil, errors.New("native: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("native: load model %q: %w", modelPath, err)
	}

	t := &Transcriber{model: model}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Close releases the whisper model.
func (t *Transcriber) Close() error {
	if t.model != nil {
		return t.model.Close()
	}
	return nil
}

// Transcribe decodes the WAV payload, runs whisper.cpp inference on a fresh
// context, and returns the concatenated segment text.
//
// Malformed WAV data is permanent. Inference failures are transient only in
// the sense that the orchestration loop may retry them, but since the engine
// is deterministic a failure here is classified permanent too — retrying the
// same samples produces the same outcome.
func (t *Transcriber) Transcribe(ctx context.Context, audio io.Reader, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", stt.Transient(fmt.Errorf("native: %w", err))
	}

	data, err := io.ReadAll(audio)
	if err != nil {
		return "", stt.Permanent(fmt.Errorf("native: read audio: %w", err))
	}
	pcm, channels, err := decodeWAV(data)
	if err != nil {
		return "", stt.Permanent(fmt.Errorf("native: %s: %w", name, err))
	}
	samples := pcmToFloat32Mono(pcm, channels)

	wctx, err := t.model.NewContext()
	if err != nil {
		return "", stt.Permanent(fmt.Errorf("native: create context: %w", err))
	}
	if t.language != "" {
		if err := wctx.SetLanguage(t.language); err != nil {
			return "", stt.Permanent(fmt.Errorf("native: set language %q: %w", t.language, err))
		}
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", stt.Permanent(fmt.Errorf("native: process audio: %w", err))
	}

	var parts []string
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", stt.Permanent(fmt.Errorf("native: read segment: %w", err))
		}
		text := strings.TrimSpace(seg.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}

	return strings.Join(parts, " "), nil
}
