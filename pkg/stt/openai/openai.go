// Package openai provides a speech-to-text transcriber backed by the OpenAI
// audio transcription API (whisper-1 and successors).
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/segscribe/segscribe/pkg/stt"
)

// defaultModel is the transcription model used when none is configured.
const defaultModel = "whisper-1"

// Compile-time assertion that Transcriber implements stt.Transcriber.
var _ stt.Transcriber = (*Transcriber)(nil)

// Transcriber implements stt.Transcriber using the OpenAI API.
type Transcriber struct {
	client oai.Client
	model  string
}

// config holds optional configuration for the transcriber.
type config struct {
	model   string
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Transcriber.
type Option func(*config)

// WithModel selects the transcription model (e.g., "whisper-1",
// "gpt-4o-transcribe"). Defaults to "whisper-1".
func WithModel(model string) Option {
	return func(c *config) {
		c.model = model
	}
}

// WithBaseURL overrides the default OpenAI API base URL. Useful for
// API-compatible proxies and for tests.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout. Transcription of a ten-minute
// segment can legitimately take minutes; the default client timeout is 5 min.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a Transcriber. apiKey must not be empty; a missing key is a
// startup-time configuration error, not something to discover per call.
func New(apiKey string, opts ...Option) (*Transcriber, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}

	cfg := &config{
		model:   defaultModel,
		timeout: 5 * time.Minute,
	}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// The SDK retries on its own by default; the orchestration loop owns
		// the retry policy, so disable the inner one.
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Transcriber{
		client: oai.NewClient(reqOpts...),
		model:  cfg.model,
	}, nil
}

// Transcribe submits the encoded audio to the OpenAI transcription endpoint
// and returns the recognised text. Failures are classified per the stt
// package contract: rate limiting, timeouts, and server faults are transient;
// everything else (bad audio, auth rejection) is permanent.
func (t *Transcriber) Transcribe(ctx context.Context, audio io.Reader, name string) (string, error) {
	resp, err := t.client.Audio.Transcriptions.New(ctx, oai.AudioTranscriptionNewParams{
		Model: oai.AudioModel(t.model),
		File:  oai.File(audio, name, "application/octet-stream"),
	})
	if err != nil {
		return "", classify(err)
	}
	return resp.Text, nil
}

// classify maps an OpenAI SDK error onto the stt error taxonomy.
func classify(err error) error {
	var apierr *oai.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == http.StatusTooManyRequests,
			apierr.StatusCode == http.StatusRequestTimeout,
			apierr.StatusCode == http.StatusConflict,
			apierr.StatusCode >= 500:
			return stt.Transient(fmt.Errorf("openai: %w", err))
		default:
			return stt.Permanent(fmt.Errorf("openai: %w", err))
		}
	}
	// No HTTP response at all: connection resets, DNS failures, deadline
	// expiry. All worth retrying.
	return stt.Transient(fmt.Errorf("openai: %w", err))
}
