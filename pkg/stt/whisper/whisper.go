// Package whisper provides a speech-to-text transcriber backed by a running
// whisper.cpp whisper-server binary, which exposes a REST API at
// POST /inference accepting multipart audio uploads.
//
// Usage:
//
//	t, err := whisper.New("http://localhost:8080",
//	    whisper.WithLanguage("en"),
//	)
//	text, err := t.Transcribe(ctx, bytes.NewReader(mp3), "segment_0.mp3")
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/segscribe/segscribe/pkg/stt"
)

// Compile-time assertion that Transcriber implements stt.Transcriber.
var _ stt.Transcriber = (*Transcriber)(nil)

// Transcriber implements stt.Transcriber against a whisper.cpp HTTP server.
type Transcriber struct {
	serverURL  string
	model      string
	language   string
	httpClient *http.Client
}

// Option is a functional option for configuring a Transcriber.
type Option func(*Transcriber)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with — this is the default.
func WithModel(model string) Option {
	return func(t *Transcriber) {
		t.model = model
	}
}

// WithLanguage sets the BCP-47 language code sent to the whisper.cpp server
// (e.g., "en", "de", "zh"). An empty value lets the server auto-detect.
func WithLanguage(lang string) Option {
	return func(t *Transcriber) {
		t.language = lang
	}
}

// WithHTTPClient replaces the default HTTP client. The default has a
// 5 minute timeout sized for multi-minute audio segments.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transcriber) {
		t.httpClient = c
	}
}

// New creates a Transcriber that connects to the whisper.cpp HTTP server at
// serverURL (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Transcriber, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	t := &Transcriber{
		serverURL:  serverURL,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Transcribe POSTs the encoded audio to the /inference endpoint as
// multipart/form-data and returns the transcribed text.
//
// HTTP 429 and 5xx responses and transport-level failures are transient;
// other non-200 responses are permanent.
func (t *Transcriber) Transcribe(ctx context.Context, audio io.Reader, name string) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", stt.Permanent(fmt.Errorf("whisper: create form file: %w", err))
	}
	if _, err := io.Copy(fw, audio); err != nil {
		return "", stt.Permanent(fmt.Errorf("whisper: write audio data: %w", err))
	}

	// Optional hint fields.
	if t.language != "" {
		if err := mw.WriteField("language", t.language); err != nil {
			return "", stt.Permanent(fmt.Errorf("whisper: write language field: %w", err))
		}
	}
	if t.model != "" {
		if err := mw.WriteField("model", t.model); err != nil {
			return "", stt.Permanent(fmt.Errorf("whisper: write model field: %w", err))
		}
	}

	if err := mw.Close(); err != nil {
		return "", stt.Permanent(fmt.Errorf("whisper: close multipart writer: %w", err))
	}

	endpoint := t.serverURL + "/inference"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", stt.Permanent(fmt.Errorf("whisper: create request: %w", err))
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", stt.Transient(fmt.Errorf("whisper: http request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return "", stt.Transient(err)
		}
		return "", stt.Permanent(err)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", stt.Transient(fmt.Errorf("whisper: read response body: %w", err))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", stt.Permanent(fmt.Errorf("whisper: parse JSON response: %w", err))
	}

	return result.Text, nil
}
