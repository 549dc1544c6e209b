// Package config provides the configuration schema, loader, and transcriber
// registry for the segscribe transcription server.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings such as "2s"
// or "500ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"2s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// LogLevel controls log verbosity for the segscribe server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// TranscriberName selects the speech-to-text backend.
type TranscriberName string

const (
	// TranscriberOpenAI calls the OpenAI audio transcription API.
	TranscriberOpenAI TranscriberName = "openai"

	// TranscriberWhisper calls a self-hosted whisper-server over HTTP.
	TranscriberWhisper TranscriberName = "whisper"

	// TranscriberWhisperNative runs whisper.cpp in-process via CGO bindings.
	TranscriberWhisperNative TranscriberName = "whisper-native"
)

// IsValid reports whether n is a recognised transcriber name.
func (n TranscriberName) IsValid() bool {
	switch n {
	case TranscriberOpenAI, TranscriberWhisper, TranscriberWhisperNative:
		return true
	}
	return false
}

// Config is the root configuration structure for segscribe.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Transcriber TranscriberConfig `yaml:"transcriber"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Media       MediaConfig       `yaml:"media"`
}

// ServerConfig holds network and logging settings for the segscribe server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// TranscriberConfig selects and configures the speech-to-text backend.
// The Name field is used to look up the constructor in the [Registry].
type TranscriberConfig struct {
	// Name selects the registered backend ("openai", "whisper", "whisper-native").
	Name TranscriberName `yaml:"name"`

	// APIKey authenticates against the remote transcription API. When empty,
	// the OPENAI_API_KEY environment variable is used instead.
	APIKey string `yaml:"api_key"`

	// Model selects a specific model within the backend (e.g., "whisper-1").
	Model string `yaml:"model"`

	// BaseURL overrides the backend's default endpoint. Required for the
	// "whisper" backend, where it is the whisper-server address.
	BaseURL string `yaml:"base_url"`

	// Language is an ISO 639-1 hint passed to backends that accept one.
	Language string `yaml:"language"`

	// ModelPath is the ggml model file loaded by the "whisper-native" backend.
	ModelPath string `yaml:"model_path"`

	// Fallbacks lists additional backends tried in order when the primary
	// fails or its circuit breaker is open. Entries use the same fields as
	// the primary and cannot nest further fallbacks.
	Fallbacks []TranscriberConfig `yaml:"fallbacks"`
}

// PipelineConfig tunes segment planning and the transcription orchestrator.
type PipelineConfig struct {
	// MaxSegmentMS is the upper bound on a single segment's duration in
	// milliseconds. Defaults to 600000 (10 minutes).
	MaxSegmentMS int64 `yaml:"max_segment_ms"`

	// MaxRetries bounds transcription attempts per segment. Defaults to 3.
	MaxRetries int `yaml:"max_retries"`

	// RetryBackoff is the pause between attempts. Defaults to 2s.
	RetryBackoff Duration `yaml:"retry_backoff"`

	// Concurrency bounds segments in flight at once. Defaults to 1
	// (strictly sequential).
	Concurrency int `yaml:"concurrency"`

	// SpoolDir is where uploads and oversized encoded segments are staged.
	// Defaults to a segscribe directory under the system temp dir.
	SpoolDir string `yaml:"spool_dir"`

	// SpoolThresholdBytes is the encoded-segment size above which bytes are
	// spooled to disk instead of held in memory. Defaults to 16 MiB.
	SpoolThresholdBytes int `yaml:"spool_threshold_bytes"`

	// CacheEntries bounds the content-hash result cache. 0 disables it.
	CacheEntries int `yaml:"cache_entries"`
}

// MediaConfig overrides the ffmpeg/ffprobe resolution. Leave empty to resolve
// from the environment and PATH.
type MediaConfig struct {
	// FFmpegPath is an explicit path to the ffmpeg executable.
	FFmpegPath string `yaml:"ffmpeg_path"`

	// FFprobePath is an explicit path to the ffprobe executable.
	FFprobePath string `yaml:"ffprobe_path"`
}
