package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [LoadFromReader] when the corresponding field is unset.
const (
	DefaultListenAddr          = ":8080"
	DefaultMaxSegmentMS        = 600_000 // 10 minutes
	DefaultMaxRetries          = 3
	DefaultRetryBackoff        = 2 * time.Second
	DefaultConcurrency         = 1
	DefaultSpoolThresholdBytes = 16 << 20
	DefaultModel               = "whisper-1"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills unset fields, including the OPENAI_API_KEY environment
// fallback for the transcriber credential.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Transcriber.Name == "" {
		cfg.Transcriber.Name = TranscriberOpenAI
	}
	applyBackendDefaults(&cfg.Transcriber)
	for i := range cfg.Transcriber.Fallbacks {
		applyBackendDefaults(&cfg.Transcriber.Fallbacks[i])
	}
	if cfg.Pipeline.MaxSegmentMS == 0 {
		cfg.Pipeline.MaxSegmentMS = DefaultMaxSegmentMS
	}
	if cfg.Pipeline.MaxRetries == 0 {
		cfg.Pipeline.MaxRetries = DefaultMaxRetries
	}
	if cfg.Pipeline.RetryBackoff == 0 {
		cfg.Pipeline.RetryBackoff = Duration(DefaultRetryBackoff)
	}
	if cfg.Pipeline.Concurrency == 0 {
		cfg.Pipeline.Concurrency = DefaultConcurrency
	}
	if cfg.Pipeline.SpoolDir == "" {
		cfg.Pipeline.SpoolDir = filepath.Join(os.TempDir(), "segscribe")
	}
	if cfg.Pipeline.SpoolThresholdBytes == 0 {
		cfg.Pipeline.SpoolThresholdBytes = DefaultSpoolThresholdBytes
	}
}

// applyBackendDefaults fills one backend block, including the OPENAI_API_KEY
// environment fallback the reference deployment relies on.
func applyBackendDefaults(tc *TranscriberConfig) {
	if tc.Name == TranscriberOpenAI && tc.APIKey == "" {
		tc.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if tc.Model == "" {
		tc.Model = DefaultModel
	}
}

// validateBackend checks one transcriber block. prefix names the block in
// error messages ("transcriber" or "transcriber.fallbacks[i]").
func validateBackend(prefix string, tc TranscriberConfig) []error {
	var errs []error
	if !tc.Name.IsValid() {
		errs = append(errs, fmt.Errorf("%s.name %q is invalid; valid values: openai, whisper, whisper-native", prefix, tc.Name))
		return errs
	}
	switch tc.Name {
	case TranscriberOpenAI:
		// A missing credential makes every upload fail; refuse to start.
		if tc.APIKey == "" {
			errs = append(errs, fmt.Errorf("%s.api_key is required for the openai backend (or set OPENAI_API_KEY)", prefix))
		}
	case TranscriberWhisper:
		if tc.BaseURL == "" {
			errs = append(errs, fmt.Errorf("%s.base_url is required for the whisper backend", prefix))
		}
	case TranscriberWhisperNative:
		if tc.ModelPath == "" {
			errs = append(errs, fmt.Errorf("%s.model_path is required for the whisper-native backend", prefix))
		}
	}
	if tc.Name != TranscriberOpenAI && tc.APIKey != "" {
		slog.Warn("api_key is set but unused by this backend", "block", prefix, "backend", tc.Name)
	}
	return errs
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Transcriber
	errs = append(errs, validateBackend("transcriber", cfg.Transcriber)...)
	for i, fb := range cfg.Transcriber.Fallbacks {
		prefix := fmt.Sprintf("transcriber.fallbacks[%d]", i)
		errs = append(errs, validateBackend(prefix, fb)...)
		if len(fb.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("%s.fallbacks cannot be nested", prefix))
		}
	}

	// Pipeline
	if cfg.Pipeline.MaxSegmentMS <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_segment_ms %d must be positive", cfg.Pipeline.MaxSegmentMS))
	}
	if cfg.Pipeline.MaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_retries %d must be positive", cfg.Pipeline.MaxRetries))
	}
	if cfg.Pipeline.RetryBackoff < 0 {
		errs = append(errs, fmt.Errorf("pipeline.retry_backoff %s must not be negative", cfg.Pipeline.RetryBackoff))
	}
	if cfg.Pipeline.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.concurrency %d must be positive", cfg.Pipeline.Concurrency))
	}
	if cfg.Pipeline.SpoolThresholdBytes < 0 {
		errs = append(errs, fmt.Errorf("pipeline.spool_threshold_bytes %d must not be negative", cfg.Pipeline.SpoolThresholdBytes))
	}
	if cfg.Pipeline.CacheEntries < 0 {
		errs = append(errs, fmt.Errorf("pipeline.cache_entries %d must not be negative", cfg.Pipeline.CacheEntries))
	}
	if cfg.Pipeline.Concurrency > 1 {
		slog.Warn("pipeline.concurrency > 1 runs transcription calls in parallel; mind the backend's rate limits",
			"concurrency", cfg.Pipeline.Concurrency)
	}

	return errors.Join(errs...)
}
