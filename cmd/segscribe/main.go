// Command segscribe is the main entry point for the segscribe transcription
// server: a web UI that splits uploaded audio into segments, transcribes each
// one, and serves the joined transcript as a download.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"

	"github.com/segscribe/segscribe/internal/config"
	"github.com/segscribe/segscribe/internal/media"
	"github.com/segscribe/segscribe/internal/observe"
	"github.com/segscribe/segscribe/internal/resilience"
	"github.com/segscribe/segscribe/internal/server"
	"github.com/segscribe/segscribe/pkg/stt"
	"github.com/segscribe/segscribe/pkg/stt/native"
	"github.com/segscribe/segscribe/pkg/stt/openai"
	"github.com/segscribe/segscribe/pkg/stt/whisper"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// A .env file is optional; it feeds OPENAI_API_KEY before the config loads.
	_ = godotenv.Load()

	// ── Load configuration (with hot reload) ──────────────────────────────────
	logLevel := new(slog.LevelVar)
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		onConfigChange(logLevel, old, new)
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "segscribe: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "segscribe: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()
	cfg := watcher.Current()

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("segscribe starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"transcriber", cfg.Transcriber.Name,
		"fallbacks", len(cfg.Transcriber.Fallbacks),
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "segscribe",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Media toolchain ───────────────────────────────────────────────────────
	tc, err := media.ResolveToolchain(cfg.Media.FFmpegPath, cfg.Media.FFprobePath)
	if err != nil {
		slog.Error("media toolchain unavailable", "err", err)
		return 1
	}
	slog.Info("media toolchain resolved", "ffmpeg", tc.FFmpegPath, "ffprobe", tc.FFprobePath)

	// ── Transcriber ───────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinTranscribers(reg)

	tr, err := buildTranscriber(cfg, reg)
	if err != nil {
		slog.Error("failed to build transcriber", "err", err)
		return 1
	}

	// The in-process whisper backend wants 16 kHz mono WAV; every remote
	// backend accepts MP3, which keeps segment payloads small.
	format := media.FormatMP3
	if usesNativeBackend(cfg.Transcriber) {
		format = media.FormatWAV16kMono
	}
	dec := media.NewDecoder(tc)
	enc := media.NewEncoder(tc, media.WithFormat(format))

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv := server.New(cfg.Pipeline, tc, dec, enc, tr, metrics,
		server.WithBaseContext(ctx),
		server.WithLogger(logger),
	)

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()

	slog.Info("server ready — press Ctrl+C to shut down", "addr", cfg.Server.ListenAddr)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("listen error", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Transcriber wiring ────────────────────────────────────────────────────────

// registerBuiltinTranscribers wires all built-in backend factories into reg.
func registerBuiltinTranscribers(reg *config.Registry) {
	reg.RegisterTranscriber(config.TranscriberOpenAI, func(tc config.TranscriberConfig) (stt.Transcriber, error) {
		var opts []openai.Option
		if tc.Model != "" {
			opts = append(opts, openai.WithModel(tc.Model))
		}
		if tc.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(tc.BaseURL))
		}
		return openai.New(tc.APIKey, opts...)
	})

	reg.RegisterTranscriber(config.TranscriberWhisper, func(tc config.TranscriberConfig) (stt.Transcriber, error) {
		var opts []whisper.Option
		if tc.Model != "" {
			opts = append(opts, whisper.WithModel(tc.Model))
		}
		if tc.Language != "" {
			opts = append(opts, whisper.WithLanguage(tc.Language))
		}
		return whisper.New(tc.BaseURL, opts...)
	})

	reg.RegisterTranscriber(config.TranscriberWhisperNative, func(tc config.TranscriberConfig) (stt.Transcriber, error) {
		var opts []native.Option
		if tc.Language != "" {
			opts = append(opts, native.WithLanguage(tc.Language))
		}
		return native.New(tc.ModelPath, opts...)
	})
}

// buildTranscriber instantiates the configured backend and, when fallbacks are
// declared, wraps everything in a failover group with per-backend circuit
// breakers.
func buildTranscriber(cfg *config.Config, reg *config.Registry) (stt.Transcriber, error) {
	primary, err := reg.CreateTranscriber(cfg.Transcriber)
	if err != nil {
		return nil, fmt.Errorf("create transcriber %q: %w", cfg.Transcriber.Name, err)
	}
	slog.Info("transcriber created", "name", cfg.Transcriber.Name, "model", cfg.Transcriber.Model)

	if len(cfg.Transcriber.Fallbacks) == 0 {
		return primary, nil
	}

	ft := resilience.NewFallbackTranscriber(primary, string(cfg.Transcriber.Name), resilience.FallbackConfig{})
	for _, fb := range cfg.Transcriber.Fallbacks {
		t, err := reg.CreateTranscriber(fb)
		if err != nil {
			return nil, fmt.Errorf("create fallback transcriber %q: %w", fb.Name, err)
		}
		ft.AddFallback(string(fb.Name), t)
		slog.Info("fallback transcriber created", "name", fb.Name, "model", fb.Model)
	}
	return ft, nil
}

// usesNativeBackend reports whether the primary or any fallback runs whisper
// in-process.
func usesNativeBackend(tc config.TranscriberConfig) bool {
	if tc.Name == config.TranscriberWhisperNative {
		return true
	}
	for _, fb := range tc.Fallbacks {
		if fb.Name == config.TranscriberWhisperNative {
			return true
		}
	}
	return false
}

// ── Hot reload ────────────────────────────────────────────────────────────────

// onConfigChange applies what can be applied live (log level) and tells the
// operator which changes need a restart.
func onConfigChange(logLevel *slog.LevelVar, old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Any() {
		return
	}
	if d.LogLevelChanged {
		logLevel.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level updated", "level", d.NewLogLevel)
	}
	if d.TranscriberChanged {
		slog.Warn("transcriber config changed — restart to apply")
	}
	if d.PipelineChanged {
		slog.Warn("pipeline config changed — restart to apply")
	}
}

// ── Logger ────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
