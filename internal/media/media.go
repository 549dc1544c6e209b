package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
)

// UnsupportedFormatError reports that ffprobe could not make sense of an
// uploaded file. It aborts the whole upload; no transcript is produced.
type UnsupportedFormatError struct {
	Path string
	Err  error
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("media: unsupported or unreadable audio %q: %v", e.Path, e.Err)
}

func (e *UnsupportedFormatError) Unwrap() error { return e.Err }

// Timeline is an opaque handle to a decoded upload: the backing file on disk
// plus its probed duration. It is immutable once decoded and owned by the
// pipeline invocation that decoded it; call Release when the final segment
// has been encoded.
type Timeline struct {
	path       string
	durationMS int64
	released   atomic.Bool
}

// DurationMS returns the probed total duration in milliseconds.
func (t *Timeline) DurationMS() int64 { return t.durationMS }

// Path returns the backing file path.
func (t *Timeline) Path() string { return t.path }

// Release removes the backing upload file. Safe to call more than once and
// tolerant of the file already being gone.
func (t *Timeline) Release() error {
	if t.released.Swap(true) {
		return nil
	}
	if err := os.Remove(t.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("media: release %q: %w", t.path, err)
	}
	return nil
}

// Decoder probes uploaded files with ffprobe.
type Decoder struct {
	tc Toolchain
}

// NewDecoder creates a Decoder using the resolved toolchain.
func NewDecoder(tc Toolchain) *Decoder {
	return &Decoder{tc: tc}
}

// Decode probes the file at path and returns its Timeline. Files ffprobe
// cannot parse yield an *UnsupportedFormatError.
func (d *Decoder) Decode(ctx context.Context, path string) (*Timeline, error) {
	// ffprobe -v error -show_entries format=duration -of default=noprint_wrappers=1:nokey=1 <path>
	cmd := exec.CommandContext(ctx, d.tc.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, &UnsupportedFormatError{Path: path, Err: probeErr(err, &stderr)}
	}

	ms, err := parseDurationMS(string(out))
	if err != nil {
		return nil, &UnsupportedFormatError{Path: path, Err: err}
	}
	return &Timeline{path: path, durationMS: ms}, nil
}

// parseDurationMS converts ffprobe's duration output (seconds as a decimal
// string, e.g. "1500.123456") to whole milliseconds, rounding down.
func parseDurationMS(out string) (int64, error) {
	s := strings.TrimSpace(out)
	if s == "" || s == "N/A" {
		return 0, fmt.Errorf("ffprobe reported no duration (%q)", s)
	}
	sec, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse ffprobe duration %q: %w", s, err)
	}
	if sec < 0 {
		return 0, fmt.Errorf("ffprobe reported negative duration %q", s)
	}
	return int64(sec * 1000), nil
}

// Format selects the container/codec the Encoder emits.
type Format string

const (
	// FormatMP3 is a lossy MP3 at ffmpeg's default bitrate — compact enough
	// to upload to remote transcription APIs.
	FormatMP3 Format = "mp3"

	// FormatWAV16kMono is uncompressed 16 kHz mono PCM WAV, the input the
	// in-process whisper.cpp backend expects.
	FormatWAV16kMono Format = "wav16k"
)

// Ext returns the file extension (with dot) for spooled artifacts.
func (f Format) Ext() string {
	if f == FormatWAV16kMono {
		return ".wav"
	}
	return ".mp3"
}

// Encoder cuts a sub-range out of a Timeline and encodes it in memory.
type Encoder struct {
	tc     Toolchain
	format Format
}

// EncoderOption is a functional option for configuring an Encoder.
type EncoderOption func(*Encoder)

// WithFormat selects the output format. Defaults to [FormatMP3].
func WithFormat(f Format) EncoderOption {
	return func(e *Encoder) { e.format = f }
}

// NewEncoder creates an Encoder using the resolved toolchain.
func NewEncoder(tc Toolchain, opts ...EncoderOption) *Encoder {
	e := &Encoder{tc: tc, format: FormatMP3}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Format returns the configured output format.
func (e *Encoder) Format() Format { return e.format }

// Encode renders the [startMS, endMS) range of t into an encoded byte buffer.
// The buffer is held entirely in memory; the caller owns its lifetime.
func (e *Encoder) Encode(ctx context.Context, t *Timeline, startMS, endMS int64) ([]byte, error) {
	if startMS < 0 || endMS <= startMS {
		return nil, fmt.Errorf("media: invalid range [%d, %d)", startMS, endMS)
	}

	args := []string{
		"-v", "error",
		"-ss", msToSeconds(startMS),
		"-t", msToSeconds(endMS - startMS),
		"-i", t.path,
		"-vn",
	}
	switch e.format {
	case FormatWAV16kMono:
		args = append(args, "-ac", "1", "-ar", "16000", "-f", "wav")
	default:
		args = append(args, "-codec:a", "libmp3lame", "-f", "mp3")
	}
	args = append(args, "pipe:1")

	cmd := exec.CommandContext(ctx, e.tc.FFmpegPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("media: encode [%d, %d) of %q: %w", startMS, endMS, t.path, probeErr(err, &stderr))
	}
	return stdout.Bytes(), nil
}

// msToSeconds formats a millisecond count as the fractional-seconds string
// ffmpeg expects for -ss/-t.
func msToSeconds(ms int64) string {
	return fmt.Sprintf("%d.%03d", ms/1000, ms%1000)
}

// probeErr augments an exec error with captured stderr, which is where
// ffmpeg/ffprobe put the human-readable cause.
func probeErr(err error, stderr *bytes.Buffer) error {
	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		return fmt.Errorf("%w: %s", err, msg)
	}
	return err
}
