// Package media wraps the external ffmpeg/ffprobe toolchain used to decode
// uploaded audio and encode per-segment byte buffers for transcription.
//
// The toolchain is resolved once at startup (see [ResolveToolchain]) and
// injected into [Decoder] and [Encoder]; nothing in this package reads
// ambient global state. An unresolvable toolchain is a fatal configuration
// error and the process must not accept uploads.
package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
)

// Toolchain holds resolved absolute paths to the ffmpeg and ffprobe binaries.
type Toolchain struct {
	FFmpegPath  string
	FFprobePath string
}

// ErrToolchainNotFound is wrapped by the error returned from
// [ResolveToolchain] when no usable ffmpeg/ffprobe pair can be located.
var ErrToolchainNotFound = errors.New("ffmpeg/ffprobe not found")

// remediation is appended to the resolution error so the operator knows how
// to fix the deployment before retrying.
const remediation = `install ffmpeg and ffprobe, or point FFMPEG_PATH and FFPROBE_PATH at the binaries:
  - Windows: download ffmpeg and add its bin directory to PATH
  - macOS:   brew install ffmpeg
  - Linux:   apt-get install ffmpeg (or your distribution's equivalent)`

// commonLocations lists well-known install paths probed as a last resort,
// mirroring the lookup order users expect on each platform.
func commonLocations() (ffmpeg, ffprobe []string) {
	if runtime.GOOS == "windows" {
		return []string{
				`D:\ffmpeg\bin\ffmpeg.exe`,
				`C:\ffmpeg\bin\ffmpeg.exe`,
				`C:\Program Files\ffmpeg\bin\ffmpeg.exe`,
			}, []string{
				`D:\ffmpeg\bin\ffprobe.exe`,
				`C:\ffmpeg\bin\ffprobe.exe`,
				`C:\Program Files\ffmpeg\bin\ffprobe.exe`,
			}
	}
	return []string{
			"/usr/local/bin/ffmpeg",
			"/opt/homebrew/bin/ffmpeg",
			"/usr/bin/ffmpeg",
		}, []string{
			"/usr/local/bin/ffprobe",
			"/opt/homebrew/bin/ffprobe",
			"/usr/bin/ffprobe",
		}
}

// ResolveToolchain locates ffmpeg and ffprobe. Candidates are tried in
// priority order:
//
//  1. The explicit paths passed in (typically from the config file).
//  2. The FFMPEG_PATH and FFPROBE_PATH environment variables.
//  3. The system search path.
//  4. A fixed list of common installation locations.
//
// Both binaries must resolve; a partial toolchain is useless. The returned
// error wraps [ErrToolchainNotFound] and includes remediation instructions.
func ResolveToolchain(ffmpegPath, ffprobePath string) (Toolchain, error) {
	ffmpeg := resolveBinary(ffmpegPath, os.Getenv("FFMPEG_PATH"), "ffmpeg")
	ffprobe := resolveBinary(ffprobePath, os.Getenv("FFPROBE_PATH"), "ffprobe")

	if ffmpeg == "" || ffprobe == "" {
		cffmpeg, cffprobe := commonLocations()
		if ffmpeg == "" {
			ffmpeg = firstExisting(cffmpeg)
		}
		if ffprobe == "" {
			ffprobe = firstExisting(cffprobe)
		}
	}

	if ffmpeg == "" || ffprobe == "" {
		return Toolchain{}, fmt.Errorf("media: %w\n%s", ErrToolchainNotFound, remediation)
	}
	return Toolchain{FFmpegPath: ffmpeg, FFprobePath: ffprobe}, nil
}

// Check verifies the resolved binaries still exist, for readiness probes.
func (t Toolchain) Check(_ context.Context) error {
	for _, p := range []string{t.FFmpegPath, t.FFprobePath} {
		if fi, err := os.Stat(p); err != nil || fi.IsDir() {
			return fmt.Errorf("media: %q is not a usable binary", p)
		}
	}
	return nil
}

// resolveBinary tries the explicit path, then the env override, then the
// system search path. Returns "" when none yields an existing binary.
func resolveBinary(explicit, env, name string) string {
	for _, p := range []string{explicit, env} {
		if p == "" {
			continue
		}
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p
		}
	}
	if p, err := exec.LookPath(name); err == nil {
		return p
	}
	return ""
}

// firstExisting returns the first path in candidates that exists as a
// regular file, or "".
func firstExisting(candidates []string) string {
	for _, p := range candidates {
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p
		}
	}
	return ""
}
