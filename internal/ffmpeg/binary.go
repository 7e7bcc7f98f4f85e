// Package ffmpeg provides FFmpeg/FFprobe binary discovery and a process
// wrapper for supervised transcoder subprocesses.
package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Binaries holds resolved paths to the ffmpeg and ffprobe executables.
type Binaries struct {
	FFmpeg  string
	FFprobe string
}

// FindBinaries resolves ffmpeg and ffprobe paths. Explicit overrides win;
// otherwise $PATH is searched. ffmpeg is required, ffprobe is optional
// (stream probing is skipped without it).
func FindBinaries(ffmpegOverride, ffprobeOverride string) (Binaries, error) {
	var b Binaries

	ffmpegPath, err := find("ffmpeg", ffmpegOverride)
	if err != nil {
		return b, fmt.Errorf("ffmpeg not found: %w", err)
	}
	b.FFmpeg = ffmpegPath

	if ffprobePath, err := find("ffprobe", ffprobeOverride); err == nil {
		b.FFprobe = ffprobePath
	}

	return b, nil
}

func find(name, override string) (string, error) {
	if override != "" {
		if _, err := os.Stat(override); err != nil {
			return "", fmt.Errorf("configured %s path %q: %w", name, override, err)
		}
		return override, nil
	}
	return exec.LookPath(name)
}

// Version returns the version string of the given ffmpeg binary.
func Version(ctx context.Context, binary string) (string, error) {
	out, err := exec.CommandContext(ctx, binary, "-version").Output()
	if err != nil {
		return "", fmt.Errorf("running %s -version: %w", binary, err)
	}
	line, _, _ := strings.Cut(string(out), "\n")
	fields := strings.Fields(line)
	if len(fields) >= 3 {
		return fields[2], nil
	}
	return "", fmt.Errorf("unexpected version output from %s", binary)
}
