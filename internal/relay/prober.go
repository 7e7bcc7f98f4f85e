package relay

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/macrelay/macrelay/internal/ffmpeg"
	"github.com/macrelay/macrelay/internal/observability"
)

// Prober verifies that a resolved link actually delivers media before a
// session is handed to a client. The check is advisory: it catches dead
// links early but a passing probe does not guarantee playback.
type Prober struct {
	ffprobePath string
	timeoutSec  int
	logger      *slog.Logger
}

// NewProber creates a prober using the given ffprobe binary. timeoutSec is
// the input timeout in seconds, passed to ffprobe in microseconds.
func NewProber(ffprobePath string, timeoutSec int, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		ffprobePath: ffprobePath,
		timeoutSec:  timeoutSec,
		logger:      observability.WithComponent(logger, "prober"),
	}
}

// Available reports whether probing is possible (ffprobe was found).
func (p *Prober) Available() bool {
	return p != nil && p.ffprobePath != ""
}

// Probe runs ffprobe against the link. Success is exit status zero; any
// other outcome means the link is not serving a stream.
func (p *Prober) Probe(ctx context.Context, link, proxy string) bool {
	timeoutMicros := strconv.Itoa(p.timeoutSec * 1_000_000)

	args := []string{"-timeout", timeoutMicros}
	if proxy != "" {
		args = append(args, "-http_proxy", proxy)
	}
	args = append(args, "-i", link)

	// Bound the subprocess itself; ffprobe's -timeout only covers socket
	// reads, not DNS or TLS stalls.
	ctx, cancel := context.WithTimeout(ctx, time.Duration(p.timeoutSec+5)*time.Second)
	defer cancel()

	cmd := ffmpeg.NewCommand(p.ffprobePath, args)
	start := time.Now()
	err := cmd.Run(ctx)
	if err != nil {
		p.logger.Debug("stream probe failed",
			slog.String("link", link),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("stderr", cmd.LastStderrLine()),
		)
		return false
	}
	return true
}
