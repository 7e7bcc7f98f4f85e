package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/macrelay/macrelay/internal/ffmpeg"
	"github.com/macrelay/macrelay/internal/observability"
)

// pipeChunkSize is the read granularity for copying subprocess stdout into
// the response body.
const pipeChunkSize = 32 * 1024

// Piper delivers a resolved stream as a continuous byte pipe: ffmpeg pulls
// the upstream link and its stdout becomes the HTTP response body.
type Piper struct {
	ffmpegPath string
	template   string
	timeoutSec int
	occ        *Occupancy
	rotation   *Rotation
	logger     *slog.Logger
}

// NewPiper creates a pipe deliverer using the configured command template.
func NewPiper(ffmpegPath, template string, timeoutSec int, occ *Occupancy, rotation *Rotation, logger *slog.Logger) *Piper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Piper{
		ffmpegPath: ffmpegPath,
		template:   template,
		timeoutSec: timeoutSec,
		occ:        occ,
		rotation:   rotation,
		logger:     observability.WithComponent(logger, "pipe"),
	}
}

// BuildPipeArgs expands the command template for a session. <url> and
// <timeout> are always substituted; when the portal has no proxy the entire
// "-http_proxy <proxy>" pair is dropped rather than left dangling.
func BuildPipeArgs(template, link, proxy string, timeoutSec int) []string {
	cmd := template
	if proxy != "" {
		cmd = strings.ReplaceAll(cmd, "<proxy>", proxy)
	} else {
		cmd = strings.ReplaceAll(cmd, "-http_proxy <proxy>", "")
	}
	cmd = strings.ReplaceAll(cmd, "<url>", link)
	cmd = strings.ReplaceAll(cmd, "<timeout>", strconv.Itoa(timeoutSec*1_000_000))
	return strings.Fields(cmd)
}

// buildWebPipeArgs constructs the fragmented-MP4 pipe used by browser
// clients, which cannot play raw MPEG-TS.
func buildWebPipeArgs(link, proxy string) []string {
	args := []string{"-loglevel", "panic", "-hide_banner"}
	if proxy != "" {
		args = append(args, "-http_proxy", proxy)
	}
	args = append(args,
		"-i", link,
		"-vcodec", "copy",
		"-f", "mp4",
		"-movflags", "frag_keyframe+empty_moov",
		"pipe:",
	)
	return args
}

// Stream runs ffmpeg for the resolution and copies its stdout to w until the
// upstream ends or ctx (the client request) is cancelled. The occupancy
// entry is released and the subprocess killed on every exit path. A nonzero
// exit at end of stream demotes the MAC, matching the session-failure policy.
func (p *Piper) Stream(ctx context.Context, w io.Writer, res *Resolution, web bool) error {
	var args []string
	if web {
		args = buildWebPipeArgs(res.Link, res.Portal.Proxy)
	} else {
		args = BuildPipeArgs(p.template, res.Link, res.Portal.Proxy, p.timeoutSec)
	}

	cmd := ffmpeg.NewCommand(p.ffmpegPath, args)

	defer func() {
		p.occ.Release(res.Entry)
		_ = cmd.Kill()
		_ = cmd.Wait()
		p.logger.Info("pipe session ended",
			slog.String("portal", res.Portal.Name),
			slog.String("mac", res.MAC),
			slog.String("channel_name", res.ChannelName),
		)
	}()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("preparing pipe: %w", err)
	}
	if err := cmd.StartPrepared(); err != nil {
		return fmt.Errorf("starting pipe transcoder: %w", err)
	}

	p.logger.Info("pipe session started",
		slog.String("portal", res.Portal.Name),
		slog.String("mac", res.MAC),
		slog.String("channel_name", res.ChannelName),
		slog.String("client", res.Entry.ClientAddr),
		slog.Bool("web", web),
	)

	// Kill the subprocess promptly when the client goes away.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = cmd.Kill()
		case <-watchDone:
		}
	}()

	copyErr := p.copyChunks(w, stdout)
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		// Client disconnect, not an upstream failure.
		return nil
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			p.logger.Info("transcoder exited with error, demoting MAC",
				slog.Int("exit_code", exitErr.ExitCode()),
				slog.String("mac", res.MAC),
				slog.String("portal", res.Portal.Name),
			)
		}
		rotCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		p.rotation.OnFailure(rotCtx, res.Portal.ID, res.MAC)
		return fmt.Errorf("pipe transcoder failed: %w", waitErr)
	}
	return copyErr
}

func (p *Piper) copyChunks(w io.Writer, r io.Reader) error {
	flusher, canFlush := w.(interface{ Flush() })

	buf := make([]byte, pipeChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return nil // client went away
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading transcoder output: %w", err)
		}
	}
}
