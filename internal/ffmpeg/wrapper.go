package ffmpeg

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Command wraps a single FFmpeg subprocess.
type Command struct {
	Binary string
	Args   []string
	// Dir is the working directory for the subprocess. Segmented output is
	// written relative to it.
	Dir string

	cmd     *exec.Cmd
	started time.Time
	mu      sync.RWMutex

	waitOnce sync.Once
	waitErr  error

	stderrMu    sync.RWMutex
	stderrLines []string
}

// NewCommand creates a command for the given binary and arguments.
func NewCommand(binary string, args []string) *Command {
	return &Command{
		Binary: binary,
		Args:   args,
	}
}

// String returns the command line for logging.
func (c *Command) String() string {
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// Start launches the subprocess without waiting. Stderr is captured in a
// bounded in-memory ring for post-mortem logging.
func (c *Command) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd != nil {
		return fmt.Errorf("command already started")
	}

	cmd := exec.CommandContext(ctx, c.Binary, c.Args...)
	cmd.Dir = c.Dir

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("getting stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", c.Binary, err)
	}

	c.cmd = cmd
	c.started = time.Now()
	go c.captureStderr(stderr)
	return nil
}

// StdoutPipe returns the subprocess stdout. Must be called before Start.
func (c *Command) StdoutPipe() (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd != nil {
		return nil, fmt.Errorf("command already started")
	}
	cmd := exec.Command(c.Binary, c.Args...)
	cmd.Dir = c.Dir
	pipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("getting stdout pipe: %w", err)
	}
	c.cmd = cmd
	return pipe, nil
}

// StartPrepared launches a command prepared with StdoutPipe.
func (c *Command) StartPrepared() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd == nil {
		return fmt.Errorf("command not prepared")
	}
	stderr, err := c.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("getting stderr pipe: %w", err)
	}
	if err := c.cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", c.Binary, err)
	}
	c.started = time.Now()
	go c.captureStderr(stderr)
	return nil
}

// Wait blocks until the subprocess exits. Safe to call from multiple
// goroutines; all callers observe the same result.
func (c *Command) Wait() error {
	c.mu.RLock()
	cmd := c.cmd
	c.mu.RUnlock()

	if cmd == nil {
		return fmt.Errorf("command not started")
	}

	c.waitOnce.Do(func() {
		c.waitErr = cmd.Wait()
	})
	return c.waitErr
}

// Exited reports whether the subprocess has terminated, without blocking.
func (c *Command) Exited() bool {
	c.mu.RLock()
	cmd := c.cmd
	c.mu.RUnlock()

	if cmd == nil || cmd.Process == nil {
		return false
	}
	// Signal 0 probes process existence.
	return cmd.Process.Signal(syscall.Signal(0)) != nil
}

// IsRunning returns true if the subprocess was started and has not exited.
func (c *Command) IsRunning() bool {
	c.mu.RLock()
	cmd := c.cmd
	c.mu.RUnlock()

	if cmd == nil || cmd.Process == nil {
		return false
	}
	return !c.Exited()
}

// Kill terminates the subprocess immediately.
func (c *Command) Kill() error {
	c.mu.RLock()
	cmd := c.cmd
	c.mu.RUnlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// Signal sends a signal to the subprocess.
func (c *Command) Signal(sig os.Signal) error {
	c.mu.RLock()
	cmd := c.cmd
	c.mu.RUnlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Signal(sig)
}

// GracefulStop sends SIGTERM and waits up to the grace period for the
// subprocess to exit before killing it. The process is always reaped.
func (c *Command) GracefulStop(grace time.Duration) {
	c.mu.RLock()
	cmd := c.cmd
	c.mu.RUnlock()

	if cmd == nil || cmd.Process == nil {
		return
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_ = c.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		_ = cmd.Process.Kill()
		<-done
	}
}

// Duration returns how long the subprocess has been running.
func (c *Command) Duration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.started.IsZero() {
		return 0
	}
	return time.Since(c.started)
}

// StderrLines returns the recent stderr lines captured from the subprocess.
func (c *Command) StderrLines() []string {
	c.stderrMu.RLock()
	defer c.stderrMu.RUnlock()

	lines := make([]string, len(c.stderrLines))
	copy(lines, c.stderrLines)
	return lines
}

// LastStderrLine returns the most recent stderr line, or empty.
func (c *Command) LastStderrLine() string {
	c.stderrMu.RLock()
	defer c.stderrMu.RUnlock()

	if len(c.stderrLines) == 0 {
		return ""
	}
	return c.stderrLines[len(c.stderrLines)-1]
}

const maxStderrLines = 100

func (c *Command) captureStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		c.stderrMu.Lock()
		if len(c.stderrLines) >= maxStderrLines {
			c.stderrLines = c.stderrLines[1:]
		}
		c.stderrLines = append(c.stderrLines, line)
		c.stderrMu.Unlock()
	}
}

// Run starts the command and waits for completion.
func (c *Command) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	return c.Wait()
}
