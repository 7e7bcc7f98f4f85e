package relay

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/macrelay/macrelay/internal/config"
	"github.com/macrelay/macrelay/internal/ffmpeg"
	"github.com/macrelay/macrelay/internal/models"
	"github.com/macrelay/macrelay/internal/observability"
)

// TempDirPrefix marks transcoder scratch directories so orphans from a
// previous run can be identified and removed at startup.
const TempDirPrefix = "macrelay-hls-"

// terminateGrace is how long a reclaimed subprocess gets to exit after
// SIGTERM before it is killed.
const terminateGrace = 3 * time.Second

// StreamKey identifies one managed transcoder stream.
type StreamKey struct {
	PortalID  models.ULID
	ChannelID string
}

func (k StreamKey) String() string {
	return k.PortalID.String() + "/" + k.ChannelID
}

// ManagedStream is one running transcoder subprocess and its scratch dir.
type ManagedStream struct {
	Key       StreamKey
	Dir       string
	Link      string
	StartedAt time.Time

	cmd  *ffmpeg.Command
	done chan struct{} // closed when the subprocess exits

	// entry is the occupancy held for the lifetime of this stream.
	entry Entry

	mu         sync.Mutex
	lastAccess time.Time
}

// Touch refreshes the stream's idle timer.
func (s *ManagedStream) Touch() {
	s.mu.Lock()
	s.lastAccess = time.Now()
	s.mu.Unlock()
}

// LastAccess returns when the stream was last polled by a client.
func (s *ManagedStream) LastAccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

// Exited reports whether the subprocess has terminated.
func (s *ManagedStream) Exited() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// HLSManager supervises the pool of transcoder subprocesses for segmented
// delivery. It enforces the pool capacity, reuses running streams per key,
// and reclaims streams whose subprocess died or whose clients went away.
type HLSManager struct {
	cfg        config.HLSConfig
	ffmpegPath string
	baseDir    string
	timeoutSec int
	occupancy  *Occupancy
	logger     *slog.Logger

	mu      sync.Mutex
	streams map[StreamKey]*ManagedStream

	wg sync.WaitGroup
}

// NewHLSManager creates a manager writing scratch dirs under baseDir.
func NewHLSManager(cfg config.HLSConfig, ffmpegPath, baseDir string, timeoutSec int, occupancy *Occupancy, logger *slog.Logger) *HLSManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &HLSManager{
		cfg:        cfg,
		ffmpegPath: ffmpegPath,
		baseDir:    baseDir,
		timeoutSec: timeoutSec,
		occupancy:  occupancy,
		logger:     observability.WithComponent(logger, "hls"),
		streams:    make(map[StreamKey]*ManagedStream),
	}
}

// Lookup returns the active stream for a key, refreshing its idle timer.
func (m *HLSManager) Lookup(key StreamKey) (*ManagedStream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[key]
	if !ok || s.Exited() {
		return nil, false
	}
	s.Touch()
	return s, true
}

// StartOrReuse returns the running stream for the key, or starts a new
// subprocess. The entry is the occupancy the caller acquired for this
// session; on reuse it is released immediately because the existing stream
// already holds one. Returns ErrMaxStreams when the pool is full.
func (m *HLSManager) StartOrReuse(ctx context.Context, key StreamKey, link, proxy string, entry Entry) (*ManagedStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.streams[key]; ok && !s.Exited() {
		s.Touch()
		m.occupancy.Release(entry)
		m.logger.Debug("reusing active stream", slog.String("key", key.String()))
		return s, nil
	}

	// A dead stream may still occupy the slot until the sweep runs.
	if s, ok := m.streams[key]; ok {
		m.reclaimLocked(s, "subprocess exited")
	}

	if len(m.streams) >= m.cfg.MaxStreams {
		m.occupancy.Release(entry)
		return nil, fmt.Errorf("%w (%d)", ErrMaxStreams, m.cfg.MaxStreams)
	}

	dir, err := os.MkdirTemp(m.baseDir, TempDirPrefix)
	if err != nil {
		m.occupancy.Release(entry)
		return nil, fmt.Errorf("creating stream scratch dir: %w", err)
	}

	args := BuildHLSArgs(link, proxy, m.timeoutSec, m.cfg)
	cmd := ffmpeg.NewCommand(m.ffmpegPath, args)
	cmd.Dir = dir

	// The subprocess must outlive the request that started it; it is tied
	// to the manager's lifecycle, not the request context.
	if err := cmd.Start(context.WithoutCancel(ctx)); err != nil {
		os.RemoveAll(dir)
		m.occupancy.Release(entry)
		return nil, fmt.Errorf("starting transcoder: %w", err)
	}

	s := &ManagedStream{
		Key:        key,
		Dir:        dir,
		Link:       link,
		StartedAt:  time.Now(),
		cmd:        cmd,
		done:       make(chan struct{}),
		entry:      entry,
		lastAccess: time.Now(),
	}
	m.streams[key] = s

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := cmd.Wait()
		close(s.done)
		if err != nil {
			m.logger.Warn("transcoder exited with error",
				slog.String("key", key.String()),
				slog.String("error", err.Error()),
				slog.String("stderr", cmd.LastStderrLine()),
			)
		}
	}()

	m.logger.Info("transcoder started",
		slog.String("key", key.String()),
		slog.String("dir", dir),
		slog.String("segment_type", m.cfg.SegmentType),
	)
	return s, nil
}

// GetFile resolves a filename inside an active stream's scratch dir and
// refreshes the idle timer. Unknown keys return ErrStreamNotFound; names
// that escape the scratch dir are rejected.
func (m *HLSManager) GetFile(key StreamKey, filename string) (string, error) {
	if !validSegmentName(filename) {
		return "", fmt.Errorf("invalid segment name %q", filename)
	}

	m.mu.Lock()
	s, ok := m.streams[key]
	if ok {
		s.Touch()
	}
	m.mu.Unlock()

	if !ok {
		return "", ErrStreamNotFound
	}
	return filepath.Join(s.Dir, filename), nil
}

// WaitForFile blocks until the named file appears in the stream's scratch
// dir or the context expires. Used to hold the first playlist request while
// ffmpeg writes initial output.
func (m *HLSManager) WaitForFile(ctx context.Context, key StreamKey, filename string) (string, error) {
	path, err := m.GetFile(key, filename)
	if err != nil {
		return "", err
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// validSegmentName accepts plain filenames only; anything with a path
// separator or traversal component is rejected.
func validSegmentName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, "/\\") {
		return false
	}
	return filepath.Base(filepath.Clean(name)) == name
}

// Run executes the reclamation sweep until the context is cancelled, then
// tears down all streams.
func (m *HLSManager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.CleanupAll()
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep reclaims streams whose subprocess exited or that no client has
// polled within the inactivity timeout.
func (m *HLSManager) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, s := range m.streams {
		switch {
		case s.Exited():
			m.reclaimLocked(s, "subprocess exited")
		case now.Sub(s.LastAccess()) > m.cfg.InactivityTimeout:
			m.reclaimLocked(s, "inactive")
		}
	}
}

// CleanupAll reclaims every stream. Called on shutdown.
func (m *HLSManager) CleanupAll() {
	m.mu.Lock()
	for _, s := range m.streams {
		m.reclaimLocked(s, "shutdown")
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// ActiveCount returns the number of managed streams.
func (m *HLSManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// Keys returns the keys of all managed streams.
func (m *HLSManager) Keys() []StreamKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]StreamKey, 0, len(m.streams))
	for k := range m.streams {
		keys = append(keys, k)
	}
	return keys
}

// reclaimLocked stops a stream, releases its occupancy, and removes its
// scratch dir. Caller holds m.mu.
func (m *HLSManager) reclaimLocked(s *ManagedStream, reason string) {
	delete(m.streams, s.Key)

	if !s.Exited() {
		s.cmd.GracefulStop(terminateGrace)
	}
	m.occupancy.Release(s.entry)

	if err := os.RemoveAll(s.Dir); err != nil {
		m.logger.Warn("failed to remove stream scratch dir",
			slog.String("dir", s.Dir),
			slog.String("error", err.Error()),
		)
	}

	m.logger.Info("stream reclaimed",
		slog.String("key", s.Key.String()),
		slog.String("reason", reason),
		slog.Duration("lifetime", time.Since(s.StartedAt)),
	)
}
