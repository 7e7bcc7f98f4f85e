// Package startup provides utilities for application startup tasks.
package startup

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/macrelay/macrelay/internal/relay"
)

// CleanupOrphanedStreamDirs removes transcoder scratch directories left
// behind by a previous run. A crashed process cannot reclaim its own dirs,
// so every boot sweeps the stream base directory for matching orphans.
//
// Returns the number of directories removed.
func CleanupOrphanedStreamDirs(logger *slog.Logger, baseDir string) (int, error) {
	if _, err := os.Stat(baseDir); os.IsNotExist(err) {
		logger.Debug("stream directory does not exist, skipping cleanup",
			slog.String("path", baseDir),
		)
		return 0, nil
	}

	entries, err := os.ReadDir(baseDir)
	if err != nil {
		logger.Error("failed to read stream directory for cleanup",
			slog.String("path", baseDir),
			slog.String("error", err.Error()),
		)
		return 0, err
	}

	var removed int
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), relay.TempDirPrefix) {
			continue
		}

		dirPath := filepath.Join(baseDir, entry.Name())
		if err := os.RemoveAll(dirPath); err != nil {
			logger.Warn("failed to remove orphaned stream directory",
				slog.String("path", dirPath),
				slog.String("error", err.Error()),
			)
			continue
		}

		logger.Info("removed orphaned stream directory", slog.String("path", dirPath))
		removed++
	}

	return removed, nil
}

// EnsureDirectories creates the directories the server writes into.
func EnsureDirectories(paths ...string) error {
	for _, p := range paths {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// Uptime tracking for the health endpoint.
var startedAt = time.Now()

// StartedAt returns when the process booted.
func StartedAt() time.Time {
	return startedAt
}
