// Package logging stores the output of each run in its own log file so it
// can be replayed or followed with `buildrun logs`.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const logExt = ".log"

// PathManager handles log file path construction and directory management.
type PathManager struct {
	baseDir string
}

// NewPathManager creates a PathManager rooted at baseDir, typically
// ~/.local/share/buildrun/logs.
func NewPathManager(baseDir string) *PathManager {
	return &PathManager{baseDir: baseDir}
}

// BaseDir returns the base log directory.
func (p *PathManager) BaseDir() string {
	return p.baseDir
}

// RunLogPath returns the log file path for a run: <baseDir>/<runID>.log
func (p *PathManager) RunLogPath(runID string) string {
	return filepath.Join(p.baseDir, runID+logExt)
}

// EnsureRunLog creates the log directory and returns the run's log path.
func (p *PathManager) EnsureRunLog(runID string) (string, error) {
	if err := os.MkdirAll(p.baseDir, 0o750); err != nil {
		return "", fmt.Errorf("create log directory: %w", err)
	}
	return p.RunLogPath(runID), nil
}

// LogExists checks if a log file exists for the run.
func (p *PathManager) LogExists(runID string) bool {
	_, err := os.Stat(p.RunLogPath(runID))
	return err == nil
}

// RemoveRunLog removes a run's log file if it exists.
func (p *PathManager) RemoveRunLog(runID string) error {
	if err := os.Remove(p.RunLogPath(runID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove run log: %w", err)
	}
	return nil
}

// ListRunLogs returns the IDs of runs that have log files.
func (p *PathManager) ListRunLogs() ([]string, error) {
	entries, err := os.ReadDir(p.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read log directory: %w", err)
	}

	var runs []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if name, ok := strings.CutSuffix(entry.Name(), logExt); ok {
			runs = append(runs, name)
		}
	}
	return runs, nil
}
