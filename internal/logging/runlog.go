package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// RunLog records the output of one run in its log file while mirroring it
// to the terminal. It implements io.WriteCloser.
//
// The log file is authoritative: once the mirror fails it is dropped and
// the run keeps being logged.
type RunLog struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	mirror    io.Writer
	mirrorErr error
}

// Create opens the log file of runID, replacing any previous one. Writes are
// mirrored to mirror unless it is nil.
func (p *PathManager) Create(runID string, mirror io.Writer) (*RunLog, error) {
	path, err := p.EnsureRunLog(runID)
	if err != nil {
		return nil, err
	}
	//nolint:gosec // G304: path is built by PathManager from a run ID
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create run log: %w", err)
	}
	return &RunLog{file: f, path: path, mirror: mirror}, nil
}

// Write appends b to the log, then mirrors it. Only log failures are
// returned; see MirrorErr.
func (l *RunLog) Write(b []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return 0, os.ErrClosed
	}
	if _, err := l.file.Write(b); err != nil {
		return 0, fmt.Errorf("write run log: %w", err)
	}

	if l.mirror != nil {
		if _, err := l.mirror.Write(b); err != nil {
			l.mirrorErr = err
			l.mirror = nil
		}
	}
	return len(b), nil
}

// MirrorErr returns the error that stopped mirroring, if any.
func (l *RunLog) MirrorErr() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mirrorErr
}

// Path returns the log file path. It stays valid after Close.
func (l *RunLog) Path() string {
	return l.path
}

// Close flushes and closes the log file. The mirror is left open. Closing
// twice is a no-op.
func (l *RunLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil

	syncErr := f.Sync()
	if err := f.Close(); err != nil {
		return fmt.Errorf("close run log: %w", err)
	}
	if syncErr != nil {
		return fmt.Errorf("sync run log: %w", syncErr)
	}
	return nil
}
