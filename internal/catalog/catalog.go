// Package catalog provides persistent storage for run history.
package catalog

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for catalog operations.
var (
	ErrNotFound      = errors.New("run not found")
	ErrAlreadyExists = errors.New("run already exists")
	ErrLockTimeout   = errors.New("failed to acquire catalog lock")
)

// Status represents the run lifecycle state.
type Status string

const (
	StatusRunning     Status = "running"
	StatusSucceeded   Status = "succeeded"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
	StatusLaunchError Status = "launch_error"
)

// Final reports whether the status is terminal.
func (s Status) Final() bool {
	return s != StatusRunning && s != ""
}

// Entry represents a persisted run record.
type Entry struct {
	ID         string        `json:"id"`
	Name       string        `json:"name,omitempty"` // Memorable alias, unique among recorded runs
	Build      string        `json:"build"`          // Build name, or the command line when unnamed
	Command    string        `json:"command"`        // Command as specified
	Shell      bool          `json:"shell"`          // Command is a shell line
	Dir        string        `json:"dir"`
	Revision   string        `json:"revision,omitempty"` // Source revision, e.g. main@a1b2c3d
	PID        int           `json:"pid,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at,omitzero"`
	Duration   time.Duration `json:"duration"`
	ExitCode   int           `json:"exit_code"`
	Status     Status        `json:"status"`
	Error      string        `json:"error,omitempty"` // Launch failure message
	LogPath    string        `json:"log_path,omitempty"`
}

// ListFilter filters catalog queries.
type ListFilter struct {
	Build  string // Filter by build name (empty = all)
	Status Status // Filter by status (empty = all)
	Limit  int    // Maximum entries to return (0 = all)
}

// Store provides persistent storage for run entries.
type Store interface {
	// Add records a new run.
	// Returns ErrAlreadyExists if a run with the same ID exists.
	Add(ctx context.Context, entry Entry) error

	// Get retrieves a run by name, ID or unique ID prefix.
	// Returns ErrNotFound if not found.
	Get(ctx context.Context, id string) (*Entry, error)

	// Update modifies an existing run.
	// Returns ErrNotFound if not found.
	Update(ctx context.Context, entry Entry) error

	// Remove deletes a run by ID.
	// Returns ErrNotFound if not found.
	Remove(ctx context.Context, id string) error

	// List returns matching runs, newest first.
	List(ctx context.Context, filter ListFilter) ([]Entry, error)

	// Prune keeps the newest keep runs and returns the ones it dropped.
	Prune(ctx context.Context, keep int) ([]Entry, error)
}
