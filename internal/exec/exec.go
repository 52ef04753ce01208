// Package exec launches child processes asynchronously and streams their
// output to a Listener while they run.
package exec

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jmgilman/buildrun/internal/environ"
)

// ChunkSize is the maximum number of bytes delivered per callback.
const ChunkSize = 32 * 1024

// StillRunning is the exit code reported while the process has not exited.
const StillRunning = -1

// ErrConfiguration is returned when a command specification is unusable.
var ErrConfiguration = errors.New("invalid command configuration")

// LaunchError reports that the OS refused to create the child process.
// No readers were started and no callbacks will ever fire.
type LaunchError struct {
	Argv []string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", strings.Join(e.Argv, " "), e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// CommandSpec describes what to run. Exactly one of Argv or Shell is set.
type CommandSpec struct {
	// Argv is the program and its arguments, passed without shell interpretation.
	Argv []string
	// Shell is a command line interpreted by the platform shell.
	Shell string
}

// Argv returns a spec that runs args verbatim.
func Argv(args ...string) CommandSpec {
	return CommandSpec{Argv: args}
}

// ShellLine returns a spec that runs line through the platform shell.
func ShellLine(line string) CommandSpec {
	return CommandSpec{Shell: line}
}

// IsShell reports whether the spec is a shell line.
func (s CommandSpec) IsShell() bool {
	return s.Shell != ""
}

// Validate checks that exactly one variant is populated.
func (s CommandSpec) Validate() error {
	switch {
	case len(s.Argv) == 0 && s.Shell == "":
		return fmt.Errorf("%w: shell command or argument vector is required", ErrConfiguration)
	case len(s.Argv) > 0 && s.Shell != "":
		return fmt.Errorf("%w: shell command and argument vector are mutually exclusive", ErrConfiguration)
	case len(s.Argv) > 0 && s.Argv[0] == "":
		return fmt.Errorf("%w: empty program name", ErrConfiguration)
	}
	return nil
}

// String renders the spec for display.
func (s CommandSpec) String() string {
	if s.IsShell() {
		return s.Shell
	}
	return strings.Join(s.Argv, " ")
}

// Options tunes how the child is launched.
type Options struct {
	// PathOverride replaces PATH for the child and for executable lookup.
	// Embed $PATH to keep the inherited entries, e.g. "$PATH:/opt/bin".
	PathOverride string

	// UseHelper wraps an argument vector in the buildrun-helper companion so
	// Kill can request termination through a stdin handshake. Windows only.
	UseHelper bool

	// RawShell runs an argument vector through the shell. Ignored for shell lines.
	RawShell bool

	// Dir is the child's working directory. Empty means the current directory.
	Dir string

	// Shell is the POSIX shell used for shell lines. Defaults to /bin/bash.
	Shell string

	// HelperPath locates buildrun-helper. Defaults to a sibling of the running
	// executable, then a lookup on the child PATH.
	HelperPath string
}

// Executor starts child processes.
type Executor interface {
	// Start launches spec and returns without waiting for output or exit.
	// Returns an error wrapping ErrConfiguration or a *LaunchError.
	Start(spec CommandSpec, env environ.Map, listener Listener, opts Options) (*Process, error)

	// Run launches spec and waits for it, collecting its output.
	// Returns an *ExitError alongside the Result on a non-zero exit.
	Run(ctx context.Context, spec CommandSpec, env environ.Map, opts Options) (*Result, error)
}

type executor struct{}

// New returns an Executor backed by os/exec.
func New() Executor {
	return &executor{}
}

func (e *executor) Start(spec CommandSpec, env environ.Map, listener Listener, opts Options) (*Process, error) {
	return Start(spec, env, listener, opts)
}

func (e *executor) Run(ctx context.Context, spec CommandSpec, env environ.Map, opts Options) (*Result, error) {
	return Run(ctx, spec, env, opts)
}
