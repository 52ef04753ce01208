// Package git describes the checkout a build runs in.
package git

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jmgilman/buildrun/internal/environ"
	"github.com/jmgilman/buildrun/internal/exec"
)

// ErrNotRepository is returned when the directory is not inside a work tree.
var ErrNotRepository = errors.New("not a git repository")

const shortHashLen = 7

// Revision identifies the checked-out state of a repository.
type Revision struct {
	Root   string // Absolute path to the repository root
	Branch string // Current branch, empty when HEAD is detached
	Commit string // Full commit hash, empty before the first commit
	Dirty  bool   // Tracked files have uncommitted changes
}

// ShortCommit returns the abbreviated commit hash.
func (r Revision) ShortCommit() string {
	if len(r.Commit) > shortHashLen {
		return r.Commit[:shortHashLen]
	}
	return r.Commit
}

// String formats the revision as "branch@hash", or just the hash when HEAD
// is detached. Uncommitted changes add a "+dirty" suffix.
func (r Revision) String() string {
	var s string
	switch {
	case r.Branch != "" && r.Commit != "":
		s = r.Branch + "@" + r.ShortCommit()
	case r.Branch != "":
		s = r.Branch
	default:
		s = r.ShortCommit()
	}
	if r.Dirty {
		s += "+dirty"
	}
	return s
}

// Reader queries repositories with the git CLI.
type Reader struct {
	exec exec.Executor
}

// NewReader creates a Reader that runs git through e.
func NewReader(e exec.Executor) *Reader {
	return &Reader{exec: e}
}

// Read describes the repository containing dir.
// Returns ErrNotRepository if dir is not inside a work tree.
func (r *Reader) Read(ctx context.Context, dir string) (Revision, error) {
	root, err := r.git(ctx, dir, "rev-parse", "--show-toplevel")
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && strings.Contains(string(exitErr.Stderr), "not a git repository") {
			return Revision{}, ErrNotRepository
		}
		return Revision{}, fmt.Errorf("get repository root: %w", err)
	}
	rev := Revision{Root: root}

	// Both queries exit 1 for the expected empty answer: a detached HEAD
	// and a branch with no commits yet.
	rev.Branch, err = r.git(ctx, root, "symbolic-ref", "--quiet", "--short", "HEAD")
	if err != nil && !exitedWith(err, 1) {
		return rev, fmt.Errorf("get branch: %w", err)
	}
	rev.Commit, err = r.git(ctx, root, "rev-parse", "--verify", "--quiet", "HEAD")
	if err != nil && !exitedWith(err, 1) {
		return rev, fmt.Errorf("get commit: %w", err)
	}

	status, err := r.git(ctx, root, "status", "--porcelain", "--untracked-files=no")
	if err != nil {
		return rev, fmt.Errorf("get status: %w", err)
	}
	rev.Dirty = status != ""

	return rev, nil
}

func (r *Reader) git(ctx context.Context, dir string, args ...string) (string, error) {
	env := environ.Snapshot()
	// Keep status from taking the index lock while a build may be running.
	env["GIT_OPTIONAL_LOCKS"] = "0"

	res, err := r.exec.Run(ctx, exec.Argv(append([]string{"git"}, args...)...), env, exec.Options{Dir: dir})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}

func exitedWith(err error, code int) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr) && exitErr.ExitCode == code
}
