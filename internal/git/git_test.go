package git

import (
	"context"
	"errors"
	"os"
	osexec "os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmgilman/buildrun/internal/environ"
	"github.com/jmgilman/buildrun/internal/exec"
)

// resolvePath resolves symlinks in a path (handles macOS /var -> /private/var).
func resolvePath(t *testing.T, path string) string {
	t.Helper()
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return path
	}
	return resolved
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	args = append([]string{"-c", "user.email=test@test.com", "-c", "user.name=Test"}, args...)
	_, err := exec.Run(context.Background(), exec.Argv(append([]string{"git"}, args...)...), nil, exec.Options{Dir: dir})
	require.NoError(t, err, "git %v", args)
}

// testRepo creates a git repository on branch main in a temp directory.
func testRepo(t *testing.T) string {
	t.Helper()
	if _, err := osexec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	dir := resolvePath(t, t.TempDir())
	t.Setenv("GIT_CEILING_DIRECTORIES", filepath.Dir(dir))
	runGit(t, dir, "init")
	runGit(t, dir, "symbolic-ref", "HEAD", "refs/heads/main")
	return dir
}

func commitFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	runGit(t, dir, "add", name)
	runGit(t, dir, "commit", "-m", "add "+name)
}

func TestReader_Read(t *testing.T) {
	ctx := context.Background()
	reader := NewReader(exec.New())

	t.Run("no commits", func(t *testing.T) {
		dir := testRepo(t)

		rev, err := reader.Read(ctx, dir)
		require.NoError(t, err)
		assert.Equal(t, dir, resolvePath(t, rev.Root))
		assert.Equal(t, "main", rev.Branch)
		assert.Empty(t, rev.Commit)
		assert.False(t, rev.Dirty)
	})

	t.Run("clean from a subdirectory", func(t *testing.T) {
		dir := testRepo(t)
		commitFile(t, dir, "README", "hello\n")
		sub := filepath.Join(dir, "pkg")
		require.NoError(t, os.Mkdir(sub, 0o755))

		rev, err := reader.Read(ctx, sub)
		require.NoError(t, err)
		assert.Equal(t, dir, resolvePath(t, rev.Root))
		assert.Equal(t, "main", rev.Branch)
		assert.Len(t, rev.Commit, 40)
		assert.False(t, rev.Dirty)
	})

	t.Run("dirty", func(t *testing.T) {
		dir := testRepo(t)
		commitFile(t, dir, "README", "hello\n")
		require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("changed\n"), 0o644))

		rev, err := reader.Read(ctx, dir)
		require.NoError(t, err)
		assert.True(t, rev.Dirty)
	})

	t.Run("untracked files are not dirty", func(t *testing.T) {
		dir := testRepo(t)
		commitFile(t, dir, "README", "hello\n")
		require.NoError(t, os.WriteFile(filepath.Join(dir, "build.log"), []byte("x"), 0o644))

		rev, err := reader.Read(ctx, dir)
		require.NoError(t, err)
		assert.False(t, rev.Dirty)
	})

	t.Run("detached head", func(t *testing.T) {
		dir := testRepo(t)
		commitFile(t, dir, "README", "hello\n")
		runGit(t, dir, "checkout", "--detach")

		rev, err := reader.Read(ctx, dir)
		require.NoError(t, err)
		assert.Empty(t, rev.Branch)
		assert.Len(t, rev.Commit, 40)
	})

	t.Run("not a repository", func(t *testing.T) {
		if _, err := osexec.LookPath("git"); err != nil {
			t.Skip("git not installed")
		}
		dir := resolvePath(t, t.TempDir())
		t.Setenv("GIT_CEILING_DIRECTORIES", filepath.Dir(dir))

		_, err := reader.Read(ctx, dir)
		assert.ErrorIs(t, err, ErrNotRepository)
	})
}

type failingExecutor struct {
	exec.Executor
	err error
}

func (f failingExecutor) Run(context.Context, exec.CommandSpec, environ.Map, exec.Options) (*exec.Result, error) {
	return nil, f.err
}

func TestReader_Read_GitMissing(t *testing.T) {
	launchErr := &exec.LaunchError{Argv: []string{"git"}, Err: errors.New("executable file not found")}
	reader := NewReader(failingExecutor{err: launchErr})

	_, err := reader.Read(context.Background(), t.TempDir())
	assert.ErrorAs(t, err, &launchErr)
	assert.NotErrorIs(t, err, ErrNotRepository)
}

func TestRevision_String(t *testing.T) {
	commit := "0123456789abcdef0123456789abcdef01234567"
	tests := []struct {
		name string
		rev  Revision
		want string
	}{
		{"branch", Revision{Branch: "main", Commit: commit}, "main@0123456"},
		{"detached", Revision{Commit: commit}, "0123456"},
		{"no commits", Revision{Branch: "main"}, "main"},
		{"dirty", Revision{Branch: "main", Commit: commit, Dirty: true}, "main@0123456+dirty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rev.String())
		})
	}
}
