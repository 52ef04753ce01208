package logging

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLog(t *testing.T, path string) string {
	t.Helper()
	//nolint:gosec // G304: path is from test temp directory
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestRunLog_Write(t *testing.T) {
	pm := NewPathManager(filepath.Join(t.TempDir(), "logs"))
	terminal := &bytes.Buffer{}

	log, err := pm.Create("run-1", terminal)
	require.NoError(t, err)
	assert.Equal(t, pm.RunLogPath("run-1"), log.Path())

	for _, chunk := range []string{"first\n", "second\n", "[Finished in 0.1s]\n"} {
		_, err := log.Write([]byte(chunk))
		require.NoError(t, err)
	}
	require.NoError(t, log.Close())

	want := "first\nsecond\n[Finished in 0.1s]\n"
	assert.Equal(t, want, terminal.String())
	assert.Equal(t, want, readLog(t, log.Path()))
	assert.NoError(t, log.MirrorErr())
}

func TestRunLog_NoMirror(t *testing.T) {
	pm := NewPathManager(t.TempDir())

	log, err := pm.Create("run-1", nil)
	require.NoError(t, err)

	n, err := log.Write([]byte("log only"))
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	require.NoError(t, log.Close())

	assert.Equal(t, "log only", readLog(t, log.Path()))
}

type failingWriter struct {
	calls int
}

func (f *failingWriter) Write([]byte) (int, error) {
	f.calls++
	return 0, errors.New("terminal gone")
}

func TestRunLog_MirrorFailureKeepsLogging(t *testing.T) {
	pm := NewPathManager(t.TempDir())
	terminal := &failingWriter{}

	log, err := pm.Create("run-1", terminal)
	require.NoError(t, err)

	_, err = log.Write([]byte("kept "))
	require.NoError(t, err)
	_, err = log.Write([]byte("and kept"))
	require.NoError(t, err)
	require.NoError(t, log.Close())

	assert.Equal(t, "kept and kept", readLog(t, log.Path()))
	assert.EqualError(t, log.MirrorErr(), "terminal gone")
	assert.Equal(t, 1, terminal.calls, "mirror is dropped after the first failure")
}

func TestRunLog_Close(t *testing.T) {
	pm := NewPathManager(t.TempDir())

	log, err := pm.Create("run-1", nil)
	require.NoError(t, err)
	require.NoError(t, log.Close())
	require.NoError(t, log.Close(), "second close is a no-op")

	_, err = log.Write([]byte("late"))
	assert.ErrorIs(t, err, os.ErrClosed)
	assert.Equal(t, pm.RunLogPath("run-1"), log.Path())
}

func TestRunLog_Truncates(t *testing.T) {
	pm := NewPathManager(t.TempDir())
	require.NoError(t, os.WriteFile(pm.RunLogPath("run-1"), []byte("stale output"), 0o600))

	log, err := pm.Create("run-1", nil)
	require.NoError(t, err)
	_, err = log.Write([]byte("fresh"))
	require.NoError(t, err)
	require.NoError(t, log.Close())

	assert.Equal(t, "fresh", readLog(t, log.Path()))
}
