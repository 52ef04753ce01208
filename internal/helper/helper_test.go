package helper

import (
	"bytes"
	"io"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("uses POSIX utilities")
	}
}

// idleStdin returns a reader that blocks until the test ends.
func idleStdin(t *testing.T) io.Reader {
	t.Helper()
	r, w := io.Pipe()
	t.Cleanup(func() { _ = w.Close() })
	return r
}

func runAsync(args []string, cfg Config) <-chan int {
	ch := make(chan int, 1)
	go func() { ch <- Run(args, cfg) }()
	return ch
}

func waitCode(t *testing.T, ch <-chan int) int {
	t.Helper()
	select {
	case code := <-ch:
		return code
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for helper to exit")
		return 0
	}
}

func TestRun_NoArgs(t *testing.T) {
	var stderr bytes.Buffer

	code := Run(nil, Config{Stdin: strings.NewReader(""), Stdout: io.Discard, Stderr: &stderr})

	assert.Equal(t, ExitUsage, code)
	assert.Contains(t, stderr.String(), "usage: buildrun-helper")
}

func TestRun_ForwardsOutput(t *testing.T) {
	skipOnWindows(t)

	var stdout, stderr bytes.Buffer
	cfg := Config{Stdin: idleStdin(t), Stdout: &stdout, Stderr: &stderr}

	code := waitCode(t, runAsync([]string{"sh", "-c", "printf out; printf err >&2"}, cfg))

	assert.Equal(t, 0, code)
	assert.Equal(t, "out", stdout.String())
	assert.Equal(t, "err", stderr.String())
}

func TestRun_MirrorsExitCode(t *testing.T) {
	skipOnWindows(t)

	cfg := Config{Stdin: idleStdin(t), Stdout: io.Discard, Stderr: io.Discard}

	code := waitCode(t, runAsync([]string{"sh", "-c", "exit 7"}, cfg))

	assert.Equal(t, 7, code)
}

func TestRun_SignaledTargetFails(t *testing.T) {
	skipOnWindows(t)

	cfg := Config{Stdin: idleStdin(t), Stdout: io.Discard, Stderr: io.Discard}

	code := waitCode(t, runAsync([]string{"sh", "-c", "kill -TERM $$"}, cfg))

	assert.Equal(t, 128+15, code)
}

func TestExitStatus(t *testing.T) {
	assert.Equal(t, 0, exitStatus(0))
	assert.Equal(t, 7, exitStatus(7))
	assert.Equal(t, 137, exitStatus(-9))
}

func TestRun_HandshakeEOF(t *testing.T) {
	skipOnWindows(t)

	r, w := io.Pipe()
	var stderr bytes.Buffer
	cfg := Config{Stdin: r, Stdout: io.Discard, Stderr: &stderr}

	start := time.Now()
	ch := runAsync([]string{"sleep", "10"}, cfg)

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, w.Close())

	code := waitCode(t, ch)
	assert.Equal(t, ExitCancelled, code)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.NotContains(t, stderr.String(), "unexpected input")
}

func TestRun_HandshakeUnexpectedInput(t *testing.T) {
	skipOnWindows(t)

	var stderr bytes.Buffer
	cfg := Config{Stdin: strings.NewReader("x"), Stdout: io.Discard, Stderr: &stderr}

	code := waitCode(t, runAsync([]string{"sleep", "10"}, cfg))

	assert.Equal(t, ExitCancelled, code)
	assert.Contains(t, stderr.String(), "unexpected input")
}

func TestRun_LaunchError(t *testing.T) {
	var stderr bytes.Buffer
	cfg := Config{Stdin: idleStdin(t), Stdout: io.Discard, Stderr: &stderr}

	code := Run([]string{"buildrun-helper-test-missing-binary"}, cfg)

	assert.Equal(t, ExitCancelled, code)
	assert.Contains(t, stderr.String(), "buildrun-helper-test-missing-binary")
}
