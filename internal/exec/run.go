package exec

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/jmgilman/buildrun/internal/environ"
)

// Result is the collected output of a command run to completion.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// ExitError reports a command that ran but did not exit zero.
type ExitError struct {
	Argv     []string
	ExitCode int
	Stderr   []byte
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s: exit status %d", strings.Join(e.Argv, " "), e.ExitCode)
	if stderr := strings.TrimSpace(string(e.Stderr)); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

// Run starts spec, collects its output and waits for it to finish.
// Cancelling ctx kills the process and returns ctx.Err(). A non-zero exit
// returns the Result together with an *ExitError.
func Run(ctx context.Context, spec CommandSpec, env environ.Map, opts Options) (*Result, error) {
	var stdout, stderr bytes.Buffer
	finished := make(chan struct{})

	// Each buffer is only written from its own reader goroutine, and
	// OnFinished follows the last delivery on both streams.
	listener := ListenerFuncs{
		Data:      func(_ *Process, data []byte) { stdout.Write(data) },
		DataError: func(_ *Process, data []byte) { stderr.Write(data) },
		Finished:  func(*Process) { close(finished) },
	}

	p, err := Start(spec, env, listener, opts)
	if err != nil {
		return nil, err
	}

	select {
	case <-finished:
	case <-ctx.Done():
		_ = p.Kill()
		<-p.Done()
		return nil, ctx.Err()
	}

	code, _ := p.ExitCode()
	res := &Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: code}
	if code != 0 {
		return res, &ExitError{Argv: p.Argv(), ExitCode: code, Stderr: res.Stderr}
	}
	return res, nil
}
