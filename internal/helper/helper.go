// Package helper implements the buildrun-helper companion process.
//
// The helper runs a target command, forwards its output unchanged and mirrors
// its exit code. Its stdin is the handshake channel: when the parent closes it
// (or writes a byte), the helper terminates the target and exits. This gives
// Windows parents a reliable way to cancel a build where console signals are
// not.
package helper

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/jmgilman/buildrun/internal/environ"
	bexec "github.com/jmgilman/buildrun/internal/exec"
)

// Exit codes produced by the helper itself.
const (
	ExitUsage     = 2
	ExitCancelled = 1
)

// Config wires the helper to its standard streams.
type Config struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

type result struct {
	code      int
	handshake bool
}

// Run executes args and blocks until the target finishes or the handshake
// arrives. It returns the exit code the helper process should use.
func Run(args []string, cfg Config) int {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if len(args) == 0 {
		fmt.Fprintln(cfg.Stderr, "usage: buildrun-helper <command> [args...]")
		return ExitUsage
	}

	results := make(chan result, 2)
	var outMu sync.Mutex
	report := func(format string, args ...any) {
		outMu.Lock()
		defer outMu.Unlock()
		fmt.Fprintf(cfg.Stderr, "buildrun-helper: "+format+"\n", args...)
	}

	listener := bexec.ListenerFuncs{
		Data: func(_ *bexec.Process, data []byte) {
			outMu.Lock()
			defer outMu.Unlock()
			_, _ = cfg.Stdout.Write(data)
		},
		DataError: func(_ *bexec.Process, data []byte) {
			outMu.Lock()
			defer outMu.Unlock()
			_, _ = cfg.Stderr.Write(data)
		},
		Finished: func(p *bexec.Process) {
			code, _ := p.ExitCode()
			results <- result{code: exitStatus(code)}
		},
	}

	proc, err := bexec.Start(bexec.Argv(args...), environ.Snapshot(), listener, bexec.Options{})
	if err != nil {
		fmt.Fprintf(cfg.Stderr, "buildrun-helper: %v\n", err)
		var launchErr *bexec.LaunchError
		if errors.As(err, &launchErr) {
			return ExitCancelled
		}
		return ExitUsage
	}
	logger.Debug("helper started target", "pid", proc.PID(), "argv", args)

	go waitHandshake(cfg.Stdin, report, results)

	res := <-results
	if !res.handshake {
		return res.code
	}

	logger.Debug("handshake received, terminating target", "pid", proc.PID())
	if err := proc.Kill(); err != nil {
		report("%v", err)
	}
	<-proc.Done()
	return ExitCancelled
}

// exitStatus maps a target killed by signal N to 128+N, the shell
// convention, so the parent never mistakes it for success.
func exitStatus(code int) int {
	if code < 0 {
		return 128 - code
	}
	return code
}

// waitHandshake reads a single byte. EOF is the normal signal; actual input
// is unexpected but still treated as a termination request.
func waitHandshake(stdin io.Reader, report func(string, ...any), results chan<- result) {
	if stdin == nil {
		return
	}
	buf := make([]byte, 1)
	n, err := stdin.Read(buf)
	if n > 0 {
		report("unexpected input on handshake channel")
	} else if err != nil && !errors.Is(err, io.EOF) {
		report("read handshake: %v", err)
	}
	results <- result{handshake: true}
}
