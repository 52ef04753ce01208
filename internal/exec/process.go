package exec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	osexec "os/exec"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jmgilman/buildrun/internal/environ"
)

// Process is a handle to one running child. It is safe for concurrent use.
//
// A Process is never reused: start a new one for every invocation.
type Process struct {
	id        string
	spec      CommandSpec
	argv      []string
	cmd       *osexec.Cmd
	startTime time.Time

	// stdin is the handshake pipe; nil unless the helper wraps the child.
	stdin io.WriteCloser

	listener atomic.Pointer[listenerRef]
	killed   atomic.Bool

	// done is closed once the child has been reaped.
	done     chan struct{}
	exitCode atomic.Int64
	waitErr  error

	// outputDone is closed once both readers have reached EOF.
	outputDone chan struct{}
	readers    sync.WaitGroup
}

type listenerRef struct {
	l Listener
}

// Start launches spec with env as its complete environment and returns
// immediately. Output is delivered to listener from background goroutines.
//
// A spec that fails validation yields an error wrapping ErrConfiguration
// before anything is created. If the OS cannot start the child the error is a
// *LaunchError and no callbacks will follow. The ambient environment is never
// modified: opts.PathOverride only affects env and executable lookup.
func Start(spec CommandSpec, env environ.Map, listener Listener, opts Options) (*Process, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	if runtime.GOOS != "windows" {
		opts.UseHelper = false
	}

	if env == nil {
		env = environ.Snapshot()
	}
	if opts.PathOverride != "" {
		env = env.WithPath(opts.PathOverride, runtime.GOOS)
	}

	plan := planLaunch(runtime.GOOS, spec, opts, env)

	path, err := env.LookPath(plan.argv[0], opts.Dir)
	if err != nil {
		return nil, &LaunchError{Argv: plan.argv, Err: err}
	}

	cmd := osexec.Command(path, plan.argv[1:]...)
	cmd.Args[0] = plan.argv[0]
	cmd.Env = env.Environ()
	cmd.Dir = opts.Dir
	configureCmd(cmd, plan)

	p := &Process{
		id:         uuid.NewString(),
		spec:       spec,
		argv:       plan.argv,
		cmd:        cmd,
		done:       make(chan struct{}),
		outputDone: make(chan struct{}),
	}
	p.exitCode.Store(StillRunning)
	p.listener.Store(&listenerRef{l: listener})

	stdout, stderr, err := p.start(plan)
	if err != nil {
		return nil, &LaunchError{Argv: plan.argv, Err: err}
	}

	p.readers.Add(2)
	go p.wait()
	go p.readStdout(stdout)
	go p.readStderr(stderr)
	go func() {
		p.readers.Wait()
		close(p.outputDone)
	}()

	return p, nil
}

// start wires the pipes and starts the child. On failure every pipe end
// created here is closed again.
func (p *Process) start(plan launchPlan) (stdout, stderr *os.File, err error) {
	var parentEnds, childEnds []io.Closer
	fail := func(err error) (*os.File, *os.File, error) {
		for _, c := range append(parentEnds, childEnds...) {
			_ = c.Close()
		}
		return nil, nil, err
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		return fail(fmt.Errorf("create stdout pipe: %w", err))
	}
	parentEnds, childEnds = append(parentEnds, outR), append(childEnds, outW)

	errR, errW, err := os.Pipe()
	if err != nil {
		return fail(fmt.Errorf("create stderr pipe: %w", err))
	}
	parentEnds, childEnds = append(parentEnds, errR), append(childEnds, errW)

	// os.File writers are handed to the child directly, so Wait never closes
	// our read ends and the readers see EOF only when the child side closes.
	p.cmd.Stdout = outW
	p.cmd.Stderr = errW

	if plan.stdin {
		stdin, err := p.cmd.StdinPipe()
		if err != nil {
			return fail(fmt.Errorf("create stdin pipe: %w", err))
		}
		p.stdin = stdin
	}

	if err := p.cmd.Start(); err != nil {
		return fail(err)
	}
	p.startTime = time.Now()

	for _, c := range childEnds {
		_ = c.Close()
	}
	return outR, errR, nil
}

// wait reaps the child and publishes its exit status.
func (p *Process) wait() {
	err := p.cmd.Wait()

	code := StillRunning
	if state := p.cmd.ProcessState; state != nil {
		code = exitStatus(state)
	}

	p.waitErr = err
	p.exitCode.Store(int64(code))
	close(p.done)
}

// readStdout owns the finish notification: stdout EOF ends the run, and
// OnFinished is held until the child is reaped and stderr is drained so that
// it is always the last callback.
func (p *Process) readStdout(r *os.File) {
	p.drain(r, Listener.OnData)
	p.readers.Done()

	<-p.done
	<-p.outputDone
	if l := p.currentListener(); l != nil {
		l.OnFinished(p)
	}
}

func (p *Process) readStderr(r *os.File) {
	defer p.readers.Done()
	p.drain(r, Listener.OnDataError)
}

// drain reads r until EOF, delivering each chunk while a listener is set,
// then closes r. Reading continues after Kill so the pipe is always released.
func (p *Process) drain(r *os.File, deliver func(Listener, *Process, []byte)) {
	defer r.Close()

	buf := make([]byte, ChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if l := p.currentListener(); l != nil {
				deliver(l, p, bytes.Clone(buf[:n]))
			}
		}
		if err != nil {
			return
		}
	}
}

func (p *Process) currentListener() Listener {
	if ref := p.listener.Load(); ref != nil {
		return ref.l
	}
	return nil
}

// Kill requests termination. Only the first call has any effect.
//
// When the helper wraps the child, Kill closes the handshake pipe and blocks
// until the helper exits. Otherwise it sends a termination request (SIGTERM,
// or TerminateProcess on Windows) and returns without waiting. Either way the
// listener is detached so later output is discarded.
func (p *Process) Kill() error {
	if !p.killed.CompareAndSwap(false, true) {
		return nil
	}
	defer p.listener.Store(nil)

	if p.stdin != nil {
		err := p.stdin.Close()
		<-p.done
		if err != nil && !errors.Is(err, os.ErrClosed) {
			return fmt.Errorf("close handshake pipe: %w", err)
		}
		return nil
	}

	if err := terminate(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("terminate process %d: %w", p.PID(), err)
	}
	return nil
}

// Killed reports whether Kill has been called.
func (p *Process) Killed() bool {
	return p.killed.Load()
}

// Poll reports whether the process is still running. It never blocks.
func (p *Process) Poll() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// ExitCode returns the exit status and true once the process has exited, or
// StillRunning and false before that. A POSIX child killed by a signal
// reports the negated signal number.
func (p *Process) ExitCode() (int, bool) {
	if p.Poll() {
		return StillRunning, false
	}
	return int(p.exitCode.Load()), true
}

// Done returns a channel closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// OutputDone returns a channel closed once stdout and stderr are both drained.
func (p *Process) OutputDone() <-chan struct{} {
	return p.outputDone
}

// WaitError returns the error from reaping the child, if any. It is only
// meaningful after Done is closed.
func (p *Process) WaitError() error {
	<-p.done
	return p.waitErr
}

// ID returns the unique identifier of this invocation.
func (p *Process) ID() string {
	return p.id
}

// PID returns the OS process ID.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return -1
	}
	return p.cmd.Process.Pid
}

// StartTime returns the wall-clock time the child was spawned.
func (p *Process) StartTime() time.Time {
	return p.startTime
}

// Spec returns the command as the caller specified it.
func (p *Process) Spec() CommandSpec {
	return p.spec
}

// Argv returns the argument vector handed to the OS after platform dispatch.
func (p *Process) Argv() []string {
	return append([]string(nil), p.argv...)
}

func (p *Process) String() string {
	return fmt.Sprintf("process %s (pid %d): %s", p.id, p.PID(), strings.Join(p.argv, " "))
}
