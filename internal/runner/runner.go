// Package runner drives build invocations on top of package exec. It owns
// the current invocation, turns raw output into text for display, and keeps
// history, log files and metrics up to date.
//
// Every listener callback is handed to a single dispatch goroutine, so
// output handling, finish lines and bookkeeping never run concurrently.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jmgilman/buildrun/internal/catalog"
	"github.com/jmgilman/buildrun/internal/environ"
	bexec "github.com/jmgilman/buildrun/internal/exec"
	"github.com/jmgilman/buildrun/internal/logging"
	"github.com/jmgilman/buildrun/internal/metrics"
	"github.com/jmgilman/buildrun/internal/names"
)

// ErrClosed is returned by Run after Close.
var ErrClosed = errors.New("runner closed")

// Options configures a Runner. Only Output is required.
type Options struct {
	// Output receives decoded build output and status lines.
	Output io.Writer

	Logger *slog.Logger

	// Store records run history when set.
	Store catalog.Store
	// HistoryLimit prunes history (and the matching logs) to this many
	// runs after each run. Zero keeps everything.
	HistoryLimit int

	// Logs, when set, receives a copy of each run's output.
	Logs *logging.PathManager

	Metrics         *metrics.Recorder
	MetricsTextfile string

	// Encoding is used when a request does not name one. Defaults to utf-8.
	Encoding string

	// Environ is the base environment. Nil means a fresh snapshot of the
	// process environment on every run.
	Environ environ.Map
}

// Request describes one build invocation.
type Request struct {
	// Build labels the run in history and metrics. Defaults to the command.
	Build string
	Spec  bexec.CommandSpec

	// Env overrides the base environment. Values may reference $VARS.
	Env map[string]string
	// Secrets are set after Env and never expanded.
	Secrets map[string]string
	// Path replaces PATH for the child. Embed $PATH to extend it.
	Path string

	Dir      string
	Encoding string
	Quiet    bool

	// Revision is recorded in history as the source the build ran against.
	Revision string

	// Exec carries the launch options: shell, helper and raw shell.
	// Its PathOverride and Dir are ignored in favor of Path and Dir.
	Exec bexec.Options
}

// Result summarizes a finished invocation.
type Result struct {
	ExitCode  int
	Elapsed   time.Duration
	Cancelled bool
}

// Runner launches builds one at a time. A new Run supersedes the previous
// invocation: output from a superseded process is discarded and the
// process is killed the next time it produces any.
type Runner struct {
	exec   bexec.Executor
	opts   Options
	logger *slog.Logger

	events  chan event
	stopped chan struct{}
	current atomic.Pointer[Invocation]

	// Owned by the dispatch goroutine.
	live    map[*bexec.Process]*Invocation
	active  *Invocation
	closing bool

	closeOnce sync.Once
}

type eventKind int

const (
	evStart eventKind = iota
	evStdout
	evStderr
	evFinished
	evReaped
	evCancel
	evClose
)

type event struct {
	kind eventKind
	proc *bexec.Process
	data []byte

	req    Request
	target *Invocation
	reply  chan reply
}

type reply struct {
	inv *Invocation
	err error
	ok  bool
}

// New creates a Runner and starts its dispatch goroutine.
func New(executor bexec.Executor, opts Options) *Runner {
	if opts.Output == nil {
		opts.Output = io.Discard
	}
	if opts.Encoding == "" {
		opts.Encoding = defaultEncoding
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	r := &Runner{
		exec:    executor,
		opts:    opts,
		logger:  logger,
		events:  make(chan event, 64),
		stopped: make(chan struct{}),
		live:    make(map[*bexec.Process]*Invocation),
	}
	go r.dispatch()
	return r
}

// Run starts req and makes it the current invocation. Launch and
// configuration failures are reported on Output as well as returned.
// Cancelling ctx cancels the invocation.
func (r *Runner) Run(ctx context.Context, req Request) (*Invocation, error) {
	rep, ok := r.call(event{kind: evStart, req: req})
	if !ok {
		return nil, ErrClosed
	}
	if rep.err != nil {
		return nil, rep.err
	}

	inv := rep.inv
	go func() {
		select {
		case <-ctx.Done():
			r.call(event{kind: evCancel, target: inv})
		case <-inv.done:
		}
	}()
	return inv, nil
}

// Cancel kills the current invocation and reports whether there was one.
func (r *Runner) Cancel() bool {
	rep, ok := r.call(event{kind: evCancel})
	return ok && rep.ok
}

// Current returns the running current invocation, or nil.
func (r *Runner) Current() *Invocation {
	return r.current.Load()
}

// Close kills every outstanding invocation, waits for them to be reaped and
// stops the dispatch goroutine. It is safe to call more than once.
func (r *Runner) Close() error {
	r.closeOnce.Do(func() {
		r.post(event{kind: evClose})
	})
	<-r.stopped
	return nil
}

func (r *Runner) post(ev event) bool {
	select {
	case r.events <- ev:
		return true
	case <-r.stopped:
		return false
	}
}

func (r *Runner) call(ev event) (reply, bool) {
	ev.reply = make(chan reply, 1)
	if !r.post(ev) {
		return reply{}, false
	}
	select {
	case rep := <-ev.reply:
		return rep, true
	case <-r.stopped:
		return reply{}, false
	}
}

func (r *Runner) dispatch() {
	defer close(r.stopped)

	for ev := range r.events {
		r.handle(ev)
		if r.closing && len(r.live) == 0 {
			return
		}
	}
}

func (r *Runner) handle(ev event) {
	switch ev.kind {
	case evStart:
		if r.closing {
			ev.reply <- reply{err: ErrClosed}
			return
		}
		inv, err := r.start(ev.req)
		ev.reply <- reply{inv: inv, err: err}

	case evStdout, evStderr:
		r.output(ev)

	case evFinished:
		r.finished(ev.proc)

	case evReaped:
		if inv, ok := r.live[ev.proc]; ok {
			inv.reaped = true
			if inv.killRequested {
				r.finalize(inv)
			}
		}

	case evCancel:
		ev.reply <- reply{ok: r.cancel(ev.target)}

	case evClose:
		r.closing = true
		for _, inv := range r.live {
			r.requestKill(inv)
		}
		r.active = nil
		r.current.Store(nil)
	}
}

func (r *Runner) start(req Request) (*Invocation, error) {
	name := req.Encoding
	if name == "" {
		name = r.opts.Encoding
	}
	label := req.Build
	if label == "" {
		label = req.Spec.String()
	}

	base := r.opts.Environ
	if base == nil {
		base = environ.Snapshot()
	}
	env := (&environ.Builder{Base: base, GOOS: runtime.GOOS}).Build(req.Env, req.Path)
	env.SetLiteral(req.Secrets, runtime.GOOS)

	opts := req.Exec
	opts.PathOverride = ""
	opts.Dir = req.Dir

	enc, err := resolveEncoding(name)
	if err != nil {
		r.launchFailed(req, label, env, err)
		return nil, err
	}

	if !req.Quiet {
		r.logger.Info("running", "build", label, "cmd", req.Spec.String())
	}

	proc, err := r.exec.Start(req.Spec, env, listener{r}, opts)
	if err != nil {
		r.launchFailed(req, label, env, err)
		return nil, err
	}

	inv := &Invocation{
		proc:     proc,
		build:    label,
		req:      req,
		encoding: name,
		stdout:   newStreamDecoder(enc),
		stderr:   newStreamDecoder(enc),
		out:      r.opts.Output,
		done:     make(chan struct{}),
	}
	r.openLog(inv)
	r.recordStart(inv)
	if r.opts.Metrics != nil {
		r.opts.Metrics.Started(label)
	}

	r.live[proc] = inv
	r.active = inv
	r.current.Store(inv)

	go func() {
		<-proc.Done()
		r.post(event{kind: evReaped, proc: proc})
	}()

	r.logger.Debug("invocation started", "id", proc.ID(), "pid", proc.PID(), "argv", proc.Argv())
	return inv, nil
}

// launchFailed prints the error followed by the command, directory and
// PATH that were used so the user can see why the launch failed.
func (r *Runner) launchFailed(req Request, label string, env environ.Map, err error) {
	r.logger.Debug("launch failed", "build", label, "error", err)

	var b strings.Builder
	b.WriteString(err.Error() + "\n")
	if req.Spec.IsShell() {
		fmt.Fprintf(&b, "[shell_cmd: %s]\n", req.Spec.Shell)
	} else {
		fmt.Fprintf(&b, "[cmd: %q]\n", req.Spec.Argv)
	}
	dir := workingDir(req)
	fmt.Fprintf(&b, "[dir: %s]\n", dir)
	path, _ := env.Lookup(environ.PathKey)
	fmt.Fprintf(&b, "[path: %s]\n", path)
	if !req.Quiet {
		b.WriteString("[Finished]\n")
	}
	r.write(r.opts.Output, b.String())

	if r.opts.Metrics != nil {
		r.opts.Metrics.LaunchFailed(label)
		r.writeTextfile()
	}

	if r.opts.Store != nil {
		now := time.Now()
		entry := catalog.Entry{
			ID:         uuid.NewString(),
			Name:       r.nickname(),
			Build:      label,
			Command:    req.Spec.String(),
			Shell:      req.Spec.IsShell(),
			Dir:        dir,
			Revision:   req.Revision,
			StartedAt:  now,
			FinishedAt: now,
			ExitCode:   bexec.StillRunning,
			Status:     catalog.StatusLaunchError,
			Error:      err.Error(),
		}
		if err := r.opts.Store.Add(context.Background(), entry); err != nil {
			r.logger.Error("record history", "error", err)
		}
		r.prune()
	}
}

func (r *Runner) output(ev event) {
	inv, ok := r.live[ev.proc]
	if !ok || inv.finalized {
		return
	}
	if inv != r.active {
		// A superseded invocation is still producing output.
		r.requestKill(inv)
		return
	}

	stream, dec := metrics.StreamStdout, inv.stdout
	if ev.kind == evStderr {
		stream, dec = metrics.StreamStderr, inv.stderr
	}
	if r.opts.Metrics != nil {
		r.opts.Metrics.Output(inv.build, stream, len(ev.data))
	}

	text, err := dec.Decode(ev.data)
	if err != nil {
		r.decodeFailed(inv)
		return
	}
	r.write(inv.out, text)
}

func (r *Runner) decodeFailed(inv *Invocation) {
	if r.opts.Metrics != nil {
		r.opts.Metrics.DecodeError(inv.build)
	}
	r.write(inv.out, decodeErrorText(inv.encoding))
}

func (r *Runner) finished(proc *bexec.Process) {
	inv, ok := r.live[proc]
	if !ok || inv.finalized {
		return
	}
	if inv != r.active {
		r.finalize(inv)
		return
	}

	for _, dec := range []*streamDecoder{inv.stdout, inv.stderr} {
		text, err := dec.Flush()
		if err != nil {
			r.decodeFailed(inv)
			continue
		}
		r.write(inv.out, text)
	}

	if !inv.req.Quiet {
		code, _ := proc.ExitCode()
		elapsed := time.Since(proc.StartTime()).Seconds()
		if code == 0 {
			r.write(inv.out, fmt.Sprintf("[Finished in %.1fs]\n", elapsed))
		} else {
			r.write(inv.out, fmt.Sprintf("[Finished in %.1fs with exit code %d]\n", elapsed, code))
		}
	}
	r.finalize(inv)
}

// cancel kills target, or the current invocation when target is nil.
func (r *Runner) cancel(target *Invocation) bool {
	inv := r.active
	if target != nil && target != inv {
		if target.finalized {
			return false
		}
		r.requestKill(target)
		return true
	}
	if inv == nil || inv.finalized {
		return false
	}

	r.write(inv.out, "[Cancelled]\n")
	r.active = nil
	r.current.Store(nil)
	r.requestKill(inv)
	return true
}

// requestKill kills inv without blocking the dispatch goroutine. A killed
// process gets no OnFinished, so the reaper event completes it instead.
func (r *Runner) requestKill(inv *Invocation) {
	if inv.killRequested {
		return
	}
	inv.killRequested = true

	go func() {
		if err := inv.proc.Kill(); err != nil {
			r.logger.Warn("kill failed", "id", inv.proc.ID(), "error", err)
		}
	}()

	if inv.reaped {
		r.finalize(inv)
	}
}

func (r *Runner) finalize(inv *Invocation) {
	if inv.finalized {
		return
	}
	inv.finalized = true

	code, _ := inv.proc.ExitCode()
	inv.result = Result{
		ExitCode:  code,
		Elapsed:   time.Since(inv.proc.StartTime()),
		Cancelled: inv.killRequested,
	}

	r.closeLog(inv)
	r.recordFinish(inv)

	if r.opts.Metrics != nil {
		r.opts.Metrics.Finished(inv.build, metrics.Outcome(code, inv.killRequested), inv.result.Elapsed)
		r.writeTextfile()
	}

	delete(r.live, inv.proc)
	if r.active == inv {
		r.active = nil
		r.current.Store(nil)
	}

	r.logger.Debug("invocation finished", "id", inv.proc.ID(), "exit_code", code, "cancelled", inv.killRequested)
	close(inv.done)
}

func workingDir(req Request) string {
	if req.Dir != "" {
		return req.Dir
	}
	dir, _ := os.Getwd()
	return dir
}

func (r *Runner) write(w io.Writer, s string) {
	if s == "" {
		return
	}
	if _, err := io.WriteString(w, s); err != nil {
		r.logger.Debug("write output", "error", err)
	}
}

func (r *Runner) openLog(inv *Invocation) {
	if r.opts.Logs == nil {
		return
	}
	log, err := r.opts.Logs.Create(inv.proc.ID(), r.opts.Output)
	if err != nil {
		r.logger.Error("open run log", "error", err)
		return
	}
	inv.log = log
	inv.out = log
}

func (r *Runner) closeLog(inv *Invocation) {
	if inv.log == nil {
		return
	}
	if err := inv.log.Close(); err != nil {
		r.logger.Error("close run log", "error", err)
	}
	if err := inv.log.MirrorErr(); err != nil {
		r.logger.Warn("output only recorded in log", "path", inv.log.Path(), "error", err)
	}
}

func (r *Runner) recordStart(inv *Invocation) {
	if r.opts.Store == nil {
		return
	}
	entry := catalog.Entry{
		ID:        inv.proc.ID(),
		Name:      r.nickname(),
		Build:     inv.build,
		Command:   inv.req.Spec.String(),
		Shell:     inv.req.Spec.IsShell(),
		Dir:       workingDir(inv.req),
		Revision:  inv.req.Revision,
		PID:       inv.proc.PID(),
		StartedAt: inv.proc.StartTime(),
		ExitCode:  bexec.StillRunning,
		Status:    catalog.StatusRunning,
	}
	if inv.log != nil {
		entry.LogPath = inv.log.Path()
	}
	if err := r.opts.Store.Add(context.Background(), entry); err != nil {
		r.logger.Error("record history", "error", err)
		return
	}
	inv.entry = &entry
}

// nickname picks a name no recorded run is using, or "" if none is found.
func (r *Runner) nickname() string {
	entries, err := r.opts.Store.List(context.Background(), catalog.ListFilter{})
	if err != nil {
		r.logger.Debug("list history for naming", "error", err)
		return ""
	}
	taken := make(map[string]bool, len(entries))
	for _, e := range entries {
		taken[e.Name] = true
	}

	name, err := names.Unique(func(n string) bool { return taken[n] }, 0)
	if err != nil {
		r.logger.Debug("name run", "error", err)
		return ""
	}
	return name
}

func (r *Runner) recordFinish(inv *Invocation) {
	if r.opts.Store == nil || inv.entry == nil {
		return
	}
	entry := *inv.entry
	entry.FinishedAt = time.Now()
	entry.Duration = inv.result.Elapsed
	entry.ExitCode = inv.result.ExitCode
	switch {
	case inv.result.Cancelled:
		entry.Status = catalog.StatusCancelled
	case inv.result.ExitCode == 0:
		entry.Status = catalog.StatusSucceeded
	default:
		entry.Status = catalog.StatusFailed
	}
	if err := r.opts.Store.Update(context.Background(), entry); err != nil {
		r.logger.Error("update history", "error", err)
	}
	r.prune()
}

func (r *Runner) prune() {
	if r.opts.HistoryLimit <= 0 {
		return
	}
	dropped, err := r.opts.Store.Prune(context.Background(), r.opts.HistoryLimit)
	if err != nil {
		r.logger.Error("prune history", "error", err)
		return
	}
	if r.opts.Logs == nil {
		return
	}
	for _, e := range dropped {
		if err := r.opts.Logs.RemoveRunLog(e.ID); err != nil {
			r.logger.Warn("remove run log", "id", e.ID, "error", err)
		}
	}
}

func (r *Runner) writeTextfile() {
	if r.opts.MetricsTextfile == "" {
		return
	}
	if err := r.opts.Metrics.WriteTextfile(r.opts.MetricsTextfile); err != nil {
		r.logger.Warn("export metrics", "error", err)
	}
}

// listener forwards process callbacks to the dispatch goroutine.
type listener struct {
	r *Runner
}

func (l listener) OnData(p *bexec.Process, data []byte) {
	l.r.post(event{kind: evStdout, proc: p, data: data})
}

func (l listener) OnDataError(p *bexec.Process, data []byte) {
	l.r.post(event{kind: evStderr, proc: p, data: data})
}

func (l listener) OnFinished(p *bexec.Process) {
	l.r.post(event{kind: evFinished, proc: p})
}

// Invocation is one run started by a Runner.
type Invocation struct {
	proc     *bexec.Process
	build    string
	req      Request
	encoding string
	stdout   *streamDecoder
	stderr   *streamDecoder
	out      io.Writer
	log      *logging.RunLog
	entry    *catalog.Entry

	// Owned by the dispatch goroutine until done is closed.
	reaped        bool
	killRequested bool
	finalized     bool
	result        Result

	done chan struct{}
}

// ID returns the run identifier used by history and logs.
func (i *Invocation) ID() string { return i.proc.ID() }

// Build returns the run's label.
func (i *Invocation) Build() string { return i.build }

// Process returns the underlying process handle.
func (i *Invocation) Process() *bexec.Process { return i.proc }

// Done is closed once the invocation has finished and been recorded.
func (i *Invocation) Done() <-chan struct{} { return i.done }

// Result blocks until the invocation is done and returns its summary.
func (i *Invocation) Result() Result {
	<-i.done
	return i.result
}

// Wait blocks until the invocation is done or ctx ends.
func (i *Invocation) Wait(ctx context.Context) (Result, error) {
	select {
	case <-i.done:
		return i.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
