package exec

// Listener receives a process's output. Methods are called from the
// process's reader goroutines; implementations that need a particular
// goroutine must hand the call off themselves.
//
// For a single stream, calls arrive in the order the child produced the
// bytes. Stdout and stderr are not ordered relative to each other.
// OnFinished is called once, after stdout is drained and the child has
// exited, and never before the last stderr delivery. After Kill, further
// calls are suppressed on a best-effort basis, so listeners should compare
// the handle against the one they expect.
type Listener interface {
	OnData(p *Process, data []byte)
	OnDataError(p *Process, data []byte)
	OnFinished(p *Process)
}

// ListenerFuncs adapts functions to a Listener. Nil funcs are no-ops, except
// that a nil DataError forwards stderr to Data.
type ListenerFuncs struct {
	Data      func(p *Process, data []byte)
	DataError func(p *Process, data []byte)
	Finished  func(p *Process)
}

var _ Listener = ListenerFuncs{}

func (f ListenerFuncs) OnData(p *Process, data []byte) {
	if f.Data != nil {
		f.Data(p, data)
	}
}

func (f ListenerFuncs) OnDataError(p *Process, data []byte) {
	if f.DataError != nil {
		f.DataError(p, data)
		return
	}
	f.OnData(p, data)
}

func (f ListenerFuncs) OnFinished(p *Process) {
	if f.Finished != nil {
		f.Finished(p)
	}
}
