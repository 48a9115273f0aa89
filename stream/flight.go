package stream

import (
	"context"
	"sync"

	"github.com/bitrise-io/go-chunkstream/ioerr"
)

// State is the lifecycle state of a stream performing I/O.
type State int

const (
	// StateIdle means no operation is running and more can be issued.
	StateIdle State = iota
	// StateBusy means an operation is in flight.
	StateBusy
	// StateDone means the stream terminated successfully.
	StateDone
	// StateFailed means the stream terminated with an error.
	StateFailed
	// StateAborted means the stream was destroyed by its owner.
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Flight is the single-flight guard of a stream: idle -> busy -> idle, until the stream
// reaches one of its terminal states. It also owns the abort signal of the stream.
// A stream terminates exactly once, every call after that returns the terminal error.
type Flight struct {
	name    string
	doneErr error

	mu     sync.Mutex
	state  State
	err    error
	cancel context.CancelFunc
}

// NewFlight creates a guard in idle state. doneErr is what calls return once the stream is
// done, io.EOF for sources and ErrClosed for sinks.
func NewFlight(name string, doneErr error) *Flight {
	return &Flight{name: name, doneErr: doneErr}
}

// State returns the current state.
func (f *Flight) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Begin starts an operation. The returned context is canceled when the stream is aborted.
// Every successful Begin must be paired with one End.
func (f *Flight) Begin(ctx context.Context) (context.Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.state {
	case StateBusy:
		return nil, ErrInFlight
	case StateDone:
		return nil, f.doneErr
	case StateFailed:
		return nil, f.err
	case StateAborted:
		return nil, f.err
	}

	opCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.state = StateBusy
	return opCtx, nil
}

// End finishes the running operation. A non-nil err fails the stream, last marks it done.
// When the stream was aborted while the operation ran, the result is discarded and
// the cancellation error is returned instead.
func (f *Flight) End(err error, last bool) error {
	return f.end(err, last, nil)
}

// Commit ends a successful operation and applies its result through commit while holding
// the guard. If the stream was aborted meanwhile, commit is not called.
func (f *Flight) Commit(last bool, commit func()) error {
	return f.end(nil, last, commit)
}

func (f *Flight) end(err error, last bool, commit func()) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}

	switch {
	case f.state == StateAborted:
		return f.err
	case err != nil:
		f.state = StateFailed
		f.err = err
		return err
	}

	if commit != nil {
		commit()
	}
	switch {
	case last:
		f.state = StateDone
	default:
		f.state = StateIdle
	}
	return nil
}

// Fail terminates an idle stream with err outside of any operation.
func (f *Flight) Fail(err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state == StateFailed || f.state == StateAborted {
		return f.err
	}
	f.state = StateFailed
	f.err = err
	return err
}

// Abort destroys the stream: the running operation's context is canceled and every
// pending or later call fails with ErrCanceled. Aborting a terminated stream is a no-op.
func (f *Flight) Abort() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state == StateDone || f.state == StateFailed || f.state == StateAborted {
		return
	}
	f.state = StateAborted
	f.err = ioerr.Canceled(f.name)
	if f.cancel != nil {
		f.cancel()
	}
}
