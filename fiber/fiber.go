// Package fiber implements the stackful cooperative coroutine primitive
// described by spec.md §3/§4.1. Go gives no ucontext-style manual stack
// switch, so each Fiber is backed by its own dedicated goroutine and a
// pair of handshake channels rather than a swapped-in/out stack: Resume
// hands control to the fiber's goroutine and blocks until it yields back,
// Yield (called from inside the fiber's own goroutine) does the reverse.
// At any instant only one side of the handshake is runnable, which is
// what gives the pair its mutual-exclusion guarantee even though the two
// goroutines may in principle live on different OS threads.
//
// original_source/src/fiber.cc distinguishes a scheduler-resume pair
// (swapIn/swapOut, against the scheduler's own main fiber) from a
// caller-resume pair (call/back, against the thread-local main fiber).
// Both reduce, in this translation, to "hand control to whichever fiber
// was previously current on this goroutine" — a single Resume/Yield pair
// covers both, since goroutine-local "current fiber" bookkeeping (gls.go)
// already tracks the right fiber to resume back into.
package fiber

import (
	"sync/atomic"

	"github.com/withhaotian/apollo/logx"
)

// State is the fiber lifecycle state from spec.md §3.
type State int32

const (
	Init State = iota
	Hold
	Exec
	Term
	Ready
	Except
)

func (s State) String() string {
	switch s {
	case Init:
		return "INIT"
	case Hold:
		return "HOLD"
	case Exec:
		return "EXEC"
	case Term:
		return "TERM"
	case Ready:
		return "READY"
	case Except:
		return "EXCEPT"
	default:
		return "UNKNOWN"
	}
}

var idSeq atomic.Uint64
var created atomic.Int64
var active atomic.Int64

// Created returns the total number of fibers ever constructed, the Go
// stand-in for original_source/src/fiber.cc's s_fiber_count.
func Created() int64 { return created.Load() }

// Active returns the number of fibers currently alive (constructed but
// not yet terminated/excepted), fiber.cc's s_fiber_count live counter.
func Active() int64 { return active.Load() }

// Fiber is a single cooperatively-scheduled unit of execution.
type Fiber struct {
	id    uint64
	state atomic.Int32
	entry func()
	main  bool

	resumeCh chan struct{}
	yieldCh  chan struct{}
	started  atomic.Bool
}

// New constructs a fiber that will run entry when first resumed, mirroring
// fiber.cc's parametrized constructor (state INIT, stack allocated lazily
// here as "goroutine not yet started" rather than a malloc'd stack).
func New(entry func()) *Fiber {
	f := &Fiber{
		id:       idSeq.Add(1),
		entry:    entry,
		resumeCh: make(chan struct{}),
		yieldCh:  make(chan struct{}),
	}
	f.state.Store(int32(Init))
	created.Add(1)
	active.Add(1)
	return f
}

// newMainFiber constructs the thread-main fiber fiber.cc's default
// constructor builds: no callback, no stack of its own, born in EXEC.
func newMainFiber() *Fiber {
	f := &Fiber{main: true}
	f.state.Store(int32(Exec))
	return f
}

// ID returns the fiber's identity, fiber.cc's GetId().
func (f *Fiber) ID() uint64 { return f.id }

// State returns the fiber's current lifecycle state.
func (f *Fiber) State() State { return State(f.state.Load()) }

// IsMain reports whether this is a thread-main fiber (never independently
// resumed/yielded; it represents the goroutine itself).
func (f *Fiber) IsMain() bool { return f.main }

// Reset rebinds a terminated/excepted/freshly-constructed fiber to a new
// entry point, reusing the Fiber value the way fiber.cc's reset() reuses
// an allocated stack. A fresh goroutine is launched on the next Resume.
func (f *Fiber) Reset(entry func()) {
	switch f.State() {
	case Term, Except, Init:
	default:
		logx.Fatalf("fiber %d: Reset called from non-terminal state %v", f.id, f.State())
	}
	if f.State() != Init {
		active.Add(1)
	}
	f.entry = entry
	f.resumeCh = make(chan struct{})
	f.yieldCh = make(chan struct{})
	f.started.Store(false)
	f.state.Store(int32(Init))
}

// Resume hands control to f, blocking the calling goroutine until f next
// yields (via Yield, or by terminating/excepting). It is the analogue of
// fiber.cc's swapIn/call pair.
func (f *Fiber) Resume() {
	if f.main {
		logx.Fatalf("fiber %d: cannot Resume the thread-main fiber", f.id)
	}
	switch f.State() {
	case Term, Except, Exec:
		logx.Fatalf("fiber %d: Resume from invalid state %v", f.id, f.State())
	}
	f.state.Store(int32(Exec))
	if f.started.CompareAndSwap(false, true) {
		go f.run()
	}
	f.resumeCh <- struct{}{}
	<-f.yieldCh
}

// Yield suspends the calling fiber, setting its state to target (Hold or
// Ready) and returning control to whoever called Resume. It resumes the
// calling goroutine in place, exactly where Yield was called, the next
// time this fiber is Resumed — fiber.cc's YieldToHold/YieldToReady.
func Yield(target State) {
	f := Current()
	if f == nil || f.main {
		logx.Fatalf("Yield called outside any resumable fiber")
	}
	if f.State() != Exec {
		logx.Fatalf("fiber %d: Yield from non-EXEC state %v", f.id, f.State())
	}
	if target != Hold && target != Ready {
		logx.Fatalf("fiber %d: Yield target must be HOLD or READY, got %v", f.id, target)
	}
	f.state.Store(int32(target))
	f.yieldCh <- struct{}{}
	<-f.resumeCh
}

// run is the fiber's dedicated goroutine body.
func (f *Fiber) run() {
	setCurrent(f)
	defer func() {
		r := recover()
		if iv, ok := r.(logx.InvariantViolation); ok {
			// An invariant violation (e.g. Yield called with a bad target
			// state) must stay fatal, not be downgraded to an ordinary
			// EXCEPT the way a closure's own panic would be — re-raise so
			// it propagates unrecovered and aborts the process, keeping
			// spec.md §7's fatal/non-fatal split intact across this
			// recover. Cleanup below never runs in this branch.
			panic(iv)
		}
		if r != nil {
			f.state.Store(int32(Except))
			logx.Errorf("fiber %d: unrecovered panic: %v", f.id, r)
		} else if f.State() == Exec {
			f.state.Store(int32(Term))
		}
		if f.State() == Term || f.State() == Except {
			active.Add(-1)
		}
		setCurrent(nil)
		f.yieldCh <- struct{}{}
	}()
	<-f.resumeCh
	f.entry()
}
