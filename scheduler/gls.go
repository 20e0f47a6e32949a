package scheduler

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"

	"github.com/withhaotian/apollo/fiber"
)

// Same per-goroutine bookkeeping trick as fiber.Current — see
// fiber/gls.go for the rationale. Scheduler needs its own instance of
// "current scheduler for this goroutine" (original_source/src/
// scheduler.cc's thread_local t_scheduler) since it is a distinct
// lookup from "current fiber".
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}

var glsMu sync.RWMutex
var glsCurrent = make(map[uint64]*Scheduler)

func setThis(s *Scheduler) {
	gid := goroutineID()
	glsMu.Lock()
	if s == nil {
		delete(glsCurrent, gid)
	} else {
		glsCurrent[gid] = s
	}
	glsMu.Unlock()
}

// fiberOwner records, for every Fiber a Scheduler has ever dispatched
// (its idle fiber, its reused closure fiber, or a caller-supplied Task
// fiber), which Scheduler dispatched it. Every such Fiber runs its body
// on its own dedicated goroutine (fiber.New spawns `go f.run()` on first
// Resume), distinct from the worker dispatch-loop goroutine that called
// Resume — so the dispatch loop's own setThis/glsCurrent binding above is
// invisible from inside the fiber body. Keying by *fiber.Fiber instead of
// by goroutine id lets GetThis find the right Scheduler regardless of
// which worker goroutine happened to Resume a given fiber.
var fiberOwnerMu sync.RWMutex
var fiberOwner = make(map[*fiber.Fiber]*Scheduler)

func registerFiberOwner(f *fiber.Fiber, s *Scheduler) {
	fiberOwnerMu.Lock()
	fiberOwner[f] = s
	fiberOwnerMu.Unlock()
}

// GetThis returns the scheduler that owns the fiber currently running on
// the calling goroutine, or — if the caller is a worker's own dispatch
// loop rather than a dispatched fiber — the scheduler that loop belongs
// to. Returns nil if neither applies, scheduler.cc's thread_local
// t_scheduler accessor.
func GetThis() *Scheduler {
	if f := fiber.Current(); f != nil {
		fiberOwnerMu.RLock()
		s, ok := fiberOwner[f]
		fiberOwnerMu.RUnlock()
		if ok {
			return s
		}
	}
	gid := goroutineID()
	glsMu.RLock()
	s := glsCurrent[gid]
	glsMu.RUnlock()
	return s
}

// GetMainFiber returns the calling goroutine's thread-main fiber —
// spec.md's "GetThis() / GetMainFiber() — thread-local accessors to the
// scheduler and its dispatch Fiber" — by forwarding to fiber.Main(),
// the package that actually owns this bookkeeping. A worker's dispatch
// loop never becomes a Fiber itself in this translation (see
// scheduler.go's doc comment on use_caller), so the "dispatch Fiber" the
// spec names is, from any goroutine's own point of view, just its
// thread-main fiber.
func GetMainFiber() *fiber.Fiber {
	return fiber.Main()
}
