// Package scheduler implements the N:M dispatch loop from spec.md §4.2:
// a bounded pool of worker goroutines pulling Tasks (a fiber or a plain
// closure, optionally pinned to one worker) off a shared FIFO queue.
//
// original_source/src/scheduler.cc pins its dispatch loop to an OS
// thread and, when use_caller is set, wraps that loop itself in a Fiber
// so it can be "swapped out" on the same stack the scheduler was
// constructed from. Go's fiber package gives every Task fiber its own
// dedicated goroutine (fiber.Fiber.Resume blocks the calling goroutine
// until the task yields), so the dispatch loop itself never needs to be
// a fiber: Resume is already an ordinary blocking call from the loop's
// point of view. use_caller therefore reduces to "run worker 0's loop
// synchronously on the goroutine that called Stop, instead of spawning
// it eagerly in Start" — preserving the property that stopping a
// use-caller scheduler blocks the constructing goroutine until drained.
package scheduler

import (
	"sync"
	"sync/atomic"

	"github.com/withhaotian/apollo/fiber"
	"github.com/withhaotian/apollo/logx"
)

// AnyThread is the Task.Thread sentinel meaning "no affinity".
const AnyThread = -1

// Task is a unit of scheduled work: either a fiber to resume or a plain
// closure to wrap in a throwaway fiber, optionally pinned to one worker.
type Task struct {
	Fiber  *fiber.Fiber
	Cb     func()
	Thread int
}

func (t Task) empty() bool { return t.Fiber == nil && t.Cb == nil }

// Scheduler is the N:M dispatch loop.
type Scheduler struct {
	mu   sync.Mutex
	name string

	tasks []Task

	threadCount int
	useCaller   bool

	rootTask func() // worker 0's loop, run inline by Stop when useCaller

	activeThreadCount atomic.Int64
	idleThreadCount   atomic.Int64

	stopping atomic.Bool
	autoStop atomic.Bool
	started  atomic.Bool

	// callerGoroutineID is scheduler.cc's m_rootThread: the goroutine that
	// called Start on a useCaller scheduler is the only one allowed to
	// later call Stop (which runs worker 0's loop inline on it). 0 means
	// unclaimed; Go has no real OS-thread id, so Start records the id of
	// the goroutine it runs on.
	callerGoroutineID atomic.Uint64

	wg sync.WaitGroup

	// Tickle is called whenever a task is queued while the scheduler had
	// nothing queued before, or when Stop wants to wake every idle
	// worker. The zero value just logs, matching scheduler.cc's default
	// virtual tickle(); override for a real wakeup signal (iomanager
	// overrides this to write to its self-pipe).
	Tickle func()

	// Idle is each worker's body while the queue is empty. The zero
	// value parks via fiber.Yield(Hold) until Stopping(), matching
	// scheduler.cc's default idle().
	Idle func(s *Scheduler)
}

// New constructs a scheduler with the given worker count, matching
// scheduler.cc's constructor. useCaller reserves worker 0 for the
// goroutine that will later call Stop, rather than spawning it in Start.
func New(threads int, useCaller bool, name string) *Scheduler {
	if threads < 1 {
		logx.Fatalf("scheduler %q: threads must be > 0", name)
	}
	s := &Scheduler{
		name:        name,
		threadCount: threads,
		useCaller:   useCaller,
	}
	s.stopping.Store(true)
	return s
}

// Name returns the scheduler's name.
func (s *Scheduler) Name() string { return s.name }

// IdleThreadCount returns how many workers are currently parked in their
// idle fiber, scheduler.cc's hasIdleThreads() generalized to a count so
// IOManager's tickle can skip waking anyone when nobody is idle.
func (s *Scheduler) IdleThreadCount() int64 { return s.idleThreadCount.Load() }

// PendingTasks returns the current queue depth.
func (s *Scheduler) PendingTasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *Scheduler) tickle() {
	if s.Tickle != nil {
		s.Tickle()
		return
	}
	logx.Infof("scheduler %q: tickle", s.name)
}

func (s *Scheduler) idle() {
	if s.Idle != nil {
		s.Idle(s)
		return
	}
	for !s.Stopping() {
		fiber.Yield(fiber.Hold)
	}
}

// Stopping reports whether the scheduler is fully drained and ready to
// exit its dispatch loops, scheduler.cc's stopping().
func (s *Scheduler) Stopping() bool {
	if !s.autoStop.Load() || !s.stopping.Load() {
		return false
	}
	s.mu.Lock()
	empty := len(s.tasks) == 0
	s.mu.Unlock()
	return empty && s.activeThreadCount.Load() == 0
}

// Schedule queues a single task, starting a tickle if the queue was
// previously empty.
func (s *Scheduler) Schedule(t Task) {
	if t.empty() {
		return
	}
	if t.Thread == 0 {
		t.Thread = AnyThread
	}
	s.mu.Lock()
	needTickle := len(s.tasks) == 0
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()
	if needTickle {
		s.tickle()
	}
}

// ScheduleFiber is a convenience wrapper for Schedule with a bare fiber.
func (s *Scheduler) ScheduleFiber(f *fiber.Fiber, thread int) {
	s.Schedule(Task{Fiber: f, Thread: thread})
}

// ScheduleFunc is a convenience wrapper for Schedule with a bare closure.
func (s *Scheduler) ScheduleFunc(cb func(), thread int) {
	s.Schedule(Task{Cb: cb, Thread: thread})
}

// ScheduleBatch queues many tasks under a single lock, tickling at most
// once, matching scheduler.cc's iterator-pair schedule() overload.
func (s *Scheduler) ScheduleBatch(ts []Task) {
	s.mu.Lock()
	needTickle := len(s.tasks) == 0
	for _, t := range ts {
		if t.empty() {
			continue
		}
		s.tasks = append(s.tasks, t)
	}
	s.mu.Unlock()
	if needTickle {
		s.tickle()
	}
}

// Start launches the scheduler's worker goroutines. If useCaller, worker
// 0's loop is deferred until Stop is called on the goroutine that called
// Start; the remaining threadCount-1 workers are spawned now.
func (s *Scheduler) Start() {
	if s.useCaller {
		s.callerGoroutineID.Store(goroutineID())
	}

	s.mu.Lock()
	if !s.stopping.Load() {
		s.mu.Unlock()
		return
	}
	s.stopping.Store(false)
	s.mu.Unlock()

	spawn := s.threadCount
	if s.useCaller {
		spawn--
		s.rootTask = func() { s.run(0) }
	}
	for i := 0; i < spawn; i++ {
		idx := i
		if s.useCaller {
			idx++
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.run(idx)
		}()
	}
	s.started.Store(true)
}

// Stop drains the scheduler: it marks autoStop/stopping, tickles every
// worker so idle loops notice, runs worker 0's loop inline if useCaller
// (blocking the calling goroutine exactly as scheduler.cc's
// m_rootFiber->call() does), then waits for every background worker.
func (s *Scheduler) Stop() {
	if s.useCaller {
		if want := s.callerGoroutineID.Load(); want != 0 && want != goroutineID() {
			logx.Fatalf("scheduler %q: Stop called from a different goroutine than the one that called Start with useCaller", s.name)
		}
	}

	s.autoStop.Store(true)
	s.stopping.Store(true)

	for i := 0; i < s.threadCount; i++ {
		s.tickle()
	}

	if s.rootTask != nil {
		s.rootTask()
	}
	s.wg.Wait()
}

// run is one worker's dispatch loop body, scheduler.cc's run().
func (s *Scheduler) run(workerIdx int) {
	setThis(s)
	defer setThis(nil)

	idleFiber := fiber.New(s.idle)
	registerFiberOwner(idleFiber, s)
	var cbFiber *fiber.Fiber

	for {
		var tk Task
		tickleMe := false
		active := false

		s.mu.Lock()
		for i := range s.tasks {
			t := s.tasks[i]
			if t.Thread != AnyThread && t.Thread != workerIdx {
				tickleMe = true
				continue
			}
			if t.Fiber != nil && t.Fiber.State() == fiber.Exec {
				continue
			}
			tk = t
			active = true
			s.activeThreadCount.Add(1)
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			break
		}
		if !active && len(s.tasks) > 0 {
			tickleMe = true
		}
		s.mu.Unlock()

		if tickleMe {
			s.tickle()
		}

		switch {
		case tk.Fiber != nil:
			registerFiberOwner(tk.Fiber, s)
			st := tk.Fiber.State()
			if st != fiber.Except && st != fiber.Term {
				tk.Fiber.Resume()
			}
			s.activeThreadCount.Add(-1)
			switch tk.Fiber.State() {
			case fiber.Ready:
				s.Schedule(Task{Fiber: tk.Fiber, Thread: AnyThread})
			case fiber.Term, fiber.Except:
			default:
				// left HOLD by its own Yield; the holder of the handle is
				// responsible for re-scheduling it later.
			}

		case tk.Cb != nil:
			if cbFiber != nil {
				cbFiber.Reset(tk.Cb)
			} else {
				cbFiber = fiber.New(tk.Cb)
			}
			cb := cbFiber
			registerFiberOwner(cb, s)
			cb.Resume()
			s.activeThreadCount.Add(-1)
			switch cb.State() {
			case fiber.Ready:
				s.Schedule(Task{Fiber: cb, Thread: AnyThread})
				cbFiber = nil
			case fiber.Term, fiber.Except:
				// kept for reuse via Reset by the next closure task
			default:
				cbFiber = nil
			}

		default:
			if active {
				s.activeThreadCount.Add(-1)
				continue
			}
			if idleFiber.State() == fiber.Term {
				logx.Infof("scheduler %q: worker %d idle fiber terminated", s.name, workerIdx)
				return
			}
			s.idleThreadCount.Add(1)
			idleFiber.Resume()
			s.idleThreadCount.Add(-1)
		}
	}
}
