package iomanager

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
	"weak"
)

// Timer is a single scheduled callback, original_source/src/timer.cc's
// Timer class. A Go slice-backed container/heap min-heap stands in for
// the C++ std::set<Timer::ptr, Comparable>: both give O(log n)
// insert/remove-min, and the heap's Less uses the same (deadline,
// identity) tiebreak Comparable does ("if lhs->m_next != rhs->m_next,
// compare that; else compare address") — seq substitutes for address
// since Go values don't have a stable, comparable identity the way a
// pointer's numeric value does for an ordering relation.
type Timer struct {
	mgr       *TimerManager
	ms        int64 // period, milliseconds
	recurring bool
	next      time.Time
	cb        func()
	seq       uint64
	index     int // heap position, maintained by container/heap
	cancelled bool
}

var timerSeq atomic.Uint64

// Cancel cancels the timer. Returns false if it had already fired or
// been cancelled, mirroring Timer::cancel's m_cb-is-null check.
func (t *Timer) Cancel() bool {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	if t.cb == nil || t.cancelled {
		return false
	}
	t.cb = nil
	t.cancelled = true
	if t.index >= 0 {
		heap.Remove(&t.mgr.timers, t.index)
	}
	return true
}

// Refresh resets the timer's deadline to now+period, Timer::refresh.
func (t *Timer) Refresh() bool {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	if t.cb == nil || t.index < 0 {
		return false
	}
	heap.Remove(&t.mgr.timers, t.index)
	t.next = time.Now().Add(time.Duration(t.ms) * time.Millisecond)
	heap.Push(&t.mgr.timers, t)
	return true
}

// Reset reassigns the timer's period. If fromNow, the new deadline is
// now+ms; otherwise it is the original start time + ms (Timer::reset's
// two branches: "start = from_now ? now : m_next - m_ms").
func (t *Timer) Reset(ms int64, fromNow bool) bool {
	t.mgr.mu.Lock()
	if ms == t.ms && !fromNow {
		t.mgr.mu.Unlock()
		return true
	}
	defer t.mgr.mu.Unlock()
	if t.cb == nil || t.index < 0 {
		return false
	}
	heap.Remove(&t.mgr.timers, t.index)

	var start time.Time
	if fromNow {
		start = time.Now()
	} else {
		start = t.next.Add(-time.Duration(t.ms) * time.Millisecond)
	}
	t.ms = ms
	t.next = start.Add(time.Duration(ms) * time.Millisecond)
	t.mgr.pushLocked(t)
	return true
}

type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if !h[i].next.Equal(h[j].next) {
		return h[i].next.Before(h[j].next)
	}
	return h[i].seq < h[j].seq
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// TimerManager is original_source/src/timer.cc's TimerManager: a
// min-heap of pending timers plus the "onTimerInsertAtFront" hook a
// subclass (IOManager) uses to wake a blocked poll when the new timer
// is now the soonest deadline.
type TimerManager struct {
	mu      sync.Mutex
	timers  timerHeap
	tickled bool

	// OnTimerInsertAtFront is called (without mgr.mu held) whenever a
	// new timer becomes the earliest deadline, so a polling loop blocked
	// past that deadline can be woken. nil is a valid no-op, matching
	// TimerManager being usable standalone in tests.
	OnTimerInsertAtFront func()
}

// AddTimer schedules cb to run after ms milliseconds (and, if recurring,
// every ms milliseconds thereafter), TimerManager::addTimer.
func (m *TimerManager) AddTimer(ms int64, cb func(), recurring bool) *Timer {
	t := &Timer{
		mgr:       m,
		ms:        ms,
		recurring: recurring,
		next:      time.Now().Add(time.Duration(ms) * time.Millisecond),
		cb:        cb,
		seq:       timerSeq.Add(1),
	}
	m.mu.Lock()
	atFront := m.pushLocked(t)
	m.mu.Unlock()
	if atFront && m.OnTimerInsertAtFront != nil {
		m.OnTimerInsertAtFront()
	}
	return t
}

// pushLocked inserts t and reports whether it landed at the heap's root
// and no earlier insertion this "tick" already reported that (mirroring
// addTimer's "atFront = (it==begin()) && !m_tickled" de-duplication, so
// a burst of new earliest-timers only tickles the scheduler once).
func (m *TimerManager) pushLocked(t *Timer) bool {
	heap.Push(&m.timers, t)
	atFront := m.timers[0] == t && !m.tickled
	if atFront {
		m.tickled = true
	}
	return atFront
}

// AddConditionTimer is addConditionTimer: cb only fires if cond is still
// reachable when the timer expires. original_source uses a weak_ptr;
// Go's weak.Pointer[T] (introduced for exactly this "observe without
// extending lifetime" need) is the direct translation, mirroring the
// teacher's registry.go use of weak.Pointer for promise liveness. Methods
// cannot carry their own type parameters in Go, so this is a free
// function taking the manager explicitly rather than m.AddConditionTimer.
func AddConditionTimer[T any](m *TimerManager, ms int64, cb func(), cond *T, recurring bool) *Timer {
	w := weak.Make(cond)
	return m.AddTimer(ms, func() {
		if w.Value() != nil {
			cb()
		}
	}, recurring)
}

// GetNextTimer returns the duration until the next timer fires (0 if
// already due, or -1 if there are none), matching getNextTimer()'s
// UINT64_MAX-means-"no timer" sentinel reframed as a signed Go duration.
func (m *TimerManager) GetNextTimer() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickled = false
	if len(m.timers) == 0 {
		return -1
	}
	d := time.Until(m.timers[0].next)
	if d < 0 {
		return 0
	}
	return d
}

// ListExpiredCbs pops every timer whose deadline has passed, re-queuing
// recurring ones at their next deadline, and returns their callbacks —
// TimerManager::listExpiredCbs.
func (m *TimerManager) ListExpiredCbs() []func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.timers) == 0 || m.timers[0].next.After(time.Now()) {
		return nil
	}
	now := time.Now()
	var cbs []func()
	for len(m.timers) > 0 && !m.timers[0].next.After(now) {
		t := heap.Pop(&m.timers).(*Timer)
		cbs = append(cbs, t.cb)
		if t.recurring {
			t.next = now.Add(time.Duration(t.ms) * time.Millisecond)
			heap.Push(&m.timers, t)
		} else {
			t.cb = nil
		}
	}
	return cbs
}

// HasTimer reports whether any timer is currently pending.
func (m *TimerManager) HasTimer() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers) > 0
}
