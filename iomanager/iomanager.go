// Package iomanager implements spec.md §4.3–§4.5: TimerManager (timer.go),
// FdTable (fdtable.go), and the IOManager that composes a Scheduler with
// a platform readiness poller (poller_linux.go/poller_darwin.go) and a
// self-pipe/eventfd wakeup (wakeup_linux.go/wakeup_darwin.go), grounded
// on original_source/src/iomanager.{h,cc} with the epoll/kqueue and
// wakeup mechanics taken from the teacher's eventloop/poller_*.go and
// eventloop/wakeup_*.go.
package iomanager

import (
	"sync/atomic"
	"time"

	"github.com/withhaotian/apollo/fiber"
	"github.com/withhaotian/apollo/logx"
	"github.com/withhaotian/apollo/scheduler"
	"golang.org/x/sys/unix"
)

// maxWait is iomanager.cc's idle() "static const int MAX_TIMEOUT = 5000"
// ceiling applied when no timer is due sooner.
const maxWait = 5000 * time.Millisecond

// IOManager is a Scheduler plus a TimerManager plus fd-readiness
// dispatch, iomanager.h's "class IOManager : public Scheduler, public
// TimerManager". Go has no multiple inheritance, so TimerManager is
// embedded by value and Scheduler by pointer; both sets of methods are
// promoted onto IOManager the way the C++ base classes are.
type IOManager struct {
	*scheduler.Scheduler
	TimerManager

	poller        *poller
	wakeReadFd    int
	wakeWriteFd   int
	fds           fdTable
	pendingEvents atomic.Int64
	closed        atomic.Bool
}

// New constructs and starts an IOManager, iomanager.cc's constructor
// (which itself calls start() at the end).
func New(threads int, useCaller bool, name string) (*IOManager, error) {
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	rfd, wfd, err := createWakeFd()
	if err != nil {
		_ = p.close()
		return nil, err
	}
	if err := p.add(rfd, EventRead); err != nil {
		_ = p.close()
		closeWakeFd(rfd, wfd)
		return nil, err
	}

	m := &IOManager{
		Scheduler:   scheduler.New(threads, useCaller, name),
		poller:      p,
		wakeReadFd:  rfd,
		wakeWriteFd: wfd,
	}
	m.TimerManager.OnTimerInsertAtFront = m.tickle
	m.Scheduler.Tickle = m.tickle
	m.Scheduler.Idle = m.idle
	m.Scheduler.Start()
	return m, nil
}

// Close stops the scheduler and releases the poller/wake fds,
// iomanager.cc's destructor.
func (m *IOManager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	m.Scheduler.Stop()
	_ = m.poller.close()
	closeWakeFd(m.wakeReadFd, m.wakeWriteFd)
}

func (m *IOManager) tickle() {
	if m.Scheduler.IdleThreadCount() == 0 {
		return
	}
	if err := wake(m.wakeWriteFd); err != nil {
		logx.Errorf("iomanager %q: wake failed: %v", m.Scheduler.Name(), err)
	}
}

// AddEvent registers interest in ev on fd, running cb (or, if cb is
// nil, rescheduling the calling fiber) when it fires — addEvent.
func (m *IOManager) AddEvent(fd int, ev Event, cb func()) error {
	c := m.fds.get(fd)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.events&ev != 0 {
		return ErrEventAlreadyRegistered
	}

	newEvents := c.events | ev
	var err error
	if c.events == EventNone {
		err = m.poller.add(fd, newEvents)
	} else {
		err = m.poller.modify(fd, newEvents)
	}
	if err != nil {
		return err
	}

	m.pendingEvents.Add(1)
	c.events = newEvents
	ctx := c.context(ev)
	ctx.sched = m.Scheduler
	if cb != nil {
		ctx.cb = cb
	} else {
		cur := fiber.Current()
		if cur == nil || cur.State() != fiber.Exec {
			logx.Fatalf("iomanager: AddEvent with no callback must be called from a running fiber")
		}
		ctx.fiber = cur
	}
	return nil
}

// DelEvent unregisters ev on fd without running its waiter, delEvent.
func (m *IOManager) DelEvent(fd int, ev Event) error {
	c := m.fds.lookup(fd)
	if c == nil {
		return ErrFDOutOfRange
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events&ev == 0 {
		return ErrEventNotRegistered
	}
	newEvents := c.events &^ ev
	var err error
	if newEvents == EventNone {
		err = m.poller.del(fd)
	} else {
		err = m.poller.modify(fd, newEvents)
	}
	if err != nil {
		return err
	}
	m.pendingEvents.Add(-1)
	c.events = newEvents
	c.context(ev).reset()
	return nil
}

// CancelEvent unregisters ev on fd and fires its waiter immediately
// (typically with an error already stashed in the closure/fiber by the
// caller), cancelEvent.
func (m *IOManager) CancelEvent(fd int, ev Event) error {
	c := m.fds.lookup(fd)
	if c == nil {
		return ErrFDOutOfRange
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events&ev == 0 {
		return ErrEventNotRegistered
	}
	newEvents := c.events &^ ev
	var err error
	if newEvents == EventNone {
		err = m.poller.del(fd)
	} else {
		err = m.poller.modify(fd, newEvents)
	}
	if err != nil {
		return err
	}
	c.triggerEvent(ev)
	m.pendingEvents.Add(-1)
	return nil
}

// CancelAll unregisters and fires every waiter on fd, cancelAll.
func (m *IOManager) CancelAll(fd int) error {
	c := m.fds.lookup(fd)
	if c == nil {
		return ErrFDOutOfRange
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events == EventNone {
		return ErrEventNotRegistered
	}
	if err := m.poller.del(fd); err != nil {
		return err
	}
	if c.events&EventRead != 0 {
		c.triggerEvent(EventRead)
		m.pendingEvents.Add(-1)
	}
	if c.events&EventWrite != 0 {
		c.triggerEvent(EventWrite)
		m.pendingEvents.Add(-1)
	}
	return nil
}

// FDMeta exposes the fd metadata the hook package needs without handing
// out the private fdContext itself — isSocket/nonblock flags/timeouts,
// the fields original_source/src/hook.cc reads off its FdCtx.
type FDMeta struct {
	IsSocket     bool
	UserNonblock bool
	SysNonblock  bool
	RecvTimeout  time.Duration
	SendTimeout  time.Duration
	Closed       bool
}

// FDMeta returns fd's current metadata, creating its table slot if new.
func (m *IOManager) FDMeta(fd int) FDMeta {
	c := m.fds.get(fd)
	c.mu.Lock()
	defer c.mu.Unlock()
	return FDMeta{
		IsSocket:     c.isSocket,
		UserNonblock: c.userNonblock,
		SysNonblock:  c.sysNonblock,
		RecvTimeout:  c.recvTimeout,
		SendTimeout:  c.sendTimeout,
		Closed:       c.closed,
	}
}

// SetSocket marks fd as a socket, socket()'s "FdMgr::GetInstance()->get(fd, true)".
// The entry starts fresh: a closed flag, user nonblock request or timeouts
// left behind by an earlier fd with the same number are cleared.
func (m *IOManager) SetSocket(fd int, isSocket bool) {
	c := m.fds.get(fd)
	c.mu.Lock()
	c.isSocket = isSocket
	c.closed = false
	c.userNonblock = false
	c.recvTimeout = 0
	c.sendTimeout = 0
	// sockets this runtime creates are always put in O_NONBLOCK
	c.sysNonblock = unix.SetNonblock(fd, true) == nil
	c.mu.Unlock()
}

// SetUserNonblock records the application's own fcntl(F_SETFL, O_NONBLOCK) request.
func (m *IOManager) SetUserNonblock(fd int, v bool) {
	c := m.fds.get(fd)
	c.mu.Lock()
	c.userNonblock = v
	c.mu.Unlock()
}

// SetTimeout sets the read (forRead) or write timeout for fd,
// setsockopt's SO_RCVTIMEO/SO_SNDTIMEO interception.
func (m *IOManager) SetTimeout(fd int, forRead bool, d time.Duration) {
	c := m.fds.get(fd)
	c.mu.Lock()
	if forRead {
		c.recvTimeout = d
	} else {
		c.sendTimeout = d
	}
	c.mu.Unlock()
}

// MarkClosed marks fd as closed and cancels any pending events on it,
// close()'s "iom->cancelAll(fd)". The table entry is kept, with its closed
// flag set, until SetSocket registers the same fd number again.
func (m *IOManager) MarkClosed(fd int) {
	c := m.fds.lookup(fd)
	if c == nil {
		return
	}
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	_ = m.CancelAll(fd)
}

// stopping reports whether the manager can shut down: no pending timer,
// the base Scheduler agrees, and no pending events — iomanager.cc's
// two-argument stopping(uint64_t&) overload.
func (m *IOManager) stopping() (time.Duration, bool) {
	next := m.TimerManager.GetNextTimer()
	ok := next < 0 && m.Scheduler.Stopping() && m.pendingEvents.Load() == 0
	return next, ok
}

// idle is the dispatch loop's default "nothing to do" fiber body,
// iomanager.cc's idle(). Each iteration blocks in the platform poller,
// runs due timers, reschedules ready fds, then yields back to the
// dispatch loop — see DESIGN.md's IOManager notes on why the yield is
// unconditional every iteration rather than only on exit.
func (m *IOManager) idle(s *scheduler.Scheduler) {
	var buf []rawEvent
	for {
		next, done := m.stopping()
		if done {
			logx.Infof("iomanager %q: idle exiting", s.Name())
			return
		}

		timeout := maxWait
		if next >= 0 && next < maxWait {
			timeout = next
		}
		events, err := m.poller.wait(int(timeout/time.Millisecond), buf)
		if err != nil {
			logx.Errorf("iomanager %q: poll failed: %v", s.Name(), err)
		}
		buf = events

		for _, cb := range m.TimerManager.ListExpiredCbs() {
			s.ScheduleFunc(cb, scheduler.AnyThread)
		}

		for _, e := range events {
			if e.fd == m.wakeReadFd {
				drainWake(m.wakeReadFd)
				continue
			}
			c := m.fds.lookup(e.fd)
			if c == nil {
				continue
			}
			c.mu.Lock()
			real := e.events &^ EventError
			if e.events&EventError != 0 {
				real |= c.events & (EventRead | EventWrite)
			}
			real &= c.events
			if real == EventNone {
				c.mu.Unlock()
				continue
			}
			newEvents := c.events &^ real
			var mErr error
			if newEvents == EventNone {
				mErr = m.poller.del(e.fd)
			} else {
				mErr = m.poller.modify(e.fd, newEvents)
			}
			if mErr != nil {
				logx.Errorf("iomanager %q: re-arm fd=%d failed: %v", s.Name(), e.fd, mErr)
				c.mu.Unlock()
				continue
			}
			c.events = newEvents
			if real&EventRead != 0 {
				c.triggerEvent(EventRead)
				m.pendingEvents.Add(-1)
			}
			if real&EventWrite != 0 {
				c.triggerEvent(EventWrite)
				m.pendingEvents.Add(-1)
			}
			c.mu.Unlock()
		}

		fiber.Yield(fiber.Hold)
	}
}
