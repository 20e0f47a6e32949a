//go:build linux

package iomanager

import (
	"golang.org/x/sys/unix"
)

// poller wraps epoll, grounded directly on the teacher's
// eventloop/poller_linux.go FastPoller: epoll_create1/epoll_ctl/
// epoll_wait via golang.org/x/sys/unix, one preallocated event buffer
// reused across calls rather than allocated per-wait.
type poller struct {
	epfd     int
	eventBuf [256]unix.EpollEvent
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &poller{epfd: epfd}, nil
}

func (p *poller) close() error {
	return unix.Close(p.epfd)
}

func (p *poller) add(fd int, ev Event) error {
	e := &unix.EpollEvent{Events: eventsToEpoll(ev), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, e)
}

func (p *poller) modify(fd int, ev Event) error {
	e := &unix.EpollEvent{Events: eventsToEpoll(ev), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, e)
}

func (p *poller) del(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// rawEvent is one readiness notification handed back by wait.
type rawEvent struct {
	fd     int
	events Event
}

// wait blocks up to timeoutMs (negative means forever) and returns the
// ready fds, retrying internally on EINTR the way iomanager.cc's idle()
// loop's "do { ... } while(rt<0 && errno==EINTR)" does.
func (p *poller) wait(timeoutMs int, out []rawEvent) ([]rawEvent, error) {
	for {
		n, err := unix.EpollWait(p.epfd, p.eventBuf[:], timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, err
		}
		out = out[:0]
		for i := 0; i < n; i++ {
			e := p.eventBuf[i]
			ev := epollToEvents(e.Events)
			if e.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				ev |= EventError
			}
			out = append(out, rawEvent{fd: int(e.Fd), events: ev})
		}
		return out, nil
	}
}

func eventsToEpoll(ev Event) uint32 {
	var e uint32
	if ev&EventRead != 0 {
		e |= unix.EPOLLIN
	}
	if ev&EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func epollToEvents(e uint32) Event {
	var ev Event
	if e&unix.EPOLLIN != 0 {
		ev |= EventRead
	}
	if e&unix.EPOLLOUT != 0 {
		ev |= EventWrite
	}
	if e&unix.EPOLLHUP != 0 {
		ev |= EventHangup
	}
	return ev
}
