//go:build darwin

package iomanager

import (
	"golang.org/x/sys/unix"
)

// poller wraps kqueue, grounded on the teacher's
// eventloop/poller_darwin.go FastPoller: one kqueue fd, EV_ADD/EV_DELETE
// per direction (kqueue has no single combined read+write filter the
// way epoll does, so add/modify/del touch up to two Kevent_t entries).
type poller struct {
	kq       int
	eventBuf [256]unix.Kevent_t
}

func newPoller() (*poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)
	return &poller{kq: kq}, nil
}

func (p *poller) close() error {
	return unix.Close(p.kq)
}

func (p *poller) changeList(fd int, ev Event, flags uint16) []unix.Kevent_t {
	var kevs []unix.Kevent_t
	if ev&EventRead != 0 {
		kevs = append(kevs, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if ev&EventWrite != 0 {
		kevs = append(kevs, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	}
	return kevs
}

func (p *poller) add(fd int, ev Event) error {
	kevs := p.changeList(fd, ev, unix.EV_ADD|unix.EV_ENABLE)
	if len(kevs) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.kq, kevs, nil, nil)
	return err
}

// modify replaces an fd's full registration: delete every filter then
// re-add the requested ones, since kqueue tracks read/write independently.
func (p *poller) modify(fd int, ev Event) error {
	_ = p.del(fd)
	return p.add(fd, ev)
}

func (p *poller) del(fd int) error {
	kevs := p.changeList(fd, EventRead|EventWrite, unix.EV_DELETE)
	if len(kevs) == 0 {
		return nil
	}
	_, _ = unix.Kevent(p.kq, kevs, nil, nil)
	return nil
}

type rawEvent struct {
	fd     int
	events Event
}

// wait blocks up to timeoutMs (negative means forever).
func (p *poller) wait(timeoutMs int, out []rawEvent) ([]rawEvent, error) {
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * 1e6)
		ts = &t
	}
	for {
		n, err := unix.Kevent(p.kq, nil, p.eventBuf[:], ts)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, err
		}
		out = out[:0]
		for i := 0; i < n; i++ {
			k := p.eventBuf[i]
			var ev Event
			switch k.Filter {
			case unix.EVFILT_READ:
				ev = EventRead
			case unix.EVFILT_WRITE:
				ev = EventWrite
			}
			if k.Flags&(unix.EV_ERROR|unix.EV_EOF) != 0 {
				ev |= EventError
			}
			out = append(out, rawEvent{fd: int(k.Ident), events: ev})
		}
		return out, nil
	}
}
