//go:build darwin

package iomanager

import "golang.org/x/sys/unix"

// createWakeFd creates a self-pipe, grounded on the teacher's
// eventloop/wakeup_darwin.go: Darwin has no eventfd, so a non-blocking
// pipe plays the same role iomanager.cc's m_tickleFds pipe does.
func createWakeFd() (readFd, writeFd int, err error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return -1, -1, err
	}
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return -1, -1, err
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}

func closeWakeFd(readFd, writeFd int) {
	if readFd >= 0 {
		_ = unix.Close(readFd)
	}
	if writeFd >= 0 && writeFd != readFd {
		_ = unix.Close(writeFd)
	}
}

func wake(writeFd int) error {
	_, err := unix.Write(writeFd, []byte{'T'})
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func drainWake(readFd int) {
	var buf [256]byte
	for {
		_, err := unix.Read(readFd, buf[:])
		if err != nil {
			return
		}
	}
}
