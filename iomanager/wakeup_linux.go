//go:build linux

package iomanager

import "golang.org/x/sys/unix"

// createWakeFd creates an eventfd, grounded on the teacher's
// eventloop/wakeup_linux.go: a single fd serves as both read and write
// end, replacing original_source/src/iomanager.cc's two-fd pipe
// (m_tickleFds) with the cheaper, single-fd Linux-native primitive.
func createWakeFd() (readFd, writeFd int, err error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return -1, -1, err
	}
	return fd, fd, nil
}

func closeWakeFd(readFd, writeFd int) {
	if readFd >= 0 {
		_ = unix.Close(readFd)
	}
}

// wake writes one notification, iomanager.cc's tickle() "write(fd, "T", 1)".
func wake(writeFd int) error {
	var one [8]byte
	one[0] = 1
	_, err := unix.Write(writeFd, one[:])
	if err == unix.EAGAIN {
		return nil // already pending, coalesces like eventfd counters do
	}
	return err
}

// drainWake drains every pending wakeup, iomanager.cc's idle() loop
// reading m_tickleFds[0] "while(read(...)>0)".
func drainWake(readFd int) {
	var buf [8]byte
	for {
		_, err := unix.Read(readFd, buf[:])
		if err != nil {
			return
		}
	}
}
