// Command apollo-echo is a minimal demo wiring Scheduler, IOManager and
// the hook layer together into a working TCP echo server, in the spirit
// of the teacher pack's small per-package example commands.
package main

import (
	"flag"
	"net"
	"strconv"
	"time"

	"github.com/withhaotian/apollo/config"
	"github.com/withhaotian/apollo/fiber"
	"github.com/withhaotian/apollo/hook"
	"github.com/withhaotian/apollo/iomanager"
	"github.com/withhaotian/apollo/logx"
	"github.com/withhaotian/apollo/scheduler"
	"golang.org/x/sys/unix"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:9527", "listen address, host:port")
	threads := flag.Int("threads", 4, "IOManager worker count")
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	if *configPath != "" {
		if _, err := config.Load(*configPath); err != nil {
			logx.Fatalf("apollo-echo: loading config %q: %v", *configPath, err)
		}
	}

	host, port, err := splitHostPort(*addr)
	if err != nil {
		logx.Fatalf("apollo-echo: parsing address %q: %v", *addr, err)
	}

	// useCaller=false: every worker is spawned eagerly in New, since this
	// process has no other goroutine waiting to run worker 0's loop for
	// us (it just blocks forever below).
	iom, err := iomanager.New(*threads, false, "apollo-echo")
	if err != nil {
		logx.Fatalf("apollo-echo: creating IOManager: %v", err)
	}
	defer iom.Close()

	iom.ScheduleFunc(func() {
		hook.SetEnabled(true)
		fd, err := hook.Socket(iom, unix.AF_INET, unix.SOCK_STREAM, 0)
		if err != nil {
			logx.Fatalf("apollo-echo: socket: %v", err)
		}
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			logx.Fatalf("apollo-echo: setsockopt(SO_REUSEADDR): %v", err)
		}
		if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port, Addr: host}); err != nil {
			logx.Fatalf("apollo-echo: bind: %v", err)
		}
		if err := unix.Listen(fd, 128); err != nil {
			logx.Fatalf("apollo-echo: listen: %v", err)
		}
		logx.Infof("apollo-echo: listening on %s", *addr)
		acceptLoop(iom, fd)
	}, scheduler.AnyThread)

	select {} // demo process: run until killed
}

func acceptLoop(iom *iomanager.IOManager, lfd int) {
	for {
		cfd, _, err := hook.Accept(iom, lfd)
		if err != nil {
			logx.Errorf("apollo-echo: accept: %v", err)
			return
		}
		conn := cfd
		iom.ScheduleFiber(fiber.New(func() {
			hook.SetEnabled(true)
			echoConn(iom, conn)
		}), scheduler.AnyThread)
	}
}

func echoConn(iom *iomanager.IOManager, fd int) {
	defer hook.Close(iom, fd)
	hook.SetRecvTimeout(iom, fd, 30*time.Second)

	buf := make([]byte, 4096)
	for {
		n, err := hook.Read(iom, fd, buf)
		if err != nil || n == 0 {
			return
		}
		if _, err := hook.Write(iom, fd, buf[:n]); err != nil {
			return
		}
	}
}

func splitHostPort(addr string) (host [4]byte, port int, err error) {
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return host, 0, err
	}
	portNum, err := strconv.Atoi(p)
	if err != nil {
		return host, 0, err
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return host, 0, &net.AddrError{Err: "invalid host", Addr: h}
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return host, 0, &net.AddrError{Err: "only IPv4 listen addresses are supported", Addr: h}
	}
	copy(host[:], ip4)
	return host, portNum, nil
}
