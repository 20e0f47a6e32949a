package fiber

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// Go exposes no per-OS-thread (or per-goroutine) storage slot, which the
// original design relies on for "the fiber currently executing on this
// thread". Per spec.md §9's re-architecture hint ("model as thread-local
// storage slots exposed through accessor functions"), we key a small map
// by the calling goroutine's id, extracted the same way the runtime's own
// race detector and most goroutine-local-storage shims do: parsing the
// leading "goroutine N [...]" line of a runtime.Stack dump. This is only
// ever called at Resume/Yield boundaries, not on any hot path.
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
var glsCurrent = make(map[uint64]*Fiber)
var glsMain = make(map[uint64]*Fiber)

// setCurrent installs f as the fiber executing on the calling goroutine.
func setCurrent(f *Fiber) {
	gid := goroutineID()
	glsMu.Lock()
	if f == nil {
		delete(glsCurrent, gid)
	} else {
		glsCurrent[gid] = f
	}
	glsMu.Unlock()
}

// Current returns the fiber executing on the calling goroutine, or nil if
// none has been installed (i.e. this goroutine has never run a fiber).
func Current() *Fiber {
	gid := goroutineID()
	glsMu.RLock()
	f := glsCurrent[gid]
	glsMu.RUnlock()
	return f
}

// setMain records f as the thread-main fiber that owns the calling
// goroutine's own stack (spec.md §3: "constructed lazily on first use").
func setMain(f *Fiber) {
	gid := goroutineID()
	glsMu.Lock()
	glsMain[gid] = f
	glsMu.Unlock()
}

// Main returns the thread-main fiber for the calling goroutine, creating
// it on first use.
func Main() *Fiber {
	gid := goroutineID()
	glsMu.RLock()
	f := glsMain[gid]
	glsMu.RUnlock()
	if f != nil {
		return f
	}
	f = newMainFiber()
	setMain(f)
	setCurrent(f)
	return f
}
