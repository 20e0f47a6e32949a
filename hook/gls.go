package hook

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// Per-goroutine "is hooking enabled here" flag, the Go stand-in for
// original_source/src/hook.cc's thread_local t_hook_enable — see
// fiber/gls.go for why goroutine-id-keyed maps are this translation's
// substitute for C++ thread_local.
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

var enabledMu sync.RWMutex
var enabled = make(map[uint64]bool)

// SetEnabled is set_hook_enable: turns hook interposition on/off for the
// calling goroutine. The flag is keyed by goroutine and every fiber runs
// on its own goroutine, so each fiber body that wants hooking calls
// SetEnabled(true) itself; the scheduler's dispatch loop does not set it.
func SetEnabled(v bool) {
	gid := goroutineID()
	enabledMu.Lock()
	if v {
		enabled[gid] = true
	} else {
		delete(enabled, gid)
	}
	enabledMu.Unlock()
}

// Enabled is is_hook_enable.
func Enabled() bool {
	gid := goroutineID()
	enabledMu.RLock()
	v := enabled[gid]
	enabledMu.RUnlock()
	return v
}
