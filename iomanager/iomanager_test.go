package iomanager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/withhaotian/apollo/fiber"
	"golang.org/x/sys/unix"
)

func TestEventStringFormatsKnownBits(t *testing.T) {
	assert.Equal(t, "NONE", EventNone.String())
	assert.Equal(t, "READ", EventRead.String())
	assert.Equal(t, "READ|WRITE", (EventRead | EventWrite).String())
	assert.Equal(t, "READ|WRITE|ERROR|HANGUP", (EventRead | EventWrite | EventError | EventHangup).String())
}

func socketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	return fds[0], fds[1]
}

// TestAddEventFiresCallbackOnReadiness drives AddEvent/DelEvent directly
// (bypassing the hook layer) to exercise IOManager's own event-waiting
// contract: a registered callback runs once the fd becomes readable.
func TestAddEventFiresCallbackOnReadiness(t *testing.T) {
	m, err := New(1, false, "iomanager-test")
	require.NoError(t, err)
	defer m.Close()

	a, b := socketpair(t)
	defer unix.Close(a)
	defer unix.Close(b)

	done := make(chan struct{})
	require.NoError(t, m.AddEvent(a, EventRead, func() { close(done) }))

	_, err = unix.Write(b, []byte("x"))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for read-readiness callback")
	}
}

// TestAddEventRejectsDuplicateRegistration matches addEvent's
// already-registered error path.
func TestAddEventRejectsDuplicateRegistration(t *testing.T) {
	m, err := New(1, false, "iomanager-dup-test")
	require.NoError(t, err)
	defer m.Close()

	a, b := socketpair(t)
	defer unix.Close(a)
	defer unix.Close(b)

	require.NoError(t, m.AddEvent(a, EventRead, func() {}))
	assert.ErrorIs(t, m.AddEvent(a, EventRead, func() {}), ErrEventAlreadyRegistered)
}

// TestDelEventOnUnknownFdErrors matches delEvent on an fd that was never
// registered.
func TestDelEventOnUnknownFdErrors(t *testing.T) {
	m, err := New(1, false, "iomanager-unknown-fd-test")
	require.NoError(t, err)
	defer m.Close()

	assert.ErrorIs(t, m.DelEvent(999999, EventRead), ErrFDOutOfRange)
}

// TestCancelAllWakesFiberWaiter exercises the "no explicit callback —
// reschedule the calling fiber" branch of AddEvent, driven through
// CancelAll rather than real readiness.
func TestCancelAllWakesFiberWaiter(t *testing.T) {
	m, err := New(1, false, "iomanager-cancel-test")
	require.NoError(t, err)
	defer m.Close()

	a, b := socketpair(t)
	defer unix.Close(a)
	defer unix.Close(b)

	resumed := make(chan struct{})
	f := fiber.New(func() {
		require.NoError(t, m.AddEvent(a, EventRead, nil))
		fiber.Yield(fiber.Hold)
		close(resumed)
	})
	m.ScheduleFiber(f, 0)

	// Give the worker a moment to register the event from inside the
	// fiber before we cancel it out from under the waiter.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, m.CancelAll(a))

	select {
	case <-resumed:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for CancelAll to wake the waiting fiber")
	}
	_ = b
}
