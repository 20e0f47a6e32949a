package fiber

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFiberLifecycleTerm(t *testing.T) {
	var ran bool
	f := New(func() {
		ran = true
	})
	require.Equal(t, Init, f.State())

	f.Resume()

	assert.True(t, ran)
	assert.Equal(t, Term, f.State())
}

func TestFiberYieldHoldThenResume(t *testing.T) {
	var steps []string
	f := New(func() {
		steps = append(steps, "a")
		Yield(Hold)
		steps = append(steps, "b")
	})

	f.Resume()
	assert.Equal(t, Hold, f.State())
	assert.Equal(t, []string{"a"}, steps)

	f.Resume()
	assert.Equal(t, Term, f.State())
	assert.Equal(t, []string{"a", "b"}, steps)
}

func TestFiberExceptOnPanic(t *testing.T) {
	f := New(func() {
		panic("boom")
	})
	f.Resume()
	assert.Equal(t, Except, f.State())
}

// TestFiberMutualExclusion is spec.md §8's "mutual exclusion" property:
// only one of {resumer, fiber} is ever runnable at a time, so a counter
// touched from inside the fiber body and read right after Resume returns
// never observes a half-updated value, even under -race.
func TestFiberMutualExclusion(t *testing.T) {
	var counter int
	var wg sync.WaitGroup
	fibers := make([]*Fiber, 50)
	for i := range fibers {
		fibers[i] = New(func() {
			counter++
			Yield(Hold)
			counter++
		})
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, f := range fibers {
			f.Resume()
		}
		for _, f := range fibers {
			f.Resume()
		}
	}()
	wg.Wait()

	assert.Equal(t, len(fibers)*2, counter)
	for _, f := range fibers {
		assert.Equal(t, Term, f.State())
	}
}

func TestFiberResetRequiresTerminalState(t *testing.T) {
	f := New(func() {
		Yield(Hold)
	})
	f.Resume()
	require.Equal(t, Hold, f.State())

	assert.Panics(t, func() {
		f.Reset(func() {})
	})

	f.Resume()
	require.Equal(t, Term, f.State())

	assert.NotPanics(t, func() {
		f.Reset(func() {})
	})
	assert.Equal(t, Init, f.State())
}

func TestFiberCreatedAndActiveCounters(t *testing.T) {
	before := Created()
	beforeActive := Active()

	f := New(func() {})
	assert.Equal(t, before+1, Created())
	assert.Equal(t, beforeActive+1, Active())

	f.Resume()
	assert.Equal(t, beforeActive, Active())
}

func TestCurrentInsideFiberBody(t *testing.T) {
	var self *Fiber
	var done = make(chan struct{})
	f := New(func() {
		self = Current()
		close(done)
	})
	f.Resume()
	<-done
	assert.Same(t, f, self)
}

func TestYieldOutsideFiberFatals(t *testing.T) {
	// Calling Yield from the test goroutine itself (no fiber bound to it)
	// must abort rather than silently no-op, matching spec.md §7's fatal
	// invariant-violation taxonomy.
	assert.Panics(t, func() {
		Yield(Hold)
	})
}

func TestFiberIDsAreUnique(t *testing.T) {
	a := New(func() {})
	b := New(func() {})
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestMainFiberCannotBeResumed(t *testing.T) {
	m := Main()
	require.True(t, m.IsMain())
	assert.Panics(t, func() {
		m.Resume()
	})
}

func TestFiberResumeTimingOrder(t *testing.T) {
	// Sanity check that the handshake is synchronous: by the time Resume
	// returns the fiber has actually reached its Yield point, not merely
	// been scheduled to run "eventually".
	var marker time.Time
	f := New(func() {
		marker = time.Now()
		Yield(Hold)
	})
	start := time.Now()
	f.Resume()
	assert.True(t, !marker.Before(start))
	assert.True(t, marker.Before(time.Now()) || marker.Equal(time.Now()))
}
