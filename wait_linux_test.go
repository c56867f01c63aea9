//go:build linux

package epoll

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// interruptedCycle returns a waitCycle whose poll fails with EINTR the first
// interrupts times, then reports a single event for token 7.
func interruptedCycle(counts *counters, interrupts int, timeouts *[]int) waitCycle {
	return waitCycle{
		counts: counts,
		poll: func(ms int) (int, error) {
			*timeouts = append(*timeouts, ms)
			if interrupts > 0 {
				interrupts--
				return 0, unix.EINTR
			}
			return 1, nil
		},
		deliver: func(dst []Event, n int) ([]Event, bool, error) {
			for i := 0; i < n; i++ {
				dst = append(dst, Event{Token: 7, Events: EventRead})
			}
			return dst, false, nil
		},
	}
}

func TestWaitCycle_interruptedForever(t *testing.T) {
	counts := new(counters)
	var timeouts []int
	c := interruptedCycle(counts, 3, &timeouts)

	events, err := c.run(nil, Forever)
	require.NoError(t, err)
	assert.Equal(t, []Event{{Token: 7, Events: EventRead}}, events)
	assert.Equal(t, []int{-1, -1, -1, -1}, timeouts)

	s := counts.snapshot(0)
	assert.Equal(t, uint64(3), s.Interrupted)
	assert.Equal(t, uint64(1), s.Waits)
}

func TestWaitCycle_interruptedLogs(t *testing.T) {
	var logs bytes.Buffer
	counts := new(counters)
	var timeouts []int
	c := interruptedCycle(counts, 2, &timeouts)
	c.logger = newTestLogger(&logs)

	events, err := c.run(nil, time.Minute)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, 2, countMessages(&logs, "epoll: wait interrupted, retrying"))
	for _, ms := range timeouts {
		assert.Greater(t, ms, 0)
		assert.LessOrEqual(t, ms, int(time.Minute/time.Millisecond))
	}
}

// Interruptions are retried only up to the original deadline.
func TestWaitCycle_interruptedUntilDeadline(t *testing.T) {
	const timeout = 30 * time.Millisecond
	counts := new(counters)
	var timeouts []int
	c := waitCycle{
		counts: counts,
		poll: func(ms int) (int, error) {
			timeouts = append(timeouts, ms)
			time.Sleep(5 * time.Millisecond)
			return 0, unix.EINTR
		},
		deliver: func(dst []Event, n int) ([]Event, bool, error) {
			t.Fatal("deliver called after EINTR")
			return dst, false, nil
		},
	}

	start := time.Now()
	events, err := c.run(nil, timeout)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Empty(t, events)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, 5*time.Second)
	require.NotEmpty(t, timeouts)
	assert.Equal(t, uint64(len(timeouts)), counts.snapshot(0).Interrupted)
	// each retry asks for what remains, never more than the original timeout
	for i, ms := range timeouts {
		assert.LessOrEqual(t, ms, int(timeout/time.Millisecond), "retry %d", i)
		if i > 0 {
			assert.LessOrEqual(t, ms, timeouts[i-1], "retry %d", i)
		}
	}
}

func TestWaitCycle_interruptedImmediate(t *testing.T) {
	counts := new(counters)
	var timeouts []int
	c := interruptedCycle(counts, 1, &timeouts)

	events, err := c.run(nil, Immediate)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, []int{0}, timeouts)
	assert.Equal(t, uint64(1), counts.snapshot(0).Interrupted)
}

// A cycle that delivers nothing, e.g. only stale or internal events, keeps
// waiting until the deadline.
func TestWaitCycle_emptyDeliveryWaitsForDeadline(t *testing.T) {
	const timeout = 20 * time.Millisecond
	var calls int
	c := waitCycle{
		counts: new(counters),
		poll: func(ms int) (int, error) {
			calls++
			if ms > 0 {
				time.Sleep(time.Millisecond)
			}
			return 0, nil
		},
		deliver: func(dst []Event, n int) ([]Event, bool, error) {
			return dst, false, nil
		},
	}

	start := time.Now()
	events, err := c.run(nil, timeout)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.GreaterOrEqual(t, time.Since(start), timeout)
	assert.Greater(t, calls, 1)
}

func TestWaitCycle_pollError(t *testing.T) {
	c := waitCycle{
		counts: new(counters),
		poll: func(ms int) (int, error) {
			return 0, unix.EBADF
		},
		deliver: func(dst []Event, n int) ([]Event, bool, error) {
			t.Fatal("deliver called after error")
			return dst, false, nil
		},
	}
	_, err := c.run(nil, Forever)
	assert.ErrorIs(t, err, unix.EBADF)
	assert.ErrorIs(t, err, ErrInvalidHandle)
}

func TestDeadline_millis(t *testing.T) {
	assert.Equal(t, -1, newDeadline(Forever).millis())
	assert.False(t, newDeadline(Forever).expired())
	assert.Equal(t, 0, newDeadline(Immediate).millis())
	assert.True(t, newDeadline(Immediate).expired())

	// rounded up
	ms := newDeadline(time.Microsecond).millis()
	assert.Contains(t, []int{0, 1}, ms)
	assert.Equal(t, 1000, newDeadline(time.Second).millis())

	assert.Equal(t, math.MaxInt32, newDeadline(1000*time.Hour).millis())

	expired := deadline{at: time.Now().Add(-time.Second)}
	assert.Equal(t, 0, expired.millis())
	assert.True(t, expired.expired())
}
