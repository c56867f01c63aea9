//go:build linux

package epoll

import (
	"context"
	"math"
	"time"

	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

const (
	// Forever makes a wait block until at least one event is delivered.
	Forever time.Duration = -1
	// Immediate makes a wait return without blocking.
	Immediate time.Duration = 0
)

// Wait blocks until at least one registration is ready, or timeout elapses,
// returning the ready events. A negative timeout ([Forever]) never elapses,
// a zero timeout ([Immediate]) does not block.
//
// An empty result means the timeout elapsed. Interruption by a signal is
// retried transparently, up to the original deadline.
//
// One-shot registrations are retired as they are delivered: their token
// becomes invalid, and the handle may be registered again.
//
// Readiness is passed through from the kernel as-is: a level-triggered
// registration is reported on every wait while its condition holds, an
// edge-triggered one only after a new transition, so the caller must drain
// it (e.g. read until EAGAIN) first.
//
// To interrupt a blocked Wait, register a [Waker] alongside the real
// interests, or use [Poller.WaitContext].
func (p *Poller) Wait(timeout time.Duration) ([]Event, error) {
	return p.WaitInto(nil, timeout)
}

// WaitInto is [Poller.Wait], appending to dst.
func (p *Poller) WaitInto(dst []Event, timeout time.Duration) ([]Event, error) {
	p.processLeaks()
	return p.wait(nil, dst, timeout)
}

// WaitContext is [Poller.Wait], additionally returning a [KindCanceled]
// error, that wraps ctx.Err(), once ctx is done. Events observed in the same
// cycle as the cancellation take precedence, and are returned without error.
//
// Cancellation is delivered through an internal [Waker], created on first
// use, that does not count as a registration.
func (p *Poller) WaitContext(ctx context.Context, timeout time.Duration) ([]Event, error) {
	p.processLeaks()
	if ctx.Done() == nil {
		return p.wait(nil, nil, timeout)
	}
	if err := ctx.Err(); err != nil {
		return nil, newError("wait", KindCanceled, 0, -1, err)
	}
	if p.closed {
		return nil, newError("wait", KindClosed, 0, -1, nil)
	}
	if p.waker == nil {
		w, err := newInternalWaker(p, p)
		if err != nil {
			return nil, err
		}
		p.waker = w
	}
	w := p.waker
	stop := context.AfterFunc(ctx, func() { _ = w.Wake() })
	defer stop()
	return p.wait(ctx, nil, timeout)
}

func (p *Poller) wait(ctx context.Context, dst []Event, timeout time.Duration) ([]Event, error) {
	if p.closed {
		return dst, newError("wait", KindClosed, 0, -1, nil)
	}
	c := waitCycle{
		counts: p.counts,
		logger: p.opts.logger,
		poll: func(ms int) (int, error) {
			return unix.EpollWait(p.epfd, p.buf, ms)
		},
		deliver: func(dst []Event, n int) ([]Event, bool, error) {
			start := len(dst)
			dst, woke := p.translate(dst, p.buf[:n])
			if woke && p.waker != nil {
				_ = p.waker.Drain()
			}
			if len(dst) == start && ctx != nil && ctx.Err() != nil {
				return dst, true, newError("wait", KindCanceled, 0, -1, ctx.Err())
			}
			return dst, false, nil
		},
	}
	return c.run(dst, timeout)
}

// translate converts raw kernel events to Events, resolving tokens against
// the current bookkeeping. Events for tokens that are no longer live are
// dropped. Events for internal registrations are reported via woke.
func (p *Poller) translate(dst []Event, raw []unix.EpollEvent) (_ []Event, woke bool) {
	for i := range raw {
		ev := &raw[i]
		t := eventToken(ev)
		reg := p.regs[t]
		if reg == nil {
			p.counts.stale.Add(1)
			p.logStale(t, ev.Events)
			continue
		}
		if reg.internal {
			woke = true
			continue
		}

		events, unknown := DecodeEvents(ev.Events)
		events = reg.interest.accepts(events)

		if reg.interest.oneShot {
			// the kernel has disabled it, drop it entirely so the handle can
			// be registered again
			_ = p.remove("oneshot", t, reg, true)
			p.counts.oneShotRetired.Add(1)
		}

		if events == 0 && unknown == 0 {
			continue
		}
		dst = append(dst, Event{Token: t, Events: events, Unknown: unknown})
		p.counts.delivered.Add(1)
	}
	return dst, woke
}

// waitCycle is the blocking loop shared by Poller and SyncPoller.
type waitCycle struct {
	counts *counters
	logger *logiface.Logger[logiface.Event]
	// poll performs one epoll_wait, with a timeout in milliseconds.
	poll func(ms int) (int, error)
	// deliver translates n raw events, appending to dst. Setting done, or
	// returning an error, ends the cycle immediately.
	deliver func(dst []Event, n int) (_ []Event, done bool, _ error)
}

func (c *waitCycle) run(dst []Event, timeout time.Duration) ([]Event, error) {
	c.counts.waits.Add(1)
	d := newDeadline(timeout)
	start := len(dst)
	for {
		n, err := c.poll(d.millis())
		if err != nil {
			if err == unix.EINTR {
				c.counts.interrupted.Add(1)
				c.logger.Trace().Log("epoll: wait interrupted, retrying")
				if d.expired() {
					return dst, nil
				}
				continue
			}
			return dst, kernelError("wait", 0, -1, err)
		}

		var done bool
		dst, done, err = c.deliver(dst, n)
		if err != nil || done || len(dst) != start || d.expired() {
			return dst, err
		}
	}
}

// deadline converts a timeout into successive epoll_wait timeouts.
type deadline struct {
	at      time.Time
	forever bool
	now     bool
}

func newDeadline(timeout time.Duration) deadline {
	switch {
	case timeout < 0:
		return deadline{forever: true}
	case timeout == 0:
		return deadline{now: true}
	default:
		return deadline{at: time.Now().Add(timeout)}
	}
}

// millis rounds up, so a wait never ends before the deadline.
func (d deadline) millis() int {
	switch {
	case d.forever:
		return -1
	case d.now:
		return 0
	}
	remaining := time.Until(d.at)
	if remaining <= 0 {
		return 0
	}
	ms := (remaining + time.Millisecond - 1) / time.Millisecond
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(ms)
}

func (d deadline) expired() bool {
	switch {
	case d.forever:
		return false
	case d.now:
		return true
	}
	return !time.Now().Before(d.at)
}
