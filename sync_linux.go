//go:build linux

package epoll

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// SyncPoller is a [Poller] that is safe for concurrent use.
//
// Bookkeeping is guarded by a mutex, which Wait does NOT hold while blocked
// in the kernel: it is released before epoll_wait, and re-acquired to
// translate the results. Registration therefore never starves behind a
// blocked Wait. The cost is a benign race: a registration removed by one
// goroutine while another is blocked in Wait yields no event, since events
// are resolved by [Token] against the bookkeeping as it is after the wait.
//
// Each Wait uses its own event buffer, so any number of goroutines may wait
// concurrently.
type SyncPoller struct {
	p          *Poller
	closeWaker *Waker
	bufs       sync.Pool
	waiters    sync.WaitGroup
	mu         sync.Mutex
	closing    bool
}

// NewSync creates a SyncPoller. It accepts the same options as [New].
func NewSync(opts ...PollerOption) (*SyncPoller, error) {
	p, err := New(opts...)
	if err != nil {
		return nil, err
	}
	x := &SyncPoller{p: p}
	x.closeWaker, err = newInternalWaker(p, x)
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	n := len(p.buf)
	p.buf = nil
	x.bufs.New = func() any {
		buf := make([]unix.EpollEvent, n)
		return &buf
	}
	return x, nil
}

// Register is [Poller.Register]. Handles registered through a SyncPoller
// may be closed from any goroutine.
func (x *SyncPoller) Register(h *Handle, in Interest) (Token, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closing {
		return 0, newError("register", KindClosed, 0, -1, nil)
	}
	x.p.processLeaks()
	return x.p.register(h, in, x, false)
}

// Modify is [Poller.Modify]. A Wait in flight on another goroutine filters
// the events it reports against the interest current at the time it
// translates them.
func (x *SyncPoller) Modify(t Token, in Interest) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closing {
		return newError("modify", KindUnknownToken, t, -1, nil)
	}
	x.p.processLeaks()
	return x.p.modify(t, in)
}

// Deregister is [Poller.Deregister].
func (x *SyncPoller) Deregister(t Token) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closing {
		return newError("deregister", KindUnknownToken, t, -1, nil)
	}
	x.p.processLeaks()
	return x.p.deregister(t)
}

// Len is [Poller.Len].
func (x *SyncPoller) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.p.Len()
}

// Stats is [Poller.Stats].
func (x *SyncPoller) Stats() Stats {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.p.Stats()
}

// Interest is [Poller.Interest].
func (x *SyncPoller) Interest(t Token) (Interest, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.p.Interest(t)
}

// Wait is [Poller.Wait]. Once Close is called, blocked and future waits
// return [KindClosed].
func (x *SyncPoller) Wait(timeout time.Duration) ([]Event, error) {
	return x.WaitInto(nil, timeout)
}

// WaitInto is [SyncPoller.Wait], appending to dst.
func (x *SyncPoller) WaitInto(dst []Event, timeout time.Duration) ([]Event, error) {
	epfd, err := x.beginWait()
	if err != nil {
		return dst, err
	}
	defer x.waiters.Done()

	bp := x.bufs.Get().(*[]unix.EpollEvent)
	defer x.bufs.Put(bp)
	buf := *bp

	c := waitCycle{
		counts: x.p.counts,
		logger: x.p.opts.logger,
		poll: func(ms int) (int, error) {
			return unix.EpollWait(epfd, buf, ms)
		},
		deliver: func(dst []Event, n int) ([]Event, bool, error) {
			x.mu.Lock()
			defer x.mu.Unlock()
			if x.closing {
				return dst, true, newError("wait", KindClosed, 0, -1, nil)
			}
			// woke can only be the close waker, handled above
			dst, _ = x.p.translate(dst, buf[:n])
			return dst, false, nil
		},
	}
	return c.run(dst, timeout)
}

// beginWait registers a waiter, which keeps the epoll instance open until
// the matching waiters.Done.
func (x *SyncPoller) beginWait() (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closing {
		return -1, newError("wait", KindClosed, 0, -1, nil)
	}
	x.p.processLeaks()
	x.waiters.Add(1)
	return x.p.epfd, nil
}

// Close wakes every blocked Wait, waits for them to return, then closes the
// underlying Poller. It is idempotent.
func (x *SyncPoller) Close() error {
	x.mu.Lock()
	if x.closing {
		x.mu.Unlock()
		return nil
	}
	x.closing = true
	// level-triggered and never drained, so every waiter observes it
	_ = x.closeWaker.Wake()
	x.mu.Unlock()

	x.waiters.Wait()

	// already unbound by the poller, so this only closes the eventfd, and
	// runs after the unlock even if the misuse handler panics
	defer x.closeWaker.Close()

	x.mu.Lock()
	defer x.mu.Unlock()
	return x.p.Close()
}

// releaseHandle implements registrar.
func (x *SyncPoller) releaseHandle(t Token) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.p.releaseHandle(t)
}

// queueLeak implements registrar.
func (x *SyncPoller) queueLeak(s *handleState) bool {
	return x.p.leaks.push(s)
}
