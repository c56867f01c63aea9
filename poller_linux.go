//go:build linux

package epoll

import (
	"runtime"

	"github.com/joeycumines/go-catrate"
	"golang.org/x/sys/unix"
)

// Poller owns one epoll instance, and the bookkeeping that maps each
// registration [Token] to its descriptor and [Interest].
//
// The bookkeeping and the kernel's interest list are kept in lock-step:
// every successful Register, Modify or Deregister corresponds to exactly one
// successful epoll_ctl call, and a failed epoll_ctl leaves the bookkeeping
// unchanged.
//
// A Poller is NOT safe for concurrent use. Register, Modify, Deregister,
// Wait, Close, and Close of any [Handle] registered with it, must be
// serialized by the caller. See [SyncPoller] for a variant that may be
// shared between goroutines.
type Poller struct {
	regs    map[Token]*registration
	byFD    map[int]Token
	opts    *pollerOptions
	stale   *catrate.Limiter
	leaks   *leakQueue
	res     *pollerResources
	waker   *Waker
	counts  *counters
	buf     []unix.EpollEvent
	cleanup runtime.Cleanup
	next    Token
	epfd    int
	// internal is the number of entries in regs that are not visible to the
	// caller, e.g. the WaitContext waker.
	internal int
	closed   bool
}

type registration struct {
	state    *handleState
	interest Interest
	fd       int
	internal bool
}

// pollerResources is what the Poller cleanup releases if a Poller is
// garbage collected without Close. It must never refer back to the Poller,
// not even through a handleState binding.
type pollerResources struct {
	leaks *leakQueue
	// internal holds the descriptors of internal wakers, which have no
	// cleanup of their own, see newInternalWaker. They are only ever closed
	// after the Poller cleanup has been stopped.
	internal []int
	epfd     int
}

// New creates a Poller, allocating a close-on-exec epoll instance.
func New(opts ...PollerOption) (*Poller, error) {
	cfg, err := resolvePollerOptions(opts)
	if err != nil {
		return nil, err
	}
	stale, err := newStaleLimiter(cfg.staleRates)
	if err != nil {
		return nil, err
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, kernelError("create", 0, -1, err)
	}

	p := &Poller{
		regs:   make(map[Token]*registration),
		byFD:   make(map[int]Token),
		opts:   cfg,
		stale:  stale,
		leaks:  new(leakQueue),
		counts: new(counters),
		buf:    make([]unix.EpollEvent, cfg.maxEvents),
		epfd:   epfd,
	}
	p.res = &pollerResources{leaks: p.leaks, epfd: epfd}
	p.cleanup = runtime.AddCleanup(p, (*pollerResources).release, p.res)

	cfg.logger.Debug().
		Int("epfd", epfd).
		Int("max_events", cfg.maxEvents).
		Log("epoll: poller created")

	return p, nil
}

// Register adds h to the interest list, observing in, and returns the token
// identifying the registration.
//
// It fails with [KindAlreadyRegistered] if h, or another handle for the same
// descriptor, is already registered with this poller, or if h is registered
// with a different poller. It fails with [KindInvalidHandle] if h was closed
// or its descriptor cannot be polled (e.g. a regular file), with
// [KindInvalidInterest] for an empty interest, and with [KindClosed] after
// Close.
func (p *Poller) Register(h *Handle, in Interest) (Token, error) {
	p.processLeaks()
	return p.register(h, in, p, false)
}

// Modify atomically replaces the interest of a live registration. Once it
// returns, no event reflecting the previous interest is delivered.
// It fails with [KindUnknownToken] if t is not live.
func (p *Poller) Modify(t Token, in Interest) error {
	p.processLeaks()
	return p.modify(t, in)
}

// Deregister removes a registration and invalidates its token. The handle
// remains open, and may be registered again.
//
// Deregistering a token that is not live, e.g. twice, fails with
// [KindUnknownToken], which callers tolerating benign races may ignore.
func (p *Poller) Deregister(t Token) error {
	p.processLeaks()
	return p.deregister(t)
}

// Len returns the number of live registrations.
func (p *Poller) Len() int {
	return len(p.regs) - p.internal
}

// Stats returns a snapshot of the poller's counters.
func (p *Poller) Stats() Stats {
	return p.counts.snapshot(p.Len())
}

// Interest returns the current interest of a live registration.
func (p *Poller) Interest(t Token) (Interest, bool) {
	reg := p.regs[t]
	if reg == nil || reg.internal {
		return Interest{}, false
	}
	return reg.interest, true
}

// Close releases the epoll instance. Every token is invalidated and every
// registered handle is unbound (the handles stay open, and may be
// registered elsewhere). Close is idempotent.
func (p *Poller) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true

	misuse := p.collectLeaks(p.leaks.close())

	for t, reg := range p.regs {
		reg.state.unbind(t)
	}
	if p.waker != nil {
		_ = p.waker.h.Close()
		p.waker = nil
	}
	live := p.Len()
	clear(p.regs)
	clear(p.byFD)
	p.internal = 0

	p.cleanup.Stop()
	var err error
	if e := unix.Close(p.epfd); e != nil {
		err = kernelError("close", 0, p.epfd, e)
	}
	p.opts.logger.Debug().
		Int("epfd", p.epfd).
		Int("live", live).
		Log("epoll: poller closed")
	p.epfd = -1

	p.reportMisuse(misuse)
	return err
}

func (p *Poller) register(h *Handle, in Interest, owner registrar, internal bool) (Token, error) {
	if p.closed {
		return 0, newError("register", KindClosed, 0, -1, nil)
	}
	if h == nil {
		return 0, newError("register", KindInvalidHandle, 0, -1, nil)
	}
	if err := in.Validate(); err != nil {
		return 0, newError("register", KindInvalidInterest, 0, -1, nil)
	}

	s := h.state
	s.mu.Lock()
	defer s.mu.Unlock()

	fd := s.fd
	if fd < 0 || s.closing {
		return 0, newError("register", KindInvalidHandle, 0, -1, nil)
	}
	if s.binding != nil {
		return 0, newError("register", KindAlreadyRegistered, 0, fd, nil)
	}
	if t, ok := p.byFD[fd]; ok {
		return 0, newError("register", KindAlreadyRegistered, t, fd, nil)
	}

	p.next++
	t := p.next
	p.regs[t] = &registration{state: s, interest: in, fd: fd, internal: internal}
	p.byFD[fd] = t

	ev := unix.EpollEvent{Events: EncodeInterest(in)}
	setEventToken(&ev, t)
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		// rollback
		delete(p.regs, t)
		delete(p.byFD, fd)
		return 0, kernelError("register", 0, fd, err)
	}

	s.bind(owner, t)
	if internal {
		p.internal++
	} else {
		p.counts.registered.Add(1)
	}

	p.opts.logger.Debug().
		Uint64("token", uint64(t)).
		Int("fd", fd).
		Stringer("interest", in).
		Log("epoll: registered")

	return t, nil
}

func (p *Poller) modify(t Token, in Interest) error {
	reg := p.regs[t]
	if reg == nil || reg.internal {
		return newError("modify", KindUnknownToken, t, -1, nil)
	}
	if err := in.Validate(); err != nil {
		return newError("modify", KindInvalidInterest, t, reg.fd, nil)
	}

	ev := unix.EpollEvent{Events: EncodeInterest(in)}
	setEventToken(&ev, t)
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, reg.fd, &ev); err != nil {
		return kernelError("modify", t, reg.fd, err)
	}

	reg.interest = in
	p.counts.modified.Add(1)

	p.opts.logger.Debug().
		Uint64("token", uint64(t)).
		Int("fd", reg.fd).
		Stringer("interest", in).
		Log("epoll: modified")

	return nil
}

func (p *Poller) deregister(t Token) error {
	reg := p.regs[t]
	if reg == nil || reg.internal {
		return newError("deregister", KindUnknownToken, t, -1, nil)
	}
	if err := p.remove("deregister", t, reg, false); err != nil {
		return err
	}
	p.counts.deregistered.Add(1)
	return nil
}

// releaseHandle implements registrar, for Handle.Close.
func (p *Poller) releaseHandle(t Token) error {
	reg := p.regs[t]
	if reg == nil {
		return newError("close", KindUnknownToken, t, -1, nil)
	}
	err := p.remove("close", t, reg, true)
	if reg.internal {
		p.internal--
	} else {
		p.counts.deregistered.Add(1)
	}
	return err
}

// queueLeak implements registrar.
func (p *Poller) queueLeak(s *handleState) bool {
	return p.leaks.push(s)
}

// remove deletes a registration from the kernel and the bookkeeping. If the
// kernel reports the descriptor as already gone (closed behind the handle's
// back) the bookkeeping is removed regardless, restoring lock-step. Other
// kernel failures leave the registration in place, unless force is set.
func (p *Poller) remove(op string, t Token, reg *registration, force bool) error {
	var err error
	if e := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, reg.fd, nil); e != nil {
		switch e {
		case unix.EBADF, unix.ENOENT:
			p.opts.logger.Warning().
				Uint64("token", uint64(t)).
				Int("fd", reg.fd).
				Err(e).
				Log("epoll: descriptor left the interest list without deregistration")
		default:
			err = kernelError(op, t, reg.fd, e)
			if !force {
				return err
			}
		}
	}

	delete(p.regs, t)
	if p.byFD[reg.fd] == t {
		delete(p.byFD, reg.fd)
	}
	reg.state.unbind(t)

	p.opts.logger.Debug().
		Str("op", op).
		Uint64("token", uint64(t)).
		Int("fd", reg.fd).
		Log("epoll: deregistered")

	return err
}
