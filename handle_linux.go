//go:build linux

package epoll

import (
	"errors"
	"os"
	"runtime"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Handle owns exactly one open file descriptor.
//
// The descriptor is released at most once, by Close, or, for a handle that
// is dropped without Close, when the garbage collector reclaims it. While a
// handle is registered with a [Poller] or [SyncPoller] it holds a
// non-owning back-reference to that poller: Close deregisters through it
// BEFORE the descriptor is closed, so a recycled descriptor number can never
// be polled on behalf of a dead registration.
//
// Dropping a handle that is still registered is a programming error, see
// [WithMisuseHandler].
type Handle struct {
	state   *handleState
	cleanup runtime.Cleanup
	// tracked is false for the poller's own internal handles, which are
	// released by the poller's cleanup instead. A cleanup on those would
	// keep the poller reachable through binding.owner.
	tracked bool
}

// handleState is everything a Handle's cleanup needs. It must never refer
// back to the Handle, or the cleanup would never run.
type handleState struct {
	binding *binding
	mu      sync.RWMutex
	fd      int
	closing bool
}

// binding is the back-reference from a handle to its registration.
type binding struct {
	owner registrar
	token Token
}

// registrar is implemented by Poller and SyncPoller.
type registrar interface {
	// releaseHandle removes the registration for token, even if the kernel
	// side has already lost track of it.
	releaseHandle(token Token) error
	// queueLeak reports a registered handle that was garbage collected. It
	// may be called from any goroutine, and returns false if the owner can
	// no longer process leaks (it was closed).
	queueLeak(s *handleState) bool
}

// Acquire takes ownership of raw, an already open descriptor. It fails with
// [KindInvalidHandle] if raw is negative or not open.
//
// As with [os.NewFile], the caller must not close raw by any other means
// afterwards, nor pass it to Acquire again: two handles owning the same
// descriptor would both close it, the second time closing whatever
// descriptor has since reused the number. A poller rejects the second of
// two such handles with [KindAlreadyRegistered], see [Poller.Register].
func Acquire(raw int) (*Handle, error) {
	if raw < 0 {
		return nil, newError("acquire", KindInvalidHandle, 0, raw, nil)
	}
	if _, err := unix.FcntlInt(uintptr(raw), unix.F_GETFD, 0); err != nil {
		return nil, kernelError("acquire", 0, raw, err)
	}
	return newHandle(raw), nil
}

// FromSyscallConn returns a handle owning a duplicate (close-on-exec) of the
// descriptor behind c, e.g. a *net.TCPConn or *os.File. The caller keeps
// ownership of c.
func FromSyscallConn(c syscall.Conn) (*Handle, error) {
	rc, err := c.SyscallConn()
	if err != nil {
		return nil, newError("acquire", KindInvalidHandle, 0, -1, err)
	}
	var (
		fd     = -1
		dupErr error
	)
	if err := rc.Control(func(raw uintptr) {
		fd, dupErr = unix.FcntlInt(raw, unix.F_DUPFD_CLOEXEC, 0)
	}); err != nil {
		return nil, newError("acquire", KindInvalidHandle, 0, -1, err)
	}
	if dupErr != nil {
		return nil, kernelError("acquire", 0, -1, dupErr)
	}
	return newHandle(fd), nil
}

// FromFile is [FromSyscallConn] for files, pipes and devices.
func FromFile(f *os.File) (*Handle, error) {
	if f == nil {
		return nil, newError("acquire", KindInvalidHandle, 0, -1, nil)
	}
	return FromSyscallConn(f)
}

// Pipe returns both ends of a new non-blocking, close-on-exec pipe.
func Pipe() (r, w *Handle, err error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, nil, kernelError("pipe", 0, -1, err)
	}
	return newHandle(p[0]), newHandle(p[1]), nil
}

func newHandle(fd int) *Handle {
	s := &handleState{fd: fd}
	h := &Handle{state: s, tracked: true}
	h.cleanup = runtime.AddCleanup(h, (*handleState).collect, s)
	return h
}

// Control calls fn with the raw descriptor. The handle cannot be released
// while fn runs, and fn must not retain fd, nor close it, nor call Close.
// It fails with [KindInvalidHandle] once the handle has been closed.
func (h *Handle) Control(fn func(fd int)) error {
	s := h.state
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.fd < 0 || s.closing {
		return newError("control", KindInvalidHandle, 0, -1, nil)
	}
	fn(s.fd)
	return nil
}

// Registered reports whether h is currently registered with a poller.
func (h *Handle) Registered() bool {
	s := h.state
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.binding != nil
}

// Closed reports whether Close has been called.
func (h *Handle) Closed() bool {
	s := h.state
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fd < 0 || s.closing
}

// Close deregisters h from its poller, if any, then closes the descriptor.
// It is idempotent: calls after the first (including concurrent ones) are
// no-ops returning nil.
//
// When h is registered with a plain [Poller], Close counts as a mutating
// call against that poller, and must be serialized like Deregister.
func (h *Handle) Close() error {
	if h == nil {
		return nil
	}
	s := h.state

	s.mu.Lock()
	if s.fd < 0 || s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	b := s.binding
	s.mu.Unlock()

	var err error
	if b != nil {
		// UnknownToken means a concurrent Deregister or poller Close won
		if e := b.owner.releaseHandle(b.token); e != nil && !errors.Is(e, ErrUnknownToken) {
			err = e
		}
	}

	s.mu.Lock()
	fd := s.fd
	s.fd = -1
	s.binding = nil
	s.mu.Unlock()

	if h.tracked {
		h.cleanup.Stop()
	}
	if e := unix.Close(fd); e != nil && err == nil {
		err = kernelError("close", 0, fd, e)
	}
	return err
}

// bind sets the back-reference, the caller must hold s.mu.
func (s *handleState) bind(owner registrar, token Token) {
	s.binding = &binding{owner: owner, token: token}
}

// unbind clears the back-reference if it still refers to token.
func (s *handleState) unbind(token Token) {
	s.mu.Lock()
	if s.binding != nil && s.binding.token == token {
		s.binding = nil
	}
	s.mu.Unlock()
}

// collect runs after the Handle became unreachable.
func (s *handleState) collect() {
	s.mu.Lock()
	fd, b := s.fd, s.binding
	if fd < 0 {
		s.mu.Unlock()
		return
	}
	if b != nil {
		// a queued state must not keep its owner reachable, only the token
		// is needed to remove the registration
		s.binding = &binding{token: b.token}
		s.mu.Unlock()
		if b.owner.queueLeak(s) {
			// the owner deregisters, then calls releaseLeaked
			return
		}
		s.mu.Lock()
		fd = s.fd
	}
	s.fd = -1
	s.binding = nil
	s.mu.Unlock()
	if fd >= 0 {
		_ = unix.Close(fd)
	}
}

// releaseLeaked closes the descriptor of a collected handle, once its
// registration is gone. It returns the descriptor number, for diagnostics.
func (s *handleState) releaseLeaked() int {
	s.mu.Lock()
	fd := s.fd
	s.fd = -1
	s.binding = nil
	s.mu.Unlock()
	if fd >= 0 {
		_ = unix.Close(fd)
	}
	return fd
}
