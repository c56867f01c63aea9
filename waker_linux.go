//go:build linux

package epoll

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// Registrar is the registration surface shared by [Poller] and [SyncPoller].
type Registrar interface {
	Register(h *Handle, in Interest) (Token, error)
	Modify(t Token, in Interest) error
	Deregister(t Token) error
}

var (
	_ Registrar = (*Poller)(nil)
	_ Registrar = (*SyncPoller)(nil)
)

// Waker is the supported way to interrupt a blocked wait: an eventfd,
// registered level-triggered for [EventRead] alongside the caller's real
// interests. Wake may be called from any goroutine; the waiting goroutine
// recognises the event by [Waker.Token], and calls Drain before waiting again.
type Waker struct {
	h     *Handle
	token Token
}

// NewWaker creates a Waker registered with r.
func NewWaker(r Registrar) (*Waker, error) {
	h, err := newEventfd()
	if err != nil {
		return nil, err
	}
	t, err := r.Register(h, Read())
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	return &Waker{h: h, token: t}, nil
}

// newInternalWaker registers a Waker whose events are consumed by the
// poller itself, see Poller.translate. Its handle is untracked: if the
// owner is dropped without Close, the poller's cleanup closes the eventfd.
func newInternalWaker(p *Poller, owner registrar) (*Waker, error) {
	fd, err := openEventfd()
	if err != nil {
		return nil, err
	}
	h := &Handle{state: &handleState{fd: fd}}
	t, err := p.register(h, Read(), owner, true)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	p.res.internal = append(p.res.internal, fd)
	return &Waker{h: h, token: t}, nil
}

func newEventfd() (*Handle, error) {
	fd, err := openEventfd()
	if err != nil {
		return nil, err
	}
	return newHandle(fd), nil
}

func openEventfd() (int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return -1, kernelError("eventfd", 0, -1, err)
	}
	return fd, nil
}

// Token identifies the Waker's events.
func (w *Waker) Token() Token { return w.token }

// Wake makes the Waker readable. Wakes are coalesced by the eventfd
// counter until the next Drain.
func (w *Waker) Wake() error {
	var (
		buf [8]byte
		err error
	)
	binary.NativeEndian.PutUint64(buf[:], 1)
	if e := w.h.Control(func(fd int) {
		_, err = unix.Write(fd, buf[:])
	}); e != nil {
		return e
	}
	if err != nil && err != unix.EAGAIN {
		return kernelError("wake", w.token, -1, err)
	}
	return nil
}

// Drain resets the Waker, so it stops being reported as readable.
func (w *Waker) Drain() error {
	var (
		buf [8]byte
		err error
	)
	if e := w.h.Control(func(fd int) {
		_, err = unix.Read(fd, buf[:])
	}); e != nil {
		return e
	}
	if err != nil && err != unix.EAGAIN {
		return kernelError("drain", w.token, -1, err)
	}
	return nil
}

// Close deregisters the Waker and releases its eventfd.
func (w *Waker) Close() error {
	return w.h.Close()
}
