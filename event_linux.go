//go:build linux

package epoll

import (
	"golang.org/x/sys/unix"
)

// Token identifies one live registration. Tokens are issued in increasing
// order starting at 1, and are never reused by the poller that issued them,
// unlike raw descriptor numbers, which the kernel recycles after close.
type Token uint64

// Event is one readiness notification, produced by a wait call.
type Event struct {
	// Token identifies the registration that became ready.
	Token Token
	// Events are the observed conditions, filtered to the registration's
	// interest, plus [EventError] and [EventHangup], which are always reported.
	Events IOEvents
	// Unknown holds kernel bits without a corresponding [IOEvents] value.
	Unknown uint32
}

// Readable reports [EventRead].
func (e Event) Readable() bool { return e.Events&EventRead != 0 }

// Writable reports [EventWrite].
func (e Event) Writable() bool { return e.Events&EventWrite != 0 }

// Priority reports [EventPriority].
func (e Event) Priority() bool { return e.Events&EventPriority != 0 }

// HasError reports [EventError].
func (e Event) HasError() bool { return e.Events&EventError != 0 }

// Hangup reports [EventHangup].
func (e Event) Hangup() bool { return e.Events&EventHangup != 0 }

// ReadHangup reports [EventReadHangup].
func (e Event) ReadHangup() bool { return e.Events&EventReadHangup != 0 }

// The 64-bit epoll user data is split over the Fd and Pad fields of
// unix.EpollEvent on every linux GOARCH. Both directions use the same fields,
// so byte order doesn't matter.

func setEventToken(ev *unix.EpollEvent, t Token) {
	ev.Fd = int32(uint32(t))
	ev.Pad = int32(uint32(t >> 32))
}

func eventToken(ev *unix.EpollEvent) Token {
	return Token(uint64(uint32(ev.Fd)) | uint64(uint32(ev.Pad))<<32)
}
