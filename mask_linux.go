//go:build linux

package epoll

import (
	"golang.org/x/sys/unix"
)

// conditionBits is the single source of truth for the condition <-> kernel
// bit mapping, both directions are derived from it.
var conditionBits = [...]struct {
	cond IOEvents
	bit  uint32
}{
	{EventRead, unix.EPOLLIN},
	{EventWrite, unix.EPOLLOUT},
	{EventPriority, unix.EPOLLPRI},
	{EventError, unix.EPOLLERR},
	{EventHangup, unix.EPOLLHUP},
	{EventReadHangup, unix.EPOLLRDHUP},
}

const (
	knownEventBits = uint32(unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLPRI |
		unix.EPOLLERR | unix.EPOLLHUP | unix.EPOLLRDHUP)
	modeBits = uint32(unix.EPOLLET | unix.EPOLLONESHOT)
)

// EncodeConditions converts conditions to kernel event bits. Bits in
// unknown are passed through unchanged, which makes it the exact inverse of
// [DecodeEvents].
func EncodeConditions(c IOEvents, unknown uint32) uint32 {
	mask := unknown
	for _, v := range conditionBits {
		if c&v.cond != 0 {
			mask |= v.bit
		}
	}
	return mask
}

// DecodeEvents converts kernel event bits to conditions. Bits this package
// does not recognise are returned as unknown, never discarded.
func DecodeEvents(mask uint32) (c IOEvents, unknown uint32) {
	for _, v := range conditionBits {
		if mask&v.bit != 0 {
			c |= v.cond
		}
	}
	return c, mask &^ knownEventBits
}

// EncodeInterest converts an interest to the events field of epoll_ctl.
func EncodeInterest(x Interest) uint32 {
	mask := EncodeConditions(x.conds, 0)
	if x.mode == Edge {
		mask |= unix.EPOLLET
	}
	if x.oneShot {
		mask |= unix.EPOLLONESHOT
	}
	return mask
}

// DecodeInterest is the inverse of [EncodeInterest]. Unrecognised bits are
// returned as unknown.
func DecodeInterest(mask uint32) (x Interest, unknown uint32) {
	x.conds, unknown = DecodeEvents(mask &^ modeBits)
	if mask&unix.EPOLLET != 0 {
		x.mode = Edge
	}
	x.oneShot = mask&unix.EPOLLONESHOT != 0
	return x, unknown
}
