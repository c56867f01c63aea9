//go:build linux

package epoll

import (
	"strings"
)

// IOEvents is a set of readiness conditions.
type IOEvents uint32

const (
	// EventRead indicates data may be read without blocking (EPOLLIN).
	EventRead IOEvents = 1 << iota
	// EventWrite indicates data may be written without blocking (EPOLLOUT).
	EventWrite
	// EventPriority indicates an exceptional condition, e.g. out-of-band data (EPOLLPRI).
	EventPriority
	// EventError indicates an error condition (EPOLLERR), always reported.
	EventError
	// EventHangup indicates the peer hung up (EPOLLHUP), always reported.
	EventHangup
	// EventReadHangup indicates the peer shut down its writing half (EPOLLRDHUP).
	EventReadHangup

	// AllEvents is every defined condition.
	AllEvents = EventRead | EventWrite | EventPriority | EventError | EventHangup | EventReadHangup
)

// alwaysReported are delivered by the kernel regardless of requested interest.
const alwaysReported = EventError | EventHangup

var conditionNames = [...]struct {
	name string
	cond IOEvents
}{
	{"readable", EventRead},
	{"writable", EventWrite},
	{"priority", EventPriority},
	{"error", EventError},
	{"hangup", EventHangup},
	{"readhangup", EventReadHangup},
}

// Has reports whether every condition in other is in c.
func (c IOEvents) Has(other IOEvents) bool {
	return other != 0 && c&other == other
}

func (c IOEvents) String() string {
	if c == 0 {
		return "none"
	}
	var b strings.Builder
	for _, v := range conditionNames {
		if c&v.cond == 0 {
			continue
		}
		if b.Len() != 0 {
			b.WriteByte('|')
		}
		b.WriteString(v.name)
	}
	if rest := c &^ AllEvents; rest != 0 {
		if b.Len() != 0 {
			b.WriteByte('|')
		}
		b.WriteString("undefined")
	}
	return b.String()
}

// Mode is the trigger mode of an interest.
type Mode uint8

const (
	// Level re-delivers readiness on every wait while the condition holds.
	Level Mode = iota
	// Edge delivers readiness once per transition into the ready state.
	// Callers must drain the descriptor (e.g. read until EAGAIN) before
	// they can expect another event.
	Edge
)

func (m Mode) String() string {
	if m == Edge {
		return "edge"
	}
	return "level"
}

// Interest describes what a registration observes. The zero value is empty,
// and therefore invalid for registration. Interest values are immutable, all
// modifiers return a copy.
type Interest struct {
	conds   IOEvents
	mode    Mode
	oneShot bool
}

// NewInterest returns a level-triggered interest in conds.
func NewInterest(conds IOEvents) Interest {
	return Interest{conds: conds}
}

// Read is a level-triggered interest in [EventRead].
func Read() Interest { return NewInterest(EventRead) }

// Write is a level-triggered interest in [EventWrite].
func Write() Interest { return NewInterest(EventWrite) }

// ReadWrite is a level-triggered interest in [EventRead] and [EventWrite].
func ReadWrite() Interest { return NewInterest(EventRead | EventWrite) }

// With returns a copy of x that additionally observes conds.
func (x Interest) With(conds IOEvents) Interest {
	x.conds |= conds
	return x
}

// WithEdgeTriggered returns an edge-triggered copy of x.
func (x Interest) WithEdgeTriggered() Interest {
	x.mode = Edge
	return x
}

// WithOneShot returns a copy of x that is disabled after its first delivery.
func (x Interest) WithOneShot() Interest {
	x.oneShot = true
	return x
}

// Events returns the observed conditions.
func (x Interest) Events() IOEvents { return x.conds }

// Mode returns the trigger mode.
func (x Interest) Mode() Mode { return x.mode }

// OneShot reports whether the interest is cleared after first delivery.
func (x Interest) OneShot() bool { return x.oneShot }

// Union combines two interests, e.g. when one descriptor serves two
// purposes. Conditions and the one-shot flag are OR-ed. Interests with
// different trigger modes cannot be combined, and fail with
// [KindConflictingMode].
func (x Interest) Union(other Interest) (Interest, error) {
	if x.mode != other.mode {
		return Interest{}, newError("union", KindConflictingMode, 0, -1, nil)
	}
	x.conds |= other.conds
	x.oneShot = x.oneShot || other.oneShot
	return x, nil
}

// Validate fails with [KindInvalidInterest] if x observes nothing, or
// observes undefined conditions.
func (x Interest) Validate() error {
	if x.conds&AllEvents == 0 || x.conds&^AllEvents != 0 {
		return newError("validate", KindInvalidInterest, 0, -1, nil)
	}
	return nil
}

// accepts filters observed conditions down to what x asked for.
func (x Interest) accepts(observed IOEvents) IOEvents {
	return observed & (x.conds | alwaysReported)
}

func (x Interest) String() string {
	var b strings.Builder
	b.WriteString(x.conds.String())
	b.WriteByte(',')
	b.WriteString(x.mode.String())
	if x.oneShot {
		b.WriteString(",oneshot")
	}
	return b.String()
}
