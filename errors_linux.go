//go:build linux

package epoll

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// Kind classifies every failure returned by this package.
type Kind uint8

const (
	// KindUnderlying is an unexpected kernel error, the errno is preserved.
	KindUnderlying Kind = iota
	// KindInvalidHandle indicates a negative, closed, or unpollable descriptor.
	KindInvalidHandle
	// KindAlreadyRegistered indicates a duplicate registration.
	KindAlreadyRegistered
	// KindUnknownToken indicates a stale or never-issued token.
	KindUnknownToken
	// KindConflictingMode indicates a union of edge and level interests.
	KindConflictingMode
	// KindResourceExhausted indicates kernel or process limits were reached.
	KindResourceExhausted
	// KindInvalidInterest indicates an interest with no conditions, or undefined ones.
	KindInvalidInterest
	// KindClosed indicates the poller was closed.
	KindClosed
	// KindCanceled indicates a context passed to WaitContext was done.
	KindCanceled
	// KindInvalidOption indicates a PollerOption with an invalid value.
	KindInvalidOption
)

// Sentinel errors, one per Kind, for use with [errors.Is].
var (
	ErrUnderlying        = errors.New("epoll: underlying failure")
	ErrInvalidHandle     = errors.New("epoll: invalid handle")
	ErrAlreadyRegistered = errors.New("epoll: already registered")
	ErrUnknownToken      = errors.New("epoll: unknown token")
	ErrConflictingMode   = errors.New("epoll: conflicting trigger mode")
	ErrResourceExhausted = errors.New("epoll: resource exhausted")
	ErrInvalidInterest   = errors.New("epoll: invalid interest")
	ErrClosed            = errors.New("epoll: poller closed")
	ErrCanceled          = errors.New("epoll: wait canceled")
	ErrInvalidOption     = errors.New("epoll: invalid option")
)

var kindSentinels = [...]error{
	KindUnderlying:        ErrUnderlying,
	KindInvalidHandle:     ErrInvalidHandle,
	KindAlreadyRegistered: ErrAlreadyRegistered,
	KindUnknownToken:      ErrUnknownToken,
	KindConflictingMode:   ErrConflictingMode,
	KindResourceExhausted: ErrResourceExhausted,
	KindInvalidInterest:   ErrInvalidInterest,
	KindClosed:            ErrClosed,
	KindCanceled:          ErrCanceled,
	KindInvalidOption:     ErrInvalidOption,
}

// Sentinel returns the package-level error matching k.
func (k Kind) Sentinel() error {
	if int(k) < len(kindSentinels) {
		return kindSentinels[k]
	}
	return ErrUnderlying
}

func (k Kind) String() string {
	switch k {
	case KindUnderlying:
		return "underlying failure"
	case KindInvalidHandle:
		return "invalid handle"
	case KindAlreadyRegistered:
		return "already registered"
	case KindUnknownToken:
		return "unknown token"
	case KindConflictingMode:
		return "conflicting trigger mode"
	case KindResourceExhausted:
		return "resource exhausted"
	case KindInvalidInterest:
		return "invalid interest"
	case KindClosed:
		return "poller closed"
	case KindCanceled:
		return "wait canceled"
	case KindInvalidOption:
		return "invalid option"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Error is the concrete error type returned by every operation.
//
// Op names the failing call ("register", "modify", "deregister", "wait",
// "acquire", ...). Token and FD are set when known, FD is -1 otherwise.
// Err holds the cause, typically a [unix.Errno], and is exposed via Unwrap.
type Error struct {
	Err   error
	Op    string
	Token Token
	FD    int
	Kind  Kind
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("epoll: ")
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.Token != 0 {
		fmt.Fprintf(&b, " (token %d)", uint64(e.Token))
	}
	if e.FD >= 0 {
		fmt.Fprintf(&b, " (fd %d)", e.FD)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the cause, allowing errors.Is(err, unix.EMFILE).
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind.Sentinel()
}

// KindOf reports the Kind of err, and false if err did not originate here.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

func newError(op string, kind Kind, token Token, fd int, cause error) *Error {
	return &Error{Op: op, Kind: kind, Token: token, FD: fd, Err: cause}
}

// errnoKind maps kernel errors to a Kind. EINTR is handled by the wait loop
// and never reaches this point.
func errnoKind(err error) Kind {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return KindUnderlying
	}
	switch errno {
	case unix.EEXIST:
		return KindAlreadyRegistered
	case unix.EBADF, unix.EPERM, unix.ENOENT:
		return KindInvalidHandle
	case unix.ENOMEM, unix.ENOSPC, unix.EMFILE, unix.ENFILE:
		return KindResourceExhausted
	default:
		return KindUnderlying
	}
}

func kernelError(op string, token Token, fd int, err error) *Error {
	return newError(op, errnoKind(err), token, fd, err)
}

// MisuseError describes a handle that became unreachable while it was still
// registered. It is passed to the misuse handler, see [WithMisuseHandler].
type MisuseError struct {
	Interest Interest
	Token    Token
	FD       int
}

func (e *MisuseError) Error() string {
	return fmt.Sprintf(
		"epoll: handle for fd %d dropped while registered (token %d, interest %s): call Handle.Close or Deregister first",
		e.FD, uint64(e.Token), e.Interest,
	)
}
