//go:build linux

package epoll

import (
	"bytes"
	"errors"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestPoller(t *testing.T, opts ...PollerOption) *Poller {
	t.Helper()
	p, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func newTestSyncPoller(t *testing.T, opts ...PollerOption) *SyncPoller {
	t.Helper()
	p, err := NewSync(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// newTestPipe returns a non-blocking pipe, closed on test cleanup.
func newTestPipe(t *testing.T) (r, w *Handle) {
	t.Helper()
	r, w, err := Pipe()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = r.Close()
		_ = w.Close()
	})
	return r, w
}

func writeBytes(t *testing.T, h *Handle, b []byte) {
	t.Helper()
	var werr error
	require.NoError(t, h.Control(func(fd int) {
		_, werr = unix.Write(fd, b)
	}))
	require.NoError(t, werr)
}

// drain reads until EAGAIN, returning the number of bytes read.
func drain(t *testing.T, h *Handle) int {
	t.Helper()
	var (
		total int
		rerr  error
		buf   [512]byte
	)
	require.NoError(t, h.Control(func(fd int) {
		for {
			n, err := unix.Read(fd, buf[:])
			if err != nil {
				if !errors.Is(err, unix.EAGAIN) {
					rerr = err
				}
				return
			}
			if n == 0 {
				return
			}
			total += n
		}
	}))
	require.NoError(t, rerr)
	return total
}

func findEvent(events []Event, token Token) (Event, bool) {
	for _, ev := range events {
		if ev.Token == token {
			return ev, true
		}
	}
	return Event{}, false
}

func newTestLogger(buf *bytes.Buffer) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(buf), stumpy.WithTimeField(``)),
		stumpy.L.WithLevel(logiface.LevelTrace),
	).Logger()
}

// countMessages counts log lines with the given message.
func countMessages(buf *bytes.Buffer, msg string) int {
	return strings.Count(buf.String(), `"msg":"`+msg+`"`)
}

// fdClosed reports whether fd is not an open descriptor.
func fdClosed(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return errors.Is(err, unix.EBADF)
}

// waitFDsClosed runs the garbage collector until every fd has been observed
// closed at least once.
func waitFDsClosed(t *testing.T, fds ...int) {
	t.Helper()
	seen := make([]bool, len(fds))
	for i := 0; i < 200; i++ {
		runtime.GC()
		time.Sleep(time.Millisecond)
		remaining := 0
		for j, fd := range fds {
			if !seen[j] && fdClosed(fd) {
				seen[j] = true
			}
			if !seen[j] {
				remaining++
			}
		}
		if remaining == 0 {
			return
		}
	}
	for j, fd := range fds {
		assert.True(t, seen[j], "fd %d still open", fd)
	}
}
