//go:build linux

package epoll

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestPoller_logging(t *testing.T) {
	var buf bytes.Buffer
	p, err := New(WithLogger(newTestLogger(&buf)))
	require.NoError(t, err)
	assert.Equal(t, 1, countMessages(&buf, "epoll: poller created"))

	r, _ := newTestPipe(t)
	tok, err := p.Register(r, Read())
	require.NoError(t, err)
	require.NoError(t, p.Modify(tok, ReadWrite()))
	require.NoError(t, p.Deregister(tok))
	require.NoError(t, p.Close())

	assert.Equal(t, 1, countMessages(&buf, "epoll: registered"))
	assert.Equal(t, 1, countMessages(&buf, "epoll: modified"))
	assert.Equal(t, 1, countMessages(&buf, "epoll: deregistered"))
	assert.Equal(t, 1, countMessages(&buf, "epoll: poller closed"))
	assert.Contains(t, buf.String(), `"interest":"readable|writable,level"`)
}

func TestPoller_logStale_rateLimited(t *testing.T) {
	const msg = "epoll: dropped event for a registration that ended during wait"
	raw := make([]unix.EpollEvent, 1)
	raw[0].Events = unix.EPOLLIN
	setEventToken(&raw[0], 42)

	t.Run(`default rates`, func(t *testing.T) {
		var buf bytes.Buffer
		p := newTestPoller(t, WithLogger(newTestLogger(&buf)))
		for i := 0; i < 5; i++ {
			events, _ := p.translate(nil, raw)
			assert.Empty(t, events)
		}
		assert.Equal(t, 1, countMessages(&buf, msg))
		assert.Equal(t, uint64(5), p.Stats().Stale)
	})

	t.Run(`unlimited`, func(t *testing.T) {
		var buf bytes.Buffer
		p := newTestPoller(t, WithLogger(newTestLogger(&buf)), WithStaleEventRates(nil))
		for i := 0; i < 5; i++ {
			_, _ = p.translate(nil, raw)
		}
		assert.Equal(t, 5, countMessages(&buf, msg))
	})
}

func TestPoller_remove_descriptorGone(t *testing.T) {
	var buf bytes.Buffer
	p := newTestPoller(t, WithLogger(newTestLogger(&buf)))
	r, _ := newTestPipe(t)
	tok, err := p.Register(r, Read())
	require.NoError(t, err)

	// remove the kernel side behind the poller's back
	require.NoError(t, unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, p.regs[tok].fd, nil))

	require.NoError(t, p.Deregister(tok))
	assert.Equal(t, 0, p.Len())
	assert.False(t, r.Registered())
	assert.True(t, strings.Contains(buf.String(), "epoll: descriptor left the interest list without deregistration"))
}
