//go:build linux

package epoll

import (
	"sync"

	"golang.org/x/sys/unix"
)

// leakQueue receives handles that were garbage collected while registered.
// Cleanups run on their own goroutine, so this is the only part of a Poller
// that is written concurrently; the owner drains it on its next operation.
type leakQueue struct {
	items  []*handleState
	mu     sync.Mutex
	closed bool
}

func (q *leakQueue) push(s *handleState) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, s)
	return true
}

func (q *leakQueue) take() []*handleState {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// close takes any remaining items, and rejects further pushes.
func (q *leakQueue) close() []*handleState {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	q.closed = true
	return items
}

// processLeaks is called at the start of every poller operation.
func (p *Poller) processLeaks() {
	if items := p.leaks.take(); len(items) != 0 {
		p.reportMisuse(p.collectLeaks(items))
	}
}

// collectLeaks removes the registration of each leaked handle, then closes
// its descriptor, in that order.
func (p *Poller) collectLeaks(items []*handleState) []*MisuseError {
	if len(items) == 0 {
		return nil
	}
	misuse := make([]*MisuseError, 0, len(items))
	for _, s := range items {
		s.mu.RLock()
		b := s.binding
		s.mu.RUnlock()

		e := &MisuseError{FD: -1}
		if b != nil {
			e.Token = b.token
			if reg := p.regs[b.token]; reg != nil && reg.state == s {
				e.Interest = reg.interest
				_ = p.remove("leak", b.token, reg, true)
				if reg.internal {
					p.internal--
				} else {
					p.counts.leaked.Add(1)
				}
			}
		}
		e.FD = s.releaseLeaked()

		p.opts.logger.Crit().
			Uint64("token", uint64(e.Token)).
			Int("fd", e.FD).
			Stringer("interest", e.Interest).
			Log("epoll: handle garbage collected while registered")

		misuse = append(misuse, e)
	}
	return misuse
}

func (p *Poller) reportMisuse(misuse []*MisuseError) {
	for _, e := range misuse {
		p.opts.misuse(e)
	}
}

// release runs if a Poller is garbage collected without Close. Any handle
// still bound to it is necessarily unreachable too.
func (r *pollerResources) release() {
	for _, s := range r.leaks.close() {
		s.releaseLeaked()
	}
	for _, fd := range r.internal {
		_ = unix.Close(fd)
	}
	_ = unix.Close(r.epfd)
}
