//go:build linux

package epoll

// logStale warns about an event whose registration ended while the wait
// that observed it was in flight. Only a SyncPoller can observe these, and
// a busy descriptor can produce one per wait, hence the per-token limit.
func (p *Poller) logStale(t Token, mask uint32) {
	if _, ok := p.stale.Allow(t); !ok {
		return
	}
	events, unknown := DecodeEvents(mask)
	p.opts.logger.Warning().
		Uint64("token", uint64(t)).
		Stringer("events", events).
		Uint64("unknown", uint64(unknown)).
		Log("epoll: dropped event for a registration that ended during wait")
}
