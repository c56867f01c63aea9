//go:build linux

package epoll

import (
	"sync/atomic"
)

// Stats is a snapshot of a poller's counters.
//
// Until Close, Live equals Registered minus every way a registration can
// end: Deregistered (including Handle.Close), OneShotRetired and Leaked.
type Stats struct {
	Live           int
	Registered     uint64
	Deregistered   uint64
	Modified       uint64
	OneShotRetired uint64
	Leaked         uint64
	Waits          uint64
	Delivered      uint64
	Stale          uint64
	Interrupted    uint64
}

// counters are updated with atomics so the wait loop of a SyncPoller can
// count outside its lock.
type counters struct {
	registered     atomic.Uint64
	deregistered   atomic.Uint64
	modified       atomic.Uint64
	oneShotRetired atomic.Uint64
	leaked         atomic.Uint64
	waits          atomic.Uint64
	delivered      atomic.Uint64
	stale          atomic.Uint64
	interrupted    atomic.Uint64
}

func (c *counters) snapshot(live int) Stats {
	return Stats{
		Live:           live,
		Registered:     c.registered.Load(),
		Deregistered:   c.deregistered.Load(),
		Modified:       c.modified.Load(),
		OneShotRetired: c.oneShotRetired.Load(),
		Leaked:         c.leaked.Load(),
		Waits:          c.waits.Load(),
		Delivered:      c.delivered.Load(),
		Stale:          c.stale.Load(),
		Interrupted:    c.interrupted.Load(),
	}
}
