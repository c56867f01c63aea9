// Package epoll is a safe wrapper around the Linux epoll readiness
// notification facility.
//
// # Handles and registrations
//
// A [Handle] owns exactly one file descriptor, and is the only way to get a
// descriptor into a [Poller]. Registering a handle with an [Interest] yields
// a [Token], which identifies the registration for its whole life: the token
// is what the kernel hands back with each event, never the descriptor
// number, so events cannot be attributed to a recycled descriptor.
//
// A handle is registered with at most one poller at a time. Closing a
// registered handle deregisters it first, then closes the descriptor, which
// keeps the kernel's interest list and the poller's bookkeeping in
// lock-step. Dropping a registered handle without closing it is a
// programming error: the registration is removed on the poller's next
// operation, and the misuse handler is invoked (by default, it panics).
//
// # Waiting
//
// [Poller.Wait] blocks until at least one registration is ready, or the
// timeout elapses. Readiness is passed through from the kernel without
// reinterpretation:
//
//   - Level-triggered interests are reported on every wait while the
//     condition holds.
//   - Edge-triggered interests are reported once per transition. The caller
//     must consume the descriptor (e.g. read until EAGAIN) before expecting
//     another event.
//   - One-shot interests are reported once, after which the registration is
//     retired and its token invalidated.
//   - [EventError] and [EventHangup] are reported whether or not they were
//     requested.
//
// A blocked wait is interrupted by making a registered descriptor ready.
// [Waker] packages the usual approach (an eventfd), and
// [Poller.WaitContext] uses one internally to honour context cancellation.
//
// # Concurrency
//
// A [Poller] must be used from one goroutine at a time, including Close of
// the handles registered with it. A [SyncPoller] may be shared: its Wait
// does not hold the lock while blocked in the kernel, so registrations can
// change while another goroutine waits. Events for registrations removed
// mid-wait are dropped.
//
// # Logging
//
// Pollers log through [github.com/joeycumines/logiface], see [WithLogger].
// Lifecycle events are logged at debug level, dropped events at warning
// level (rate limited per token, see [WithStaleEventRates]), and leaked
// handles at critical level.
package epoll
