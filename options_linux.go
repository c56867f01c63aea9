// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build linux

package epoll

import (
	"fmt"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

const (
	// DefaultMaxEvents is the default number of events fetched per epoll_wait.
	DefaultMaxEvents = 256

	// MaxEventsLimit bounds WithMaxEvents.
	MaxEventsLimit = 1 << 16
)

// defaultStaleEventRates bounds the "stale token" warning, per token.
var defaultStaleEventRates = map[time.Duration]int{
	time.Second: 1,
	time.Minute: 10,
}

// pollerOptions holds configuration options for Poller and SyncPoller creation.
type pollerOptions struct {
	logger     *logiface.Logger[logiface.Event]
	misuse     func(*MisuseError)
	staleRates map[time.Duration]int
	maxEvents  int
}

// PollerOption configures a Poller or SyncPoller instance.
type PollerOption interface {
	applyPoller(*pollerOptions) error
}

// pollerOptionImpl implements PollerOption.
type pollerOptionImpl struct {
	applyPollerFunc func(*pollerOptions) error
}

func (p *pollerOptionImpl) applyPoller(opts *pollerOptions) error {
	return p.applyPollerFunc(opts)
}

// WithLogger sets the structured logger. A nil logger (the default)
// disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) PollerOption {
	return &pollerOptionImpl{func(opts *pollerOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithMaxEvents sets how many events a single epoll_wait may return, which
// is also the size of the kernel event buffer. Must be in (0, MaxEventsLimit].
func WithMaxEvents(n int) PollerOption {
	return &pollerOptionImpl{func(opts *pollerOptions) error {
		if n <= 0 || n > MaxEventsLimit {
			return newError("new", KindInvalidOption, 0, -1,
				fmt.Errorf("max events %d out of range (1..%d)", n, MaxEventsLimit))
		}
		opts.maxEvents = n
		return nil
	}}
}

// WithMisuseHandler sets the function invoked when a registered [Handle] is
// garbage collected without being closed or deregistered. The handler runs
// on the goroutine performing the next poller operation, after the
// registration has been removed and the descriptor released.
//
// The default handler panics with the *MisuseError. A nil handler restores
// the default.
func WithMisuseHandler(handler func(*MisuseError)) PollerOption {
	return &pollerOptionImpl{func(opts *pollerOptions) error {
		opts.misuse = handler
		return nil
	}}
}

// WithStaleEventRates configures the per-token rate limit, in the format of
// [catrate.NewLimiter], for warnings about events dropped because their
// registration ended while a wait was in flight (SyncPoller only).
// A nil or empty map logs every occurrence.
func WithStaleEventRates(rates map[time.Duration]int) PollerOption {
	return &pollerOptionImpl{func(opts *pollerOptions) error {
		if len(rates) != 0 {
			if _, err := newStaleLimiter(rates); err != nil {
				return err
			}
		}
		opts.staleRates = rates
		return nil
	}}
}

// resolvePollerOptions applies PollerOption instances to pollerOptions.
func resolvePollerOptions(opts []PollerOption) (*pollerOptions, error) {
	cfg := &pollerOptions{
		maxEvents:  DefaultMaxEvents,
		staleRates: defaultStaleEventRates,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyPoller(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.misuse == nil {
		cfg.misuse = defaultMisuseHandler
	}
	return cfg, nil
}

func defaultMisuseHandler(err *MisuseError) {
	panic(err)
}

// newStaleLimiter converts the panic catrate uses for invalid rates into an error.
func newStaleLimiter(rates map[time.Duration]int) (limiter *catrate.Limiter, err error) {
	if len(rates) == 0 {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			limiter = nil
			if e, ok := r.(error); ok {
				err = newError("new", KindInvalidOption, 0, -1, fmt.Errorf("stale event rates: %w", e))
			} else {
				err = newError("new", KindInvalidOption, 0, -1, fmt.Errorf("stale event rates: %v", r))
			}
		}
	}()
	return catrate.NewLimiter(rates), nil
}
