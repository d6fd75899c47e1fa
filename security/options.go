package security

import (
	"errors"
	"fmt"
	"time"
)

// errBookkeeping marks a failure inside the in-memory bookkeeping of a store,
// auditor or dispatcher. It never escapes a public method: callers at the
// package boundary collapse it into the safe default (not limited, event dropped).
var errBookkeeping = errors.New("security bookkeeping failure")

// recoverBookkeeping converts a panic in a bookkeeping step into errBookkeeping.
// It must be deferred before any lock is taken so the lock is released first.
func recoverBookkeeping(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%w: %v", errBookkeeping, r)
	}
}

// Option customises the components of this package.
type Option func(*options)

type options struct {
	now             func() time.Time
	cleanupInterval time.Duration
}

func defaultOptions() options {
	return options{
		now:             time.Now,
		cleanupInterval: DefaultCleanupInterval,
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// WithClock replaces the wall clock, mainly for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithCleanupInterval sets how often window stores run their background janitor.
// Zero or a negative value disables the janitor goroutine.
func WithCleanupInterval(d time.Duration) Option {
	return func(o *options) {
		o.cleanupInterval = d
	}
}
