package resilience

import (
	"sync"
	"time"
)

// Backoff is the rate-limit escalator: each Escalate doubles the current
// delay, clamped to [initial, max]; Reset returns it to zero.
type Backoff struct {
	initial time.Duration
	max     time.Duration

	mu      sync.Mutex
	current time.Duration
	hook    func(time.Duration)
}

// NewBackoff creates an escalator starting at zero.
func NewBackoff(initial, max time.Duration) *Backoff {
	if max < initial {
		max = initial
	}
	return &Backoff{initial: initial, max: max}
}

// WithHook sets a callback invoked with every new value (for metrics).
func (b *Backoff) WithHook(fn func(time.Duration)) *Backoff {
	b.hook = fn
	return b
}

// Escalate doubles the delay and returns the new value.
func (b *Backoff) Escalate() time.Duration {
	b.mu.Lock()
	next := b.current * 2
	if next < b.initial {
		next = b.initial
	}
	if next > b.max {
		next = b.max
	}
	b.current = next
	b.mu.Unlock()
	b.notify(next)
	return next
}

// Reset clears the delay.
func (b *Backoff) Reset() {
	b.mu.Lock()
	changed := b.current != 0
	b.current = 0
	b.mu.Unlock()
	if changed {
		b.notify(0)
	}
}

// Current returns the active delay.
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

func (b *Backoff) notify(d time.Duration) {
	if b.hook != nil {
		b.hook(d)
	}
}
