package errs

import (
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned once a category has failed too often.
var ErrCircuitOpen = fmt.Errorf("circuit breaker open")

// Breaker counts recent failures per kind and trips when a watched kind
// reaches the threshold inside the window. Safe for concurrent use.
type Breaker struct {
	threshold int
	window    time.Duration
	watched   map[Kind]bool
	now       func() time.Time

	mu       sync.Mutex
	failures map[Kind][]time.Time
}

// NewBreaker returns a breaker watching the given kinds. A threshold of zero
// disables it.
func NewBreaker(threshold int, window time.Duration, kinds []Kind) *Breaker {
	watched := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		watched[k] = true
	}
	return &Breaker{
		threshold: threshold,
		window:    window,
		watched:   watched,
		now:       time.Now,
		failures:  make(map[Kind][]time.Time),
	}
}

// RecordFailure notes a failure of kind and returns a non-nil error wrapping
// ErrCircuitOpen when the breaker trips for it.
func (b *Breaker) RecordFailure(kind Kind) error {
	if b == nil || b.threshold <= 0 || !b.watched[kind] {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	cutoff := now.Add(-b.window)
	recent := b.failures[kind][:0]
	for _, t := range b.failures[kind] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	recent = append(recent, now)
	b.failures[kind] = recent

	if len(recent) >= b.threshold {
		return fmt.Errorf("%w: %d %s failures within %s", ErrCircuitOpen, len(recent), kind, b.window)
	}
	return nil
}

// RecordSuccess clears all failure windows.
func (b *Breaker) RecordSuccess() {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.failures = make(map[Kind][]time.Time)
	b.mu.Unlock()
}

// Failures returns the number of failures of kind currently in the window.
func (b *Breaker) Failures(kind Kind) int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := b.now().Add(-b.window)
	n := 0
	for _, t := range b.failures[kind] {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
