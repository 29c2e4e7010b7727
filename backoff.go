package recsync

import (
	"sync"
	"time"
)

// ExponentialBackoff computes the delay before the next drain attempt after
// consecutive failures. The counter is explicit so callers can inspect and
// reset it, and tests can drive it without waiting.
type ExponentialBackoff struct {
	mu         sync.Mutex
	initial    time.Duration
	max        time.Duration
	multiplier float64
	attempts   int
}

// BackoffConfig configures the retry delay curve.
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
}

func (c *BackoffConfig) setDefaults() {
	if c.Initial <= 0 {
		c.Initial = time.Second
	}
	if c.Max <= 0 {
		c.Max = 5 * time.Minute
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 2
	}
}

// NewExponentialBackoff creates a backoff counter from config.
func NewExponentialBackoff(config BackoffConfig) *ExponentialBackoff {
	config.setDefaults()
	return &ExponentialBackoff{
		initial:    config.Initial,
		max:        config.Max,
		multiplier: config.Multiplier,
	}
}

// Next records one more failed attempt and returns the delay to wait before
// trying again: initial * multiplier^(attempts-1), capped at max.
func (b *ExponentialBackoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.initial
	for i := 0; i < b.attempts; i++ {
		delay = time.Duration(float64(delay) * b.multiplier)
		if delay >= b.max {
			delay = b.max
			break
		}
	}
	b.attempts++
	if delay > b.max {
		delay = b.max
	}
	return delay
}

// Reset clears the failure counter after a successful drain.
func (b *ExponentialBackoff) Reset() {
	b.mu.Lock()
	b.attempts = 0
	b.mu.Unlock()
}

// Attempts returns the number of consecutive failures recorded so far.
func (b *ExponentialBackoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}
