// Package retry decides between rescheduling a failed task and routing it to
// the dead-letter queue.
package retry

import (
	"math"
	"time"
)

// Policy holds the exponential backoff parameters. Multiplier must be >= 1.0.
type Policy struct {
	Base        time.Duration
	Multiplier  float64
	MaxAttempts int
}

// Delay computes the backoff before the next publication:
// base * multiplier^(attempts-1), where attempts is the count of started
// executions so far.
func (p Policy) Delay(attempts int) time.Duration {
	exp := attempts - 1
	if exp < 0 {
		exp = 0
	}
	mult := p.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}
	return time.Duration(float64(p.Base) * math.Pow(mult, float64(exp)))
}

// ShouldRetry reports whether a task with the given started-attempt count is
// still eligible for another execution.
func (p Policy) ShouldRetry(attempts int) bool {
	return attempts < p.MaxAttempts
}
