package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayGrowsExponentially(t *testing.T) {
	p := Policy{Base: 500 * time.Millisecond, Multiplier: 2.0, MaxAttempts: 5}

	assert.Equal(t, 500*time.Millisecond, p.Delay(1))
	assert.Equal(t, time.Second, p.Delay(2))
	assert.Equal(t, 2*time.Second, p.Delay(3))
	assert.Equal(t, 4*time.Second, p.Delay(4))
}

func TestDelayClampsLowAttempts(t *testing.T) {
	p := Policy{Base: 500 * time.Millisecond, Multiplier: 2.0, MaxAttempts: 5}
	assert.Equal(t, p.Delay(1), p.Delay(0))
	assert.Equal(t, p.Delay(1), p.Delay(-3))
}

func TestDelayClampsMultiplier(t *testing.T) {
	p := Policy{Base: time.Second, Multiplier: 0.5, MaxAttempts: 5}
	assert.Equal(t, time.Second, p.Delay(3))
}

func TestShouldRetry(t *testing.T) {
	p := Policy{Base: time.Second, Multiplier: 2.0, MaxAttempts: 3}
	assert.True(t, p.ShouldRetry(1))
	assert.True(t, p.ShouldRetry(2))
	assert.False(t, p.ShouldRetry(3))
	assert.False(t, p.ShouldRetry(4))
}

func TestMaxAttemptsOneNeverRetries(t *testing.T) {
	p := Policy{Base: time.Second, Multiplier: 2.0, MaxAttempts: 1}
	assert.False(t, p.ShouldRetry(1))
}
