package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffExponentialGrowth(t *testing.T) {
	p := BackoffPolicy{
		Initial:    100 * time.Millisecond,
		Max:        time.Minute,
		Multiplier: 2.0,
		Jitter:     0,
	}

	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3))
	assert.Equal(t, 800*time.Millisecond, p.Delay(4))
}

func TestBackoffCapsAtMax(t *testing.T) {
	p := BackoffPolicy{
		Initial:    time.Second,
		Max:        4 * time.Second,
		Multiplier: 2.0,
		Jitter:     0,
	}

	assert.Equal(t, 4*time.Second, p.Delay(10))
}

func TestBackoffJitterBounds(t *testing.T) {
	p := BackoffPolicy{
		Initial:    time.Second,
		Max:        time.Minute,
		Multiplier: 2.0,
		Jitter:     0.5,
	}

	for i := 0; i < 100; i++ {
		d := p.Delay(2)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 2*time.Second)
	}
}

func TestBackoffFixedDelay(t *testing.T) {
	p := BackoffPolicy{
		Initial:    250 * time.Millisecond,
		Max:        time.Minute,
		Multiplier: 1.0,
		Jitter:     0,
	}

	for attempt := 1; attempt <= 5; attempt++ {
		assert.Equal(t, 250*time.Millisecond, p.Delay(attempt))
	}
}

func TestBackoffBadAttemptClamped(t *testing.T) {
	p := DefaultBackoffPolicy()
	assert.Greater(t, p.Delay(0), time.Duration(0))
	assert.Greater(t, p.Delay(-3), time.Duration(0))
}
