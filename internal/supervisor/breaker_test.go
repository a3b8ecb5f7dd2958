package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerAllowsUpToMaxWithinWindow(t *testing.T) {
	b := newBreaker(5, 30*time.Second, time.Minute)
	now := time.Now()

	for i := 0; i < 5; i++ {
		b.record(now.Add(time.Duration(i) * time.Second))
	}
	assert.True(t, b.allow(now.Add(5*time.Second)))

	b.record(now.Add(5 * time.Second))
	assert.False(t, b.allow(now.Add(5*time.Second)))
}

func TestBreakerForgetsRestartsOutsideWindow(t *testing.T) {
	b := newBreaker(2, 30*time.Second, time.Minute)
	now := time.Now()

	b.record(now)
	b.record(now.Add(time.Second))
	b.record(now.Add(2 * time.Second))
	assert.False(t, b.allow(now.Add(2*time.Second)))

	// The same history read a minute later is empty.
	assert.True(t, b.allow(now.Add(time.Minute)))
}

func TestBreakerReset(t *testing.T) {
	b := newBreaker(1, 30*time.Second, time.Minute)
	now := time.Now()

	b.record(now)
	b.record(now)
	assert.False(t, b.allow(now))

	b.reset()
	assert.True(t, b.allow(now))
}

func TestWorkerEnvDetection(t *testing.T) {
	t.Setenv(WorkerEnv, "1")
	assert.True(t, IsWorker())
	t.Setenv(WorkerEnv, "")
	assert.False(t, IsWorker())

	t.Setenv(ForegroundEnv, "1")
	assert.True(t, IsForeground())
}
