package loop

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPeriodicTask_RunsUntilStopped(t *testing.T) {
	var calls atomic.Int32
	task := NewPeriodicTask(time.Millisecond, func() { calls.Add(1) })

	assert.True(t, task.Start())
	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)

	task.Stop()
	assert.False(t, task.Running())

	after := calls.Load()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, after, calls.Load(), "fn must not run after Stop returns")
}

func TestPeriodicTask_StopIsIdempotent(t *testing.T) {
	task := NewPeriodicTask(time.Millisecond, func() {})
	task.Start()
	task.Stop()
	task.Stop()
	assert.False(t, task.Start(), "stopped task cannot restart")
}

func TestPeriodicTask_StopWithoutStart(t *testing.T) {
	task := NewPeriodicTask(time.Millisecond, func() {})
	task.Stop()
	assert.False(t, task.Running())
	assert.False(t, task.Start())
}
