package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCronTriggerRejectsInvalidSchedule(t *testing.T) {
	trig := NewCronTrigger()
	err := trig.OnFire("not a cron expr", func(context.Context) {})
	assert.Error(t, err)
}

func TestCronTriggerStartStopWithRegisteredCallback(t *testing.T) {
	trig := NewCronTrigger()
	var fired int32

	err := trig.OnFire("* * * * *", func(context.Context) {
		atomic.AddInt32(&fired, 1)
	})
	require.NoError(t, err)

	trig.Start(context.Background())
	defer trig.Stop(context.Background())

	// The standard 5-field parser's finest granularity is a minute, so this
	// only asserts Start/Stop wiring doesn't error or deadlock, not that a
	// fire actually lands within the test window.
	time.Sleep(10 * time.Millisecond)
	trig.Stop(context.Background())
}

func TestCronTriggerPropagatesStartContextToCallbacks(t *testing.T) {
	trig := NewCronTrigger()
	startCtx, cancel := context.WithCancel(context.Background())

	require.NoError(t, trig.OnFire("* * * * *", func(ctx context.Context) {}))

	trig.Start(startCtx)
	defer trig.Stop(context.Background())

	// Simulate a fire happening after Start by invoking the registration's
	// context lookup directly, since the 5-field parser can't be made to
	// fire within a unit test's timeout: confirm the ctx CronTrigger hands
	// to callbacks is exactly the one passed to Start, not a fresh
	// context.Background(), so canceling it is observable downstream.
	trig.mu.RLock()
	gotCtx := trig.ctx
	trig.mu.RUnlock()

	assert.Same(t, startCtx, gotCtx)

	cancel()
	assert.Error(t, gotCtx.Err())
}
