package scheduler

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"
)

// Trigger abstracts the cron scheduling host, per spec.md §9's "Cron
// trigger host → abstract behind a Trigger interface (on_fire(callback))"
// redesign note: the scheduler depends on this interface, not on
// robfig/cron/v3 directly.
type Trigger interface {
	// OnFire registers callback to run every time schedule fires. Returns
	// an error if schedule doesn't parse.
	OnFire(schedule string, callback func(ctx context.Context)) error
	// Start begins firing registered callbacks in the background. ctx is
	// passed to every fire; canceling it cancels in-flight callbacks at
	// their next suspension point.
	Start(ctx context.Context)
	// Stop halts future fires and waits for in-flight callbacks to
	// return, or for ctx to be done, whichever comes first.
	Stop(ctx context.Context)
}

// CronTrigger is the concrete Trigger, backed by robfig/cron/v3 with its
// standard 5-field parser (minute hour day-of-month month day-of-week).
type CronTrigger struct {
	c *cron.Cron

	mu  sync.RWMutex
	ctx context.Context
}

// NewCronTrigger builds an idle CronTrigger; call Start to begin firing.
func NewCronTrigger() *CronTrigger {
	return &CronTrigger{c: cron.New(), ctx: context.Background()}
}

// OnFire parses schedule and registers callback against it. callback
// receives the context passed to Start, so a cancellation of that
// context (e.g. SIGINT unwinding signal.NotifyContext) propagates into
// every in-flight fire's ctx.Done().
func (t *CronTrigger) OnFire(schedule string, callback func(ctx context.Context)) error {
	_, err := t.c.AddFunc(schedule, func() {
		t.mu.RLock()
		ctx := t.ctx
		t.mu.RUnlock()
		callback(ctx)
	})
	return err
}

// Start records ctx for OnFire's registered callbacks and runs the cron
// loop in its own goroutine; returns immediately.
func (t *CronTrigger) Start(ctx context.Context) {
	t.mu.Lock()
	t.ctx = ctx
	t.mu.Unlock()
	t.c.Start()
}

// Stop asks the cron loop to stop scheduling new fires and blocks until
// running jobs finish or ctx is done.
func (t *CronTrigger) Stop(ctx context.Context) {
	stopCtx := t.c.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}
