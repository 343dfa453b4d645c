package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/apitap/internal/config"
	"github.com/Ramsey-B/apitap/internal/distlock"
	"github.com/Ramsey-B/apitap/internal/logging"
	"github.com/Ramsey-B/apitap/internal/orchestrator"
)

type fakeTrigger struct {
	registered map[string]func(ctx context.Context)
	onFireErr  error
	started    bool
	stopped    bool
}

func newFakeTrigger() *fakeTrigger {
	return &fakeTrigger{registered: map[string]func(ctx context.Context){}}
}

func (f *fakeTrigger) OnFire(schedule string, callback func(ctx context.Context)) error {
	if f.onFireErr != nil {
		return f.onFireErr
	}
	f.registered[schedule] = callback
	return nil
}

func (f *fakeTrigger) Start(ctx context.Context) { f.started = true }
func (f *fakeTrigger) Stop(ctx context.Context)  { f.stopped = true }

func testLogger(t *testing.T) logging.Logger {
	l, err := logging.New("debug", false)
	require.NoError(t, err)
	return l
}

func emptyOrchestrator(t *testing.T) *orchestrator.Orchestrator {
	cfg := &config.Config{Sources: map[string]config.Source{}, Targets: map[string]config.Target{}}
	return orchestrator.New(cfg, testLogger(t))
}

func TestRegisterForwardsToTrigger(t *testing.T) {
	trig := newFakeTrigger()
	s := New(trig, emptyOrchestrator(t), distlock.NewLocalLocker(), testLogger(t))

	err := s.Register(Module{Name: "widgets", Schedule: "*/5 * * * *", Source: "src", Sink: "sink", SQL: "SELECT * FROM src"})
	require.NoError(t, err)
	assert.Contains(t, trig.registered, "*/5 * * * *")
}

func TestRegisterPropagatesTriggerError(t *testing.T) {
	trig := newFakeTrigger()
	trig.onFireErr = assert.AnError
	s := New(trig, emptyOrchestrator(t), distlock.NewLocalLocker(), testLogger(t))

	err := s.Register(Module{Name: "widgets", Schedule: "garbage"})
	assert.ErrorIs(t, err, assert.AnError)
}

func TestStartStopTogglesRunning(t *testing.T) {
	trig := newFakeTrigger()
	s := New(trig, emptyOrchestrator(t), distlock.NewLocalLocker(), testLogger(t))

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, trig.started)

	err := s.Start(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	s.Stop(context.Background())
	assert.True(t, trig.stopped)
}

func TestRunModuleSkipsWhenLockHeld(t *testing.T) {
	locker := distlock.NewLocalLocker()
	s := New(newFakeTrigger(), emptyOrchestrator(t), locker, testLogger(t))

	release, err := locker.Lock(context.Background(), "widgets", time.Minute)
	require.NoError(t, err)
	defer release(context.Background())

	s.runModule(context.Background(), Module{Name: "widgets", Source: "src", Sink: "sink", SQL: "SELECT 1"})

	_, err = locker.Lock(context.Background(), "widgets", time.Minute)
	assert.ErrorIs(t, err, distlock.ErrNotAcquired, "lock held before runModule should still be held after it skips")
}

func TestRunModuleReleasesLockAfterRun(t *testing.T) {
	locker := distlock.NewLocalLocker()
	s := New(newFakeTrigger(), emptyOrchestrator(t), locker, testLogger(t))

	s.runModule(context.Background(), Module{Name: "widgets", Source: "missing", Sink: "missing", SQL: "SELECT 1"})

	release, err := locker.Lock(context.Background(), "widgets", time.Minute)
	require.NoError(t, err, "runModule must release its lock even when the underlying run errors")
	release(context.Background())
}
