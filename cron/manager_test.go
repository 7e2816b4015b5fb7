package cron

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-gate/logger"
	"github.com/saiset-co/sai-gate/types"
)

type staticConfig struct {
	cfg *types.GateConfig
}

func (s *staticConfig) Load() error                     { return nil }
func (s *staticConfig) GetConfig() *types.GateConfig    { return s.cfg }
func (s *staticConfig) GetAs(string, interface{}) error { return nil }

func (s *staticConfig) GetValue(path string, def interface{}) interface{} {
	return def
}

func testLogger() types.Logger {
	return logger.NewZapWrapper(zap.NewNop())
}

func testManager(t *testing.T, timezone string) *Manager {
	t.Helper()

	config := &staticConfig{cfg: &types.GateConfig{
		Name:    "gate-test",
		Version: "0.0.1",
		Cron:    &types.CronConfig{Enabled: true, Timezone: timezone},
	}}

	manager, err := NewManager(context.Background(), config, testLogger(), nil)
	require.NoError(t, err)
	return manager.(*Manager)
}

func jobByName(entries []types.JobEntry, name string) (types.JobEntry, bool) {
	for _, entry := range entries {
		if entry.Name == name {
			return entry, true
		}
	}
	return types.JobEntry{}, false
}

func TestAddValidatesArguments(t *testing.T) {
	manager := testManager(t, "UTC")

	assert.ErrorIs(t, manager.Add("", "* * * * * *", func() {}), types.ErrCronJobNameIsEmpty)
	assert.ErrorIs(t, manager.Add("flush", "", func() {}), types.ErrCronExpressionInvalid)
	assert.ErrorIs(t, manager.Add("flush", "* * * * * *", nil), types.ErrCronJobIsNil)
	assert.Empty(t, manager.Jobs())
}

func TestAddRejectsMalformedExpression(t *testing.T) {
	manager := testManager(t, "UTC")

	err := manager.Add("flush", "not a cron", func() {})
	require.ErrorIs(t, err, types.ErrCronExpressionInvalid)
	assert.Contains(t, err.Error(), "not a cron")
	assert.Empty(t, manager.Jobs(), "a rejected spec must not register the job")

	assert.NoError(t, manager.Add("flush", "0 0 * * * *", func() {}),
		"the name stays free after a rejected spec")
}

func TestAddRejectsDuplicateName(t *testing.T) {
	manager := testManager(t, "UTC")

	require.NoError(t, manager.Add("flush", "0 * * * * *", func() {}))
	assert.ErrorIs(t, manager.Add("flush", "0 0 * * * *", func() {}), types.ErrCronJobExists)
}

func TestJobsSnapshotBeforeStart(t *testing.T) {
	manager := testManager(t, "UTC")

	require.NoError(t, manager.Add("flush", "0 * * * * *", func() {}))
	require.NoError(t, manager.Add("compact", "0 0 * * * *", func() {}))

	entries := manager.Jobs()
	require.Len(t, entries, 2)

	flush, ok := jobByName(entries, "flush")
	require.True(t, ok)
	assert.Equal(t, "0 * * * * *", flush.Spec)
	assert.False(t, flush.AddedAt.IsZero())
	assert.Zero(t, flush.RunCount)
	assert.NoError(t, flush.Error)
}

func TestScheduledJobRuns(t *testing.T) {
	manager := testManager(t, "UTC")

	var runs int64
	require.NoError(t, manager.Add("tick", "* * * * * *", func() {
		atomic.AddInt64(&runs, 1)
	}))

	require.NoError(t, manager.Start())
	defer manager.Stop()

	var entry types.JobEntry
	require.Eventually(t, func() bool {
		e, ok := jobByName(manager.Jobs(), "tick")
		if ok && e.RunCount >= 1 {
			entry = e
			return true
		}
		return false
	}, 3*time.Second, 25*time.Millisecond, "an every-second job should run within one tick")

	assert.GreaterOrEqual(t, atomic.LoadInt64(&runs), int64(1))
	assert.False(t, entry.LastRun.IsZero())
	assert.False(t, entry.NextRun.IsZero())
	assert.NoError(t, entry.Error)
}

func TestAddAfterStartSchedules(t *testing.T) {
	manager := testManager(t, "UTC")
	require.NoError(t, manager.Start())
	defer manager.Stop()

	var runs int64
	require.NoError(t, manager.Add("late", "* * * * * *", func() {
		atomic.AddInt64(&runs, 1)
	}))

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&runs) >= 1
	}, 3*time.Second, 25*time.Millisecond, "jobs added after start join the live schedule")
}

func TestPanickingJobIsContained(t *testing.T) {
	manager := testManager(t, "UTC")

	require.NoError(t, manager.Add("explode", "* * * * * *", func() {
		panic("boom")
	}))
	require.NoError(t, manager.Start())
	defer manager.Stop()

	var entry types.JobEntry
	require.Eventually(t, func() bool {
		e, ok := jobByName(manager.Jobs(), "explode")
		if ok && e.RunCount >= 1 && e.Error != nil {
			entry = e
			return true
		}
		return false
	}, 3*time.Second, 25*time.Millisecond, "the failed run should be recorded")

	assert.ErrorIs(t, entry.Error, types.ErrCronJobFailed)
	assert.True(t, manager.IsRunning(), "a panicking job must not take the scheduler down")
}

func TestLifecycleGates(t *testing.T) {
	manager := testManager(t, "UTC")

	assert.ErrorIs(t, manager.Stop(), types.ErrServerNotRunning)
	assert.False(t, manager.IsRunning())

	require.NoError(t, manager.Start())
	assert.True(t, manager.IsRunning())
	assert.ErrorIs(t, manager.Start(), types.ErrCronIsRunning)

	require.NoError(t, manager.Stop())
	assert.False(t, manager.IsRunning())
	assert.ErrorIs(t, manager.Stop(), types.ErrServerNotRunning)
}

func TestAddAfterStopIsRejected(t *testing.T) {
	manager := testManager(t, "UTC")
	require.NoError(t, manager.Start())
	require.NoError(t, manager.Stop())

	assert.ErrorIs(t, manager.Add("flush", "0 * * * * *", func() {}), types.ErrCronSchedulerStopped)
}

func TestUnknownTimezoneFallsBackToUTC(t *testing.T) {
	manager := testManager(t, "Mars/Olympus_Mons")
	assert.Equal(t, time.UTC, manager.timezone)
}
