package jobstore

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_const "github.com/TimeWtr/jobstore/const"
	"github.com/TimeWtr/jobstore/domain"
	"github.com/TimeWtr/jobstore/repository"
)

// 超过错过阈值的触发器先被标记为MISFIRED，修复后按立即触发策略回到WAITING
func TestJobStore_MisfireDetectedOnAcquire(t *testing.T) {
	s, clock, sig := newTestJobStore(t)
	ctx := context.Background()
	now := clock.Now()

	job := testJob("j1")
	trigger := repeatTrigger("t1", job.Key, now.Add(-(s.cfg.MisfireThreshold + time.Second)))
	mustStoreJobAndTrigger(t, s, job, trigger)

	acquired, err := s.AcquireNextTriggers(ctx, now, 5, 0)
	require.NoError(t, err)
	assert.Empty(t, acquired)
	assert.Equal(t, _const.StateMisfired, triggerState(t, s, trigger.Key))

	res, err := s.doRecoverMisfires(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.processed)
	assert.False(t, res.hasMore)
	assert.True(t, res.earliest.Equal(now))

	assert.Equal(t, _const.StateWaiting, triggerState(t, s, trigger.Key))
	stored, err := s.RetrieveTrigger(ctx, trigger.Key)
	require.NoError(t, err)
	assert.True(t, stored.NextFireTime.Equal(now))
	assert.Equal(t, []domain.Key{trigger.Key}, sig.misfired)
	require.NotEmpty(t, sig.signals)
	assert.True(t, sig.signals[len(sig.signals)-1].Equal(now))

	acquired, err = s.AcquireNextTriggers(ctx, now, 5, 0)
	require.NoError(t, err)
	assert.Len(t, acquired, 1)
}

func TestJobStore_MisfireInstructions(t *testing.T) {
	testCases := []struct {
		name        string
		instruction _const.MisfireInstruction
		once        bool
		wantState   _const.TriggerState
		// wantNext 相对当前时间的偏移
		wantNext  time.Duration
		finalized bool
		processed int
	}{
		{name: "smart policy", instruction: _const.MisfireSmartPolicy, wantState: _const.StateWaiting, processed: 1},
		{name: "fire now", instruction: _const.MisfireFireNow, wantState: _const.StateWaiting, processed: 1},
		{
			name:        "do nothing",
			instruction: _const.MisfireDoNothing,
			wantState:   _const.StateWaiting,
			wantNext:    59 * time.Second,
			processed:   1,
		},
		{
			name:        "do nothing once",
			instruction: _const.MisfireDoNothing,
			once:        true,
			wantState:   _const.StateComplete,
			finalized:   true,
			processed:   1,
		},
		{
			name:        "ignore",
			instruction: _const.MisfireIgnore,
			wantState:   _const.StateWaiting,
			wantNext:    -61 * time.Second,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s, clock, sig := newTestJobStore(t)
			ctx := context.Background()
			now := clock.Now()
			job := testJob("j1")
			job.Durable = true

			trigger := repeatTrigger("t1", job.Key, now.Add(-61*time.Second))
			if tc.once {
				trigger = onceTrigger("t1", job.Key, now.Add(-61*time.Second))
			}
			trigger.MisfireInstruction = tc.instruction
			mustStoreJobAndTrigger(t, s, job, trigger)

			res, err := s.doRecoverMisfires(ctx)
			require.NoError(t, err)
			assert.Equal(t, tc.processed, res.processed)
			assert.Equal(t, tc.wantState, triggerState(t, s, trigger.Key))

			stored, err := s.RetrieveTrigger(ctx, trigger.Key)
			require.NoError(t, err)
			if tc.finalized {
				assert.True(t, stored.NextFireTime.IsZero())
				assert.Equal(t, []domain.Key{trigger.Key}, sig.finalized)
				return
			}
			assert.True(t, stored.NextFireTime.Equal(now.Add(tc.wantNext)), stored.NextFireTime)
			assert.Empty(t, sig.finalized)
		})
	}
}

func TestJobStore_MisfireBatchLimit(t *testing.T) {
	env := newTestEnv(t)
	cfg := testConfig("single", false)
	cfg.MaxMisfiresPerBatch = 2
	s, _ := env.newJobStore(cfg)
	ctx := context.Background()
	now := env.clock.Now()

	job := testJob("j1")
	job.Durable = true
	require.NoError(t, s.StoreJob(ctx, job, false))
	for _, name := range []string{"t1", "t2", "t3"} {
		require.NoError(t, s.StoreTrigger(ctx, repeatTrigger(name, job.Key, now.Add(-2*time.Minute)), false))
	}

	res, err := s.doRecoverMisfires(ctx)
	require.NoError(t, err)
	assert.True(t, res.hasMore)
	assert.Equal(t, 2, res.processed)

	res, err = s.doRecoverMisfires(ctx)
	require.NoError(t, err)
	assert.False(t, res.hasMore)
	assert.Equal(t, 1, res.processed)

	res, err = s.doRecoverMisfires(ctx)
	require.NoError(t, err)
	assert.Equal(t, misfireResult{}, res)
}

func TestJobStore_MisfireMissingJob(t *testing.T) {
	s, clock, _ := newTestJobStore(t)
	ctx := context.Background()
	orphan := repeatTrigger("orphan", domain.NewKey("ghost", ""), clock.Now().Add(-2*time.Minute))
	inStoreTx(t, s, func(tx repository.Tx) {
		require.NoError(t, s.store.InsertTrigger(tx, orphan, _const.StateWaiting))
	})

	res, err := s.doRecoverMisfires(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.processed)
	assert.Equal(t, _const.StateError, triggerState(t, s, orphan.Key))
}

func TestJobStore_MisfireUnknownScheduleKind(t *testing.T) {
	env := newTestEnv(t)
	s, _ := env.newJobStore(testConfig("single", false))
	ctx := context.Background()
	overdue := env.clock.Now().Add(-2 * time.Minute)

	job := testJob("j1")
	bad := repeatTrigger("bad", job.Key, overdue)
	good := repeatTrigger("good", job.Key, overdue)
	mustStoreJobAndTrigger(t, s, job, bad)
	require.NoError(t, s.StoreTrigger(ctx, good, false))
	env.exec("UPDATE js_triggers SET trigger_type = ? WHERE trigger_name = ?", "UNREGISTERED", "bad")

	res, err := s.doRecoverMisfires(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.processed)
	assert.Equal(t, _const.StateError, triggerState(t, s, bad.Key))
	assert.Equal(t, _const.StateWaiting, triggerState(t, s, good.Key))
}

func TestJobStore_MisfireLoop(t *testing.T) {
	env := newTestEnv(t)
	cfg := testConfig("single", false)
	cfg.MisfireThreshold = 50 * time.Millisecond
	s, sig := env.newJobStore(cfg)
	ctx := context.Background()
	now := env.clock.Now()
	before := testutil.ToFloat64(misfiresHandled.WithLabelValues("test"))

	require.NoError(t, s.SchedulerStarted(ctx))
	job := testJob("j1")
	trigger := repeatTrigger("t1", job.Key, now.Add(-time.Second))
	mustStoreJobAndTrigger(t, s, job, trigger)

	assert.Eventually(t, func() bool {
		stored, err := s.RetrieveTrigger(ctx, trigger.Key)
		if err != nil || !stored.NextFireTime.Equal(now) {
			return false
		}
		state, err := s.GetTriggerState(ctx, trigger.Key)
		return err == nil && state == _const.StateWaiting
	}, 5*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool {
		sig.mu.Lock()
		defer sig.mu.Unlock()
		return len(sig.misfired) == 1
	}, time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, testutil.ToFloat64(misfiresHandled.WithLabelValues("test"))-before, 1.0)

	require.NoError(t, s.Shutdown())
}
