package jobstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_const "github.com/TimeWtr/jobstore/const"
	"github.com/TimeWtr/jobstore/domain"
)

// 全部暂停再全部恢复后，WAITING的触发器回到WAITING并重新应用错过策略，阻塞标记随之恢复
func TestJobStore_PauseAllResumeAll(t *testing.T) {
	s, clock, _ := newTestJobStore(t)
	s.SchedulerResumed()
	ctx := context.Background()
	start := clock.Now()

	job := testJob("j1")
	w1 := repeatTrigger("w1", job.Key, start.Add(10*time.Second))
	w1.Key = domain.NewKey("w1", "g1")
	mustStoreJobAndTrigger(t, s, job, w1)

	stateful := statefulJob("stateful")
	t1 := repeatTrigger("t1", stateful.Key, start)
	t1.Key = domain.NewKey("t1", "g2")
	t2 := repeatTrigger("t2", stateful.Key, start.Add(time.Second))
	t2.Key = domain.NewKey("t2", "g2")
	mustStoreJobAndTrigger(t, s, stateful, t1)
	require.NoError(t, s.StoreTrigger(ctx, t2, false))

	bundle := acquireAndFire(t, s, start)
	require.Equal(t, t1.Key, bundle.Trigger.Key)
	require.Equal(t, _const.StateBlocked, triggerState(t, s, t2.Key))

	require.NoError(t, s.PauseAll(ctx))
	assert.Equal(t, _const.StatePaused, triggerState(t, s, w1.Key))
	assert.Equal(t, _const.StatePausedBlocked, triggerState(t, s, t1.Key))
	assert.Equal(t, _const.StatePausedBlocked, triggerState(t, s, t2.Key))

	// 全部暂停期间新增的分组同样处于暂停状态
	n1 := repeatTrigger("n1", job.Key, start.Add(time.Hour))
	n1.Key = domain.NewKey("n1", "g3")
	require.NoError(t, s.StoreTrigger(ctx, n1, false))
	assert.Equal(t, _const.StatePaused, triggerState(t, s, n1.Key))

	groups, err := s.GetPausedTriggerGroups(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"g1", "g2", "g3"}, groups)

	clock.Advance(2 * time.Minute)
	now := clock.Now()
	require.NoError(t, s.ResumeAll(ctx))

	assert.Equal(t, _const.StateWaiting, triggerState(t, s, w1.Key))
	stored, err := s.RetrieveTrigger(ctx, w1.Key)
	require.NoError(t, err)
	assert.True(t, stored.NextFireTime.Equal(now), stored.NextFireTime)

	assert.Equal(t, _const.StateWaiting, triggerState(t, s, n1.Key))
	// 有状态Job仍在执行，恢复后依然阻塞
	assert.Equal(t, _const.StateBlocked, triggerState(t, s, t1.Key))
	assert.Equal(t, _const.StateBlocked, triggerState(t, s, t2.Key))

	groups, err = s.GetPausedTriggerGroups(ctx)
	require.NoError(t, err)
	assert.Empty(t, groups)

	require.NoError(t, s.TriggeredJobComplete(ctx, bundle.Trigger, bundle.Job, _const.InstructionNoop))
	assert.Equal(t, _const.StateWaiting, triggerState(t, s, t1.Key))
	assert.Equal(t, _const.StateWaiting, triggerState(t, s, t2.Key))

	// 恢复之后新增的分组不再暂停
	n2 := repeatTrigger("n2", job.Key, now.Add(time.Hour))
	n2.Key = domain.NewKey("n2", "g4")
	require.NoError(t, s.StoreTrigger(ctx, n2, false))
	assert.Equal(t, _const.StateWaiting, triggerState(t, s, n2.Key))
}

func TestJobStore_PauseTriggerGroup(t *testing.T) {
	s, clock, _ := newTestJobStore(t)
	s.SchedulerResumed()
	ctx := context.Background()
	now := clock.Now()

	job := testJob("j1")
	a := repeatTrigger("a", job.Key, now.Add(time.Minute))
	a.Key = domain.NewKey("a", "reports")
	other := repeatTrigger("other", job.Key, now.Add(time.Minute))
	mustStoreJobAndTrigger(t, s, job, a)
	require.NoError(t, s.StoreTrigger(ctx, other, false))

	require.NoError(t, s.PauseTriggerGroup(ctx, "reports"))
	assert.Equal(t, _const.StatePaused, triggerState(t, s, a.Key))
	assert.Equal(t, _const.StateWaiting, triggerState(t, s, other.Key))

	b := repeatTrigger("b", job.Key, now.Add(time.Minute))
	b.Key = domain.NewKey("b", "reports")
	require.NoError(t, s.StoreTrigger(ctx, b, false))
	assert.Equal(t, _const.StatePaused, triggerState(t, s, b.Key))

	// 暂停的触发器不会被抢占
	acquired, err := s.AcquireNextTriggers(ctx, now.Add(time.Minute), 5, 0)
	require.NoError(t, err)
	require.Len(t, acquired, 1)
	assert.Equal(t, other.Key, acquired[0].Key)

	require.NoError(t, s.ResumeTriggerGroup(ctx, "reports"))
	assert.Equal(t, _const.StateWaiting, triggerState(t, s, a.Key))
	assert.Equal(t, _const.StateWaiting, triggerState(t, s, b.Key))
	stored, err := s.RetrieveTrigger(ctx, a.Key)
	require.NoError(t, err)
	assert.True(t, stored.NextFireTime.Equal(now.Add(time.Minute)))
}

func TestJobStore_PauseResumeJob(t *testing.T) {
	s, clock, _ := newTestJobStore(t)
	ctx := context.Background()
	now := clock.Now()

	job := testJob("j1")
	t1 := repeatTrigger("t1", job.Key, now.Add(time.Minute))
	t2 := repeatTrigger("t2", job.Key, now.Add(time.Minute))
	mustStoreJobAndTrigger(t, s, job, t1)
	require.NoError(t, s.StoreTrigger(ctx, t2, false))

	require.NoError(t, s.PauseJob(ctx, job.Key))
	assert.Equal(t, _const.StatePaused, triggerState(t, s, t1.Key))
	assert.Equal(t, _const.StatePaused, triggerState(t, s, t2.Key))

	require.NoError(t, s.ResumeJob(ctx, job.Key))
	assert.Equal(t, _const.StateWaiting, triggerState(t, s, t1.Key))
	assert.Equal(t, _const.StateWaiting, triggerState(t, s, t2.Key))
}

func TestJobStore_ResumeTrigger_Misfire(t *testing.T) {
	testCases := []struct {
		name    string
		running bool
		advance time.Duration
		// rescheduled 恢复时按立即触发策略重新计算
		rescheduled bool
	}{
		{name: "not overdue", running: true, advance: 30 * time.Second},
		{name: "overdue while running", running: true, advance: 5 * time.Minute, rescheduled: true},
		{name: "overdue while standby", running: false, advance: 5 * time.Minute},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s, clock, _ := newTestJobStore(t)
			if tc.running {
				s.SchedulerResumed()
			}
			ctx := context.Background()
			next := clock.Now().Add(10 * time.Second)

			job := testJob("j1")
			trigger := repeatTrigger("t1", job.Key, next)
			mustStoreJobAndTrigger(t, s, job, trigger)
			require.NoError(t, s.PauseTrigger(ctx, trigger.Key))

			clock.Advance(tc.advance)
			require.NoError(t, s.ResumeTrigger(ctx, trigger.Key))
			assert.Equal(t, _const.StateWaiting, triggerState(t, s, trigger.Key))

			stored, err := s.RetrieveTrigger(ctx, trigger.Key)
			require.NoError(t, err)
			if tc.rescheduled {
				assert.True(t, stored.NextFireTime.Equal(clock.Now()), stored.NextFireTime)
				return
			}
			assert.True(t, stored.NextFireTime.Equal(next), stored.NextFireTime)
		})
	}
}

func TestJobStore_PauseTrigger_Complete(t *testing.T) {
	s, clock, _ := newTestJobStore(t)
	ctx := context.Background()
	job := testJob("j1")
	job.Durable = true
	trigger := onceTrigger("t1", job.Key, clock.Now())
	mustStoreJobAndTrigger(t, s, job, trigger)

	bundle := acquireAndFire(t, s, clock.Now())
	require.NoError(t, s.TriggeredJobComplete(ctx, bundle.Trigger, bundle.Job, _const.InstructionNoop))
	require.Equal(t, _const.StateComplete, triggerState(t, s, trigger.Key))

	// 已完成的触发器暂停和恢复都不改变状态
	require.NoError(t, s.PauseTrigger(ctx, trigger.Key))
	assert.Equal(t, _const.StateComplete, triggerState(t, s, trigger.Key))
	require.NoError(t, s.ResumeTrigger(ctx, trigger.Key))
	assert.Equal(t, _const.StateComplete, triggerState(t, s, trigger.Key))
}
