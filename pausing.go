package jobstore

import (
	"context"
	"time"

	"github.com/pkg/errors"

	_const "github.com/TimeWtr/jobstore/const"
	"github.com/TimeWtr/jobstore/domain"
)

// PauseTrigger 暂停触发器，执行中被阻塞的触发器进入PAUSED_BLOCKED
func (s *JobStore) PauseTrigger(ctx context.Context, key domain.Key) error {
	return s.executeInLock(ctx, _const.LockTriggerAccess, func(t *txn) error {
		return s.pauseTrigger(t, key)
	})
}

func (s *JobStore) pauseTrigger(t *txn, key domain.Key) error {
	state, err := s.store.SelectTriggerState(t.tx, key)
	if err != nil {
		return errors.Wrapf(err, "select trigger state %s", key)
	}
	switch state {
	case _const.StateWaiting, _const.StateAcquired:
		_, err = s.store.UpdateTriggerStateFromOtherStates(t.tx, key, _const.StatePaused, state)
	case _const.StateBlocked:
		_, err = s.store.UpdateTriggerStateFromOtherStates(t.tx, key, _const.StatePausedBlocked, state)
	}
	return errors.Wrapf(err, "pause trigger %s", key)
}

// ResumeTrigger 恢复触发器，暂停期间错过的触发按错过策略处理
func (s *JobStore) ResumeTrigger(ctx context.Context, key domain.Key) error {
	return s.executeInLock(ctx, _const.LockTriggerAccess, func(t *txn) error {
		return s.resumeTrigger(t, key)
	})
}

func (s *JobStore) resumeTrigger(t *txn, key domain.Key) error {
	status, err := s.store.SelectTriggerStatus(t.tx, key)
	if err != nil {
		return errors.Wrapf(err, "select trigger status %s", key)
	}
	if status == nil || status.NextFireTime.IsZero() {
		return nil
	}
	if status.State != _const.StatePaused && status.State != _const.StatePausedBlocked {
		return nil
	}

	// 有状态Job仍在执行时恢复为阻塞状态
	newState, err := s.checkBlockedState(t, status.JobKey, _const.StateWaiting)
	if err != nil {
		return err
	}

	misfired := false
	if s.schedulerRunning.Load() && status.NextFireTime.Before(s.clock.Now()) {
		if misfired, err = s.updateMisfiredTrigger(t, key, newState, true); err != nil {
			return err
		}
	}
	if !misfired {
		if _, err = s.store.UpdateTriggerStateFromOtherStates(t.tx, key, newState,
			_const.StatePaused, _const.StatePausedBlocked); err != nil {
			return errors.Wrapf(err, "resume trigger %s", key)
		}
	}
	t.signalSchedulingChange(time.Time{})
	return nil
}

// PauseTriggerGroup 暂停分组内所有触发器并记录暂停标记，之后加入该分组的触发器也处于暂停状态
func (s *JobStore) PauseTriggerGroup(ctx context.Context, group string) error {
	return s.executeInLock(ctx, _const.LockTriggerAccess, func(t *txn) error {
		return s.pauseTriggerGroup(t, group)
	})
}

func (s *JobStore) pauseTriggerGroup(t *txn, group string) error {
	if _, err := s.store.UpdateTriggerGroupStateFromOtherStates(t.tx, group, _const.StatePaused,
		_const.StateAcquired, _const.StateWaiting); err != nil {
		return errors.Wrapf(err, "pause trigger group %s", group)
	}
	if _, err := s.store.UpdateTriggerGroupStateFromOtherStates(t.tx, group, _const.StatePausedBlocked,
		_const.StateBlocked); err != nil {
		return errors.Wrapf(err, "pause blocked triggers of group %s", group)
	}

	paused, err := s.store.IsTriggerGroupPaused(t.tx, group)
	if err != nil {
		return errors.Wrap(err, "check trigger group paused")
	}
	if !paused {
		return errors.Wrapf(s.store.InsertPausedTriggerGroup(t.tx, group), "insert paused group %s", group)
	}
	return nil
}

// ResumeTriggerGroup 删除暂停标记并恢复分组内所有触发器
func (s *JobStore) ResumeTriggerGroup(ctx context.Context, group string) error {
	return s.executeInLock(ctx, _const.LockTriggerAccess, func(t *txn) error {
		return s.resumeTriggerGroup(t, group)
	})
}

func (s *JobStore) resumeTriggerGroup(t *txn, group string) error {
	if _, err := s.store.DeletePausedTriggerGroup(t.tx, group); err != nil {
		return errors.Wrapf(err, "delete paused group %s", group)
	}
	keys, err := s.store.SelectTriggerKeysInGroup(t.tx, group)
	if err != nil {
		return errors.Wrapf(err, "select triggers in group %s", group)
	}
	for _, key := range keys {
		if err = s.resumeTrigger(t, key); err != nil {
			return err
		}
	}
	return nil
}

// PauseJob 暂停Job的所有触发器
func (s *JobStore) PauseJob(ctx context.Context, jobKey domain.Key) error {
	return s.executeInLock(ctx, _const.LockTriggerAccess, func(t *txn) error {
		keys, err := s.store.SelectTriggerKeysForJob(t.tx, jobKey)
		if err != nil {
			return errors.Wrapf(err, "select triggers for job %s", jobKey)
		}
		for _, key := range keys {
			if err = s.pauseTrigger(t, key); err != nil {
				return err
			}
		}
		return nil
	})
}

// ResumeJob 恢复Job的所有触发器
func (s *JobStore) ResumeJob(ctx context.Context, jobKey domain.Key) error {
	return s.executeInLock(ctx, _const.LockTriggerAccess, func(t *txn) error {
		keys, err := s.store.SelectTriggerKeysForJob(t.tx, jobKey)
		if err != nil {
			return errors.Wrapf(err, "select triggers for job %s", jobKey)
		}
		for _, key := range keys {
			if err = s.resumeTrigger(t, key); err != nil {
				return err
			}
		}
		return nil
	})
}

// PauseAll 暂停所有分组，并记录全部暂停标记
func (s *JobStore) PauseAll(ctx context.Context) error {
	return s.executeInLock(ctx, _const.LockTriggerAccess, func(t *txn) error {
		groups, err := s.store.SelectTriggerGroupNames(t.tx)
		if err != nil {
			return errors.Wrap(err, "select trigger group names")
		}
		for _, group := range groups {
			if err = s.pauseTriggerGroup(t, group); err != nil {
				return err
			}
		}

		paused, err := s.store.IsTriggerGroupPaused(t.tx, _const.AllGroupsPaused)
		if err != nil {
			return errors.Wrap(err, "check all groups paused")
		}
		if !paused {
			return errors.Wrap(s.store.InsertPausedTriggerGroup(t.tx, _const.AllGroupsPaused), "insert all groups paused")
		}
		return nil
	})
}

// ResumeAll 恢复所有分组并清除全部暂停标记
func (s *JobStore) ResumeAll(ctx context.Context) error {
	return s.executeInLock(ctx, _const.LockTriggerAccess, func(t *txn) error {
		groups, err := s.store.SelectTriggerGroupNames(t.tx)
		if err != nil {
			return errors.Wrap(err, "select trigger group names")
		}
		for _, group := range groups {
			if err = s.resumeTriggerGroup(t, group); err != nil {
				return err
			}
		}
		_, err = s.store.DeleteAllPausedTriggerGroups(t.tx)
		return errors.Wrap(err, "delete paused groups")
	})
}

// GetPausedTriggerGroups 返回被暂停的分组，不包含全部暂停标记
func (s *JobStore) GetPausedTriggerGroups(ctx context.Context) ([]string, error) {
	var res []string
	err := s.executeWithoutLock(ctx, func(t *txn) error {
		groups, err := s.store.SelectPausedTriggerGroups(t.tx)
		if err != nil {
			return errors.Wrap(err, "select paused trigger groups")
		}
		for _, g := range groups {
			if g != _const.AllGroupsPaused {
				res = append(res, g)
			}
		}
		return nil
	})
	return res, err
}
