package jobstore

import (
	"context"
	"time"

	"github.com/pkg/errors"

	_const "github.com/TimeWtr/jobstore/const"
	"github.com/TimeWtr/jobstore/domain"
)

// insertLock 写入Job和Trigger时使用的锁
func (s *JobStore) insertLock() string {
	if s.cfg.LockOnInsert {
		return _const.LockTriggerAccess
	}
	return ""
}

// StoreJob 保存Job，replace为false且已存在时返回ErrObjectAlreadyExists
func (s *JobStore) StoreJob(ctx context.Context, job *domain.JobDetail, replace bool) error {
	if err := job.Validate(); err != nil {
		return err
	}
	return s.executeInLock(ctx, s.insertLock(), func(t *txn) error {
		return s.storeJob(t, job, replace)
	})
}

func (s *JobStore) storeJob(t *txn, job *domain.JobDetail, replace bool) error {
	exists, err := s.store.JobExists(t.tx, job.Key)
	if err != nil {
		return errors.Wrap(err, "check job exists")
	}
	if exists && !replace {
		return errors.Wrapf(ErrObjectAlreadyExists, "job %s", job.Key)
	}
	if exists {
		_, err = s.store.UpdateJob(t.tx, job)
	} else {
		err = s.store.InsertJob(t.tx, job)
	}
	return errors.Wrapf(err, "store job %s", job.Key)
}

// StoreTrigger 保存触发器，未设置下次触发时间时按日历计算首次触发时间
func (s *JobStore) StoreTrigger(ctx context.Context, trigger *domain.Trigger, replace bool) error {
	if err := trigger.Validate(); err != nil {
		return err
	}
	return s.executeInLock(ctx, s.insertLock(), func(t *txn) error {
		return s.storeNewTrigger(t, trigger, nil, replace)
	})
}

// StoreJobAndTrigger 在一个事务中保存Job和它的第一个触发器
func (s *JobStore) StoreJobAndTrigger(ctx context.Context, job *domain.JobDetail, trigger *domain.Trigger) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if err := trigger.Validate(); err != nil {
		return err
	}
	if trigger.JobKey != job.Key {
		return errors.Wrapf(ErrJobMismatch, "trigger %s references job %s", trigger.Key, trigger.JobKey)
	}
	return s.executeInLock(ctx, s.insertLock(), func(t *txn) error {
		if err := s.storeJob(t, job, false); err != nil {
			return err
		}
		return s.storeNewTrigger(t, trigger, job, false)
	})
}

func (s *JobStore) storeNewTrigger(t *txn, trigger *domain.Trigger, job *domain.JobDetail, replace bool) error {
	if err := s.prepareFirstFireTime(t, trigger); err != nil {
		return err
	}
	if err := s.storeTrigger(t, trigger, job, replace, _const.StateWaiting, false, false); err != nil {
		return err
	}
	t.signalSchedulingChange(trigger.NextFireTime)
	return nil
}

func (s *JobStore) prepareFirstFireTime(t *txn, trigger *domain.Trigger) error {
	if !trigger.NextFireTime.IsZero() {
		return nil
	}
	var cal domain.Calendar
	if trigger.CalendarName != "" {
		var err error
		if cal, err = s.retrieveCalendar(t, trigger.CalendarName); err != nil {
			return err
		}
		if cal == nil {
			return errors.Wrapf(ErrCalendarNotFound, "%s", trigger.CalendarName)
		}
	}
	if trigger.ComputeFirstFireTime(cal).IsZero() {
		return errors.Wrapf(ErrWillNeverFire, "%s", trigger.Key)
	}
	return nil
}

// storeTrigger 写入触发器。force为false时会按分组暂停标记调整状态，
// 有状态Job正在执行时非恢复触发器会以阻塞状态写入
func (s *JobStore) storeTrigger(t *txn, trigger *domain.Trigger, job *domain.JobDetail,
	replace bool, state _const.TriggerState, force, recovering bool) error {
	exists, err := s.store.TriggerExists(t.tx, trigger.Key)
	if err != nil {
		return errors.Wrap(err, "check trigger exists")
	}
	if exists && !replace {
		return errors.Wrapf(ErrObjectAlreadyExists, "trigger %s", trigger.Key)
	}

	if !force {
		paused, err := s.store.IsTriggerGroupPaused(t.tx, trigger.Key.Group)
		if err != nil {
			return errors.Wrap(err, "check trigger group paused")
		}
		if !paused {
			paused, err = s.store.IsTriggerGroupPaused(t.tx, _const.AllGroupsPaused)
			if err != nil {
				return errors.Wrap(err, "check all groups paused")
			}
			// 全部暂停期间新出现的分组也要记录暂停标记，恢复时才能被找到
			if paused {
				if err = s.store.InsertPausedTriggerGroup(t.tx, trigger.Key.Group); err != nil {
					return errors.Wrap(err, "insert paused trigger group")
				}
			}
		}
		if paused {
			switch state {
			case _const.StateWaiting, _const.StateAcquired:
				state = _const.StatePaused
			case _const.StateBlocked:
				state = _const.StatePausedBlocked
			}
		}
	}

	if job == nil {
		if job, err = s.retrieveJob(t, trigger.JobKey); err != nil {
			return err
		}
	}
	if job == nil {
		return errors.Wrapf(ErrJobNotFound, "trigger %s references job %s", trigger.Key, trigger.JobKey)
	}

	if job.ConcurrentExecutionDisallowed && !recovering {
		if state, err = s.checkBlockedState(t, job.Key, state); err != nil {
			return err
		}
	}

	if exists {
		err = s.store.UpdateTrigger(t.tx, trigger, state)
	} else {
		err = s.store.InsertTrigger(t.tx, trigger, state)
	}
	return errors.Wrapf(err, "store trigger %s", trigger.Key)
}

// checkBlockedState 有状态Job正在执行时，WAITING和PAUSED需要转为对应的阻塞状态
func (s *JobStore) checkBlockedState(t *txn, jobKey domain.Key, state _const.TriggerState) (_const.TriggerState, error) {
	if state != _const.StateWaiting && state != _const.StatePaused {
		return state, nil
	}
	records, err := s.store.SelectFiredTriggerRecordsByJob(t.tx, jobKey)
	if err != nil {
		return state, errors.Wrap(err, "select fired triggers for job")
	}
	// 只抢占未触发的记录不带Job标记，不会阻塞
	for _, ft := range records {
		if !ft.ConcurrentExecutionDisallowed {
			continue
		}
		if state == _const.StatePaused {
			return _const.StatePausedBlocked, nil
		}
		return _const.StateBlocked, nil
	}
	return state, nil
}

// ReplaceTrigger 删除旧触发器并写入新触发器，新触发器必须属于同一个Job。旧触发器不存在时返回false
func (s *JobStore) ReplaceTrigger(ctx context.Context, key domain.Key, trigger *domain.Trigger) (bool, error) {
	if err := trigger.Validate(); err != nil {
		return false, err
	}
	var removed bool
	err := s.executeInLock(ctx, _const.LockTriggerAccess, func(t *txn) error {
		job, err := s.store.SelectJobForTrigger(t.tx, key)
		if err != nil {
			return errors.Wrapf(err, "select job for trigger %s", key)
		}
		if job == nil {
			return nil
		}
		if trigger.JobKey != job.Key {
			return errors.Wrapf(ErrJobMismatch, "trigger %s references job %s", trigger.Key, trigger.JobKey)
		}
		if removed, err = s.store.DeleteTrigger(t.tx, key); err != nil {
			return errors.Wrapf(err, "delete trigger %s", key)
		}
		return s.storeNewTrigger(t, trigger, job, false)
	})
	return removed, err
}

// RemoveJob 删除Job和它的所有触发器
func (s *JobStore) RemoveJob(ctx context.Context, key domain.Key) (bool, error) {
	var removed bool
	err := s.executeInLock(ctx, _const.LockTriggerAccess, func(t *txn) error {
		keys, err := s.store.SelectTriggerKeysForJob(t.tx, key)
		if err != nil {
			return errors.Wrapf(err, "select triggers for job %s", key)
		}
		for _, k := range keys {
			if _, err = s.store.DeleteTrigger(t.tx, k); err != nil {
				return errors.Wrapf(err, "delete trigger %s", k)
			}
		}
		if removed, err = s.store.DeleteJob(t.tx, key); err != nil {
			return errors.Wrapf(err, "delete job %s", key)
		}
		if len(keys) > 0 {
			t.signalSchedulingChange(time.Time{})
		}
		return nil
	})
	return removed, err
}

// RemoveTrigger 删除触发器，非持久Job没有剩余触发器时一并删除
func (s *JobStore) RemoveTrigger(ctx context.Context, key domain.Key) (bool, error) {
	var removed bool
	err := s.executeInLock(ctx, _const.LockTriggerAccess, func(t *txn) error {
		var err error
		if removed, err = s.removeTrigger(t, key); err != nil {
			return err
		}
		if removed {
			t.signalSchedulingChange(time.Time{})
		}
		return nil
	})
	return removed, err
}

func (s *JobStore) removeTrigger(t *txn, key domain.Key) (bool, error) {
	job, err := s.store.SelectJobForTrigger(t.tx, key)
	if err != nil {
		if !errors.Is(err, domain.ErrCorruptData) {
			return false, errors.Wrapf(err, "select job for trigger %s", key)
		}
		// Job数据损坏时仍然删除触发器，只是不再级联删除Job
		s.logger.Error("failed to load job for removed trigger", String("trigger", key.String()), Error(err))
		job = nil
	}

	removed, err := s.store.DeleteTrigger(t.tx, key)
	if err != nil {
		return false, errors.Wrapf(err, "delete trigger %s", key)
	}
	if !removed || job == nil || job.Durable {
		return removed, nil
	}

	n, err := s.store.SelectNumTriggersForJob(t.tx, job.Key)
	if err != nil {
		return removed, errors.Wrapf(err, "count triggers for job %s", job.Key)
	}
	if n == 0 {
		if _, err = s.store.DeleteJob(t.tx, job.Key); err != nil {
			return removed, errors.Wrapf(err, "delete job %s", job.Key)
		}
	}
	return removed, nil
}

// RetrieveJob 不存在时返回nil
func (s *JobStore) RetrieveJob(ctx context.Context, key domain.Key) (*domain.JobDetail, error) {
	var job *domain.JobDetail
	err := s.executeWithoutLock(ctx, func(t *txn) error {
		var err error
		job, err = s.retrieveJob(t, key)
		return err
	})
	return job, err
}

// RetrieveTrigger 不存在时返回nil
func (s *JobStore) RetrieveTrigger(ctx context.Context, key domain.Key) (*domain.Trigger, error) {
	var trigger *domain.Trigger
	err := s.executeWithoutLock(ctx, func(t *txn) error {
		var err error
		trigger, err = s.store.SelectTrigger(t.tx, key)
		return errors.Wrapf(err, "select trigger %s", key)
	})
	return trigger, err
}

// GetTriggerState 不存在时返回StateDeleted
func (s *JobStore) GetTriggerState(ctx context.Context, key domain.Key) (_const.TriggerState, error) {
	state := _const.StateDeleted
	err := s.executeWithoutLock(ctx, func(t *txn) error {
		var err error
		state, err = s.store.SelectTriggerState(t.tx, key)
		return errors.Wrapf(err, "select trigger state %s", key)
	})
	return state, err
}

// StoreCalendar 保存日历，updateTriggers为true时按新日历重新计算引用它的触发器
func (s *JobStore) StoreCalendar(ctx context.Context, name string, cal domain.Calendar, replace, updateTriggers bool) error {
	if name == "" {
		return errors.New("calendar name cannot be empty")
	}
	lockName := ""
	switch {
	case updateTriggers:
		lockName = _const.LockTriggerAccess
	case s.cfg.LockOnInsert:
		lockName = _const.LockCalendarAccess
	}

	return s.executeInLock(ctx, lockName, func(t *txn) error {
		exists, err := s.store.CalendarExists(t.tx, name)
		if err != nil {
			return errors.Wrap(err, "check calendar exists")
		}
		if exists && !replace {
			return errors.Wrapf(ErrObjectAlreadyExists, "calendar %s", name)
		}
		if !exists {
			if err = s.store.InsertCalendar(t.tx, name, cal); err != nil {
				return errors.Wrapf(err, "insert calendar %s", name)
			}
			t.onCommit(func() { s.calendars.Set(name, cal) })
			return nil
		}

		if _, err = s.store.UpdateCalendar(t.tx, name, cal); err != nil {
			return errors.Wrapf(err, "update calendar %s", name)
		}
		t.onCommit(func() { s.calendars.Set(name, cal) })
		if !updateTriggers {
			return nil
		}

		triggers, err := s.store.SelectTriggersForCalendar(t.tx, name)
		if err != nil {
			return errors.Wrapf(err, "select triggers for calendar %s", name)
		}
		now := s.clock.Now()
		for _, trigger := range triggers {
			state, err := s.store.SelectTriggerState(t.tx, trigger.Key)
			if err != nil {
				return errors.Wrap(err, "select trigger state")
			}
			trigger.UpdateWithNewCalendar(cal, now, s.cfg.MisfireThreshold)
			if err = s.storeTrigger(t, trigger, nil, true, state, true, false); err != nil {
				return err
			}
		}
		if len(triggers) > 0 {
			t.signalSchedulingChange(time.Time{})
		}
		return nil
	})
}

// RemoveCalendar 删除日历，仍被触发器引用时返回ErrCalendarReferenced
func (s *JobStore) RemoveCalendar(ctx context.Context, name string) (bool, error) {
	var removed bool
	err := s.executeInLock(ctx, _const.LockTriggerAccess, func(t *txn) error {
		referenced, err := s.store.CalendarIsReferenced(t.tx, name)
		if err != nil {
			return errors.Wrap(err, "check calendar referenced")
		}
		if referenced {
			return errors.Wrapf(ErrCalendarReferenced, "calendar %s", name)
		}
		t.onCommit(func() { s.calendars.Del(name) })
		removed, err = s.store.DeleteCalendar(t.tx, name)
		return errors.Wrapf(err, "delete calendar %s", name)
	})
	return removed, err
}

// RetrieveCalendar 不存在时返回nil
func (s *JobStore) RetrieveCalendar(ctx context.Context, name string) (domain.Calendar, error) {
	var cal domain.Calendar
	err := s.executeWithoutLock(ctx, func(t *txn) error {
		var err error
		cal, err = s.retrieveCalendar(t, name)
		return err
	})
	return cal, err
}

// ClearAllSchedulingData 删除当前调度器的全部数据
func (s *JobStore) ClearAllSchedulingData(ctx context.Context) error {
	return s.executeInLock(ctx, _const.LockTriggerAccess, func(t *txn) error {
		if err := s.store.ClearData(t.tx); err != nil {
			return errors.Wrap(err, "clear scheduling data")
		}
		t.onCommit(s.calendars.Flush)
		t.signalSchedulingChange(time.Time{})
		return nil
	})
}
