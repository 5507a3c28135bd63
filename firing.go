package jobstore

import (
	"context"
	"time"

	"github.com/pkg/errors"

	_const "github.com/TimeWtr/jobstore/const"
	"github.com/TimeWtr/jobstore/domain"
)

// 获取触发器时最多重新选择的轮数，每轮的候选都可能被其他实例抢走
const maxAcquireRounds = 3

// AcquireNextTriggers 抢占下次触发时间不晚于noLaterThan+timeWindow的触发器，最多maxCount个。
// 第一个抢到的触发器确定本批的结束时间，同一个禁止并发的Job每批只会抢到一个触发器
func (s *JobStore) AcquireNextTriggers(ctx context.Context, noLaterThan time.Time,
	maxCount int, timeWindow time.Duration) ([]*domain.Trigger, error) {
	if maxCount <= 0 {
		maxCount = 1
	}
	lockName := ""
	if maxCount > 1 || s.lock.RequiresConnection() {
		lockName = _const.LockTriggerAccess
	}

	var acquired []*domain.Trigger
	err := s.executeInLock(ctx, lockName, func(t *txn) error {
		var err error
		acquired, err = s.acquireNextTriggers(t, noLaterThan, maxCount, timeWindow)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(acquired) > 0 {
		triggersAcquired.WithLabelValues(s.cfg.SchedulerName).Add(float64(len(acquired)))
	}
	return acquired, nil
}

// AcquireNextTrigger 抢占一个下次触发时间不晚于noLaterThan的触发器，没有可触发的时返回nil
func (s *JobStore) AcquireNextTrigger(ctx context.Context, noLaterThan time.Time) (*domain.Trigger, error) {
	res, err := s.AcquireNextTriggers(ctx, noLaterThan, 1, 0)
	if err != nil || len(res) == 0 {
		return nil, err
	}
	return res[0], nil
}

func (s *JobStore) acquireNextTriggers(t *txn, noLaterThan time.Time,
	maxCount int, timeWindow time.Duration) ([]*domain.Trigger, error) {
	// 先把已经错过的触发器标记为MISFIRED，避免跳过错过策略直接触发
	misfireTime := s.misfireTime()
	if _, err := s.store.ReclassifyMisfiredBefore(t.tx, misfireTime); err != nil {
		return nil, errors.Wrap(err, "reclassify misfired triggers")
	}

	var (
		acquired     []*domain.Trigger
		acquiredJobs = map[domain.Key]struct{}{}
	)
	for round := 0; round < maxAcquireRounds && len(acquired) == 0; round++ {
		keys, err := s.store.SelectTriggerToAcquire(t.tx, noLaterThan.Add(timeWindow), misfireTime, maxCount)
		if err != nil {
			return nil, errors.Wrap(err, "select triggers to acquire")
		}
		if len(keys) == 0 {
			return acquired, nil
		}

		batchEnd := noLaterThan
		for _, key := range keys {
			trigger, err := s.store.SelectTrigger(t.tx, key)
			if errors.Is(err, domain.ErrCorruptData) {
				s.logger.Error("failed to decode trigger, setting trigger to error",
					String("trigger", key.String()), Error(err))
				if _, err = s.store.UpdateTriggerState(t.tx, key, _const.StateError); err != nil {
					return nil, errors.Wrap(err, "set trigger error")
				}
				continue
			}
			if err != nil {
				return nil, errors.Wrapf(err, "select trigger %s", key)
			}
			if trigger == nil {
				continue
			}

			job, err := s.retrieveJob(t, trigger.JobKey)
			if err != nil && !errors.Is(err, ErrCorruptJobData) {
				return nil, err
			}
			if err != nil || job == nil {
				s.logger.Error("failed to load job for trigger, setting trigger to error",
					String("trigger", key.String()), Error(err))
				if _, err = s.store.UpdateTriggerState(t.tx, key, _const.StateError); err != nil {
					return nil, errors.Wrap(err, "set trigger error")
				}
				continue
			}

			if job.ConcurrentExecutionDisallowed {
				if _, ok := acquiredJobs[job.Key]; ok {
					continue
				}
			}

			if trigger.NextFireTime.IsZero() {
				continue
			}
			if trigger.NextFireTime.After(batchEnd) && len(acquired) > 0 {
				break
			}

			rows, err := s.store.UpdateTriggerStateFromOtherStates(t.tx, key, _const.StateAcquired, _const.StateWaiting)
			if err != nil {
				return nil, errors.Wrap(err, "acquire trigger")
			}
			if rows <= 0 {
				// 被其他实例抢走
				continue
			}

			if job.ConcurrentExecutionDisallowed {
				acquiredJobs[job.Key] = struct{}{}
			}
			trigger.FireInstanceID = s.nextFireInstanceID()
			err = s.store.InsertFiredTrigger(t.tx, &domain.FiredTrigger{
				FireInstanceID: trigger.FireInstanceID,
				TriggerKey:     trigger.Key,
				JobKey:         trigger.JobKey,
				InstanceID:     s.cfg.InstanceID,
				FiredTime:      s.clock.Now(),
				ScheduledTime:  trigger.NextFireTime,
				Priority:       trigger.Priority,
				State:          _const.StateAcquired,
			})
			if err != nil {
				return nil, errors.Wrap(err, "insert fired trigger")
			}

			if len(acquired) == 0 {
				batchEnd = latest(trigger.NextFireTime, s.clock.Now()).Add(timeWindow)
			}
			acquired = append(acquired, trigger)
			if len(acquired) >= maxCount {
				break
			}
		}
	}
	return acquired, nil
}

// TriggersFired 通知存储这些已抢占的触发器即将触发，每个触发器独立返回结果。
// 单个触发器的数据损坏只体现在它自己的结果里，存储错误会回滚整个批次
func (s *JobStore) TriggersFired(ctx context.Context, triggers []*domain.Trigger) ([]domain.TriggerFiredResult, error) {
	var results []domain.TriggerFiredResult
	err := s.executeInLock(ctx, _const.LockTriggerAccess, func(t *txn) error {
		results = make([]domain.TriggerFiredResult, 0, len(triggers))
		for _, trigger := range triggers {
			bundle, err := s.triggerFired(t, trigger)
			if err != nil && !isPermanent(err) {
				return err
			}
			results = append(results, domain.TriggerFiredResult{Bundle: bundle, Err: err})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, res := range results {
		outcome := "fired"
		switch {
		case res.Err != nil:
			outcome = "error"
		case res.Bundle == nil:
			outcome = "skipped"
		}
		triggersFired.WithLabelValues(s.cfg.SchedulerName, outcome).Inc()
	}
	return results, nil
}

// TriggerFired 单个触发器的触发，未触发时返回nil
func (s *JobStore) TriggerFired(ctx context.Context, trigger *domain.Trigger) (*domain.TriggerFiredBundle, error) {
	results, err := s.TriggersFired(ctx, []*domain.Trigger{trigger})
	if err != nil {
		return nil, err
	}
	return results[0].Bundle, results[0].Err
}

func (s *JobStore) triggerFired(t *txn, acquired *domain.Trigger) (*domain.TriggerFiredBundle, error) {
	trigger := acquired.Clone()

	state, err := s.store.SelectTriggerState(t.tx, trigger.Key)
	if err != nil {
		return nil, errors.Wrap(err, "select trigger state")
	}
	if state != _const.StateAcquired {
		// 已被删除、暂停或完成
		return nil, nil
	}

	job, err := s.retrieveJob(t, trigger.JobKey)
	if err != nil {
		if errors.Is(err, ErrCorruptJobData) {
			if _, uerr := s.store.UpdateTriggerState(t.tx, trigger.Key, _const.StateError); uerr != nil {
				return nil, errors.Wrap(uerr, "set trigger error")
			}
		}
		return nil, err
	}
	if job == nil {
		return nil, nil
	}

	var cal domain.Calendar
	if trigger.CalendarName != "" {
		cal, err = s.retrieveCalendar(t, trigger.CalendarName)
		if errors.Is(err, domain.ErrCorruptData) {
			s.logger.Error("failed to decode calendar, setting trigger to error",
				String("trigger", trigger.Key.String()), Error(err))
			if _, uerr := s.store.UpdateTriggerState(t.tx, trigger.Key, _const.StateError); uerr != nil {
				return nil, errors.Wrap(uerr, "set trigger error")
			}
			return nil, err
		}
		if err != nil {
			return nil, err
		}
		if cal == nil {
			// 日历不存在时保持ACQUIRED，等待日历补齐后重试
			return nil, nil
		}
	}

	now := s.clock.Now()
	err = s.store.UpdateFiredTrigger(t.tx, &domain.FiredTrigger{
		FireInstanceID:                trigger.FireInstanceID,
		TriggerKey:                    trigger.Key,
		JobKey:                        trigger.JobKey,
		InstanceID:                    s.cfg.InstanceID,
		FiredTime:                     now,
		ScheduledTime:                 trigger.NextFireTime,
		Priority:                      trigger.Priority,
		State:                         _const.StateExecuting,
		ConcurrentExecutionDisallowed: job.ConcurrentExecutionDisallowed,
		RequestsRecovery:              job.RequestsRecovery,
	})
	if err != nil {
		return nil, errors.Wrap(err, "update fired trigger")
	}

	prev := trigger.PreviousFireTime
	scheduled := trigger.NextFireTime
	trigger.Triggered(cal)

	state2 := _const.StateWaiting
	force := true
	if job.ConcurrentExecutionDisallowed {
		state2 = _const.StateBlocked
		force = false
		if err = s.blockJobTriggers(t, job.Key); err != nil {
			return nil, err
		}
	}
	if trigger.NextFireTime.IsZero() {
		state2 = _const.StateComplete
		force = true
	}

	if err = s.storeTrigger(t, trigger, job, true, state2, force, false); err != nil {
		return nil, err
	}
	job.JobData.ClearDirty()

	return &domain.TriggerFiredBundle{
		Job:               job,
		Trigger:           trigger,
		Calendar:          cal,
		Recovering:        trigger.Key.Group == _const.RecoveryGroup,
		FireTime:          now,
		ScheduledFireTime: scheduled,
		PrevFireTime:      prev,
		NextFireTime:      trigger.NextFireTime,
	}, nil
}

// blockJobTriggers 有状态Job开始执行，阻塞它的其他触发器
func (s *JobStore) blockJobTriggers(t *txn, jobKey domain.Key) error {
	if _, err := s.store.UpdateTriggerStatesForJobFromOtherState(t.tx, jobKey,
		_const.StateBlocked, _const.StateWaiting); err != nil {
		return errors.Wrap(err, "block waiting triggers")
	}
	if _, err := s.store.UpdateTriggerStatesForJobFromOtherState(t.tx, jobKey,
		_const.StateBlocked, _const.StateAcquired); err != nil {
		return errors.Wrap(err, "block acquired triggers")
	}
	if _, err := s.store.UpdateTriggerStatesForJobFromOtherState(t.tx, jobKey,
		_const.StatePausedBlocked, _const.StatePaused); err != nil {
		return errors.Wrap(err, "block paused triggers")
	}
	return nil
}

// unblockJobTriggers 有状态Job执行结束，解除其他触发器的阻塞
func (s *JobStore) unblockJobTriggers(t *txn, jobKey domain.Key) error {
	if _, err := s.store.UpdateTriggerStatesForJobFromOtherState(t.tx, jobKey,
		_const.StateWaiting, _const.StateBlocked); err != nil {
		return errors.Wrap(err, "unblock triggers")
	}
	if _, err := s.store.UpdateTriggerStatesForJobFromOtherState(t.tx, jobKey,
		_const.StatePaused, _const.StatePausedBlocked); err != nil {
		return errors.Wrap(err, "unblock paused triggers")
	}
	return nil
}

// TriggeredJobComplete 任务执行结束，按指令处理触发器并删除触发记录。
// 存储失败时按DBRetryInterval重试，直到成功或ctx结束
func (s *JobStore) TriggeredJobComplete(ctx context.Context, trigger *domain.Trigger,
	job *domain.JobDetail, instruction _const.CompletedExecutionInstruction) error {
	return s.retryExecuteInLock(ctx, _const.LockTriggerAccess, "triggered job complete", func(t *txn) error {
		return s.triggeredJobComplete(t, trigger, job, instruction)
	})
}

func (s *JobStore) triggeredJobComplete(t *txn, trigger *domain.Trigger,
	job *domain.JobDetail, instruction _const.CompletedExecutionInstruction) error {
	switch instruction {
	case _const.InstructionDeleteTrigger:
		if trigger.NextFireTime.IsZero() {
			// 任务执行期间可能重新调度了触发器，再次确认没有下一次触发
			status, err := s.store.SelectTriggerStatus(t.tx, trigger.Key)
			if err != nil {
				return errors.Wrap(err, "select trigger status")
			}
			if status != nil && status.NextFireTime.IsZero() {
				if _, err = s.removeTrigger(t, trigger.Key); err != nil {
					return err
				}
			}
		} else {
			if _, err := s.removeTrigger(t, trigger.Key); err != nil {
				return err
			}
			t.signalSchedulingChange(time.Time{})
		}
	case _const.InstructionSetTriggerComplete:
		if _, err := s.store.UpdateTriggerState(t.tx, trigger.Key, _const.StateComplete); err != nil {
			return errors.Wrap(err, "set trigger complete")
		}
		t.signalSchedulingChange(time.Time{})
	case _const.InstructionSetTriggerError:
		s.logger.Info("trigger set to error state", String("trigger", trigger.Key.String()))
		if _, err := s.store.UpdateTriggerState(t.tx, trigger.Key, _const.StateError); err != nil {
			return errors.Wrap(err, "set trigger error")
		}
		t.signalSchedulingChange(time.Time{})
	case _const.InstructionSetAllJobTriggersComplete:
		if _, err := s.store.UpdateTriggerStatesForJob(t.tx, trigger.JobKey, _const.StateComplete); err != nil {
			return errors.Wrap(err, "set job triggers complete")
		}
		t.signalSchedulingChange(time.Time{})
	case _const.InstructionSetAllJobTriggersError:
		s.logger.Info("all triggers of job set to error state", String("job", trigger.JobKey.String()))
		if _, err := s.store.UpdateTriggerStatesForJob(t.tx, trigger.JobKey, _const.StateError); err != nil {
			return errors.Wrap(err, "set job triggers error")
		}
		t.signalSchedulingChange(time.Time{})
	}

	if job.ConcurrentExecutionDisallowed {
		if err := s.unblockJobTriggers(t, job.Key); err != nil {
			return err
		}
		t.signalSchedulingChange(time.Time{})
	}
	if job.PersistJobDataAfterExecution && job.JobData.Dirty() {
		if err := s.store.UpdateJobData(t.tx, job); err != nil {
			return errors.Wrap(err, "update job data")
		}
	}

	if _, err := s.store.DeleteFiredTrigger(t.tx, trigger.FireInstanceID); err != nil {
		return errors.Wrap(err, "delete fired trigger")
	}
	return nil
}

// ReleaseAcquiredTrigger 放弃已经抢占但不会触发的触发器。
// 只有ACQUIRED回到WAITING，BLOCKED要等执行中的兄弟触发器完成后才解除
func (s *JobStore) ReleaseAcquiredTrigger(ctx context.Context, trigger *domain.Trigger) error {
	return s.retryExecuteInLock(ctx, _const.LockTriggerAccess, "release acquired trigger", func(t *txn) error {
		if _, err := s.store.UpdateTriggerStateFromOtherStates(t.tx, trigger.Key,
			_const.StateWaiting, _const.StateAcquired); err != nil {
			return errors.Wrap(err, "release trigger")
		}
		if _, err := s.store.DeleteFiredTrigger(t.tx, trigger.FireInstanceID); err != nil {
			return errors.Wrap(err, "delete fired trigger")
		}
		return nil
	})
}

// retrieveJob 读取Job并校验任务类型，数据损坏或类型无法解析时返回ErrCorruptJobData
func (s *JobStore) retrieveJob(t *txn, key domain.Key) (*domain.JobDetail, error) {
	job, err := s.store.SelectJob(t.tx, key)
	if err != nil {
		if errors.Is(err, domain.ErrCorruptData) {
			return nil, errors.Wrapf(ErrCorruptJobData, "job %s: %v", key, err)
		}
		return nil, errors.Wrapf(err, "select job %s", key)
	}
	if job == nil || s.resolver == nil {
		return job, nil
	}
	if _, err = s.resolver.Resolve(job.JobType); err != nil {
		if errors.Is(err, ErrCorruptJobData) {
			return nil, err
		}
		return nil, errors.Wrapf(ErrCorruptJobData, "job %s: %v", key, err)
	}
	return job, nil
}

// retrieveCalendar 优先从本地缓存读取，不存在时返回nil
func (s *JobStore) retrieveCalendar(t *txn, name string) (domain.Calendar, error) {
	if cal, ok := s.calendars.Get(name); ok {
		return cal, nil
	}
	cal, err := s.store.SelectCalendar(t.tx, name)
	if err != nil {
		return nil, errors.Wrapf(err, "select calendar %s", name)
	}
	if cal != nil {
		s.calendars.Set(name, cal)
	}
	return cal, nil
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
