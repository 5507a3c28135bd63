package jobstore

import (
	"context"
	"time"

	"github.com/pkg/errors"

	_const "github.com/TimeWtr/jobstore/const"
	"github.com/TimeWtr/jobstore/domain"
)

// misfireResult 一轮错过触发修复的结果
type misfireResult struct {
	// hasMore 达到批次上限，还有未处理的错过触发
	hasMore   bool
	processed int
	// earliest 修复后最早的下次触发时间
	earliest time.Time
}

func (s *JobStore) misfireLoop(ctx context.Context) {
	s.logger.Info("misfire handler started", String("instance", s.cfg.InstanceID))
	defer s.logger.Info("misfire handler stopped", String("instance", s.cfg.InstanceID))

	failures := 0
	for ctx.Err() == nil {
		start := s.clock.Now()
		res, err := s.doRecoverMisfires(ctx)
		if err != nil && ctx.Err() != nil {
			return
		}
		if err != nil {
			failures++
			s.loopFailed("misfire", err, failures)
		} else {
			failures = 0
			if res.processed > 0 {
				misfiresHandled.WithLabelValues(s.cfg.SchedulerName).Add(float64(res.processed))
				s.logger.Debug("handled misfired triggers", Int64("count", int64(res.processed)))
			}
		}

		sleep := misfireSleep(s.cfg.MisfireThreshold, s.clock.Since(start),
			s.cfg.DBRetryInterval, res.hasMore, failures)
		if !sleepCtx(ctx, sleep) {
			return
		}
	}
}

// doRecoverMisfires 先不加锁检查是否存在错过触发，存在时再加TRIGGER_ACCESS锁处理
func (s *JobStore) doRecoverMisfires(ctx context.Context) (misfireResult, error) {
	var (
		res misfireResult
		has bool
	)
	err := s.executeWithoutLock(ctx, func(t *txn) error {
		var err error
		has, err = s.store.HasMisfiredTriggers(t.tx, s.misfireTime())
		return errors.Wrap(err, "check misfired triggers")
	})
	if err != nil || !has {
		return res, err
	}

	err = s.executeInLock(ctx, _const.LockTriggerAccess, func(t *txn) error {
		var err error
		if res, err = s.recoverMisfiredJobs(t, false); err != nil {
			return err
		}
		if res.processed > 0 {
			t.signalSchedulingChange(res.earliest)
		}
		return nil
	})
	return res, err
}

// recoverMisfiredJobs 标记并修复错过的触发器，recovering为true时不限制数量
func (s *JobStore) recoverMisfiredJobs(t *txn, recovering bool) (misfireResult, error) {
	var res misfireResult
	maxCount := s.cfg.MaxMisfiresPerBatch
	if recovering {
		maxCount = 0
	}

	if _, err := s.store.ReclassifyMisfiredBefore(t.tx, s.misfireTime()); err != nil {
		return res, errors.Wrap(err, "reclassify misfired triggers")
	}
	limit := 0
	if maxCount > 0 {
		limit = maxCount + 1
	}
	keys, err := s.store.SelectTriggersInState(t.tx, _const.StateMisfired, limit)
	if err != nil {
		return res, errors.Wrap(err, "select misfired triggers")
	}
	if maxCount > 0 && len(keys) > maxCount {
		res.hasMore = true
		keys = keys[:maxCount]
	}
	if len(keys) > 0 {
		s.logger.Info("handling misfired triggers",
			Int64("count", int64(len(keys))), Field{Key: "more", Val: res.hasMore})
	}

	for _, key := range keys {
		trigger, err := s.store.SelectTrigger(t.tx, key)
		if err != nil && !errors.Is(err, domain.ErrCorruptData) {
			return res, errors.Wrapf(err, "select trigger %s", key)
		}
		if err == nil && trigger == nil {
			continue
		}
		if err == nil {
			err = s.doUpdateOfMisfiredTrigger(t, trigger, false, _const.StateWaiting, recovering)
		}
		if err != nil {
			if !isPermanent(err) && !errors.Is(err, domain.ErrCorruptData) {
				return res, err
			}
			// 无法修复的触发器不再参与调度
			s.logger.Error("failed to handle misfired trigger, setting trigger to error",
				String("trigger", key.String()), Error(err))
			if _, err = s.store.UpdateTriggerState(t.tx, key, _const.StateError); err != nil {
				return res, errors.Wrap(err, "set trigger error")
			}
			continue
		}

		next := trigger.NextFireTime
		if !next.IsZero() && (res.earliest.IsZero() || next.Before(res.earliest)) {
			res.earliest = next
		}
		res.processed++
	}
	return res, nil
}

// updateMisfiredTrigger 下次触发时间超过错过阈值时按错过策略修复，返回是否修复
func (s *JobStore) updateMisfiredTrigger(t *txn, key domain.Key, newState _const.TriggerState, force bool) (bool, error) {
	trigger, err := s.store.SelectTrigger(t.tx, key)
	if err != nil {
		return false, errors.Wrapf(err, "select trigger %s", key)
	}
	if trigger == nil || trigger.NextFireTime.After(s.misfireTime()) {
		return false, nil
	}
	if err = s.doUpdateOfMisfiredTrigger(t, trigger, force, newState, false); err != nil {
		return false, err
	}
	return true, nil
}

func (s *JobStore) doUpdateOfMisfiredTrigger(t *txn, trigger *domain.Trigger, force bool,
	newState _const.TriggerState, recovering bool) error {
	var cal domain.Calendar
	if trigger.CalendarName != "" {
		var err error
		if cal, err = s.retrieveCalendar(t, trigger.CalendarName); err != nil {
			return err
		}
	}

	misfired := trigger.Clone()
	t.onCommit(func() { s.signaler.NotifyTriggerListenersMisfired(misfired) })

	trigger.UpdateAfterMisfire(cal, s.clock.Now())
	if trigger.NextFireTime.IsZero() {
		if err := s.storeTrigger(t, trigger, nil, true, _const.StateComplete, force, recovering); err != nil {
			return err
		}
		finalized := trigger.Clone()
		t.onCommit(func() { s.signaler.NotifySchedulerListenersFinalized(finalized) })
		return nil
	}
	return s.storeTrigger(t, trigger, nil, true, newState, force, false)
}

// loopFailed 后台循环失败只记录日志和指标，循环继续运行
func (s *JobStore) loopFailed(loop string, err error, failures int) {
	loopFailures.WithLabelValues(s.cfg.SchedulerName, loop).Inc()
	s.loopLogger.Error("background loop cycle failed",
		String("loop", loop),
		Int64("failures", int64(failures)),
		Field{Key: "transient", Val: s.isTransient(err)},
		Error(err))
}
