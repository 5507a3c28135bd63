package jobstore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	_const "github.com/TimeWtr/jobstore/const"
	"github.com/TimeWtr/jobstore/domain"
)

// 判定实例故障时在心跳间隔之外额外容忍的时间
const checkinSlack = 7500 * time.Millisecond

func (s *JobStore) clusterLoop(ctx context.Context) {
	s.logger.Info("cluster manager started", String("instance", s.cfg.InstanceID))
	defer s.logger.Info("cluster manager stopped", String("instance", s.cfg.InstanceID))

	failures := 0
	for {
		sleep := checkinSleep(s.cfg.CheckinInterval, s.sinceLastCheckin(), s.cfg.DBRetryInterval, failures)
		if !sleepCtx(ctx, sleep) {
			return
		}

		recovered, err := s.doCheckin(ctx)
		if err != nil && ctx.Err() != nil {
			return
		}
		if err != nil {
			failures++
			s.loopFailed("cluster", err, failures)
			continue
		}
		failures = 0
		if recovered {
			s.logger.Info("recovered failed scheduler instances")
		}
	}
}

func (s *JobStore) sinceLastCheckin() time.Duration {
	s.checkinMu.Lock()
	defer s.checkinMu.Unlock()
	return s.clock.Since(s.lastCheckin)
}

// doCheckin 一次集群心跳，发现故障实例时恢复它们正在处理的触发器，返回是否执行了恢复。
// 非首次心跳先不加锁检查，只有发现故障实例时才加STATE_ACCESS锁
func (s *JobStore) doCheckin(ctx context.Context) (bool, error) {
	s.checkinMu.Lock()
	defer s.checkinMu.Unlock()

	var failed []*domain.SchedulerState
	if !s.firstCheckin {
		err := s.executeWithoutLock(ctx, func(t *txn) error {
			var err error
			failed, err = s.clusterCheckIn(t)
			return err
		})
		if err != nil {
			return false, err
		}
	}

	if s.firstCheckin || len(failed) > 0 {
		err := s.executeInLock(ctx, _const.LockStateAccess, func(t *txn) error {
			var err error
			// 加锁后重新确认，其他实例可能已经完成了恢复
			if s.firstCheckin {
				failed, err = s.clusterCheckIn(t)
			} else {
				failed, err = s.findFailedInstances(t)
			}
			if err != nil || len(failed) == 0 {
				return err
			}
			if err = s.obtainLock(ctx, t, _const.LockTriggerAccess); err != nil {
				return err
			}
			return s.clusterRecover(t, failed)
		})
		if err != nil {
			return false, err
		}
	}

	s.firstCheckin = false
	return len(failed) > 0, nil
}

// clusterCheckIn 查找故障实例并更新本实例的心跳，首次心跳会替换本实例遗留的记录
func (s *JobStore) clusterCheckIn(t *txn) ([]*domain.SchedulerState, error) {
	failed, err := s.findFailedInstances(t)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	s.lastCheckin = now
	state := &domain.SchedulerState{
		InstanceID:      s.cfg.InstanceID,
		LastCheckin:     now,
		CheckinInterval: s.cfg.CheckinInterval,
	}
	if s.firstCheckin {
		if _, err = s.store.DeleteSchedulerState(t.tx, s.cfg.InstanceID); err != nil {
			return nil, errors.Wrap(err, "delete scheduler state")
		}
		return failed, errors.Wrap(s.store.InsertSchedulerState(t.tx, state), "insert scheduler state")
	}

	rows, err := s.store.UpdateSchedulerState(t.tx, s.cfg.InstanceID, now)
	if err != nil {
		return nil, errors.Wrap(err, "update scheduler state")
	}
	if rows == 0 {
		return failed, errors.Wrap(s.store.InsertSchedulerState(t.tx, state), "insert scheduler state")
	}
	return failed, nil
}

// findFailedInstances 心跳超时且没有被其他实例接管的实例视为故障。
// 首次心跳时本实例遗留的记录以及没有心跳记录却留有触发记录的实例也需要恢复
func (s *JobStore) findFailedInstances(t *txn) ([]*domain.SchedulerState, error) {
	states, err := s.store.SelectSchedulerStates(t.tx)
	if err != nil {
		return nil, errors.Wrap(err, "select scheduler states")
	}

	now := s.clock.Now()
	var (
		failed   []*domain.SchedulerState
		foundMe  bool
		existing = make(map[string]struct{}, len(states))
	)
	for _, rec := range states {
		existing[rec.InstanceID] = struct{}{}
		if rec.InstanceID == s.cfg.InstanceID {
			foundMe = true
			if s.firstCheckin {
				failed = append(failed, rec)
			}
			continue
		}
		if rec.Recoverer != "" {
			continue
		}
		if s.calcFailedIfAfter(rec, now).Before(now) {
			failed = append(failed, rec)
		}
	}

	if s.firstCheckin {
		ids, err := s.store.SelectFiredTriggerInstanceIDs(t.tx)
		if err != nil {
			return nil, errors.Wrap(err, "select fired trigger instances")
		}
		for _, id := range ids {
			if _, ok := existing[id]; ok {
				continue
			}
			s.logger.Warn("found orphaned fired triggers", String("instance", id))
			failed = append(failed, &domain.SchedulerState{InstanceID: id})
		}
	}

	if !foundMe && !s.firstCheckin {
		s.logger.Warn("this scheduler instance is still active but was recovered by another instance in the cluster",
			String("instance", s.cfg.InstanceID))
	}
	return failed, nil
}

// calcFailedIfAfter 实例的故障截止时间，间隔取对方配置的心跳间隔和本地实际心跳间隔中的较大者
func (s *JobStore) calcFailedIfAfter(rec *domain.SchedulerState, now time.Time) time.Time {
	passed := now.Sub(s.lastCheckin)
	ruler := rec.CheckinInterval
	if passed > ruler {
		ruler = passed
	}
	return rec.LastCheckin.Add(ruler + checkinSlack)
}

// clusterRecover 接管故障实例的触发记录：释放已抢占的触发器，解除阻塞，
// 为需要恢复的Job生成一次性恢复触发器，最后删除故障实例的记录
func (s *JobStore) clusterRecover(t *txn, failed []*domain.SchedulerState) error {
	for _, rec := range failed {
		if err := s.recoverInstance(t, rec); err != nil {
			return err
		}
	}
	t.onCommit(func() {
		instancesRecovered.WithLabelValues(s.cfg.SchedulerName).Add(float64(len(failed)))
	})
	t.signalSchedulingChange(time.Time{})
	return nil
}

func (s *JobStore) recoverInstance(t *txn, rec *domain.SchedulerState) error {
	self := rec.InstanceID == s.cfg.InstanceID
	s.logger.Info("scanning for in-progress jobs of failed instance",
		String("instance", rec.InstanceID), Field{Key: "self", Val: self})
	if !self {
		if _, err := s.store.UpdateSchedulerRecoverer(t.tx, rec.InstanceID, s.cfg.InstanceID); err != nil {
			return errors.Wrapf(err, "claim recovery of %s", rec.InstanceID)
		}
	}

	records, err := s.store.SelectInstancesFiredTriggerRecords(t.tx, rec.InstanceID)
	if err != nil {
		return errors.Wrapf(err, "select fired triggers of %s", rec.InstanceID)
	}

	var acquired, recovered, other int64
	triggerKeys := make(map[domain.Key]struct{}, len(records))
	for _, ft := range records {
		triggerKeys[ft.TriggerKey] = struct{}{}

		switch ft.State {
		case _const.StateBlocked:
			if _, err = s.store.UpdateTriggerStatesForJobFromOtherState(t.tx, ft.JobKey,
				_const.StateWaiting, _const.StateBlocked); err != nil {
				return errors.Wrap(err, "unblock triggers")
			}
		case _const.StatePausedBlocked:
			if _, err = s.store.UpdateTriggerStatesForJobFromOtherState(t.tx, ft.JobKey,
				_const.StatePaused, _const.StatePausedBlocked); err != nil {
				return errors.Wrap(err, "unblock paused triggers")
			}
		}

		switch {
		case ft.State == _const.StateAcquired:
			if _, err = s.store.UpdateTriggerStateFromOtherStates(t.tx, ft.TriggerKey,
				_const.StateWaiting, _const.StateAcquired); err != nil {
				return errors.Wrap(err, "release acquired trigger")
			}
			acquired++
		case ft.RequestsRecovery:
			exists, err := s.store.JobExists(t.tx, ft.JobKey)
			if err != nil {
				return errors.Wrap(err, "check job exists")
			}
			if exists {
				if err = s.storeRecoveryTrigger(t, rec.InstanceID, ft); err != nil {
					return err
				}
				recovered++
			} else {
				other++
			}
		default:
			other++
		}

		if ft.ConcurrentExecutionDisallowed {
			if err = s.unblockJobTriggers(t, ft.JobKey); err != nil {
				return err
			}
		}
	}

	if _, err = s.store.DeleteFiredTriggersForInstance(t.tx, rec.InstanceID); err != nil {
		return errors.Wrapf(err, "delete fired triggers of %s", rec.InstanceID)
	}

	// 执行中的最后一次触发已经完成，没有剩余触发记录的COMPLETE触发器可以删除
	for key := range triggerKeys {
		state, err := s.store.SelectTriggerState(t.tx, key)
		if err != nil {
			return errors.Wrap(err, "select trigger state")
		}
		if state != _const.StateComplete {
			continue
		}
		remaining, err := s.store.SelectFiredTriggerRecords(t.tx, key)
		if err != nil {
			return errors.Wrap(err, "select fired triggers")
		}
		if len(remaining) == 0 {
			if _, err = s.removeTrigger(t, key); err != nil {
				return err
			}
		}
	}

	if !self {
		if _, err = s.store.DeleteSchedulerState(t.tx, rec.InstanceID); err != nil {
			return errors.Wrapf(err, "delete scheduler state of %s", rec.InstanceID)
		}
	}

	s.logger.Info("recovered failed instance",
		String("instance", rec.InstanceID),
		Int64("released", acquired),
		Int64("recovering", recovered),
		Int64("other", other))
	return nil
}

// storeRecoveryTrigger 为需要恢复的执行生成一次性触发器，数据中带上原触发器和原触发时间
func (s *JobStore) storeRecoveryTrigger(t *txn, instanceID string, ft *domain.FiredTrigger) error {
	data, err := s.store.SelectTriggerJobData(t.tx, ft.TriggerKey)
	if err != nil && !errors.Is(err, domain.ErrCorruptData) {
		return errors.Wrap(err, "select trigger job data")
	}
	if data == nil {
		data = domain.NewJobDataMap()
	}
	data.Put(_const.FailedJobOriginalTriggerName, ft.TriggerKey.Name)
	data.Put(_const.FailedJobOriginalTriggerGroup, ft.TriggerKey.Group)
	data.Put(_const.FailedJobOriginalFireTime, formatMillis(ft.FiredTime))
	data.Put(_const.FailedJobOriginalScheduled, formatMillis(ft.ScheduledTime))

	start := ft.ScheduledTime
	if start.IsZero() {
		start = ft.FiredTime
	}
	if start.IsZero() {
		start = s.clock.Now()
	}

	key := domain.NewKey("recover_"+instanceID+"_"+uuid.NewString(), _const.RecoveryGroup)
	trigger := domain.NewTrigger(key, ft.JobKey, domain.NewOnceSchedule(), start)
	trigger.Priority = ft.Priority
	trigger.MisfireInstruction = _const.MisfireIgnore
	trigger.JobData = data
	trigger.ComputeFirstFireTime(nil)

	s.logger.Info("recovering job with recovery trigger",
		String("job", ft.JobKey.String()), String("trigger", key.String()))
	return s.storeTrigger(t, trigger, nil, false, _const.StateWaiting, false, true)
}
