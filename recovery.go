package jobstore

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"

	_const "github.com/TimeWtr/jobstore/const"
)

// recoverJobs 非集群模式启动时恢复上次运行遗留的状态：
// 释放已抢占和阻塞的触发器，处理全部错过触发，为需要恢复的执行生成恢复触发器，清理已完成的触发器和触发记录
func (s *JobStore) recoverJobs(ctx context.Context) error {
	return s.executeInLock(ctx, _const.LockTriggerAccess, func(t *txn) error {
		released, err := s.store.UpdateTriggerStatesFromOtherStates(t.tx,
			_const.StateWaiting, _const.StateAcquired, _const.StateBlocked)
		if err != nil {
			return errors.Wrap(err, "release acquired and blocked triggers")
		}
		paused, err := s.store.UpdateTriggerStatesFromOtherStates(t.tx,
			_const.StatePaused, _const.StatePausedBlocked)
		if err != nil {
			return errors.Wrap(err, "release paused blocked triggers")
		}
		s.logger.Info("freed triggers from acquired or blocked state", Int64("count", released+paused))

		res, err := s.recoverMisfiredJobs(t, true)
		if err != nil {
			return err
		}
		s.logger.Info("recovered misfired triggers", Int64("count", int64(res.processed)))

		records, err := s.store.SelectAllFiredTriggerRecords(t.tx)
		if err != nil {
			return errors.Wrap(err, "select fired triggers")
		}
		var recovered int64
		for _, ft := range records {
			if !ft.RequestsRecovery || ft.State == _const.StateAcquired {
				continue
			}
			exists, err := s.store.JobExists(t.tx, ft.JobKey)
			if err != nil {
				return errors.Wrap(err, "check job exists")
			}
			if !exists {
				continue
			}
			if err = s.storeRecoveryTrigger(t, ft.InstanceID, ft); err != nil {
				return err
			}
			recovered++
		}
		s.logger.Info("recovering jobs that were in progress at shutdown", Int64("count", recovered))

		complete, err := s.store.SelectTriggersInState(t.tx, _const.StateComplete, 0)
		if err != nil {
			return errors.Wrap(err, "select complete triggers")
		}
		for _, key := range complete {
			if _, err = s.removeTrigger(t, key); err != nil {
				return err
			}
		}
		s.logger.Info("removed complete triggers", Int64("count", int64(len(complete))))

		n, err := s.store.DeleteFiredTriggers(t.tx)
		if err != nil {
			return errors.Wrap(err, "delete fired triggers")
		}
		s.logger.Info("removed stale fired trigger records", Int64("count", n))

		t.signalSchedulingChange(time.Time{})
		return nil
	})
}

func formatMillis(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}
