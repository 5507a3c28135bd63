package jobstore

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/TimeWtr/jobstore/repository"
)

// txn 一次公开操作对应的事务，以及提交后才能执行的动作
type txn struct {
	tx    repository.Tx
	locks []string

	signal      bool
	candidate   time.Time
	afterCommit []func()
}

// signalSchedulingChange 提交后通知调度变化，多次调用取最早的时间，零值最早
func (t *txn) signalSchedulingChange(candidate time.Time) {
	if !t.signal || candidate.Before(t.candidate) {
		t.candidate = candidate
	}
	t.signal = true
}

func (t *txn) onCommit(fn func()) {
	t.afterCommit = append(t.afterCommit, fn)
}

func (s *JobStore) obtainLock(ctx context.Context, t *txn, name string) error {
	ok, err := s.lock.ObtainLock(ctx, t.tx, name)
	if err != nil {
		return err
	}
	if ok {
		t.locks = append(t.locks, name)
	}
	return nil
}

func (s *JobStore) releaseLocks(t *txn) {
	for i := len(t.locks) - 1; i >= 0; i-- {
		s.lock.ReleaseLock(t.tx, t.locks[i])
	}
	t.locks = nil
}

func (s *JobStore) rollback(t *txn) {
	if err := t.tx.Rollback(); err != nil {
		s.logger.Error("failed to rollback transaction", Error(err))
	}
}

// executeInLock 开启事务 -> 获取锁 -> 执行 -> 提交 -> 释放锁，lockName为空时不加锁。
// 失败时回滚，提交成功后才会发出通知。ctx只影响等待锁，事务开始后不会被中途取消
func (s *JobStore) executeInLock(ctx context.Context, lockName string, fn func(t *txn) error) error {
	tx, err := s.store.Begin(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	t := &txn{tx: tx}
	err = s.runInTx(ctx, t, lockName, fn)
	s.releaseLocks(t)
	if err != nil {
		return err
	}

	for _, fn := range t.afterCommit {
		fn()
	}
	if t.signal {
		s.signaler.SignalSchedulingChange(t.candidate)
	}
	return nil
}

func (s *JobStore) runInTx(ctx context.Context, t *txn, lockName string, fn func(t *txn) error) error {
	if lockName != "" {
		if err := s.obtainLock(ctx, t, lockName); err != nil {
			s.rollback(t)
			return err
		}
	}
	if err := fn(t); err != nil {
		s.rollback(t)
		return err
	}
	if err := t.tx.Commit(); err != nil {
		s.rollback(t)
		return errors.Wrap(err, "commit transaction")
	}
	return nil
}

func (s *JobStore) executeWithoutLock(ctx context.Context, fn func(t *txn) error) error {
	return s.executeInLock(ctx, "", fn)
}

// retryExecuteInLock 失败后按DBRetryInterval重试直到成功或ctx结束，
// 用于执行完成和释放这类不能丢失的操作
func (s *JobStore) retryExecuteInLock(ctx context.Context, lockName, op string, fn func(t *txn) error) error {
	attempts := 0
	return retryUntilDone(ctx, s.cfg.DBRetryInterval, func() error {
		attempts++
		return s.executeInLock(ctx, lockName, fn)
	}, func(err error, next time.Duration) {
		s.loopLogger.Error("store operation failed, retrying",
			String("op", op),
			Int64("attempt", int64(attempts)),
			Field{Key: "transient", Val: s.isTransient(err)},
			Field{Key: "next", Val: next},
			Error(err))
	})
}
