package jobstore

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/TimeWtr/jobstore/repository"
)

// Semaphore 命名锁，锁的持有者是事务
type Semaphore interface {
	// ObtainLock 阻塞直到获取锁，同一个事务重复获取直接返回
	ObtainLock(ctx context.Context, tx repository.Tx, name string) (bool, error)
	// ReleaseLock 释放锁，未持有时什么也不做
	ReleaseLock(tx repository.Tx, name string)
	// RequiresConnection 锁是否依赖事务所在的数据库连接
	RequiresConnection() bool
}

// owners 记录每个事务持有的锁
type owners struct {
	mu    sync.Mutex
	locks map[repository.Tx]map[string]struct{}
}

func (o *owners) isOwner(tx repository.Tx, name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.locks[tx][name]
	return ok
}

func (o *owners) add(tx repository.Tx, name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.locks == nil {
		o.locks = map[repository.Tx]map[string]struct{}{}
	}
	if o.locks[tx] == nil {
		o.locks[tx] = map[string]struct{}{}
	}
	o.locks[tx][name] = struct{}{}
}

func (o *owners) remove(tx repository.Tx, name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	held, ok := o.locks[tx]
	if !ok {
		return false
	}
	if _, ok = held[name]; !ok {
		return false
	}
	delete(held, name)
	if len(held) == 0 {
		delete(o.locks, tx)
	}
	return true
}

// SimpleSemaphore 进程内的锁，只能在非集群模式下使用
type SimpleSemaphore struct {
	mu     sync.Mutex
	chans  map[string]chan struct{}
	owners owners
	logger Logger
}

func NewSimpleSemaphore(logger Logger) *SimpleSemaphore {
	return &SimpleSemaphore{
		chans:  map[string]chan struct{}{},
		logger: logger,
	}
}

func (s *SimpleSemaphore) ch(name string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chans[name]
	if !ok {
		c = make(chan struct{}, 1)
		s.chans[name] = c
	}
	return c
}

func (s *SimpleSemaphore) ObtainLock(ctx context.Context, tx repository.Tx, name string) (bool, error) {
	if s.owners.isOwner(tx, name) {
		s.logger.Debug("lock already owned", String("lock", name))
		return true, nil
	}

	select {
	case s.ch(name) <- struct{}{}:
	case <-ctx.Done():
		return false, errors.Wrapf(ErrLockTimeout, "%s: %v", name, ctx.Err())
	}
	s.owners.add(tx, name)
	return true, nil
}

func (s *SimpleSemaphore) ReleaseLock(tx repository.Tx, name string) {
	if !s.owners.remove(tx, name) {
		s.logger.Debug("lock not owned, nothing to release", String("lock", name))
		return
	}
	<-s.ch(name)
}

func (s *SimpleSemaphore) RequiresConnection() bool {
	return false
}

const (
	rowLockAttempts   = 3
	rowLockRetryDelay = time.Second
)

// RowLockSemaphore 数据库行锁，锁在事务提交或回滚时由数据库释放，集群模式必须使用
type RowLockSemaphore struct {
	store  repository.LockStore
	owners owners
	logger Logger
}

func NewRowLockSemaphore(store repository.LockStore, logger Logger) *RowLockSemaphore {
	return &RowLockSemaphore{store: store, logger: logger}
}

func (r *RowLockSemaphore) ObtainLock(ctx context.Context, tx repository.Tx, name string) (bool, error) {
	if r.owners.isOwner(tx, name) {
		return true, nil
	}

	var firstErr error
	for attempt := 1; attempt <= rowLockAttempts; attempt++ {
		err := r.lockRow(tx, name)
		if err == nil {
			r.owners.add(tx, name)
			return true, nil
		}
		if firstErr == nil {
			firstErr = err
		}
		r.logger.Warn("failed to obtain db row lock",
			String("lock", name), Int64("attempt", int64(attempt)), Error(err))
		if attempt == rowLockAttempts {
			break
		}

		timer := time.NewTimer(rowLockRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, errors.Wrapf(ErrLockTimeout, "%s: %v", name, ctx.Err())
		case <-timer.C:
		}
	}
	return false, errors.Wrapf(ErrLockTimeout, "%s: reached max attempts: %v", name, firstErr)
}

func (r *RowLockSemaphore) lockRow(tx repository.Tx, name string) error {
	ok, err := r.store.LockRow(tx, name)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	// 锁行不存在，插入后本事务即持有该行
	r.logger.Debug("inserting new lock row", String("lock", name))
	return r.store.InsertLockRow(tx, name)
}

func (r *RowLockSemaphore) ReleaseLock(tx repository.Tx, name string) {
	if !r.owners.remove(tx, name) {
		r.logger.Debug("lock not owned, nothing to release", String("lock", name))
	}
}

func (r *RowLockSemaphore) RequiresConnection() bool {
	return true
}
