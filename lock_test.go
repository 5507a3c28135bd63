package jobstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	_const "github.com/TimeWtr/jobstore/const"
	"github.com/TimeWtr/jobstore/repository"
)

type fakeTx struct {
	id int
}

func (f *fakeTx) Commit() error   { return nil }
func (f *fakeTx) Rollback() error { return nil }

type fakeLockStore struct {
	mu       sync.Mutex
	rows     map[string]bool
	failures int
	inserted []string
}

func (f *fakeLockStore) LockRow(_ repository.Tx, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return false, errors.New("deadlock found when trying to get lock")
	}
	return f.rows[name], nil
}

func (f *fakeLockStore) InsertLockRow(_ repository.Tx, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rows == nil {
		f.rows = map[string]bool{}
	}
	f.rows[name] = true
	f.inserted = append(f.inserted, name)
	return nil
}

func TestSimpleSemaphore_ReleaseNotOwned(t *testing.T) {
	sem := NewSimpleSemaphore(NewZapLogger(zaptest.NewLogger(t)))
	holder, other := &fakeTx{id: 1}, &fakeTx{id: 2}

	ok, err := sem.ObtainLock(context.Background(), holder, _const.LockTriggerAccess)
	require.NoError(t, err)
	require.True(t, ok)

	// 未持有锁的事务释放不影响持有者
	sem.ReleaseLock(other, _const.LockTriggerAccess)
	assert.True(t, sem.owners.isOwner(holder, _const.LockTriggerAccess))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = sem.ObtainLock(ctx, other, _const.LockTriggerAccess)
	assert.ErrorIs(t, err, ErrLockTimeout)

	sem.ReleaseLock(holder, _const.LockTriggerAccess)
	ok, err = sem.ObtainLock(context.Background(), other, _const.LockTriggerAccess)
	require.NoError(t, err)
	assert.True(t, ok)
	sem.ReleaseLock(other, _const.LockTriggerAccess)
}

func TestSimpleSemaphore_Reentrant(t *testing.T) {
	sem := NewSimpleSemaphore(NewZapLogger(zaptest.NewLogger(t)))
	tx := &fakeTx{id: 1}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := sem.ObtainLock(ctx, tx, _const.LockStateAccess)
		require.NoError(t, err)
		require.True(t, ok)
	}
	// 不同名字的锁互不影响
	ok, err := sem.ObtainLock(ctx, tx, _const.LockTriggerAccess)
	require.NoError(t, err)
	require.True(t, ok)

	sem.ReleaseLock(tx, _const.LockStateAccess)
	sem.ReleaseLock(tx, _const.LockTriggerAccess)
	assert.False(t, sem.owners.isOwner(tx, _const.LockStateAccess))
	assert.False(t, sem.RequiresConnection())
}

func TestSimpleSemaphore_Exclusive(t *testing.T) {
	sem := NewSimpleSemaphore(NewZapLogger(zaptest.NewLogger(t)))
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		holders int
		maxSeen int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			tx := &fakeTx{id: id}
			_, err := sem.ObtainLock(context.Background(), tx, _const.LockTriggerAccess)
			assert.NoError(t, err)
			mu.Lock()
			holders++
			if holders > maxSeen {
				maxSeen = holders
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			holders--
			mu.Unlock()
			sem.ReleaseLock(tx, _const.LockTriggerAccess)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestRowLockSemaphore_ObtainLock(t *testing.T) {
	testCases := []struct {
		name         string
		rows         map[string]bool
		failures     int
		wantInserted []string
	}{
		{
			name:         "insert missing row",
			wantInserted: []string{_const.LockTriggerAccess},
		},
		{
			name: "existing row",
			rows: map[string]bool{_const.LockTriggerAccess: true},
		},
		{
			name:     "retry after failure",
			rows:     map[string]bool{_const.LockTriggerAccess: true},
			failures: 1,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store := &fakeLockStore{rows: tc.rows, failures: tc.failures}
			sem := NewRowLockSemaphore(store, NewZapLogger(zaptest.NewLogger(t)))
			tx := &fakeTx{id: 1}

			ok, err := sem.ObtainLock(context.Background(), tx, _const.LockTriggerAccess)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, tc.wantInserted, store.inserted)
			assert.True(t, sem.RequiresConnection())

			// 重复获取不再访问数据库
			store.failures = rowLockAttempts
			ok, err = sem.ObtainLock(context.Background(), tx, _const.LockTriggerAccess)
			require.NoError(t, err)
			assert.True(t, ok)

			sem.ReleaseLock(&fakeTx{id: 2}, _const.LockTriggerAccess)
			assert.True(t, sem.owners.isOwner(tx, _const.LockTriggerAccess))
			sem.ReleaseLock(tx, _const.LockTriggerAccess)
			assert.False(t, sem.owners.isOwner(tx, _const.LockTriggerAccess))
		})
	}
}

func TestRowLockSemaphore_CancelledDuringRetry(t *testing.T) {
	store := &fakeLockStore{failures: rowLockAttempts}
	sem := NewRowLockSemaphore(store, NewZapLogger(zaptest.NewLogger(t)))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	ok, err := sem.ObtainLock(ctx, &fakeTx{id: 1}, _const.LockStateAccess)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrLockTimeout)
}
