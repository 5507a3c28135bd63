package dao

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	gomysql "github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"

	_const "github.com/TimeWtr/jobstore/const"
	"github.com/TimeWtr/jobstore/domain"
)

func newMockStore(t *testing.T) (*GormStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	gdb, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      db,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{SkipDefaultTransaction: true, Logger: glogger.Discard})
	require.NoError(t, err)
	return NewGormStore(gdb, "test"), mock
}

func TestGormStore_LockRowMySQL(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `js_locks` WHERE sched_name = \\? AND lock_name = \\? FOR UPDATE").
		WithArgs("test", _const.LockTriggerAccess).
		WillReturnRows(sqlmock.NewRows([]string{"sched_name", "lock_name"}).
			AddRow("test", _const.LockTriggerAccess))
	mock.ExpectCommit()

	tx, err := s.Begin(context.Background())
	require.NoError(t, err)
	ok, err := s.LockRow(tx, _const.LockTriggerAccess)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, tx.Commit())

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_CompareAndSetMySQL(t *testing.T) {
	testCases := []struct {
		name     string
		affected int64
	}{
		{name: "acquired", affected: 1},
		{name: "lost race", affected: 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			mock.ExpectBegin()
			mock.ExpectExec("UPDATE `js_triggers` SET `trigger_state`=\\? WHERE sched_name = \\? "+
				"AND \\(trigger_name = \\? AND trigger_group = \\?\\) AND trigger_state IN \\(\\?\\)").
				WithArgs(_const.StateAcquired, "test", "t1", "DEFAULT", _const.StateWaiting).
				WillReturnResult(sqlmock.NewResult(0, tc.affected))
			mock.ExpectRollback()

			tx, err := s.Begin(context.Background())
			require.NoError(t, err)
			rows, err := s.UpdateTriggerStateFromOtherStates(tx, domain.NewKey("t1", ""),
				_const.StateAcquired, _const.StateWaiting)
			require.NoError(t, err)
			assert.Equal(t, tc.affected, rows)
			require.NoError(t, tx.Rollback())

			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestIsTransient(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "deadline", err: errors.Wrap(context.DeadlineExceeded, "select"), want: true},
		{name: "mysql lock wait timeout", err: &gomysql.MySQLError{Number: 1205}, want: true},
		{name: "mysql deadlock", err: errors.WithStack(&gomysql.MySQLError{Number: 1213}), want: true},
		{name: "mysql duplicate", err: &gomysql.MySQLError{Number: 1062}, want: false},
		{name: "sqlite busy", err: sqlite3.Error{Code: sqlite3.ErrBusy}, want: true},
		{name: "sqlite constraint", err: sqlite3.Error{Code: sqlite3.ErrConstraint}, want: false},
		{name: "other", err: errors.New("boom"), want: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}
