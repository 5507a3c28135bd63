package repository

import (
	"context"
	"time"

	_const "github.com/TimeWtr/jobstore/const"
	"github.com/TimeWtr/jobstore/domain"
)

// Tx 一次逻辑事务，创建时绑定context，所有存储操作都在某个Tx中执行
type Tx interface {
	Commit() error
	Rollback() error
}

// Store 调度核心依赖的持久化能力集合
type Store interface {
	// Begin 开启事务，事务内的语句使用ctx
	Begin(ctx context.Context) (Tx, error)

	JobStore
	TriggerStore
	FiredTriggerStore
	SchedulerStateStore
	CalendarStore
	PauseMarkerStore
	LockStore

	// ClearData 删除当前调度器的所有Job、Trigger、日历、触发记录和暂停标记
	ClearData(tx Tx) error
}

type JobStore interface {
	InsertJob(tx Tx, job *domain.JobDetail) error
	UpdateJob(tx Tx, job *domain.JobDetail) (int64, error)
	// UpdateJobData 只回写JobData
	UpdateJobData(tx Tx, job *domain.JobDetail) error
	DeleteJob(tx Tx, key domain.Key) (bool, error)
	JobExists(tx Tx, key domain.Key) (bool, error)
	// SelectJob 不存在时返回nil，数据无法还原时返回domain.ErrCorruptData
	SelectJob(tx Tx, key domain.Key) (*domain.JobDetail, error)
	SelectJobForTrigger(tx Tx, triggerKey domain.Key) (*domain.JobDetail, error)
}

type TriggerStore interface {
	InsertTrigger(tx Tx, trigger *domain.Trigger, state _const.TriggerState) error
	UpdateTrigger(tx Tx, trigger *domain.Trigger, state _const.TriggerState) error
	DeleteTrigger(tx Tx, key domain.Key) (bool, error)
	TriggerExists(tx Tx, key domain.Key) (bool, error)
	// SelectTrigger 不存在时返回nil
	SelectTrigger(tx Tx, key domain.Key) (*domain.Trigger, error)
	// SelectTriggerState 不存在时返回StateDeleted
	SelectTriggerState(tx Tx, key domain.Key) (_const.TriggerState, error)
	// SelectTriggerStatus 不存在时返回nil
	SelectTriggerStatus(tx Tx, key domain.Key) (*domain.TriggerStatus, error)
	SelectTriggerKeysInGroup(tx Tx, group string) ([]domain.Key, error)
	SelectTriggerGroupNames(tx Tx) ([]string, error)
	// SelectTriggersInState limit<=0表示不限制数量，按下次触发时间升序
	SelectTriggersInState(tx Tx, state _const.TriggerState, limit int) ([]domain.Key, error)
	SelectTriggerKeysForJob(tx Tx, jobKey domain.Key) ([]domain.Key, error)
	SelectTriggersForCalendar(tx Tx, calendarName string) ([]*domain.Trigger, error)
	// SelectTriggerToAcquire 选择WAITING且下次触发时间不晚于noLaterThan的触发器，
	// 忽略错过策略的触发器不受noEarlierThan限制。按下次触发时间升序、优先级降序
	SelectTriggerToAcquire(tx Tx, noLaterThan, noEarlierThan time.Time, maxCount int) ([]domain.Key, error)
	SelectTriggerJobData(tx Tx, key domain.Key) (*domain.JobDataMap, error)
	SelectNumTriggersForJob(tx Tx, jobKey domain.Key) (int64, error)

	// 以下状态更新都是CAS语义，返回受影响的行数

	UpdateTriggerState(tx Tx, key domain.Key, state _const.TriggerState) (int64, error)
	UpdateTriggerStateFromOtherStates(tx Tx, key domain.Key, newState _const.TriggerState, oldStates ..._const.TriggerState) (int64, error)
	UpdateTriggerGroupStateFromOtherStates(tx Tx, group string, newState _const.TriggerState, oldStates ..._const.TriggerState) (int64, error)
	UpdateTriggerStatesForJob(tx Tx, jobKey domain.Key, state _const.TriggerState) (int64, error)
	UpdateTriggerStatesForJobFromOtherState(tx Tx, jobKey domain.Key, newState, oldState _const.TriggerState) (int64, error)
	UpdateTriggerStatesFromOtherStates(tx Tx, newState _const.TriggerState, oldStates ..._const.TriggerState) (int64, error)
	// ReclassifyMisfiredBefore 将下次触发时间早于before的WAITING触发器改为MISFIRED，忽略错过策略的除外
	ReclassifyMisfiredBefore(tx Tx, before time.Time) (int64, error)
	// HasMisfiredTriggers 是否存在待处理的错过触发：已过期的WAITING触发器或已经是MISFIRED的触发器
	HasMisfiredTriggers(tx Tx, before time.Time) (bool, error)
}

type FiredTriggerStore interface {
	InsertFiredTrigger(tx Tx, record *domain.FiredTrigger) error
	// UpdateFiredTrigger 按FireInstanceID更新
	UpdateFiredTrigger(tx Tx, record *domain.FiredTrigger) error
	DeleteFiredTrigger(tx Tx, fireInstanceID string) (int64, error)
	DeleteFiredTriggers(tx Tx) (int64, error)
	DeleteFiredTriggersForInstance(tx Tx, instanceID string) (int64, error)
	SelectFiredTriggerRecords(tx Tx, triggerKey domain.Key) ([]*domain.FiredTrigger, error)
	SelectFiredTriggerRecordsByJob(tx Tx, jobKey domain.Key) ([]*domain.FiredTrigger, error)
	SelectInstancesFiredTriggerRecords(tx Tx, instanceID string) ([]*domain.FiredTrigger, error)
	SelectAllFiredTriggerRecords(tx Tx) ([]*domain.FiredTrigger, error)
	SelectFiredTriggerInstanceIDs(tx Tx) ([]string, error)
}

type SchedulerStateStore interface {
	InsertSchedulerState(tx Tx, state *domain.SchedulerState) error
	UpdateSchedulerState(tx Tx, instanceID string, checkin time.Time) (int64, error)
	// UpdateSchedulerRecoverer 只有recoverer为空时才会更新
	UpdateSchedulerRecoverer(tx Tx, instanceID, recoverer string) (int64, error)
	DeleteSchedulerState(tx Tx, instanceID string) (int64, error)
	SelectSchedulerStates(tx Tx) ([]*domain.SchedulerState, error)
}

type CalendarStore interface {
	InsertCalendar(tx Tx, name string, cal domain.Calendar) error
	UpdateCalendar(tx Tx, name string, cal domain.Calendar) (int64, error)
	DeleteCalendar(tx Tx, name string) (bool, error)
	CalendarExists(tx Tx, name string) (bool, error)
	// SelectCalendar 不存在时返回nil
	SelectCalendar(tx Tx, name string) (domain.Calendar, error)
	CalendarIsReferenced(tx Tx, name string) (bool, error)
}

type PauseMarkerStore interface {
	InsertPausedTriggerGroup(tx Tx, group string) error
	DeletePausedTriggerGroup(tx Tx, group string) (int64, error)
	DeleteAllPausedTriggerGroups(tx Tx) (int64, error)
	IsTriggerGroupPaused(tx Tx, group string) (bool, error)
	SelectPausedTriggerGroups(tx Tx) ([]string, error)
}

// LockStore 数据库行锁，锁在事务提交或回滚时释放
type LockStore interface {
	// LockRow 对锁行加排他锁，锁行不存在时返回false
	LockRow(tx Tx, name string) (bool, error)
	// InsertLockRow 插入锁行，插入的行在本事务内即为加锁状态
	InsertLockRow(tx Tx, name string) error
}
