package domain

import (
	"time"

	_const "github.com/TimeWtr/jobstore/const"
)

// FiredTrigger 一次触发的记录，只存在于触发器处于ACQUIRED/EXECUTING/BLOCKED期间
type FiredTrigger struct {
	FireInstanceID                string
	TriggerKey                    Key
	JobKey                        Key
	InstanceID                    string
	FiredTime                     time.Time
	ScheduledTime                 time.Time
	Priority                      int
	State                         _const.TriggerState
	ConcurrentExecutionDisallowed bool
	RequestsRecovery              bool
}

// SchedulerState 集群成员的心跳记录
type SchedulerState struct {
	InstanceID      string
	LastCheckin     time.Time
	CheckinInterval time.Duration
	Recoverer       string
}

// TriggerStatus 触发器的状态摘要
type TriggerStatus struct {
	Key          Key
	JobKey       Key
	State        _const.TriggerState
	NextFireTime time.Time
}

// TriggerFiredBundle 触发成功后交给执行方的快照
type TriggerFiredBundle struct {
	Job               *JobDetail
	Trigger           *Trigger
	Calendar          Calendar
	Recovering        bool
	FireTime          time.Time
	ScheduledFireTime time.Time
	PrevFireTime      time.Time
	NextFireTime      time.Time
}

// TriggerFiredResult 批量触发时单个触发器的结果，Bundle为nil表示未触发
type TriggerFiredResult struct {
	Bundle *TriggerFiredBundle
	Err    error
}
