package dao

import (
	_const "github.com/TimeWtr/jobstore/const"
)

// 时间统一保存为毫秒时间戳，0表示空

type Job struct {
	SchedName   string `gorm:"column:sched_name;type:varchar(120);primaryKey" json:"sched_name"`
	JobName     string `gorm:"column:job_name;type:varchar(190);primaryKey" json:"job_name"`
	JobGroup    string `gorm:"column:job_group;type:varchar(190);primaryKey" json:"job_group"`
	Description string `gorm:"column:description;type:varchar(250)" json:"description"`
	// JobType 任务类型标识
	JobType          string `gorm:"column:job_type;type:varchar(250);not null" json:"job_type"`
	IsDurable        bool   `gorm:"column:is_durable;not null" json:"is_durable"`
	IsNonconcurrent  bool   `gorm:"column:is_nonconcurrent;not null" json:"is_nonconcurrent"`
	IsUpdateData     bool   `gorm:"column:is_update_data;not null" json:"is_update_data"`
	RequestsRecovery bool   `gorm:"column:requests_recovery;not null" json:"requests_recovery"`
	JobData          []byte `gorm:"column:job_data;type:blob" json:"job_data"`
}

func (Job) TableName() string { return "js_job_details" }

type Trigger struct {
	SchedName    string `gorm:"column:sched_name;type:varchar(120);primaryKey" json:"sched_name"`
	TriggerName  string `gorm:"column:trigger_name;type:varchar(190);primaryKey" json:"trigger_name"`
	TriggerGroup string `gorm:"column:trigger_group;type:varchar(190);primaryKey" json:"trigger_group"`
	JobName      string `gorm:"column:job_name;type:varchar(190);not null;index:idx_js_t_job" json:"job_name"`
	JobGroup     string `gorm:"column:job_group;type:varchar(190);not null;index:idx_js_t_job" json:"job_group"`
	Description  string `gorm:"column:description;type:varchar(250)" json:"description"`
	// NextFireTime 下次触发时间
	NextFireTime int64 `gorm:"column:next_fire_time;type:bigint;index:idx_js_t_nft_st" json:"next_fire_time"`
	PrevFireTime int64 `gorm:"column:prev_fire_time;type:bigint" json:"prev_fire_time"`
	Priority     int   `gorm:"column:priority;type:int;not null" json:"priority"`
	// State 触发器状态，所有状态迁移都通过CAS更新完成
	State        _const.TriggerState `gorm:"column:trigger_state;type:int;not null;index:idx_js_t_nft_st" json:"trigger_state"`
	Kind         string              `gorm:"column:trigger_type;type:varchar(32);not null" json:"trigger_type"`
	StartTime    int64               `gorm:"column:start_time;type:bigint;not null" json:"start_time"`
	EndTime      int64               `gorm:"column:end_time;type:bigint" json:"end_time"`
	CalendarName string              `gorm:"column:calendar_name;type:varchar(190);index" json:"calendar_name"`
	MisfireInstr int                 `gorm:"column:misfire_instr;type:smallint;not null" json:"misfire_instr"`
	ScheduleData []byte              `gorm:"column:schedule_data;type:blob" json:"schedule_data"`
	JobData      []byte              `gorm:"column:job_data;type:blob" json:"job_data"`
}

func (Trigger) TableName() string { return "js_triggers" }

type FiredTrigger struct {
	SchedName        string              `gorm:"column:sched_name;type:varchar(120);primaryKey" json:"sched_name"`
	EntryID          string              `gorm:"column:entry_id;type:varchar(140);primaryKey" json:"entry_id"`
	TriggerName      string              `gorm:"column:trigger_name;type:varchar(190);not null;index:idx_js_ft_trig" json:"trigger_name"`
	TriggerGroup     string              `gorm:"column:trigger_group;type:varchar(190);not null;index:idx_js_ft_trig" json:"trigger_group"`
	InstanceName     string              `gorm:"column:instance_name;type:varchar(190);not null;index" json:"instance_name"`
	FiredTime        int64               `gorm:"column:fired_time;type:bigint;not null" json:"fired_time"`
	SchedTime        int64               `gorm:"column:sched_time;type:bigint;not null" json:"sched_time"`
	Priority         int                 `gorm:"column:priority;type:int;not null" json:"priority"`
	State            _const.TriggerState `gorm:"column:state;type:int;not null" json:"state"`
	JobName          string              `gorm:"column:job_name;type:varchar(190);index:idx_js_ft_job" json:"job_name"`
	JobGroup         string              `gorm:"column:job_group;type:varchar(190);index:idx_js_ft_job" json:"job_group"`
	IsNonconcurrent  bool                `gorm:"column:is_nonconcurrent" json:"is_nonconcurrent"`
	RequestsRecovery bool                `gorm:"column:requests_recovery" json:"requests_recovery"`
}

func (FiredTrigger) TableName() string { return "js_fired_triggers" }

type SchedulerState struct {
	SchedName    string `gorm:"column:sched_name;type:varchar(120);primaryKey" json:"sched_name"`
	InstanceName string `gorm:"column:instance_name;type:varchar(190);primaryKey" json:"instance_name"`
	// LastCheckinTime 最近一次心跳时间
	LastCheckinTime int64 `gorm:"column:last_checkin_time;type:bigint;not null" json:"last_checkin_time"`
	// CheckinInterval 心跳间隔，毫秒
	CheckinInterval int64 `gorm:"column:checkin_interval;type:bigint;not null" json:"checkin_interval"`
	// Recoverer 正在恢复该实例的实例ID
	Recoverer string `gorm:"column:recoverer;type:varchar(190)" json:"recoverer"`
}

func (SchedulerState) TableName() string { return "js_scheduler_state" }

type Calendar struct {
	SchedName    string `gorm:"column:sched_name;type:varchar(120);primaryKey" json:"sched_name"`
	CalendarName string `gorm:"column:calendar_name;type:varchar(190);primaryKey" json:"calendar_name"`
	Kind         string `gorm:"column:calendar_type;type:varchar(32);not null" json:"calendar_type"`
	Data         []byte `gorm:"column:calendar;type:blob;not null" json:"calendar"`
}

func (Calendar) TableName() string { return "js_calendars" }

type PausedTriggerGroup struct {
	SchedName    string `gorm:"column:sched_name;type:varchar(120);primaryKey" json:"sched_name"`
	TriggerGroup string `gorm:"column:trigger_group;type:varchar(190);primaryKey" json:"trigger_group"`
}

func (PausedTriggerGroup) TableName() string { return "js_paused_trigger_grps" }

// Lock 行锁表，每个锁名一行
type Lock struct {
	SchedName string `gorm:"column:sched_name;type:varchar(120);primaryKey" json:"sched_name"`
	LockName  string `gorm:"column:lock_name;type:varchar(40);primaryKey" json:"lock_name"`
}

func (Lock) TableName() string { return "js_locks" }

// Models 需要迁移的全部表
func Models() []any {
	return []any{
		&Job{}, &Trigger{}, &FiredTrigger{}, &SchedulerState{},
		&Calendar{}, &PausedTriggerGroup{}, &Lock{},
	}
}
