package _const

// 锁域名称
const (
	LockTriggerAccess  = "TRIGGER_ACCESS"
	LockCalendarAccess = "CALENDAR_ACCESS"
	LockStateAccess    = "STATE_ACCESS"
)

// AllGroupsPaused 暂停全部分组时写入的分组标记
const AllGroupsPaused = "_$_ALL_GROUPS_PAUSED_$_"

// DefaultGroup 未指定分组时使用的分组
const DefaultGroup = "DEFAULT"

// RecoveryGroup 故障恢复时生成的一次性触发器所在分组
const RecoveryGroup = "RECOVERING_JOBS"

// 恢复触发器携带的原始触发信息
const (
	FailedJobOriginalTriggerName  = "JOBSTORE_FAILED_JOB_ORIG_TRIGGER_NAME"
	FailedJobOriginalTriggerGroup = "JOBSTORE_FAILED_JOB_ORIG_TRIGGER_GROUP"
	FailedJobOriginalFireTime     = "JOBSTORE_FAILED_JOB_ORIG_FIRE_TIME_MS"
	FailedJobOriginalScheduled    = "JOBSTORE_FAILED_JOB_ORIG_SCHEDULED_TIME_MS"
)
