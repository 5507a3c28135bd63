package jobstore

import (
	"errors"

	"github.com/TimeWtr/jobstore/domain"
)

var (
	// ErrObjectAlreadyExists 非替换写入时Job、Trigger或日历已存在
	ErrObjectAlreadyExists = errors.New("object already exists")
	// ErrJobNotFound 触发器引用了不存在的Job
	ErrJobNotFound = errors.New("job not found")
	// ErrCorruptJobData Job数据无法还原或任务类型无法解析
	ErrCorruptJobData = errors.New("corrupt job data")
	// ErrLockTimeout 等待锁超时或被取消
	ErrLockTimeout = errors.New("failed to obtain lock")
	// ErrCalendarReferenced 日历仍被触发器引用
	ErrCalendarReferenced = errors.New("calendar is referenced by a trigger")
	// ErrJobMismatch 替换的新触发器引用了不同的Job
	ErrJobMismatch = errors.New("new trigger is not related to the same job as the old trigger")
	// ErrCalendarNotFound 触发器引用的日历不存在
	ErrCalendarNotFound = errors.New("calendar not found")
	// ErrWillNeverFire 计算不出首次触发时间
	ErrWillNeverFire = errors.New("trigger will never fire")
	ErrShutdown      = errors.New("job store is shut down")
)

// isPermanent 完整性和数据损坏错误重试也不会成功
func isPermanent(err error) bool {
	return errors.Is(err, ErrCorruptJobData) ||
		errors.Is(err, domain.ErrCorruptData) ||
		errors.Is(err, ErrJobNotFound) ||
		errors.Is(err, ErrObjectAlreadyExists) ||
		errors.Is(err, ErrCalendarReferenced) ||
		errors.Is(err, ErrCalendarNotFound) ||
		errors.Is(err, ErrJobMismatch)
}
