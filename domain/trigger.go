package domain

import (
	"errors"
	"time"

	_const "github.com/TimeWtr/jobstore/const"
)

// 日历排除时间时向后查找的上限
const maxFireYear = 2299

// Trigger 持久化的触发器定义，状态由存储维护
type Trigger struct {
	Key          Key
	JobKey       Key
	Description  string
	Priority     int
	CalendarName string
	StartTime    time.Time
	// EndTime 为零值表示没有结束时间
	EndTime time.Time
	// NextFireTime 为零值表示不会再触发
	NextFireTime       time.Time
	PreviousFireTime   time.Time
	MisfireInstruction _const.MisfireInstruction
	// JobData 覆盖Job上的同名数据
	JobData  *JobDataMap
	Schedule Schedule
	// FireInstanceID 获取成功后分配，不持久化到触发器
	FireInstanceID string
}

func NewTrigger(key Key, jobKey Key, schedule Schedule, startTime time.Time) *Trigger {
	return &Trigger{
		Key:       key,
		JobKey:    jobKey,
		Priority:  _const.DefaultPriority,
		StartTime: startTime,
		JobData:   NewJobDataMap(),
		Schedule:  schedule,
	}
}

func (t *Trigger) Validate() error {
	if t.Key.Name == "" {
		return errors.New("trigger name cannot be empty")
	}
	if t.JobKey.Name == "" {
		return errors.New("trigger must reference a job")
	}
	if t.Schedule == nil {
		return errors.New("trigger schedule cannot be nil")
	}
	if t.StartTime.IsZero() {
		return errors.New("trigger start time cannot be empty")
	}
	if !t.EndTime.IsZero() && t.EndTime.Before(t.StartTime) {
		return errors.New("trigger end time cannot be before start time")
	}
	return t.Schedule.Validate()
}

func (t *Trigger) Clone() *Trigger {
	c := *t
	c.JobData = t.JobData.Clone()
	if t.Schedule != nil {
		c.Schedule = t.Schedule.Clone()
	}
	return &c
}

// FireTimeAfter 返回after之后的下一次触发时间，不考虑日历
func (t *Trigger) FireTimeAfter(after time.Time) time.Time {
	return t.Schedule.FireTimeAfter(t, after)
}

// ComputeFirstFireTime 计算并设置首次触发时间
func (t *Trigger) ComputeFirstFireTime(cal Calendar) time.Time {
	t.NextFireTime = t.skipExcluded(cal, t.FireTimeAfter(t.StartTime.Add(-time.Nanosecond)))
	return t.NextFireTime
}

// Triggered 触发后推进下一次触发时间
func (t *Trigger) Triggered(cal Calendar) {
	t.Schedule.Triggered()
	t.PreviousFireTime = t.NextFireTime
	t.NextFireTime = t.skipExcluded(cal, t.FireTimeAfter(t.NextFireTime))
}

// UpdateAfterMisfire 按错过触发策略重新计算下一次触发时间
func (t *Trigger) UpdateAfterMisfire(cal Calendar, now time.Time) {
	switch t.MisfireInstruction {
	case _const.MisfireIgnore:
		return
	case _const.MisfireDoNothing:
		t.NextFireTime = t.skipExcluded(cal, t.FireTimeAfter(now))
	default:
		if !t.EndTime.IsZero() && now.After(t.EndTime) {
			t.NextFireTime = time.Time{}
			return
		}
		t.NextFireTime = now
	}
}

// UpdateWithNewCalendar 日历变更后重新计算下一次触发时间
func (t *Trigger) UpdateWithNewCalendar(cal Calendar, now time.Time, misfireThreshold time.Duration) {
	if t.NextFireTime.IsZero() {
		return
	}
	next := t.skipExcluded(cal, t.NextFireTime)
	if !next.IsZero() && next.Before(now) && now.Sub(next) >= misfireThreshold {
		next = t.skipExcluded(cal, t.FireTimeAfter(now))
	}
	t.NextFireTime = next
}

func (t *Trigger) skipExcluded(cal Calendar, next time.Time) time.Time {
	if cal == nil {
		return next
	}
	for !next.IsZero() && !cal.IsTimeIncluded(next) {
		next = t.FireTimeAfter(next)
		if next.Year() > maxFireYear {
			return time.Time{}
		}
	}
	return next
}
