package domain

import (
	"errors"
	"time"

	"github.com/robfig/cron/v3"

	_const "github.com/TimeWtr/jobstore/const"
)

const (
	KindSimple = "SIMPLE"
	KindCron   = "CRON"
)

// RepeatIndefinitely 无限次重复
const RepeatIndefinitely = -1

// Schedule 触发器的调度规则，每种类型自行计算下一次触发时间
type Schedule interface {
	// Kind 持久化时使用的类型标识
	Kind() string
	// FireTimeAfter 返回严格晚于after的下一次触发时间，不再触发时返回零值
	FireTimeAfter(t *Trigger, after time.Time) time.Time
	// Triggered 触发一次后更新内部计数
	Triggered()
	Validate() error
	Clone() Schedule
}

// SimpleSchedule 固定间隔重复
type SimpleSchedule struct {
	RepeatCount    int           `json:"repeat_count"`
	RepeatInterval time.Duration `json:"repeat_interval"`
	TimesTriggered int           `json:"times_triggered"`
}

// NewOnceSchedule 只触发一次
func NewOnceSchedule() *SimpleSchedule {
	return &SimpleSchedule{}
}

func NewSimpleSchedule(interval time.Duration, repeatCount int) *SimpleSchedule {
	return &SimpleSchedule{RepeatCount: repeatCount, RepeatInterval: interval}
}

func (s *SimpleSchedule) Kind() string { return KindSimple }

func (s *SimpleSchedule) FireTimeAfter(t *Trigger, after time.Time) time.Time {
	if s.RepeatCount != RepeatIndefinitely && s.TimesTriggered > s.RepeatCount {
		return time.Time{}
	}
	if s.RepeatCount == 0 && !after.Before(t.StartTime) {
		return time.Time{}
	}
	if !t.EndTime.IsZero() && !t.EndTime.After(after) {
		return time.Time{}
	}
	if after.Before(t.StartTime) {
		return t.StartTime
	}
	if s.RepeatInterval <= 0 {
		return time.Time{}
	}

	executed := int64(after.Sub(t.StartTime)/s.RepeatInterval) + 1
	if s.RepeatCount != RepeatIndefinitely && executed > int64(s.RepeatCount) {
		return time.Time{}
	}
	next := t.StartTime.Add(time.Duration(executed) * s.RepeatInterval)
	if !t.EndTime.IsZero() && !t.EndTime.After(next) {
		return time.Time{}
	}
	return next
}

func (s *SimpleSchedule) Triggered() {
	s.TimesTriggered++
}

func (s *SimpleSchedule) Validate() error {
	if s.RepeatCount < RepeatIndefinitely {
		return errors.New("repeat count must be >= 0, or -1 for infinite")
	}
	if s.RepeatCount != 0 && s.RepeatInterval <= 0 {
		return errors.New("repeat interval must be > 0 when repeating")
	}
	return nil
}

func (s *SimpleSchedule) Clone() Schedule {
	c := *s
	return &c
}

// CronSchedule cron表达式调度，支持可选的秒字段
type CronSchedule struct {
	Expression string `json:"expression"`
	TimeZone   string `json:"time_zone,omitempty"`

	spec cron.Schedule
	loc  *time.Location
}

func NewCronSchedule(expr string) (*CronSchedule, error) {
	c := &CronSchedule{Expression: expr}
	if err := c.init(); err != nil {
		return nil, err
	}
	return c, nil
}

func NewCronScheduleInLocation(expr string, loc *time.Location) (*CronSchedule, error) {
	c := &CronSchedule{Expression: expr, TimeZone: loc.String()}
	if err := c.init(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *CronSchedule) init() error {
	if c.spec != nil {
		return nil
	}
	spec, err := _const.Parser.Parse(c.Expression)
	if err != nil {
		return err
	}
	loc := time.Local
	if c.TimeZone != "" {
		if loc, err = time.LoadLocation(c.TimeZone); err != nil {
			return err
		}
	}
	c.spec, c.loc = spec, loc
	return nil
}

func (c *CronSchedule) Kind() string { return KindCron }

func (c *CronSchedule) FireTimeAfter(t *Trigger, after time.Time) time.Time {
	if err := c.init(); err != nil {
		return time.Time{}
	}
	if after.Before(t.StartTime) {
		after = t.StartTime.Add(-time.Nanosecond)
	}
	if !t.EndTime.IsZero() && !after.Before(t.EndTime) {
		return time.Time{}
	}
	next := c.spec.Next(after.In(c.loc))
	if next.IsZero() {
		return next
	}
	if !t.EndTime.IsZero() && next.After(t.EndTime) {
		return time.Time{}
	}
	return next
}

func (c *CronSchedule) Triggered() {}

func (c *CronSchedule) Validate() error {
	return c.init()
}

func (c *CronSchedule) Clone() Schedule {
	cp := *c
	return &cp
}
