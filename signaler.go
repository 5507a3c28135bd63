package jobstore

import (
	"time"

	"github.com/TimeWtr/jobstore/domain"
)

// Signaler 通知调度线程的回调
type Signaler interface {
	// SignalSchedulingChange 调度数据发生变化，candidate为可能的最早新触发时间，零值表示未知
	SignalSchedulingChange(candidate time.Time)
	NotifyTriggerListenersMisfired(trigger *domain.Trigger)
	// NotifySchedulerListenersFinalized 触发器不会再触发
	NotifySchedulerListenersFinalized(trigger *domain.Trigger)
}

type noopSignaler struct{}

func (noopSignaler) SignalSchedulingChange(time.Time) {}

func (noopSignaler) NotifyTriggerListenersMisfired(*domain.Trigger) {}

func (noopSignaler) NotifySchedulerListenersFinalized(*domain.Trigger) {}
