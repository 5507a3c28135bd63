package domain

import (
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// dataJSON Job数据中的数字解码为json.Number，整数不会变成float64
var dataJSON = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

var (
	kindMu        sync.RWMutex
	scheduleKinds = map[string]func() Schedule{
		KindSimple: func() Schedule { return &SimpleSchedule{} },
		KindCron:   func() Schedule { return &CronSchedule{} },
	}
	calendarKinds = map[string]func() Calendar{
		KindHoliday: func() Calendar { return &HolidayCalendar{} },
	}
)

// RegisterScheduleKind 注册自定义调度类型，factory返回可被JSON解码的零值指针
func RegisterScheduleKind(kind string, factory func() Schedule) {
	kindMu.Lock()
	defer kindMu.Unlock()
	scheduleKinds[kind] = factory
}

// RegisterCalendarKind 注册自定义日历类型
func RegisterCalendarKind(kind string, factory func() Calendar) {
	kindMu.Lock()
	defer kindMu.Unlock()
	calendarKinds[kind] = factory
}

func EncodeSchedule(s Schedule) (string, []byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", nil, errors.Wrapf(err, "encode %s schedule", s.Kind())
	}
	return s.Kind(), data, nil
}

func DecodeSchedule(kind string, data []byte) (Schedule, error) {
	kindMu.RLock()
	factory, ok := scheduleKinds[kind]
	kindMu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownKind, "schedule kind %q", kind)
	}
	s := factory()
	if err := json.Unmarshal(data, s); err != nil {
		return nil, errors.Wrapf(ErrCorruptData, "decode %s schedule: %v", kind, err)
	}
	return s, nil
}

func EncodeCalendar(c Calendar) (string, []byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", nil, errors.Wrapf(err, "encode %s calendar", c.Kind())
	}
	return c.Kind(), data, nil
}

func DecodeCalendar(kind string, data []byte) (Calendar, error) {
	kindMu.RLock()
	factory, ok := calendarKinds[kind]
	kindMu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownKind, "calendar kind %q", kind)
	}
	c := factory()
	if err := json.Unmarshal(data, c); err != nil {
		return nil, errors.Wrapf(ErrCorruptData, "decode %s calendar: %v", kind, err)
	}
	return c, nil
}

func EncodeJobData(m *JobDataMap) ([]byte, error) {
	if m.Len() == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func DecodeJobData(data []byte) (*JobDataMap, error) {
	m := NewJobDataMap()
	if len(data) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, errors.Wrapf(ErrCorruptData, "decode job data: %v", err)
	}
	return m, nil
}
