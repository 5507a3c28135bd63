package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// everyOtherDay 测试用的自定义调度类型
type everyOtherDay struct {
	Offset time.Duration `json:"offset"`
}

func (e *everyOtherDay) Kind() string { return "EVERY_OTHER_DAY" }

func (e *everyOtherDay) FireTimeAfter(t *Trigger, after time.Time) time.Time {
	if after.Before(t.StartTime) {
		return t.StartTime.Add(e.Offset)
	}
	return after.Add(48 * time.Hour)
}

func (e *everyOtherDay) Triggered() {}

func (e *everyOtherDay) Validate() error { return nil }

func (e *everyOtherDay) Clone() Schedule {
	c := *e
	return &c
}

func TestScheduleCodec(t *testing.T) {
	RegisterScheduleKind("EVERY_OTHER_DAY", func() Schedule { return &everyOtherDay{} })
	shanghai, err := time.LoadLocation("Asia/Shanghai")
	require.NoError(t, err)
	cron, err := NewCronScheduleInLocation("0 30 8 * * MON-FRI", shanghai)
	require.NoError(t, err)

	testCases := []struct {
		name     string
		schedule Schedule
		wantKind string
	}{
		{
			name:     "simple",
			schedule: &SimpleSchedule{RepeatCount: 3, RepeatInterval: time.Minute, TimesTriggered: 2},
			wantKind: KindSimple,
		},
		{name: "cron", schedule: cron, wantKind: KindCron},
		{name: "registered kind", schedule: &everyOtherDay{Offset: time.Hour}, wantKind: "EVERY_OTHER_DAY"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			kind, data, err := EncodeSchedule(tc.schedule)
			require.NoError(t, err)
			assert.Equal(t, tc.wantKind, kind)

			decoded, err := DecodeSchedule(kind, data)
			require.NoError(t, err)
			trigger := NewTrigger(NewKey("t1", ""), NewKey("j1", ""), tc.schedule, testStart)
			want := tc.schedule.FireTimeAfter(trigger, testStart)
			got := decoded.FireTimeAfter(trigger, testStart)
			assert.True(t, want.Equal(got), "want %s, got %s", want, got)
		})
	}
}

func TestDecode_UnknownKind(t *testing.T) {
	_, err := DecodeSchedule("UNREGISTERED", []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownKind)
	assert.ErrorIs(t, err, ErrCorruptData)

	_, err = DecodeCalendar("UNREGISTERED", []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownKind)
	assert.ErrorIs(t, err, ErrCorruptData)

	_, err = DecodeSchedule(KindSimple, []byte(`{"repeat_count":`))
	assert.ErrorIs(t, err, ErrCorruptData)
	assert.NotErrorIs(t, err, ErrUnknownKind)
}

func TestCalendarCodec(t *testing.T) {
	cal := NewHolidayCalendar(time.UTC, time.Date(2023, 11, 15, 0, 0, 0, 0, time.UTC))
	cal.Desc = "holidays"
	kind, data, err := EncodeCalendar(cal)
	require.NoError(t, err)

	decoded, err := DecodeCalendar(kind, data)
	require.NoError(t, err)
	assert.Equal(t, "holidays", decoded.Description())
	assert.False(t, decoded.IsTimeIncluded(time.Date(2023, 11, 15, 6, 0, 0, 0, time.UTC)))
	assert.True(t, decoded.IsTimeIncluded(time.Date(2023, 11, 16, 6, 0, 0, 0, time.UTC)))
}

func TestJobDataCodec(t *testing.T) {
	m := NewJobDataMap()
	m.Put("owner", "ops")
	m.Put("batch", 9007199254740993)
	m.Put("retries", int64(3))

	data, err := EncodeJobData(m)
	require.NoError(t, err)
	decoded, err := DecodeJobData(data)
	require.NoError(t, err)

	assert.Equal(t, "ops", decoded.GetString("owner"))
	// 大整数解码后不丢精度
	batch, ok := decoded.GetInt64("batch")
	require.True(t, ok)
	assert.Equal(t, int64(9007199254740993), batch)
	retries, ok := decoded.GetInt64("retries")
	require.True(t, ok)
	assert.Equal(t, int64(3), retries)
	_, ok = decoded.GetInt64("owner")
	assert.False(t, ok)
	assert.False(t, decoded.Dirty())

	empty, err := DecodeJobData(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Len())
}
