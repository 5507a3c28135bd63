package domain

import (
	"sort"
	"time"
)

const KindHoliday = "HOLIDAY"

const dateLayout = "2006-01-02"

// Calendar 从触发器的调度中排除部分时间，一经读取不再修改
type Calendar interface {
	// Kind 持久化时使用的类型标识
	Kind() string
	Description() string
	IsTimeIncluded(t time.Time) bool
	// NextIncludedTime 返回t之后第一个未被排除的时间
	NextIncludedTime(t time.Time) time.Time
}

// HolidayCalendar 按天排除
type HolidayCalendar struct {
	Desc          string   `json:"description,omitempty"`
	TimeZone      string   `json:"time_zone,omitempty"`
	ExcludedDates []string `json:"excluded_dates"`

	excluded map[string]struct{}
	loc      *time.Location
}

func NewHolidayCalendar(loc *time.Location, days ...time.Time) *HolidayCalendar {
	h := &HolidayCalendar{}
	if loc != nil {
		h.TimeZone = loc.String()
	}
	for _, d := range days {
		h.AddExcludedDate(d)
	}
	return h
}

func (h *HolidayCalendar) init() {
	if h.excluded != nil {
		return
	}
	h.loc = time.Local
	if h.TimeZone != "" {
		if loc, err := time.LoadLocation(h.TimeZone); err == nil {
			h.loc = loc
		}
	}
	h.excluded = make(map[string]struct{}, len(h.ExcludedDates))
	for _, d := range h.ExcludedDates {
		h.excluded[d] = struct{}{}
	}
}

func (h *HolidayCalendar) AddExcludedDate(day time.Time) {
	h.init()
	d := day.In(h.loc).Format(dateLayout)
	if _, ok := h.excluded[d]; ok {
		return
	}
	h.excluded[d] = struct{}{}
	h.ExcludedDates = append(h.ExcludedDates, d)
	sort.Strings(h.ExcludedDates)
}

func (h *HolidayCalendar) Kind() string { return KindHoliday }

func (h *HolidayCalendar) Description() string { return h.Desc }

func (h *HolidayCalendar) IsTimeIncluded(t time.Time) bool {
	h.init()
	_, ok := h.excluded[t.In(h.loc).Format(dateLayout)]
	return !ok
}

func (h *HolidayCalendar) NextIncludedTime(t time.Time) time.Time {
	h.init()
	local := t.In(h.loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, h.loc)
	next := t.Add(time.Millisecond)
	for !h.IsTimeIncluded(next) {
		day = day.AddDate(0, 0, 1)
		next = day
		if next.Year() > maxFireYear {
			return time.Time{}
		}
	}
	return next
}
