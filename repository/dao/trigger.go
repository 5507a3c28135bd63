package dao

import (
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	_const "github.com/TimeWtr/jobstore/const"
	"github.com/TimeWtr/jobstore/domain"
	"github.com/TimeWtr/jobstore/repository"
)

func (s *GormStore) triggerScope(tx repository.Tx, key domain.Key) *gorm.DB {
	return s.scoped(tx, &Trigger{}).Where("trigger_name = ? AND trigger_group = ?", key.Name, key.Group)
}

func (s *GormStore) jobTriggersScope(tx repository.Tx, jobKey domain.Key) *gorm.DB {
	return s.scoped(tx, &Trigger{}).Where("job_name = ? AND job_group = ?", jobKey.Name, jobKey.Group)
}

func (s *GormStore) toTriggerModel(t *domain.Trigger, state _const.TriggerState) (Trigger, error) {
	kind, schedule, err := domain.EncodeSchedule(t.Schedule)
	if err != nil {
		return Trigger{}, err
	}
	data, err := domain.EncodeJobData(t.JobData)
	if err != nil {
		return Trigger{}, err
	}
	return Trigger{
		SchedName:    s.schedName,
		TriggerName:  t.Key.Name,
		TriggerGroup: t.Key.Group,
		JobName:      t.JobKey.Name,
		JobGroup:     t.JobKey.Group,
		Description:  t.Description,
		NextFireTime: toMillis(t.NextFireTime),
		PrevFireTime: toMillis(t.PreviousFireTime),
		Priority:     t.Priority,
		State:        state,
		Kind:         kind,
		StartTime:    toMillis(t.StartTime),
		EndTime:      toMillis(t.EndTime),
		CalendarName: t.CalendarName,
		MisfireInstr: int(t.MisfireInstruction),
		ScheduleData: schedule,
		JobData:      data,
	}, nil
}

func toDomainTrigger(m Trigger) (*domain.Trigger, error) {
	schedule, err := domain.DecodeSchedule(m.Kind, m.ScheduleData)
	if err != nil {
		return nil, errors.Wrapf(err, "trigger %s.%s", m.TriggerGroup, m.TriggerName)
	}
	data, err := domain.DecodeJobData(m.JobData)
	if err != nil {
		return nil, errors.Wrapf(err, "trigger %s.%s", m.TriggerGroup, m.TriggerName)
	}
	return &domain.Trigger{
		Key:                domain.Key{Name: m.TriggerName, Group: m.TriggerGroup},
		JobKey:             domain.Key{Name: m.JobName, Group: m.JobGroup},
		Description:        m.Description,
		Priority:           m.Priority,
		CalendarName:       m.CalendarName,
		StartTime:          fromMillis(m.StartTime),
		EndTime:            fromMillis(m.EndTime),
		NextFireTime:       fromMillis(m.NextFireTime),
		PreviousFireTime:   fromMillis(m.PrevFireTime),
		MisfireInstruction: _const.MisfireInstruction(m.MisfireInstr),
		JobData:            data,
		Schedule:           schedule,
	}, nil
}

func triggerKeys(rows []Trigger) []domain.Key {
	keys := make([]domain.Key, 0, len(rows))
	for _, row := range rows {
		keys = append(keys, domain.Key{Name: row.TriggerName, Group: row.TriggerGroup})
	}
	return keys
}

func (s *GormStore) InsertTrigger(tx repository.Tx, trigger *domain.Trigger, state _const.TriggerState) error {
	m, err := s.toTriggerModel(trigger, state)
	if err != nil {
		return err
	}
	return s.conn(tx).Create(&m).Error
}

func (s *GormStore) UpdateTrigger(tx repository.Tx, trigger *domain.Trigger, state _const.TriggerState) error {
	m, err := s.toTriggerModel(trigger, state)
	if err != nil {
		return err
	}
	return s.triggerScope(tx, trigger.Key).Updates(map[string]any{
		"job_name":       m.JobName,
		"job_group":      m.JobGroup,
		"description":    m.Description,
		"next_fire_time": m.NextFireTime,
		"prev_fire_time": m.PrevFireTime,
		"priority":       m.Priority,
		"trigger_state":  m.State,
		"trigger_type":   m.Kind,
		"start_time":     m.StartTime,
		"end_time":       m.EndTime,
		"calendar_name":  m.CalendarName,
		"misfire_instr":  m.MisfireInstr,
		"schedule_data":  m.ScheduleData,
		"job_data":       m.JobData,
	}).Error
}

func (s *GormStore) DeleteTrigger(tx repository.Tx, key domain.Key) (bool, error) {
	res := s.conn(tx).
		Where("sched_name = ? AND trigger_name = ? AND trigger_group = ?", s.schedName, key.Name, key.Group).
		Delete(&Trigger{})
	return res.RowsAffected > 0, res.Error
}

func (s *GormStore) TriggerExists(tx repository.Tx, key domain.Key) (bool, error) {
	return s.exists(s.triggerScope(tx, key))
}

func (s *GormStore) SelectTrigger(tx repository.Tx, key domain.Key) (*domain.Trigger, error) {
	var rows []Trigger
	if err := s.triggerScope(tx, key).Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return toDomainTrigger(rows[0])
}

func (s *GormStore) SelectTriggerState(tx repository.Tx, key domain.Key) (_const.TriggerState, error) {
	var rows []Trigger
	if err := s.triggerScope(tx, key).Select("trigger_state").Limit(1).Find(&rows).Error; err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return _const.StateDeleted, nil
	}
	return rows[0].State, nil
}

func (s *GormStore) SelectTriggerStatus(tx repository.Tx, key domain.Key) (*domain.TriggerStatus, error) {
	var rows []Trigger
	err := s.triggerScope(tx, key).
		Select("trigger_state", "next_fire_time", "job_name", "job_group").
		Limit(1).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &domain.TriggerStatus{
		Key:          key,
		JobKey:       domain.Key{Name: rows[0].JobName, Group: rows[0].JobGroup},
		State:        rows[0].State,
		NextFireTime: fromMillis(rows[0].NextFireTime),
	}, nil
}

func (s *GormStore) SelectTriggerKeysInGroup(tx repository.Tx, group string) ([]domain.Key, error) {
	var rows []Trigger
	err := s.scoped(tx, &Trigger{}).Where("trigger_group = ?", group).
		Select("trigger_name", "trigger_group").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return triggerKeys(rows), nil
}

func (s *GormStore) SelectTriggerGroupNames(tx repository.Tx) ([]string, error) {
	var groups []string
	err := s.scoped(tx, &Trigger{}).Distinct().Order("trigger_group").Pluck("trigger_group", &groups).Error
	return groups, err
}

func (s *GormStore) SelectTriggersInState(tx repository.Tx, state _const.TriggerState, limit int) ([]domain.Key, error) {
	query := s.scoped(tx, &Trigger{}).Where("trigger_state = ?", state).
		Select("trigger_name", "trigger_group").
		Order("next_fire_time ASC, priority DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []Trigger
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return triggerKeys(rows), nil
}

func (s *GormStore) SelectTriggerKeysForJob(tx repository.Tx, jobKey domain.Key) ([]domain.Key, error) {
	var rows []Trigger
	if err := s.jobTriggersScope(tx, jobKey).Select("trigger_name", "trigger_group").Find(&rows).Error; err != nil {
		return nil, err
	}
	return triggerKeys(rows), nil
}

func (s *GormStore) SelectTriggersForCalendar(tx repository.Tx, calendarName string) ([]*domain.Trigger, error) {
	var rows []Trigger
	if err := s.scoped(tx, &Trigger{}).Where("calendar_name = ?", calendarName).Find(&rows).Error; err != nil {
		return nil, err
	}
	res := make([]*domain.Trigger, 0, len(rows))
	for _, row := range rows {
		trigger, err := toDomainTrigger(row)
		if err != nil {
			return nil, err
		}
		res = append(res, trigger)
	}
	return res, nil
}

func (s *GormStore) SelectTriggerToAcquire(tx repository.Tx, noLaterThan, noEarlierThan time.Time,
	maxCount int) ([]domain.Key, error) {
	if maxCount < 1 {
		maxCount = 1
	}
	var rows []Trigger
	err := s.scoped(tx, &Trigger{}).
		Where("trigger_state = ? AND next_fire_time > 0 AND next_fire_time <= ?",
			_const.StateWaiting, noLaterThan.UnixMilli()).
		Where("misfire_instr = ? OR next_fire_time >= ?",
			int(_const.MisfireIgnore), noEarlierThan.UnixMilli()).
		Select("trigger_name", "trigger_group").
		Order("next_fire_time ASC, priority DESC").
		Limit(maxCount).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return triggerKeys(rows), nil
}

func (s *GormStore) SelectTriggerJobData(tx repository.Tx, key domain.Key) (*domain.JobDataMap, error) {
	var rows []Trigger
	if err := s.triggerScope(tx, key).Select("job_data").Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return domain.NewJobDataMap(), nil
	}
	return domain.DecodeJobData(rows[0].JobData)
}

func (s *GormStore) SelectNumTriggersForJob(tx repository.Tx, jobKey domain.Key) (int64, error) {
	var count int64
	err := s.jobTriggersScope(tx, jobKey).Count(&count).Error
	return count, err
}

func (s *GormStore) UpdateTriggerState(tx repository.Tx, key domain.Key, state _const.TriggerState) (int64, error) {
	res := s.triggerScope(tx, key).Update("trigger_state", state)
	return res.RowsAffected, res.Error
}

// UpdateTriggerStateFromOtherStates 只有当前状态属于oldStates时才更新，抢占触发器依赖这里的返回行数
func (s *GormStore) UpdateTriggerStateFromOtherStates(tx repository.Tx, key domain.Key,
	newState _const.TriggerState, oldStates ..._const.TriggerState) (int64, error) {
	res := s.triggerScope(tx, key).Where("trigger_state IN ?", oldStates).Update("trigger_state", newState)
	return res.RowsAffected, res.Error
}

func (s *GormStore) UpdateTriggerGroupStateFromOtherStates(tx repository.Tx, group string,
	newState _const.TriggerState, oldStates ..._const.TriggerState) (int64, error) {
	res := s.scoped(tx, &Trigger{}).
		Where("trigger_group = ? AND trigger_state IN ?", group, oldStates).
		Update("trigger_state", newState)
	return res.RowsAffected, res.Error
}

func (s *GormStore) UpdateTriggerStatesForJob(tx repository.Tx, jobKey domain.Key,
	state _const.TriggerState) (int64, error) {
	res := s.jobTriggersScope(tx, jobKey).Update("trigger_state", state)
	return res.RowsAffected, res.Error
}

func (s *GormStore) UpdateTriggerStatesForJobFromOtherState(tx repository.Tx, jobKey domain.Key,
	newState, oldState _const.TriggerState) (int64, error) {
	res := s.jobTriggersScope(tx, jobKey).Where("trigger_state = ?", oldState).Update("trigger_state", newState)
	return res.RowsAffected, res.Error
}

func (s *GormStore) UpdateTriggerStatesFromOtherStates(tx repository.Tx, newState _const.TriggerState,
	oldStates ..._const.TriggerState) (int64, error) {
	res := s.scoped(tx, &Trigger{}).Where("trigger_state IN ?", oldStates).Update("trigger_state", newState)
	return res.RowsAffected, res.Error
}

func (s *GormStore) misfiredScope(tx repository.Tx, before time.Time) *gorm.DB {
	return s.scoped(tx, &Trigger{}).
		Where("trigger_state = ? AND misfire_instr <> ? AND next_fire_time > 0 AND next_fire_time < ?",
			_const.StateWaiting, int(_const.MisfireIgnore), before.UnixMilli())
}

func (s *GormStore) ReclassifyMisfiredBefore(tx repository.Tx, before time.Time) (int64, error) {
	res := s.misfiredScope(tx, before).Update("trigger_state", _const.StateMisfired)
	return res.RowsAffected, res.Error
}

func (s *GormStore) HasMisfiredTriggers(tx repository.Tx, before time.Time) (bool, error) {
	var rows []Trigger
	err := s.scoped(tx, &Trigger{}).
		Where("(trigger_state = ? AND misfire_instr <> ? AND next_fire_time > 0 AND next_fire_time < ?) "+
			"OR trigger_state = ?",
			_const.StateWaiting, int(_const.MisfireIgnore), before.UnixMilli(), _const.StateMisfired).
		Select("trigger_name").Limit(1).Find(&rows).Error
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}
