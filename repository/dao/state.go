package dao

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/TimeWtr/jobstore/domain"
	"github.com/TimeWtr/jobstore/repository"
)

func (s *GormStore) InsertSchedulerState(tx repository.Tx, state *domain.SchedulerState) error {
	return s.conn(tx).Create(&SchedulerState{
		SchedName:       s.schedName,
		InstanceName:    state.InstanceID,
		LastCheckinTime: toMillis(state.LastCheckin),
		CheckinInterval: state.CheckinInterval.Milliseconds(),
		Recoverer:       state.Recoverer,
	}).Error
}

func (s *GormStore) UpdateSchedulerState(tx repository.Tx, instanceID string, checkin time.Time) (int64, error) {
	res := s.scoped(tx, &SchedulerState{}).Where("instance_name = ?", instanceID).
		Update("last_checkin_time", toMillis(checkin))
	return res.RowsAffected, res.Error
}

func (s *GormStore) UpdateSchedulerRecoverer(tx repository.Tx, instanceID, recoverer string) (int64, error) {
	res := s.scoped(tx, &SchedulerState{}).
		Where("instance_name = ? AND (recoverer IS NULL OR recoverer = '')", instanceID).
		Update("recoverer", recoverer)
	return res.RowsAffected, res.Error
}

func (s *GormStore) DeleteSchedulerState(tx repository.Tx, instanceID string) (int64, error) {
	res := s.conn(tx).Where("sched_name = ? AND instance_name = ?", s.schedName, instanceID).
		Delete(&SchedulerState{})
	return res.RowsAffected, res.Error
}

func (s *GormStore) SelectSchedulerStates(tx repository.Tx) ([]*domain.SchedulerState, error) {
	var rows []SchedulerState
	if err := s.scoped(tx, &SchedulerState{}).Order("instance_name").Find(&rows).Error; err != nil {
		return nil, err
	}
	res := make([]*domain.SchedulerState, 0, len(rows))
	for _, row := range rows {
		res = append(res, &domain.SchedulerState{
			InstanceID:      row.InstanceName,
			LastCheckin:     fromMillis(row.LastCheckinTime),
			CheckinInterval: time.Duration(row.CheckinInterval) * time.Millisecond,
			Recoverer:       row.Recoverer,
		})
	}
	return res, nil
}

func (s *GormStore) calendarScope(tx repository.Tx, name string) *gorm.DB {
	return s.scoped(tx, &Calendar{}).Where("calendar_name = ?", name)
}

func (s *GormStore) InsertCalendar(tx repository.Tx, name string, cal domain.Calendar) error {
	kind, data, err := domain.EncodeCalendar(cal)
	if err != nil {
		return err
	}
	return s.conn(tx).Create(&Calendar{
		SchedName:    s.schedName,
		CalendarName: name,
		Kind:         kind,
		Data:         data,
	}).Error
}

func (s *GormStore) UpdateCalendar(tx repository.Tx, name string, cal domain.Calendar) (int64, error) {
	kind, data, err := domain.EncodeCalendar(cal)
	if err != nil {
		return 0, err
	}
	res := s.calendarScope(tx, name).Updates(map[string]any{
		"calendar_type": kind,
		"calendar":      data,
	})
	return res.RowsAffected, res.Error
}

func (s *GormStore) DeleteCalendar(tx repository.Tx, name string) (bool, error) {
	res := s.conn(tx).Where("sched_name = ? AND calendar_name = ?", s.schedName, name).Delete(&Calendar{})
	return res.RowsAffected > 0, res.Error
}

func (s *GormStore) CalendarExists(tx repository.Tx, name string) (bool, error) {
	return s.exists(s.calendarScope(tx, name))
}

func (s *GormStore) SelectCalendar(tx repository.Tx, name string) (domain.Calendar, error) {
	var rows []Calendar
	if err := s.calendarScope(tx, name).Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return domain.DecodeCalendar(rows[0].Kind, rows[0].Data)
}

func (s *GormStore) CalendarIsReferenced(tx repository.Tx, name string) (bool, error) {
	return s.exists(s.scoped(tx, &Trigger{}).Where("calendar_name = ?", name))
}

func (s *GormStore) InsertPausedTriggerGroup(tx repository.Tx, group string) error {
	return s.conn(tx).Create(&PausedTriggerGroup{SchedName: s.schedName, TriggerGroup: group}).Error
}

func (s *GormStore) DeletePausedTriggerGroup(tx repository.Tx, group string) (int64, error) {
	res := s.conn(tx).Where("sched_name = ? AND trigger_group = ?", s.schedName, group).
		Delete(&PausedTriggerGroup{})
	return res.RowsAffected, res.Error
}

func (s *GormStore) DeleteAllPausedTriggerGroups(tx repository.Tx) (int64, error) {
	res := s.conn(tx).Where("sched_name = ?", s.schedName).Delete(&PausedTriggerGroup{})
	return res.RowsAffected, res.Error
}

func (s *GormStore) IsTriggerGroupPaused(tx repository.Tx, group string) (bool, error) {
	return s.exists(s.scoped(tx, &PausedTriggerGroup{}).Where("trigger_group = ?", group))
}

func (s *GormStore) SelectPausedTriggerGroups(tx repository.Tx) ([]string, error) {
	var groups []string
	err := s.scoped(tx, &PausedTriggerGroup{}).Order("trigger_group").Pluck("trigger_group", &groups).Error
	return groups, err
}

// LockRow SELECT ... FOR UPDATE，SQLite方言会忽略FOR UPDATE，由数据库级写锁保证互斥
func (s *GormStore) LockRow(tx repository.Tx, name string) (bool, error) {
	var rows []Lock
	err := s.conn(tx).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("sched_name = ? AND lock_name = ?", s.schedName, name).
		Find(&rows).Error
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func (s *GormStore) InsertLockRow(tx repository.Tx, name string) error {
	return s.conn(tx).Create(&Lock{SchedName: s.schedName, LockName: name}).Error
}
