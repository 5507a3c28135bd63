package dao

import (
	"github.com/TimeWtr/jobstore/domain"
	"github.com/TimeWtr/jobstore/repository"
)

func (s *GormStore) toFiredModel(rec *domain.FiredTrigger) FiredTrigger {
	return FiredTrigger{
		SchedName:        s.schedName,
		EntryID:          rec.FireInstanceID,
		TriggerName:      rec.TriggerKey.Name,
		TriggerGroup:     rec.TriggerKey.Group,
		InstanceName:     rec.InstanceID,
		FiredTime:        toMillis(rec.FiredTime),
		SchedTime:        toMillis(rec.ScheduledTime),
		Priority:         rec.Priority,
		State:            rec.State,
		JobName:          rec.JobKey.Name,
		JobGroup:         rec.JobKey.Group,
		IsNonconcurrent:  rec.ConcurrentExecutionDisallowed,
		RequestsRecovery: rec.RequestsRecovery,
	}
}

func toFiredRecords(rows []FiredTrigger) []*domain.FiredTrigger {
	res := make([]*domain.FiredTrigger, 0, len(rows))
	for _, row := range rows {
		res = append(res, &domain.FiredTrigger{
			FireInstanceID:                row.EntryID,
			TriggerKey:                    domain.Key{Name: row.TriggerName, Group: row.TriggerGroup},
			JobKey:                        domain.Key{Name: row.JobName, Group: row.JobGroup},
			InstanceID:                    row.InstanceName,
			FiredTime:                     fromMillis(row.FiredTime),
			ScheduledTime:                 fromMillis(row.SchedTime),
			Priority:                      row.Priority,
			State:                         row.State,
			ConcurrentExecutionDisallowed: row.IsNonconcurrent,
			RequestsRecovery:              row.RequestsRecovery,
		})
	}
	return res
}

func (s *GormStore) InsertFiredTrigger(tx repository.Tx, record *domain.FiredTrigger) error {
	m := s.toFiredModel(record)
	return s.conn(tx).Create(&m).Error
}

func (s *GormStore) UpdateFiredTrigger(tx repository.Tx, record *domain.FiredTrigger) error {
	m := s.toFiredModel(record)
	return s.scoped(tx, &FiredTrigger{}).Where("entry_id = ?", m.EntryID).Updates(map[string]any{
		"instance_name":     m.InstanceName,
		"fired_time":        m.FiredTime,
		"sched_time":        m.SchedTime,
		"priority":          m.Priority,
		"state":             m.State,
		"job_name":          m.JobName,
		"job_group":         m.JobGroup,
		"is_nonconcurrent":  m.IsNonconcurrent,
		"requests_recovery": m.RequestsRecovery,
	}).Error
}

func (s *GormStore) DeleteFiredTrigger(tx repository.Tx, fireInstanceID string) (int64, error) {
	res := s.conn(tx).Where("sched_name = ? AND entry_id = ?", s.schedName, fireInstanceID).Delete(&FiredTrigger{})
	return res.RowsAffected, res.Error
}

func (s *GormStore) DeleteFiredTriggers(tx repository.Tx) (int64, error) {
	res := s.conn(tx).Where("sched_name = ?", s.schedName).Delete(&FiredTrigger{})
	return res.RowsAffected, res.Error
}

func (s *GormStore) DeleteFiredTriggersForInstance(tx repository.Tx, instanceID string) (int64, error) {
	res := s.conn(tx).Where("sched_name = ? AND instance_name = ?", s.schedName, instanceID).Delete(&FiredTrigger{})
	return res.RowsAffected, res.Error
}

func (s *GormStore) selectFired(tx repository.Tx, query string, args ...any) ([]*domain.FiredTrigger, error) {
	var rows []FiredTrigger
	db := s.scoped(tx, &FiredTrigger{})
	if query != "" {
		db = db.Where(query, args...)
	}
	if err := db.Order("fired_time ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return toFiredRecords(rows), nil
}

func (s *GormStore) SelectFiredTriggerRecords(tx repository.Tx, triggerKey domain.Key) ([]*domain.FiredTrigger, error) {
	return s.selectFired(tx, "trigger_name = ? AND trigger_group = ?", triggerKey.Name, triggerKey.Group)
}

func (s *GormStore) SelectFiredTriggerRecordsByJob(tx repository.Tx, jobKey domain.Key) ([]*domain.FiredTrigger, error) {
	return s.selectFired(tx, "job_name = ? AND job_group = ?", jobKey.Name, jobKey.Group)
}

func (s *GormStore) SelectInstancesFiredTriggerRecords(tx repository.Tx, instanceID string) ([]*domain.FiredTrigger, error) {
	return s.selectFired(tx, "instance_name = ?", instanceID)
}

func (s *GormStore) SelectAllFiredTriggerRecords(tx repository.Tx) ([]*domain.FiredTrigger, error) {
	return s.selectFired(tx, "")
}

func (s *GormStore) SelectFiredTriggerInstanceIDs(tx repository.Tx) ([]string, error) {
	var ids []string
	err := s.scoped(tx, &FiredTrigger{}).Distinct().Pluck("instance_name", &ids).Error
	return ids, err
}
