package dao

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/TimeWtr/jobstore/domain"
	"github.com/TimeWtr/jobstore/repository"
)

var _ repository.Store = (*GormStore)(nil)

// GormStore 基于gorm的存储实现，同一个库中可以存放多个调度器的数据，按sched_name隔离
type GormStore struct {
	db        *gorm.DB
	schedName string
}

func NewGormStore(db *gorm.DB, schedName string) *GormStore {
	return &GormStore{db: db, schedName: schedName}
}

type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) Commit() error {
	return t.db.Commit().Error
}

func (t *gormTx) Rollback() error {
	err := t.db.Rollback().Error
	if errors.Is(err, gorm.ErrInvalidTransaction) {
		// 已经提交或回滚
		return nil
	}
	return err
}

func (s *GormStore) Begin(ctx context.Context) (repository.Tx, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, errors.Wrap(tx.Error, "begin transaction")
	}
	return &gormTx{db: tx}, nil
}

func (s *GormStore) conn(tx repository.Tx) *gorm.DB {
	t, ok := tx.(*gormTx)
	if !ok {
		panic(fmt.Sprintf("dao: transaction %T was not created by GormStore", tx))
	}
	return t.db
}

// scoped 返回限定在当前调度器下的查询
func (s *GormStore) scoped(tx repository.Tx, model any) *gorm.DB {
	return s.conn(tx).Model(model).Where("sched_name = ?", s.schedName)
}

func (s *GormStore) exists(db *gorm.DB) (bool, error) {
	var count int64
	if err := db.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (s *GormStore) toJobModel(job *domain.JobDetail) (Job, error) {
	data, err := domain.EncodeJobData(job.JobData)
	if err != nil {
		return Job{}, err
	}
	return Job{
		SchedName:        s.schedName,
		JobName:          job.Key.Name,
		JobGroup:         job.Key.Group,
		Description:      job.Description,
		JobType:          job.JobType,
		IsDurable:        job.Durable,
		IsNonconcurrent:  job.ConcurrentExecutionDisallowed,
		IsUpdateData:     job.PersistJobDataAfterExecution,
		RequestsRecovery: job.RequestsRecovery,
		JobData:          data,
	}, nil
}

func toJobDetail(m Job) (*domain.JobDetail, error) {
	data, err := domain.DecodeJobData(m.JobData)
	if err != nil {
		return nil, errors.Wrapf(err, "job %s.%s", m.JobGroup, m.JobName)
	}
	return &domain.JobDetail{
		Key:                           domain.Key{Name: m.JobName, Group: m.JobGroup},
		Description:                   m.Description,
		JobType:                       m.JobType,
		Durable:                       m.IsDurable,
		ConcurrentExecutionDisallowed: m.IsNonconcurrent,
		PersistJobDataAfterExecution:  m.IsUpdateData,
		RequestsRecovery:              m.RequestsRecovery,
		JobData:                       data,
	}, nil
}

func (s *GormStore) jobScope(tx repository.Tx, key domain.Key) *gorm.DB {
	return s.scoped(tx, &Job{}).Where("job_name = ? AND job_group = ?", key.Name, key.Group)
}

func (s *GormStore) InsertJob(tx repository.Tx, job *domain.JobDetail) error {
	m, err := s.toJobModel(job)
	if err != nil {
		return err
	}
	return s.conn(tx).Create(&m).Error
}

func (s *GormStore) UpdateJob(tx repository.Tx, job *domain.JobDetail) (int64, error) {
	m, err := s.toJobModel(job)
	if err != nil {
		return 0, err
	}
	res := s.jobScope(tx, job.Key).Updates(map[string]any{
		"description":       m.Description,
		"job_type":          m.JobType,
		"is_durable":        m.IsDurable,
		"is_nonconcurrent":  m.IsNonconcurrent,
		"is_update_data":    m.IsUpdateData,
		"requests_recovery": m.RequestsRecovery,
		"job_data":          m.JobData,
	})
	return res.RowsAffected, res.Error
}

func (s *GormStore) UpdateJobData(tx repository.Tx, job *domain.JobDetail) error {
	data, err := domain.EncodeJobData(job.JobData)
	if err != nil {
		return err
	}
	return s.jobScope(tx, job.Key).Update("job_data", data).Error
}

func (s *GormStore) DeleteJob(tx repository.Tx, key domain.Key) (bool, error) {
	res := s.conn(tx).
		Where("sched_name = ? AND job_name = ? AND job_group = ?", s.schedName, key.Name, key.Group).
		Delete(&Job{})
	return res.RowsAffected > 0, res.Error
}

func (s *GormStore) JobExists(tx repository.Tx, key domain.Key) (bool, error) {
	return s.exists(s.jobScope(tx, key))
}

func (s *GormStore) SelectJob(tx repository.Tx, key domain.Key) (*domain.JobDetail, error) {
	var rows []Job
	if err := s.jobScope(tx, key).Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return toJobDetail(rows[0])
}

func (s *GormStore) SelectJobForTrigger(tx repository.Tx, triggerKey domain.Key) (*domain.JobDetail, error) {
	var rows []Trigger
	err := s.triggerScope(tx, triggerKey).Select("job_name", "job_group").Limit(1).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return s.SelectJob(tx, domain.Key{Name: rows[0].JobName, Group: rows[0].JobGroup})
}

func (s *GormStore) ClearData(tx repository.Tx) error {
	db := s.conn(tx)
	for _, model := range []any{&FiredTrigger{}, &Trigger{}, &Job{}, &Calendar{}, &PausedTriggerGroup{}} {
		if err := db.Where("sched_name = ?", s.schedName).Delete(model).Error; err != nil {
			return err
		}
	}
	return nil
}
