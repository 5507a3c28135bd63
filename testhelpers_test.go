package jobstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	_const "github.com/TimeWtr/jobstore/const"
	"github.com/TimeWtr/jobstore/domain"
	"github.com/TimeWtr/jobstore/repository"
	"github.com/TimeWtr/jobstore/repository/dao"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// 存储精度为毫秒，测试时间必须对齐到毫秒
func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingSignaler struct {
	mu        sync.Mutex
	signals   []time.Time
	misfired  []domain.Key
	finalized []domain.Key
}

func (r *recordingSignaler) SignalSchedulingChange(candidate time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, candidate)
}

func (r *recordingSignaler) NotifyTriggerListenersMisfired(trigger *domain.Trigger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.misfired = append(r.misfired, trigger.Key)
}

func (r *recordingSignaler) NotifySchedulerListenersFinalized(trigger *domain.Trigger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalized = append(r.finalized, trigger.Key)
}

func (r *recordingSignaler) signalCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.signals)
}

// testEnv 同一个数据库文件上可以创建多个调度实例，模拟集群
type testEnv struct {
	t     *testing.T
	dsn   string
	clock *fakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	return &testEnv{
		t: t,
		dsn: "file:" + filepath.Join(t.TempDir(), "jobstore.db") +
			"?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate",
		clock: newFakeClock(),
	}
}

func (e *testEnv) openStore() *dao.GormStore {
	e.t.Helper()
	db, err := dao.Open(dao.DriverSQLite, e.dsn, dao.WithMaxOpenConn(1), dao.WithMaxIdleConn(1))
	require.NoError(e.t, err)
	require.NoError(e.t, dao.Migrate(db))
	e.t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return dao.NewGormStore(db, "test")
}

// exec 绕过存储层直接改写表数据，用于构造无法还原的记录
func (e *testEnv) exec(query string, args ...any) {
	e.t.Helper()
	db, err := dao.Open(dao.DriverSQLite, e.dsn, dao.WithMaxOpenConn(1), dao.WithMaxIdleConn(1))
	require.NoError(e.t, err)
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}()
	require.NoError(e.t, db.Exec(query, args...).Error)
}

func testConfig(instanceID string, clustered bool) Config {
	cfg := DefaultConfig()
	cfg.SchedulerName = "test"
	cfg.InstanceID = instanceID
	cfg.Clustered = clustered
	cfg.DBRetryInterval = 10 * time.Millisecond
	cfg.ShutdownTimeout = 5 * time.Second
	return cfg
}

func (e *testEnv) newJobStore(cfg Config, opts ...Options) (*JobStore, *recordingSignaler) {
	e.t.Helper()
	sig := &recordingSignaler{}
	opts = append([]Options{
		WithClock(e.clock),
		WithSignaler(sig),
		WithLogger(NewZapLogger(zaptest.NewLogger(e.t))),
	}, opts...)
	s, err := New(cfg, e.openStore(), opts...)
	require.NoError(e.t, err)
	e.t.Cleanup(func() { _ = s.Shutdown() })
	return s, sig
}

// newTestJobStore 非集群模式的单实例
func newTestJobStore(t *testing.T) (*JobStore, *fakeClock, *recordingSignaler) {
	env := newTestEnv(t)
	s, sig := env.newJobStore(testConfig("single", false))
	return s, env.clock, sig
}

// inStoreTx 绕过调度逻辑直接读写存储
func inStoreTx(t *testing.T, s *JobStore, fn func(tx repository.Tx)) {
	t.Helper()
	tx, err := s.store.Begin(context.Background())
	require.NoError(t, err)
	fn(tx)
	require.NoError(t, tx.Commit())
}

func testJob(name string) *domain.JobDetail {
	job := &domain.JobDetail{
		Key:     domain.NewKey(name, ""),
		JobType: "report",
		JobData: domain.NewJobDataMap(),
	}
	job.JobData.Put("owner", "ops")
	return job
}

func statefulJob(name string) *domain.JobDetail {
	job := testJob(name)
	job.ConcurrentExecutionDisallowed = true
	return job
}

// repeatTrigger 每分钟触发一次，首次触发时间为next
func repeatTrigger(name string, jobKey domain.Key, next time.Time) *domain.Trigger {
	trigger := domain.NewTrigger(domain.NewKey(name, ""), jobKey,
		domain.NewSimpleSchedule(time.Minute, domain.RepeatIndefinitely), next)
	trigger.NextFireTime = next
	return trigger
}

func onceTrigger(name string, jobKey domain.Key, next time.Time) *domain.Trigger {
	trigger := domain.NewTrigger(domain.NewKey(name, ""), jobKey, domain.NewOnceSchedule(), next)
	trigger.NextFireTime = next
	return trigger
}

func mustStoreJobAndTrigger(t *testing.T, s *JobStore, job *domain.JobDetail, trigger *domain.Trigger) {
	t.Helper()
	require.NoError(t, s.StoreJobAndTrigger(context.Background(), job, trigger))
}

func triggerState(t *testing.T, s *JobStore, key domain.Key) _const.TriggerState {
	t.Helper()
	state, err := s.GetTriggerState(context.Background(), key)
	require.NoError(t, err)
	return state
}

func firedRecords(t *testing.T, s *JobStore, key domain.Key) []*domain.FiredTrigger {
	t.Helper()
	var res []*domain.FiredTrigger
	inStoreTx(t, s, func(tx repository.Tx) {
		var err error
		res, err = s.store.SelectFiredTriggerRecords(tx, key)
		require.NoError(t, err)
	})
	return res
}

func schedulerStates(t *testing.T, s *JobStore) map[string]*domain.SchedulerState {
	t.Helper()
	res := map[string]*domain.SchedulerState{}
	inStoreTx(t, s, func(tx repository.Tx) {
		states, err := s.store.SelectSchedulerStates(tx)
		require.NoError(t, err)
		for _, st := range states {
			res[st.InstanceID] = st
		}
	})
	return res
}

// acquireAndFire 抢占并触发一个触发器
func acquireAndFire(t *testing.T, s *JobStore, noLaterThan time.Time) *domain.TriggerFiredBundle {
	t.Helper()
	ctx := context.Background()
	trigger, err := s.AcquireNextTrigger(ctx, noLaterThan)
	require.NoError(t, err)
	require.NotNil(t, trigger)
	bundle, err := s.TriggerFired(ctx, trigger)
	require.NoError(t, err)
	require.NotNil(t, bundle)
	return bundle
}
