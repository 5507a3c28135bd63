package jobstore

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/TimeWtr/jobstore/repository"
)

// Clock 时间来源
type Clock interface {
	Now() time.Time
	Since(time.Time) time.Duration
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

type Options func(s *JobStore)

func WithLogger(logger Logger) Options {
	return func(s *JobStore) {
		s.logger = logger
	}
}

func WithSignaler(signaler Signaler) Options {
	return func(s *JobStore) {
		s.signaler = signaler
	}
}

// WithTypeResolver 设置后读取Job时会校验任务类型能否解析
func WithTypeResolver(resolver TypeResolver) Options {
	return func(s *JobStore) {
		s.resolver = resolver
	}
}

// WithSemaphore 自定义锁实现，集群模式下必须是数据库锁
func WithSemaphore(lock Semaphore) Options {
	return func(s *JobStore) {
		s.lock = lock
	}
}

// WithTransientPredicate 判断存储错误是否可重试
func WithTransientPredicate(fn func(error) bool) Options {
	return func(s *JobStore) {
		s.isTransient = fn
	}
}

func WithClock(clock Clock) Options {
	return func(s *JobStore) {
		s.clock = clock
	}
}

// JobStore 持久化的调度核心：触发器状态机、抢占、错过触发修复以及集群故障恢复
type JobStore struct {
	cfg         Config
	store       repository.Store
	lock        Semaphore
	signaler    Signaler
	resolver    TypeResolver
	logger      Logger
	loopLogger  *throttledLogger
	clock       Clock
	isTransient func(error) bool
	calendars   *calendarCache

	// 触发记录ID的自增部分
	fireSeq atomic.Int64

	schedulerRunning atomic.Bool
	shutdown         atomic.Bool

	// 集群心跳状态，只在心跳中修改
	checkinMu    sync.Mutex
	firstCheckin bool
	lastCheckin  time.Time

	cancel context.CancelFunc
	group  *errgroup.Group
}

func New(cfg Config, store repository.Store, opts ...Options) (*JobStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &JobStore{
		cfg:          cfg,
		store:        store,
		signaler:     noopSignaler{},
		clock:        realClock{},
		firstCheckin: true,
		isTransient: func(err error) bool {
			return errors.Is(err, context.DeadlineExceeded)
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = NewZapLogger(zap.NewNop())
	}
	s.loopLogger = newThrottledLogger(s.logger, cfg.DBRetryInterval)

	switch {
	case s.lock == nil && (cfg.Clustered || cfg.UseDBLocks):
		s.lock = NewRowLockSemaphore(store, s.logger)
	case s.lock == nil:
		s.lock = NewSimpleSemaphore(s.logger)
	case cfg.Clustered && !s.lock.RequiresConnection():
		// 进程内的锁无法在实例之间互斥
		s.logger.Warn("in-memory semaphore cannot be used when clustered, using db row locks")
		s.lock = NewRowLockSemaphore(store, s.logger)
	}

	ttl := time.Duration(0)
	if cfg.Clustered {
		ttl = cfg.CheckinInterval
	}
	s.calendars = newCalendarCache(ttl)

	now := s.clock.Now()
	s.lastCheckin = now
	s.fireSeq.Store(now.UnixMilli())
	return s, nil
}

func (s *JobStore) InstanceID() string {
	return s.cfg.InstanceID
}

func (s *JobStore) Clustered() bool {
	return s.cfg.Clustered
}

// nextFireInstanceID 实例ID加自增序号，集群内唯一
func (s *JobStore) nextFireInstanceID() string {
	return s.cfg.InstanceID + "_" + strconv.FormatInt(s.fireSeq.Add(1), 10)
}

func (s *JobStore) misfireTime() time.Time {
	return s.clock.Now().Add(-s.cfg.MisfireThreshold)
}

// SchedulerStarted 调度器启动：集群模式下先同步完成一次心跳和故障恢复，
// 非集群模式下恢复上次运行遗留的状态，然后启动后台循环
func (s *JobStore) SchedulerStarted(ctx context.Context) error {
	if s.shutdown.Load() {
		return ErrShutdown
	}
	if s.cfg.Clustered {
		if _, err := s.doCheckin(ctx); err != nil {
			s.logger.Error("initial cluster checkin failed, will retry", Error(err))
		}
	} else if err := s.recoverJobs(ctx); err != nil {
		return errors.Wrap(err, "recover jobs")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(loopCtx)
	s.cancel = cancel
	s.group = g
	if s.cfg.Clustered {
		g.Go(func() error {
			s.clusterLoop(gctx)
			return nil
		})
	}
	g.Go(func() error {
		s.misfireLoop(gctx)
		return nil
	})
	s.schedulerRunning.Store(true)
	s.logger.Info("job store started",
		String("instance", s.cfg.InstanceID),
		Field{Key: "clustered", Val: s.cfg.Clustered})
	return nil
}

func (s *JobStore) SchedulerPaused() {
	s.schedulerRunning.Store(false)
}

func (s *JobStore) SchedulerResumed() {
	s.schedulerRunning.Store(true)
}

// Shutdown 停止后台循环并等待退出，进行中的事务会执行完成
func (s *JobStore) Shutdown() error {
	if !s.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	s.schedulerRunning.Store(false)
	if s.cancel == nil {
		return nil
	}
	s.cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.group.Wait()
	}()
	timer := time.NewTimer(s.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return errors.Errorf("background loops did not stop within %s", s.cfg.ShutdownTimeout)
	}
}
