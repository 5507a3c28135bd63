package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	glogger "gorm.io/gorm/logger"

	"github.com/TimeWtr/jobstore"
	"github.com/TimeWtr/jobstore/domain"
	"github.com/TimeWtr/jobstore/repository/dao"
)

var configFile = flag.String("f", "", "the config file")

func main() {
	flag.Parse()
	cfg, err := jobstore.LoadConfig(*configFile)
	if err != nil {
		log.Fatal(err)
	}
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	if err = run(cfg, logger); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("job store exited", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

func run(cfg jobstore.Config, logger *zap.Logger) error {
	db, err := dao.Open(cfg.Database.Driver, cfg.Database.DSN,
		dao.WithMaxOpenConn(cfg.Database.MaxOpenConns),
		dao.WithMaxIdleConn(cfg.Database.MaxIdleConns),
		dao.WithMaxLifetime(cfg.Database.ConnMaxLifetime),
		dao.WithLogger(dao.NewGormLogger(logger.Named("gorm"), glogger.Warn, time.Second)))
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return errors.Wrap(err, "get sql db")
	}
	defer sqlDB.Close()
	if err = dao.Migrate(db); err != nil {
		return err
	}

	store, err := jobstore.New(cfg, dao.NewGormStore(db, cfg.SchedulerName),
		jobstore.WithLogger(jobstore.NewZapLogger(logger)),
		jobstore.WithSignaler(&logSignaler{logger: logger.Named("signal")}),
		jobstore.WithTransientPredicate(dao.IsTransient))
	if err != nil {
		return err
	}

	var srv *http.Server
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		if err = jobstore.RegisterMetrics(reg); err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}))
		srv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err = store.SchedulerStarted(ctx); err != nil {
		return err
	}
	logger.Info("job store running",
		zap.String("instance", store.InstanceID()), zap.Bool("clustered", store.Clustered()))

	<-ctx.Done()
	logger.Info("shutting down job store...")
	err = store.Shutdown()
	if srv != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancelShutdown()
		err = multierr.Append(err, srv.Shutdown(shutdownCtx))
	}
	return err
}

// logSignaler 独立运行时没有调度线程，只记录通知
type logSignaler struct {
	logger *zap.Logger
}

func (l *logSignaler) SignalSchedulingChange(candidate time.Time) {
	l.logger.Debug("scheduling change", zap.Time("candidate", candidate))
}

func (l *logSignaler) NotifyTriggerListenersMisfired(trigger *domain.Trigger) {
	l.logger.Info("trigger misfired", zap.Stringer("trigger", trigger.Key))
}

func (l *logSignaler) NotifySchedulerListenersFinalized(trigger *domain.Trigger) {
	l.logger.Info("trigger finalized", zap.Stringer("trigger", trigger.Key))
}
