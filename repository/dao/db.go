package dao

import (
	"context"
	"database/sql/driver"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"
)

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

type option struct {
	maxOpenConn     int
	maxIdleConn     int
	connMaxLifetime time.Duration
	logger          glogger.Interface
}

type Option func(*option)

func WithMaxOpenConn(maxOpenConn int) Option {
	return func(o *option) {
		o.maxOpenConn = maxOpenConn
	}
}

func WithMaxIdleConn(maxIdleConn int) Option {
	return func(o *option) {
		o.maxIdleConn = maxIdleConn
	}
}

func WithMaxLifetime(connMaxLifetime time.Duration) Option {
	return func(o *option) {
		o.connMaxLifetime = connMaxLifetime
	}
}

func WithLogger(logger glogger.Interface) Option {
	return func(o *option) {
		o.logger = logger
	}
}

// Open 打开数据库连接，driver支持mysql和sqlite
func Open(driverName, dsn string, opts ...Option) (*gorm.DB, error) {
	o := &option{
		maxOpenConn: 20,
		maxIdleConn: 10,
		logger:      glogger.Discard,
	}
	for _, opt := range opts {
		opt(o)
	}

	var dialector gorm.Dialector
	switch driverName {
	case DriverMySQL:
		dialector = mysql.Open(dsn)
	case DriverSQLite, "sqlite3":
		dialector = sqlite.Open(dsn)
	default:
		return nil, errors.Errorf("unsupported database driver %q", driverName)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		// 所有写操作都在显式事务中执行
		SkipDefaultTransaction: true,
		Logger:                 o.logger,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", driverName)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// 连接池配置
	sqlDB.SetMaxOpenConns(o.maxOpenConn)
	sqlDB.SetMaxIdleConns(o.maxIdleConn)
	sqlDB.SetConnMaxLifetime(o.connMaxLifetime)
	return db, nil
}

// Migrate 创建或更新所有表
func Migrate(db *gorm.DB) error {
	return errors.Wrap(db.AutoMigrate(Models()...), "migrate job store tables")
}

// IsTransient 判断错误是否为可重试的临时错误：锁等待超时、死锁、数据库忙以及超时
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var myErr *gomysql.MySQLError
	if errors.As(err, &myErr) {
		// 1205 锁等待超时，1213 死锁
		return myErr.Number == 1205 || myErr.Number == 1213
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}
	return false
}
