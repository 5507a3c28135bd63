package jobstore

import (
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	// AutoInstanceID 启动时生成实例ID
	AutoInstanceID = "AUTO"
	// NonClusteredInstanceID 非集群模式的默认实例ID
	NonClusteredInstanceID = "NON_CLUSTERED"

	envPrefix = "JOBSTORE"
)

// Config 调度存储的配置
type Config struct {
	// SchedulerName 同一个库中区分不同调度器的数据
	SchedulerName string `mapstructure:"scheduler_name"`
	// InstanceID 集群内唯一，AUTO表示使用主机名加启动时间
	InstanceID string `mapstructure:"instance_id"`
	Clustered  bool   `mapstructure:"clustered"`
	// CheckinInterval 集群心跳间隔
	CheckinInterval time.Duration `mapstructure:"checkin_interval"`
	// MisfireThreshold 超过下次触发时间多久视为错过触发
	MisfireThreshold time.Duration `mapstructure:"misfire_threshold"`
	// MaxMisfiresPerBatch 每轮最多处理的错过触发数量
	MaxMisfiresPerBatch int `mapstructure:"max_misfires_per_batch"`
	// DBRetryInterval 数据库操作失败后的重试间隔
	DBRetryInterval time.Duration `mapstructure:"db_retry_interval"`
	// LockOnInsert 写入Job和Trigger时是否加TRIGGER_ACCESS锁
	LockOnInsert bool `mapstructure:"lock_on_insert"`
	// UseDBLocks 非集群模式下也使用数据库行锁
	UseDBLocks bool `mapstructure:"use_db_locks"`
	// ShutdownTimeout 关闭时等待后台循环退出的最长时间
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	Database DatabaseConfig `mapstructure:"database"`
	// MetricsAddr 为空时不暴露指标
	MetricsAddr string `mapstructure:"metrics_addr"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

func DefaultConfig() Config {
	return Config{
		SchedulerName:       "JobStore",
		InstanceID:          NonClusteredInstanceID,
		CheckinInterval:     7500 * time.Millisecond,
		MisfireThreshold:    time.Minute,
		MaxMisfiresPerBatch: 20,
		DBRetryInterval:     15 * time.Second,
		LockOnInsert:        true,
		ShutdownTimeout:     30 * time.Second,
		Database: DatabaseConfig{
			Driver:       "sqlite",
			DSN:          "file:jobstore.db?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate",
			MaxOpenConns: 1,
			MaxIdleConns: 1,
		},
	}
}

// LoadConfig 读取配置文件，JOBSTORE_前缀的环境变量覆盖文件中的配置，path为空时只使用默认值和环境变量
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	def := DefaultConfig()
	v.SetDefault("scheduler_name", def.SchedulerName)
	v.SetDefault("instance_id", def.InstanceID)
	v.SetDefault("clustered", def.Clustered)
	v.SetDefault("checkin_interval", def.CheckinInterval)
	v.SetDefault("misfire_threshold", def.MisfireThreshold)
	v.SetDefault("max_misfires_per_batch", def.MaxMisfiresPerBatch)
	v.SetDefault("db_retry_interval", def.DBRetryInterval)
	v.SetDefault("lock_on_insert", def.LockOnInsert)
	v.SetDefault("use_db_locks", def.UseDBLocks)
	v.SetDefault("shutdown_timeout", def.ShutdownTimeout)
	v.SetDefault("database.driver", def.Database.Driver)
	v.SetDefault("database.dsn", def.Database.DSN)
	v.SetDefault("database.max_open_conns", def.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", def.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", def.Database.ConnMaxLifetime)
	v.SetDefault("metrics_addr", def.MetricsAddr)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "read config %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	return cfg, nil
}

// Validate 校验并补全配置
func (c *Config) Validate() error {
	if c.SchedulerName == "" {
		return errors.New("scheduler name cannot be empty")
	}
	if c.InstanceID == "" {
		c.InstanceID = NonClusteredInstanceID
	}
	if c.InstanceID == AutoInstanceID {
		c.InstanceID = generateInstanceID()
	}
	if c.MisfireThreshold < time.Millisecond {
		return errors.New("misfire threshold cannot be less than 1ms")
	}
	if c.Clustered && c.CheckinInterval <= 0 {
		return errors.New("checkin interval must be > 0 when clustered")
	}
	if c.MaxMisfiresPerBatch < 1 {
		return errors.New("max misfires per batch must be >= 1")
	}
	if c.DBRetryInterval <= 0 {
		return errors.New("db retry interval must be > 0")
	}
	return nil
}

func generateInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return uuid.NewString()
	}
	return host + "-" + uuid.NewString()[:8]
}
