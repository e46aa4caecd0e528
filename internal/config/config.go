package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// AppConfig 汇总运行服务所需的基础配置。
type AppConfig struct {
	ListenAddr        string `env:"LISTEN_ADDR"`
	Port              string `env:"PORT" envDefault:"8080"`
	DatabaseDriver    string `env:"DATABASE_DRIVER" envDefault:"sqlite"`
	DatabasePath      string `env:"DATABASE_PATH" envDefault:"habitlevel.db"`
	DatabaseDSN       string `env:"DATABASE_DSN"`
	SessionSecret     string `env:"SESSION_SECRET" envDefault:"habitlevel-dev-secret"`
	GinMode           string `env:"GIN_MODE" envDefault:"release"`
	SuperRootUserName string `env:"SUPER_ROOT_USER_NAME"`
	SuperRootPassword string `env:"SUPER_ROOT_PASSWORD"`
	LogLevel          string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile           string `env:"LOG_FILE"`

	Reset ResetConfig
	Redis RedisConfig
	Kafka KafkaConfig
}

// ResetConfig 控制每日重置任务的节奏
type ResetConfig struct {
	Interval time.Duration `env:"RESET_INTERVAL" envDefault:"1h"`
	// TestMode 打开后每分钟扫描一次，便于本地验证跨零点行为
	TestMode bool `env:"RESET_TEST_MODE" envDefault:"false"`
	// HoldOnFailure 打开后，只要有习惯处理失败就不推进 last_reset_at，下一轮扫描重试
	HoldOnFailure bool          `env:"RESET_HOLD_ON_FAILURE" envDefault:"false"`
	LockTTL       time.Duration `env:"RESET_LOCK_TTL" envDefault:"30s"`
}

// RedisConfig 配置分布式锁，Addr 为空时使用进程内锁
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

// KafkaConfig 配置事件投递，Brokers 为空时不投递
type KafkaConfig struct {
	Brokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	Topic   string   `env:"KAFKA_TOPIC" envDefault:"habitlevel.events"`
}

// SweepInterval 返回实际使用的扫描间隔
func (c ResetConfig) SweepInterval() time.Duration {
	if c.TestMode {
		return time.Minute
	}
	if c.Interval <= 0 {
		return time.Hour
	}
	return c.Interval
}

// Load 从环境变量读取应用配置，并为缺失项提供安全的默认值。
func Load() (AppConfig, error) {
	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		return AppConfig{}, fmt.Errorf("parse env: %w", err)
	}

	cfg.Port = strings.TrimSpace(cfg.Port)
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	cfg.ListenAddr = strings.TrimSpace(cfg.ListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = fmt.Sprintf(":%s", cfg.Port)
	}
	cfg.SuperRootUserName = strings.TrimSpace(cfg.SuperRootUserName)
	cfg.SuperRootPassword = strings.TrimSpace(cfg.SuperRootPassword)

	return cfg, nil
}
