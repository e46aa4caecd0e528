// Package app 按配置组装数据库、打卡账本与重置调度器，供 server 与 resetctl 共用。
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/habitlevel/internal/config"
	"github.com/habitlevel/internal/db"
	"github.com/habitlevel/internal/events"
	"github.com/habitlevel/internal/lock"
	"github.com/habitlevel/internal/logger"
	"github.com/habitlevel/internal/scheduler"
	"github.com/habitlevel/internal/service"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// App 持有进程内共享的核心组件
type App struct {
	DB        *gorm.DB
	Store     *db.GormStore
	Ledger    *service.StreakLedger
	Scheduler *scheduler.Scheduler

	closers []func() error
}

// New 打开数据库并按配置选择锁与事件投递实现
func New(ctx context.Context, cfg config.AppConfig) (*App, error) {
	gdb, err := db.Open(db.Options{
		Driver: cfg.DatabaseDriver,
		Path:   cfg.DatabasePath,
		DSN:    cfg.DatabaseDSN,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	a := &App{DB: gdb, Store: db.NewGormStore(gdb)}
	a.closers = append(a.closers, func() error {
		sqlDB, err := gdb.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})

	var locker lock.Locker = lock.NewLocal()
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			a.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		a.closers = append(a.closers, client.Close)
		locker = lock.NewRedis(client, "habitlevel:lock:", cfg.Reset.LockTTL)
		logger.Info("using redis locks", "addr", cfg.Redis.Addr)
	}

	var publisher events.Publisher = events.Nop{}
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaPublisher := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		a.closers = append(a.closers, kafkaPublisher.Close)
		publisher = kafkaPublisher
		logger.Info("publishing events to kafka", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	a.Ledger = service.NewStreakLedger(a.Store,
		service.WithLedgerLocker(locker),
		service.WithLedgerPublisher(publisher),
	)
	a.Scheduler = scheduler.New(a.Store, a.Ledger, scheduler.Options{
		Interval:      cfg.Reset.SweepInterval(),
		HoldOnFailure: cfg.Reset.HoldOnFailure,
		Locker:        locker,
		Publisher:     publisher,
	})
	return a, nil
}

// Close 按创建的逆序释放资源
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
