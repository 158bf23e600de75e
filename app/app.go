// Package app wires stores, gateway, lock and queue into a sharing.Service for the
// API server and the bill worker.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"profitshare/config"
	"profitshare/ossstore"
	"profitshare/redislock"
	"profitshare/sharing"
	"profitshare/store"
	"profitshare/streamq"
	"profitshare/wechat"
)

type Runtime struct {
	Service *sharing.Service
	Redis   *redis.Client
	Queue   *streamq.RedisStreamQueue
	Locker  sharing.Locker
	// Notify is nil in mock mode.
	Notify *wechat.Client
	// OSS is nil when no bucket is configured.
	OSS *ossstore.Store
}

// New builds the runtime. Without REDIS_ADDR bill tasks live in memory, locks are
// process-local and nothing is queued, which only suits a single API instance.
func New(cfg config.Config, log *slog.Logger) (*Runtime, error) {
	if log == nil {
		log = slog.Default()
	}
	rt := &Runtime{}

	db, err := store.Open(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	var bills store.BillTasks
	if cfg.RedisAddr != "" {
		rdb, err := store.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return nil, err
		}
		rt.Redis = rdb
		bills = store.NewRedisBillTasks(rdb, cfg.BillTaskPrefix)
		rt.Locker = redislock.New(rdb, cfg.LockPrefix)
		rt.Queue = streamq.NewRedisStreamQueue(rdb, cfg.StreamKey, cfg.StreamGroup, cfg.StreamMaxLen)
	} else {
		log.Warn("REDIS_ADDR 为空：账单任务使用内存存储，锁仅在进程内有效")
		bills = store.NewMemoryBillTasks()
		rt.Locker = redislock.NewLocal()
	}

	var gateway sharing.Gateway
	if cfg.Wechat.Mock {
		log.Warn("WECHAT_MOCK=1：使用模拟网关")
		gateway = wechat.NewMockGateway()
	} else {
		if err := cfg.Wechat.Validate(); err != nil {
			return nil, err
		}
		c, err := wechat.NewClient(cfg.Wechat, log)
		if err != nil {
			return nil, fmt.Errorf("init wechat client: %w", err)
		}
		gateway = c
		rt.Notify = c
	}

	if cfg.OSS.Enabled() {
		st, err := ossstore.New(cfg.OSS)
		if err != nil {
			return nil, fmt.Errorf("init oss store: %w", err)
		}
		rt.OSS = st
		log.Info("oss store enabled", "bucket", cfg.OSS.Bucket, "prefix", cfg.OSS.Prefix)
	}

	deps := sharing.Deps{
		Gateway:    gateway,
		Orders:     store.NewGormOrders(db),
		Returns:    store.NewGormReturns(db),
		Bills:      bills,
		Logs:       store.NewGormOperationLogs(db),
		Locker:     rt.Locker,
		Logger:     log,
		BillURLTTL: cfg.BillURLTTL,
	}
	if rt.Queue != nil {
		deps.Queue = rt.Queue
	}
	rt.Service, err = sharing.New(deps)
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// EnsureQueue creates the consumer group; a no-op without Redis.
func (rt *Runtime) EnsureQueue(ctx context.Context) error {
	if rt.Queue == nil {
		return nil
	}
	return rt.Queue.EnsureGroup(ctx)
}

func (rt *Runtime) Close() error {
	if rt.Redis == nil {
		return nil
	}
	if err := rt.Redis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}
