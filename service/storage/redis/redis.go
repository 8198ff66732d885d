package redis

import (
	"context"
	"errors"
	"sync"
	"time"

	"chatfleet/global/config"

	"github.com/redis/go-redis/v9"
)

var (
	redisOnce sync.Once
	redisMgr  *RedisManager
)

type RedisManager struct {
	client *redis.Client
}

// NewClient builds a client from config without touching the singleton.
func NewClient(c config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         c.Addr,
		Password:     c.Password,
		DB:           c.DB,
		PoolSize:     c.PoolSize,
		DialTimeout:  c.DialTimeout,
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
	})
}

// InitRedis creates the process-wide client once and pings it.
func InitRedis(ctx context.Context, c config.RedisConfig) error {
	var initErr error
	redisOnce.Do(func() {
		rdb := NewClient(c)

		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			initErr = err
			return
		}
		redisMgr = &RedisManager{client: rdb}
	})
	if initErr == nil && redisMgr == nil {
		return errors.New("redis: previous init failed")
	}
	return initErr
}

// GetRedis returns the client; InitRedis must have succeeded.
func GetRedis() *redis.Client {
	if redisMgr == nil {
		panic("Redis not initialized, call InitRedis first")
	}
	return redisMgr.client
}

func CloseRedis() error {
	if redisMgr != nil && redisMgr.client != nil {
		return redisMgr.client.Close()
	}
	return nil
}
