package redislock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"profitshare/domain"
)

// Client implements a Redis distributed lock: SET NX PX + Lua safe release/refresh.
// The API and the bill worker use it to serialize mutations of one order, return order
// or bill task across processes.
type Client struct {
	rdb    redis.UniversalClient
	prefix string

	ttl      time.Duration
	wait     time.Duration
	retry    time.Duration
	log      *slog.Logger
	tokenFor func() (string, error)
}

func New(rdb redis.UniversalClient, prefix string) *Client {
	return &Client{
		rdb:      rdb,
		prefix:   strings.TrimSpace(prefix),
		ttl:      30 * time.Second,
		wait:     5 * time.Second,
		retry:    50 * time.Millisecond,
		log:      slog.Default(),
		tokenFor: Token,
	}
}

// SetTimings overrides the lease TTL and how long Lock waits for a busy key.
func (c *Client) SetTimings(ttl, wait time.Duration) {
	if ttl > 0 {
		c.ttl = ttl
	}
	if wait >= 0 {
		c.wait = wait
	}
}

func (c *Client) Key(entityKey string) string {
	entityKey = strings.TrimSpace(entityKey)
	if c == nil {
		return entityKey
	}
	p := strings.TrimSpace(c.prefix)
	if p == "" {
		p = "profitshare:lock:"
	}
	return p + entityKey
}

func Token() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

func (c *Client) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if c == nil || c.rdb == nil {
		return false, errors.New("redis lock 未初始化")
	}
	key = strings.TrimSpace(key)
	token = strings.TrimSpace(token)
	if key == "" || token == "" {
		return false, errors.New("lock key/token 为空")
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	return c.rdb.SetNX(ctx, key, token, ttl).Result()
}

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
  return 0
end
`)

func (c *Client) Refresh(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if c == nil || c.rdb == nil {
		return false, errors.New("redis lock 未初始化")
	}
	key = strings.TrimSpace(key)
	token = strings.TrimSpace(token)
	if key == "" || token == "" {
		return false, errors.New("lock key/token 为空")
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	n, err := refreshScript.Run(ctx, c.rdb, []string{key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	// PEXPIRE returns 1 if timeout was set, 0 otherwise.
	return n == 1, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (c *Client) Release(ctx context.Context, key, token string) (bool, error) {
	if c == nil || c.rdb == nil {
		return false, errors.New("redis lock 未初始化")
	}
	key = strings.TrimSpace(key)
	token = strings.TrimSpace(token)
	if key == "" || token == "" {
		return false, errors.New("lock key/token 为空")
	}
	n, err := releaseScript.Run(ctx, c.rdb, []string{key}, token).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Lock blocks until the entity lock is held, the wait budget runs out (Conflict) or
// ctx is done. While held, the lease is refreshed at a third of its TTL.
func (c *Client) Lock(ctx context.Context, entityKey string) (func(), error) {
	key := c.Key(entityKey)
	token, err := c.tokenFor()
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(c.wait)
	for {
		ok, err := c.Acquire(ctx, key, token, c.ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		if !time.Now().Before(deadline) {
			return nil, domain.Conflict("%s 正在被其他请求处理", entityKey)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.retry):
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(c.ttl / 3)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				ok, err := c.Refresh(rctx, key, token, c.ttl)
				cancel()
				if err != nil || !ok {
					c.log.Warn("lock refresh failed", "key", key, "ok", ok, "err", err)
				}
			}
		}
	}()

	return func() {
		close(stop)
		<-done
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := c.Release(rctx, key, token); err != nil {
			c.log.Warn("lock release failed", "key", key, "err", err)
		}
	}, nil
}
