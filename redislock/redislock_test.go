package redislock

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"profitshare/domain"
)

func TestLocalSerializesPerKey(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	var mu sync.Mutex
	inside := 0
	maxInside := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "order:1900000109:P1")
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Fatalf("max holders=%d, want 1", maxInside)
	}
	if len(l.locks) != 0 {
		t.Fatalf("entries leaked: %d", len(l.locks))
	}
}

func TestLocalHonoursContext(t *testing.T) {
	l := NewLocal()
	unlock, err := l.Lock(context.Background(), "bill:1")
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	// Another key is independent.
	other, err := l.Lock(context.Background(), "bill:2")
	if err != nil {
		t.Fatal(err)
	}
	other()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "bill:1"); err == nil {
		t.Fatalf("expected timeout while key is held")
	}
}

func TestRedisLock(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: os.Getenv("REDIS_PASSWORD")})
	defer rdb.Close()

	c := New(rdb, fmt.Sprintf("profitshare:test:lock:%d:", time.Now().UnixNano()))
	c.SetTimings(time.Second, 100*time.Millisecond)
	ctx := context.Background()

	unlock, err := c.Lock(ctx, "order:1900000109:P1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := c.Lock(ctx, "order:1900000109:P1"); !domain.IsKind(err, domain.KindConflict) {
		t.Fatalf("second lock err=%v, want conflict", err)
	}
	unlock()
	again, err := c.Lock(ctx, "order:1900000109:P1")
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	again()
}
