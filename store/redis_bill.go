package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"profitshare/domain"
)

// RedisBillTasks keeps bill tasks as JSON records shared by the API and the bill worker.
// A set per status indexes task ids for ListByStatus.
type RedisBillTasks struct {
	rdb       redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

const updateRetries = 8

func readRedisDB() int {
	raw := strings.TrimSpace(os.Getenv("REDIS_DB"))
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func readBillTaskTTL() time.Duration {
	raw := strings.TrimSpace(os.Getenv("BILL_TASK_TTL_SECONDS"))
	if raw == "" {
		return 30 * 24 * time.Hour
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 30 * 24 * time.Hour
	}
	return time.Duration(n) * time.Second
}

// NewRedisClient dials and pings Redis using REDIS_DB for the database index.
func NewRedisClient(addr, password string) (*redis.Client, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("REDIS_ADDR 为空")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(password),
		DB:       readRedisDB(),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

func NewRedisBillTasks(rdb redis.UniversalClient, keyPrefix string) *RedisBillTasks {
	keyPrefix = strings.TrimSpace(keyPrefix)
	if keyPrefix == "" {
		keyPrefix = "profitshare:billtask:"
	}
	s := &RedisBillTasks{rdb: rdb, keyPrefix: keyPrefix, ttl: readBillTaskTTL()}
	slog.Info("bill task store: redis enabled", "prefix", keyPrefix, "ttl", s.ttl.String())
	return s
}

func (s *RedisBillTasks) key(id string) string {
	return s.keyPrefix + strings.TrimSpace(id)
}

func (s *RedisBillTasks) statusKey(st domain.BillStatus) string {
	return s.keyPrefix + "status:" + string(st)
}

func (s *RedisBillTasks) Create(ctx context.Context, b *domain.ProfitShareBillTask) error {
	if b == nil {
		return errors.New("bill task 为空")
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.Status == "" {
		b.Status = domain.BillStatusPending
	}
	stampCreate(&b.CreatedAt, &b.UpdatedAt)
	b.Version = 1
	raw, err := json.Marshal(b)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, s.key(b.ID), raw, s.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return domain.Conflict("账单任务已存在: %s", b.ID)
	}
	return s.rdb.SAdd(ctx, s.statusKey(b.Status), b.ID).Err()
}

func (s *RedisBillTasks) Get(ctx context.Context, id string) (*domain.ProfitShareBillTask, bool, error) {
	if err := requireID("bill task", id); err != nil {
		return nil, false, nil
	}
	val, err := s.rdb.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var b domain.ProfitShareBillTask
	if err := json.Unmarshal(val, &b); err != nil {
		return nil, false, err
	}
	return &b, true, nil
}

func (s *RedisBillTasks) Update(ctx context.Context, id string, fn func(b *domain.ProfitShareBillTask) error) (*domain.ProfitShareBillTask, bool, error) {
	if err := requireID("bill task", id); err != nil {
		return nil, false, err
	}
	if fn == nil {
		return nil, false, errors.New("update fn 为空")
	}
	key := s.key(id)

	var out *domain.ProfitShareBillTask
	var ok bool
	var fnErr error

	for i := 0; i < updateRetries; i++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			out, ok, fnErr = nil, false, nil
			val, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return nil
			}
			if err != nil {
				return err
			}
			var cur domain.ProfitShareBillTask
			if err := json.Unmarshal(val, &cur); err != nil {
				return err
			}
			ok = true
			next := cur.Clone()
			if err := fn(next); err != nil {
				fnErr = err
				out = &cur
				return nil
			}
			next.Version = cur.Version + 1
			nb, err := json.Marshal(next)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, nb, s.ttl)
				if next.Status != cur.Status {
					pipe.SRem(ctx, s.statusKey(cur.Status), id)
					pipe.SAdd(ctx, s.statusKey(next.Status), id)
				}
				return nil
			})
			if err == nil {
				out = next
			}
			return err
		}, key)

		if err == nil {
			return out, ok, fnErr
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, false, err
	}
	return nil, false, domain.Conflict("账单任务并发更新重试次数耗尽: %s", id)
}

// ListByStatus reads the status index; ids whose record already expired are dropped
// from the index as they are found.
func (s *RedisBillTasks) ListByStatus(ctx context.Context, status domain.BillStatus, limit int) ([]*domain.ProfitShareBillTask, error) {
	statuses := []domain.BillStatus{status}
	if status == "" {
		statuses = []domain.BillStatus{
			domain.BillStatusPending, domain.BillStatusReady, domain.BillStatusDownloaded,
			domain.BillStatusFailed, domain.BillStatusExpired,
		}
	}
	var out []*domain.ProfitShareBillTask
	for _, st := range statuses {
		ids, err := s.rdb.SMembers(ctx, s.statusKey(st)).Result()
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			b, ok, err := s.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			if !ok {
				_ = s.rdb.SRem(ctx, s.statusKey(st), id).Err()
				continue
			}
			if b.Status != st {
				continue
			}
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if n := listLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}
