package streamq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/redis/go-redis/v9"

	"profitshare/domain"
)

func TestDispositions(t *testing.T) {
	cause := errors.New("sha1 mismatch")
	cases := []struct {
		name   string
		err    error
		want   Disposition
		unwrap error
	}{
		{"done", Done(domain.BillStatusDownloaded), DispositionDone, nil},
		{"final with cause", Final(domain.BillStatusFailed, cause), DispositionFinal, cause},
		{"final replay", Final(domain.BillStatusExpired, nil), DispositionFinal, nil},
		{"skip", Skip(nil), DispositionSkipped, nil},
		{"wrapped", fmt.Errorf("worker: %w", Final(domain.BillStatusFailed, cause)), DispositionFinal, cause},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, ok := DispositionOf(tc.err)
			if !ok || d != tc.want {
				t.Fatalf("disposition=%q ok=%v", d, ok)
			}
			if !IsTerminal(tc.err) {
				t.Fatal("not terminal")
			}
			if tc.unwrap != nil && !errors.Is(tc.err, tc.unwrap) {
				t.Fatalf("cause lost: %v", tc.err)
			}
		})
	}

	if IsTerminal(errors.New("oss down")) || IsTerminal(nil) {
		t.Fatal("plain error treated as terminal")
	}
	if errors.Unwrap(Done(domain.BillStatusDownloaded)) != nil {
		t.Fatal("done carries a cause")
	}
	if msg := Final(domain.BillStatusExpired, nil).Error(); !strings.Contains(msg, "EXPIRED") {
		t.Fatalf("message=%q", msg)
	}
}

func TestTaskIDOf(t *testing.T) {
	if id, ok := taskIDOf(redis.XMessage{Values: map[string]interface{}{fieldTaskID: " b-1 "}}); !ok || id != "b-1" {
		t.Fatalf("id=%q ok=%v", id, ok)
	}
	if _, ok := taskIDOf(redis.XMessage{Values: map[string]interface{}{fieldTaskID: "  "}}); ok {
		t.Fatal("blank id accepted")
	}
	if _, ok := taskIDOf(redis.XMessage{Values: map[string]interface{}{"jobId": "b-1"}}); ok {
		t.Fatal("foreign field accepted")
	}
}

func TestInvokeTurnsPanicIntoPoison(t *testing.T) {
	c := NewConsumer(nil, "s", "g", "c1")
	err := c.invoke(context.Background(), func(context.Context, string) error {
		panic("boom")
	}, "b-1")
	if d, ok := DispositionOf(err); !ok || d != DispositionPoison {
		t.Fatalf("err=%v", err)
	}

	want := errors.New("gateway timeout")
	err = c.invoke(context.Background(), func(context.Context, string) error { return want }, "b-1")
	if !errors.Is(err, want) || IsTerminal(err) {
		t.Fatalf("err=%v", err)
	}
}

func TestQueueAndConsumerValidation(t *testing.T) {
	ctx := context.Background()
	var nilQueue *RedisStreamQueue
	if err := nilQueue.Enqueue(ctx, "b-1"); err == nil {
		t.Fatal("nil queue accepted")
	}

	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer func() { _ = rdb.Close() }()
	if err := NewRedisStreamQueue(rdb, "s", "g", 0).Enqueue(ctx, "  "); err == nil {
		t.Fatal("blank task id accepted")
	}
	if err := NewRedisStreamQueue(rdb, " ", "g", 0).EnsureGroup(ctx); err == nil {
		t.Fatal("blank stream accepted")
	}

	if err := NewConsumer(rdb, "s", "g", "c1").ConsumeLoop(ctx, nil); err == nil {
		t.Fatal("nil handler accepted")
	}
	if err := NewConsumer(nil, "s", "g", "c1").ConsumeLoop(ctx, func(context.Context, string) error { return nil }); err == nil {
		t.Fatal("nil client accepted")
	}
	if c := NewConsumer(rdb, "s", "g", " "); !strings.HasPrefix(c.consumer, "c-") {
		t.Fatalf("consumer=%q", c.consumer)
	}
}
