// Package streamq moves bill task ids from the API to the bill worker over a Redis
// stream consumer group. A handler result decides whether the message is ACKed: a
// TerminalError carries the bill task disposition, anything else leaves the message
// pending so XAUTOCLAIM hands it to a live consumer later.
package streamq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"profitshare/domain"
)

// Disposition says why a bill task message was ACKed.
type Disposition string

const (
	// DispositionDone: the task is DOWNLOADED and archived when an archive is configured.
	DispositionDone Disposition = "done"
	// DispositionFinal: the task is FAILED or EXPIRED; RetryBill owns any further attempt.
	DispositionFinal Disposition = "final"
	// DispositionSkipped: a duplicate delivery, an unknown id or a task not READY yet.
	DispositionSkipped Disposition = "skipped"
	// DispositionPoison: the handler panicked or the message exceeded its delivery limit.
	DispositionPoison Disposition = "poison"
)

// TerminalError ACKs the message. Status is the bill task status the handler left
// behind, empty when the task could not be read.
type TerminalError struct {
	Disposition Disposition
	Status      domain.BillStatus
	Err         error
}

func (e TerminalError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Status != "" {
		return fmt.Sprintf("bill task %s (%s)", e.Disposition, e.Status)
	}
	return "bill task " + string(e.Disposition)
}

func (e TerminalError) Unwrap() error { return e.Err }

// Done reports a task the worker brought to its end state.
func Done(status domain.BillStatus) error {
	return TerminalError{Disposition: DispositionDone, Status: status}
}

// Final reports a task that sits in FAILED or EXPIRED; err is the cause when this
// delivery produced it.
func Final(status domain.BillStatus, err error) error {
	return TerminalError{Disposition: DispositionFinal, Status: status, Err: err}
}

// Skip reports a message with nothing to do for this consumer.
func Skip(err error) error {
	return TerminalError{Disposition: DispositionSkipped, Err: err}
}

func IsTerminal(err error) bool {
	_, ok := DispositionOf(err)
	return ok
}

// DispositionOf returns the disposition of a TerminalError anywhere in err's chain.
func DispositionOf(err error) (Disposition, bool) {
	var te TerminalError
	if !errors.As(err, &te) {
		return "", false
	}
	return te.Disposition, true
}

// BillQueue carries bill task ids from the API to the bill worker.
type BillQueue interface {
	Enqueue(ctx context.Context, taskID string) error
}

const fieldTaskID = "taskId"

type RedisStreamQueue struct {
	rdb    redis.UniversalClient
	stream string
	group  string
	maxLen int64
}

func NewRedisStreamQueue(rdb redis.UniversalClient, stream, group string, maxLen int64) *RedisStreamQueue {
	if maxLen <= 0 {
		maxLen = 100000
	}
	return &RedisStreamQueue{
		rdb:    rdb,
		stream: strings.TrimSpace(stream),
		group:  strings.TrimSpace(group),
		maxLen: maxLen,
	}
}

func (q *RedisStreamQueue) Enqueue(ctx context.Context, taskID string) error {
	if q == nil || q.rdb == nil {
		return errors.New("redis stream queue 未初始化")
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return errors.New("taskID 为空")
	}
	if q.stream == "" {
		return errors.New("stream key 为空")
	}
	return q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]interface{}{fieldTaskID: taskID},
	}).Err()
}

// EnsureGroup creates the stream and its consumer group; an existing group is fine.
func (q *RedisStreamQueue) EnsureGroup(ctx context.Context) error {
	if q == nil || q.rdb == nil {
		return errors.New("redis stream queue 未初始化")
	}
	if q.stream == "" || q.group == "" {
		return errors.New("stream/group 为空")
	}
	err := q.rdb.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "busygroup") {
		return nil
	}
	return err
}

type Handler func(ctx context.Context, taskID string) error

type Consumer struct {
	rdb      redis.UniversalClient
	stream   string
	group    string
	consumer string
	block    time.Duration
	count    int64
	slots    chan struct{}

	// Pending recovery: messages idle longer than claimMinIdle move to this consumer.
	claimMinIdle  time.Duration
	claimCount    int64
	claimCursor   string
	claimEvery    time.Duration
	lastClaim     time.Time
	maxDeliveries int64

	log *slog.Logger
}

func NewConsumer(rdb redis.UniversalClient, stream, group, consumer string) *Consumer {
	name := strings.TrimSpace(consumer)
	if name == "" {
		name = "c-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	}
	return &Consumer{
		rdb:      rdb,
		stream:   strings.TrimSpace(stream),
		group:    strings.TrimSpace(group),
		consumer: name,
		block:    10 * time.Second,
		count:    10,

		claimMinIdle:  30 * time.Second,
		claimCount:    50,
		claimCursor:   "0-0",
		claimEvery:    3 * time.Second,
		maxDeliveries: 10,

		log: slog.Default().With("component", "streamq", "consumer", name),
	}
}

// SetConcurrency caps concurrent handlers; n<=1 runs them inline.
func (c *Consumer) SetConcurrency(n int) {
	if c == nil {
		return
	}
	if n <= 1 {
		c.slots = nil
		return
	}
	c.slots = make(chan struct{}, n)
}

// SetMaxDeliveries bounds how often a claimed message is redelivered before it is
// ACKed as poison. The bill task keeps its status, so the scheduler's requeue and
// retry jobs still see it. n<=0 disables the bound.
func (c *Consumer) SetMaxDeliveries(n int64) {
	if c != nil {
		c.maxDeliveries = n
	}
}

func (c *Consumer) ConsumeLoop(ctx context.Context, handler Handler) error {
	if c == nil || c.rdb == nil {
		return errors.New("consumer 未初始化")
	}
	if c.stream == "" || c.group == "" {
		return errors.New("stream/group 为空")
	}
	if handler == nil {
		return errors.New("handler 为空")
	}
	for ctx.Err() == nil {
		c.reclaim(ctx, handler)

		res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.stream, ">"},
			Count:    c.count,
			Block:    c.block,
		}).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			if ctx.Err() == nil {
				c.log.Warn("stream read failed", "err", err)
				pause(ctx, 500*time.Millisecond)
			}
			continue
		}
		for _, s := range res {
			c.dispatch(ctx, handler, s.Messages)
		}
	}
	return ctx.Err()
}

func (c *Consumer) dispatch(ctx context.Context, handler Handler, msgs []redis.XMessage) {
	for _, msg := range msgs {
		if c.slots == nil {
			c.handleOne(ctx, handler, msg)
			continue
		}
		c.slots <- struct{}{}
		go func(m redis.XMessage) {
			defer func() { <-c.slots }()
			c.handleOne(ctx, handler, m)
		}(msg)
	}
}

func (c *Consumer) handleOne(ctx context.Context, handler Handler, msg redis.XMessage) {
	taskID, ok := taskIDOf(msg)
	if !ok {
		c.ack(ctx, msg.ID, taskID, Skip(errors.New("消息缺少 taskId")))
		return
	}
	err := c.invoke(ctx, handler, taskID)
	if err != nil && !IsTerminal(err) {
		c.log.Warn("bill task retryable, keep pending", "msg", msg.ID, "taskId", taskID, "err", err)
		return
	}
	c.ack(ctx, msg.ID, taskID, err)
}

// invoke runs the handler; a panic becomes a poison disposition so the message
// cannot hot-loop.
func (c *Consumer) invoke(ctx context.Context, handler Handler, taskID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("bill task handler panic", "taskId", taskID, "panic", r)
			err = TerminalError{Disposition: DispositionPoison, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return handler(ctx, taskID)
}

func (c *Consumer) ack(ctx context.Context, msgID, taskID string, result error) {
	d, _ := DispositionOf(result)
	if d == "" {
		d = DispositionDone
	}
	if err := c.rdb.XAck(ctx, c.stream, c.group, msgID).Err(); err != nil {
		c.log.Warn("stream ack failed", "msg", msgID, "taskId", taskID, "err", err)
		return
	}
	c.log.Debug("bill task acked", "msg", msgID, "taskId", taskID, "disposition", d)
}

func (c *Consumer) reclaim(ctx context.Context, handler Handler) {
	if c.claimEvery <= 0 || c.claimMinIdle <= 0 {
		return
	}
	now := time.Now()
	if !c.lastClaim.IsZero() && now.Sub(c.lastClaim) < c.claimEvery {
		return
	}
	c.lastClaim = now

	msgs, next, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.consumer,
		MinIdle:  c.claimMinIdle,
		Start:    c.claimCursor,
		Count:    c.claimCount,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("xautoclaim failed", "err", err)
		}
		return
	}
	if next != "" {
		c.claimCursor = next
	}

	live := msgs[:0]
	for _, msg := range msgs {
		if c.exhausted(ctx, msg.ID) {
			taskID, _ := taskIDOf(msg)
			c.log.Error("bill task exceeded delivery limit", "msg", msg.ID, "taskId", taskID, "max", c.maxDeliveries)
			c.ack(ctx, msg.ID, taskID, TerminalError{Disposition: DispositionPoison})
			continue
		}
		live = append(live, msg)
	}
	c.dispatch(ctx, handler, live)
}

// exhausted reports whether a claimed message was delivered more than maxDeliveries
// times. Lookup failures count as not exhausted.
func (c *Consumer) exhausted(ctx context.Context, msgID string) bool {
	if c.maxDeliveries <= 0 {
		return false
	}
	pending, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.stream,
		Group:  c.group,
		Start:  msgID,
		End:    msgID,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return false
	}
	return pending[0].RetryCount > c.maxDeliveries
}

func taskIDOf(msg redis.XMessage) (string, bool) {
	raw, ok := msg.Values[fieldTaskID]
	if !ok {
		return "", false
	}
	id := strings.TrimSpace(fmt.Sprintf("%v", raw))
	return id, id != ""
}

func pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
