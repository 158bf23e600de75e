package billworker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"profitshare/domain"
	"profitshare/obs"
	"profitshare/sharing"
)

type ScheduleConfig struct {
	// ExpireEvery sweeps READY tasks whose download URL lapsed.
	ExpireEvery time.Duration
	// RequeueEvery re-enqueues READY tasks, covering enqueue failures in the API.
	RequeueEvery time.Duration
	// RetryEvery re-applies PENDING tasks idle for at least RetryAfter.
	RetryEvery time.Duration
	RetryAfter time.Duration
	BatchSize  int
}

func (c ScheduleConfig) withDefaults() ScheduleConfig {
	if c.ExpireEvery <= 0 {
		c.ExpireEvery = 10 * time.Second
	}
	if c.RequeueEvery <= 0 {
		c.RequeueEvery = 15 * time.Second
	}
	if c.RetryEvery <= 0 {
		c.RetryEvery = 5 * time.Minute
	}
	if c.RetryAfter <= 0 {
		c.RetryAfter = 5 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// Scheduler runs the periodic bill jobs on a gocron scheduler.
type Scheduler struct {
	scheduler gocron.Scheduler
	bills     Bills
	queue     sharing.BillQueue
	cfg       ScheduleConfig
	now       func() time.Time
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func NewScheduler(bills Bills, queue sharing.BillQueue, cfg ScheduleConfig, log *slog.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		scheduler: s,
		bills:     bills,
		queue:     queue,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		log:       log.With("component", "bill-scheduler"),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// RegisterJobs adds the expiry sweep, the READY requeue and the PENDING retry.
func (s *Scheduler) RegisterJobs() error {
	jobs := []struct {
		name  string
		every time.Duration
		run   func(context.Context) error
	}{
		{"bill-expire", s.cfg.ExpireEvery, s.expire},
		{"bill-requeue-ready", s.cfg.RequeueEvery, s.requeueReady},
		{"bill-retry-pending", s.cfg.RetryEvery, s.retryPending},
	}
	var errs []error
	for _, j := range jobs {
		if j.name == "bill-requeue-ready" && s.queue == nil {
			continue
		}
		run := j.run
		name := j.name
		_, err := s.scheduler.NewJob(
			gocron.DurationJob(j.every),
			gocron.NewTask(func() { s.runJob(name, run) }),
			gocron.WithName(name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			s.log.Error("register job failed", "job", name, "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) Start() {
	s.scheduler.Start()
	s.log.Info("bill scheduler started")
}

func (s *Scheduler) Shutdown() error {
	s.cancel()
	err := s.scheduler.Shutdown()
	if err != nil {
		s.log.Error("shutdown scheduler failed", "err", err)
	}
	return err
}

func (s *Scheduler) runJob(name string, run func(context.Context) error) {
	start := time.Now()
	err := run(s.ctx)
	obs.RecordWorkerJob(name, start, err)
	if err != nil {
		s.log.Warn("scheduled job failed", "job", name, "err", err)
	}
}

func (s *Scheduler) expire(ctx context.Context) error {
	n, err := s.bills.ExpireBills(ctx)
	if n > 0 {
		s.log.Info("bill tasks expired", "count", n)
	}
	return err
}

func (s *Scheduler) requeueReady(ctx context.Context) error {
	ready, err := s.bills.ListBills(ctx, domain.BillStatusReady, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	var errs []error
	now := s.now()
	for _, t := range ready {
		if t.IsExpired(now) {
			continue
		}
		if err := s.queue.Enqueue(ctx, t.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) retryPending(ctx context.Context) error {
	pending, err := s.bills.ListBills(ctx, domain.BillStatusPending, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	var errs []error
	cutoff := s.now().Add(-s.cfg.RetryAfter)
	for _, t := range pending {
		if t.UpdatedAt.After(cutoff) {
			continue
		}
		got, err := s.bills.RetryBill(ctx, t.ID)
		if err != nil {
			// Still generating on the gateway side; try again next round.
			if got != nil && got.Status == domain.BillStatusPending {
				continue
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
