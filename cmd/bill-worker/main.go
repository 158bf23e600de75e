package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"profitshare/app"
	"profitshare/billworker"
	"profitshare/config"
	"profitshare/obs"
	"profitshare/streamq"
)

func main() {
	shutdownObs, logger := obs.Init("bill-worker")
	defer func() { _ = shutdownObs(context.Background()) }()

	cfg := config.Load()
	if cfg.RedisAddr == "" {
		logger.Error("REDIS_ADDR 为空：账单 worker 依赖 Redis Streams")
		os.Exit(1)
	}
	rt, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("init runtime failed", "err", err)
		os.Exit(1)
	}
	defer func() { _ = rt.Close() }()

	ctx, cancel := signalContext()
	defer cancel()
	if err := rt.EnsureQueue(ctx); err != nil {
		logger.Error("ensure stream group failed", "err", err)
		os.Exit(1)
	}

	var archive billworker.Archive
	if rt.OSS != nil {
		archive = rt.OSS
	} else {
		logger.Warn("OSS 未启用：账单只在本地下载和导出")
	}
	worker := billworker.New(rt.Service, archive, rt.Locker, cfg.TmpRoot, cfg.StreamConcurrency, logger)

	sched, err := billworker.NewScheduler(rt.Service, rt.Queue, cfg.Schedule, logger)
	if err != nil {
		logger.Error("init scheduler failed", "err", err)
		os.Exit(1)
	}
	if err := sched.RegisterJobs(); err != nil {
		logger.Error("register jobs failed", "err", err)
		os.Exit(1)
	}
	sched.Start()
	defer func() { _ = sched.Shutdown() }()

	go serveMetrics(cfg.MetricsAddr)

	cons := streamq.NewConsumer(rt.Redis, cfg.StreamKey, cfg.StreamGroup, cfg.ConsumerName)
	cons.SetConcurrency(cfg.StreamConcurrency)
	cons.SetMaxDeliveries(cfg.StreamDeliveries)
	logger.Info("bill-worker start", "stream", cfg.StreamKey, "group", cfg.StreamGroup, "consumer", cfg.ConsumerName)

	err = cons.ConsumeLoop(ctx, worker.Handler(func(start time.Time, err error) {
		obs.RecordWorkerJob("bill-worker", start, err)
	}))
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("consume loop exited", "err", err)
		os.Exit(1)
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           obs.WrapHTTP("bill-worker-metrics", mux),
		ReadHeaderTimeout: 3 * time.Second,
	}
	_ = srv.ListenAndServe()
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
		// second signal: hard exit
		select {
		case <-ch:
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()
	return ctx, cancel
}
