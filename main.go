package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"profitshare/api"
	"profitshare/app"
	"profitshare/config"
	"profitshare/obs"
)

func main() {
	shutdownObs, logger := obs.Init("profitshare-api")
	defer func() { _ = shutdownObs(context.Background()) }()

	cfg := config.Load()
	rt, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("init runtime failed", "err", err)
		os.Exit(1)
	}
	defer func() { _ = rt.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rt.EnsureQueue(ctx); err != nil {
		logger.Error("ensure stream group failed", "err", err)
		os.Exit(1)
	}

	var parser api.NotificationParser
	if rt.Notify != nil {
		parser = rt.Notify
	}
	var signer api.Signer
	if rt.OSS != nil {
		signer = rt.OSS
	}

	mux := http.NewServeMux()
	api.New(rt.Service, parser, signer, cfg.TmpRoot, logger).RegisterRoutes(mux)

	// Wrap order: cors -> otel/metrics -> mux
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.CORS(cfg.CORSOrigin, obs.WrapHTTP("profitshare-api", mux)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("profitshare api listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
}
