// Package obs carries the ambient telemetry of both binaries: the JSON slog logger,
// OTLP tracing with spans around gateway calls and bill tasks, and Prometheus metrics.
package obs

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Shutdown func(ctx context.Context) error

// Init installs the default logger and, when OTEL_EXPORTER_OTLP_ENDPOINT is set, the
// global tracer provider. The returned Shutdown flushes pending spans.
func Init(service string) (Shutdown, *slog.Logger) {
	service = strings.TrimSpace(service)
	if service == "" {
		service = defaultService
	}
	logger := newLogger(service, os.Getenv("LOG_LEVEL"), os.Stdout)
	slog.SetDefault(logger)
	SetAppInfo(service)

	var shutdowns []Shutdown
	if cfg := traceConfigFromEnv(); cfg.Endpoint != "" {
		stop, err := initTracing(service, cfg)
		if err != nil {
			logger.Error("init tracing failed", "endpoint", cfg.Endpoint, "err", err)
		} else {
			logger.Info("tracing enabled", "endpoint", cfg.Endpoint, "ratio", cfg.SampleRatio)
			shutdowns = append(shutdowns, stop)
		}
	}
	return func(ctx context.Context) error {
		var errs []error
		for _, stop := range shutdowns {
			errs = append(errs, stop(ctx))
		}
		return errors.Join(errs...)
	}, logger
}

const defaultService = "profitshare"

// WrapHTTP adds server spans and request metrics around next.
func WrapHTTP(service string, next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	return MetricsMiddleware(otelhttp.NewHandler(next, service))
}
