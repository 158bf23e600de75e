package obs

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const instrumentation = "profitshare"

// Span attribute keys shared by gateway and bill task spans.
const (
	AttrOperation   = attribute.Key("profitshare.operation")
	AttrSubMchID    = attribute.Key("profitshare.sub_mchid")
	AttrEntity      = attribute.Key("profitshare.entity")
	AttrBillTask    = attribute.Key("profitshare.bill_task")
	AttrDisposition = attribute.Key("profitshare.disposition")
)

type traceConfig struct {
	Endpoint    string
	Insecure    bool
	SampleRatio float64
}

// traceConfigFromEnv reads the OTLP endpoint, OTEL_EXPORTER_OTLP_INSECURE (default
// true, the collector runs as a sidecar) and OTEL_TRACES_SAMPLER_ARG (default 1).
func traceConfigFromEnv() traceConfig {
	cfg := traceConfig{
		Endpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		Insecure:    true,
		SampleRatio: 1,
	}
	if v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"))); err == nil {
		cfg.Insecure = v
	}
	if v, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")), 64); err == nil && v >= 0 && v <= 1 {
		cfg.SampleRatio = v
	}
	return cfg
}

func initTracing(service string, cfg traceConfig) (Shutdown, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(semconv.ServiceName(service)),
	)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exp),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp.Shutdown, nil
}

// StartGatewaySpan opens a client span for one WeChat Pay call. The returned func ends
// it and marks the span failed when err is non-nil.
func StartGatewaySpan(ctx context.Context, op, subMchID, entity string) (context.Context, func(err error)) {
	ctx, span := otel.Tracer(instrumentation).Start(ctx, "wechatpay "+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(AttrOperation.String(op), AttrSubMchID.String(subMchID), AttrEntity.String(entity)),
	)
	return ctx, func(err error) { endSpan(span, err) }
}

// StartBillSpan opens the span of one bill task delivery. The end func records the
// disposition the worker reported to the stream.
func StartBillSpan(ctx context.Context, taskID string) (context.Context, func(disposition string, err error)) {
	ctx, span := otel.Tracer(instrumentation).Start(ctx, "bill task",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(AttrBillTask.String(taskID)),
	)
	return ctx, func(disposition string, err error) {
		if disposition != "" {
			span.SetAttributes(AttrDisposition.String(disposition))
		}
		endSpan(span, err)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
