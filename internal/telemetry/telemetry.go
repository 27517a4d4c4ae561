// Package telemetry adapts the corpus's otelinit packages into one
// initializer covering both traces and metrics for the execution core.
package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
)

// Shutdown flushes and tears down every provider Init configured.
type Shutdown func(context.Context) error

// Init wires up the global tracer and meter providers, pointed at
// OTEL_EXPORTER_OTLP_ENDPOINT (default localhost:4317). Both failures
// are non-fatal: telemetry degrades to no-op providers so the execution
// core runs with or without a collector present.
func Init(ctx context.Context, service string) Shutdown {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:4317"
	}

	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		attribute.String("service", service),
	))

	traceShutdown := initTracer(ctx, endpoint, res)
	metricShutdown := initMeter(ctx, endpoint, res)

	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		err1 := traceShutdown(ctx)
		err2 := metricShutdown(ctx)
		if err1 != nil {
			return err1
		}
		return err2
	}
}

func initTracer(ctx context.Context, endpoint string, res *sdkresource.Resource) Shutdown {
	exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithDialOption(grpc.WithInsecure()))
	if err != nil {
		slog.Warn("otel tracer exporter init failed", "error", err)
		return func(context.Context) error { return nil }
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	slog.Info("otel tracer initialized", "endpoint", endpoint)
	return tp.Shutdown
}

func initMeter(ctx context.Context, endpoint string, res *sdkresource.Resource) Shutdown {
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(ctxInit, otlpmetricgrpc.WithEndpoint(endpoint), otlpmetricgrpc.WithDialOption(grpc.WithInsecure()))
	if err != nil {
		slog.Warn("otel metrics exporter init failed", "error", err)
		return func(context.Context) error { return nil }
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	slog.Info("otel metrics initialized", "endpoint", endpoint)
	return mp.Shutdown
}

// Meter returns the execution core's named meter, used by every
// component that records its own instruments.
func Meter() metric.Meter {
	return otel.GetMeterProvider().Meter("execore")
}
