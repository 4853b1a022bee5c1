package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func clearTracingEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"NODEKERNEL_TRACING_ENABLED",
		"NODEKERNEL_TRACING_EXPORTER",
		"NODEKERNEL_TRACING_SERVICE_NAME",
		"NODEKERNEL_TRACING_SAMPLE_RATIO",
		"NODEKERNEL_OTLP_ENDPOINT",
	} {
		t.Setenv(k, "")
	}
}

func TestApplyEnvKeepsFileValuesWhenUnset(t *testing.T) {
	clearTracingEnv(t)
	cfg := TracingConfig{Exporter: "stdout", ServiceName: "svc", SampleRatio: 0.25}
	cfg.ApplyEnv()
	if cfg != (TracingConfig{Exporter: "stdout", ServiceName: "svc", SampleRatio: 0.25}) {
		t.Fatalf("unexpected override: %+v", cfg)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	clearTracingEnv(t)
	t.Setenv("NODEKERNEL_TRACING_ENABLED", "TRUE")
	t.Setenv("NODEKERNEL_TRACING_EXPORTER", "OTLP")
	t.Setenv("NODEKERNEL_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("NODEKERNEL_TRACING_SAMPLE_RATIO", "1.5")

	cfg := TracingConfig{SampleRatio: 0.5}
	cfg.ApplyEnv()
	if !cfg.Enabled || cfg.Exporter != "otlp" || cfg.Endpoint != "collector:4317" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.SampleRatio != 0.5 {
		t.Fatalf("SampleRatio = %v, out of range value must be ignored", cfg.SampleRatio)
	}
}

func TestInitTracingDisabledReturnsNoopShutdown(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitTracingRejectsUnknownExporter(t *testing.T) {
	_, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "zipkin"}, nil)
	if err == nil {
		t.Fatalf("expected an error for an unsupported exporter")
	}
}

func TestEndSpanRecordsFailure(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	tracer := tp.Tracer("test")

	_, ok := tracer.Start(context.Background(), "ok")
	EndSpan(ok, nil)
	_, bad := tracer.Start(context.Background(), "bad")
	EndSpan(bad, errors.New("calibrate failed"))

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(spans))
	}
	if spans[0].Status().Code != codes.Unset {
		t.Fatalf("successful span status = %v", spans[0].Status())
	}
	if spans[1].Status().Code != codes.Error || spans[1].Status().Description != "calibrate failed" {
		t.Fatalf("failed span status = %v", spans[1].Status())
	}
	if len(spans[1].Events()) != 1 {
		t.Fatalf("expected the error to be recorded as an event")
	}
}
