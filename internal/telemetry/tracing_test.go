package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSetupTracingDisabled(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)

	shutdown, err := SetupTracing(context.Background(), TraceConfig{Exporter: "none"}, zap.New(core))
	if err != nil {
		t.Fatalf("setup tracing: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if logs.FilterMessage("tracing exporter disabled").Len() != 1 {
		t.Fatal("expected disabled exporter to be logged")
	}
}

func TestSetupTracingRejectsBadExporters(t *testing.T) {
	if _, err := SetupTracing(context.Background(), TraceConfig{Exporter: "jaeger"}, nil); err == nil {
		t.Fatal("expected unsupported exporter error")
	}
	if _, err := SetupTracing(context.Background(), TraceConfig{Exporter: "otlp"}, nil); err == nil {
		t.Fatal("expected missing endpoint error")
	}
}

func TestSetupTracingStdout(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), TraceConfig{
		ServiceName: "cutout-test",
		Exporter:    "stdout",
		SampleRatio: 0,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("setup tracing: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSetupTracingOTLP(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), TraceConfig{
		ServiceName:  "cutout-test",
		Exporter:     "otlp",
		OTLPEndpoint: "localhost:4318",
		OTLPInsecure: true,
		SampleRatio:  1,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("setup tracing: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestTraceResourceCarriesServiceName(t *testing.T) {
	res, err := newResource(context.Background(), "cutout-worker")
	if err != nil {
		t.Fatalf("build resource: %v", err)
	}
	got, ok := res.Set().Value(attribute.Key("service.name"))
	if !ok || got.AsString() != "cutout-worker" {
		t.Fatalf("service.name = %q, want cutout-worker", got.AsString())
	}
	if _, ok := res.Set().Value(attribute.Key("telemetry.sdk.version")); !ok {
		t.Fatal("expected sdk attributes on the resource")
	}
}
