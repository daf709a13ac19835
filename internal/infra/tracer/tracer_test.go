package tracer

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"

	"pagepilot/internal/infra/config"
)

func TestSetupNoopVariants(t *testing.T) {
	for _, cfg := range []config.TracerConfig{
		{Enabled: false},
		{Enabled: true, Exporter: "noop"},
		{Enabled: true, Exporter: ""},
	} {
		shutdown, err := Setup(context.Background(), cfg)
		if err != nil {
			t.Fatalf("Setup(%+v): %v", cfg, err)
		}
		if _, ok := otel.GetTracerProvider().(noop.TracerProvider); !ok {
			t.Errorf("Setup(%+v): expected noop provider, got %T", cfg, otel.GetTracerProvider())
		}
		shutdown(context.Background())
	}
}

func TestSetupStdout(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "stdout"})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer shutdown(context.Background())
}

func TestSetupUnsupportedExporter(t *testing.T) {
	if _, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "jaeger"}); err == nil {
		t.Error("expected error for unsupported exporter")
	}
}

func TestFinishSetsStatus(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })

	_, ok := StartSpan(context.Background(), "ok-span")
	ok.SetAttributes(StringAttr("k", "v"), IntAttr("n", 1), BoolAttr("b", true))
	Finish(ok, nil)

	_, bad := StartSpan(context.Background(), "bad-span")
	Finish(bad, errors.New("boom"))

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(spans))
	}
	if spans[0].Status().Code != codes.Ok {
		t.Errorf("ok-span status = %v, want Ok", spans[0].Status().Code)
	}
	if len(spans[0].Attributes()) != 3 {
		t.Errorf("ok-span attributes = %d, want 3", len(spans[0].Attributes()))
	}
	if spans[1].Status().Code != codes.Error || spans[1].Status().Description != "boom" {
		t.Errorf("bad-span status = %+v, want Error/boom", spans[1].Status())
	}
}
