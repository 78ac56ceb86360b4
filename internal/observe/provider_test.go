package observe_test

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/MrWong99/seekplay/internal/observe"
)

func TestInitProvider(t *testing.T) {
	ctx := context.Background()
	origMP, origTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	reg := prometheus.NewRegistry()
	exp := tracetest.NewInMemoryExporter()
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: "1.2.3",
		TraceExporter:  exp,
		Registerer:     reg,
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	defer tel.Shutdown(ctx)

	m, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	m.RecordCacheRequest(ctx, observe.ResultHit)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var found bool
	for _, mf := range families {
		if strings.HasPrefix(mf.GetName(), "seekplay_cache_requests") {
			found = true
		}
	}
	if !found {
		t.Error("cache request counter not exposed on the registry")
	}

	_, span := observe.StartSpan(ctx, "play")
	span.End()
	if err := tel.Traces.ForceFlush(ctx); err != nil {
		t.Fatal(err)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported %d spans, want 1", len(spans))
	}
	var name, version string
	for _, kv := range spans[0].Resource.Attributes() {
		switch kv.Key {
		case semconv.ServiceNameKey:
			name = kv.Value.AsString()
		case semconv.ServiceVersionKey:
			version = kv.Value.AsString()
		}
	}
	if name != observe.DefaultServiceName || version != "1.2.3" {
		t.Errorf("resource service = %q %q, want %q 1.2.3", name, version, observe.DefaultServiceName)
	}
}
