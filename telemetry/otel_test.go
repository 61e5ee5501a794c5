package telemetry

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/itsneelabh/callrelay/core"
)

func TestProvider_SpansReachExporter(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	p, err := NewProvider(context.Background(), core.TelemetryConfig{ServiceName: "test"},
		WithSpanExporter(exp), WithoutGlobal())
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := p.StartSpan(context.Background(), "callrelay.call")
	span.SetAttribute("call.name", "read_file")
	span.SetAttribute("call.attempts", 2)
	span.SetAttribute("call.success", false)
	span.SetAttribute("other", struct{}{})
	span.RecordError(errors.New("boom"))
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != "callrelay.call" {
		t.Errorf("unexpected span name %s", spans[0].Name)
	}
	found := false
	for _, kv := range spans[0].Attributes {
		if string(kv.Key) == "call.name" && kv.Value.AsString() == "read_file" {
			found = true
		}
	}
	if !found {
		t.Error("expected call.name attribute on span")
	}
	if len(spans[0].Events) == 0 {
		t.Error("expected recorded error event")
	}
}

func TestProvider_StdoutExporter(t *testing.T) {
	var buf bytes.Buffer
	p, err := NewProvider(context.Background(),
		core.TelemetryConfig{Exporter: ExporterStdout, ServiceName: "test"},
		WithTraceWriter(&buf), WithoutGlobal())
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}

	_, span := p.StartSpan(context.Background(), "callrelay.batch")
	span.End()

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if !strings.Contains(buf.String(), "callrelay.batch") {
		t.Errorf("expected span in stdout output, got %q", buf.String())
	}
}

func TestProvider_UnknownExporter(t *testing.T) {
	_, err := NewProvider(context.Background(), core.TelemetryConfig{Exporter: "kafka"}, WithoutGlobal())
	if !errors.Is(err, core.ErrInvalidConfiguration) {
		t.Errorf("expected ErrInvalidConfiguration, got %v", err)
	}
}

func TestProvider_RecordMetric(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p, err := NewProvider(context.Background(),
		core.TelemetryConfig{Exporter: ExporterNone},
		WithMetricReader(reader), WithoutGlobal())
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	defer p.Shutdown(context.Background())

	p.RecordMetric("callrelay.calls", 1, map[string]string{"status": "completed"})
	p.RecordMetric("callrelay.calls", 1, map[string]string{"status": "completed"})
	p.RecordMetric("callrelay.call.duration_ms", 42, nil)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect failed: %v", err)
	}

	got := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			got[m.Name] = m.Data
		}
	}

	sum, ok := got["callrelay.calls"].(metricdata.Sum[float64])
	if !ok {
		t.Fatalf("expected float sum for callrelay.calls, got %T", got["callrelay.calls"])
	}
	if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 2 {
		t.Errorf("unexpected counter data %+v", sum.DataPoints)
	}

	hist, ok := got["callrelay.call.duration_ms"].(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("expected histogram for duration metric, got %T", got["callrelay.call.duration_ms"])
	}
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Errorf("unexpected histogram data %+v", hist.DataPoints)
	}
}

func TestIsDurationMetric(t *testing.T) {
	if !isDurationMetric("callrelay.batch.duration_ms") || !isDurationMetric("x_ms") {
		t.Error("duration metrics not detected")
	}
	if isDurationMetric("callrelay.retries") {
		t.Error("counter misdetected as duration")
	}
}

func TestNewTracedHTTPClient_PropagatesTraceContext(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	p, err := NewProvider(context.Background(), core.TelemetryConfig{}, WithSpanExporter(exp))
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	defer p.Shutdown(context.Background())

	var traceparent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("traceparent")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx, span := p.StartSpan(context.Background(), "parent")
	client := NewTracedHTTPClient(nil, 0)
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/execution", nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	span.End()

	if traceparent == "" {
		t.Error("expected traceparent header on outgoing request")
	}
	names := map[string]bool{}
	for _, s := range exp.GetSpans() {
		names[s.Name] = true
	}
	if !names["HTTP GET /execution"] {
		t.Errorf("expected client span, got %v", names)
	}
}
