package querystream

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})
	return exporter
}

func spanAttr(s tracetest.SpanStub, key string) (attribute.Value, bool) {
	for _, a := range s.Attributes {
		if string(a.Key) == key {
			return a.Value, true
		}
	}
	return attribute.Value{}, false
}

func spansByName(spans tracetest.SpanStubs) map[string]tracetest.SpanStub {
	out := make(map[string]tracetest.SpanStub, len(spans))
	for _, s := range spans {
		out[s.Name] = s
	}
	return out
}

func TestRunTracesEstimateAndExecute(t *testing.T) {
	exporter := setupTestTracer(t)
	c := newTestCoordinator(t, &fakeSession{rows: 25, count: 25}, &recordingPublisher{}, 10)

	if _, err := c.Start(context.Background(), "traced", "SELECT * FROM t", Options{}); err != nil {
		t.Fatal(err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("got %d spans, want 3", len(spans))
	}
	byName := spansByName(spans)
	run, ok := byName["query.run"]
	if !ok {
		t.Fatalf("missing query.run span in %v", spans)
	}
	for _, name := range []string{"query.estimate", "query.execute"} {
		child, ok := byName[name]
		if !ok {
			t.Fatalf("missing %s span", name)
		}
		if child.Parent.SpanID() != run.SpanContext.SpanID() {
			t.Errorf("%s should be a child of query.run", name)
		}
	}
	if v, ok := spanAttr(run, "sqlpulse.query_id"); !ok || v.AsString() != "traced" {
		t.Error("missing sqlpulse.query_id")
	}
	if v, ok := spanAttr(run, "sqlpulse.outcome"); !ok || v.AsString() != "complete" {
		t.Errorf("outcome: %v", v.AsString())
	}
	if v, ok := spanAttr(run, "sqlpulse.rows"); !ok || v.AsInt64() != 25 {
		t.Errorf("rows: %v", v.AsInt64())
	}
	if run.Status.Code == codes.Error {
		t.Error("completed run should not be marked as an error")
	}
}

func TestRunTracesFailure(t *testing.T) {
	exporter := setupTestTracer(t)
	c := newTestCoordinator(t, &fakeSession{queryErr: errors.New("no such table: t")}, &recordingPublisher{}, 10)

	if _, err := c.Start(context.Background(), "broken", "PRAGMA nope", Options{}); err == nil {
		t.Fatal("expected error")
	}

	byName := spansByName(exporter.GetSpans())
	if _, ok := byName["query.estimate"]; ok {
		t.Error("PRAGMA statements are not estimated")
	}
	for _, name := range []string{"query.execute", "query.run"} {
		s, ok := byName[name]
		if !ok {
			t.Fatalf("missing %s span", name)
		}
		if s.Status.Code != codes.Error {
			t.Errorf("%s status = %v, want error", name, s.Status.Code)
		}
	}
	if v, _ := spanAttr(byName["query.run"], "sqlpulse.outcome"); v.AsString() != "error" {
		t.Errorf("outcome: %q", v.AsString())
	}
}

func TestRunTracesCancellation(t *testing.T) {
	exporter := setupTestTracer(t)
	c := newTestCoordinator(t, &fakeSession{rows: 5}, &recordingPublisher{}, 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _ = c.Start(ctx, "gone", "SELECT * FROM t", Options{})

	byName := spansByName(exporter.GetSpans())
	run, ok := byName["query.run"]
	if !ok {
		t.Fatal("missing query.run span")
	}
	if v, _ := spanAttr(run, "sqlpulse.outcome"); v.AsString() != "cancelled" {
		t.Errorf("outcome: %q", v.AsString())
	}
	if run.SpanKind != trace.SpanKindInternal {
		t.Errorf("span kind: %v", run.SpanKind)
	}
}
