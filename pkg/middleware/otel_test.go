package middleware

import (
	"context"
	"net/url"
	"sync"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vango-dev/approuter/pkg/reducer"
	"github.com/vango-dev/approuter/pkg/router"
)

// =============================================================================
// Recording tracer
// =============================================================================

type recordedSpan struct {
	trace.Span

	name   string
	attrs  map[attribute.Key]attribute.Value
	status codes.Code
	ended  bool
}

func (s *recordedSpan) SetAttributes(kv ...attribute.KeyValue) {
	for _, a := range kv {
		s.attrs[a.Key] = a.Value
	}
}

func (s *recordedSpan) SetStatus(code codes.Code, _ string) { s.status = code }

func (s *recordedSpan) End(...trace.SpanEndOption) { s.ended = true }

type recordingTracer struct {
	trace.Tracer

	mu    sync.Mutex
	spans []*recordedSpan
}

func (t *recordingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	cfg := trace.NewSpanStartConfig(opts...)
	s := &recordedSpan{
		Span:  trace.SpanFromContext(ctx),
		name:  name,
		attrs: make(map[attribute.Key]attribute.Value),
	}
	s.SetAttributes(cfg.Attributes()...)
	t.mu.Lock()
	t.spans = append(t.spans, s)
	t.mu.Unlock()
	return trace.ContextWithSpan(ctx, s), s
}

type recordingProvider struct {
	trace.TracerProvider
	tracer *recordingTracer
}

func (p *recordingProvider) Tracer(string, ...trace.TracerOption) trace.Tracer { return p.tracer }

func newRecordingProvider() *recordingProvider {
	tp := noop.NewTracerProvider()
	return &recordingProvider{
		TracerProvider: tp,
		tracer:         &recordingTracer{Tracer: tp.Tracer("")},
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestOpenTelemetryMiddleware_RecordsSpan(t *testing.T) {
	tp := newRecordingProvider()
	u, _ := url.Parse("https://app.test/a/b")

	var inner trace.Span
	reduce := router.Chain(func(ctx context.Context, s reducer.State, a reducer.Action) (reducer.State, []reducer.Effect) {
		inner = SpanFromContext(ctx)
		return reducer.State{URL: u}, []reducer.Effect{reducer.EffectFetch{Seq: 1}}
	}, OpenTelemetry(
		WithTracerProvider(tp),
		WithAttributeExtractor(func(reducer.Action) []attribute.KeyValue {
			return []attribute.KeyValue{attribute.String("test.attr", "ok")}
		}),
	))

	reduce(context.Background(), reducer.State{}, reducer.Navigate{})

	if len(tp.tracer.spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(tp.tracer.spans))
	}
	span := tp.tracer.spans[0]
	if span.name != "approuter.navigate" {
		t.Errorf("span name = %q", span.name)
	}
	if inner != span {
		t.Error("reducer should see the span in its context")
	}
	if !span.ended {
		t.Error("span should be ended")
	}
	if span.status != codes.Ok {
		t.Errorf("status = %v, want Ok", span.status)
	}

	want := map[attribute.Key]string{
		"approuter.action": "navigate",
		"approuter.url":    "/a/b",
		"approuter.mode":   "spa",
		"test.attr":        "ok",
	}
	for k, v := range want {
		if got := span.attrs[k].AsString(); got != v {
			t.Errorf("attribute %s = %q, want %q", k, got, v)
		}
	}
	if got := span.attrs["approuter.effects"].AsInt64(); got != 1 {
		t.Errorf("approuter.effects = %d, want 1", got)
	}
	if _, ok := span.attrs["approuter.transition_id"]; ok {
		t.Error("transition id should be absent outside a transition")
	}
}

func TestOpenTelemetryMiddleware_FullReloadIsError(t *testing.T) {
	tp := newRecordingProvider()
	reduce := router.Chain(func(context.Context, reducer.State, reducer.Action) (reducer.State, []reducer.Effect) {
		return reducer.State{Mode: reducer.ModeFullReload}, nil
	}, OpenTelemetry(WithTracerProvider(tp), WithIncludeURL(false)))

	reduce(context.Background(), reducer.State{}, reducer.Refresh{})

	span := tp.tracer.spans[0]
	if span.status != codes.Error {
		t.Errorf("status = %v, want Error", span.status)
	}
	if _, ok := span.attrs["approuter.url"]; ok {
		t.Error("url should not be recorded")
	}
}

func TestOpenTelemetryMiddleware_Filter(t *testing.T) {
	tp := newRecordingProvider()
	called := false
	reduce := router.Chain(func(context.Context, reducer.State, reducer.Action) (reducer.State, []reducer.Effect) {
		called = true
		return reducer.State{}, nil
	}, OpenTelemetry(
		WithTracerProvider(tp),
		WithActionFilter(func(a reducer.Action) bool { return a.Type() != "prefetch" }),
	))

	reduce(context.Background(), reducer.State{}, reducer.Prefetch{})
	if !called {
		t.Error("filtered actions still reach the reducer")
	}
	if len(tp.tracer.spans) != 0 {
		t.Errorf("got %d spans for a filtered action", len(tp.tracer.spans))
	}
}

func TestOTelConfig(t *testing.T) {
	config := defaultOTelConfig()
	if config.TracerName != "approuter" || !config.IncludeURL {
		t.Errorf("defaults = %+v", config)
	}
	WithTracerName("custom")(&config)
	if config.TracerName != "custom" {
		t.Errorf("TracerName = %q", config.TracerName)
	}
}

func TestSpanName(t *testing.T) {
	tests := []struct {
		action reducer.Action
		want   string
	}{
		{reducer.Navigate{}, "approuter.navigate"},
		{reducer.ServerPatch{}, "approuter.server-patch"},
		{reducer.FastRefresh{}, "approuter.fast-refresh"},
		{reducer.ServerAction{}, "approuter.server-action"},
	}
	for _, tt := range tests {
		if got := spanName(tt.action); got != tt.want {
			t.Errorf("spanName(%T) = %q, want %q", tt.action, got, tt.want)
		}
	}
}
