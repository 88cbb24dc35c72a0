package middleware

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/approuter/pkg/reducer"
	"github.com/vango-dev/approuter/pkg/router"
)

// Default tracer name.
const defaultTracerName = "approuter"

// OTelConfig configures the OpenTelemetry middleware.
type OTelConfig struct {
	// TracerName is the name of the tracer (default: "approuter").
	TracerName string

	// TracerProvider supplies the tracer.
	// Default: the global provider
	TracerProvider trace.TracerProvider

	// IncludeURL records the committed URL on spans.
	// Enabled by default.
	IncludeURL bool

	// Filter determines which actions to trace.
	// Return true to trace the action, false to skip.
	// If nil, all actions are traced.
	Filter func(a reducer.Action) bool

	// AttributeExtractor extracts custom attributes from an action.
	AttributeExtractor func(a reducer.Action) []attribute.KeyValue
}

// OTelOption configures the OpenTelemetry middleware.
type OTelOption func(*OTelConfig)

// WithTracerName sets the tracer name.
func WithTracerName(name string) OTelOption {
	return func(c *OTelConfig) {
		c.TracerName = name
	}
}

// WithTracerProvider sets the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) OTelOption {
	return func(c *OTelConfig) {
		c.TracerProvider = tp
	}
}

// WithIncludeURL enables/disables recording URLs on spans.
func WithIncludeURL(include bool) OTelOption {
	return func(c *OTelConfig) {
		c.IncludeURL = include
	}
}

// WithActionFilter sets a filter function for actions.
func WithActionFilter(filter func(a reducer.Action) bool) OTelOption {
	return func(c *OTelConfig) {
		c.Filter = filter
	}
}

// WithAttributeExtractor sets a custom attribute extractor.
func WithAttributeExtractor(extractor func(a reducer.Action) []attribute.KeyValue) OTelOption {
	return func(c *OTelConfig) {
		c.AttributeExtractor = extractor
	}
}

func defaultOTelConfig() OTelConfig {
	return OTelConfig{
		TracerName: defaultTracerName,
		IncludeURL: true,
	}
}

// OpenTelemetry creates middleware that traces every reduced action.
//
// Each span carries the action type and the transition id, the committed URL
// and the number of effects issued. Actions that force a full document load
// end with an error status.
//
//	r, err := router.New(init,
//	    router.WithMiddleware(middleware.OpenTelemetry()),
//	)
//
// The tracer comes from the global provider unless WithTracerProvider is
// given. Configure it in main() before mounting the router:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	otel.SetTracerProvider(tp)
func OpenTelemetry(opts ...OTelOption) router.Middleware {
	config := defaultOTelConfig()
	for _, opt := range opts {
		opt(&config)
	}

	provider := config.TracerProvider
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	tracer := provider.Tracer(config.TracerName)

	return func(next router.ReduceFunc) router.ReduceFunc {
		return func(ctx context.Context, s reducer.State, a reducer.Action) (reducer.State, []reducer.Effect) {
			if config.Filter != nil && !config.Filter(a) {
				return next(ctx, s, a)
			}

			attrs := []attribute.KeyValue{
				attribute.String("approuter.action", a.Type()),
			}
			if id := router.TransitionID(ctx); id != "" {
				attrs = append(attrs, attribute.String("approuter.transition_id", id))
			}
			if config.AttributeExtractor != nil {
				attrs = append(attrs, config.AttributeExtractor(a)...)
			}

			ctx, span := tracer.Start(ctx, spanName(a),
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(attrs...),
			)
			defer span.End()

			out, effects := next(ctx, s, a)

			span.SetAttributes(
				attribute.Int("approuter.effects", len(effects)),
				attribute.String("approuter.mode", out.Mode.String()),
			)
			if config.IncludeURL {
				span.SetAttributes(attribute.String("approuter.url", out.CanonicalURL()))
			}
			if s.Mode != reducer.ModeFullReload && out.Mode == reducer.ModeFullReload {
				span.SetStatus(codes.Error, "full reload")
			} else {
				span.SetStatus(codes.Ok, "")
			}
			return out, effects
		}
	}
}

// SpanFromContext returns the span of the action being reduced. Middleware
// installed after OpenTelemetry sees it in ctx.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

func spanName(a reducer.Action) string {
	return fmt.Sprintf("approuter.%s", a.Type())
}
