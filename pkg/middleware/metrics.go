package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vango-dev/approuter/pkg/flight"
	"github.com/vango-dev/approuter/pkg/prefetch"
	"github.com/vango-dev/approuter/pkg/reducer"
	"github.com/vango-dev/approuter/pkg/router"
)

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "approuter").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for durations.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus collectors.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "approuter",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics holds the router collectors.
type Metrics struct {
	actionsTotal   *prometheus.CounterVec
	actionDuration *prometheus.HistogramVec
	effectsTotal   *prometheus.CounterVec
	fullReloads    *prometheus.CounterVec
	prefetchEvents *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// NewMetrics registers the router collectors.
//
// Metrics collected:
//   - approuter_actions_total: actions reduced, by type and outcome
//   - approuter_action_duration_seconds: time spent reducing an action
//   - approuter_effects_total: effects issued, by kind
//   - approuter_full_reloads_total: navigations that fell back to a document load
//   - approuter_prefetch_events_total: prefetch cache events, by kind and event
//   - approuter_http_requests_total: patch server requests, by kind and status
//   - approuter_http_request_duration_seconds: patch server latency
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	return &Metrics{
		actionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "actions_total",
			Help:        "Total number of router actions reduced",
			ConstLabels: config.ConstLabels,
		}, []string{"action", "outcome"}),

		actionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "action_duration_seconds",
			Help:        "Time spent reducing an action in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"action"}),

		effectsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "effects_total",
			Help:        "Total number of effects issued by the reducer",
			ConstLabels: config.ConstLabels,
		}, []string{"effect"}),

		fullReloads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "full_reloads_total",
			Help:        "Total number of navigations that fell back to a full document load",
			ConstLabels: config.ConstLabels,
		}, []string{"action"}),

		prefetchEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "prefetch_events_total",
			Help:        "Prefetch cache events",
			ConstLabels: config.ConstLabels,
		}, []string{"kind", "event"}),

		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "http_requests_total",
			Help:        "Total number of patch server requests",
			ConstLabels: config.ConstLabels,
		}, []string{"kind", "status"}),

		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "http_request_duration_seconds",
			Help:        "Patch server request duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"kind"}),
	}
}

// Prometheus returns router middleware backed by a new set of collectors.
//
//	r, err := router.New(init,
//	    router.WithMiddleware(middleware.Prometheus()),
//	)
//
//	// Expose metrics endpoint
//	http.Handle("/metrics", promhttp.Handler())
func Prometheus(opts ...MetricsOption) router.Middleware {
	return NewMetrics(opts...).Middleware()
}

// Middleware returns router middleware that records every reduced action.
func (m *Metrics) Middleware() router.Middleware {
	return func(next router.ReduceFunc) router.ReduceFunc {
		return func(ctx context.Context, s reducer.State, a reducer.Action) (reducer.State, []reducer.Effect) {
			start := time.Now()
			out, effects := next(ctx, s, a)
			action := a.Type()

			m.actionDuration.WithLabelValues(action).Observe(time.Since(start).Seconds())
			m.actionsTotal.WithLabelValues(action, outcome(s, out, effects)).Inc()
			for _, e := range effects {
				m.effectsTotal.WithLabelValues(effectName(e)).Inc()
			}
			if s.Mode != reducer.ModeFullReload && out.Mode == reducer.ModeFullReload {
				m.fullReloads.WithLabelValues(action).Inc()
			}
			return out, effects
		}
	}
}

// ObservePrefetch implements prefetch.Observer.
func (m *Metrics) ObservePrefetch(kind prefetch.Kind, event prefetch.Event) {
	m.prefetchEvents.WithLabelValues(kind.String(), string(event)).Inc()
}

// HTTP returns HTTP middleware recording patch server requests.
func (m *Metrics) HTTP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		kind := requestKind(r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		m.httpRequests.WithLabelValues(kind, strconv.Itoa(status)).Inc()
	})
}

// outcome classifies the result of reducing one action. Labels stay low
// cardinality.
func outcome(prev, next reducer.State, effects []reducer.Effect) string {
	switch {
	case prev.Mode == reducer.ModeFullReload:
		return "ignored"
	case next.Mode == reducer.ModeFullReload:
		return "full_reload"
	case next.Pending != nil:
		return "pending"
	}
	for _, e := range effects {
		if _, ok := e.(reducer.EffectServerAction); ok {
			return "pending"
		}
	}
	return "committed"
}

func effectName(e reducer.Effect) string {
	switch e.(type) {
	case reducer.EffectFetch:
		return "fetch"
	case reducer.EffectPrefetch:
		return "prefetch"
	case reducer.EffectServerAction:
		return "server_action"
	case reducer.EffectClearPrefetch:
		return "clear_prefetch"
	case reducer.EffectResolve:
		return "resolve"
	default:
		return "other"
	}
}

func requestKind(r *http.Request) string {
	switch {
	case r.Method == http.MethodPost && r.Header.Get(flight.HeaderAction) != "":
		return "action"
	case r.Header.Get(flight.HeaderPatch) != "":
		if r.Header.Get(flight.HeaderPrefetch) != "" {
			return "prefetch"
		}
		return "patch"
	default:
		return "document"
	}
}
