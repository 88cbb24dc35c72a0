// Package middleware provides observability middleware for the router and
// the patch server.
//
// This package includes:
//   - OpenTelemetry tracing of reduced actions
//   - Prometheus metrics for actions, effects, prefetching and HTTP
//
// # OpenTelemetry Middleware
//
// The OpenTelemetry middleware opens a span for every action the router
// reduces. Spans carry the action type and the id of the transition the
// action belongs to, so the fetch started by a navigation and the action that
// resolves it can be correlated.
//
//	r, err := router.New(init,
//	    router.WithMiddleware(
//	        middleware.OpenTelemetry(
//	            middleware.WithActionFilter(func(a reducer.Action) bool {
//	                return a.Type() != "prefetch"
//	            }),
//	        ),
//	    ),
//	)
//
// # Prometheus Metrics
//
// NewMetrics registers the collectors once; the same Metrics value serves as
// router middleware, prefetch observer and HTTP middleware:
//
//	m := middleware.NewMetrics()
//	r, err := router.New(init,
//	    router.WithMiddleware(m.Middleware()),
//	    router.WithPrefetchConfig(nil, prefetch.WithObserver(m)),
//	)
//	srv := patchserver.New(site, patchserver.WithHTTPMiddleware(m.HTTP))
//
// Then expose the metrics endpoint:
//
//	http.Handle("/metrics", promhttp.Handler())
package middleware
