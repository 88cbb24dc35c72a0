package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/approuter/pkg/flight"
)

// CallAction posts a server action call to the page of req. Calls are not
// retried; the circuit breaker still applies.
func (c *Client) CallAction(ctx context.Context, id string, args json.RawMessage, req *flight.Request) (*flight.Response, error) {
	target := c.resolve(flight.CanonicalURL(req.URL, false))
	target.Fragment = ""

	ctx, span := c.tracer.Start(ctx, "approuter.action",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("url.path", target.Path),
			attribute.String("approuter.action", id),
		),
	)
	defer span.End()

	fail := func(err error) (*flight.Response, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	done, err := c.allow()
	if err != nil {
		return fail(err)
	}

	if len(args) == 0 {
		args = json.RawMessage("null")
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(args))
	if err != nil {
		done(true)
		return fail(err)
	}
	c.setHeaders(hreq, req)
	hreq.Header.Set(flight.HeaderAction, id)
	hreq.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(hreq)
	if err != nil {
		done(errors.Is(err, context.Canceled))
		return fail(err)
	}
	defer res.Body.Close()

	resp, err := c.decode(res, target)
	var se *StatusError
	done(err == nil || !errors.As(err, &se) || !se.Temporary())
	if err != nil {
		return fail(err)
	}
	span.SetStatus(codes.Ok, "")
	return resp, nil
}
