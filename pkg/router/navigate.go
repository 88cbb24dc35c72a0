package router

import (
	"context"
	"encoding/json"
	"net/url"

	rerrors "github.com/vango-dev/approuter/internal/errors"
	"github.com/vango-dev/approuter/pkg/flight"
	"github.com/vango-dev/approuter/pkg/history"
	"github.com/vango-dev/approuter/pkg/prefetch"
	"github.com/vango-dev/approuter/pkg/reducer"
	"github.com/vango-dev/approuter/pkg/routetree"
)

// Push navigates to href in a new history entry.
func (r *Router) Push(href string, opts ...NavigateOption) (*Transition, error) {
	return r.navigate(href, reducer.HistoryPush, opts)
}

// Replace navigates to href in the current history entry.
func (r *Router) Replace(href string, opts ...NavigateOption) (*Transition, error) {
	return r.navigate(href, reducer.HistoryReplace, opts)
}

func (r *Router) navigate(href string, h reducer.HistoryType, opts []NavigateOption) (*Transition, error) {
	o := NavigateOptions{Scroll: true}
	for _, opt := range opts {
		opt(&o)
	}

	current := r.browser.Location()
	u, err := flight.Resolve(href, current)
	if err != nil {
		return nil, rerrors.New("E109").WithField("href", href).Wrap(err)
	}

	a := reducer.Navigate{
		URL:      u,
		External: flight.IsExternal(u, current),
		History:  h,
		Scroll:   o.Scroll,
		Now:      r.now(),
	}
	return r.start(a)
}

func (r *Router) start(a reducer.Action) (*Transition, error) {
	t := newTransition(a.Type(), r.now())
	if err := r.enqueue(envelope{action: a, transition: t}); err != nil {
		t.finish(err)
		return nil, err
	}
	return t, nil
}

// Back moves one entry back in history.
func (r *Router) Back() {
	r.browser.Back()
}

// Forward moves one entry forward in history.
func (r *Router) Forward() {
	r.browser.Forward()
}

// PopState handles a history traversal reported by the host.
func (r *Router) PopState(ev history.PopStateEvent) history.Outcome {
	if r.closed.Load() {
		return history.Ignored
	}
	return r.popstate.Handle(ev)
}

// Prefetch warms the cache for href. It never fails: crawlers, external
// URLs, unparsable hrefs and a closed router are skipped.
func (r *Router) Prefetch(href string, opts ...PrefetchOption) {
	o := PrefetchOptions{Kind: prefetch.Full}
	for _, opt := range opts {
		opt(&o)
	}

	if r.closed.Load() || IsBot(r.userAgent) {
		return
	}
	current := r.browser.Location()
	u, err := flight.Resolve(href, current)
	if err != nil {
		r.logger.Debug("prefetch of invalid href", "href", href, "error", err)
		return
	}
	if flight.IsExternal(u, current) {
		return
	}
	if err := r.enqueue(envelope{action: reducer.Prefetch{URL: u, Kind: o.Kind}}); err != nil {
		r.logger.Debug("prefetch dropped", "href", href, "error", err)
	}
}

// Refresh refetches every segment of the current page from the server. The
// current output stays visible until the new one arrives.
func (r *Router) Refresh() (*Transition, error) {
	return r.start(reducer.Refresh{})
}

// FastRefresh refetches the page after a code change. It panics with E103
// outside development mode.
func (r *Router) FastRefresh() (*Transition, error) {
	if !r.config.Dev {
		panic(rerrors.New("E103").WithSuggestion("Use Refresh instead"))
	}
	return r.start(reducer.FastRefresh{})
}

// ChangeByServerResponse applies a response the server pushed for the state
// whose tree was previousTree. Responses for an older tree are dropped.
func (r *Router) ChangeByServerResponse(previousTree *routetree.Node, resp *flight.Response, overrideCanonicalURL *url.URL) error {
	return r.enqueue(envelope{action: reducer.ServerPatch{
		PreviousTree:         previousTree,
		Response:             resp,
		OverrideCanonicalURL: overrideCanonicalURL,
	}})
}

// CallServerAction invokes server action id with args and returns its result.
// A redirect or patch carried by the response is applied to the router state.
func (r *Router) CallServerAction(ctx context.Context, id string, args any) (json.RawMessage, error) {
	raw, ok := args.(json.RawMessage)
	if !ok {
		data, err := json.Marshal(args)
		if err != nil {
			return nil, rerrors.New("E110").WithDetail("arguments are not JSON encodable").WithField("action", id).Wrap(err)
		}
		raw = data
	}

	reply := make(chan actionReply, 1)
	a := reducer.ServerAction{ID: id, Args: raw}
	t := newTransition(a.Type(), r.now())
	if err := r.enqueue(envelope{action: a, transition: t, reply: reply}); err != nil {
		return nil, err
	}

	select {
	case res := <-reply:
		if res.err != nil {
			return nil, res.err
		}
		if res.resp == nil {
			return nil, nil
		}
		return res.resp.ActionResult, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		return nil, rerrors.New("E108")
	}
}
