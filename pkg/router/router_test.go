package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	rerrors "github.com/vango-dev/approuter/internal/errors"
	"github.com/vango-dev/approuter/pkg/cachetree"
	"github.com/vango-dev/approuter/pkg/flight"
	"github.com/vango-dev/approuter/pkg/history"
	"github.com/vango-dev/approuter/pkg/prefetch"
	"github.com/vango-dev/approuter/pkg/reducer"
	"github.com/vango-dev/approuter/pkg/routetree"
	rt "github.com/vango-dev/approuter/pkg/routertest"
)

// =============================================================================
// Helpers
// =============================================================================

const origin = "https://app.test"

type fixture struct {
	router  *Router
	browser *history.MemoryBrowser
	fetcher *rt.Fetcher
}

func newFixture(t *testing.T, h rt.Handler, opts ...Option) *fixture {
	t.Helper()
	start := rt.URL(t, origin+"/a/b/c")
	b := history.NewMemoryBrowser(start)
	f := rt.NewFetcher(h)

	opts = append([]Option{
		WithFetcher(f),
		WithBrowser(b),
		WithRegistry(NewRegistry()),
	}, opts...)
	r, err := New(reducer.Init{
		URL:      start,
		Tree:     rt.Chain("a", "b", "c"),
		Rendered: rt.Rendered("a", "b", "c"),
	}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Mount(); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return &fixture{router: r, browser: b, fetcher: f}
}

// leafHandler answers each request with a patch installing the last path
// segment below /a/b.
func leafHandler(req *flight.Request) (*flight.Response, error) {
	leaf := req.URL.Path[len("/a/b/"):]
	return &flight.Response{Patches: []flight.Patch{rt.LeafPatch([]string{"b"}, leaf)}}, nil
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitT(t *testing.T, tr *Transition, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("start transition: %v", err)
	}
	if err := tr.Wait(ctxT(t)); err != nil {
		t.Fatalf("transition %s: %v", tr.Action, err)
	}
}

func settle(t *testing.T, r *Router) {
	t.Helper()
	if err := r.Settle(ctxT(t)); err != nil {
		t.Fatalf("Settle: %v", err)
	}
}

func leaf(s reducer.State) string {
	path := s.Tree.ActivePath()
	return path[len(path)-1].Name
}

func cacheAt(s reducer.State, depth int) *cachetree.Node {
	tree, cache := s.Tree, s.Cache
	for i := 0; i < depth; i++ {
		child := tree.Child(routetree.ChildrenSlot)
		cache = cache.Child(routetree.ChildrenSlot, child.Segment)
		tree = child
	}
	return cache
}

func hrefs(b *history.MemoryBrowser) []string {
	entries, _ := b.Entries()
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = flight.CreateHref(e.URL)
	}
	return out
}

// =============================================================================
// Navigation
// =============================================================================

func TestMountWritesMarkedEntry(t *testing.T) {
	fx := newFixture(t, leafHandler)

	entries, index := fx.browser.Entries()
	if len(entries) != 1 || index != 0 {
		t.Fatalf("entries = %d index = %d", len(entries), index)
	}
	var e history.Entry
	if err := json.Unmarshal(entries[0].State, &e); err != nil {
		t.Fatalf("entry state: %v", err)
	}
	if !e.Marker || !routetree.Equal(e.Tree, fx.router.State().Tree) {
		t.Errorf("entry = %+v", e)
	}
	if cur, ok := fx.router.registry.Current(); !ok || cur != fx.router {
		t.Error("mounted router should be registered")
	}
}

func TestPushReplacesOnlyTheLeaf(t *testing.T) {
	fx := newFixture(t, leafHandler)
	before := fx.router.State()

	tr, err := fx.router.Push("/a/b/d")
	waitT(t, tr, err)

	after := fx.router.State()
	if got := after.CanonicalURL(); got != "/a/b/d" {
		t.Fatalf("CanonicalURL = %q", got)
	}
	if leaf(after) != "d" || after.Pending != nil {
		t.Errorf("leaf = %q pending = %+v", leaf(after), after.Pending)
	}

	// Ancestors keep their output and the old leaf stays cached.
	if string(cacheAt(after, 0).Rendered) != `"a"` || string(cacheAt(after, 1).Rendered) != `"b"` {
		t.Error("ancestor output changed")
	}
	if cacheAt(after, 1).Child(routetree.ChildrenSlot, rt.Seg("c")) != cacheAt(before, 2) {
		t.Error("/c cache node should be shared with the previous state")
	}
	if before.Cache.Child(routetree.ChildrenSlot, rt.Seg("b")).Child(routetree.ChildrenSlot, rt.Seg("d")) != nil {
		t.Error("previous state was mutated")
	}
	if got := string(cacheAt(after, 2).Rendered); got != `"d"` {
		t.Errorf("/d output = %s", got)
	}

	if diff := cmp.Diff([]string{"/a/b/c", "/a/b/d"}, hrefs(fx.browser)); diff != "" {
		t.Errorf("history (-want +got):\n%s", diff)
	}
	if after.PushRef.PendingPush {
		t.Error("push should be consumed after the entry is written")
	}
}

func TestReplaceKeepsOneEntry(t *testing.T) {
	fx := newFixture(t, leafHandler)

	tr, err := fx.router.Replace("/a/b/d")
	waitT(t, tr, err)

	if diff := cmp.Diff([]string{"/a/b/d"}, hrefs(fx.browser)); diff != "" {
		t.Errorf("history (-want +got):\n%s", diff)
	}
}

func TestLateResultIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	t.Cleanup(func() { once.Do(func() { close(release) }) })

	fx := newFixture(t, func(req *flight.Request) (*flight.Response, error) {
		if req.URL.Path == "/a/b/x" {
			<-release
		}
		return leafHandler(req)
	})

	t1, err := fx.router.Push("/a/b/x")
	if err != nil {
		t.Fatal(err)
	}
	<-fx.fetcher.Started()

	t2, err := fx.router.Push("/a/b/y")
	waitT(t, t2, err)
	if leaf(fx.router.State()) != "y" {
		t.Fatalf("leaf = %q", leaf(fx.router.State()))
	}
	if !t1.Superseded() {
		t.Errorf("first transition: %v", t1.Err())
	}

	once.Do(func() { close(release) })
	settle(t, fx.router)

	s := fx.router.State()
	if leaf(s) != "y" || s.CanonicalURL() != "/a/b/y" {
		t.Errorf("late result applied: leaf = %q url = %q", leaf(s), s.CanonicalURL())
	}
	if diff := cmp.Diff([]string{"/a/b/c", "/a/b/y"}, hrefs(fx.browser)); diff != "" {
		t.Errorf("history (-want +got):\n%s", diff)
	}
}

func TestPrefetchedNavigationDoesNotFetchAgain(t *testing.T) {
	fx := newFixture(t, leafHandler)

	fx.router.Prefetch("/a/b/d")
	settle(t, fx.router)
	if got := fx.fetcher.Calls(); got != 1 {
		t.Fatalf("calls after prefetch = %d", got)
	}

	tr, err := fx.router.Push("/a/b/d")
	waitT(t, tr, err)
	if got := fx.fetcher.Calls(); got != 1 {
		t.Errorf("calls after navigation = %d", got)
	}
	if leaf(fx.router.State()) != "d" {
		t.Errorf("leaf = %q", leaf(fx.router.State()))
	}
}

func TestAutoPrefetchRequestsTreeOnly(t *testing.T) {
	fx := newFixture(t, leafHandler)

	fx.router.Prefetch("/a/b/d", WithKind(prefetch.Auto))
	settle(t, fx.router)

	reqs := fx.fetcher.Requests()
	if len(reqs) != 1 || !reqs[0].TreeOnly {
		t.Errorf("requests = %+v", reqs)
	}
}

func TestPrefetchIsSkipped(t *testing.T) {
	tests := []struct {
		name string
		ua   string
		href string
	}{
		{"crawler", "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)", "/a/b/d"},
		{"external", "", "https://elsewhere.test/a"},
		{"invalid", "", "http://[::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, leafHandler, WithUserAgent(tt.ua))
			fx.router.Prefetch(tt.href)
			settle(t, fx.router)
			if got := fx.fetcher.Calls(); got != 0 {
				t.Errorf("calls = %d", got)
			}
		})
	}
}

func TestExternalNavigationLoadsDocument(t *testing.T) {
	fx := newFixture(t, leafHandler)

	tr, err := fx.router.Push("https://elsewhere.test/x")
	waitT(t, tr, err)

	if fx.router.State().Mode != reducer.ModeFullReload {
		t.Fatal("router should be in full-reload mode")
	}
	want := []history.Load{{Href: "https://elsewhere.test/x"}}
	if diff := cmp.Diff(want, fx.browser.Loads()); diff != "" {
		t.Errorf("loads (-want +got):\n%s", diff)
	}
	if fx.fetcher.Calls() != 0 {
		t.Error("external navigation should not fetch")
	}
}

func TestFetchTimeoutLoadsDocument(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	fx := newFixture(t, func(req *flight.Request) (*flight.Response, error) {
		<-release
		return leafHandler(req)
	}, WithFetchTimeout(20*time.Millisecond))

	tr, err := fx.router.Push("/a/b/d")
	waitT(t, tr, err)

	want := []history.Load{{Href: origin + "/a/b/d"}}
	if diff := cmp.Diff(want, fx.browser.Loads()); diff != "" {
		t.Errorf("loads (-want +got):\n%s", diff)
	}

	// Later actions are ignored.
	before := fx.router.State()
	fx.router.Prefetch("/a/b/e")
	settle(t, fx.router)
	if fx.router.State().Tree != before.Tree {
		t.Error("state changed after full reload")
	}
}

func TestBrokenPatchLoadsDocument(t *testing.T) {
	// The path continues below the leaf c, which Merge refuses with a panic.
	fx := newFixture(t, rt.Patches(rt.LeafPatch([]string{"b", "c"}, "x")))

	tr, err := fx.router.Push("/a/b/x")
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	err = tr.Wait(ctxT(t))
	if rerrors.CodeOf(err) != "E104" {
		t.Fatalf("transition err = %v, want E104", err)
	}

	st := fx.router.State()
	if st.Mode != reducer.ModeFullReload || st.Pending != nil {
		t.Fatalf("mode = %s, pending = %v", st.Mode, st.Pending != nil)
	}
	want := []history.Load{{Href: origin + "/a/b/x"}}
	if diff := cmp.Diff(want, fx.browser.Loads()); diff != "" {
		t.Errorf("loads (-want +got):\n%s", diff)
	}

	// The router keeps running.
	settle(t, fx.router)
}

func TestInvalidHref(t *testing.T) {
	fx := newFixture(t, leafHandler)

	_, err := fx.router.Push("http://[::1")
	if rerrors.CodeOf(err) != "E109" {
		t.Errorf("err = %v", err)
	}
}

// =============================================================================
// History traversal
// =============================================================================

func TestBackRestoresFromCache(t *testing.T) {
	fx := newFixture(t, leafHandler)
	tr, err := fx.router.Push("/a/b/d")
	waitT(t, tr, err)

	fx.router.Back()
	settle(t, fx.router)

	s := fx.router.State()
	if leaf(s) != "c" || s.CanonicalURL() != "/a/b/c" {
		t.Errorf("leaf = %q url = %q", leaf(s), s.CanonicalURL())
	}
	if got := fx.fetcher.Calls(); got != 1 {
		t.Errorf("restore from cache should not fetch, calls = %d", got)
	}
	if _, index := fx.browser.Entries(); index != 0 {
		t.Errorf("index = %d", index)
	}

	fx.router.Forward()
	settle(t, fx.router)
	if leaf(fx.router.State()) != "d" {
		t.Errorf("forward leaf = %q", leaf(fx.router.State()))
	}
	if diff := cmp.Diff([]string{"/a/b/c", "/a/b/d"}, hrefs(fx.browser)); diff != "" {
		t.Errorf("history (-want +got):\n%s", diff)
	}
}

func TestForeignEntryReloads(t *testing.T) {
	fx := newFixture(t, leafHandler)

	out := fx.router.PopState(history.PopStateEvent{
		URL:   rt.URL(t, origin+"/elsewhere"),
		State: json.RawMessage(`{"foo":1}`),
	})
	if out != history.Reloaded {
		t.Errorf("outcome = %v", out)
	}
	if got := len(fx.browser.Loads()); got != 1 {
		t.Errorf("loads = %d", got)
	}
	if fx.router.State().Mode != reducer.ModeSPA {
		t.Error("router state should not change")
	}
}

// =============================================================================
// Refresh
// =============================================================================

func TestRefreshRefetchesEverything(t *testing.T) {
	fx := newFixture(t, func(req *flight.Request) (*flight.Response, error) {
		return &flight.Response{Patches: []flight.Patch{{
			Path:     rt.Path("b"),
			Tree:     rt.Chain("b", "c"),
			Rendered: rt.Rendered("b2", "c2"),
		}}}, nil
	})
	fx.router.Prefetch("/a/b/d")
	settle(t, fx.router)

	tr, err := fx.router.Refresh()
	waitT(t, tr, err)

	reqs := fx.fetcher.Requests()
	last := reqs[len(reqs)-1]
	if !last.Tree.Child(routetree.ChildrenSlot).Refetch {
		t.Error("refresh request should mark the root slots for refetch")
	}
	if fx.router.Prefetches().Len() != 0 {
		t.Error("refresh should clear the prefetch cache")
	}
	s := fx.router.State()
	if got := string(cacheAt(s, 1).Rendered); got != `"b2"` {
		t.Errorf("/b output = %s", got)
	}
	if got := string(cacheAt(s, 0).Rendered); got != `"a"` {
		t.Errorf("root output = %s", got)
	}
	if diff := cmp.Diff([]string{"/a/b/c"}, hrefs(fx.browser)); diff != "" {
		t.Errorf("history (-want +got):\n%s", diff)
	}
}

func TestFastRefreshOutsideDevelopmentPanics(t *testing.T) {
	fx := newFixture(t, leafHandler)

	defer func() {
		rec := recover()
		re, ok := rec.(*rerrors.RouterError)
		if !ok || re.Code != "E103" {
			t.Errorf("recover = %v", rec)
		}
	}()
	fx.router.FastRefresh()
}

func TestFastRefreshInDevelopment(t *testing.T) {
	fx := newFixture(t, leafHandler, WithDevelopment(true))

	tr, err := fx.router.FastRefresh()
	waitT(t, tr, err)
	if got := fx.fetcher.Calls(); got != 1 {
		t.Errorf("calls = %d", got)
	}
}

// =============================================================================
// Server patches and actions
// =============================================================================

func TestServerPatchTwiceNeverPushes(t *testing.T) {
	fx := newFixture(t, leafHandler)
	prev := fx.router.State()
	resp := &flight.Response{Patches: []flight.Patch{{
		Path:     rt.Path("b", "c"),
		Tree:     routetree.Leaf(rt.Seg("c")),
		Rendered: &flight.Rendered{Output: rt.Output("c2")},
	}}}

	for i := 0; i < 2; i++ {
		if err := fx.router.ChangeByServerResponse(prev.Tree, resp, nil); err != nil {
			t.Fatal(err)
		}
	}
	settle(t, fx.router)

	s := fx.router.State()
	if s.CanonicalURL() != "/a/b/c" || string(cacheAt(s, 2).Rendered) != `"c2"` {
		t.Errorf("url = %q output = %s", s.CanonicalURL(), cacheAt(s, 2).Rendered)
	}
	if diff := cmp.Diff([]string{"/a/b/c"}, hrefs(fx.browser)); diff != "" {
		t.Errorf("history (-want +got):\n%s", diff)
	}
}

func TestCallServerAction(t *testing.T) {
	var got struct {
		id   string
		args string
		tree *routetree.Node
	}
	caller := ActionCallerFunc(func(_ context.Context, id string, args json.RawMessage, req *flight.Request) (*flight.Response, error) {
		got.id, got.args, got.tree = id, string(args), req.Tree
		return &flight.Response{
			ActionResult: json.RawMessage(`{"count":2}`),
			Patches: []flight.Patch{{
				Path:     rt.Path("b", "c"),
				Tree:     routetree.Leaf(rt.Seg("c")),
				Rendered: &flight.Rendered{Output: rt.Output("c3")},
			}},
		}, nil
	})
	fx := newFixture(t, leafHandler, WithActionCaller(caller))

	res, err := fx.router.registry.CallServerAction(ctxT(t), "increment", map[string]int{"by": 1})
	if err != nil {
		t.Fatalf("CallServerAction: %v", err)
	}
	if string(res) != `{"count":2}` {
		t.Errorf("result = %s", res)
	}
	if got.id != "increment" || got.args != `{"by":1}` || got.tree == nil {
		t.Errorf("call = %+v", got)
	}
	settle(t, fx.router)
	if string(cacheAt(fx.router.State(), 2).Rendered) != `"c3"` {
		t.Error("action patch not applied")
	}
}

func TestServerActionRedirect(t *testing.T) {
	caller := ActionCallerFunc(func(context.Context, string, json.RawMessage, *flight.Request) (*flight.Response, error) {
		return &flight.Response{Redirect: "/a/b/done"}, nil
	})
	fx := newFixture(t, leafHandler, WithActionCaller(caller))

	if _, err := fx.router.CallServerAction(ctxT(t), "save", nil); err != nil {
		t.Fatal(err)
	}
	settle(t, fx.router)

	if got := fx.router.State().CanonicalURL(); got != "/a/b/done" {
		t.Errorf("CanonicalURL = %q", got)
	}
	if diff := cmp.Diff([]string{"/a/b/c", "/a/b/done"}, hrefs(fx.browser)); diff != "" {
		t.Errorf("history (-want +got):\n%s", diff)
	}
}

func TestServerActionError(t *testing.T) {
	boom := errors.New("boom")
	caller := ActionCallerFunc(func(context.Context, string, json.RawMessage, *flight.Request) (*flight.Response, error) {
		return nil, boom
	})
	fx := newFixture(t, leafHandler, WithActionCaller(caller))

	_, err := fx.router.CallServerAction(ctxT(t), "save", nil)
	if !errors.Is(err, boom) || rerrors.CodeOf(err) != "E110" {
		t.Errorf("err = %v", err)
	}
}

func TestServerActionWithoutCaller(t *testing.T) {
	fx := newFixture(t, leafHandler)

	_, err := fx.router.CallServerAction(ctxT(t), "save", nil)
	if rerrors.CodeOf(err) != "E110" {
		t.Errorf("err = %v", err)
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestCloseRejectsActions(t *testing.T) {
	fx := newFixture(t, leafHandler)
	g := fx.router.registry

	if err := fx.router.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := g.Current(); ok {
		t.Error("registry should be cleared")
	}
	if _, err := fx.router.Push("/a/b/d"); rerrors.CodeOf(err) != "E108" {
		t.Errorf("Push after Close: %v", err)
	}
	if _, err := g.CallServerAction(ctxT(t), "save", nil); rerrors.CodeOf(err) != "E108" {
		t.Errorf("CallServerAction without router: %v", err)
	}
	fx.router.Prefetch("/a/b/d")
}

func TestCloseFailsPendingTransition(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	fx := newFixture(t, func(req *flight.Request) (*flight.Response, error) {
		<-release
		return leafHandler(req)
	})

	tr, err := fx.router.Push("/a/b/d")
	if err != nil {
		t.Fatal(err)
	}
	<-fx.fetcher.Started()
	fx.router.Close()

	if err := tr.Wait(ctxT(t)); rerrors.CodeOf(err) != "E108" {
		t.Errorf("transition: %v", err)
	}
}

func TestRegistryKeepsNewerRouter(t *testing.T) {
	g := NewRegistry()
	first := newFixture(t, leafHandler, WithRegistry(g))
	second := newFixture(t, leafHandler, WithRegistry(g))

	first.router.Close()
	if cur, ok := g.Current(); !ok || cur != second.router {
		t.Error("closing an older router must not unregister the mounted one")
	}
}

func TestSubscribe(t *testing.T) {
	fx := newFixture(t, leafHandler)

	var mu sync.Mutex
	var urls []string
	unsubscribe := fx.router.Subscribe(func(s reducer.State) {
		mu.Lock()
		urls = append(urls, s.CanonicalURL())
		mu.Unlock()
	})

	tr, err := fx.router.Push("/a/b/d")
	waitT(t, tr, err)
	unsubscribe()
	tr, err = fx.router.Push("/a/b/e")
	waitT(t, tr, err)

	mu.Lock()
	defer mu.Unlock()
	// Pending, then committed.
	if diff := cmp.Diff([]string{"/a/b/c", "/a/b/d"}, urls); diff != "" {
		t.Errorf("notifications (-want +got):\n%s", diff)
	}
}

func TestMiddlewareSeesTransition(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]string{}
	mw := func(next ReduceFunc) ReduceFunc {
		return func(ctx context.Context, s reducer.State, a reducer.Action) (reducer.State, []reducer.Effect) {
			mu.Lock()
			seen[a.Type()] = TransitionID(ctx)
			mu.Unlock()
			return next(ctx, s, a)
		}
	}
	fx := newFixture(t, leafHandler, WithMiddleware(mw))

	tr, err := fx.router.Push("/a/b/d")
	waitT(t, tr, err)

	mu.Lock()
	defer mu.Unlock()
	if seen["navigate"] != tr.ID || seen["fetch-resolved"] != tr.ID {
		t.Errorf("seen = %v, transition = %s", seen, tr.ID)
	}
}

func TestNewRequiresFetcher(t *testing.T) {
	_, err := New(reducer.Init{URL: rt.URL(t, origin+"/"), Tree: rt.Chain("a")})
	if err == nil {
		t.Error("expected error")
	}
}

func TestIsBot(t *testing.T) {
	tests := []struct {
		ua   string
		want bool
	}{
		{"Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)", true},
		{"Mozilla/5.0 (compatible; bingbot/2.0; +http://www.bing.com/bingbot.htm)", true},
		{"Slackbot-LinkExpanding 1.0", true},
		{"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_0) AppleWebKit/605.1.15 Safari/605.1.15", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsBot(tt.ua); got != tt.want {
			t.Errorf("IsBot(%q) = %v, want %v", tt.ua, got, tt.want)
		}
	}
}
