package push

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"

	"github.com/vango-dev/approuter/pkg/flight"
	"github.com/vango-dev/approuter/pkg/history"
	"github.com/vango-dev/approuter/pkg/reducer"
	"github.com/vango-dev/approuter/pkg/router"
	"github.com/vango-dev/approuter/pkg/routetree"
	rt "github.com/vango-dev/approuter/pkg/routertest"
)

// =============================================================================
// Helpers
// =============================================================================

func newRouter(t *testing.T) *router.Router {
	t.Helper()
	start := rt.URL(t, "https://app.test/a/b/c")
	r, err := router.New(reducer.Init{
		URL:      start,
		Tree:     rt.Chain("a", "b", "c"),
		Rendered: rt.Rendered("a", "b", "c"),
	},
		router.WithFetcher(rt.NewFetcher(rt.Patches(rt.LeafPatch([]string{"b"}, "c")))),
		router.WithBrowser(history.NewMemoryBrowser(start)),
		router.WithRegistry(router.NewRegistry()),
	)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Mount(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func leafOutput(s reducer.State) string {
	tree, cache := s.Tree, s.Cache
	for tree.Child(routetree.ChildrenSlot) != nil {
		child := tree.Child(routetree.ChildrenSlot)
		cache = cache.Child(routetree.ChildrenSlot, child.Segment)
		tree = child
	}
	return string(cache.Rendered)
}

func patchFrame(prev *routetree.Node, output string) Frame {
	return Frame{
		Type:         TypePatch,
		PreviousTree: prev,
		Response: &flight.Response{Patches: []flight.Patch{{
			Path:     rt.Path("b", "c"),
			Tree:     routetree.Leaf(rt.Seg("c")),
			Rendered: &flight.Rendered{Output: rt.Output(output)},
		}}},
	}
}

func settle(t *testing.T, r *router.Router) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Settle(ctx); err != nil {
		t.Fatal(err)
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestFrameType(t *testing.T) {
	tests := map[string]string{
		`{"type":"patch","response":{}}`: TypePatch,
		`{"type":"ping"}`:                TypePing,
		`{}`:                             "",
		`not json`:                       "",
	}
	for in, want := range tests {
		if got := FrameType([]byte(in)); got != want {
			t.Errorf("FrameType(%s) = %q, want %q", in, got, want)
		}
	}
}

func TestHandleAppliesPatch(t *testing.T) {
	r := newRouter(t)
	s := NewSubscriber("ws://unused", r)

	msg, err := patchFrame(r.State().Tree, "c2").Encode()
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Handle(msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	settle(t, r)
	if got := leafOutput(r.State()); got != `"c2"` {
		t.Errorf("leaf output = %s", got)
	}
}

func TestHandleOverridesCanonicalURL(t *testing.T) {
	r := newRouter(t)
	s := NewSubscriber("ws://unused", r)

	f := patchFrame(nil, "c2")
	f.CanonicalURL = "/a/b/c?v=2"
	msg, _ := f.Encode()
	if err := s.Handle(msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	settle(t, r)
	if got := r.State().CanonicalURL(); got != "/a/b/c?v=2" {
		t.Errorf("CanonicalURL = %q", got)
	}
}

func TestHandleRejectsInvalidFrames(t *testing.T) {
	r := newRouter(t)
	s := NewSubscriber("ws://unused", r)

	for _, msg := range []string{`[1,2]`, `{"type":"patch"}`, `garbage`} {
		if err := s.Handle([]byte(msg)); err == nil {
			t.Errorf("Handle(%s): expected error", msg)
		}
	}
	if err := s.Handle([]byte(`{"type":"unknown"}`)); err != nil {
		t.Errorf("unknown frame types are ignored: %v", err)
	}
}

func TestHubToSubscriber(t *testing.T) {
	hub := NewHub(nil, nil)
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Close)

	r := newRouter(t)
	updated := make(chan string, 8)
	r.Subscribe(func(s reducer.State) { updated <- leafOutput(s) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	sub := NewSubscriber("ws"+strings.TrimPrefix(srv.URL, "http"), r)
	go func() { done <- sub.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for hub.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never connected")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if n, err := hub.Broadcast(patchFrame(r.State().Tree, "pushed")); err != nil || n != 1 {
		t.Fatalf("Broadcast = %d, %v", n, err)
	}
	select {
	case got := <-updated:
		if got != `"pushed"` {
			t.Errorf("leaf output = %s", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("patch never applied")
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestNewHubDefaults(t *testing.T) {
	tests := []struct {
		name   string
		config *HubConfig
		want   HubConfig
	}{
		{"nil", nil, *DefaultHubConfig()},
		{"zero", &HubConfig{}, *DefaultHubConfig()},
		{"negative", &HubConfig{WriteTimeout: -1, HeartbeatInterval: -1, SendBuffer: -1}, *DefaultHubConfig()},
		{
			"short heartbeat",
			&HubConfig{HeartbeatInterval: time.Second},
			HubConfig{WriteTimeout: 10 * time.Second, HeartbeatInterval: time.Second, ReadTimeout: 2 * time.Second, SendBuffer: 16},
		},
		{
			"kept",
			&HubConfig{WriteTimeout: time.Second, HeartbeatInterval: time.Second, ReadTimeout: 5 * time.Second, SendBuffer: 4},
			HubConfig{WriteTimeout: time.Second, HeartbeatInterval: time.Second, ReadTimeout: 5 * time.Second, SendBuffer: 4},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHub(tt.config, nil)
			defer h.Close()
			if diff := cmp.Diff(tt.want, *h.config); diff != "" {
				t.Errorf("config mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestHubDropsSilentSubscriber(t *testing.T) {
	hub := NewHub(&HubConfig{HeartbeatInterval: 20 * time.Millisecond, ReadTimeout: 60 * time.Millisecond}, nil)
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	// Pings go unanswered.
	pings := 0
	conn.SetPingHandler(func(string) error {
		pings++
		return nil
	})
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the hub to close the connection")
	} else if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
		t.Fatal("silent subscriber was never disconnected")
	}
	if pings == 0 {
		t.Error("hub sent no heartbeat")
	}

	deadline := time.Now().Add(5 * time.Second)
	for hub.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("hub still tracks the subscriber")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRefreshFrame(t *testing.T) {
	r := newRouter(t)
	s := NewSubscriber("ws://unused", r)

	if err := s.Handle([]byte(`{"type":"refresh"}`)); err != nil {
		t.Fatal(err)
	}
	settle(t, r)
	if r.State().Pending != nil {
		t.Error("refresh should complete")
	}
}
