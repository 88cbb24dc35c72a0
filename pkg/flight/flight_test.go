package flight

import (
	"context"
	"net/url"
	"testing"

	"github.com/vango-dev/approuter/pkg/routetree"
)

func mustURL(t *testing.T, s string) *url.URL {
	t.Helper()
	u, err := url.Parse(s)
	if err != nil {
		t.Fatalf("url.Parse(%q): %v", s, err)
	}
	return u
}

// =============================================================================
// URL helpers
// =============================================================================

func TestCreateHref(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://example.com/a/b?x=1#top", "/a/b?x=1#top"},
		{"https://example.com", "/"},
		{"/docs?q=go", "/docs?q=go"},
	}
	for _, tt := range tests {
		if got := CreateHref(mustURL(t, tt.in)); got != tt.want {
			t.Errorf("CreateHref(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if CreateHref(nil) != "" {
		t.Error("CreateHref(nil) should be empty")
	}
}

func TestCanonicalURL(t *testing.T) {
	tests := []struct {
		in           string
		staticExport bool
		want         string
	}{
		{"https://example.com/a?_rsc=abc&x=1", false, "/a?x=1"},
		{"https://example.com/a?_rsc=abc", false, "/a"},
		{"https://example.com/a/b.txt", true, "/a/b"},
		{"https://example.com/a/index.txt", true, "/a"},
		{"https://example.com/index.txt", true, "/"},
		{"https://example.com/a/b.txt", false, "/a/b.txt"},
	}
	for _, tt := range tests {
		got := CreateHref(CanonicalURL(mustURL(t, tt.in), tt.staticExport))
		if got != tt.want {
			t.Errorf("CanonicalURL(%q, %v) = %q, want %q", tt.in, tt.staticExport, got, tt.want)
		}
	}
}

func TestPrefetchHrefDropsFragmentAndMarker(t *testing.T) {
	got := PrefetchHref(mustURL(t, "https://example.com/a?_rsc=1&q=2#frag"))
	if got != "/a?q=2" {
		t.Errorf("PrefetchHref = %q", got)
	}
}

func TestStaticExportKey(t *testing.T) {
	for in, want := range map[string]string{"/": "index.txt", "": "index.txt", "/a/b": "a/b.txt", "/a/": "a.txt"} {
		if got := StaticExportKey(in); got != want {
			t.Errorf("StaticExportKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPatchURLMarkerVariesWithTree(t *testing.T) {
	target := mustURL(t, "https://example.com/a?x=1#h")
	t1 := routetree.MustParse(`["", {"children": ["a", {}]}]`)
	t2 := routetree.MustParse(`["", {"children": ["b", {}]}]`)

	u1 := PatchURL(&Request{URL: target, Tree: t1})
	u2 := PatchURL(&Request{URL: target, Tree: t2})
	u1again := PatchURL(&Request{URL: target, Tree: t1})

	if u1.Query().Get(MarkerQuery) == "" {
		t.Fatal("marker missing")
	}
	if u1.Query().Get("x") != "1" {
		t.Error("original query lost")
	}
	if u1.Fragment != "" {
		t.Error("fragment must not be sent")
	}
	if u1.String() == u2.String() {
		t.Error("marker must vary with the tree")
	}
	if u1.String() != u1again.String() {
		t.Error("marker must be deterministic")
	}
	if CreateHref(CanonicalURL(u1, false)) != "/a?x=1" {
		t.Errorf("canonical of patch URL = %q", CreateHref(CanonicalURL(u1, false)))
	}
}

func TestStateTreeHeaderRoundTrip(t *testing.T) {
	tree := routetree.MustParse(`["", {"children": [["id","7","d"], {}]}]`)
	back, err := DecodeStateTree(EncodeStateTree(tree))
	if err != nil {
		t.Fatalf("DecodeStateTree: %v", err)
	}
	if !routetree.Equal(tree, back) {
		t.Error("state tree changed in round trip")
	}
	if n, err := DecodeStateTree(""); n != nil || err != nil {
		t.Error("empty header should decode to nil")
	}
}

func TestIsExternal(t *testing.T) {
	current := mustURL(t, "https://example.com/a")
	tests := []struct {
		target string
		want   bool
	}{
		{"https://example.com/b", false},
		{"/relative", false},
		{"https://other.com/b", true},
		{"http://example.com/b", true},
	}
	for _, tt := range tests {
		if got := IsExternal(mustURL(t, tt.target), current); got != tt.want {
			t.Errorf("IsExternal(%q) = %v, want %v", tt.target, got, tt.want)
		}
	}
}

func TestOnlyHashChange(t *testing.T) {
	cur := mustURL(t, "https://example.com/a?x=1")
	if !OnlyHashChange(cur, mustURL(t, "https://example.com/a?x=1#sec")) {
		t.Error("expected hash-only change")
	}
	if OnlyHashChange(cur, mustURL(t, "https://example.com/b#sec")) {
		t.Error("path change is not hash-only")
	}
	if OnlyHashChange(cur, mustURL(t, "https://example.com/a?x=1")) {
		t.Error("no fragment is not a hash change")
	}
}

// =============================================================================
// Documents
// =============================================================================

func TestDecode(t *testing.T) {
	body := []byte(`{
		"patches": [{
			"path": [{"slot": "children", "segment": "b"}],
			"tree": ["b", {}],
			"rendered": {"output": "<b/>"}
		}],
		"canonicalUrl": "/b"
	}`)
	resp, err := Decode(body)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(resp.Patches) != 1 || resp.CanonicalURL != "/b" {
		t.Fatalf("resp = %+v", resp)
	}
	p := resp.Patches[0]
	if p.Path[0].Segment != routetree.Static("b") || p.TreeOnly() {
		t.Errorf("patch = %+v", p)
	}
	if string(p.Rendered.Output) != `"<b/>"` {
		t.Errorf("output = %s", p.Rendered.Output)
	}
	if resp.TreeOnly() {
		t.Error("response has rendered output")
	}
	if p.String() != "children:b" {
		t.Errorf("String() = %q", p.String())
	}
}

func TestDecodeRejectsInvalidPatches(t *testing.T) {
	for _, body := range []string{
		`not json`,
		`{"patches": [{"path": []}]}`,
		`{"patches": [{"path": [{"segment": "a"}], "tree": ["a", {}]}]}`,
	} {
		if _, err := Decode([]byte(body)); err == nil {
			t.Errorf("Decode(%s) expected error", body)
		}
	}
}

func TestTreeOnlyResponse(t *testing.T) {
	resp := &Response{Patches: []Patch{{Tree: routetree.Leaf(routetree.Static("a"))}}}
	if !resp.TreeOnly() {
		t.Error("expected tree-only")
	}
	if (&Response{}).TreeOnly() {
		t.Error("empty response is not tree-only")
	}
}

func TestFetcherFunc(t *testing.T) {
	called := false
	var f Fetcher = FetcherFunc(func(ctx context.Context, req *Request) (*Response, error) {
		called = true
		return &Response{}, nil
	})
	if _, err := f.Fetch(context.Background(), &Request{}); err != nil || !called {
		t.Error("FetcherFunc did not delegate")
	}
}
