package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/vango-dev/approuter/pkg/flight"
	"github.com/vango-dev/approuter/pkg/routetree"
	rt "github.com/vango-dev/approuter/pkg/routertest"
)

// =============================================================================
// Helpers
// =============================================================================

func testConfig() *Config {
	c := DefaultConfig()
	c.RetryInterval = time.Millisecond
	c.MaxRetryTime = time.Second
	c.AttemptTimeout = time.Second
	return c
}

func newClient(t *testing.T, h http.Handler, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	base, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	opts = append([]Option{WithConfig(testConfig()), WithHTTPClient(srv.Client())}, opts...)
	return NewClient(base, opts...)
}

func request(t *testing.T, path string) *flight.Request {
	t.Helper()
	return &flight.Request{
		URL:     rt.URL(t, path),
		Tree:    rt.Chain("a", "b", "c"),
		NextURL: "/a/b/c",
	}
}

func leafResponse(leaf string) []byte {
	data, _ := json.Marshal(flight.Response{Patches: []flight.Patch{rt.LeafPatch([]string{"b"}, leaf)}})
	return data
}

func writePatch(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", flight.ContentType)
	w.Write(body)
}

// =============================================================================
// Fetch
// =============================================================================

func TestFetchSendsRouterHeaders(t *testing.T) {
	var got *http.Request
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		writePatch(w, leafResponse("d"))
	}))

	req := request(t, "/a/b/d?tab=1")
	req.TreeOnly = true
	resp, err := c.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(resp.Patches) != 1 || resp.Patches[0].Tree.Segment != rt.Seg("d") {
		t.Errorf("patches = %+v", resp.Patches)
	}

	if got.URL.Path != "/a/b/d" || got.URL.Query().Get("tab") != "1" || got.URL.Query().Get(flight.MarkerQuery) == "" {
		t.Errorf("url = %s", got.URL)
	}
	if got.Header.Get(flight.HeaderPatch) != "1" || got.Header.Get(flight.HeaderPrefetch) != "1" {
		t.Errorf("headers = %v", got.Header)
	}
	if got.Header.Get(flight.HeaderNextURL) != "/a/b/c" {
		t.Errorf("next url = %q", got.Header.Get(flight.HeaderNextURL))
	}
	tree, err := flight.DecodeStateTree(got.Header.Get(flight.HeaderStateTree))
	if err != nil || !routetree.Equal(tree, req.Tree) {
		t.Errorf("state tree = %v, %v", tree, err)
	}
}

func TestFetchDecodesContentEncoding(t *testing.T) {
	body := leafResponse("d")
	encode := map[string]func([]byte) []byte{
		"gzip": func(b []byte) []byte {
			var buf bytes.Buffer
			zw := gzip.NewWriter(&buf)
			zw.Write(b)
			zw.Close()
			return buf.Bytes()
		},
		"zstd": func(b []byte) []byte {
			var buf bytes.Buffer
			zw, _ := zstd.NewWriter(&buf)
			zw.Write(b)
			zw.Close()
			return buf.Bytes()
		},
		"identity": func(b []byte) []byte { return b },
	}
	for name, enc := range encode {
		t.Run(name, func(t *testing.T) {
			c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if !strings.Contains(r.Header.Get("Accept-Encoding"), "zstd") {
					t.Errorf("Accept-Encoding = %q", r.Header.Get("Accept-Encoding"))
				}
				w.Header().Set("Content-Encoding", name)
				writePatch(w, enc(body))
			}))
			resp, err := c.Fetch(context.Background(), request(t, "/a/b/d"))
			if err != nil {
				t.Fatalf("Fetch: %v", err)
			}
			if resp.Patches[0].Tree.Segment != rt.Seg("d") {
				t.Errorf("patch = %v", resp.Patches[0].String())
			}
		})
	}
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writePatch(w, leafResponse("d"))
	}))

	if _, err := c.Fetch(context.Background(), request(t, "/a/b/d")); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d", got)
	}
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := c.Fetch(context.Background(), request(t, "/a/b/d"))
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
		t.Fatalf("err = %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d", got)
	}
}

func TestFetchNonPatchResponse(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, "<html></html>")
	}))

	_, err := c.Fetch(context.Background(), request(t, "/a/b/d"))
	if !errors.Is(err, ErrNotPatch) || !errors.Is(err, flight.ErrUnavailable) {
		t.Errorf("err = %v", err)
	}
}

func TestFetchFollowsRedirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		u := *r.URL
		u.Path = "/a/b/new"
		http.Redirect(w, r, u.String(), http.StatusTemporaryRedirect)
	})
	mux.HandleFunc("/a/b/new", func(w http.ResponseWriter, r *http.Request) {
		writePatch(w, leafResponse("new"))
	})
	c := newClient(t, mux)

	resp, err := c.Fetch(context.Background(), request(t, "/old"))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if resp.CanonicalURL != "/a/b/new" {
		t.Errorf("CanonicalURL = %q", resp.CanonicalURL)
	}
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	var calls atomic.Int32
	cfg := testConfig()
	cfg.MaxRetries = 0
	cfg.BreakerFailures = 2
	cfg.BreakerTimeout = time.Minute
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}), WithConfig(cfg))

	for i := 0; i < 2; i++ {
		if _, err := c.Fetch(context.Background(), request(t, "/a/b/d")); err == nil {
			t.Fatal("expected error")
		}
	}
	if got := c.BreakerState(); got != "open" {
		t.Fatalf("breaker = %s", got)
	}

	_, err := c.Fetch(context.Background(), request(t, "/a/b/d"))
	if !errors.Is(err, flight.ErrUnavailable) {
		t.Errorf("err = %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("calls = %d", got)
	}
}

// =============================================================================
// Server actions
// =============================================================================

func TestCallAction(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get(flight.HeaderAction) != "increment" {
			t.Errorf("method = %s action = %q", r.Method, r.Header.Get(flight.HeaderAction))
		}
		if r.URL.Query().Has(flight.MarkerQuery) {
			t.Error("action calls go to the page URL")
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"by":1}` {
			t.Errorf("body = %s", body)
		}
		data, _ := json.Marshal(flight.Response{ActionResult: json.RawMessage(`2`)})
		writePatch(w, data)
	}))

	resp, err := c.CallAction(context.Background(), "increment", json.RawMessage(`{"by":1}`), request(t, "/a/b/c"))
	if err != nil {
		t.Fatalf("CallAction: %v", err)
	}
	if string(resp.ActionResult) != "2" {
		t.Errorf("result = %s", resp.ActionResult)
	}
}

// =============================================================================
// S3
// =============================================================================

type fakeS3 struct {
	objects map[string]string
	keys    []string
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.keys = append(f.keys, *in.Key)
	body, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func TestS3SourceReadsExportedDocuments(t *testing.T) {
	page, _ := json.Marshal(flight.Response{Patches: []flight.Patch{{
		Tree:     rt.Chain("a", "b", "d"),
		Rendered: rt.Rendered("a", "b", "d"),
	}}})
	fake := &fakeS3{objects: map[string]string{
		"export/a/b/d.txt": string(page),
		"export/index.txt": string(page),
	}}
	src := NewS3Source(fake, "site", "export/")

	resp, err := src.Fetch(context.Background(), request(t, "/a/b/d"))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(resp.Patches) != 1 || len(resp.Patches[0].Path) != 0 {
		t.Errorf("patches = %+v", resp.Patches)
	}
	if _, err := src.Fetch(context.Background(), request(t, "/")); err != nil {
		t.Fatalf("Fetch root: %v", err)
	}

	_, err = src.Fetch(context.Background(), request(t, "/missing"))
	if !errors.Is(err, flight.ErrUnavailable) {
		t.Errorf("missing object: %v", err)
	}

	want := []string{"export/a/b/d.txt", "export/index.txt", "export/missing.txt"}
	if diff := cmp.Diff(want, fake.keys); diff != "" {
		t.Errorf("keys (-want +got):\n%s", diff)
	}
}

func TestS3Key(t *testing.T) {
	src := NewS3Source(&fakeS3{}, "site", "")
	tests := map[string]string{
		"/":      "index.txt",
		"/a":     "a.txt",
		"/a/b/":  "a/b.txt",
		"/a/b/c": "a/b/c.txt",
	}
	for in, want := range tests {
		if got := src.Key(in); got != want {
			t.Errorf("Key(%q) = %q, want %q", in, got, want)
		}
	}
}
