package flight

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/vango-dev/approuter/pkg/routetree"
)

// ErrTreeMismatch is returned when a patch path no longer matches the shape of
// the route tree it is applied to. Callers fall back to a full navigation.
var ErrTreeMismatch = errors.New("flight: patch path does not match route tree")

// ErrUnavailable is returned by fetchers that refuse to contact the server,
// e.g. while a circuit breaker is open. Navigations fall back to a full load.
var ErrUnavailable = errors.New("flight: patch source unavailable")

// PathStep is one step of a patch path: descend into Slot, where Segment is
// expected. For the terminal step, Segment is the segment being installed.
type PathStep struct {
	Slot    string            `json:"slot"`
	Segment routetree.Segment `json:"segment"`
}

// Rendered mirrors a route tree slice with the rendered output of each level.
type Rendered struct {
	Output json.RawMessage      `json:"output,omitempty"`
	Head   json.RawMessage      `json:"head,omitempty"`
	Slots  map[string]*Rendered `json:"slots,omitempty"`
}

// Child returns the rendered slice for slot, or nil.
func (r *Rendered) Child(slot string) *Rendered {
	if r == nil {
		return nil
	}
	return r.Slots[slot]
}

// Patch describes a subtree replacement at Path.
type Patch struct {
	// Path leads from the root to the replaced slot. Empty replaces the root.
	Path []PathStep `json:"path"`

	// Tree is the new route tree slice installed at the end of Path.
	Tree *routetree.Node `json:"tree"`

	// Rendered is the rendered slice for Tree. Nil for tree-only patches.
	Rendered *Rendered `json:"rendered,omitempty"`

	// Head is the document head produced for the new URL, if any.
	Head json.RawMessage `json:"head,omitempty"`
}

// TreeOnly reports whether the patch carries no rendered output.
func (p *Patch) TreeOnly() bool {
	return p.Rendered == nil
}

// Validate checks the structural requirements of a patch.
func (p *Patch) Validate() error {
	if p == nil {
		return errors.New("flight: nil patch")
	}
	if p.Tree == nil {
		return errors.New("flight: patch has no tree")
	}
	for i, step := range p.Path {
		if step.Slot == "" {
			return fmt.Errorf("flight: patch step %d has no slot", i)
		}
	}
	return nil
}

// String renders the path as "slot/segment/slot/segment".
func (p *Patch) String() string {
	var b strings.Builder
	for i, step := range p.Path {
		if i > 0 {
			b.WriteString("/")
		}
		b.WriteString(step.Slot)
		b.WriteString(":")
		b.WriteString(step.Segment.String())
	}
	if b.Len() == 0 {
		return "<root>"
	}
	return b.String()
}

// Response is a decoded server answer.
type Response struct {
	// Patches are applied in order.
	Patches []Patch `json:"patches,omitempty"`

	// CanonicalURL overrides the URL the client shows, e.g. after a rewrite.
	CanonicalURL string `json:"canonicalUrl,omitempty"`

	// Redirect instructs the client to navigate elsewhere instead.
	Redirect string `json:"redirect,omitempty"`

	// ActionResult is the return value of a server action.
	ActionResult json.RawMessage `json:"actionResult,omitempty"`
}

// TreeOnly reports whether every patch in the response lacks rendered output.
func (r *Response) TreeOnly() bool {
	if r == nil || len(r.Patches) == 0 {
		return false
	}
	for i := range r.Patches {
		if !r.Patches[i].TreeOnly() {
			return false
		}
	}
	return true
}

// Decode parses a response body.
func Decode(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("flight: decode response: %w", err)
	}
	for i := range resp.Patches {
		if err := resp.Patches[i].Validate(); err != nil {
			return nil, err
		}
	}
	return &resp, nil
}

// Request describes a patch fetch.
type Request struct {
	// URL is the navigable target URL (no patch marker).
	URL *url.URL

	// Tree is the client's current route tree, sent so the server can answer
	// with the smallest patch that reaches the target.
	Tree *routetree.Node

	// NextURL is the path of the currently shown URL.
	NextURL string

	// TreeOnly asks for a tree-only answer (AUTO prefetch).
	TreeOnly bool
}

// Fetcher loads patch documents.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}
