package flight

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/vango-dev/approuter/pkg/routetree"
)

// MarkerQuery is the query parameter that distinguishes a patch fetch from a
// navigable URL.
const MarkerQuery = "_rsc"

// Wire headers.
const (
	HeaderPatch     = "RSC"
	HeaderStateTree = "Router-State-Tree"
	HeaderPrefetch  = "Router-Prefetch"
	HeaderNextURL   = "Next-Url"
	HeaderAction    = "Router-Action"
)

// ContentType is the media type of patch responses.
const ContentType = "application/x-router-patch+json"

// CreateHref returns path, query and fragment of u, the form stored in
// history entries and compared against the browser location.
func CreateHref(u *url.URL) string {
	if u == nil {
		return ""
	}
	href := u.EscapedPath()
	if href == "" {
		href = "/"
	}
	if u.RawQuery != "" {
		href += "?" + u.RawQuery
	}
	if u.Fragment != "" {
		href += "#" + u.EscapedFragment()
	}
	return href
}

// PrefetchHref returns the href used as prefetch cache key: the canonical
// href without fragment.
func PrefetchHref(u *url.URL) string {
	c := CanonicalURL(u, false)
	c.Fragment = ""
	c.RawFragment = ""
	return CreateHref(c)
}

// CanonicalURL returns a copy of u without the patch marker. When
// staticExport is set, the ".txt" suffix of exported patch files is removed
// as well.
func CanonicalURL(u *url.URL, staticExport bool) *url.URL {
	c := *u
	q := c.Query()
	if q.Has(MarkerQuery) {
		q.Del(MarkerQuery)
		c.RawQuery = q.Encode()
	}
	if staticExport {
		switch {
		case strings.HasSuffix(c.Path, "/index.txt"):
			c.Path = strings.TrimSuffix(c.Path, "index.txt")
			if len(c.Path) > 1 {
				c.Path = strings.TrimSuffix(c.Path, "/")
			}
		case strings.HasSuffix(c.Path, ".txt"):
			c.Path = strings.TrimSuffix(c.Path, ".txt")
		}
		c.RawPath = ""
	}
	return &c
}

// StaticExportKey returns the object key of the exported patch file for path.
func StaticExportKey(path string) string {
	path = strings.Trim(path, "/")
	if path == "" {
		return "index.txt"
	}
	return path + ".txt"
}

// PatchURL returns the URL a patch request for req is sent to: the target
// plus the marker query, whose value varies with the request headers so that
// HTTP caches never serve a patch for a different client tree.
func PatchURL(req *Request) *url.URL {
	c := CanonicalURL(req.URL, false)
	c.Fragment = ""
	c.RawFragment = ""

	h := xxhash.New()
	_, _ = h.WriteString(EncodeStateTree(req.Tree))
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(strconv.FormatBool(req.TreeOnly))
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(req.NextURL)

	q := c.Query()
	q.Set(MarkerQuery, strconv.FormatUint(h.Sum64(), 36))
	c.RawQuery = q.Encode()
	return c
}

// EncodeStateTree encodes tree for the state tree header.
func EncodeStateTree(tree *routetree.Node) string {
	if tree == nil {
		return ""
	}
	data, err := json.Marshal(tree)
	if err != nil {
		return ""
	}
	return url.QueryEscape(string(data))
}

// DecodeStateTree reverses EncodeStateTree.
func DecodeStateTree(s string) (*routetree.Node, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := url.QueryUnescape(s)
	if err != nil {
		return nil, fmt.Errorf("flight: invalid state tree header: %w", err)
	}
	return routetree.Parse([]byte(raw))
}

// IsExternal reports whether target lives on a different origin than current.
func IsExternal(target, current *url.URL) bool {
	if target == nil || current == nil {
		return false
	}
	if target.Scheme == "" && target.Host == "" {
		return false
	}
	return !strings.EqualFold(target.Scheme, current.Scheme) || !strings.EqualFold(target.Host, current.Host)
}

// Resolve parses href relative to base.
func Resolve(href string, base *url.URL) (*url.URL, error) {
	ref, err := url.Parse(href)
	if err != nil {
		return nil, err
	}
	if base == nil {
		return ref, nil
	}
	return base.ResolveReference(ref), nil
}

// OnlyHashChange reports whether next differs from current only by fragment.
func OnlyHashChange(current, next *url.URL) bool {
	if current == nil || next == nil || next.Fragment == "" {
		return false
	}
	return current.Scheme == next.Scheme &&
		current.Host == next.Host &&
		current.EscapedPath() == next.EscapedPath() &&
		current.RawQuery == next.RawQuery
}
