package patchserver

import (
	"encoding/json"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/vango-dev/approuter/pkg/flight"
	"github.com/vango-dev/approuter/pkg/routetree"
)

// negotiate picks the response coding from an Accept-Encoding header.
// zstd wins over gzip; q-values of zero disable a coding.
func negotiate(header string) string {
	var zstdOK, gzipOK bool
	for _, part := range strings.Split(header, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if q, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok {
			if v, err := strconv.ParseFloat(q, 64); err == nil && v == 0 {
				continue
			}
		}
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "zstd":
			zstdOK = true
		case "gzip", "x-gzip":
			gzipOK = true
		}
	}
	switch {
	case zstdOK:
		return "zstd"
	case gzipOK:
		return "gzip"
	}
	return ""
}

// writeBody writes data, compressed when the client accepts it and the body
// is large enough.
func (s *Server) writeBody(w http.ResponseWriter, r *http.Request, data []byte) {
	coding := ""
	if len(data) >= s.config.MinCompressSize {
		coding = negotiate(r.Header.Get("Accept-Encoding"))
	}

	var enc io.WriteCloser
	switch coding {
	case "zstd":
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			coding = ""
			break
		}
		enc = zw
	case "gzip":
		enc = gzip.NewWriter(w)
	}

	if coding == "" {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		w.Write(data)
		return
	}
	w.Header().Set("Content-Encoding", coding)
	w.WriteHeader(http.StatusOK)
	if _, err := enc.Write(data); err != nil {
		s.logger.Debug("write failed", "error", err)
	}
	if err := enc.Close(); err != nil {
		s.logger.Debug("write failed", "error", err)
	}
}

var documentTemplate = template.Must(template.New("document").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
</head>
<body>
<script id="__ROUTER_STATE__" type="application/json">{{.State}}</script>
</body>
</html>
`))

// serveDocument serves the HTML document for a navigable URL. The initial
// route tree and rendered output are embedded for the client to mount.
func (s *Server) serveDocument(w http.ResponseWriter, r *http.Request, p string) {
	tree, rendered, ok := s.site.Render(p)
	if !ok {
		http.NotFound(w, r)
		return
	}
	var head struct {
		Title string `json:"title"`
	}
	if leaf := leafRendered(rendered); leaf != nil && len(leaf.Head) > 0 {
		_ = json.Unmarshal(leaf.Head, &head)
	}

	state, err := json.Marshal(map[string]any{"tree": tree, "rendered": rendered})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Vary", "RSC")
	if err := documentTemplate.Execute(w, map[string]any{
		"Title": head.Title,
		"State": template.JS(state),
	}); err != nil {
		s.logger.Debug("write failed", "error", err)
	}
}

func leafRendered(r *flight.Rendered) *flight.Rendered {
	for r != nil && r.Child(routetree.ChildrenSlot) != nil {
		r = r.Child(routetree.ChildrenSlot)
	}
	return r
}
