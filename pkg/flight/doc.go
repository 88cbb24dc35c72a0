// Package flight defines the patch documents exchanged with the server and the
// URL conventions around them.
//
// A Patch tells the client to re-render everything at and below a path of the
// route tree. The rendered payload is opaque to the router: it is carried as
// raw JSON and handed to the rendering layer untouched.
//
// A patch request is the navigable URL plus a query marker (_rsc) that tells
// the server to answer with patch documents instead of HTML. Canonical URLs
// never carry the marker.
package flight
