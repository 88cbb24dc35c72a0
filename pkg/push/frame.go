// Package push delivers server-initiated patches to a router over a
// WebSocket.
//
// A Hub runs on the server and broadcasts frames to every connected client.
// A Subscriber runs next to a router, reconnects with backoff when the
// connection drops and turns patch frames into
// router.ChangeByServerResponse calls.
//
// Frames are JSON objects with a "type" field:
//
//	{"type":"patch","previousTree":[...],"response":{...}}
//	{"type":"refresh"}
//	{"type":"ping"}
package push

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/vango-dev/approuter/pkg/flight"
	"github.com/vango-dev/approuter/pkg/routetree"
)

// Frame types.
const (
	TypePatch   = "patch"
	TypeRefresh = "refresh"
	TypePing    = "ping"
)

// Frame is one message from the hub.
type Frame struct {
	Type string `json:"type"`

	// PreviousTree is the tree the patch was computed against. Clients
	// showing another tree drop the patch.
	PreviousTree *routetree.Node `json:"previousTree,omitempty"`

	Response *flight.Response `json:"response,omitempty"`

	// CanonicalURL overrides the URL shown after the patch.
	CanonicalURL string `json:"canonicalUrl,omitempty"`
}

// Encode returns the wire form of f.
func (f Frame) Encode() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("push: encode frame: %w", err)
	}
	return data, nil
}

// FrameType returns the type of a raw frame without decoding it, or "" if
// data is not a JSON object.
func FrameType(data []byte) string {
	if !gjson.ValidBytes(data) {
		return ""
	}
	return gjson.GetBytes(data, "type").String()
}

// DecodeFrame parses a raw frame.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("push: decode frame: %w", err)
	}
	if f.Response != nil {
		for i := range f.Response.Patches {
			if err := f.Response.Patches[i].Validate(); err != nil {
				return nil, err
			}
		}
	}
	return &f, nil
}
