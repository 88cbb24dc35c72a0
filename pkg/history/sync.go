package history

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/vango-dev/approuter/pkg/flight"
	"github.com/vango-dev/approuter/pkg/reducer"
	"github.com/vango-dev/approuter/pkg/routetree"
)

// Marker is the state key that identifies entries written by this router.
const Marker = "__NA"

// Entry is the state stored with each history entry.
type Entry struct {
	Marker bool            `json:"__NA"`
	Tree   *routetree.Node `json:"tree"`
}

// Encode returns the JSON form of an entry for tree.
func Encode(tree *routetree.Node) (json.RawMessage, error) {
	data, err := json.Marshal(Entry{Marker: true, Tree: tree})
	if err != nil {
		return nil, fmt.Errorf("history: encode entry: %w", err)
	}
	return data, nil
}

// SyncResult describes what Sync wrote.
type SyncResult int

const (
	Replaced SyncResult = iota
	Pushed
	Loaded
)

// String returns the result name.
func (r SyncResult) String() string {
	switch r {
	case Pushed:
		return "push"
	case Loaded:
		return "load"
	default:
		return "replace"
	}
}

// Synchronizer writes committed states to a Browser.
type Synchronizer struct {
	browser Browser
	logger  *slog.Logger
}

// NewSynchronizer creates a synchronizer for browser.
func NewSynchronizer(browser Browser, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{browser: browser, logger: logger.With("component", "history")}
}

// Sync writes the entry for s. It must be called exactly once per committed
// transition.
//
// A state in full-reload mode hands its URL to the browser as a document
// load, in a new entry when the state asks for a push. Otherwise a new entry
// is pushed when the state asks for one and its href differs from the current
// location; in every other case the current entry is replaced.
func (h *Synchronizer) Sync(s reducer.State) (SyncResult, error) {
	if s.Mode == reducer.ModeFullReload {
		switch {
		case s.ReloadURL == nil:
			h.browser.Reload()
		case s.PushRef.PendingPush:
			h.browser.Assign(s.ReloadURL.String())
		default:
			h.browser.ReplaceLocation(s.ReloadURL.String())
		}
		h.logger.Debug("full document load", "url", s.ReloadURL, "push", s.PushRef.PendingPush)
		return Loaded, nil
	}

	state, err := Encode(s.Tree)
	if err != nil {
		return Replaced, err
	}
	href := s.CanonicalURL()

	if s.PushRef.PendingPush && flight.CreateHref(h.browser.Location()) != href {
		h.browser.PushState(state, href)
		return Pushed, nil
	}
	h.browser.ReplaceState(state, href)
	return Replaced, nil
}
