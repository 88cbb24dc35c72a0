package history

import (
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/vango-dev/approuter/pkg/reducer"
	"github.com/vango-dev/approuter/pkg/routetree"
)

// Outcome is how a popstate event was handled.
type Outcome int

const (
	Ignored Outcome = iota
	Reloaded
	Restored
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case Reloaded:
		return "reloaded"
	case Restored:
		return "restored"
	default:
		return "ignored"
	}
}

// PopstateHandler turns popstate events into Restore actions.
type PopstateHandler struct {
	browser  Browser
	dispatch func(reducer.Action)
	logger   *slog.Logger
}

// NewPopstateHandler creates a handler dispatching through dispatch.
func NewPopstateHandler(browser Browser, dispatch func(reducer.Action), logger *slog.Logger) *PopstateHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PopstateHandler{browser: browser, dispatch: dispatch, logger: logger.With("component", "popstate")}
}

// Handle processes ev.
//
// Events without state are ignored. Entries written by another history
// consumer cannot be restored in place, so they trigger a full reload.
// Marked entries dispatch Restore with their route tree.
func (p *PopstateHandler) Handle(ev PopStateEvent) Outcome {
	raw := ev.State
	if len(raw) == 0 || gjson.ParseBytes(raw).Type == gjson.Null {
		p.logger.Warn("popstate without state", "url", ev.URL)
		return Ignored
	}

	if !gjson.ValidBytes(raw) || !gjson.GetBytes(raw, Marker).Bool() {
		p.logger.Info("foreign history entry, reloading", "url", ev.URL)
		p.browser.Reload()
		return Reloaded
	}

	tree, err := routetree.Parse([]byte(gjson.GetBytes(raw, "tree").Raw))
	if err != nil || tree == nil {
		p.logger.Warn("unreadable history entry, reloading", "url", ev.URL, "error", err)
		p.browser.Reload()
		return Reloaded
	}

	p.dispatch(reducer.Restore{URL: ev.URL, Tree: tree})
	return Restored
}
