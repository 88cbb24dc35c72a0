package router

import (
	"context"
	"encoding/json"
	"sync"

	rerrors "github.com/vango-dev/approuter/internal/errors"
)

// Registry holds the mounted router so server actions can be called without
// a reference to it.
type Registry struct {
	mu      sync.RWMutex
	current *Router
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// DefaultRegistry is used by routers created without WithRegistry.
var DefaultRegistry = NewRegistry()

// Current returns the mounted router.
func (g *Registry) Current() (*Router, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.current, g.current != nil
}

// CallServerAction calls a server action through the mounted router.
func (g *Registry) CallServerAction(ctx context.Context, id string, args any) (json.RawMessage, error) {
	r, ok := g.Current()
	if !ok {
		return nil, rerrors.New("E108").WithDetail("no router is mounted")
	}
	return r.CallServerAction(ctx, id, args)
}

func (g *Registry) mount(r *Router) {
	g.mu.Lock()
	g.current = r
	g.mu.Unlock()
}

// unmount clears the registry if r is still the mounted router.
func (g *Registry) unmount(r *Router) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current != r {
		return false
	}
	g.current = nil
	return true
}
