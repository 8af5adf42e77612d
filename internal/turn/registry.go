package turn

import (
	"fmt"
	"sync"
)

// Registry holds one Router per session key. Sessions are independent
// mutual-exclusion domains: routing for one session never contends with
// another.
type Registry struct {
	mu      sync.RWMutex
	routers map[string]*Router
	limits  Limits
}

func NewRegistry() *Registry {
	return &Registry{routers: make(map[string]*Router)}
}

// SetLimits applies queue depth limits to routers bound after this
// call. Existing routers are unaffected.
func (g *Registry) SetLimits(l Limits) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limits = l
}

// Bind returns the router for sessionKey, creating it on first use.
// Window and drain are only applied at creation; rebinding an existing
// session returns the original router unchanged.
func (g *Registry) Bind(sessionKey string, window *SteerWindow, drain DrainFunc) *Router {
	g.mu.Lock()
	defer g.mu.Unlock()

	if r, ok := g.routers[sessionKey]; ok {
		return r
	}
	r := NewRouter(RouterConfig{SessionKey: sessionKey, Window: window, OnDrain: drain, Limits: g.limits})
	g.routers[sessionKey] = r
	return r
}

// Get returns the router for a previously bound session. Unknown keys
// fail closed — the registry refuses to classify for sessions it has
// never seen.
func (g *Registry) Get(sessionKey string) (*Router, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	r, ok := g.routers[sessionKey]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", sessionKey, ErrUnknownSession)
	}
	return r, nil
}

// Submit routes one message for a bound session.
func (g *Registry) Submit(sessionKey string, msg Message, interrupt bool) (Outcome, error) {
	r, err := g.Get(sessionKey)
	if err != nil {
		return Outcome{}, err
	}
	return r.Submit(msg, interrupt), nil
}

// Remove drops a session's router. Subsequent Get calls fail closed.
func (g *Registry) Remove(sessionKey string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.routers, sessionKey)
}

// Len returns the number of bound sessions.
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.routers)
}
