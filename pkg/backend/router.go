package backend

import (
	"context"
	"fmt"
	"sync"
)

// Route binds a tier to a concrete backend and model name
type Route struct {
	Backend Backend
	Model   string
}

// Router maps tiers to backend routes. Routes are registered at startup and
// looked up on every loop turn.
type Router struct {
	mu     sync.RWMutex
	routes map[Tier]Route
}

// NewRouter creates an empty router
func NewRouter() *Router {
	return &Router{
		routes: make(map[Tier]Route),
	}
}

// Register binds a tier to a backend and model
func (r *Router) Register(tier Tier, be Backend, model string) error {
	if !tier.Valid() {
		return fmt.Errorf("unknown tier: %s", tier)
	}
	if be == nil {
		return fmt.Errorf("tier %s: backend is nil", tier)
	}
	if model == "" {
		return fmt.Errorf("tier %s: model is empty", tier)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[tier] = Route{Backend: be, Model: model}
	return nil
}

// Route resolves a tier to its registered backend and model
func (r *Router) Route(tier Tier) (Route, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	route, ok := r.routes[tier]
	if !ok {
		return Route{}, fmt.Errorf("no route for tier: %s", tier)
	}
	return route, nil
}

// Tiers returns the tiers that currently have a route, in escalation order.
func (r *Router) Tiers() []Tier {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []Tier{}
	for _, t := range tierOrder {
		if _, ok := r.routes[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Complete routes a request to the tier's backend, filling in the model name.
func (r *Router) Complete(ctx context.Context, tier Tier, req Request) (*Completion, error) {
	route, err := r.Route(tier)
	if err != nil {
		return nil, err
	}

	req.Model = route.Model
	return route.Backend.Complete(ctx, req)
}
