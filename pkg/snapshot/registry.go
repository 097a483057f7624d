package snapshot

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry is the ordered, explicit list of providers a snapshot can touch.
// Providers are registered at process start; there is no discovery.
type Registry struct {
	mu    sync.RWMutex
	order []Provider
	byID  map[string]Provider
}

// NewRegistry registers ps in order and checks their declared dependencies.
func NewRegistry(ps ...Provider) (*Registry, error) {
	r := &Registry{byID: make(map[string]Provider, len(ps))}
	for _, p := range ps {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Register appends a provider.
func (r *Registry) Register(p Provider) error {
	if p == nil {
		return fmt.Errorf("provider is nil")
	}
	id := p.ID()
	if id == "" {
		return fmt.Errorf("provider id is empty")
	}
	if p.Version() <= 0 {
		return fmt.Errorf("provider %q has invalid version %d", id, p.Version())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byID == nil {
		r.byID = make(map[string]Provider)
	}
	if _, exists := r.byID[id]; exists {
		return fmt.Errorf("provider %q already registered", id)
	}
	r.byID[id] = p
	r.order = append(r.order, p)
	return nil
}

// All returns the providers in registration order.
func (r *Registry) All() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Provider(nil), r.order...)
}

// Resolve returns a provider by id.
func (r *Registry) Resolve(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	return p, ok
}

// Validate checks that every declared dependency is registered and that the
// dependency graph is acyclic.
func (r *Registry) Validate() error {
	r.mu.RLock()
	all := append([]Provider(nil), r.order...)
	r.mu.RUnlock()
	for _, p := range all {
		for _, dep := range p.Describe().DependsOn {
			if dep == p.ID() {
				return fmt.Errorf("provider %q depends on itself", dep)
			}
			if _, ok := r.Resolve(dep); !ok {
				return fmt.Errorf("provider %q depends on unregistered provider %q", p.ID(), dep)
			}
		}
	}
	_, err := r.Levels(nil)
	return err
}

// Levels groups the providers named by ids into restore levels: every
// provider appears after all of its dependencies that are also in ids.
// Providers within a level keep registration order and are independent of
// each other. A nil ids selects every registered provider.
func (r *Registry) Levels(ids []string) ([][]Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	selected := make(map[string]bool, len(r.order))
	if ids == nil {
		for _, p := range r.order {
			selected[p.ID()] = true
		}
	} else {
		for _, id := range ids {
			if _, ok := r.byID[id]; !ok {
				return nil, fmt.Errorf("provider %q is not registered", id)
			}
			selected[id] = true
		}
	}

	pending := make(map[string]int)
	for _, p := range r.order {
		if !selected[p.ID()] {
			continue
		}
		n := 0
		for _, dep := range p.Describe().DependsOn {
			if selected[dep] {
				n++
			}
		}
		pending[p.ID()] = n
	}

	var levels [][]Provider
	done := make(map[string]bool, len(pending))
	for len(done) < len(pending) {
		var level []Provider
		for _, p := range r.order {
			id := p.ID()
			if !selected[id] || done[id] {
				continue
			}
			if pending[id] == 0 {
				level = append(level, p)
			}
		}
		if len(level) == 0 {
			var stuck []string
			for id := range pending {
				if !done[id] {
					stuck = append(stuck, id)
				}
			}
			sort.Strings(stuck)
			return nil, fmt.Errorf("provider dependency cycle among %s", strings.Join(stuck, ", "))
		}
		for _, p := range level {
			done[p.ID()] = true
		}
		for _, p := range r.order {
			id := p.ID()
			if !selected[id] || done[id] {
				continue
			}
			for _, dep := range p.Describe().DependsOn {
				for _, l := range level {
					if l.ID() == dep {
						pending[id]--
					}
				}
			}
		}
		levels = append(levels, level)
	}
	return levels, nil
}
