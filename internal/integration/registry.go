package integration

import (
	"fmt"
	"sync"

	"communitysync/internal/model"
)

// Registry maps a platform tag to its processor. Registration happens at
// startup; lookup is a map access, never reflection.
type Registry struct {
	mu         sync.RWMutex
	processors map[model.Platform]Processor
}

func NewRegistry() *Registry {
	return &Registry{processors: make(map[model.Platform]Processor)}
}

// Register adds a processor. Panics on a duplicate platform: that is a wiring
// bug, not a runtime condition.
func (r *Registry) Register(p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.processors[p.Platform()]; exists {
		panic(fmt.Sprintf("integration processor already registered: %s", p.Platform()))
	}
	r.processors[p.Platform()] = p
}

// Get returns the processor for a platform.
func (r *Registry) Get(platform model.Platform) (Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processors[platform]
	return p, ok
}

// Platforms lists every registered platform tag.
func (r *Registry) Platforms() []model.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Platform, 0, len(r.processors))
	for p := range r.processors {
		out = append(out, p)
	}
	return out
}
