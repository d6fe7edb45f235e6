package plugins

import (
	"context"
	"sync"
)

// Properties answers the enable/disable lookups for plugins
type Properties interface {
	AllDisabled() bool
	Disabled(name string) bool
}

// Refresher is implemented by Properties backed by an external store.
// The registry refreshes them before every discovery pass.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Toggler is implemented by Properties that can be changed at runtime
type Toggler interface {
	SetDisabled(ctx context.Context, name string, disabled bool) error
	SetAllDisabled(ctx context.Context, disabled bool) error
}

type MemoryProperties struct {
	mu       sync.RWMutex
	all      bool
	disabled map[string]bool
}

func NewMemoryProperties(allDisabled bool, disabled ...string) *MemoryProperties {
	p := &MemoryProperties{
		all:      allDisabled,
		disabled: map[string]bool{},
	}

	for _, name := range disabled {
		p.disabled[name] = true
	}

	return p
}

func (p *MemoryProperties) AllDisabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.all
}

func (p *MemoryProperties) Disabled(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.all || p.disabled[name]
}

func (p *MemoryProperties) SetDisabled(_ context.Context, name string, disabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if disabled {
		p.disabled[name] = true
	} else {
		delete(p.disabled, name)
	}

	return nil
}

func (p *MemoryProperties) SetAllDisabled(_ context.Context, disabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.all = disabled
	return nil
}
