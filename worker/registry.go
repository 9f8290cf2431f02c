package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// HandlerFunc does the work for one request. The returned value is sent back as the response results.
type HandlerFunc func(ctx context.Context, data json.RawMessage) (any, error)

// Registry maps worker names, as they appear in requests, to handlers.
type Registry struct {
	mut      sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]HandlerFunc{}}
}

func (r *Registry) Register(name string, h HandlerFunc) error {
	if name == "" {
		return fmt.Errorf("registering worker: empty name")
	}
	if h == nil {
		return fmt.Errorf("registering worker %q: nil handler", name)
	}
	r.mut.Lock()
	defer r.mut.Unlock()
	if _, ok := r.handlers[name]; ok {
		return fmt.Errorf("worker %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

func (r *Registry) Lookup(name string) (HandlerFunc, bool) {
	r.mut.RLock()
	defer r.mut.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered worker names in sorted order.
func (r *Registry) Names() []string {
	r.mut.RLock()
	defer r.mut.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Len() int {
	r.mut.RLock()
	defer r.mut.RUnlock()
	return len(r.handlers)
}
