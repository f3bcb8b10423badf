package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/orchestra/internal/model"
)

// Registry owns the adapters known to the process, keyed by backend id.
// It is populated at start-up; Unregister exists for tests and hot removal.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	logger   *slog.Logger
}

// NewRegistry creates an empty backend registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		logger:   logger,
	}
}

// Register adds an adapter under its descriptor id.
func (r *Registry) Register(a Adapter) error {
	id := a.Descriptor().ID
	if id == "" {
		return fmt.Errorf("register backend: empty id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[id]; exists {
		return fmt.Errorf("%w: %s", model.ErrDuplicateBackend, id)
	}
	r.adapters[id] = a
	return nil
}

// Unregister removes a backend. Unknown ids are ignored.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.adapters, id)
}

// Get returns the adapter for id.
func (r *Registry) Get(id string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}

// IsSupported reports whether id is registered.
func (r *Registry) IsSupported(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// ValidateSupport returns model.ErrUnsupportedBackend for unknown ids.
func (r *Registry) ValidateSupport(id string) error {
	if !r.IsSupported(id) {
		return fmt.Errorf("%w: %q", model.ErrUnsupportedBackend, id)
	}
	return nil
}

// Resolve returns the adapter for id or model.ErrUnsupportedBackend.
func (r *Registry) Resolve(id string) (Adapter, error) {
	a, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", model.ErrUnsupportedBackend, id)
	}
	return a, nil
}

// ListSupported returns the registered ids, sorted for stable output.
func (r *Registry) ListSupported() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Descriptor returns a copy of the descriptor registered under id.
func (r *Registry) Descriptor(id string) (Descriptor, bool) {
	a, ok := r.Get(id)
	if !ok {
		return Descriptor{}, false
	}
	return a.Descriptor().clone(), true
}

// List returns every descriptor, sorted by id for a stable API response.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a.Descriptor().clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

// InitializeAll initializes every adapter concurrently. cfgs supplies the
// per-backend configuration; backends without an entry get a zero Config.
// The first failure is returned and aborts start-up.
func (r *Registry) InitializeAll(ctx context.Context, cfgs map[string]Config) error {
	g, gctx := errgroup.WithContext(ctx)
	for id, a := range r.snapshot() {
		g.Go(func() error {
			if err := a.Initialize(gctx, cfgs[id]); err != nil {
				return fmt.Errorf("initialize backend %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// ShutdownAll shuts every adapter down concurrently. Failures are logged and
// do not stop the others.
func (r *Registry) ShutdownAll(ctx context.Context) {
	var wg sync.WaitGroup
	for id, a := range r.snapshot() {
		wg.Go(func() {
			if err := a.Shutdown(ctx); err != nil {
				r.logger.Error("backend shutdown failed", "backend", id, "error", err)
			}
		})
	}
	wg.Wait()
}

func (r *Registry) snapshot() map[string]Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Adapter, len(r.adapters))
	for id, a := range r.adapters {
		out[id] = a
	}
	return out
}
