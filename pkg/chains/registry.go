package chains

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/scalarorg/fact-relayer/pkg/types"
)

// Registry maps configured chain names to their adapters
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	registry := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, adapter := range adapters {
		registry.Register(adapter)
	}
	return registry
}

func (r *Registry) Register(adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Endpoint().Name] = adapter
}

// Endpoint returns the configuration of a chain whether or not it is connected
func (r *Registry) Endpoint(name string) (*types.ChainEndpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[name]
	if !ok {
		return nil, false
	}
	return adapter.Endpoint(), true
}

// Get returns the adapter of a connected chain, a ConnectionError otherwise
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	adapter, ok := r.adapters[name]
	r.mu.RUnlock()
	if !ok {
		return nil, types.NewError(types.ErrKindValidation, "chain %s is not configured", name).WithChain(name)
	}
	if !adapter.IsConnected() {
		return nil, types.NewError(types.ErrKindConnection, "chain %s is not connected", name).WithChain(name)
	}
	return adapter, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ConnectAll connects every adapter. A chain that fails to connect stays registered but unavailable.
func (r *Registry) ConnectAll(ctx context.Context) map[string]error {
	failures := make(map[string]error)
	var mu sync.Mutex
	var wg sync.WaitGroup
	r.mu.RLock()
	for name, adapter := range r.adapters {
		wg.Add(1)
		go func(name string, adapter Adapter) {
			defer wg.Done()
			if err := adapter.Connect(ctx); err != nil {
				log.Warn().Err(err).Str("chain", name).Msg("[Registry] [ConnectAll] chain is unavailable")
				mu.Lock()
				failures[name] = err
				mu.Unlock()
				return
			}
			log.Info().Str("chain", name).Msg("[Registry] [ConnectAll] chain connected")
		}(name, adapter)
	}
	r.mu.RUnlock()
	wg.Wait()
	return failures
}

func (r *Registry) Close() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, adapter := range r.adapters {
		adapter.Close()
	}
}
